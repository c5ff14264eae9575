// Package frame defines the closed set of message kinds flowing through the
// call pipeline, plus the direction tag that distinguishes downstream (toward
// the speaker output) from upstream (toward the audio input) travel.
//
// Frames fall into three groups:
//
//   - System frames (Start, Cancel, interruptions, speech boundaries, function
//     calls, errors) are processed immediately by every stage and must never be
//     buffered or delayed.
//   - Control frames (End, LLM response boundaries, TTS boundaries) flow in
//     order with data.
//   - Data frames (audio, transcriptions, text, contexts) carry the call's
//     payload.
//
// Every frame carries a process-unique ID assigned at construction; parallel
// pipeline sections use it to forward a frame seen on several branches exactly
// once. Route on frame kind with a type switch over the concrete types; the
// set is closed, so a switch with a default case catches additions.
package frame

import "sync/atomic"

// Direction indicates which way a frame travels through the pipeline.
type Direction int

const (
	// Downstream flows from the audio input toward the speaker output.
	Downstream Direction = iota

	// Upstream flows from the output side back toward the input.
	Upstream
)

// String returns the human-readable direction name.
func (d Direction) String() string {
	switch d {
	case Downstream:
		return "downstream"
	case Upstream:
		return "upstream"
	default:
		return "unknown"
	}
}

// Frame is implemented by every pipeline message.
type Frame interface {
	// ID returns the process-unique frame identifier.
	ID() uint64

	// Kind returns the frame's kind name for logging.
	Kind() string
}

// System is implemented by frames that every stage must handle immediately,
// out of band of any internal buffering.
type System interface {
	Frame
	system()
}

// IsSystem reports whether f is a system frame.
func IsSystem(f Frame) bool {
	_, ok := f.(System)
	return ok
}

var idCounter atomic.Uint64

// Base carries the frame ID. Embed it in every concrete frame and initialise
// it with newBase.
type Base struct {
	id uint64
}

func newBase() Base {
	return Base{id: idCounter.Add(1)}
}

// ID returns the process-unique frame identifier.
func (b Base) ID() uint64 { return b.id }

// systemBase marks a frame as a System frame.
type systemBase struct {
	Base
}

func (systemBase) system() {}
