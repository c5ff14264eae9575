// Package energy implements an RMS-energy Voice Activity Detection engine.
//
// Each frame's root-mean-square amplitude is mapped to a speech probability and
// compared against the session's thresholds. Speech starts only after the
// probability stays at or above SpeechThreshold for a full start window, and
// ends only after it stays below SilenceThreshold for a full stop window, so
// brief noise spikes and short pauses inside an utterance do not flip the
// detection state.
//
// The probability scale is anchored to the engine's RMS threshold: a frame
// whose RMS equals the threshold scores 0.5, which lines up with the default
// SpeechThreshold. No model weights are involved, so the engine is cheap enough
// to run on every frame of every call.
package energy

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/askjohngeorge/leadline/pkg/provider/vad"
	"github.com/askjohngeorge/leadline/pkg/types"
)

const (
	// defaultRMSThreshold is the RMS amplitude (int16 scale) that maps to a
	// speech probability of 0.5.
	defaultRMSThreshold = 500.0

	// defaultStartWindow is how long speech must be sustained before a
	// VADSpeechStart is emitted.
	defaultStartWindow = 200 * time.Millisecond

	// defaultStopWindow is how long silence must be sustained before a
	// VADSpeechEnd is emitted.
	defaultStopWindow = 800 * time.Millisecond
)

// Option is a functional option for configuring the energy Engine.
type Option func(*Engine)

// WithRMSThreshold sets the RMS amplitude that maps to probability 0.5.
// Raise it for noisy lines, lower it for quiet callers.
func WithRMSThreshold(threshold float64) Option {
	return func(e *Engine) {
		e.rmsThreshold = threshold
	}
}

// WithStartWindow sets how long speech must be sustained before a session
// reports VADSpeechStart.
func WithStartWindow(d time.Duration) Option {
	return func(e *Engine) {
		e.startWindow = d
	}
}

// WithStopWindow sets how long silence must be sustained before a session
// reports VADSpeechEnd.
func WithStopWindow(d time.Duration) Option {
	return func(e *Engine) {
		e.stopWindow = d
	}
}

// Engine implements vad.Engine using frame RMS energy. It is safe for
// concurrent use; sessions it creates are independently locked.
type Engine struct {
	rmsThreshold float64
	startWindow  time.Duration
	stopWindow   time.Duration
}

// New creates an energy Engine with the default RMS threshold and hangover
// windows, optionally overridden by opts.
func New(opts ...Option) *Engine {
	e := &Engine{
		rmsThreshold: defaultRMSThreshold,
		startWindow:  defaultStartWindow,
		stopWindow:   defaultStopWindow,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// NewSession creates a new detection session. Zero-valued thresholds in cfg
// default to 0.5 (speech) and 0.35 (silence).
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("energy: invalid sample rate %d", cfg.SampleRate)
	}
	if cfg.FrameSizeMs <= 0 {
		return nil, fmt.Errorf("energy: invalid frame size %d ms", cfg.FrameSizeMs)
	}
	if cfg.SpeechThreshold == 0 {
		cfg.SpeechThreshold = 0.5
	}
	if cfg.SilenceThreshold == 0 {
		cfg.SilenceThreshold = 0.35
	}
	if cfg.SpeechThreshold < 0 || cfg.SpeechThreshold > 1 {
		return nil, fmt.Errorf("energy: speech threshold %g out of range [0,1]", cfg.SpeechThreshold)
	}
	if cfg.SilenceThreshold < 0 || cfg.SilenceThreshold > 1 {
		return nil, fmt.Errorf("energy: silence threshold %g out of range [0,1]", cfg.SilenceThreshold)
	}
	if cfg.SilenceThreshold > cfg.SpeechThreshold {
		return nil, fmt.Errorf("energy: silence threshold %g exceeds speech threshold %g",
			cfg.SilenceThreshold, cfg.SpeechThreshold)
	}

	return &session{
		cfg:          cfg,
		frameBytes:   cfg.SampleRate * cfg.FrameSizeMs / 1000 * 2,
		frameDur:     time.Duration(cfg.FrameSizeMs) * time.Millisecond,
		rmsThreshold: e.rmsThreshold,
		startWindow:  e.startWindow,
		stopWindow:   e.stopWindow,
	}, nil
}

// Ensure Engine implements vad.Engine at compile time.
var _ vad.Engine = (*Engine)(nil)

// session is a single-stream energy VAD session. It implements vad.SessionHandle
// and is safe for concurrent use.
type session struct {
	mu sync.Mutex

	cfg          vad.Config
	frameBytes   int
	frameDur     time.Duration
	rmsThreshold float64
	startWindow  time.Duration
	stopWindow   time.Duration

	inSpeech   bool
	speechRun  time.Duration
	silenceRun time.Duration
	closed     bool
}

// ProcessFrame classifies one PCM frame and advances the detection state.
func (s *session) ProcessFrame(frame []byte) (types.VADEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return types.VADEvent{}, errors.New("energy: session is closed")
	}
	if len(frame) != s.frameBytes {
		return types.VADEvent{}, fmt.Errorf("energy: frame is %d bytes, want %d", len(frame), s.frameBytes)
	}

	prob := s.probability(frame)
	ev := types.VADEvent{Probability: prob}

	if s.inSpeech {
		if prob < s.cfg.SilenceThreshold {
			s.silenceRun += s.frameDur
			if s.silenceRun >= s.stopWindow {
				s.inSpeech = false
				s.speechRun = 0
				s.silenceRun = 0
				ev.Type = types.VADSpeechEnd
				return ev, nil
			}
		} else {
			// Any frame above the silence floor keeps the segment alive.
			s.silenceRun = 0
		}
		ev.Type = types.VADSpeechContinue
		return ev, nil
	}

	if prob >= s.cfg.SpeechThreshold {
		s.speechRun += s.frameDur
		if s.speechRun >= s.startWindow {
			s.inSpeech = true
			s.speechRun = 0
			s.silenceRun = 0
			ev.Type = types.VADSpeechStart
			return ev, nil
		}
	} else {
		s.speechRun = 0
	}
	ev.Type = types.VADSilence
	return ev, nil
}

// Reset clears the detection state without closing the session.
func (s *session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inSpeech = false
	s.speechRun = 0
	s.silenceRun = 0
}

// Close marks the session closed. Subsequent ProcessFrame calls return an error.
func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// probability maps the frame's RMS amplitude onto [0,1], with the engine's RMS
// threshold landing at 0.5.
func (s *session) probability(frame []byte) float64 {
	rms := computeRMS(frame)
	p := rms / (2 * s.rmsThreshold)
	if p > 1 {
		p = 1
	}
	return p
}

// computeRMS returns the root mean square of 16-bit little-endian PCM samples.
func computeRMS(pcm []byte) float64 {
	sampleCount := len(pcm) / 2
	if sampleCount == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < sampleCount; i++ {
		sample := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		f := float64(sample)
		sum += f * f
	}
	return math.Sqrt(sum / float64(sampleCount))
}

// Ensure session implements vad.SessionHandle at compile time.
var _ vad.SessionHandle = (*session)(nil)
