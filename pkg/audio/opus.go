package audio

import (
	"fmt"
	"time"

	"layeh.com/gopus"
)

// OpusFrameDuration is the packet duration used on the gateway wire. Every
// Opus packet sent or received by the gateway covers exactly 20 ms of audio.
const OpusFrameDuration = 20 * time.Millisecond

// OpusFrameSize returns the number of samples per channel in one wire packet
// at the given sample rate.
func OpusFrameSize(sampleRate int) int {
	return sampleRate * int(OpusFrameDuration/time.Millisecond) / 1000
}

// OpusDecoder decodes a stream of Opus packets into 16-bit little-endian PCM.
// Decoder state carries across packets, so use one decoder per stream and do
// not share it between goroutines.
type OpusDecoder struct {
	dec        *gopus.Decoder
	sampleRate int
	channels   int
	frameSize  int
}

// NewOpusDecoder creates a decoder for the given stream format. Opus supports
// 8, 12, 16, 24 and 48 kHz; other rates fail.
func NewOpusDecoder(sampleRate, channels int) (*OpusDecoder, error) {
	dec, err := gopus.NewDecoder(sampleRate, channels)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus decoder: %w", err)
	}
	return &OpusDecoder{
		dec:        dec,
		sampleRate: sampleRate,
		channels:   channels,
		frameSize:  OpusFrameSize(sampleRate),
	}, nil
}

// Decode decodes one Opus packet into interleaved PCM bytes.
func (d *OpusDecoder) Decode(packet []byte) ([]byte, error) {
	pcm, err := d.dec.Decode(packet, d.frameSize, false)
	if err != nil {
		return nil, fmt.Errorf("audio: opus decode: %w", err)
	}
	return int16sToBytes(pcm), nil
}

// OpusEncoder encodes 16-bit little-endian PCM into Opus packets. Like the
// decoder it is stateful and single-stream.
type OpusEncoder struct {
	enc        *gopus.Encoder
	sampleRate int
	channels   int
	frameSize  int
}

// NewOpusEncoder creates an encoder for the given stream format.
func NewOpusEncoder(sampleRate, channels int) (*OpusEncoder, error) {
	enc, err := gopus.NewEncoder(sampleRate, channels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus encoder: %w", err)
	}
	return &OpusEncoder{
		enc:        enc,
		sampleRate: sampleRate,
		channels:   channels,
		frameSize:  OpusFrameSize(sampleRate),
	}, nil
}

// FrameBytes returns the exact PCM byte count Encode expects per call: one
// 20 ms frame at the encoder's format.
func (e *OpusEncoder) FrameBytes() int {
	return e.frameSize * e.channels * 2
}

// Encode encodes exactly one 20 ms PCM frame into an Opus packet. Callers
// chunk their audio to FrameBytes boundaries; a short final frame must be
// padded with silence before encoding.
func (e *OpusEncoder) Encode(pcm []byte) ([]byte, error) {
	if len(pcm) != e.FrameBytes() {
		return nil, fmt.Errorf("audio: opus encode: got %d PCM bytes, want %d", len(pcm), e.FrameBytes())
	}
	packet, err := e.enc.Encode(bytesToInt16s(pcm), e.frameSize, len(pcm))
	if err != nil {
		return nil, fmt.Errorf("audio: opus encode: %w", err)
	}
	return packet, nil
}

// int16sToBytes converts int16 PCM samples to little-endian bytes.
func int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// bytesToInt16s converts little-endian bytes to int16 PCM samples.
func bytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}
