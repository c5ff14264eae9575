// Package audio provides the audio frame type and PCM helpers shared by the
// gateway transport, the VAD stage, and the turn-taking pipeline.
package audio

import "time"

// AudioFrame represents a single frame of audio data flowing through the
// pipeline. Frames are the atomic unit of audio transport — captured from the
// gateway input, processed by VAD, accumulated for the completeness
// classifier, and played back through the gateway output.
type AudioFrame struct {
	// PCM audio data, 16-bit little-endian samples.
	Data []byte

	// SampleRate in Hz (e.g., 16000 for STT input, 24000 for TTS output).
	SampleRate int

	// Channels: 1 for mono (telephony, STT), 2 for stereo.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Duration returns the playback duration of the frame, computed from its byte
// length, channel count, and sample rate (2 bytes per 16-bit sample).
// Returns 0 for frames with missing or malformed metadata rather than
// dividing by zero.
func (f AudioFrame) Duration() time.Duration {
	return PCMDuration(len(f.Data), f.SampleRate, f.Channels)
}

// PCMDuration converts a 16-bit PCM byte count into a playback duration.
// Zero or negative sample rates and channel counts yield 0.
func PCMDuration(numBytes, sampleRate, channels int) time.Duration {
	if numBytes <= 0 || sampleRate <= 0 || channels <= 0 {
		return 0
	}
	samples := numBytes / 2 / channels
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}

// PCMBytes returns the number of 16-bit PCM bytes covering d at the given
// format. The result is aligned down to a whole sample.
func PCMBytes(d time.Duration, sampleRate, channels int) int {
	if d <= 0 || sampleRate <= 0 || channels <= 0 {
		return 0
	}
	samples := int(d * time.Duration(sampleRate) / time.Second)
	return samples * 2 * channels
}
