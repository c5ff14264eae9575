package audio_test

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/askjohngeorge/leadline/pkg/audio"
)

// samplesToBytes converts int16 samples to little-endian bytes.
func samplesToBytes(samples []int16) []byte {
	buf := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// bytesToSamples converts little-endian bytes to int16 samples.
func bytesToSamples(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return samples
}

func TestFormatString(t *testing.T) {
	tests := []struct {
		format audio.Format
		want   string
	}{
		{audio.Format{SampleRate: 16000, Channels: 1}, "16000Hz mono"},
		{audio.Format{SampleRate: 48000, Channels: 2}, "48000Hz stereo"},
		{audio.Format{SampleRate: 24000, Channels: 4}, "24000Hz 4ch"},
	}
	for _, tt := range tests {
		if got := tt.format.String(); got != tt.want {
			t.Errorf("Format%+v.String() = %q, want %q", tt.format, got, tt.want)
		}
	}
}

func TestMonoToStereo(t *testing.T) {
	mono := samplesToBytes([]int16{100, 200, 300})
	got := bytesToSamples(audio.MonoToStereo(mono))
	want := []int16{100, 100, 200, 200, 300, 300}
	if len(got) != len(want) {
		t.Fatalf("length = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestMonoToStereoOddLengthInput(t *testing.T) {
	// Two complete samples plus a trailing junk byte; the junk must not
	// produce a phantom sample.
	pcm := []byte{0x64, 0x00, 0xC8, 0x00, 0xFF}
	stereo := audio.MonoToStereo(pcm)
	if len(stereo) != 8 {
		t.Fatalf("length = %d bytes, want 8", len(stereo))
	}
	got := bytesToSamples(stereo)
	want := []int16{100, 100, 200, 200}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestStereoToMono(t *testing.T) {
	tests := []struct {
		name   string
		stereo []int16
		want   []int16
	}{
		{"averages pairs", []int16{100, 200, -100, -200}, []int16{150, -150}},
		{"clamps at int16 max", []int16{32767, 32767}, []int16{32767}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := bytesToSamples(audio.StereoToMono(samplesToBytes(tt.stereo)))
			if len(got) != len(tt.want) {
				t.Fatalf("length = %d, want %d", len(got), len(tt.want))
			}
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Errorf("sample %d = %d, want %d", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestResampleMono16SameRate(t *testing.T) {
	pcm := samplesToBytes([]int16{100, 200, 300})
	out := audio.ResampleMono16(pcm, 48000, 48000)
	if len(out) != len(pcm) {
		t.Fatalf("length = %d, want %d", len(out), len(pcm))
	}
}

func TestResampleMono16Upsample(t *testing.T) {
	// 2 samples at 16 kHz become 6 at 48 kHz.
	out := bytesToSamples(audio.ResampleMono16(samplesToBytes([]int16{1000, 2000}), 16000, 48000))
	if len(out) != 6 {
		t.Fatalf("samples = %d, want 6", len(out))
	}
	if out[0] != 1000 {
		t.Errorf("first sample = %d, want 1000", out[0])
	}
	last := out[len(out)-1]
	if last < 1800 || last > 2200 {
		t.Errorf("last sample = %d, want near 2000", last)
	}
}

func TestResampleMono16Downsample(t *testing.T) {
	out := bytesToSamples(audio.ResampleMono16(samplesToBytes([]int16{100, 200, 300, 400, 500, 600}), 48000, 16000))
	if len(out) != 2 {
		t.Fatalf("samples = %d, want 2", len(out))
	}
}

func TestResampleMono16BadRates(t *testing.T) {
	pcm := samplesToBytes([]int16{100, 200})
	for _, rates := range [][2]int{{0, 48000}, {48000, 0}, {-1, 48000}} {
		out := audio.ResampleMono16(pcm, rates[0], rates[1])
		if len(out) != len(pcm) {
			t.Errorf("ResampleMono16(%d, %d): length = %d, want unchanged %d",
				rates[0], rates[1], len(out), len(pcm))
		}
	}
}

func TestResampleStereo16(t *testing.T) {
	// 2 stereo frames at 16 kHz become 6 frames (12 samples) at 48 kHz.
	out := bytesToSamples(audio.ResampleStereo16(samplesToBytes([]int16{100, 200, 300, 400}), 16000, 48000))
	if len(out) != 12 {
		t.Fatalf("samples = %d, want 12", len(out))
	}
}

func TestResampleStereo16BadRates(t *testing.T) {
	pcm := samplesToBytes([]int16{100, 200, 300, 400})
	for _, rates := range [][2]int{{0, 48000}, {48000, 0}} {
		out := audio.ResampleStereo16(pcm, rates[0], rates[1])
		if len(out) != len(pcm) {
			t.Errorf("ResampleStereo16(%d, %d): length = %d, want unchanged %d",
				rates[0], rates[1], len(out), len(pcm))
		}
	}
}

func TestFormatConverterPassthrough(t *testing.T) {
	conv := audio.FormatConverter{Target: audio.Format{SampleRate: 16000, Channels: 1}}
	frame := audio.AudioFrame{
		Data:       samplesToBytes([]int16{100, 200}),
		SampleRate: 16000,
		Channels:   1,
	}
	result := conv.Convert(frame)
	if &result.Data[0] != &frame.Data[0] {
		t.Error("matching format should return the same slice")
	}
}

func TestFormatConverterMonoToStereo(t *testing.T) {
	conv := audio.FormatConverter{Target: audio.Format{SampleRate: 48000, Channels: 2}}
	result := conv.Convert(audio.AudioFrame{
		Data:       samplesToBytes([]int16{100, 200, 300}),
		SampleRate: 48000,
		Channels:   1,
	})
	got := bytesToSamples(result.Data)
	want := []int16{100, 100, 200, 200, 300, 300}
	if len(got) != len(want) {
		t.Fatalf("length = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d = %d, want %d", i, got[i], want[i])
		}
	}
	if result.SampleRate != 48000 || result.Channels != 2 {
		t.Errorf("format = %dHz %dch, want 48000Hz 2ch", result.SampleRate, result.Channels)
	}
}

func TestFormatConverterResampleAndChannels(t *testing.T) {
	// Synthesis output at 24 kHz mono converted to a 48 kHz stereo wire.
	conv := audio.FormatConverter{Target: audio.Format{SampleRate: 48000, Channels: 2}}
	result := conv.Convert(audio.AudioFrame{
		Data:       samplesToBytes([]int16{1000, 2000}),
		SampleRate: 24000,
		Channels:   1,
	})
	if result.SampleRate != 48000 {
		t.Errorf("sample rate = %d, want 48000", result.SampleRate)
	}
	if result.Channels != 2 {
		t.Errorf("channels = %d, want 2", result.Channels)
	}
	got := bytesToSamples(result.Data)
	if len(got) == 0 || len(got)%2 != 0 {
		t.Errorf("stereo output should be non-empty with paired samples, got %d", len(got))
	}
}

func TestFormatConverterMisalignedData(t *testing.T) {
	conv := audio.FormatConverter{Target: audio.Format{SampleRate: 16000, Channels: 1}}
	result := conv.Convert(audio.AudioFrame{
		Data:       []byte{1, 2, 3},
		SampleRate: 8000,
		Channels:   1,
		Timestamp:  250 * time.Millisecond,
	})
	if len(result.Data) != 0 {
		t.Errorf("misaligned data should be dropped, got %d bytes", len(result.Data))
	}
	if result.SampleRate != 16000 || result.Channels != 1 {
		t.Errorf("dropped frame format = %dHz %dch, want target 16000Hz 1ch",
			result.SampleRate, result.Channels)
	}
	if result.Timestamp != 250*time.Millisecond {
		t.Errorf("timestamp = %v, want preserved 250ms", result.Timestamp)
	}
}

func TestFormatConverterMisalignedDataMatchingFormat(t *testing.T) {
	// Misalignment must be caught before the matching-format fast path.
	conv := audio.FormatConverter{Target: audio.Format{SampleRate: 16000, Channels: 1}}
	result := conv.Convert(audio.AudioFrame{
		Data:       []byte{1, 2, 3},
		SampleRate: 16000,
		Channels:   1,
	})
	if len(result.Data) != 0 {
		t.Errorf("misaligned data should be dropped, got %d bytes", len(result.Data))
	}
}
