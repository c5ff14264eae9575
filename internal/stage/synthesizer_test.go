package stage

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/askjohngeorge/leadline/internal/frame"
	ttsmock "github.com/askjohngeorge/leadline/pkg/provider/tts/mock"
	"github.com/askjohngeorge/leadline/pkg/types"
)

func startSynthesizer(t *testing.T, p *ttsmock.Provider) (*Synthesizer, *collector) {
	t.Helper()
	syn := NewSynthesizer(p, types.VoiceProfile{ID: "v1"}, nil)
	col := &collector{}
	syn.Bind(col.emit)
	if err := syn.Process(context.Background(), frame.NewStart(16000, 1, 24000, 1, true), frame.Downstream, col.emit); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	col.clear()
	return syn, col
}

func feedSynth(t *testing.T, syn *Synthesizer, col *collector, frames ...frame.Frame) {
	t.Helper()
	for _, f := range frames {
		if err := syn.Process(context.Background(), f, frame.Downstream, col.emit); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
}

func TestSynthesizerStreamsResponseIntoOneSession(t *testing.T) {
	p := &ttsmock.Provider{SynthesizeChunks: [][]byte{{1, 2}, {}, {3, 4}}}
	syn, col := startSynthesizer(t, p)

	feedSynth(t, syn, col,
		frame.NewLLMFullResponseStart(),
		frame.NewText("The earliest slot "),
		frame.NewText("is nine."),
		frame.NewLLMFullResponseEnd(),
	)

	if !waitFor(t, time.Second, func() bool { return col.count("TTSStopped") == 1 }) {
		t.Fatalf("synthesis never finished: %v", col.kinds())
	}

	if got := p.ReceivedTexts(); !reflect.DeepEqual(got, []string{"The earliest slot ", "is nine."}) {
		t.Fatalf("received texts = %v", got)
	}
	if len(p.SynthesizeStreamCalls) != 1 {
		t.Fatalf("sessions = %d, want 1", len(p.SynthesizeStreamCalls))
	}
	if p.SynthesizeStreamCalls[0].Voice.ID != "v1" {
		t.Fatalf("voice = %+v", p.SynthesizeStreamCalls[0].Voice)
	}

	// Empty chunks are skipped; the rest carry the negotiated output format.
	if got := col.count("TTSAudioRaw"); got != 2 {
		t.Fatalf("audio frames = %d, want 2", got)
	}
	for _, f := range col.frames() {
		if fr, ok := f.(*frame.TTSAudioRaw); ok {
			if fr.Audio.SampleRate != 24000 || fr.Audio.Channels != 1 {
				t.Fatalf("audio format = %d Hz %d ch", fr.Audio.SampleRate, fr.Audio.Channels)
			}
		}
	}
	if got := col.count("TTSStarted"); got != 1 {
		t.Fatalf("TTSStarted count = %d, want 1", got)
	}
	// Text frames keep flowing to the aggregator behind the gateway.
	if got := col.count("Text"); got != 2 {
		t.Fatalf("passed-through texts = %d, want 2", got)
	}
}

func TestSynthesizerSpeaksStandaloneText(t *testing.T) {
	p := &ttsmock.Provider{SynthesizeChunks: [][]byte{{9, 9}}}
	syn, col := startSynthesizer(t, p)

	feedSynth(t, syn, col, frame.NewText("Thanks for calling, one moment."))

	if !waitFor(t, time.Second, func() bool { return col.count("TTSStopped") == 1 }) {
		t.Fatalf("synthesis never finished: %v", col.kinds())
	}
	if got := p.ReceivedTexts(); !reflect.DeepEqual(got, []string{"Thanks for calling, one moment."}) {
		t.Fatalf("received texts = %v", got)
	}
	if len(p.SynthesizeStreamCalls) != 1 {
		t.Fatalf("sessions = %d, want 1", len(p.SynthesizeStreamCalls))
	}
	if got := col.count("TTSAudioRaw"); got != 1 {
		t.Fatalf("audio frames = %d, want 1", got)
	}
}

func TestSynthesizerInterruptionAbortsAndNextResponseOpensFresh(t *testing.T) {
	p := &ttsmock.Provider{SynthesizeChunks: [][]byte{{1}}}
	syn, col := startSynthesizer(t, p)

	feedSynth(t, syn, col,
		frame.NewLLMFullResponseStart(),
		frame.NewText("I was saying"),
		frame.NewStartInterruption(),
	)
	if !waitFor(t, time.Second, func() bool { return col.count("TTSStopped") == 1 }) {
		t.Fatalf("aborted session never closed: %v", col.kinds())
	}

	feedSynth(t, syn, col,
		frame.NewLLMFullResponseStart(),
		frame.NewText("Sure, go ahead."),
		frame.NewLLMFullResponseEnd(),
	)
	if !waitFor(t, time.Second, func() bool { return col.count("TTSStopped") == 2 }) {
		t.Fatalf("second session never closed: %v", col.kinds())
	}
	if len(p.SynthesizeStreamCalls) != 2 {
		t.Fatalf("sessions = %d, want 2", len(p.SynthesizeStreamCalls))
	}
}

func TestSynthesizerDoesNotReopenAfterResponseEnd(t *testing.T) {
	p := &ttsmock.Provider{SynthesizeChunks: [][]byte{{1}}}
	syn, col := startSynthesizer(t, p)

	feedSynth(t, syn, col,
		frame.NewLLMFullResponseStart(),
		frame.NewText("Done now."),
		frame.NewLLMFullResponseEnd(),
	)
	if !waitFor(t, time.Second, func() bool { return col.count("TTSStopped") == 1 }) {
		t.Fatalf("session never closed: %v", col.kinds())
	}

	// Post-response text is a one-shot line, not part of the closed session.
	feedSynth(t, syn, col, frame.NewText("And one more thing."))
	if !waitFor(t, time.Second, func() bool { return col.count("TTSStopped") == 2 }) {
		t.Fatalf("one-shot never finished: %v", col.kinds())
	}
	if len(p.SynthesizeStreamCalls) != 2 {
		t.Fatalf("sessions = %d, want 2", len(p.SynthesizeStreamCalls))
	}
}

func TestSynthesizerProviderErrorIsNonFatal(t *testing.T) {
	p := &ttsmock.Provider{SynthesizeErr: errors.New("voice not found")}
	syn, col := startSynthesizer(t, p)

	feedSynth(t, syn, col,
		frame.NewLLMFullResponseStart(),
		frame.NewText("hello"),
	)

	want := []string{"LLMFullResponseStart", "Error", "Text"}
	if got := col.kinds(); !reflect.DeepEqual(got, want) {
		t.Fatalf("kinds = %v, want %v", got, want)
	}
	f, dir := col.at(1)
	ef := f.(*frame.Error)
	if ef.Fatal || dir != frame.Upstream {
		t.Fatalf("expected non-fatal upstream error, got fatal=%v dir=%v", ef.Fatal, dir)
	}
}

func TestSynthesizerEndAbortsLiveSession(t *testing.T) {
	p := &ttsmock.Provider{SynthesizeChunks: [][]byte{{1}}}
	syn, col := startSynthesizer(t, p)

	feedSynth(t, syn, col,
		frame.NewLLMFullResponseStart(),
		frame.NewText("closing up"),
		frame.NewEnd(),
	)
	if !waitFor(t, time.Second, func() bool { return col.count("TTSStopped") == 1 }) {
		t.Fatalf("session never closed: %v", col.kinds())
	}
	if got := col.count("End"); got != 1 {
		t.Fatal("End must pass through")
	}
}
