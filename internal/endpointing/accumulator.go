package endpointing

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/askjohngeorge/leadline/internal/frame"
	"github.com/askjohngeorge/leadline/internal/pipeline"
	"github.com/askjohngeorge/leadline/pkg/audio"
	"github.com/askjohngeorge/leadline/pkg/types"
)

const (
	// preSpeechWindow is the lookback kept while no utterance is in
	// progress, just enough to backfill the onset the VAD needed to
	// confirm speech. Matches the VAD start window.
	preSpeechWindow = 200 * time.Millisecond
	// maxUtteranceWindow caps buffered audio during an utterance.
	maxUtteranceWindow = 30 * time.Second

	// PCMMIMEType tags the audio payload of an utterance message.
	PCMMIMEType = "audio/L16"
)

// AudioAccumulator turns the continuous inbound audio stream plus VAD
// boundary signals into discrete utterance units. It keeps a
// duration-bounded ring of audio frames, widening the cap while an
// utterance is in progress, and on each stop-of-speech boundary emits an
// UtteranceContext bundling the buffered audio.
//
// Reset is called by the completeness check from its timer goroutine, so
// buffer state is mutex-guarded.
type AudioAccumulator struct {
	log *slog.Logger

	mu       sync.Mutex
	frames   []audio.AudioFrame
	buffered time.Duration
	// vadSpeaking tracks the raw VAD state; utterance stays set from the
	// first start-of-speech until Reset, so the wide cap covers pauses
	// between VAD segments of one turn.
	vadSpeaking bool
	utterance   bool
}

func NewAudioAccumulator(log *slog.Logger) *AudioAccumulator {
	if log == nil {
		log = slog.Default()
	}
	return &AudioAccumulator{log: log.With("component", "audio_accumulator")}
}

func (a *AudioAccumulator) Name() string { return "audio_accumulator" }

// Reset clears the buffer and both speaking flags. Idempotent and safe
// concurrently with frame processing.
func (a *AudioAccumulator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.frames = nil
	a.buffered = 0
	a.vadSpeaking = false
	a.utterance = false
}

func (a *AudioAccumulator) Process(_ context.Context, f frame.Frame, dir frame.Direction, emit pipeline.Emit) error {
	switch fr := f.(type) {
	case *frame.Transcription:
		// Audio-only path; the aggregation stages upstream already
		// consumed the text.
		return nil

	case *frame.UserStartedSpeaking:
		a.mu.Lock()
		a.vadSpeaking = true
		a.utterance = true
		a.mu.Unlock()

	case *frame.UserStoppedSpeaking:
		blob, sampleRate, channels := a.drain()
		if len(blob) > 0 {
			msg := types.Message{
				Role: types.RoleUser,
				Parts: []types.ContentPart{{
					Kind:     types.PartAudio,
					Audio:    blob,
					MIMEType: PCMMIMEType,
				}},
			}
			a.log.Debug("utterance bundled",
				"bytes", len(blob),
				"duration", audio.PCMDuration(len(blob), sampleRate, channels))
			emit(frame.NewUtteranceContext(msg), frame.Downstream)
		}

	case *frame.InputAudioRaw:
		a.append(fr.Audio)
	}

	emit(f, dir)
	return nil
}

// drain concatenates the buffered payloads. The buffer itself is kept;
// Reset clears it once the turn resolves.
func (a *AudioAccumulator) drain() (blob []byte, sampleRate, channels int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.vadSpeaking = false
	total := 0
	for _, af := range a.frames {
		total += len(af.Data)
	}
	if total == 0 {
		return nil, 0, 0
	}
	blob = make([]byte, 0, total)
	for _, af := range a.frames {
		blob = append(blob, af.Data...)
	}
	first := a.frames[0]
	return blob, first.SampleRate, first.Channels
}

func (a *AudioAccumulator) append(af audio.AudioFrame) {
	d := af.Duration()
	if d <= 0 {
		// Malformed metadata (zero sample rate or empty payload); skip
		// rather than divide by zero or grow without bound.
		a.log.Debug("dropping audio frame with invalid metadata",
			"bytes", len(af.Data), "sample_rate", af.SampleRate, "channels", af.Channels)
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.frames = append(a.frames, af)
	a.buffered += d

	limit := preSpeechWindow
	if a.utterance {
		limit = maxUtteranceWindow
	}
	for a.buffered > limit && len(a.frames) > 0 {
		a.buffered -= a.frames[0].Duration()
		a.frames = a.frames[1:]
	}
}

// BufferedDuration reports the currently buffered audio duration.
func (a *AudioAccumulator) BufferedDuration() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.buffered
}

var _ pipeline.Processor = (*AudioAccumulator)(nil)
