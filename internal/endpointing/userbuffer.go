package endpointing

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/askjohngeorge/leadline/internal/convo"
	"github.com/askjohngeorge/leadline/internal/frame"
	"github.com/askjohngeorge/leadline/internal/pipeline"
)

// slotPoll is the wait increment for the transcription slot.
const slotPoll = 10 * time.Millisecond

// UserAggregatorBuffer observes the transcription stream and keeps the
// finalized text of the current utterance in a single slot for the output
// gate to take at release time. It passes every frame through unchanged.
//
// The slot holds at most one value; a new start-of-speech discards a stale
// one, and WaitForTranscription atomically takes and clears it.
type UserAggregatorBuffer struct {
	log *slog.Logger
	agg *convo.ResponseAggregator

	mu        sync.Mutex
	finalized string
}

func NewUserAggregatorBuffer(log *slog.Logger) *UserAggregatorBuffer {
	if log == nil {
		log = slog.Default()
	}
	return &UserAggregatorBuffer{
		log: log.With("component", "user_aggregator_buffer"),
		agg: convo.NewWordAggregator(),
	}
}

func (b *UserAggregatorBuffer) Name() string { return "user_aggregator_buffer" }

func (b *UserAggregatorBuffer) Process(_ context.Context, f frame.Frame, dir frame.Direction, emit pipeline.Emit) error {
	switch fr := f.(type) {
	case *frame.UserStartedSpeaking:
		b.agg.StartResponse()
		b.mu.Lock()
		b.finalized = ""
		b.mu.Unlock()

	case *frame.UserStoppedSpeaking:
		if text, ok := b.agg.EndResponse(); ok {
			b.finalize(text)
		}

	case *frame.Transcription:
		if text, ok := b.agg.AddText(fr.Text); ok {
			b.finalize(text)
		}

	case *frame.InterimTranscription:
		b.agg.AddInterim()

	case *frame.StartInterruption:
		if text, ok := b.agg.Interrupt(); ok {
			b.finalize(text)
		}
	}

	emit(f, dir)
	return nil
}

func (b *UserAggregatorBuffer) finalize(text string) {
	b.mu.Lock()
	b.finalized = text
	b.mu.Unlock()
	b.log.Debug("transcription finalized", "text", text)
}

// WaitForTranscription blocks until a finalized transcription is present,
// then takes and clears it. Returns ctx.Err() if ctx is done first.
func (b *UserAggregatorBuffer) WaitForTranscription(ctx context.Context) (string, error) {
	ticker := time.NewTicker(slotPoll)
	defer ticker.Stop()
	for {
		b.mu.Lock()
		if b.finalized != "" {
			text := b.finalized
			b.finalized = ""
			b.mu.Unlock()
			return text, nil
		}
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

var _ pipeline.Processor = (*UserAggregatorBuffer)(nil)
