package endpointing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/askjohngeorge/leadline/internal/frame"
)

func TestUserBufferFinalizesTurn(t *testing.T) {
	b := NewUserAggregatorBuffer(nil)
	col := &collector{}
	ctx := context.Background()

	seq := []frame.Frame{
		frame.NewUserStartedSpeaking(),
		frame.NewTranscription("I need", "caller", time.Now()),
		frame.NewTranscription("an appointment", "caller", time.Now()),
		frame.NewUserStoppedSpeaking(),
	}
	for _, f := range seq {
		if err := b.Process(ctx, f, frame.Downstream, col.emit); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	wctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	got, err := b.WaitForTranscription(wctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "I need an appointment" {
		t.Errorf("expected joined transcription, got %q", got)
	}

	// The buffer observes; every frame travels on.
	if col.len() != len(seq) {
		t.Errorf("expected %d passthrough frames, got %d", len(seq), col.len())
	}
}

func TestUserBufferTakeOnceThenBlock(t *testing.T) {
	b := NewUserAggregatorBuffer(nil)
	col := &collector{}
	ctx := context.Background()

	b.Process(ctx, frame.NewUserStartedSpeaking(), frame.Downstream, col.emit)
	b.Process(ctx, frame.NewTranscription("hello", "caller", time.Now()), frame.Downstream, col.emit)
	b.Process(ctx, frame.NewUserStoppedSpeaking(), frame.Downstream, col.emit)

	wctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	got, err := b.WaitForTranscription(wctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "hello" {
		t.Errorf("expected %q, got %q", "hello", got)
	}

	// The slot was cleared by the take; a second wait must block.
	wctx2, cancel2 := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel2()
	if _, err := b.WaitForTranscription(wctx2); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded on second take, got %v", err)
	}
}

func TestUserBufferNewTurnDiscardsStale(t *testing.T) {
	b := NewUserAggregatorBuffer(nil)
	col := &collector{}
	ctx := context.Background()

	b.Process(ctx, frame.NewUserStartedSpeaking(), frame.Downstream, col.emit)
	b.Process(ctx, frame.NewTranscription("first turn", "caller", time.Now()), frame.Downstream, col.emit)
	b.Process(ctx, frame.NewUserStoppedSpeaking(), frame.Downstream, col.emit)

	// The finalized value was never taken; a new turn supersedes it.
	b.Process(ctx, frame.NewUserStartedSpeaking(), frame.Downstream, col.emit)

	wctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, err := b.WaitForTranscription(wctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("stale value survived a new turn: %v", err)
	}

	b.Process(ctx, frame.NewTranscription("second turn", "caller", time.Now()), frame.Downstream, col.emit)
	b.Process(ctx, frame.NewUserStoppedSpeaking(), frame.Downstream, col.emit)

	wctx2, cancel2 := context.WithTimeout(ctx, time.Second)
	defer cancel2()
	got, err := b.WaitForTranscription(wctx2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "second turn" {
		t.Errorf("expected %q, got %q", "second turn", got)
	}
}

func TestUserBufferLateFinalTranscription(t *testing.T) {
	b := NewUserAggregatorBuffer(nil)
	col := &collector{}
	ctx := context.Background()

	// STT often finalizes after the stop-of-speech signal.
	b.Process(ctx, frame.NewUserStartedSpeaking(), frame.Downstream, col.emit)
	b.Process(ctx, frame.NewUserStoppedSpeaking(), frame.Downstream, col.emit)

	wctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, err := b.WaitForTranscription(wctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("buffer finalized before any text arrived")
	}

	b.Process(ctx, frame.NewTranscription("late words", "caller", time.Now()), frame.Downstream, col.emit)

	wctx2, cancel2 := context.WithTimeout(ctx, time.Second)
	defer cancel2()
	got, err := b.WaitForTranscription(wctx2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "late words" {
		t.Errorf("expected %q, got %q", "late words", got)
	}
}

func TestUserBufferInterimDelaysCompletion(t *testing.T) {
	b := NewUserAggregatorBuffer(nil)
	col := &collector{}
	ctx := context.Background()

	b.Process(ctx, frame.NewUserStartedSpeaking(), frame.Downstream, col.emit)
	b.Process(ctx, frame.NewTranscription("I want", "caller", time.Now()), frame.Downstream, col.emit)
	b.Process(ctx, frame.NewInterimTranscription("to bo", "caller", time.Now()), frame.Downstream, col.emit)
	b.Process(ctx, frame.NewUserStoppedSpeaking(), frame.Downstream, col.emit)

	// A pending interim means the final fragment is still coming.
	wctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, err := b.WaitForTranscription(wctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("buffer finalized on an interim result")
	}

	b.Process(ctx, frame.NewTranscription("to book", "caller", time.Now()), frame.Downstream, col.emit)

	wctx2, cancel2 := context.WithTimeout(ctx, time.Second)
	defer cancel2()
	got, err := b.WaitForTranscription(wctx2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "I want to book" {
		t.Errorf("expected the completed aggregation, got %q", got)
	}
}

func TestUserBufferInterruptFinalizesPartial(t *testing.T) {
	b := NewUserAggregatorBuffer(nil)
	col := &collector{}
	ctx := context.Background()

	b.Process(ctx, frame.NewUserStartedSpeaking(), frame.Downstream, col.emit)
	b.Process(ctx, frame.NewTranscription("stop for a", "caller", time.Now()), frame.Downstream, col.emit)
	b.Process(ctx, frame.NewStartInterruption(), frame.Downstream, col.emit)

	wctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	got, err := b.WaitForTranscription(wctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "stop for a" {
		t.Errorf("expected the partial aggregation, got %q", got)
	}
}
