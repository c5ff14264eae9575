package endpointing

import (
	"context"
	"testing"
	"time"

	"github.com/askjohngeorge/leadline/internal/convo"
	"github.com/askjohngeorge/leadline/internal/frame"
	"github.com/askjohngeorge/leadline/pkg/types"
)

func TestUserAggregatorCommitsTurn(t *testing.T) {
	c := convo.NewContext()
	ua := NewUserAggregator(c, nil)
	col := &collector{}
	ctx := context.Background()

	ua.Process(ctx, frame.NewUserStartedSpeaking(), frame.Downstream, col.emit)
	ua.Process(ctx, frame.NewTranscription("what services", "caller", time.Now()), frame.Downstream, col.emit)
	ua.Process(ctx, frame.NewTranscription("do you offer", "caller", time.Now()), frame.Downstream, col.emit)
	stop := frame.NewUserStoppedSpeaking()
	ua.Process(ctx, stop, frame.Downstream, col.emit)

	last, ok := c.Last()
	if !ok || last.Role != types.RoleUser || last.Content != "what services do you offer" {
		t.Errorf("turn not committed: %+v", last)
	}

	// Boundary signals pass; transcriptions are consumed; the extended
	// context follows the stop signal.
	kinds := col.kinds()
	want := []string{"UserStartedSpeaking", "UserStoppedSpeaking", "LLMContext"}
	if len(kinds) != len(want) {
		t.Fatalf("expected %v, got %v", want, kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, kinds)
		}
	}
}

func TestUserAggregatorLateFinal(t *testing.T) {
	c := convo.NewContext()
	ua := NewUserAggregator(c, nil)
	col := &collector{}
	ctx := context.Background()

	ua.Process(ctx, frame.NewUserStartedSpeaking(), frame.Downstream, col.emit)
	ua.Process(ctx, frame.NewUserStoppedSpeaking(), frame.Downstream, col.emit)
	if c.Len() != 0 {
		t.Fatal("committed before any transcription arrived")
	}

	ua.Process(ctx, frame.NewTranscription("better late", "caller", time.Now()), frame.Downstream, col.emit)

	last, ok := c.Last()
	if !ok || last.Content != "better late" {
		t.Errorf("late final not committed: %+v", last)
	}
}

func TestUserAggregatorInterimsConsumed(t *testing.T) {
	c := convo.NewContext()
	ua := NewUserAggregator(c, nil)
	col := &collector{}
	ctx := context.Background()

	ua.Process(ctx, frame.NewInterimTranscription("provis", "caller", time.Now()), frame.Downstream, col.emit)
	if col.len() != 0 {
		t.Errorf("interim leaked downstream: %v", col.kinds())
	}
	if c.Len() != 0 {
		t.Error("interim mutated the context")
	}
}

func TestUserAggregatorInterruptionCommitsPartial(t *testing.T) {
	c := convo.NewContext()
	ua := NewUserAggregator(c, nil)
	col := &collector{}
	ctx := context.Background()

	ua.Process(ctx, frame.NewUserStartedSpeaking(), frame.Downstream, col.emit)
	ua.Process(ctx, frame.NewTranscription("hold on", "caller", time.Now()), frame.Downstream, col.emit)
	ua.Process(ctx, frame.NewStartInterruption(), frame.Downstream, col.emit)

	last, ok := c.Last()
	if !ok || last.Content != "hold on" {
		t.Errorf("partial turn not committed on interruption: %+v", last)
	}
}

func TestAssistantAggregatorRecordsResponse(t *testing.T) {
	c := convo.NewContext()
	aa := NewAssistantAggregator(c, nil)
	col := &collector{}
	ctx := context.Background()

	seq := []frame.Frame{
		frame.NewLLMFullResponseStart(),
		frame.NewText("We offer "),
		frame.NewText("plumbing and heating."),
		frame.NewLLMFullResponseEnd(),
	}
	for _, f := range seq {
		if err := aa.Process(ctx, f, frame.Downstream, col.emit); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	last, ok := c.Last()
	if !ok || last.Role != types.RoleAssistant || last.Content != "We offer plumbing and heating." {
		t.Errorf("assistant turn not recorded: %+v", last)
	}
	// The aggregator only observes; every frame travels on.
	if col.len() != len(seq) {
		t.Errorf("expected %d passthrough frames, got %d", len(seq), col.len())
	}
}

func TestAssistantAggregatorKeepsPartialOnInterruption(t *testing.T) {
	c := convo.NewContext()
	aa := NewAssistantAggregator(c, nil)
	col := &collector{}
	ctx := context.Background()

	aa.Process(ctx, frame.NewLLMFullResponseStart(), frame.Downstream, col.emit)
	aa.Process(ctx, frame.NewText("Our opening hours are"), frame.Downstream, col.emit)
	aa.Process(ctx, frame.NewStartInterruption(), frame.Downstream, col.emit)

	last, ok := c.Last()
	if !ok || last.Role != types.RoleAssistant || last.Content != "Our opening hours are" {
		t.Errorf("partial response not kept: %+v", last)
	}
}

func TestAssistantAggregatorIgnoresStrayText(t *testing.T) {
	c := convo.NewContext()
	aa := NewAssistantAggregator(c, nil)
	col := &collector{}

	// Text outside a response window is not part of the bot's speech.
	aa.Process(context.Background(), frame.NewText("stray"), frame.Downstream, col.emit)
	if c.Len() != 0 {
		t.Errorf("stray text recorded: %d messages", c.Len())
	}
}

func TestUserAggregatorUpgradesAudioPlaceholder(t *testing.T) {
	c := convo.NewContext()
	c.Append(types.Message{
		Role:  types.RoleUser,
		Parts: []types.ContentPart{{Kind: types.PartAudio, Audio: []byte{9, 9}, MIMEType: PCMMIMEType}},
	})
	ua := NewUserAggregator(c, nil)
	col := &collector{}
	ctx := context.Background()

	ua.Process(ctx, frame.NewUserStartedSpeaking(), frame.Downstream, col.emit)
	ua.Process(ctx, frame.NewTranscription("two bathrooms", "caller", time.Now()), frame.Downstream, col.emit)
	ua.Process(ctx, frame.NewUserStoppedSpeaking(), frame.Downstream, col.emit)

	if c.Len() != 1 {
		t.Fatalf("context has %d messages, want the placeholder upgraded in place", c.Len())
	}
	last, _ := c.Last()
	if last.Content != "two bathrooms" || len(last.Parts) != 0 {
		t.Errorf("placeholder not upgraded: %+v", last)
	}
}

func TestAggregatorsReportCommittedTurns(t *testing.T) {
	type turn struct{ role, text string }
	var turns []turn
	rec := WithTurnRecorder(func(role, text string) { turns = append(turns, turn{role, text}) })

	c := convo.NewContext()
	ua := NewUserAggregator(c, nil, rec)
	aa := NewAssistantAggregator(c, nil, rec)
	col := &collector{}
	ctx := context.Background()

	ua.Process(ctx, frame.NewUserStartedSpeaking(), frame.Downstream, col.emit)
	ua.Process(ctx, frame.NewTranscription("is tomorrow free", "caller", time.Now()), frame.Downstream, col.emit)
	ua.Process(ctx, frame.NewUserStoppedSpeaking(), frame.Downstream, col.emit)

	aa.Process(ctx, frame.NewLLMFullResponseStart(), frame.Downstream, col.emit)
	aa.Process(ctx, frame.NewText("Let me check."), frame.Downstream, col.emit)
	aa.Process(ctx, frame.NewLLMFullResponseEnd(), frame.Downstream, col.emit)

	want := []turn{{types.RoleUser, "is tomorrow free"}, {types.RoleAssistant, "Let me check."}}
	if len(turns) != len(want) {
		t.Fatalf("recorded %v, want %v", turns, want)
	}
	for i := range want {
		if turns[i] != want[i] {
			t.Fatalf("recorded %v, want %v", turns, want)
		}
	}
}
