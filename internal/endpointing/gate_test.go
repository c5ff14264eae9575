package endpointing

import (
	"context"
	"testing"
	"time"

	"github.com/askjohngeorge/leadline/internal/convo"
	"github.com/askjohngeorge/leadline/internal/frame"
	"github.com/askjohngeorge/leadline/pkg/types"
)

type stubTranscription struct {
	text string
}

func (s *stubTranscription) WaitForTranscription(context.Context) (string, error) {
	return s.text, nil
}

// blockingTranscription never finalizes, forcing the fallback sentinel.
type blockingTranscription struct{}

func (blockingTranscription) WaitForTranscription(ctx context.Context) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

type panicTranscription struct{}

func (panicTranscription) WaitForTranscription(context.Context) (string, error) {
	panic("transcription source gone")
}

// startGate builds a gate with a running background task and drops the
// Start frame from the collector so assertions see only what follows.
func startGate(t *testing.T, c *convo.Context, src transcriptionSource, reclose bool) (*OutputGate, *Notifier, *collector, context.Context) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	n := NewNotifier()
	g := NewOutputGate(n, c, src, reclose, nil)
	col := &collector{}
	g.Bind(col.emit)
	if err := g.Process(ctx, frame.NewStart(16000, 1, 24000, 1, true), frame.Downstream, col.emit); err != nil {
		t.Fatalf("start: %v", err)
	}
	col.clear()
	return g, n, col, ctx
}

func gateOpen(g *OutputGate) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.open
}

func TestGateBuffersUntilNotified(t *testing.T) {
	c := convo.NewContext()
	g, n, col, ctx := startGate(t, c, &stubTranscription{text: "hello there"}, false)

	a, b, cf := frame.NewText("A"), frame.NewText("B"), frame.NewText("C")
	for _, f := range []frame.Frame{a, b, cf} {
		if err := g.Process(ctx, f, frame.Downstream, col.emit); err != nil {
			t.Fatalf("process: %v", err)
		}
	}
	if col.len() != 0 {
		t.Fatalf("closed gate leaked frames: %v", col.kinds())
	}

	n.Notify()
	if !waitFor(t, time.Second, func() bool { return col.len() == 3 }) {
		t.Fatalf("release did not flush, got %v", col.kinds())
	}
	got := col.frames()
	if got[0] != a || got[1] != b || got[2] != cf {
		t.Error("buffered frames flushed out of order")
	}

	last, ok := c.Last()
	if !ok || last.Role != types.RoleUser || last.Content != "hello there" {
		t.Errorf("transcription not committed to the durable context: %+v", last)
	}

	// The gate stays open across turns: later frames pass straight through.
	if !waitFor(t, time.Second, func() bool { return gateOpen(g) }) {
		t.Fatal("gate did not open")
	}
	d := frame.NewText("D")
	if err := g.Process(ctx, d, frame.Downstream, col.emit); err != nil {
		t.Fatalf("process: %v", err)
	}
	if col.len() != 4 {
		t.Error("open gate withheld a frame")
	}
}

func TestGateFallbackWhenNoTranscription(t *testing.T) {
	oldWait := transcriptionWait
	transcriptionWait = 30 * time.Millisecond
	t.Cleanup(func() { transcriptionWait = oldWait })

	c := convo.NewContext(types.Message{Role: types.RoleAssistant, Content: "Hello?"})
	g, n, _, _ := startGate(t, c, blockingTranscription{}, false)

	n.Notify()
	if !waitFor(t, time.Second, func() bool { return gateOpen(g) }) {
		t.Fatal("gate did not open")
	}

	last, ok := c.Last()
	if !ok || last.Role != types.RoleUser || last.Content != transcriptionFallback {
		t.Errorf("expected fallback sentinel user message, got %+v", last)
	}
}

func TestGateFallbackPreservesRealText(t *testing.T) {
	oldWait := transcriptionWait
	transcriptionWait = 30 * time.Millisecond
	t.Cleanup(func() { transcriptionWait = oldWait })

	c := convo.NewContext(types.Message{Role: types.RoleUser, Content: "I want to book a demo"})
	g, n, _, _ := startGate(t, c, blockingTranscription{}, false)

	n.Notify()
	if !waitFor(t, time.Second, func() bool { return gateOpen(g) }) {
		t.Fatal("gate did not open")
	}

	last, _ := c.Last()
	if last.Content != "I want to book a demo" {
		t.Errorf("fallback sentinel overwrote real transcription: %q", last.Content)
	}
	if c.Len() != 1 {
		t.Errorf("expected 1 message, got %d", c.Len())
	}
}

func TestGateCommitReplacesTrailingUserMessage(t *testing.T) {
	c := convo.NewContext(
		types.Message{Role: types.RoleAssistant, Content: "How can I help?"},
		types.Message{Role: types.RoleUser, Content: "book a"},
	)
	g, n, _, _ := startGate(t, c, &stubTranscription{text: "book a demo for tuesday"}, false)

	n.Notify()
	if !waitFor(t, time.Second, func() bool { return gateOpen(g) }) {
		t.Fatal("gate did not open")
	}

	msgs := c.Messages()
	if len(msgs) != 2 {
		t.Fatalf("expected the trailing user message to be replaced, got %d messages", len(msgs))
	}
	if msgs[1].Role != types.RoleUser || msgs[1].Content != "book a demo for tuesday" {
		t.Errorf("unexpected final user message: %+v", msgs[1])
	}
}

func TestGateCommitAppendsAfterAssistant(t *testing.T) {
	c := convo.NewContext(types.Message{Role: types.RoleAssistant, Content: "Hi!"})
	g, n, _, _ := startGate(t, c, &stubTranscription{text: "yes please"}, false)

	n.Notify()
	if !waitFor(t, time.Second, func() bool { return gateOpen(g) }) {
		t.Fatal("gate did not open")
	}

	msgs := c.Messages()
	if len(msgs) != 2 {
		t.Fatalf("expected an appended user message, got %d messages", len(msgs))
	}
	if msgs[1].Role != types.RoleUser || msgs[1].Content != "yes please" {
		t.Errorf("unexpected final user message: %+v", msgs[1])
	}
}

func TestGateInterruptionDiscardsBuffer(t *testing.T) {
	c := convo.NewContext()
	g, n, col, ctx := startGate(t, c, &stubTranscription{text: "second thought"}, false)

	for _, f := range []frame.Frame{frame.NewText("A"), frame.NewText("B")} {
		if err := g.Process(ctx, f, frame.Downstream, col.emit); err != nil {
			t.Fatalf("process: %v", err)
		}
	}

	intr := frame.NewStartInterruption()
	if err := g.Process(ctx, intr, frame.Downstream, col.emit); err != nil {
		t.Fatalf("process: %v", err)
	}
	if kinds := col.kinds(); len(kinds) != 1 || kinds[0] != "StartInterruption" {
		t.Fatalf("expected only the interruption to pass, got %v", kinds)
	}

	// Frames of the new turn are buffered fresh.
	d := frame.NewText("D")
	if err := g.Process(ctx, d, frame.Downstream, col.emit); err != nil {
		t.Fatalf("process: %v", err)
	}

	n.Notify()
	if !waitFor(t, time.Second, func() bool { return gateOpen(g) }) {
		t.Fatal("gate did not open")
	}
	got := col.frames()
	if len(got) != 2 || got[1] != d {
		t.Errorf("expected only the post-interruption frame to flush, got %v", col.kinds())
	}
}

func TestGateResponseStartPopsPlaceholder(t *testing.T) {
	placeholder := types.Message{
		Role:  types.RoleUser,
		Parts: []types.ContentPart{{Kind: types.PartAudio, Audio: []byte{1, 2}, MIMEType: PCMMIMEType}},
	}
	c := convo.NewContext(
		types.Message{Role: types.RoleAssistant, Content: "Hello!"},
		placeholder,
	)
	g, n, col, ctx := startGate(t, c, &stubTranscription{text: "what are your hours"}, false)

	if err := g.Process(ctx, frame.NewLLMFullResponseStart(), frame.Downstream, col.emit); err != nil {
		t.Fatalf("process: %v", err)
	}
	if c.Len() != 1 {
		t.Fatalf("placeholder not popped, context has %d messages", c.Len())
	}
	if col.len() != 0 {
		t.Error("response start leaked through the closed gate")
	}

	n.Notify()
	if !waitFor(t, time.Second, func() bool { return gateOpen(g) }) {
		t.Fatal("gate did not open")
	}

	msgs := c.Messages()
	if len(msgs) != 2 || msgs[1].Role != types.RoleUser || msgs[1].Content != "what are your hours" {
		t.Errorf("transcription did not take the placeholder's slot: %+v", msgs)
	}
	if kinds := col.kinds(); len(kinds) != 1 || kinds[0] != "LLMFullResponseStart" {
		t.Errorf("buffered response start did not flush: %v", kinds)
	}
}

func TestGateResponseStartKeepsRealUserMessage(t *testing.T) {
	c := convo.NewContext(types.Message{Role: types.RoleUser, Content: "actual words"})
	g, _, col, ctx := startGate(t, c, &stubTranscription{text: "x"}, false)

	if err := g.Process(ctx, frame.NewLLMFullResponseStart(), frame.Downstream, col.emit); err != nil {
		t.Fatalf("process: %v", err)
	}
	if c.Len() != 1 {
		t.Error("real user message was popped as a placeholder")
	}
}

func TestGateSystemAndUpstreamBypass(t *testing.T) {
	c := convo.NewContext()
	g, _, col, ctx := startGate(t, c, &stubTranscription{text: "x"}, false)

	fc := frame.NewFunctionCallInProgress("call-1", "check_availability", "{}")
	if err := g.Process(ctx, fc, frame.Downstream, col.emit); err != nil {
		t.Fatalf("process: %v", err)
	}
	up := frame.NewText("status")
	if err := g.Process(ctx, up, frame.Upstream, col.emit); err != nil {
		t.Fatalf("process: %v", err)
	}

	frames := col.frames()
	if len(frames) != 2 || frames[0] != fc || frames[1] != up {
		t.Errorf("expected both frames to bypass the closed gate, got %v", col.kinds())
	}
}

func TestGateRecloseAfterTurn(t *testing.T) {
	c := convo.NewContext()
	g, n, col, ctx := startGate(t, c, &stubTranscription{text: "first"}, true)

	a := frame.NewText("A")
	if err := g.Process(ctx, a, frame.Downstream, col.emit); err != nil {
		t.Fatalf("process: %v", err)
	}
	n.Notify()
	if !waitFor(t, time.Second, func() bool { return col.len() == 1 }) {
		t.Fatal("first release did not flush")
	}
	if !waitFor(t, time.Second, func() bool { return !gateOpen(g) }) {
		t.Fatal("gate did not re-close after the turn")
	}

	b := frame.NewText("B")
	if err := g.Process(ctx, b, frame.Downstream, col.emit); err != nil {
		t.Fatalf("process: %v", err)
	}
	if col.len() != 1 {
		t.Fatal("re-closed gate passed a frame through")
	}
	n.Notify()
	if !waitFor(t, time.Second, func() bool { return col.len() == 2 }) {
		t.Fatal("second release did not flush")
	}
}

func TestGateTaskCrashEscalates(t *testing.T) {
	c := convo.NewContext()
	_, n, col, _ := startGate(t, c, panicTranscription{}, false)

	n.Notify()
	if !waitFor(t, time.Second, func() bool { return col.len() > 0 }) {
		t.Fatal("gate task crash was not escalated")
	}

	f, dir := col.at(0)
	errFrame, ok := f.(*frame.Error)
	if !ok {
		t.Fatalf("expected an Error frame, got %s", f.Kind())
	}
	if !errFrame.Fatal {
		t.Error("gate task crash must be fatal")
	}
	if dir != frame.Upstream {
		t.Error("error must travel upstream")
	}
}
