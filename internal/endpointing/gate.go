package endpointing

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/askjohngeorge/leadline/internal/convo"
	"github.com/askjohngeorge/leadline/internal/frame"
	"github.com/askjohngeorge/leadline/internal/pipeline"
	"github.com/askjohngeorge/leadline/pkg/types"
)

// transcriptionWait bounds how long a gate release waits for the finalized
// transcription before committing the fallback sentinel. Var so tests can
// shorten it.
var transcriptionWait = 1 * time.Second

// transcriptionFallback is committed as the user message when no
// transcription finalized for the turn.
const transcriptionFallback = "-"

// transcriptionSource is what the gate needs from the user aggregator
// buffer.
type transcriptionSource interface {
	WaitForTranscription(ctx context.Context) (string, error)
}

type bufferedFrame struct {
	f   frame.Frame
	dir frame.Direction
}

// OutputGate withholds the bot's speculatively generated response until
// the turn is definitively complete. While CLOSED it buffers all
// non-system, non-function-call frames in arrival order. The background
// gate task waits on the notifier; on fire it takes the finalized
// transcription, commits it as the turn's user message in the durable
// context, opens the gate and flushes the buffer in order.
//
// After a turn the gate stays OPEN; the interruption raised by the next
// start-of-speech re-closes it. Setting recloseAfterTurn restores
// symmetric re-closing after every release instead.
type OutputGate struct {
	log      *slog.Logger
	notifier *Notifier
	c        *convo.Context
	source   transcriptionSource

	recloseAfterTurn bool

	inject pipeline.Inject

	mu   sync.Mutex
	open bool
	buf  []bufferedFrame

	taskCancel context.CancelFunc
	taskDone   chan struct{}
}

func NewOutputGate(notifier *Notifier, c *convo.Context, source transcriptionSource, recloseAfterTurn bool, log *slog.Logger) *OutputGate {
	if log == nil {
		log = slog.Default()
	}
	return &OutputGate{
		log:              log.With("component", "output_gate"),
		notifier:         notifier,
		c:                c,
		source:           source,
		recloseAfterTurn: recloseAfterTurn,
	}
}

func (g *OutputGate) Name() string { return "output_gate" }

// Bind receives the injector the gate task flushes through.
func (g *OutputGate) Bind(inject pipeline.Inject) { g.inject = inject }

func (g *OutputGate) Process(ctx context.Context, f frame.Frame, dir frame.Direction, emit pipeline.Emit) error {
	switch f.(type) {
	case *frame.Start:
		g.startTask(ctx)
		emit(f, dir)
		return nil

	case *frame.End, *frame.Cancel:
		g.stopTask()
		emit(f, dir)
		return nil

	case *frame.StartInterruption:
		// The user started talking again: whatever response was queued is
		// stale. Drop it all and close.
		g.mu.Lock()
		dropped := len(g.buf)
		g.buf = nil
		g.open = false
		g.mu.Unlock()
		g.log.Debug("interruption: gate closed", "dropped_frames", dropped)
		emit(f, dir)
		return nil

	case *frame.LLMFullResponseStart:
		// Response generation is starting; the audio placeholder appended
		// for this turn is about to be superseded by the real
		// transcription at release.
		if last, ok := g.c.Last(); ok && isAudioPlaceholder(last) {
			g.c.PopLast()
		}
	}

	// System frames, which include the function-call frames driving tool
	// execution, are never withheld.
	if frame.IsSystem(f) {
		emit(f, dir)
		return nil
	}
	if dir != frame.Downstream {
		emit(f, dir)
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.open {
		emit(f, dir)
		return nil
	}
	g.buf = append(g.buf, bufferedFrame{f: f, dir: dir})
	return nil
}

func (g *OutputGate) startTask(ctx context.Context) {
	if g.taskDone != nil {
		return
	}
	tctx, cancel := context.WithCancel(ctx)
	g.taskCancel = cancel
	g.taskDone = make(chan struct{})
	go g.gateTask(tctx)
}

func (g *OutputGate) stopTask() {
	if g.taskCancel != nil {
		g.taskCancel()
	}
}

// gateTask is the background release loop. A crash here is fatal to
// turn-taking: it is logged and escalated as a fatal pipeline error rather
// than silently swallowed.
func (g *OutputGate) gateTask(ctx context.Context) {
	defer close(g.taskDone)
	defer func() {
		if r := recover(); r != nil {
			g.log.Error("gate task crashed", "panic", r)
			if g.inject != nil {
				g.inject(frame.NewError(fmt.Errorf("output gate task: %v", r), true), frame.Upstream)
			}
		}
	}()

	for {
		if err := g.notifier.Wait(ctx); err != nil {
			return
		}

		tx := transcriptionFallback
		wctx, cancel := context.WithTimeout(ctx, transcriptionWait)
		if t, err := g.source.WaitForTranscription(wctx); err == nil {
			tx = t
		}
		cancel()

		g.commitTranscription(tx)
		g.release()

		if g.recloseAfterTurn {
			g.mu.Lock()
			g.open = false
			g.mu.Unlock()
		}
	}
}

// commitTranscription writes the turn's definitive user message into the
// durable context: it replaces a trailing user message (the aggregated or
// placeholder text this transcription supersedes) or appends a new one.
// The fallback sentinel never overwrites real text.
func (g *OutputGate) commitTranscription(tx string) {
	g.c.Rewrite(func(msgs []types.Message) []types.Message {
		n := len(msgs)
		if n > 0 && msgs[n-1].Role == types.RoleUser {
			if tx == transcriptionFallback && strings.TrimSpace(messageText(msgs[n-1])) != "" {
				return msgs
			}
			msgs[n-1] = types.Message{Role: types.RoleUser, Content: tx}
			return msgs
		}
		return append(msgs, types.Message{Role: types.RoleUser, Content: tx})
	})
	g.log.Debug("turn committed", "transcription", tx)
}

// release flushes buffered frames in arrival order, then opens the gate.
// Frames buffered while the flush is in flight are drained too, so nothing
// is stranded behind an open gate.
func (g *OutputGate) release() {
	g.mu.Lock()
	for len(g.buf) > 0 {
		batch := g.buf
		g.buf = nil
		g.mu.Unlock()
		for _, b := range batch {
			g.inject(b.f, b.dir)
		}
		g.mu.Lock()
	}
	g.open = true
	g.mu.Unlock()
	g.log.Debug("gate opened")
}

// isAudioPlaceholder reports whether m is the synthetic user message an
// utterance bundle produced: audio content with no text.
func isAudioPlaceholder(m types.Message) bool {
	if m.Role != types.RoleUser || m.Content != "" {
		return false
	}
	hasAudio := false
	for _, p := range m.Parts {
		switch p.Kind {
		case types.PartAudio:
			hasAudio = true
		case types.PartText:
			if p.Text != "" {
				return false
			}
		}
	}
	return hasAudio
}

var _ pipeline.Processor = (*OutputGate)(nil)
var _ pipeline.Bindable = (*OutputGate)(nil)
