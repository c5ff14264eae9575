package stage

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/askjohngeorge/leadline/internal/frame"
	"github.com/askjohngeorge/leadline/internal/pipeline"
	"github.com/askjohngeorge/leadline/pkg/provider/llm"
)

// classifyTimeout bounds one classifier round trip. The idle timer resolves
// the turn anyway, so a slow verdict is worthless past this point. Var so
// tests can shorten it.
var classifyTimeout = 10 * time.Second

// verdictMaxTokens caps the classifier completion. The verdict is a single
// token; anything longer is already a non-YES.
const verdictMaxTokens = 16

// Classifier sends each judge request to the completeness model and injects
// the verdict as a Text frame for the completeness check. At most one
// classification is live: a newer request supersedes an in-flight one, and a
// new speech onset or interruption discards it entirely, so a stale YES can
// never resolve a turn the user has already reopened.
//
// A classifier error degrades to a NO verdict: the idle timer then resolves
// the turn instead of the call hanging on a dead model.
type Classifier struct {
	log      *slog.Logger
	provider llm.Provider

	inject pipeline.Inject

	mu      sync.Mutex
	taskCtx context.Context
	gen     uint64
	cancel  context.CancelFunc
}

func NewClassifier(provider llm.Provider, log *slog.Logger) *Classifier {
	if log == nil {
		log = slog.Default()
	}
	return &Classifier{
		log:      log.With("component", "classifier"),
		provider: provider,
	}
}

func (c *Classifier) Name() string { return "classifier" }

// Bind receives the injector verdicts are published through.
func (c *Classifier) Bind(inject pipeline.Inject) { c.inject = inject }

func (c *Classifier) Process(ctx context.Context, f frame.Frame, dir frame.Direction, emit pipeline.Emit) error {
	switch fr := f.(type) {
	case *frame.Start:
		c.mu.Lock()
		c.taskCtx = ctx
		c.mu.Unlock()

	case *frame.LLMMessages:
		if dir == frame.Downstream {
			c.classify(fr)
			return nil
		}

	case *frame.UserStartedSpeaking, *frame.StartInterruption:
		c.discard()

	case *frame.End, *frame.Cancel:
		c.discard()
	}

	emit(f, dir)
	return nil
}

// classify starts a classification round, superseding any in-flight one.
func (c *Classifier) classify(fr *frame.LLMMessages) {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.gen++
	gen := c.gen
	parent := c.taskCtx
	if parent == nil {
		parent = context.Background()
	}
	cctx, cancel := context.WithTimeout(parent, classifyTimeout)
	c.cancel = cancel
	c.mu.Unlock()

	req := llm.CompletionRequest{
		Messages:  fr.Messages,
		MaxTokens: verdictMaxTokens,
	}

	go func() {
		defer cancel()
		resp, err := c.provider.Complete(cctx, req)

		c.mu.Lock()
		stale := c.gen != gen
		c.mu.Unlock()
		if stale {
			c.log.Debug("stale verdict discarded")
			return
		}

		verdict := ""
		if err != nil {
			c.log.Warn("classifier failed, degrading to idle timeout", "error", err)
			verdict = "NO"
		} else if resp != nil {
			verdict = resp.Content
		}
		if verdict == "" {
			verdict = "NO"
		}
		c.log.Debug("classifier verdict", "verdict", verdict)
		c.inject(frame.NewText(verdict), frame.Downstream)
	}()
}

// discard invalidates the in-flight classification, if any.
func (c *Classifier) discard() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

var _ pipeline.Processor = (*Classifier)(nil)
var _ pipeline.Bindable = (*Classifier)(nil)
