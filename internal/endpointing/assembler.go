package endpointing

import (
	"context"
	"log/slog"

	"github.com/askjohngeorge/leadline/internal/convo"
	"github.com/askjohngeorge/leadline/internal/frame"
	"github.com/askjohngeorge/leadline/internal/pipeline"
)

// ContextAssembler splices each utterance unit into the durable
// conversation context: the utterance's single user message is appended as
// a placeholder (to be replaced by the finalized transcription at gate
// release), and a frame carrying the extended durable context is emitted so
// response generation can start speculatively.
type ContextAssembler struct {
	log *slog.Logger
	c   *convo.Context
}

func NewContextAssembler(c *convo.Context, log *slog.Logger) *ContextAssembler {
	if log == nil {
		log = slog.Default()
	}
	return &ContextAssembler{log: log.With("component", "context_assembler"), c: c}
}

func (a *ContextAssembler) Name() string { return "context_assembler" }

func (a *ContextAssembler) Process(_ context.Context, f frame.Frame, dir frame.Direction, emit pipeline.Emit) error {
	if uc, ok := f.(*frame.UtteranceContext); ok {
		a.c.Append(uc.Message)
		a.log.Debug("utterance merged into durable context", "messages", a.c.Len())
		emit(frame.NewLLMContext(a.c), frame.Downstream)
		return nil
	}
	emit(f, dir)
	return nil
}

var _ pipeline.Processor = (*ContextAssembler)(nil)
