package endpointing

import (
	"context"
	"log/slog"

	"github.com/askjohngeorge/leadline/internal/convo"
	"github.com/askjohngeorge/leadline/internal/frame"
	"github.com/askjohngeorge/leadline/internal/pipeline"
	"github.com/askjohngeorge/leadline/pkg/types"
)

// AggregatorOption configures an aggregator at construction time.
type AggregatorOption func(*aggregatorConfig)

type aggregatorConfig struct {
	record func(role, text string)
}

// WithTurnRecorder registers a callback invoked with each turn as it is
// committed to the durable context. Used to tee the transcript into
// persistent lead storage without the aggregators knowing about stores.
func WithTurnRecorder(fn func(role, text string)) AggregatorOption {
	return func(cfg *aggregatorConfig) { cfg.record = fn }
}

// UserAggregator folds finalized transcriptions into the durable context
// between the speech boundary signals, and pushes a frame carrying the
// extended context so classification and speculative generation can start.
// Transcription frames are consumed here; everything else passes.
type UserAggregator struct {
	log    *slog.Logger
	c      *convo.Context
	agg    *convo.ResponseAggregator
	record func(role, text string)
}

func NewUserAggregator(c *convo.Context, log *slog.Logger, opts ...AggregatorOption) *UserAggregator {
	if log == nil {
		log = slog.Default()
	}
	var cfg aggregatorConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	return &UserAggregator{
		log:    log.With("component", "user_aggregator"),
		c:      c,
		agg:    convo.NewWordAggregator(),
		record: cfg.record,
	}
}

func (u *UserAggregator) Name() string { return "user_aggregator" }

func (u *UserAggregator) Process(_ context.Context, f frame.Frame, dir frame.Direction, emit pipeline.Emit) error {
	switch fr := f.(type) {
	case *frame.UserStartedSpeaking:
		u.agg.StartResponse()

	case *frame.UserStoppedSpeaking:
		// Forward the boundary first so downstream stages see it before
		// the context frame it produced.
		emit(f, dir)
		if text, ok := u.agg.EndResponse(); ok {
			u.commit(text, emit)
		}
		return nil

	case *frame.Transcription:
		// Consumed: a late final completes the still-open aggregation.
		if text, ok := u.agg.AddText(fr.Text); ok {
			u.commit(text, emit)
		}
		return nil

	case *frame.InterimTranscription:
		u.agg.AddInterim()
		return nil

	case *frame.StartInterruption:
		emit(f, dir)
		if text, ok := u.agg.Interrupt(); ok {
			u.commit(text, emit)
		}
		return nil
	}

	emit(f, dir)
	return nil
}

func (u *UserAggregator) commit(text string, emit pipeline.Emit) {
	u.c.Rewrite(func(msgs []types.Message) []types.Message {
		// The utterance audio lands in the context before the final
		// transcription does. Upgrade that placeholder in place rather than
		// appending a second user message for the same turn.
		if n := len(msgs); n > 0 && isAudioPlaceholder(msgs[n-1]) {
			msgs[n-1] = types.Message{Role: types.RoleUser, Content: text}
			return msgs
		}
		return append(msgs, types.Message{Role: types.RoleUser, Content: text})
	})
	if u.record != nil {
		u.record(types.RoleUser, text)
	}
	u.log.Debug("user turn aggregated", "text", text)
	emit(frame.NewLLMContext(u.c), frame.Downstream)
}

// AssistantAggregator folds the released response stream back into the
// durable context so the next turn's classification sees what the bot
// actually said. On interruption the partial text spoken so far is kept.
type AssistantAggregator struct {
	log    *slog.Logger
	c      *convo.Context
	agg    *convo.ResponseAggregator
	record func(role, text string)
}

func NewAssistantAggregator(c *convo.Context, log *slog.Logger, opts ...AggregatorOption) *AssistantAggregator {
	if log == nil {
		log = slog.Default()
	}
	var cfg aggregatorConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	return &AssistantAggregator{
		log:    log.With("component", "assistant_aggregator"),
		c:      c,
		agg:    convo.NewResponseAggregator(),
		record: cfg.record,
	}
}

func (a *AssistantAggregator) Name() string { return "assistant_aggregator" }

func (a *AssistantAggregator) Process(_ context.Context, f frame.Frame, dir frame.Direction, emit pipeline.Emit) error {
	switch fr := f.(type) {
	case *frame.LLMFullResponseStart:
		a.agg.StartResponse()

	case *frame.LLMFullResponseEnd:
		a.append(a.agg.EndResponse())

	case *frame.Text:
		a.append(a.agg.AddText(fr.Text))

	case *frame.StartInterruption:
		a.append(a.agg.Interrupt())
	}

	emit(f, dir)
	return nil
}

func (a *AssistantAggregator) append(text string, ok bool) {
	if !ok {
		return
	}
	a.c.Append(types.Message{Role: types.RoleAssistant, Content: text})
	if a.record != nil {
		a.record(types.RoleAssistant, text)
	}
	a.log.Debug("assistant turn recorded", "text", text)
}

var _ pipeline.Processor = (*UserAggregator)(nil)
var _ pipeline.Processor = (*AssistantAggregator)(nil)
