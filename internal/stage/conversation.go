package stage

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/askjohngeorge/leadline/internal/convo"
	"github.com/askjohngeorge/leadline/internal/frame"
	"github.com/askjohngeorge/leadline/internal/pipeline"
	"github.com/askjohngeorge/leadline/pkg/provider/llm"
	"github.com/askjohngeorge/leadline/pkg/types"
)

// maxToolRounds bounds tool-call iterations within one response, so a model
// stuck requesting tools cannot loop a live call forever.
const maxToolRounds = 4

// FlowDriver is what the conversation stage needs from the flow engine: the
// active node's tool definitions for each request, and an executor for the
// calls the model makes.
type FlowDriver interface {
	Tools() []types.ToolDefinition
	Dispatch(ctx context.Context, call types.ToolCall) (string, error)
}

// Conversation generates the assistant's reply. Each context frame starts a
// streamed completion immediately, so generation overlaps the turn-taking
// decision; the output gate downstream withholds the result until the turn
// resolves. A newer context frame or an interruption cancels the in-flight
// run, and frames from a superseded run are dropped before injection, so at
// most one response stream is ever live.
//
// Tool calls requested by the model run through the flow driver between
// completion rounds. The exchange is appended to the durable context so
// later turns see it.
type Conversation struct {
	log      *slog.Logger
	provider llm.Provider
	c        *convo.Context
	flow     FlowDriver

	temperature float64

	inject pipeline.Inject

	mu      sync.Mutex
	taskCtx context.Context
	gen     uint64
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewConversation builds the stage. flow may be nil for tool-less calls.
func NewConversation(provider llm.Provider, c *convo.Context, flow FlowDriver, temperature float64, log *slog.Logger) *Conversation {
	if log == nil {
		log = slog.Default()
	}
	return &Conversation{
		log:         log.With("component", "conversation"),
		provider:    provider,
		c:           c,
		flow:        flow,
		temperature: temperature,
	}
}

func (s *Conversation) Name() string { return "conversation" }

// Bind receives the injector the run goroutine streams through.
func (s *Conversation) Bind(inject pipeline.Inject) { s.inject = inject }

func (s *Conversation) Process(ctx context.Context, f frame.Frame, dir frame.Direction, emit pipeline.Emit) error {
	switch fr := f.(type) {
	case *frame.Start:
		s.mu.Lock()
		s.taskCtx = ctx
		s.mu.Unlock()

	case *frame.LLMContext:
		if dir == frame.Downstream {
			msgs := fr.Context.Messages()
			if awaitingUserText(msgs) {
				// The newest user turn has no text yet (bundled-audio
				// placeholder). Generating now would answer an empty turn;
				// the aggregator re-emits once the transcription lands.
				s.log.Debug("holding generation until user text arrives")
				return nil
			}
			s.startRun(msgs)
			return nil
		}

	case *frame.LLMMessages:
		if dir == frame.Downstream {
			s.startRun(fr.Messages)
			return nil
		}

	case *frame.FunctionCallResult:
		// An out-of-band tool result (flow post-action) may request a fresh
		// completion over the updated durable context.
		if dir == frame.Downstream && fr.RunLLM {
			s.startRun(s.c.Messages())
		}

	case *frame.StartInterruption:
		s.cancelRun()

	case *frame.End, *frame.Cancel:
		s.cancelRun()
	}

	emit(f, dir)
	return nil
}

// Wait blocks until all run goroutines have finished. Test hook.
func (s *Conversation) Wait() { s.wg.Wait() }

// awaitingUserText reports whether the newest message is a user turn whose
// transcription has not landed yet.
func awaitingUserText(msgs []types.Message) bool {
	if len(msgs) == 0 {
		return true
	}
	last := msgs[len(msgs)-1]
	return last.Role == types.RoleUser && strings.TrimSpace(last.Text()) == ""
}

// startRun cancels any in-flight run and starts a new one over msgs.
func (s *Conversation) startRun(msgs []types.Message) {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.gen++
	gen := s.gen
	parent := s.taskCtx
	if parent == nil {
		parent = context.Background()
	}
	rctx, cancel := context.WithCancel(parent)
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.run(rctx, gen, msgs)
}

// cancelRun invalidates the in-flight run, if any.
func (s *Conversation) cancelRun() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// current reports whether gen is still the live run.
func (s *Conversation) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen == gen
}

// push injects f downstream if gen is still live. Reports whether it was.
func (s *Conversation) push(gen uint64, f frame.Frame) bool {
	if !s.current(gen) {
		return false
	}
	s.inject(f, frame.Downstream)
	return true
}

// run drives one response: stream the completion, execute requested tools,
// repeat until the model stops asking for them.
func (s *Conversation) run(ctx context.Context, gen uint64, msgs []types.Message) {
	defer s.wg.Done()

	if !s.push(gen, frame.NewLLMFullResponseStart()) {
		return
	}

	for round := 0; round < maxToolRounds; round++ {
		req := llm.CompletionRequest{
			Messages:    msgs,
			Temperature: s.temperature,
		}
		if s.flow != nil {
			req.Tools = s.flow.Tools()
		}

		ch, err := s.provider.StreamCompletion(ctx, req)
		if err != nil {
			s.log.Error("completion failed", "error", err)
			if s.current(gen) {
				s.inject(frame.NewError(fmt.Errorf("conversation completion: %w", err), false), frame.Upstream)
			}
			break
		}

		calls, finish := s.forward(ctx, gen, ch)
		if finish == "error" {
			s.log.Warn("completion stream errored mid-response")
			break
		}
		if len(calls) == 0 {
			break
		}

		msgs = s.applyTools(ctx, gen, calls)
		if msgs == nil {
			return
		}
	}

	s.push(gen, frame.NewLLMFullResponseEnd())
}

// forward streams text chunks downstream and collects any tool calls.
// Returns early with nil calls when the run is cancelled or superseded.
func (s *Conversation) forward(ctx context.Context, gen uint64, ch <-chan llm.Chunk) ([]types.ToolCall, string) {
	var calls []types.ToolCall
	var finish string
	for {
		select {
		case <-ctx.Done():
			return nil, ""
		case chunk, ok := <-ch:
			if !ok {
				return calls, finish
			}
			if chunk.Text != "" {
				if !s.push(gen, frame.NewText(chunk.Text)) {
					return nil, ""
				}
			}
			if len(chunk.ToolCalls) > 0 {
				calls = append(calls, chunk.ToolCalls...)
			}
			if chunk.FinishReason != "" {
				finish = chunk.FinishReason
			}
		}
	}
}

// applyTools executes the requested calls through the flow driver, records
// the exchange in the durable context, and returns the message list for the
// next round. The list is rebuilt from the durable context so a flow
// transition's system-prompt swap is visible to the follow-up completion.
// Returns nil when the run was cancelled or superseded mid-execution.
func (s *Conversation) applyTools(ctx context.Context, gen uint64, calls []types.ToolCall) []types.Message {
	s.c.Append(types.Message{Role: types.RoleAssistant, ToolCalls: calls})

	for _, call := range calls {
		if !s.push(gen, frame.NewFunctionCallInProgress(call.ID, call.Name, call.Arguments)) {
			return nil
		}

		var result string
		if s.flow == nil {
			result = fmt.Sprintf("error: no handler for tool %q", call.Name)
		} else {
			var err error
			result, err = s.flow.Dispatch(ctx, call)
			if err != nil {
				s.log.Error("tool failed", "tool", call.Name, "error", err)
				result = fmt.Sprintf("error: %v", err)
			}
		}

		if !s.push(gen, frame.NewFunctionCallResult(call.ID, call.Name, result, false)) {
			return nil
		}

		s.c.Append(types.Message{
			Role:       types.RoleTool,
			Content:    result,
			Name:       call.Name,
			ToolCallID: call.ID,
		})
	}

	if !s.current(gen) {
		return nil
	}
	return s.c.Messages()
}

var _ pipeline.Processor = (*Conversation)(nil)
var _ pipeline.Bindable = (*Conversation)(nil)
