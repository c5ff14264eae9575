package endpointing

import (
	"context"
	"log/slog"
	"strings"

	"github.com/askjohngeorge/leadline/internal/frame"
	"github.com/askjohngeorge/leadline/internal/pipeline"
	"github.com/askjohngeorge/leadline/pkg/types"
)

// DefaultClassifierInstruction is the system prompt for the completeness
// classifier. Overridable via configuration.
const DefaultClassifierInstruction = `You are a binary classifier. Output ONLY "YES" or "NO", nothing else.

You receive the most recent exchange of a live phone call: optionally the
assistant's last message for context, then the user's in-progress speech as
transcribed so far. Decide whether the user has finished their turn.

Output YES when the user's speech is a complete question, a complete
statement or command, or a direct response to the assistant (including
refusals, topic changes and clear acknowledgements).
Output NO when the thought trails off, a conditional or sentence is left
unfinished, or the user is clearly mid-formulation (fillers like "um",
"well I", incomplete fragments).
When the intent is understandable despite transcription errors, output YES.
When the meaning is unclear, output NO. Always output exactly one token:
YES or NO.`

// StatementJudge extracts the trailing user speech from a conversation
// context and builds the minimal classifier request: the fixed instruction,
// the last assistant message as anchor if one directly precedes the user
// run, and the concatenated user text.
type StatementJudge struct {
	log         *slog.Logger
	notifier    *Notifier
	instruction string
}

// NewStatementJudge builds a judge. instruction may be empty to use the
// default.
func NewStatementJudge(notifier *Notifier, instruction string, log *slog.Logger) *StatementJudge {
	if log == nil {
		log = slog.Default()
	}
	if instruction == "" {
		instruction = DefaultClassifierInstruction
	}
	return &StatementJudge{
		log:         log.With("component", "statement_judge"),
		notifier:    notifier,
		instruction: instruction,
	}
}

func (j *StatementJudge) Name() string { return "statement_judge" }

func (j *StatementJudge) Process(_ context.Context, f frame.Frame, dir frame.Direction, emit pipeline.Emit) error {
	// Lifecycle signals must never be held up here.
	if frame.IsSystem(f) {
		emit(f, dir)
		return nil
	}

	switch fr := f.(type) {
	case *frame.LLMMessages:
		// Pre-assembled messages (flow transitions, injected text) skip
		// classification entirely: the turn is complete by definition.
		j.notifier.Notify()
		return nil

	case *frame.LLMContext:
		j.judge(fr.Context.Messages(), emit)

	case *frame.UtteranceContext:
		j.judge([]types.Message{fr.Message}, emit)
	}
	// Everything else is dropped: this branch only feeds the classifier.
	return nil
}

func (j *StatementJudge) judge(messages []types.Message, emit pipeline.Emit) {
	var userTexts []string
	var anchor string
	for i := len(messages) - 1; i >= 0; i-- {
		m := messages[i]
		if m.Role != types.RoleUser {
			if m.Role == types.RoleAssistant {
				anchor = messageText(m)
			}
			break
		}
		if text := messageText(m); text != "" {
			userTexts = append(userTexts, text)
		}
	}
	if len(userTexts) == 0 {
		return
	}

	// userTexts was collected newest first; restore chronological order.
	for i, n := 0, len(userTexts); i < n/2; i++ {
		userTexts[i], userTexts[n-1-i] = userTexts[n-1-i], userTexts[i]
	}
	userText := strings.Join(userTexts, " ")

	req := make([]types.Message, 0, 3)
	req = append(req, types.Message{Role: types.RoleSystem, Content: j.instruction})
	if anchor != "" {
		req = append(req, types.Message{Role: types.RoleAssistant, Content: anchor})
	}
	req = append(req, types.Message{Role: types.RoleUser, Content: userText})

	j.log.Debug("classifier request built", "user_text", userText, "anchored", anchor != "")
	emit(frame.NewLLMMessages(req), frame.Downstream)
}

// messageText extracts plain text from a message, joining text parts of
// structured content with spaces.
func messageText(m types.Message) string {
	if m.Content != "" {
		return m.Content
	}
	return m.Text()
}

var _ pipeline.Processor = (*StatementJudge)(nil)
