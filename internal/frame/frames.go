package frame

import (
	"time"

	"github.com/askjohngeorge/leadline/internal/convo"
	"github.com/askjohngeorge/leadline/pkg/audio"
	"github.com/askjohngeorge/leadline/pkg/types"
)

// ─────────────────────────────────────────────────────────────────────────────
// System frames
// ─────────────────────────────────────────────────────────────────────────────

// Start announces pipeline startup and carries the negotiated audio formats.
// It is always the first frame a pipeline processes.
type Start struct {
	systemBase

	// AudioInSampleRate and AudioInChannels describe inbound caller audio.
	AudioInSampleRate int
	AudioInChannels   int

	// AudioOutSampleRate and AudioOutChannels describe outbound assistant audio.
	AudioOutSampleRate int
	AudioOutChannels   int

	// AllowInterruptions enables barge-in: caller speech during assistant
	// playback discards the in-flight response.
	AllowInterruptions bool
}

// NewStart creates a Start frame.
func NewStart(inRate, inCh, outRate, outCh int, allowInterruptions bool) *Start {
	return &Start{
		systemBase:         systemBase{newBase()},
		AudioInSampleRate:  inRate,
		AudioInChannels:    inCh,
		AudioOutSampleRate: outRate,
		AudioOutChannels:   outCh,
		AllowInterruptions: allowInterruptions,
	}
}

func (*Start) Kind() string { return "Start" }

// Cancel aborts the pipeline immediately, discarding queued work.
type Cancel struct {
	systemBase
}

// NewCancel creates a Cancel frame.
func NewCancel() *Cancel { return &Cancel{systemBase{newBase()}} }

func (*Cancel) Kind() string { return "Cancel" }

// StartInterruption signals that the caller barged in over assistant output.
// Buffering stages drop their queued output when they see it.
type StartInterruption struct {
	systemBase
}

// NewStartInterruption creates a StartInterruption frame.
func NewStartInterruption() *StartInterruption {
	return &StartInterruption{systemBase{newBase()}}
}

func (*StartInterruption) Kind() string { return "StartInterruption" }

// StopInterruption signals the end of a barge-in window.
type StopInterruption struct {
	systemBase
}

// NewStopInterruption creates a StopInterruption frame.
func NewStopInterruption() *StopInterruption {
	return &StopInterruption{systemBase{newBase()}}
}

func (*StopInterruption) Kind() string { return "StopInterruption" }

// UserStartedSpeaking is the VAD's speech-onset boundary signal.
type UserStartedSpeaking struct {
	systemBase
}

// NewUserStartedSpeaking creates a UserStartedSpeaking frame.
func NewUserStartedSpeaking() *UserStartedSpeaking {
	return &UserStartedSpeaking{systemBase{newBase()}}
}

func (*UserStartedSpeaking) Kind() string { return "UserStartedSpeaking" }

// UserStoppedSpeaking is the VAD's speech-end boundary signal.
type UserStoppedSpeaking struct {
	systemBase
}

// NewUserStoppedSpeaking creates a UserStoppedSpeaking frame.
func NewUserStoppedSpeaking() *UserStoppedSpeaking {
	return &UserStoppedSpeaking{systemBase{newBase()}}
}

func (*UserStoppedSpeaking) Kind() string { return "UserStoppedSpeaking" }

// BotStartedSpeaking marks the start of assistant audio playback.
type BotStartedSpeaking struct {
	systemBase
}

// NewBotStartedSpeaking creates a BotStartedSpeaking frame.
func NewBotStartedSpeaking() *BotStartedSpeaking {
	return &BotStartedSpeaking{systemBase{newBase()}}
}

func (*BotStartedSpeaking) Kind() string { return "BotStartedSpeaking" }

// BotStoppedSpeaking marks the end of assistant audio playback.
type BotStoppedSpeaking struct {
	systemBase
}

// NewBotStoppedSpeaking creates a BotStoppedSpeaking frame.
func NewBotStoppedSpeaking() *BotStoppedSpeaking {
	return &BotStoppedSpeaking{systemBase{newBase()}}
}

func (*BotStoppedSpeaking) Kind() string { return "BotStoppedSpeaking" }

// FunctionCallInProgress announces that a tool invocation requested by the LLM
// has started executing. It must never be delayed by buffering stages — tool
// execution drives flow transitions elsewhere in the pipeline.
type FunctionCallInProgress struct {
	systemBase

	ToolCallID string
	Name       string
	Arguments  string
}

// NewFunctionCallInProgress creates a FunctionCallInProgress frame.
func NewFunctionCallInProgress(toolCallID, name, arguments string) *FunctionCallInProgress {
	return &FunctionCallInProgress{
		systemBase: systemBase{newBase()},
		ToolCallID: toolCallID,
		Name:       name,
		Arguments:  arguments,
	}
}

func (*FunctionCallInProgress) Kind() string { return "FunctionCallInProgress" }

// FunctionCallResult carries a completed tool invocation's result back into
// the conversation. RunLLM requests a fresh completion with the result in
// context.
type FunctionCallResult struct {
	systemBase

	ToolCallID string
	Name       string
	Result     string
	RunLLM     bool
}

// NewFunctionCallResult creates a FunctionCallResult frame.
func NewFunctionCallResult(toolCallID, name, result string, runLLM bool) *FunctionCallResult {
	return &FunctionCallResult{
		systemBase: systemBase{newBase()},
		ToolCallID: toolCallID,
		Name:       name,
		Result:     result,
		RunLLM:     runLLM,
	}
}

func (*FunctionCallResult) Kind() string { return "FunctionCallResult" }

// Error reports a stage failure. Fatal errors terminate the pipeline; non-fatal
// errors are logged by the runner and the call continues.
type Error struct {
	systemBase

	Err   error
	Fatal bool
}

// NewError creates an Error frame.
func NewError(err error, fatal bool) *Error {
	return &Error{systemBase: systemBase{newBase()}, Err: err, Fatal: fatal}
}

func (*Error) Kind() string { return "Error" }

// ─────────────────────────────────────────────────────────────────────────────
// Control frames
// ─────────────────────────────────────────────────────────────────────────────

// End requests a graceful shutdown. Unlike Cancel it flows through the
// pipeline in order, letting stages drain buffered work first.
type End struct {
	Base
}

// NewEnd creates an End frame.
func NewEnd() *End { return &End{newBase()} }

func (*End) Kind() string { return "End" }

// LLMFullResponseStart marks the beginning of one LLM completion's output.
type LLMFullResponseStart struct {
	Base
}

// NewLLMFullResponseStart creates an LLMFullResponseStart frame.
func NewLLMFullResponseStart() *LLMFullResponseStart {
	return &LLMFullResponseStart{newBase()}
}

func (*LLMFullResponseStart) Kind() string { return "LLMFullResponseStart" }

// LLMFullResponseEnd marks the end of one LLM completion's output.
type LLMFullResponseEnd struct {
	Base
}

// NewLLMFullResponseEnd creates an LLMFullResponseEnd frame.
func NewLLMFullResponseEnd() *LLMFullResponseEnd {
	return &LLMFullResponseEnd{newBase()}
}

func (*LLMFullResponseEnd) Kind() string { return "LLMFullResponseEnd" }

// TTSStarted marks the beginning of synthesis for one utterance.
type TTSStarted struct {
	Base
}

// NewTTSStarted creates a TTSStarted frame.
func NewTTSStarted() *TTSStarted { return &TTSStarted{newBase()} }

func (*TTSStarted) Kind() string { return "TTSStarted" }

// TTSStopped marks the end of synthesis for one utterance.
type TTSStopped struct {
	Base
}

// NewTTSStopped creates a TTSStopped frame.
func NewTTSStopped() *TTSStopped { return &TTSStopped{newBase()} }

func (*TTSStopped) Kind() string { return "TTSStopped" }

// ─────────────────────────────────────────────────────────────────────────────
// Data frames
// ─────────────────────────────────────────────────────────────────────────────

// InputAudioRaw carries one chunk of caller audio from the gateway input.
type InputAudioRaw struct {
	Base

	Audio audio.AudioFrame
}

// NewInputAudioRaw creates an InputAudioRaw frame.
func NewInputAudioRaw(a audio.AudioFrame) *InputAudioRaw {
	return &InputAudioRaw{Base: newBase(), Audio: a}
}

func (*InputAudioRaw) Kind() string { return "InputAudioRaw" }

// TTSAudioRaw carries one chunk of synthesized assistant audio toward the
// gateway output.
type TTSAudioRaw struct {
	Base

	Audio audio.AudioFrame
}

// NewTTSAudioRaw creates a TTSAudioRaw frame.
func NewTTSAudioRaw(a audio.AudioFrame) *TTSAudioRaw {
	return &TTSAudioRaw{Base: newBase(), Audio: a}
}

func (*TTSAudioRaw) Kind() string { return "TTSAudioRaw" }

// Transcription is a final STT result for one span of caller speech.
type Transcription struct {
	Base

	Text      string
	UserID    string
	Timestamp time.Time
}

// NewTranscription creates a Transcription frame.
func NewTranscription(text, userID string, ts time.Time) *Transcription {
	return &Transcription{Base: newBase(), Text: text, UserID: userID, Timestamp: ts}
}

func (*Transcription) Kind() string { return "Transcription" }

// InterimTranscription is a partial, still-changing STT result.
type InterimTranscription struct {
	Base

	Text      string
	UserID    string
	Timestamp time.Time
}

// NewInterimTranscription creates an InterimTranscription frame.
func NewInterimTranscription(text, userID string, ts time.Time) *InterimTranscription {
	return &InterimTranscription{Base: newBase(), Text: text, UserID: userID, Timestamp: ts}
}

func (*InterimTranscription) Kind() string { return "InterimTranscription" }

// Text carries one chunk of assistant response text from the LLM toward TTS.
type Text struct {
	Base

	Text string
}

// NewText creates a Text frame.
func NewText(text string) *Text { return &Text{Base: newBase(), Text: text} }

func (*Text) Kind() string { return "Text" }

// LLMMessages carries a standalone message list for a one-shot completion,
// independent of the durable conversation context. The completeness classifier
// request travels as an LLMMessages frame.
type LLMMessages struct {
	Base

	Messages []types.Message
}

// NewLLMMessages creates an LLMMessages frame.
func NewLLMMessages(messages []types.Message) *LLMMessages {
	return &LLMMessages{Base: newBase(), Messages: messages}
}

func (*LLMMessages) Kind() string { return "LLMMessages" }

// LLMContext carries the call's durable conversation context.
type LLMContext struct {
	Base

	Context *convo.Context
}

// NewLLMContext creates an LLMContext frame.
func NewLLMContext(c *convo.Context) *LLMContext {
	return &LLMContext{Base: newBase(), Context: c}
}

func (*LLMContext) Kind() string { return "LLMContext" }

// UtteranceContext wraps exactly one user message bundling the audio of a
// just-finished utterance. The audio accumulator emits one per detected
// utterance boundary; the context assembler merges it into the durable
// context.
type UtteranceContext struct {
	Base

	Message types.Message
}

// NewUtteranceContext creates an UtteranceContext frame.
func NewUtteranceContext(msg types.Message) *UtteranceContext {
	return &UtteranceContext{Base: newBase(), Message: msg}
}

func (*UtteranceContext) Kind() string { return "UtteranceContext" }
