// Package types defines the shared types used across all leadline packages.
//
// These types form the lingua franca between providers, the frame pipeline,
// the flow engine, and the stores. They are intentionally minimal — each
// package defines its own domain types, but cross-cutting data structures live
// here to avoid circular imports.
package types

import "time"

// Conversation message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message represents a single message in an LLM conversation history.
type Message struct {
	// Role is one of RoleSystem, RoleUser, RoleAssistant, or RoleTool.
	Role string

	// Content is the plain-text content of the message. Ignored when Parts is
	// non-empty.
	Content string

	// Parts holds structured multi-part content (text and audio segments).
	// When non-empty it takes precedence over Content.
	Parts []ContentPart

	// Name is an optional participant name (for multi-speaker contexts).
	Name string

	// ToolCalls contains any tool invocations requested by the assistant.
	ToolCalls []ToolCall

	// ToolCallID is set when Role is RoleTool, identifying which tool call this
	// responds to.
	ToolCallID string
}

// Text returns the textual content of the message: Content for plain messages,
// or the concatenation of all text parts for multi-part messages.
func (m Message) Text() string {
	if len(m.Parts) == 0 {
		return m.Content
	}
	var out string
	for _, p := range m.Parts {
		if p.Kind == PartText {
			out += p.Text
		}
	}
	return out
}

// PartKind identifies the payload type of a ContentPart.
type PartKind int

const (
	// PartText is a plain text segment.
	PartText PartKind = iota

	// PartAudio is a raw audio segment (PCM or encoded, per MIMEType).
	PartAudio
)

// ContentPart is one segment of a multi-part message. Audio parts carry the
// caller's recorded speech into classifier requests; text parts carry
// everything else.
type ContentPart struct {
	Kind     PartKind
	Text     string
	Audio    []byte
	MIMEType string
}

// ToolCall represents a tool/function invocation requested by the LLM.
type ToolCall struct {
	// ID is the unique identifier for this tool call (provider-assigned).
	ID string

	// Name is the tool/function name.
	Name string

	// Arguments is the JSON-encoded arguments string.
	Arguments string
}

// ToolDefinition describes a tool that can be offered to an LLM.
type ToolDefinition struct {
	// Name is the tool's unique identifier.
	Name string

	// Description explains what the tool does (included in LLM prompts).
	Description string

	// Parameters is the JSON Schema describing the tool's input parameters.
	Parameters map[string]any

	// EstimatedDurationMs is the declared p50 latency, used to keep slow tools
	// out of live-call turns.
	EstimatedDurationMs int

	// Idempotent indicates whether the tool can be safely retried.
	Idempotent bool
}

// Transcript represents a speech-to-text result from an STT provider.
// Both partial (interim) and final transcripts use this type.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// IsFinal indicates whether this is a final (authoritative) or partial
	// (interim) transcript.
	IsFinal bool

	// Confidence is the overall confidence score (0.0–1.0). May be zero if the
	// provider does not report confidence.
	Confidence float64

	// Words contains per-word detail when available (Deepgram).
	// May be nil for providers that don't support word-level output.
	Words []WordDetail

	// SpeakerID identifies the speaker when speaker diarization is active.
	SpeakerID string

	// Timestamp marks when the utterance started, relative to session start.
	Timestamp time.Duration

	// Duration is the length of the utterance.
	Duration time.Duration
}

// WordDetail holds per-word metadata from STT providers that support it.
type WordDetail struct {
	Word       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}

// TranscriptEntry is a complete exchange record written to the call log.
// One entry per utterance, forming the atomic unit of call history.
type TranscriptEntry struct {
	// SpeakerID identifies who spoke (caller ID or the assistant name).
	SpeakerID string

	// SpeakerName is the human-readable speaker name.
	SpeakerName string

	// Text is the (possibly corrected) transcript text.
	Text string

	// RawText is the original uncorrected STT output. Preserved for debugging.
	RawText string

	// IsBot indicates whether this entry is an assistant utterance.
	IsBot bool

	// Timestamp is when this entry was recorded.
	Timestamp time.Time

	// Duration is the length of the utterance.
	Duration time.Duration
}

// VoiceProfile describes a TTS voice configuration for the assistant.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider identifies which TTS provider this voice belongs to.
	Provider string

	// SpeedFactor adjusts speaking rate (0.5–2.0, 1.0 = default).
	SpeedFactor float64

	// Metadata holds provider-specific voice attributes (gender, accent, etc.).
	Metadata map[string]string
}

// ModelCapabilities describes what an LLM model supports.
type ModelCapabilities struct {
	// ContextWindow is the maximum token count for input + output.
	ContextWindow int

	// MaxOutputTokens is the maximum tokens the model can generate in one
	// completion.
	MaxOutputTokens int

	// SupportsToolCalling indicates native function/tool calling support.
	SupportsToolCalling bool

	// SupportsAudioInput indicates the model accepts raw audio content parts.
	SupportsAudioInput bool

	// SupportsVision indicates the model accepts image content parts.
	SupportsVision bool

	// SupportsStreaming indicates the model supports streaming completions.
	SupportsStreaming bool
}

// KeywordBoost represents a keyword to boost in STT recognition.
// Used to improve recognition of domain proper nouns (brand names, product
// terms, scheduling vocabulary).
type KeywordBoost struct {
	// Keyword is the text to boost (e.g., "Cal.com").
	Keyword string

	// Boost is the intensity of the boost (provider-specific scale).
	Boost float64
}

// VADEvent represents a voice activity detection result for a single audio frame.
type VADEvent struct {
	// Type is the detection result.
	Type VADEventType

	// Probability is the speech probability score (0.0–1.0).
	Probability float64
}

// VADEventType enumerates VAD detection states.
type VADEventType int

const (
	// VADSpeechStart indicates speech has just begun.
	VADSpeechStart VADEventType = iota

	// VADSpeechContinue indicates ongoing speech.
	VADSpeechContinue

	// VADSpeechEnd indicates speech has just ended.
	VADSpeechEnd

	// VADSilence indicates no speech detected.
	VADSilence
)

// BudgetTier controls which external tools are visible to the LLM based on
// latency constraints. Live voice turns cannot absorb multi-second tool calls.
type BudgetTier int

const (
	// BudgetFast allows only tools with ≤ 500ms estimated latency.
	BudgetFast BudgetTier = iota

	// BudgetStandard allows tools with ≤ 1500ms estimated latency.
	BudgetStandard

	// BudgetDeep allows all tools regardless of latency.
	BudgetDeep
)

// String returns the human-readable name of the budget tier.
func (t BudgetTier) String() string {
	switch t {
	case BudgetFast:
		return "FAST"
	case BudgetStandard:
		return "STANDARD"
	case BudgetDeep:
		return "DEEP"
	default:
		return "UNKNOWN"
	}
}

// MaxLatencyMs returns the maximum tolerated tool latency for this tier.
func (t BudgetTier) MaxLatencyMs() int {
	switch t {
	case BudgetFast:
		return 500
	case BudgetStandard:
		return 1500
	case BudgetDeep:
		return 4000
	default:
		return 500
	}
}
