// Package config provides the configuration schema, loader, and provider
// registry for the leadline voice assistant.
package config

import (
	"time"

	"github.com/askjohngeorge/leadline/internal/mcp"
)

// LogLevel controls log verbosity for the leadline server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// LogFormat selects the slog handler encoding.
type LogFormat string

const (
	LogFormatJSON LogFormat = "json"
	LogFormatText LogFormat = "text"
)

// IsValid reports whether f is a recognised log format.
func (f LogFormat) IsValid() bool {
	return f == LogFormatJSON || f == LogFormatText
}

// MuteStrategy selects when inbound user speech is suppressed. It mirrors
// the strategies of the pipeline's STT mute stage.
type MuteStrategy string

const (
	// MuteFirstSpeech protects only the opening utterance from barge-in.
	MuteFirstSpeech MuteStrategy = "first_speech"

	// MuteAlways suppresses the caller whenever the assistant speaks.
	MuteAlways MuteStrategy = "always"

	// MuteFunctionCall suppresses the caller while a tool call is in flight.
	MuteFunctionCall MuteStrategy = "function_call"
)

// IsValid reports whether m is a recognised mute strategy.
func (m MuteStrategy) IsValid() bool {
	switch m {
	case MuteFirstSpeech, MuteAlways, MuteFunctionCall:
		return true
	}
	return false
}

// Config is the root configuration for a leadline deployment: one assistant,
// its provider credentials, and the services behind it.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Providers   ProvidersConfig   `yaml:"providers"`
	Agent       AgentConfig       `yaml:"agent"`
	Endpointing EndpointingConfig `yaml:"endpointing"`
	Flow        FlowConfig        `yaml:"flow"`
	Schedule    ScheduleConfig    `yaml:"schedule"`
	Storage     StorageConfig     `yaml:"storage"`
	Knowledge   KnowledgeConfig   `yaml:"knowledge"`
	MCP         MCPConfig         `yaml:"mcp"`
}

// ServerConfig holds the network and logging settings.
type ServerConfig struct {
	// ListenAddr is the address the call gateway binds to (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// AdminAddr is the address for health probes and metrics (e.g., ":9090").
	// Empty disables the admin listener.
	AdminAddr string `yaml:"admin_addr"`

	LogLevel  LogLevel  `yaml:"log_level"`
	LogFormat LogFormat `yaml:"log_format"`

	// TLS enables TLS termination when present.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds the certificate pair for the gateway listener.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// ProvidersConfig declares which external AI providers to use. The
// Classifier entry drives the turn-completeness model; when empty, the
// conversation LLM entry is used for classification too.
type ProvidersConfig struct {
	LLM        ProviderEntry `yaml:"llm"`
	Classifier ProviderEntry `yaml:"classifier"`
	STT        ProviderEntry `yaml:"stt"`
	TTS        ProviderEntry `yaml:"tts"`
	Embeddings ProviderEntry `yaml:"embeddings"`
	VAD        ProviderEntry `yaml:"vad"`
}

// ClassifierEntry returns the provider entry for the completeness
// classifier, falling back to the conversation LLM entry when none is
// configured.
func (p ProvidersConfig) ClassifierEntry() ProviderEntry {
	if p.Classifier.Name != "" {
		return p.Classifier
	}
	return p.LLM
}

// ProviderEntry configures a single provider instance.
type ProviderEntry struct {
	// Name identifies the provider implementation (e.g., "openai", "deepgram").
	Name string `yaml:"name"`

	// APIKey authenticates against the provider. Supports ${ENV_VAR}
	// expansion at load time.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model where the provider supports several.
	Model string `yaml:"model"`

	// Options holds provider-specific settings passed through verbatim.
	Options map[string]any `yaml:"options"`
}

// AgentConfig describes the single assistant this deployment runs.
type AgentConfig struct {
	// Name is the assistant's display name, spoken in the greeting and
	// recorded on transcripts.
	Name string `yaml:"name"`

	// Language is the BCP-47 tag passed to the recogniser (e.g., "en").
	Language string `yaml:"language"`

	// Temperature is the sampling temperature for conversation responses.
	Temperature float64 `yaml:"temperature"`

	// AllowInterruptions controls caller barge-in. Defaults to true when
	// unset.
	AllowInterruptions *bool `yaml:"allow_interruptions"`

	Voice VoiceConfig `yaml:"voice"`

	// Keywords boosts recognition of domain terms and seeds the
	// transcript corrector.
	Keywords []KeywordConfig `yaml:"keywords"`
}

// InterruptionsAllowed reports whether the caller may barge in over the
// assistant. Unset means allowed.
func (a AgentConfig) InterruptionsAllowed() bool {
	return a.AllowInterruptions == nil || *a.AllowInterruptions
}

// VoiceConfig describes an assistant's TTS voice.
type VoiceConfig struct {
	// Provider optionally overrides the TTS provider for this voice.
	Provider string `yaml:"provider"`

	// VoiceID is the provider-specific voice identifier.
	VoiceID string `yaml:"voice_id"`

	// PitchShift adjusts pitch in semitones. Range: -10 to +10.
	PitchShift float64 `yaml:"pitch_shift"`

	// SpeedFactor adjusts playback speed. Range: 0.5 to 2.0, zero means
	// provider default.
	SpeedFactor float64 `yaml:"speed_factor"`
}

// KeywordConfig boosts a single recognition term.
type KeywordConfig struct {
	Keyword string  `yaml:"keyword"`
	Boost   float64 `yaml:"boost"`
}

// EndpointingConfig tunes the turn-taking layer.
type EndpointingConfig struct {
	// ClassifierInstruction overrides the built-in completeness prompt.
	ClassifierInstruction string `yaml:"classifier_instruction"`

	// RecloseGateAfterTurn closes the speculative output gate again after
	// each resolved turn instead of leaving it open for the rest of the
	// call.
	RecloseGateAfterTurn bool `yaml:"reclose_gate_after_turn"`

	// MuteStrategy selects when inbound speech is suppressed. Empty
	// disables muting.
	MuteStrategy MuteStrategy `yaml:"mute_strategy"`
}

// FlowConfig locates the conversation flow definition.
type FlowConfig struct {
	// Path is the YAML file holding the node graph the assistant follows.
	Path string `yaml:"path"`
}

// ScheduleConfig connects the assistant to the booking calendar. The
// integration is enabled when an API key is present.
type ScheduleConfig struct {
	// BaseURL overrides the calendar API endpoint.
	BaseURL string `yaml:"base_url"`

	// APIKey authenticates against the calendar. Supports ${ENV_VAR}
	// expansion.
	APIKey string `yaml:"api_key"`

	// EventTypeID is the calendar event type consultations are booked
	// under.
	EventTypeID int `yaml:"event_type_id"`

	// Days is how far ahead availability is fetched. Zero means the
	// client default.
	Days int `yaml:"days"`

	// Timezone is the IANA zone availability is presented in.
	Timezone string `yaml:"timezone"`
}

// Enabled reports whether the calendar integration is configured.
func (s ScheduleConfig) Enabled() bool { return s.APIKey != "" }

// StorageConfig connects lead and transcript persistence.
type StorageConfig struct {
	// PostgresDSN is the database connection string. Empty selects the
	// in-memory store.
	PostgresDSN string `yaml:"postgres_dsn"`

	// FlushSeconds is the transcript flush cadence. Zero means the
	// default.
	FlushSeconds int `yaml:"flush_seconds"`
}

// FlushInterval returns the transcript flush cadence, defaulting to ten
// seconds.
func (s StorageConfig) FlushInterval() time.Duration {
	if s.FlushSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(s.FlushSeconds) * time.Second
}

// KnowledgeConfig tunes retrieval over the business knowledge base.
type KnowledgeConfig struct {
	// Enabled switches retrieval-augmented answers on. Requires an
	// embeddings provider and Postgres storage.
	Enabled bool `yaml:"enabled"`

	// EmbeddingDimensions is the width of stored vectors. Must match the
	// embeddings model.
	EmbeddingDimensions int `yaml:"embedding_dimensions"`

	// TopK is how many chunks a query retrieves. Zero means the default.
	TopK int `yaml:"top_k"`
}

// MCPConfig lists external MCP tool servers available to the assistant.
type MCPConfig struct {
	Servers []MCPServerConfig `yaml:"servers"`
}

// MCPServerConfig describes a single MCP server connection.
type MCPServerConfig struct {
	// Name identifies the server in logs and tool namespacing.
	Name string `yaml:"name"`

	// Transport selects how to reach the server.
	Transport mcp.Transport `yaml:"transport"`

	// Command is the executable to spawn for stdio transport.
	Command string `yaml:"command"`

	// URL is the endpoint for streamable-http transport
	// (e.g., "https://mcp.example.com/mcp"). Ignored for stdio transport.
	URL string `yaml:"url"`

	// BearerToken authenticates against a remote server. Supports
	// ${ENV_VAR} expansion. Ignored for stdio transport.
	BearerToken string `yaml:"bearer_token"`

	// Env is extra environment for spawned stdio servers.
	Env map[string]string `yaml:"env"`
}
