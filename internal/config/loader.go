package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"slices"
	"time"

	"github.com/askjohngeorge/leadline/internal/mcp"
	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile", "openai-native"},
	"stt":        {"deepgram", "whisper", "whisper-native"},
	"tts":        {"elevenlabs", "deepgram", "coqui"},
	"embeddings": {"openai", "ollama"},
	"vad":        {"energy"},
}

// envPattern matches ${VAR} references in raw config bytes.
var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv substitutes ${VAR} references with the process environment so
// API keys and DSNs can stay out of the config file. Unset variables expand
// to the empty string.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(m []byte) []byte {
		name := string(m[2 : len(m)-1])
		return []byte(os.Getenv(name))
	})
}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. It is a convenience wrapper around [LoadFromReader] and
// [Validate].
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}

	cfg, err := LoadFromReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands ${VAR} environment
// references, and validates the result. Useful in tests where configs are
// constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(expandEnv(data)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.LogFormat != "" && !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: json, text", cfg.Server.LogFormat))
	}
	if cfg.Server.TLS != nil {
		if cfg.Server.TLS.CertFile == "" {
			errs = append(errs, errors.New("server.tls.cert_file is required when tls is set"))
		}
		if cfg.Server.TLS.KeyFile == "" {
			errs = append(errs, errors.New("server.tls.key_file is required when tls is set"))
		}
	}

	// Provider name validation, warn for unknown names.
	validateProviderName("llm", "providers.llm", cfg.Providers.LLM.Name)
	validateProviderName("llm", "providers.classifier", cfg.Providers.Classifier.Name)
	validateProviderName("stt", "providers.stt", cfg.Providers.STT.Name)
	validateProviderName("tts", "providers.tts", cfg.Providers.TTS.Name)
	validateProviderName("embeddings", "providers.embeddings", cfg.Providers.Embeddings.Name)
	validateProviderName("vad", "providers.vad", cfg.Providers.VAD.Name)

	// Agent
	if cfg.Agent.Temperature < 0 || cfg.Agent.Temperature > 2 {
		errs = append(errs, fmt.Errorf("agent.temperature %.2f is out of range [0, 2]", cfg.Agent.Temperature))
	}
	if cfg.Agent.Voice.SpeedFactor != 0 {
		if cfg.Agent.Voice.SpeedFactor < 0.5 || cfg.Agent.Voice.SpeedFactor > 2.0 {
			errs = append(errs, fmt.Errorf("agent.voice.speed_factor %.2f is out of range [0.5, 2.0]", cfg.Agent.Voice.SpeedFactor))
		}
	}
	if cfg.Agent.Voice.PitchShift < -10 || cfg.Agent.Voice.PitchShift > 10 {
		errs = append(errs, fmt.Errorf("agent.voice.pitch_shift %.2f is out of range [-10, 10]", cfg.Agent.Voice.PitchShift))
	}
	for i, kw := range cfg.Agent.Keywords {
		if kw.Keyword == "" {
			errs = append(errs, fmt.Errorf("agent.keywords[%d].keyword is required", i))
		}
		if kw.Boost < 0 {
			errs = append(errs, fmt.Errorf("agent.keywords[%d].boost %.2f must not be negative", i, kw.Boost))
		}
	}

	// Agent ↔ provider cross-validation: a configured assistant needs the
	// full speech stack and a flow to follow.
	if cfg.Agent.Name != "" {
		if cfg.Providers.LLM.Name == "" {
			errs = append(errs, fmt.Errorf("agent %q requires an LLM provider but providers.llm is not configured", cfg.Agent.Name))
		}
		if cfg.Providers.STT.Name == "" {
			errs = append(errs, fmt.Errorf("agent %q requires an STT provider but providers.stt is not configured", cfg.Agent.Name))
		}
		if cfg.Providers.TTS.Name == "" {
			errs = append(errs, fmt.Errorf("agent %q requires a TTS provider but providers.tts is not configured", cfg.Agent.Name))
		}
		if cfg.Flow.Path == "" {
			errs = append(errs, fmt.Errorf("agent %q requires a flow definition but flow.path is not set", cfg.Agent.Name))
		}
		if cfg.Providers.VAD.Name == "" {
			slog.Warn("providers.vad is empty; speech boundaries fall back to the energy detector")
		}
		if cfg.Providers.Classifier.Name == "" {
			slog.Warn("providers.classifier is empty; the conversation LLM will also judge turn completeness")
		}
		if cfg.Storage.PostgresDSN == "" {
			slog.Warn("storage.postgres_dsn is empty; leads and transcripts stay in memory")
		}
	}

	// Voice provider ↔ TTS provider cross-validation
	if cfg.Agent.Voice.Provider != "" && cfg.Providers.TTS.Name != "" && cfg.Agent.Voice.Provider != cfg.Providers.TTS.Name {
		slog.Warn("agent voice provider does not match configured TTS provider",
			"voice_provider", cfg.Agent.Voice.Provider,
			"tts_provider", cfg.Providers.TTS.Name,
		)
	}

	// Endpointing
	if cfg.Endpointing.MuteStrategy != "" && !cfg.Endpointing.MuteStrategy.IsValid() {
		errs = append(errs, fmt.Errorf("endpointing.mute_strategy %q is invalid; valid values: first_speech, always, function_call", cfg.Endpointing.MuteStrategy))
	}

	// Schedule
	if cfg.Schedule.Days < 0 {
		errs = append(errs, fmt.Errorf("schedule.days %d must not be negative", cfg.Schedule.Days))
	}
	if cfg.Schedule.Enabled() {
		if cfg.Schedule.EventTypeID <= 0 {
			errs = append(errs, errors.New("schedule.event_type_id is required when schedule.api_key is set"))
		}
	}
	if cfg.Schedule.Timezone != "" {
		if _, err := time.LoadLocation(cfg.Schedule.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("schedule.timezone %q is invalid: %w", cfg.Schedule.Timezone, err))
		}
	}

	// Storage
	if cfg.Storage.FlushSeconds < 0 {
		errs = append(errs, fmt.Errorf("storage.flush_seconds %d must not be negative", cfg.Storage.FlushSeconds))
	}

	// Knowledge
	if cfg.Knowledge.Enabled {
		if cfg.Providers.Embeddings.Name == "" {
			errs = append(errs, errors.New("knowledge.enabled requires an embeddings provider but providers.embeddings is not configured"))
		}
		if cfg.Storage.PostgresDSN == "" {
			errs = append(errs, errors.New("knowledge.enabled requires storage.postgres_dsn for the vector store"))
		}
		if cfg.Knowledge.EmbeddingDimensions <= 0 {
			errs = append(errs, errors.New("knowledge.embedding_dimensions must be positive when knowledge is enabled"))
		}
	}
	if cfg.Knowledge.TopK < 0 {
		errs = append(errs, fmt.Errorf("knowledge.top_k %d must not be negative", cfg.Knowledge.TopK))
	}

	// MCP servers
	mcpNamesSeen := make(map[string]int, len(cfg.MCP.Servers))
	for i, srv := range cfg.MCP.Servers {
		prefix := fmt.Sprintf("mcp.servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := mcpNamesSeen[srv.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of mcp.servers[%d]", prefix, srv.Name, prev))
			}
			mcpNamesSeen[srv.Name] = i
		}
		if srv.Transport != "" && !srv.Transport.IsValid() {
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, streamable-http", prefix, srv.Transport))
		}
		if srv.Transport == mcp.TransportStdio && srv.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
		}
		if srv.Transport == mcp.TransportStreamableHTTP && srv.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required when transport is streamable-http", prefix))
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind. field names the config
// location in the warning.
func validateProviderName(kind, field, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"field", field,
		"name", name,
		"known", known,
	)
}
