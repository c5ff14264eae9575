package config

import "slices"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked: running calls
// keep their pipeline, but new sessions and the logger pick these up.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// AgentChanged is true when any per-agent field below changed.
	AgentChanged bool
	Agent        AgentDiff

	// FlowChanged is true when flow.path points at a different file.
	FlowChanged bool
}

// AgentDiff describes which assistant settings changed between two configs.
type AgentDiff struct {
	VoiceChanged       bool
	TemperatureChanged bool
	KeywordsChanged    bool
	LanguageChanged    bool
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	d.Agent = diffAgent(&old.Agent, &new.Agent)
	if d.Agent.VoiceChanged || d.Agent.TemperatureChanged || d.Agent.KeywordsChanged || d.Agent.LanguageChanged {
		d.AgentChanged = true
	}

	if old.Flow.Path != new.Flow.Path {
		d.FlowChanged = true
	}

	return d
}

// diffAgent compares the hot-reloadable assistant settings.
func diffAgent(old, new *AgentConfig) AgentDiff {
	ad := AgentDiff{}

	if old.Voice != new.Voice {
		ad.VoiceChanged = true
	}

	if old.Temperature != new.Temperature {
		ad.TemperatureChanged = true
	}

	if !slices.Equal(old.Keywords, new.Keywords) {
		ad.KeywordsChanged = true
	}

	if old.Language != new.Language {
		ad.LanguageChanged = true
	}

	return ad
}
