package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked: the log level and
// session cap apply immediately, prompt and tuning changes apply to sessions
// and turns started after the reload. Everything else (listen address, audio
// format, provider wiring) needs a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	MaxSessionsChanged bool
	NewMaxSessions     int

	SystemPromptChanged bool
	NewSystemPrompt     string

	// VADChanged reports a change to any detector tuning field. New sessions
	// pick up the new tuning; live sessions keep the detector they started
	// with.
	VADChanged bool
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Server.MaxSessions != new.Server.MaxSessions {
		d.MaxSessionsChanged = true
		d.NewMaxSessions = new.Server.MaxSessions
	}

	if old.Turn.SystemPrompt != new.Turn.SystemPrompt {
		d.SystemPromptChanged = true
		d.NewSystemPrompt = new.Turn.SystemPrompt
	}

	if old.VAD != new.VAD {
		d.VADChanged = true
	}

	return d
}
