package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked: the log level
// takes effect immediately, persona changes apply to sessions started after
// the reload. Network and storage settings require a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// PersonaChanged is true when any of voice, instructions, greeting,
	// temperature, or model changed.
	PersonaChanged bool
}

// Empty reports whether the diff carries no applicable change.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.PersonaChanged
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.AI.Voice != new.AI.Voice ||
		old.AI.Instructions != new.AI.Instructions ||
		old.AI.Greeting != new.AI.Greeting ||
		old.AI.Temperature != new.AI.Temperature ||
		old.AI.Model != new.AI.Model {
		d.PersonaChanged = true
	}

	return d
}
