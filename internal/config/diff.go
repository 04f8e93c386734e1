package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; everything else
// requires a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// AudioChanged is true when any VAD or gain tunable differs. The capture
	// actor picks the new values up on its next utterance boundary.
	AudioChanged bool
	NewAudio     AudioConfig

	// InstructionsChanged is true when the session persona text differs. A
	// session.update applies it without reconnecting.
	InstructionsChanged bool
	NewInstructions     string
}

// Diff compares old and new configs and returns what changed.
// Only tracks changes that are safe to apply without restart.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if !audioEqual(old.Audio, new.Audio) {
		d.AudioChanged = true
		d.NewAudio = new.Audio
	}

	if old.Session.Instructions != new.Session.Instructions {
		d.InstructionsChanged = true
		d.NewInstructions = new.Session.Instructions
	}

	return d
}

// audioEqual compares the hot-reloadable audio tunables. Device names are
// excluded: swapping a device requires reopening the capture process.
func audioEqual(a, b AudioConfig) bool {
	return a.Gain == b.Gain &&
		a.VADThreshold == b.VADThreshold &&
		a.MinSpeechMs == b.MinSpeechMs &&
		a.PrefixPadMs == b.PrefixPadMs &&
		a.TrailingPadMs == b.TrailingPadMs &&
		a.CommitCooldownMs == b.CommitCooldownMs &&
		a.GateOnSilenceEnabled() == b.GateOnSilenceEnabled()
}
