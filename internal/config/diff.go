package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// VoiceChanged is set when any voice setting differs. New settings apply
	// to the next session; a running session is never touched.
	VoiceChanged bool

	// AdvisorChanged is set when any advisor model or breaker setting
	// differs. The advisor is rebuilt.
	AdvisorChanged bool

	// RestartRequired is set for changes that cannot be applied live:
	// provider selection, credentials, listen address, log format.
	RestartRequired bool
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.VoiceChanged && !d.AdvisorChanged && !d.RestartRequired
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Server.ListenAddr != new.Server.ListenAddr || old.Server.LogFormat != new.Server.LogFormat {
		d.RestartRequired = true
	}
	if !reflect.DeepEqual(old.Providers, new.Providers) {
		d.RestartRequired = true
	}

	d.VoiceChanged = old.Voice != new.Voice
	d.AdvisorChanged = advisorChanged(old.Advisor, new.Advisor)
	return d
}

func advisorChanged(old, new AdvisorConfig) bool {
	if !slices.Equal(old.ChatFallbacks, new.ChatFallbacks) {
		return true
	}
	old.ChatFallbacks, new.ChatFallbacks = nil, nil
	return !reflect.DeepEqual(old, new)
}
