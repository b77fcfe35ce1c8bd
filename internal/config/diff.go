package config

import "reflect"

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; everything else
// (listen address, providers, database) needs a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// QueryChanged is set when any query tuning value changed.
	QueryChanged bool
	NewQuery     QueryConfig

	// SpeechChanged is set when the voice or synthesis tuning changed.
	SpeechChanged bool
	NewSpeech     SpeechConfig

	// RestartRequired lists top-level sections whose changes are ignored
	// until the process restarts.
	RestartRequired []string
}

// Changed reports whether anything hot-reloadable changed.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.QueryChanged || d.SpeechChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Query != new.Query {
		d.QueryChanged = true
		d.NewQuery = new.Query
	}
	if old.Speech != new.Speech {
		d.SpeechChanged = true
		d.NewSpeech = new.Speech
	}

	if !serverEqual(old.Server, new.Server) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !reflect.DeepEqual(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Database != new.Database {
		d.RestartRequired = append(d.RestartRequired, "database")
	}
	if old.Auth != new.Auth {
		d.RestartRequired = append(d.RestartRequired, "auth")
	}
	if !agentsEqual(old.Agents, new.Agents) {
		d.RestartRequired = append(d.RestartRequired, "agents")
	}
	if !reflect.DeepEqual(old.Observe, new.Observe) {
		d.RestartRequired = append(d.RestartRequired, "observe")
	}
	return d
}

// serverEqual compares server settings other than the log level.
func serverEqual(a, b ServerConfig) bool {
	if a.ListenAddr != b.ListenAddr || a.BasePath != b.BasePath ||
		a.ReadHeaderTimeout != b.ReadHeaderTimeout || a.ShutdownTimeout != b.ShutdownTimeout ||
		a.MaxUploadBytes != b.MaxUploadBytes {
		return false
	}
	if len(a.CORSOrigins) != len(b.CORSOrigins) {
		return false
	}
	for i := range a.CORSOrigins {
		if a.CORSOrigins[i] != b.CORSOrigins[i] {
			return false
		}
	}
	switch {
	case a.TLS == nil && b.TLS == nil:
		return true
	case a.TLS == nil || b.TLS == nil:
		return false
	default:
		return *a.TLS == *b.TLS
	}
}

func agentsEqual(a, b []AgentConfig) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
