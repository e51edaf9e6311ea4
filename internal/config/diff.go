package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs. Log level and the
// session section apply to the running relay (new sessions pick up the new
// session configuration); everything else needs a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SessionFields names the changed session fields (yaml keys).
	SessionFields []string

	// RestartRequired names changed settings that are not hot-reloaded.
	RestartRequired []string
}

// SessionChanged reports whether any session field changed.
func (d ConfigDiff) SessionChanged() bool { return len(d.SessionFields) > 0 }

// Empty reports whether nothing relevant changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && len(d.SessionFields) == 0 && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// Session
	os, ns := old.Session, new.Session
	if os.Instructions != ns.Instructions {
		d.SessionFields = append(d.SessionFields, "instructions")
	}
	if os.Voice != ns.Voice {
		d.SessionFields = append(d.SessionFields, "voice")
	}
	if !slices.Equal(os.Modalities, ns.Modalities) {
		d.SessionFields = append(d.SessionFields, "modalities")
	}
	if os.InputAudioFormat != ns.InputAudioFormat || os.OutputAudioFormat != ns.OutputAudioFormat {
		d.SessionFields = append(d.SessionFields, "audio_format")
	}
	if os.TranscriptionModel != ns.TranscriptionModel {
		d.SessionFields = append(d.SessionFields, "transcription_model")
	}
	if os.TurnDetection != ns.TurnDetection {
		d.SessionFields = append(d.SessionFields, "turn_detection")
	}

	// Restart-only settings
	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if !slices.Equal(old.Server.AllowedOrigins, new.Server.AllowedOrigins) {
		d.RestartRequired = append(d.RestartRequired, "server.allowed_origins")
	}
	if old.Server.MaxSessions != new.Server.MaxSessions {
		d.RestartRequired = append(d.RestartRequired, "server.max_sessions")
	}
	if !reflect.DeepEqual(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server.tls")
	}
	if old.Upstream != new.Upstream {
		d.RestartRequired = append(d.RestartRequired, "upstream")
	}
	if old.Relay != new.Relay {
		d.RestartRequired = append(d.RestartRequired, "relay")
	}

	return d
}
