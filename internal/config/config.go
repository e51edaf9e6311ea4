// Package config provides the configuration schema, loader, and hot-reload
// watcher for the parley relay.
package config

import (
	_ "embed"
	"log/slog"
	"time"

	"github.com/MrWong99/parley/pkg/realtime"
)

// LogLevel controls log verbosity for the parley relay.
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

// Slog converts l into a slog level. Unknown values map to info.
func (l LogLevel) Slog() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// DefaultInstructions is the interviewer persona used when no instructions
// are configured.
//
//go:embed prompts/interviewer.txt
var DefaultInstructions string

// Config is the root configuration structure for the relay.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Session  SessionConfig  `yaml:"session"`
	Relay    RelayConfig    `yaml:"relay"`
}

// ServerConfig holds network and logging settings for the relay server.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., "localhost:8000").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// AllowedOrigins lists host patterns browsers may open the WebSocket
	// from, matched against the Origin header's host (path.Match syntax,
	// e.g. "*.vercel.app"). Same-host requests are always accepted.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// MaxSessions caps concurrent relay sessions. Zero means unlimited.
	MaxSessions int `yaml:"max_sessions"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// UpstreamConfig describes the speech model endpoint.
type UpstreamConfig struct {
	// APIKey is sent as a bearer token. Usually supplied via OPENAI_API_KEY.
	APIKey string `yaml:"api_key"`

	// BaseURL is the WebSocket endpoint; the model is appended as ?model=.
	BaseURL string `yaml:"base_url"`

	Model string `yaml:"model"`

	// BetaHeader is the OpenAI-Beta header value. Empty omits the header.
	BetaHeader string `yaml:"beta_header"`
}

// SessionConfig is the fixed configuration injected upstream at the start of
// every relay session.
type SessionConfig struct {
	// Instructions is the system prompt. When both Instructions and
	// InstructionsFile are empty, [DefaultInstructions] is used.
	Instructions string `yaml:"instructions"`

	// InstructionsFile is read at load time, relative to the config file.
	InstructionsFile string `yaml:"instructions_file"`

	Voice             string   `yaml:"voice"`
	Modalities        []string `yaml:"modalities"`
	InputAudioFormat  string   `yaml:"input_audio_format"`
	OutputAudioFormat string   `yaml:"output_audio_format"`

	// TranscriptionModel enables upstream transcription of user audio.
	// Empty disables it.
	TranscriptionModel string `yaml:"transcription_model"`

	TurnDetection TurnDetectionConfig `yaml:"turn_detection"`
}

// TurnDetectionConfig configures upstream voice-activity detection.
type TurnDetectionConfig struct {
	// Type is "server_vad" or "none".
	Type            string        `yaml:"type"`
	Threshold       float64       `yaml:"threshold"`
	PrefixPadding   time.Duration `yaml:"prefix_padding"`
	SilenceDuration time.Duration `yaml:"silence_duration"`
}

// RelayConfig tunes the per-session forwarding machinery.
type RelayConfig struct {
	// QueueSize bounds each direction's write queue. A full queue drops the
	// newest message.
	QueueSize int `yaml:"queue_size"`

	// DialTimeout bounds upstream connection establishment.
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// WriteTimeout bounds a single socket write.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// ReadLimit is the maximum accepted message size in bytes on either leg.
	ReadLimit int64 `yaml:"read_limit"`

	// BreakerFailures is the number of consecutive upstream dial failures
	// after which new sessions fail fast for BreakerCooldown. Zero disables
	// the breaker.
	BreakerFailures int           `yaml:"breaker_failures"`
	BreakerCooldown time.Duration `yaml:"breaker_cooldown"`
}

// Default returns the configuration the relay runs with when no file or
// environment overrides are present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: "localhost:8000",
			LogLevel:   LogInfo,
			AllowedOrigins: []string{
				"localhost:5173",
				"localhost:3000",
				"*.vercel.app",
				"*.railway.app",
			},
		},
		Upstream: UpstreamConfig{
			BaseURL:    "wss://api.openai.com/v1/realtime",
			Model:      "gpt-4o-realtime-preview-2024-10-01",
			BetaHeader: "realtime=v1",
		},
		Session: SessionConfig{
			Voice:              "alloy",
			Modalities:         []string{"text", "audio"},
			InputAudioFormat:   "pcm16",
			OutputAudioFormat:  "pcm16",
			TranscriptionModel: "whisper-1",
			TurnDetection: TurnDetectionConfig{
				Type:            "server_vad",
				Threshold:       0.5,
				PrefixPadding:   300 * time.Millisecond,
				SilenceDuration: 500 * time.Millisecond,
			},
		},
		Relay: RelayConfig{
			QueueSize:    64,
			DialTimeout:  10 * time.Second,
			WriteTimeout: 5 * time.Second,
			ReadLimit:    1 << 20,

			BreakerFailures: 5,
			BreakerCooldown: 30 * time.Second,
		},
	}
}

// Realtime converts the session section into the session.update payload.
func (s SessionConfig) Realtime() realtime.SessionConfig {
	out := realtime.SessionConfig{
		Modalities:        append([]string(nil), s.Modalities...),
		Instructions:      s.Instructions,
		Voice:             s.Voice,
		InputAudioFormat:  s.InputAudioFormat,
		OutputAudioFormat: s.OutputAudioFormat,
	}
	if out.Instructions == "" {
		out.Instructions = DefaultInstructions
	}
	if s.TranscriptionModel != "" {
		out.Transcription = &realtime.Transcription{Model: s.TranscriptionModel}
	}
	if td := s.TurnDetection; td.Type != "" && td.Type != "none" {
		out.TurnDetection = &realtime.TurnDetection{
			Type:              td.Type,
			Threshold:         td.Threshold,
			PrefixPaddingMs:   int(td.PrefixPadding / time.Millisecond),
			SilenceDurationMs: int(td.SilenceDuration / time.Millisecond),
		}
	}
	return out
}
