package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoaderOption adjusts how a configuration is assembled.
type LoaderOption func(*loader)

type loader struct {
	getenv  func(string) string
	baseDir string
}

// WithEnv applies environment overrides read through getenv (usually
// os.Getenv) after the YAML is decoded. See [ApplyEnv].
func WithEnv(getenv func(string) string) LoaderOption {
	return func(l *loader) { l.getenv = getenv }
}

// WithBaseDir sets the directory relative instructions_file paths are
// resolved against. [Load] sets it to the config file's directory.
func WithBaseDir(dir string) LoaderOption {
	return func(l *loader) { l.baseDir = dir }
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string, opts ...LoaderOption) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	opts = append([]LoaderOption{WithBaseDir(filepath.Dir(path))}, opts...)
	cfg, err := LoadFromReader(f, opts...)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault is [Load], except that a missing file yields the defaults
// with overrides applied instead of an error. The relay runs from the
// environment alone when no config file is deployed.
func LoadOrDefault(path string, opts ...LoaderOption) (*Config, error) {
	cfg, err := Load(path, opts...)
	if errors.Is(err, fs.ErrNotExist) {
		return LoadFromReader(strings.NewReader(""), opts...)
	}
	return cfg, err
}

// LoadFromReader decodes a YAML config from r over [Default], applies
// overrides, and validates the result. Empty input is valid.
func LoadFromReader(r io.Reader, opts ...LoaderOption) (*Config, error) {
	l := &loader{}
	for _, o := range opts {
		o(l)
	}

	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if l.getenv != nil {
		ApplyEnv(cfg, l.getenv)
	}
	if err := resolveInstructions(cfg, l.baseDir); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Environment variable names honoured by [ApplyEnv].
const (
	EnvAPIKey   = "OPENAI_API_KEY"
	EnvModel    = "REALTIME_MODEL"
	EnvVoice    = "VOICE"
	EnvHost     = "HOST"
	EnvPort     = "PORT"
	EnvLogLevel = "LOG_LEVEL"
)

// ApplyEnv overrides cfg from the environment. Unset or empty variables
// leave the file value in place. HOST and PORT replace the respective half
// of server.listen_addr.
func ApplyEnv(cfg *Config, getenv func(string) string) {
	if v := getenv(EnvAPIKey); v != "" {
		cfg.Upstream.APIKey = v
	}
	if v := getenv(EnvModel); v != "" {
		cfg.Upstream.Model = v
	}
	if v := getenv(EnvVoice); v != "" {
		cfg.Session.Voice = v
	}
	if v := getenv(EnvLogLevel); v != "" {
		cfg.Server.LogLevel = LogLevel(strings.ToLower(v))
	}

	host, port := getenv(EnvHost), getenv(EnvPort)
	if host == "" && port == "" {
		return
	}
	curHost, curPort, err := net.SplitHostPort(cfg.Server.ListenAddr)
	if err != nil {
		curHost, curPort = "", "8000"
	}
	if host != "" {
		curHost = host
	}
	if port != "" {
		curPort = port
	}
	cfg.Server.ListenAddr = net.JoinHostPort(curHost, curPort)
}

func resolveInstructions(cfg *Config, baseDir string) error {
	path := cfg.Session.InstructionsFile
	if path == "" {
		return nil
	}
	if !filepath.IsAbs(path) && baseDir != "" {
		path = filepath.Join(baseDir, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: session.instructions_file: %w", err)
	}
	cfg.Session.Instructions = string(data)
	return nil
}

var (
	validModalities = []string{"text", "audio"}
	validVADTypes   = []string{"server_vad", "none", ""}
)

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if _, port, err := net.SplitHostPort(cfg.Server.ListenAddr); err != nil {
		errs = append(errs, fmt.Errorf("server.listen_addr %q is invalid: %w", cfg.Server.ListenAddr, err))
	} else if n, err := strconv.Atoi(port); err != nil || n < 0 || n > 65535 {
		errs = append(errs, fmt.Errorf("server.listen_addr port %q is invalid", port))
	}
	if cfg.Server.MaxSessions < 0 {
		errs = append(errs, fmt.Errorf("server.max_sessions %d must not be negative", cfg.Server.MaxSessions))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Upstream
	if u, err := url.Parse(cfg.Upstream.BaseURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		errs = append(errs, fmt.Errorf("upstream.base_url %q must be a ws:// or wss:// URL", cfg.Upstream.BaseURL))
	}
	if cfg.Upstream.Model == "" {
		errs = append(errs, errors.New("upstream.model is required"))
	}
	if cfg.Upstream.APIKey == "" {
		slog.Warn("upstream.api_key is empty; set OPENAI_API_KEY or every relay session will be rejected upstream")
	}

	// Session
	s := cfg.Session
	if s.Voice == "" {
		errs = append(errs, errors.New("session.voice is required"))
	}
	if len(s.Modalities) == 0 {
		errs = append(errs, errors.New("session.modalities is required"))
	}
	for i, m := range s.Modalities {
		if !slices.Contains(validModalities, m) {
			errs = append(errs, fmt.Errorf("session.modalities[%d] %q is invalid; valid values: text, audio", i, m))
		}
	}
	if len(s.Modalities) > 0 && !slices.Contains(s.Modalities, "audio") {
		errs = append(errs, errors.New("session.modalities must include audio"))
	}
	if s.InputAudioFormat != "pcm16" {
		errs = append(errs, fmt.Errorf("session.input_audio_format %q is unsupported; only pcm16", s.InputAudioFormat))
	}
	if s.OutputAudioFormat != "pcm16" {
		errs = append(errs, fmt.Errorf("session.output_audio_format %q is unsupported; only pcm16", s.OutputAudioFormat))
	}
	td := s.TurnDetection
	if !slices.Contains(validVADTypes, td.Type) {
		errs = append(errs, fmt.Errorf("session.turn_detection.type %q is invalid; valid values: server_vad, none", td.Type))
	}
	if td.Threshold < 0 || td.Threshold > 1 {
		errs = append(errs, fmt.Errorf("session.turn_detection.threshold %.2f is out of range [0, 1]", td.Threshold))
	}
	if td.PrefixPadding < 0 || td.SilenceDuration < 0 {
		errs = append(errs, errors.New("session.turn_detection durations must not be negative"))
	}

	// Relay
	if cfg.Relay.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("relay.queue_size %d must be positive", cfg.Relay.QueueSize))
	}
	if cfg.Relay.DialTimeout <= 0 {
		errs = append(errs, fmt.Errorf("relay.dial_timeout %s must be positive", cfg.Relay.DialTimeout))
	}
	if cfg.Relay.WriteTimeout <= 0 {
		errs = append(errs, fmt.Errorf("relay.write_timeout %s must be positive", cfg.Relay.WriteTimeout))
	}
	if cfg.Relay.ReadLimit <= 0 {
		errs = append(errs, fmt.Errorf("relay.read_limit %d must be positive", cfg.Relay.ReadLimit))
	}
	if cfg.Relay.BreakerFailures < 0 {
		errs = append(errs, fmt.Errorf("relay.breaker_failures %d must not be negative", cfg.Relay.BreakerFailures))
	}
	if cfg.Relay.BreakerFailures > 0 && cfg.Relay.BreakerCooldown <= 0 {
		errs = append(errs, fmt.Errorf("relay.breaker_cooldown %s must be positive", cfg.Relay.BreakerCooldown))
	}

	return errors.Join(errs...)
}
