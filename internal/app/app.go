// Package app wires all parley relay subsystems into a running application.
//
// The App struct owns the full lifecycle: New builds the upstream dialer,
// relay handler, health probes and metrics endpoint from the config, Run
// serves them over HTTP, and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithDialer,
// WithMetrics, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/health"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/relay"
	"github.com/MrWong99/parley/internal/resilience"
	"github.com/MrWong99/parley/pkg/realtime"
)

// ServiceName is reported by the status endpoints and in telemetry.
const ServiceName = "parley-relay"

const readHeaderTimeout = 10 * time.Second

// App owns all subsystem lifetimes of the relay server.
type App struct {
	cfg     *config.Config
	version string
	log     *slog.Logger
	level   *slog.LevelVar
	metrics *observe.Metrics
	dialer  relay.Dialer
	breaker *resilience.Breaker

	// watchPath enables hot reload when non-empty.
	watchPath string
	watchOpts []config.WatcherOption
	watcher   *config.Watcher
	session   atomic.Pointer[realtime.SessionConfig]
	handler   *relay.Handler
	mux       *http.ServeMux
	server    *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithDialer replaces the upstream dialer built from cfg.Upstream.
func WithDialer(d relay.Dialer) Option {
	return func(a *App) { a.dialer = d }
}

// WithMetrics sets the metrics instruments instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogger sets the logger. When level is non-nil, reloaded config files
// adjust it.
func WithLogger(l *slog.Logger, level *slog.LevelVar) Option {
	return func(a *App) {
		a.log = l
		a.level = level
	}
}

// WithVersion sets the version reported by the status endpoints.
func WithVersion(v string) Option {
	return func(a *App) { a.version = v }
}

// WithConfigWatch polls path and applies session and log-level changes to
// the running relay. Other changes are logged as requiring a restart.
func WithConfigWatch(path string, opts ...config.WatcherOption) Option {
	return func(a *App) {
		a.watchPath = path
		a.watchOpts = opts
	}
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. It does not open
// any socket; call [App.Run] to start serving.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.dialer == nil {
		a.dialer = newUpstream(cfg)
	}
	checkers := []health.Checker{health.CredentialChecker(cfg.Upstream.APIKey)}
	if cfg.Relay.BreakerFailures > 0 {
		a.breaker = resilience.New(resilience.Config{
			Name:        "upstream",
			MaxFailures: cfg.Relay.BreakerFailures,
			Cooldown:    cfg.Relay.BreakerCooldown,
			Logger:      a.log,
		})
		a.dialer = relay.Guard(a.dialer, a.breaker)
		checkers = append(checkers, breakerChecker(a.breaker))
	}

	sc := cfg.Session.Realtime()
	a.session.Store(&sc)

	// ── 1. Relay handler ─────────────────────────────────────────────────
	a.handler = relay.NewHandler(relay.HandlerConfig{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		MaxSessions:    cfg.Server.MaxSessions,
		ReadLimit:      cfg.Relay.ReadLimit,
		Session: relay.Config{
			Session:      sc,
			QueueSize:    cfg.Relay.QueueSize,
			DialTimeout:  cfg.Relay.DialTimeout,
			WriteTimeout: cfg.Relay.WriteTimeout,
		},
	}, a.dialer,
		relay.WithSessionSource(a.SessionConfig),
		relay.WithHandlerMetrics(a.metrics),
		relay.WithHandlerLogger(a.log),
	)

	// ── 2. Routes ────────────────────────────────────────────────────────
	a.mux = http.NewServeMux()
	a.mux.Handle("/ws", observe.Middleware(a.metrics)(a.handler))
	checkers = append(checkers, health.CapacityChecker(a.handler.Available))
	health.New(health.Service{Name: ServiceName, Version: a.version}, checkers...).Register(a.mux)
	a.mux.Handle("GET /metrics", promhttp.Handler())

	// ── 3. Config watcher ────────────────────────────────────────────────
	if a.watchPath != "" {
		wopts := append([]config.WatcherOption{config.WithWatchLogger(a.log)}, a.watchOpts...)
		w, err := config.NewWatcher(a.watchPath, a.applyConfig, wopts...)
		if err != nil {
			return nil, fmt.Errorf("app: watch config: %w", err)
		}
		a.watcher = w
		a.closers = append(a.closers, func() error {
			w.Stop()
			return nil
		})
	}

	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.mux,
		ReadHeaderTimeout: readHeaderTimeout,
		ErrorLog:          slog.NewLogLogger(a.log.Handler(), slog.LevelWarn),
	}
	return a, nil
}

func newUpstream(cfg *config.Config) *relay.Upstream {
	return relay.NewUpstream(cfg.Upstream.APIKey,
		relay.WithBaseURL(cfg.Upstream.BaseURL),
		relay.WithModel(cfg.Upstream.Model),
		relay.WithBetaHeader(cfg.Upstream.BetaHeader),
		relay.WithReadLimit(cfg.Relay.ReadLimit),
	)
}

// Handler returns the root HTTP handler with every route registered.
func (a *App) Handler() http.Handler { return a.mux }

// Relay returns the WebSocket relay handler.
func (a *App) Relay() *relay.Handler { return a.handler }

// SessionConfig returns the configuration event new sessions send upstream.
func (a *App) SessionConfig() realtime.SessionConfig { return *a.session.Load() }

// ─── Reload ──────────────────────────────────────────────────────────────────

// applyConfig is the watcher callback. Session settings apply to the next
// relay session; running sessions keep the configuration they started with.
func (a *App) applyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.Empty() {
		return
	}
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Slog())
		a.log.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.SessionChanged() {
		sc := new.Session.Realtime()
		a.session.Store(&sc)
		a.log.Info("session config reloaded", "fields", d.SessionFields)
	}
	if len(d.RestartRequired) > 0 {
		a.log.Warn("config changes require a restart", "fields", d.RestartRequired)
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run listens on the configured address and serves until ctx is cancelled
// or the server fails. Cancelling ctx does not close running sessions; call
// [App.Shutdown] for that.
func (a *App) Run(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", a.cfg.Server.ListenAddr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener. Serve takes ownership of ln.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	tlsCfg := a.cfg.Server.TLS
	a.log.Info("relay listening",
		"addr", ln.Addr().String(),
		"tls", tlsCfg != nil,
		"model", a.cfg.Upstream.Model,
		"max_sessions", a.cfg.Server.MaxSessions,
	)

	errCh := make(chan error, 1)
	go func() {
		if tlsCfg != nil {
			errCh <- a.server.ServeTLS(ln, tlsCfg.CertFile, tlsCfg.KeyFile)
			return
		}
		errCh <- a.server.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown closes every relay session with a going-away status, stops the
// HTTP server, and runs the remaining closers. It respects the context
// deadline: if ctx expires, sessions still running are abandoned and the
// context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "active_sessions", a.handler.Active())

		// Sessions first: hijacked WebSocket connections are invisible to
		// http.Server.Shutdown.
		if err := a.handler.Shutdown(ctx); err != nil {
			a.log.Warn("relay sessions did not finish", "remaining", a.handler.Active(), "err", err)
			errs = append(errs, err)
		}
		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("app: http shutdown: %w", err))
		}

		for i, closer := range a.closers {
			if err := closer(); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}

		a.log.Info("shutdown complete")
	})
	return errors.Join(errs...)
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// breakerChecker fails while upstream dials are being short-circuited.
func breakerChecker(b *resilience.Breaker) health.Checker {
	return health.Checker{
		Name: "upstream_circuit",
		Check: func(context.Context) error {
			if b.State() == resilience.Open {
				return errors.New("upstream circuit open")
			}
			return nil
		},
	}
}
