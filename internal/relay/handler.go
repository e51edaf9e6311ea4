package relay

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/pkg/realtime"
)

// HandlerConfig configures a [Handler].
type HandlerConfig struct {
	// AllowedOrigins lists browser origin host patterns accepted at upgrade
	// (e.g. "localhost:5173", "*.vercel.app"). Requests without an Origin
	// header and same-host requests are always accepted.
	AllowedOrigins []string

	// MaxSessions caps concurrent sessions. Zero means unlimited.
	MaxSessions int

	// ReadLimit caps the size of a single client message.
	ReadLimit int64

	// Session is the template every new session is created with.
	Session Config
}

// HandlerOption configures a [Handler].
type HandlerOption func(*Handler)

// WithSessionSource makes every new session read its configuration event
// from fn instead of the static template, so reloaded settings apply to
// the next conversation.
func WithSessionSource(fn func() realtime.SessionConfig) HandlerOption {
	return func(h *Handler) { h.source = fn }
}

// WithHandlerMetrics sets the metrics instruments shared by all sessions.
func WithHandlerMetrics(m *observe.Metrics) HandlerOption {
	return func(h *Handler) { h.metrics = m }
}

// WithHandlerLogger sets the base logger; sessions add their session_id.
func WithHandlerLogger(l *slog.Logger) HandlerOption {
	return func(h *Handler) { h.log = l }
}

// Handler upgrades client requests to WebSocket and runs one [Session] per
// connection.
type Handler struct {
	cfg     HandlerConfig
	dialer  Dialer
	source  func() realtime.SessionConfig
	metrics *observe.Metrics
	log     *slog.Logger

	active atomic.Int64

	// mu orders wg.Add against Shutdown.
	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup

	base   context.Context
	cancel context.CancelFunc
}

var _ http.Handler = (*Handler)(nil)

// NewHandler creates a handler dialing upstream through dialer.
func NewHandler(cfg HandlerConfig, dialer Dialer, opts ...HandlerOption) *Handler {
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = defaultReadLimit
	}
	h := &Handler{
		cfg:    cfg,
		dialer: dialer,
	}
	for _, o := range opts {
		o(h)
	}
	if h.metrics == nil {
		h.metrics = observe.DefaultMetrics()
	}
	if h.log == nil {
		h.log = slog.Default()
	}
	h.base, h.cancel = context.WithCancel(context.Background())
	return h
}

// Active returns the number of running sessions.
func (h *Handler) Active() int { return int(h.active.Load()) }

// Available reports whether another session would be admitted.
func (h *Handler) Available() bool {
	return h.cfg.MaxSessions <= 0 || h.active.Load() < int64(h.cfg.MaxSessions)
}

// enter registers a request with wg unless Shutdown has begun.
func (h *Handler) enter() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return false
	}
	h.wg.Add(1)
	return true
}

func (h *Handler) acquire() bool {
	for {
		n := h.active.Load()
		if h.cfg.MaxSessions > 0 && n >= int64(h.cfg.MaxSessions) {
			return false
		}
		if h.active.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// ServeHTTP accepts the upgrade and blocks until the session is closed.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.enter() {
		http.Error(w, "relay shutting down", http.StatusServiceUnavailable)
		return
	}
	defer h.wg.Done()
	if !h.acquire() {
		h.metrics.RecordRelayFailure(ctx, "capacity")
		h.log.Warn("session rejected: at capacity", "max_sessions", h.cfg.MaxSessions, "remote", r.RemoteAddr)
		http.Error(w, "session limit reached", http.StatusServiceUnavailable)
		return
	}
	defer h.active.Add(-1)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.cfg.AllowedOrigins,
	})
	if err != nil {
		// Accept has already written the HTTP error response.
		h.metrics.RecordRelayFailure(ctx, "accept")
		h.log.Debug("websocket accept failed", "remote", r.RemoteAddr, "origin", r.Header.Get("Origin"), "err", err)
		return
	}
	conn.SetReadLimit(h.cfg.ReadLimit)

	cfg := h.cfg.Session
	if h.source != nil {
		cfg.Session = h.source()
	}
	id := uuid.NewString()
	sess := NewSession(id, conn, h.dialer, cfg,
		WithMetrics(h.metrics),
		WithLogger(h.log.With("session_id", id, "remote", r.RemoteAddr)),
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(h.base, cancel)
	defer stop()

	if err := sess.Run(ctx); err != nil {
		h.log.Info("relay session failed", "session_id", id, "err", err)
	}
}

// Shutdown stops admitting sessions, closes the running ones, and waits
// for them to finish or for ctx to expire.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	h.mu.Unlock()
	h.cancel()
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
