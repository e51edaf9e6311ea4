// Package relay brokers one client WebSocket and one speech-model WebSocket
// per conversation.
//
// A [Session] dials the upstream as soon as the client connects, sends the
// session.update configuration event exactly once, and then forwards every
// message verbatim in both directions until either side closes. Each
// direction has its own bounded write queue so a slow peer never stalls
// ingestion from the other one; overflowing messages are dropped and
// counted.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/pkg/realtime"
)

var (
	// ErrUpstreamUnavailable is returned by [Session.Run] when the upstream
	// connection cannot be established.
	ErrUpstreamUnavailable = errors.New("relay: upstream unavailable")

	// ErrSessionUsed is returned when Run is called on a session that has
	// already run. Sessions are never reused.
	ErrSessionUsed = errors.New("relay: session already used")
)

// State is the lifecycle state of a [Session].
type State int32

const (
	StateIdle State = iota
	StateUpstreamConnecting
	StateUpstreamReady
	StateForwarding
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateUpstreamConnecting:
		return "upstream_connecting"
	case StateUpstreamReady:
		return "upstream_ready"
	case StateForwarding:
		return "forwarding"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Conn is the subset of *websocket.Conn a session needs on either leg.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	CloseNow() error
}

var _ Conn = (*websocket.Conn)(nil)

// Dialer opens the upstream leg of a session.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// DialerFunc adapts a function to [Dialer].
type DialerFunc func(ctx context.Context) (Conn, error)

// Dial calls f(ctx).
func (f DialerFunc) Dial(ctx context.Context) (Conn, error) { return f(ctx) }

// Config holds the per-session settings.
type Config struct {
	// Session is sent upstream as session.update right after connect.
	Session realtime.SessionConfig

	// QueueSize bounds each direction's write queue. Messages arriving
	// from the client before the upstream is ready wait in the upstream
	// queue.
	QueueSize int

	// DialTimeout bounds the upstream connect.
	DialTimeout time.Duration

	// WriteTimeout bounds a single write on either leg.
	WriteTimeout time.Duration
}

// Option configures a [Session].
type Option func(*Session)

// WithMetrics sets the metrics instruments. The default is
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithLogger sets the session logger. The default is [slog.Default] with
// the session ID attached.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.log = l }
}

type message struct {
	typ   websocket.MessageType
	data  []byte
	label string
}

// Session pairs one downstream (client) connection with one upstream
// (speech model) connection. Create it with [NewSession] and call
// [Session.Run] exactly once.
type Session struct {
	id     string
	down   Conn
	dialer Dialer
	cfg    Config

	metrics *observe.Metrics
	log     *slog.Logger

	state atomic.Int32

	mu        sync.Mutex
	up        Conn
	closed    bool
	closeOnce sync.Once
}

// NewSession creates a session for an accepted downstream connection.
func NewSession(id string, downstream Conn, dialer Dialer, cfg Config, opts ...Option) *Session {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	s := &Session{
		id:     id,
		down:   downstream,
		dialer: dialer,
		cfg:    cfg,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.log == nil {
		s.log = slog.Default().With("session_id", id)
	}
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Run drives the session until either side closes or ctx is cancelled, and
// closes both connections before returning. A peer closing normally yields
// nil. An upstream that cannot be reached yields [ErrUpstreamUnavailable]
// after the client has been sent a relay_error event and closed with 1011.
func (s *Session) Run(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateIdle), int32(StateUpstreamConnecting)) {
		return ErrSessionUsed
	}
	defer s.state.Store(int32(StateClosed))

	ctx, span := observe.StartSpan(ctx, "relay.session",
		trace.WithAttributes(attribute.String("session.id", s.id)))
	defer span.End()
	ctx = observe.WithLogger(ctx, s.log)
	log := observe.Logger(ctx)

	start := time.Now()
	s.metrics.ActiveSessions.Add(ctx, 1)
	defer func() {
		s.metrics.ActiveSessions.Add(ctx, -1)
		s.metrics.SessionDuration.Record(ctx, time.Since(start).Seconds())
	}()
	log.Info("relay session started")

	// Reads are unblocked by closing the connection, not by cancellation:
	// a cancelled read context makes the library fail the connection with
	// a policy-violation close code instead of the one we choose.
	readCtx := context.WithoutCancel(ctx)

	g, gctx := errgroup.WithContext(ctx)
	toUp := make(chan message, s.cfg.QueueSize)
	toDown := make(chan message, s.cfg.QueueSize)

	// The client may start talking before the upstream is ready; those
	// messages queue behind the configuration event.
	g.Go(func() error {
		return s.readLoop(readCtx, s.down, toUp, observe.Upstream)
	})
	g.Go(func() error {
		<-gctx.Done()
		s.shutdown(websocket.StatusGoingAway, "relay shutting down", websocket.StatusGoingAway, "relay shutting down")
		return nil
	})

	up, err := s.dial(gctx)
	if err != nil {
		if gctx.Err() != nil {
			// The client left or the relay is shutting down.
			_ = g.Wait()
			log.Info("relay session ended before upstream connected")
			return nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "upstream dial failed")
		s.metrics.RecordRelayFailure(ctx, "dial")
		log.Warn("upstream dial failed", "err", err)
		s.failDownstream(readCtx, "upstream connection failed")
		_ = g.Wait()
		return fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}

	if !s.attachUpstream(up) {
		_ = g.Wait()
		log.Info("relay session ended before upstream connected")
		return nil
	}
	s.state.Store(int32(StateUpstreamReady))

	if err := s.sendConfig(gctx, up); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "session configuration failed")
		s.metrics.RecordRelayFailure(ctx, "config")
		log.Warn("session configuration failed", "err", err)
		s.shutdown(websocket.StatusInternalError, "session configuration failed", websocket.StatusInternalError, "session configuration failed")
		_ = g.Wait()
		return err
	}
	s.state.Store(int32(StateForwarding))
	log.Debug("forwarding")

	g.Go(func() error {
		return s.writeLoop(gctx, up, toUp, observe.Upstream)
	})
	g.Go(func() error {
		return s.readLoop(readCtx, up, toDown, observe.Downstream)
	})
	g.Go(func() error {
		return s.writeLoop(gctx, s.down, toDown, observe.Downstream)
	})

	err = g.Wait()
	log.Info("relay session ended", "duration", time.Since(start).Round(time.Millisecond), "reason", err)
	if isNormalClose(err) || ctx.Err() != nil {
		return nil
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func (s *Session) dial(ctx context.Context) (Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	defer cancel()

	start := time.Now()
	up, err := s.dialer.Dial(ctx)
	status := "ok"
	if err != nil {
		status = "error"
	}
	s.metrics.DialDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(observe.Attr("status", status)))
	return up, err
}

func (s *Session) sendConfig(ctx context.Context, up Conn) error {
	data, err := realtime.NewSessionUpdate(s.cfg.Session)
	if err != nil {
		return fmt.Errorf("relay: session config: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()
	if err := up.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("relay: send session config: %w", err)
	}
	return nil
}

// failDownstream tells the client why the session is over and closes it
// with an internal-error status.
func (s *Session) failDownstream(ctx context.Context, msg string) {
	wctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()
	if err := s.down.Write(wctx, websocket.MessageText, realtime.NewRelayError(msg)); err != nil {
		s.log.Debug("relay error event not delivered", "err", err)
	}
	s.shutdown(websocket.StatusInternalError, msg, websocket.StatusInternalError, msg)
}

// readLoop reads from src and queues every message for the opposite leg.
// A read error ends the session: both legs are closed, mirroring the peer's
// close status when it sent one.
func (s *Session) readLoop(ctx context.Context, src Conn, q chan<- message, dir string) error {
	log := observe.Logger(ctx)
	for {
		typ, data, err := src.Read(ctx)
		if err != nil {
			s.closeAfterReadError(dir, err)
			return fmt.Errorf("relay: read %s: %w", source(dir), err)
		}

		m := message{typ: typ, data: data, label: "binary"}
		if typ == websocket.MessageText {
			ev := realtime.Peek(data)
			m.label = ev.Kind.String()
			if ev.Kind == realtime.KindUnknown && dir == observe.Downstream {
				m.label = ev.Type
			}
			if dir == observe.Downstream && ev.Kind == realtime.KindError {
				detail := ev.ErrorDetail()
				s.metrics.RecordUpstreamError(ctx, detail.Type)
				log.Warn("upstream error event", "type", detail.Type, "code", detail.Code, "message", detail.Message)
			}
		}

		select {
		case q <- m:
		default:
			s.metrics.RecordDropped(ctx, dir, "queue_full")
			log.Debug("message dropped", "direction", dir, "type", m.label)
		}
	}
}

// writeLoop drains q into dst in order.
func (s *Session) writeLoop(ctx context.Context, dst Conn, q <-chan message, dir string) error {
	log := observe.Logger(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case m := <-q:
			wctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
			err := dst.Write(wctx, m.typ, m.data)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.shutdown(websocket.StatusInternalError, "relay write failed", websocket.StatusInternalError, "relay write failed")
				return fmt.Errorf("relay: write %s: %w", dir, err)
			}
			s.metrics.RecordForwarded(ctx, dir, m.label)
			log.Debug("forwarded", "direction", dir, "type", m.label, "bytes", len(m.data))
		}
	}
}

// closeAfterReadError closes both legs after the leg feeding dir failed.
func (s *Session) closeAfterReadError(dir string, err error) {
	code := websocket.CloseStatus(err)
	if dir == observe.Upstream {
		// The client went away.
		s.shutdown(mirror(code, websocket.StatusNormalClosure), "client disconnected",
			websocket.StatusNormalClosure, "client disconnected")
		return
	}
	s.shutdown(websocket.StatusNormalClosure, "upstream closed",
		mirror(code, websocket.StatusInternalError), "upstream closed")
}

// attachUpstream records up so shutdown closes it. It reports false, and
// closes up, when the session is already shutting down.
func (s *Session) attachUpstream(up Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		_ = up.CloseNow()
		return false
	}
	s.up = up
	return true
}

// shutdown closes both legs once, concurrently, and waits for both close
// handshakes to finish.
func (s *Session) shutdown(upCode websocket.StatusCode, upReason string, downCode websocket.StatusCode, downReason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		up := s.up
		s.mu.Unlock()

		var wg sync.WaitGroup
		if up != nil {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = up.Close(upCode, upReason)
			}()
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.down.Close(downCode, downReason)
		}()
		wg.Wait()
	})
}

// mirror returns code when it can be sent in a close frame, fallback
// otherwise.
func mirror(code, fallback websocket.StatusCode) websocket.StatusCode {
	switch code {
	case -1, websocket.StatusNoStatusRcvd, websocket.StatusAbnormalClosure, websocket.StatusTLSHandshake:
		return fallback
	}
	return code
}

func isNormalClose(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return true
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return false
}

// source names the leg a direction's messages are read from.
func source(dir string) string {
	if dir == observe.Upstream {
		return "downstream"
	}
	return "upstream"
}
