// Package conversation is the client side of a parley call: it connects
// the microphone capture pipeline and the playback scheduler to a relay
// WebSocket and derives whose turn it is from the event stream.
//
// A [Client] is reusable: Start begins a call, End tears it down, and a new
// call may be started afterwards. Ending a call, whether by the user, an
// error, or the relay closing, stops capture, closes the socket, clears
// every queued and scheduled playback frame, and resets both state
// machines before the call is considered over.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/parley/internal/turn"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/capture"
	"github.com/MrWong99/parley/pkg/audio/playback"
	"github.com/MrWong99/parley/pkg/realtime"
)

var (
	// ErrMicrophoneUnavailable is returned by Start when the microphone
	// cannot be opened, including when the OS denies access.
	ErrMicrophoneUnavailable = errors.New("conversation: microphone unavailable")

	// ErrAlreadyActive is returned by Start while a call is in progress.
	ErrAlreadyActive = errors.New("conversation: already active")

	// ErrNotConnected is returned by operations that need an open call.
	ErrNotConnected = errors.New("conversation: not connected")
)

// ConnectionState governs whether capture and transport are active.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
)

// String returns the state name.
func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("ConnectionState(%d)", int(s))
	}
}

// Conn is the client's view of the relay socket.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// DialFunc opens the relay socket.
type DialFunc func(ctx context.Context, url string) (Conn, error)

// clientReadLimit fits a second of 24 kHz PCM16 audio, base64-encoded.
const clientReadLimit = 1 << 20

// DialWebSocket is the default [DialFunc].
func DialWebSocket(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(clientReadLimit)
	return conn, nil
}

// Config configures a [Client].
type Config struct {
	// RelayURL is the relay's WebSocket endpoint, e.g. ws://localhost:8000/ws.
	RelayURL string

	// Microphone feeds the capture pipeline.
	Microphone capture.Source

	// Speaker is the playback device clock, usually a [playback.Timeline]
	// pulled by a real speaker.
	Speaker playback.Device

	// Capture and Playback are passed to the per-call pipeline and to the
	// scheduler.
	Capture  []capture.Option
	Playback []playback.Option

	// Modalities are requested by RequestResponse. Default text and audio.
	Modalities []string

	// Dial opens the relay socket. Default [DialWebSocket].
	Dial DialFunc

	Logger *slog.Logger

	// OnConnectionChange is called on every ConnectionState change.
	OnConnectionChange func(ConnectionState)

	// OnTurnChange is called on every conversation state change.
	OnTurnChange func(from, to turn.State)

	// OnError receives error events reported by the relay or the model
	// and unexpected transport failures. It must not block.
	OnError func(error)
}

// call is the state of one active call.
type call struct {
	gen      uint64
	conn     Conn
	capture  *capture.Pipeline
	cancel   context.CancelFunc
	loopDone chan struct{}
}

// Client runs calls against a relay. It is safe for concurrent use.
type Client struct {
	cfg     Config
	log     *slog.Logger
	sched   *playback.Scheduler
	tracker *turn.Tracker

	// op serialises Start and teardown.
	op sync.Mutex

	mu    sync.Mutex
	state ConnectionState
	cur   *call
	gen   uint64
}

// New validates cfg and returns a disconnected client.
func New(cfg Config) (*Client, error) {
	var errs []error
	if cfg.RelayURL == "" {
		errs = append(errs, errors.New("relay URL is required"))
	}
	if cfg.Microphone == nil {
		errs = append(errs, errors.New("microphone is required"))
	}
	if cfg.Speaker == nil {
		errs = append(errs, errors.New("speaker is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("conversation: %w", err)
	}
	if len(cfg.Modalities) == 0 {
		cfg.Modalities = []string{"text", "audio"}
	}
	if cfg.Dial == nil {
		cfg.Dial = DialWebSocket
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	c := &Client{
		cfg:     cfg,
		log:     cfg.Logger,
		sched:   playback.NewScheduler(cfg.Speaker, cfg.Playback...),
		tracker: turn.NewTracker(),
	}
	c.sched.OnSpeaking(func() { c.tracker.Apply(turn.PlaybackStarted) })
	c.sched.OnDrained(func() { c.tracker.Apply(turn.PlaybackDrained) })
	if cfg.OnTurnChange != nil {
		c.tracker.Subscribe(cfg.OnTurnChange)
	}
	return c, nil
}

// ConnectionState returns the transport state.
func (c *Client) ConnectionState() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ConversationState returns whose turn it is.
func (c *Client) ConversationState() turn.State { return c.tracker.State() }

// Scheduler returns the playback scheduler.
func (c *Client) Scheduler() *playback.Scheduler { return c.sched }

// CaptureStats returns the capture counters of the active call.
func (c *Client) CaptureStats() (capture.Stats, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur == nil {
		return capture.Stats{}, false
	}
	return c.cur.capture.Stats(), true
}

func (c *Client) setState(s ConnectionState) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()
	if changed {
		c.log.Debug("connection state", "state", s)
		if c.cfg.OnConnectionChange != nil {
			c.cfg.OnConnectionChange(s)
		}
	}
}

// Start opens the microphone, connects to the relay, and starts streaming.
// The microphone is opened first so a denied permission fails fast with
// [ErrMicrophoneUnavailable] and the client stays disconnected.
func (c *Client) Start(ctx context.Context) error {
	c.op.Lock()
	defer c.op.Unlock()

	c.mu.Lock()
	if c.cur != nil {
		c.mu.Unlock()
		return ErrAlreadyActive
	}
	c.gen++
	cl := &call{gen: c.gen, loopDone: make(chan struct{})}
	c.mu.Unlock()

	cl.capture = capture.New(capture.SenderFunc(func(ctx context.Context, pcm []byte) error {
		if cl.conn == nil {
			return capture.ErrNotOpen
		}
		return cl.conn.Write(ctx, websocket.MessageText, realtime.NewAppendAudio(pcm))
	}), append([]capture.Option{capture.WithLogger(c.log)}, c.cfg.Capture...)...)

	if err := c.cfg.Microphone.Open(cl.capture.Push); err != nil {
		cl.capture.Stop()
		return fmt.Errorf("%w: %w", ErrMicrophoneUnavailable, err)
	}

	c.setState(Connecting)
	conn, err := c.cfg.Dial(ctx, c.cfg.RelayURL)
	if err != nil {
		cl.capture.Stop()
		_ = c.cfg.Microphone.Close()
		c.setState(Disconnected)
		return fmt.Errorf("conversation: connect %s: %w", c.cfg.RelayURL, err)
	}
	cl.conn = conn

	callCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	cl.cancel = cancel

	c.mu.Lock()
	c.cur = cl
	c.mu.Unlock()
	c.setState(Connected)

	go c.readLoop(callCtx, cl)
	if err := cl.capture.Start(callCtx); err != nil {
		c.teardownLocked()
		return fmt.Errorf("conversation: start capture: %w", err)
	}

	c.log.Info("conversation started", "relay", c.cfg.RelayURL)
	return nil
}

// End tears the active call down and returns once nothing of it remains:
// capture stopped, socket closed, playback cleared, and both state machines
// back at their initial values. It is a no-op when no call is active.
func (c *Client) End() {
	c.op.Lock()
	defer c.op.Unlock()
	c.teardownLocked()
}

// endCall ends gen's call unless it already ended.
func (c *Client) endCall(gen uint64) {
	c.op.Lock()
	defer c.op.Unlock()
	c.mu.Lock()
	current := c.cur != nil && c.cur.gen == gen
	c.mu.Unlock()
	if current {
		c.teardownLocked()
	}
}

func (c *Client) teardownLocked() {
	c.mu.Lock()
	cl := c.cur
	c.cur = nil
	c.mu.Unlock()
	if cl == nil {
		return
	}

	cl.capture.Stop()
	if err := c.cfg.Microphone.Close(); err != nil {
		c.log.Warn("microphone close failed", "err", err)
	}
	_ = cl.conn.Close(websocket.StatusNormalClosure, "conversation ended")
	cl.cancel()
	<-cl.loopDone

	c.sched.Reset()
	c.tracker.Reset()
	c.setState(Disconnected)
	c.log.Info("conversation ended")
}

// RequestResponse asks the remote party to respond now.
func (c *Client) RequestResponse(ctx context.Context) error {
	c.mu.Lock()
	cl := c.cur
	c.mu.Unlock()
	if cl == nil {
		return ErrNotConnected
	}
	if err := cl.conn.Write(ctx, websocket.MessageText, realtime.NewResponseCreate(c.cfg.Modalities...)); err != nil {
		return fmt.Errorf("conversation: request response: %w", err)
	}
	return nil
}

func (c *Client) readLoop(ctx context.Context, cl *call) {
	defer close(cl.loopDone)
	for {
		_, data, err := cl.conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.mu.Lock()
			ending := c.cur != cl
			c.mu.Unlock()
			if !ending {
				if code := websocket.CloseStatus(err); code != websocket.StatusNormalClosure && code != websocket.StatusGoingAway {
					c.reportError(fmt.Errorf("conversation: connection lost: %w", err))
				}
				c.log.Info("relay closed the connection", "err", err)
				// Teardown waits for this loop, so it cannot run here.
				go c.endCall(cl.gen)
			}
			return
		}
		c.handle(realtime.Parse(data))
	}
}

func (c *Client) handle(ev realtime.Event) {
	switch ev.Kind {
	case realtime.KindSpeechStarted:
		if c.sched.Speaking() || c.sched.QueueLen() > 0 {
			c.log.Debug("barge-in: discarding playback", "queued", c.sched.QueueLen())
			c.sched.Interrupt()
		}
	case realtime.KindAudioDelta:
		pcm, err := ev.Audio()
		if err != nil {
			c.log.Debug("undecodable audio delta", "err", err)
			return
		}
		c.sched.Enqueue(audio.NewFrame(pcm))
	case realtime.KindError:
		c.reportError(fmt.Errorf("conversation: remote error: %s", ev.ErrorMessage()))
	case realtime.KindMalformed:
		c.log.Debug("malformed event ignored")
	}
	c.tracker.ApplyEvent(ev.Kind)
}

func (c *Client) reportError(err error) {
	c.log.Warn("conversation error", "err", err)
	if c.cfg.OnError != nil {
		c.cfg.OnError(err)
	}
}
