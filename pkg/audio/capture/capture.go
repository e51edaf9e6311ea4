// Package capture turns a live microphone stream into transport-ready PCM16
// windows without ever blocking the audio device's callback thread.
//
// The device pushes float samples through [Pipeline.Push] at its own cadence.
// The pipeline cuts them into fixed-size windows, encodes each window as
// little-endian PCM16, and parks it in a small bounded buffer. A separate
// goroutine drains the buffer into a [Sender]. When the sender falls behind,
// the buffer overflows according to the configured [Policy]; Push itself
// never waits.
package capture

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/parley/pkg/audio"
)

// Sentinel errors.
var (
	// ErrNotOpen is returned by a Sender whose transport is not open. The
	// window is dropped without logging.
	ErrNotOpen = errors.New("capture: transport not open")

	// ErrStopped is returned by Start after Stop.
	ErrStopped = errors.New("capture: pipeline stopped")
)

// Defaults.
const (
	DefaultWindow = 4096
	DefaultBuffer = 8
)

// Sender hands one encoded window to the transport.
type Sender interface {
	Send(ctx context.Context, pcm []byte) error
}

// SenderFunc adapts a function to [Sender].
type SenderFunc func(ctx context.Context, pcm []byte) error

// Send calls f.
func (f SenderFunc) Send(ctx context.Context, pcm []byte) error { return f(ctx, pcm) }

// Source is a live microphone. Open starts delivering sample blocks to push
// from the device's own thread until Close.
type Source interface {
	Open(push func(samples []float32)) error
	Close() error
}

// Policy decides which window is lost when the send buffer is full.
type Policy int

const (
	// DropOldest evicts the oldest buffered window to make room.
	DropOldest Policy = iota

	// DropNewest discards the incoming window.
	DropNewest
)

func (p Policy) String() string {
	if p == DropNewest {
		return "drop-newest"
	}
	return "drop-oldest"
}

// ParsePolicy accepts "drop-oldest" and "drop-newest".
func ParsePolicy(s string) (Policy, bool) {
	switch s {
	case "drop-oldest", "":
		return DropOldest, true
	case "drop-newest":
		return DropNewest, true
	default:
		return DropOldest, false
	}
}

// Stats are cumulative pipeline counters.
type Stats struct {
	Windows int64 // windows produced from pushed samples
	Sent    int64 // windows accepted by the sender
	Dropped int64 // windows lost to buffer overflow
	Failed  int64 // windows the sender rejected
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithWindow sets the window size in 24 kHz mono samples.
func WithWindow(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.window = n
		}
	}
}

// WithBuffer sets how many encoded windows may wait for the sender.
func WithBuffer(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.capacity = n
		}
	}
}

// WithPolicy sets the overflow policy.
func WithPolicy(pol Policy) Option {
	return func(p *Pipeline) { p.policy = pol }
}

// WithSourceFormat declares the format pushed by the device when it cannot
// open 24 kHz mono. Samples are downmixed and resampled before windowing.
func WithSourceFormat(sampleRate, channels int) Option {
	return func(p *Pipeline) {
		if sampleRate > 0 {
			p.srcRate = sampleRate
		}
		if channels > 0 {
			p.channels = channels
		}
	}
}

// WithLogger sets the logger for send failures.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.log = l }
}

// Pipeline is the capture path. Push may be called from any goroutine,
// including a real-time audio callback.
type Pipeline struct {
	sender   Sender
	window   int
	capacity int
	policy   Policy
	srcRate  int
	channels int
	log      *slog.Logger

	mu      sync.Mutex
	rs      *audio.Resampler
	pending []float32
	queue   [][]byte
	stopped bool
	started bool

	ready  chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup

	windows, sent, dropped, failed atomic.Int64
}

// New returns a pipeline feeding sender.
func New(sender Sender, opts ...Option) *Pipeline {
	p := &Pipeline{
		sender:   sender,
		window:   DefaultWindow,
		capacity: DefaultBuffer,
		srcRate:  audio.SampleRate,
		channels: 1,
		log:      slog.Default(),
		ready:    make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(p)
	}
	p.rs = audio.NewResampler(p.srcRate, audio.SampleRate)
	p.pending = make([]float32, 0, p.window)
	return p
}

// Push appends device samples. It never blocks on the transport. Samples
// pushed after Stop are ignored.
func (p *Pipeline) Push(samples []float32) {
	if len(samples) == 0 {
		return
	}
	samples = audio.Downmix(samples, p.channels)

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	samples = p.rs.Process(samples)
	produced := false
	for len(samples) > 0 {
		n := min(p.window-len(p.pending), len(samples))
		p.pending = append(p.pending, samples[:n]...)
		samples = samples[n:]
		if len(p.pending) == p.window {
			p.enqueueLocked(audio.FloatToBytes(p.pending))
			p.pending = p.pending[:0]
			produced = true
		}
	}
	p.mu.Unlock()

	if produced {
		select {
		case p.ready <- struct{}{}:
		default:
		}
	}
}

func (p *Pipeline) enqueueLocked(buf []byte) {
	p.windows.Add(1)
	if len(p.queue) < p.capacity {
		p.queue = append(p.queue, buf)
		return
	}
	p.dropped.Add(1)
	if p.policy == DropNewest {
		return
	}
	copy(p.queue, p.queue[1:])
	p.queue[len(p.queue)-1] = buf
}

func (p *Pipeline) pop() ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return nil, false
	}
	buf := p.queue[0]
	p.queue[0] = nil
	p.queue = p.queue[1:]
	return buf, true
}

// Start launches the send loop. It runs until ctx is cancelled or Stop is
// called. Windows buffered before Start are sent first.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrStopped
	}
	if p.started {
		return nil
	}
	p.started = true

	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go p.loop(ctx)
	if len(p.queue) > 0 {
		select {
		case p.ready <- struct{}{}:
		default:
		}
	}
	return nil
}

func (p *Pipeline) loop(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.ready:
		}
		for ctx.Err() == nil {
			buf, ok := p.pop()
			if !ok {
				break
			}
			p.send(ctx, buf)
		}
	}
}

func (p *Pipeline) send(ctx context.Context, buf []byte) {
	err := p.sender.Send(ctx, buf)
	switch {
	case err == nil:
		p.sent.Add(1)
	case errors.Is(err, ErrNotOpen), ctx.Err() != nil:
		p.failed.Add(1)
	default:
		p.failed.Add(1)
		p.log.Debug("capture: send failed, window dropped", "err", err)
	}
}

// Stop halts the send loop, discards buffered windows and partial input,
// and waits for an in-flight Send to return. It is idempotent.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.queue = nil
	p.pending = p.pending[:0]
	p.rs.Reset()
	cancel := p.cancel
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
}

// Buffered returns the number of windows waiting for the sender.
func (p *Pipeline) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Stats returns a snapshot of the counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Windows: p.windows.Load(),
		Sent:    p.sent.Load(),
		Dropped: p.dropped.Load(),
		Failed:  p.failed.Load(),
	}
}
