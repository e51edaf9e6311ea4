// Package playback plays an asynchronously arriving stream of PCM16 frames
// back to back, with no audible gaps or clicks.
//
// A [Scheduler] never relies on wall-clock timers to decide when a frame
// starts. It keeps a play cursor in the [Device] clock domain and places every
// frame at max(device time, cursor), then advances the cursor by the frame
// duration minus a small overlap. Short linear fades at each frame edge keep
// the overlap inaudible.
//
// [Timeline] is the reference Device: a sample-accurate mixing clock exposed
// as an io.Reader that a speaker backend pulls from.
package playback

import (
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
)

// Device is the shared playback device clock. Only one Scheduler may drive a
// Device.
type Device interface {
	// Now returns the current device time in seconds. It is monotonic.
	Now() float64

	// Schedule queues samples (24 kHz mono float) to begin exactly at start.
	Schedule(start float64, samples []float32)

	// Clear stops every scheduled frame that has not finished playing.
	Clear()
}

// Defaults.
const (
	DefaultFade    = 4 * time.Millisecond
	DefaultOverlap = time.Millisecond
	DefaultGrace   = 50 * time.Millisecond

	// minWake keeps a stalled device clock from spinning the timer.
	minWake = 5 * time.Millisecond
)

// Timer is the subset of [time.Timer] the scheduler needs.
type Timer interface {
	Stop() bool
}

// AfterFunc has the semantics of [time.AfterFunc].
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithFade sets the fade-in/fade-out length applied to each frame.
func WithFade(d time.Duration) Option {
	return func(s *Scheduler) { s.fade = d }
}

// WithOverlap sets how much consecutive frames overlap.
func WithOverlap(d time.Duration) Option {
	return func(s *Scheduler) { s.overlap = d.Seconds() }
}

// WithLookahead caps how far ahead of the device clock frames are handed to
// the device. Zero hands every frame over as soon as it arrives. A bounded
// lookahead keeps a backlog in the queue where Interrupt can discard it
// without touching the device.
func WithLookahead(d time.Duration) Option {
	return func(s *Scheduler) { s.lookahead = d.Seconds() }
}

// WithGrace sets the delay of the deferred completion re-check.
func WithGrace(d time.Duration) Option {
	return func(s *Scheduler) { s.grace = d }
}

// WithAfterFunc replaces the timer source. Used by tests.
func WithAfterFunc(fn AfterFunc) Option {
	return func(s *Scheduler) { s.afterFunc = fn }
}

// Scheduler owns the playback queue and the play cursor. It is safe for
// concurrent use. Callbacks run outside the internal lock, serialised in the
// order the transitions happened, and must not call back into the Scheduler.
type Scheduler struct {
	dev       Device
	fade      time.Duration
	overlap   float64
	lookahead float64
	grace     time.Duration
	afterFunc AfterFunc

	// notify is held across a transition and its callback so OnSpeaking and
	// OnDrained are observed in order.
	notify sync.Mutex

	mu         sync.Mutex
	queue      []audio.AudioFrame
	cursor     float64
	speaking   bool
	gen        uint64
	timer      Timer
	onSpeaking func()
	onDrained  func()
	scheduled  int64
}

// NewScheduler returns a Scheduler driving dev.
func NewScheduler(dev Device, opts ...Option) *Scheduler {
	s := &Scheduler{
		dev:       dev,
		fade:      DefaultFade,
		overlap:   DefaultOverlap.Seconds(),
		grace:     DefaultGrace,
		afterFunc: realAfterFunc,
	}
	for _, o := range opts {
		o(s)
	}
	s.cursor = dev.Now()
	return s
}

// OnSpeaking registers fn to run when the first frame of a burst is
// scheduled.
func (s *Scheduler) OnSpeaking(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSpeaking = fn
}

// OnDrained registers fn to run once the queue is empty and the device clock
// has passed the play cursor, confirmed by the deferred re-check.
func (s *Scheduler) OnDrained(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDrained = fn
}

// Enqueue accepts one decoded frame. Empty frames are ignored.
func (s *Scheduler) Enqueue(f audio.AudioFrame) {
	if f.Len() == 0 {
		return
	}
	s.notify.Lock()
	defer s.notify.Unlock()

	s.mu.Lock()
	s.queue = append(s.queue, f)
	s.gen++
	started := s.pumpLocked()
	fn := s.onSpeaking
	s.mu.Unlock()

	if started && fn != nil {
		fn()
	}
}

// pumpLocked hands queued frames to the device within the lookahead window,
// re-arms the completion timer, and reports whether speaking just began.
func (s *Scheduler) pumpLocked() bool {
	started := false
	for len(s.queue) > 0 {
		now := s.dev.Now()
		if s.lookahead > 0 && s.cursor-now >= s.lookahead {
			break
		}
		f := s.queue[0]
		s.queue[0] = audio.AudioFrame{}
		s.queue = s.queue[1:]
		s.scheduleLocked(f, now)
		if !s.speaking {
			s.speaking = true
			started = true
		}
	}
	s.armLocked()
	return started
}

func (s *Scheduler) scheduleLocked(f audio.AudioFrame, now float64) {
	samples := audio.PCM16ToFloat(f.Samples)
	if f.Rate() != audio.SampleRate {
		samples = audio.ResampleMono(samples, f.Rate(), audio.SampleRate)
	}
	audio.ApplyFade(samples, audio.FadeSamples(audio.SampleRate, s.fade))

	start := max(now, s.cursor)
	s.dev.Schedule(start, samples)
	s.scheduled++

	// Frames shorter than twice the overlap still advance the cursor.
	dur := float64(len(samples)) / audio.SampleRate
	s.cursor = max(s.cursor, start+dur-min(s.overlap, dur/2))
}

// armLocked replaces the pending timer with one that fires at the next point
// of interest: the lookahead edge when frames are waiting, otherwise the play
// cursor.
func (s *Scheduler) armLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if !s.speaking {
		return
	}
	wake := s.cursor
	if len(s.queue) > 0 {
		wake = s.cursor - s.lookahead
	}
	d := max(time.Duration((wake-s.dev.Now())*float64(time.Second)), minWake)
	gen := s.gen
	s.timer = s.afterFunc(d, func() { s.tick(gen) })
}

func (s *Scheduler) tick(gen uint64) {
	s.notify.Lock()
	defer s.notify.Unlock()

	s.mu.Lock()
	if gen != s.gen || !s.speaking {
		s.mu.Unlock()
		return
	}
	if len(s.queue) > 0 || s.dev.Now() < s.cursor {
		started := s.pumpLocked()
		fn := s.onSpeaking
		s.mu.Unlock()
		if started && fn != nil {
			fn()
		}
		return
	}
	// Drained as far as we can tell. Frames may still be in flight from the
	// network, so confirm after a grace period.
	s.timer = s.afterFunc(s.grace, func() { s.confirm(gen) })
	s.mu.Unlock()
}

func (s *Scheduler) confirm(gen uint64) {
	s.notify.Lock()
	defer s.notify.Unlock()

	s.mu.Lock()
	if gen != s.gen || !s.speaking || len(s.queue) > 0 || s.dev.Now() < s.cursor {
		s.mu.Unlock()
		return
	}
	s.speaking = false
	s.timer = nil
	fn := s.onDrained
	s.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// Interrupt handles barge-in: it discards every unplayed queued frame, stops
// every frame already handed to the device, and resets the play cursor to the
// current device time. OnDrained is not called; the caller already knows why
// playback stopped.
func (s *Scheduler) Interrupt() {
	s.notify.Lock()
	defer s.notify.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

// Reset tears playback down at the end of a call. After Reset the queue is
// empty, nothing remains scheduled on the device, and no callback is pending.
// The Scheduler may be reused.
func (s *Scheduler) Reset() {
	s.notify.Lock()
	defer s.notify.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	s.scheduled = 0
}

func (s *Scheduler) stopLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++
	s.queue = nil
	s.speaking = false
	s.dev.Clear()
	s.cursor = s.dev.Now()
}

// Speaking reports whether a burst is playing.
func (s *Scheduler) Speaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speaking
}

// Cursor returns the play cursor in device seconds.
func (s *Scheduler) Cursor() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// QueueLen returns the number of frames not yet handed to the device.
func (s *Scheduler) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Scheduled returns how many frames have been handed to the device since the
// last Reset.
func (s *Scheduler) Scheduled() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scheduled
}
