// Package resilience provides the circuit breaker that keeps the relay from
// hammering an upstream that is refusing connections.
//
// A [Breaker] is a three-state machine (closed → open → half-open). It never
// retries anything itself: callers ask [Breaker.Allow] before an attempt and
// report the outcome with [Breaker.Record]. While the breaker is open,
// attempts fail fast with [ErrOpen].
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned by [Breaker.Allow] while the breaker rejects attempts.
var ErrOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [Breaker].
type State int

const (
	// Closed forwards every attempt.
	Closed State = iota

	// Open rejects attempts until the cooldown elapses.
	Open

	// HalfOpen admits a single probe. Its outcome closes or re-opens the
	// breaker.
	HalfOpen
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Config tunes a [Breaker].
type Config struct {
	// Name labels log messages.
	Name string

	// MaxFailures is the number of consecutive failures that opens the
	// breaker. Default: 5.
	MaxFailures int

	// Cooldown is how long the breaker stays open before admitting a probe.
	// Default: 30s.
	Cooldown time.Duration

	// Now replaces [time.Now] in tests.
	Now func() time.Time

	Logger *slog.Logger

	// OnStateChange is called outside the lock after every transition.
	OnStateChange func(from, to State)
}

// Breaker counts consecutive failures of an operation and short-circuits it
// once they reach the configured limit.
type Breaker struct {
	name        string
	maxFailures int
	cooldown    time.Duration
	now         func() time.Time
	log         *slog.Logger
	onChange    func(from, to State)

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// New creates a closed [Breaker]. Zero-value config fields get defaults.
func New(cfg Config) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Breaker{
		name:        cfg.Name,
		maxFailures: cfg.MaxFailures,
		cooldown:    cfg.Cooldown,
		now:         cfg.Now,
		log:         cfg.Logger,
		onChange:    cfg.OnStateChange,
	}
}

// Allow reserves an attempt. It returns [ErrOpen] while the breaker is open,
// and while a half-open probe is already in flight. Every nil return must be
// followed by exactly one [Breaker.Record].
func (b *Breaker) Allow() error {
	b.mu.Lock()
	from := b.state
	switch b.state {
	case Open:
		if b.now().Sub(b.openedAt) < b.cooldown {
			b.mu.Unlock()
			return ErrOpen
		}
		b.state = HalfOpen
		b.probing = true
	case HalfOpen:
		if b.probing {
			b.mu.Unlock()
			return ErrOpen
		}
		b.probing = true
	}
	to := b.state
	b.mu.Unlock()
	b.notify(from, to)
	return nil
}

// Record reports the outcome of an attempt admitted by [Breaker.Allow].
// A [context.Canceled] error means the caller gave up; it releases a
// half-open probe without counting either way.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	from := b.state
	wasProbe := b.probing
	b.probing = false
	switch {
	case errors.Is(err, context.Canceled):
	case err == nil:
		b.failures = 0
		b.state = Closed
	case from == HalfOpen && wasProbe:
		b.trip()
	default:
		b.failures++
		if b.state == Closed && b.failures >= b.maxFailures {
			b.trip()
		}
	}
	to, failures := b.state, b.failures
	b.mu.Unlock()

	if from != to && to == Open {
		b.log.Warn("circuit breaker opened", "name", b.name, "consecutive_failures", failures, "cooldown", b.cooldown)
	} else if from != to && to == Closed {
		b.log.Info("circuit breaker closed", "name", b.name)
	}
	b.notify(from, to)
}

// trip opens the breaker. Must be called with b.mu held.
func (b *Breaker) trip() {
	b.state = Open
	b.openedAt = b.now()
}

// Do runs fn under the breaker.
func (b *Breaker) Do(fn func() error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	err := fn()
	b.Record(err)
	return err
}

// State returns the current state. An open breaker whose cooldown has
// elapsed reports [HalfOpen]; the transition itself happens on the next
// [Breaker.Allow].
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && b.now().Sub(b.openedAt) >= b.cooldown {
		return HalfOpen
	}
	return b.state
}

// Reset forces the breaker closed and clears the failure count.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = Closed
	b.failures = 0
	b.probing = false
	b.mu.Unlock()
	b.notify(from, Closed)
}

func (b *Breaker) notify(from, to State) {
	if from != to && b.onChange != nil {
		b.onChange(from, to)
	}
}
