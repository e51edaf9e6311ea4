// Package turn derives whose turn it is in a conversation from the realtime
// event stream and the playback scheduler's speaking signals.
//
// [Next] is the pure transition function. [Tracker] holds the current state
// for a single conversation and notifies subscribers on every change.
package turn

import (
	"sync"

	"github.com/MrWong99/parley/pkg/realtime"
)

// State is the derived conversational state.
type State int

const (
	Idle State = iota
	Listening
	Thinking
	Speaking
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Listening:
		return "listening"
	case Thinking:
		return "thinking"
	case Speaking:
		return "speaking"
	default:
		return "unknown"
	}
}

// Signal is an input to the state machine.
type Signal int

const (
	// None carries no turn information; the state is left unchanged.
	None Signal = iota
	SpeechStarted
	SpeechStopped

	// PlaybackStarted comes from the playback scheduler when the first frame
	// of a response is scheduled.
	PlaybackStarted

	// PlaybackDrained comes from the playback scheduler once the queue is
	// empty and the device clock has passed the play cursor.
	PlaybackDrained

	// Reset returns to Idle when a call ends.
	Reset
)

func (s Signal) String() string {
	switch s {
	case SpeechStarted:
		return "speech_started"
	case SpeechStopped:
		return "speech_stopped"
	case PlaybackStarted:
		return "playback_started"
	case PlaybackDrained:
		return "playback_drained"
	case Reset:
		return "reset"
	default:
		return "none"
	}
}

// Next returns the state after sig. Every signal other than None overrides
// the previous state outright; the current state is only consulted for None.
func Next(cur State, sig Signal) State {
	switch sig {
	case SpeechStarted:
		return Listening
	case SpeechStopped:
		return Thinking
	case PlaybackStarted:
		return Speaking
	case PlaybackDrained, Reset:
		return Idle
	default:
		return cur
	}
}

// SignalForEvent maps a wire event to its turn signal. Audio deltas map to
// None: speaking is reported by the playback scheduler once audio is
// actually scheduled, not on arrival.
func SignalForEvent(k realtime.Kind) Signal {
	switch k {
	case realtime.KindSpeechStarted:
		return SpeechStarted
	case realtime.KindSpeechStopped:
		return SpeechStopped
	default:
		return None
	}
}

// Tracker holds the state of one conversation. It is safe for concurrent use.
// Subscribers are called synchronously, outside the lock, in the order the
// changes happened, and must not call Apply themselves.
type Tracker struct {
	mu    sync.Mutex
	state State
	subs  []func(from, to State)

	// notify serialises subscriber delivery so observers see transitions in
	// order even when Apply races.
	notify sync.Mutex
}

// NewTracker returns a Tracker in Idle.
func NewTracker() *Tracker {
	return &Tracker{}
}

// State returns the current state.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Subscribe registers fn to be called on every state change.
func (t *Tracker) Subscribe(fn func(from, to State)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subs = append(t.subs, fn)
}

// Apply feeds sig into the machine and returns the resulting state.
// Subscribers are only called when the state actually changes.
func (t *Tracker) Apply(sig Signal) State {
	t.notify.Lock()
	defer t.notify.Unlock()

	t.mu.Lock()
	from := t.state
	to := Next(from, sig)
	t.state = to
	subs := t.subs
	t.mu.Unlock()

	if from != to {
		for _, fn := range subs {
			fn(from, to)
		}
	}
	return to
}

// ApplyEvent is Apply(SignalForEvent(k)).
func (t *Tracker) ApplyEvent(k realtime.Kind) State {
	return t.Apply(SignalForEvent(k))
}

// Reset returns the tracker to Idle.
func (t *Tracker) Reset() {
	t.Apply(Reset)
}
