package turn_test

import (
	"slices"
	"testing"

	"pgregory.net/rapid"

	"github.com/MrWong99/parley/internal/turn"
	"github.com/MrWong99/parley/pkg/realtime"
)

func TestNext(t *testing.T) {
	t.Parallel()

	states := []turn.State{turn.Idle, turn.Listening, turn.Thinking, turn.Speaking}
	tests := []struct {
		sig  turn.Signal
		want turn.State
	}{
		{turn.SpeechStarted, turn.Listening},
		{turn.SpeechStopped, turn.Thinking},
		{turn.PlaybackStarted, turn.Speaking},
		{turn.PlaybackDrained, turn.Idle},
		{turn.Reset, turn.Idle},
	}
	for _, tt := range tests {
		for _, from := range states {
			if got := turn.Next(from, tt.sig); got != tt.want {
				t.Errorf("Next(%v, %v) = %v; want %v", from, tt.sig, got, tt.want)
			}
		}
	}
	for _, from := range states {
		if got := turn.Next(from, turn.None); got != from {
			t.Errorf("Next(%v, None) = %v; want unchanged", from, got)
		}
	}
}

func TestSignalForEvent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		kind realtime.Kind
		want turn.Signal
	}{
		{realtime.KindSpeechStarted, turn.SpeechStarted},
		{realtime.KindSpeechStopped, turn.SpeechStopped},
		{realtime.KindAudioDelta, turn.None},
		{realtime.KindResponseDone, turn.None},
		{realtime.KindError, turn.None},
		{realtime.KindUnknown, turn.None},
	}
	for _, tt := range tests {
		if got := turn.SignalForEvent(tt.kind); got != tt.want {
			t.Errorf("SignalForEvent(%v) = %v; want %v", tt.kind, got, tt.want)
		}
	}
}

func TestTrackerSpeechStartedThenStopped(t *testing.T) {
	t.Parallel()

	tr := turn.NewTracker()
	var seen []turn.State
	tr.Subscribe(func(_, to turn.State) { seen = append(seen, to) })

	for _, raw := range []string{
		`{"type":"input_audio_buffer.speech_started"}`,
		`{"type":"input_audio_buffer.speech_stopped"}`,
	} {
		tr.ApplyEvent(realtime.Parse([]byte(raw)).Kind)
	}

	want := []turn.State{turn.Listening, turn.Thinking}
	if !slices.Equal(seen, want) {
		t.Errorf("states = %v; want %v", seen, want)
	}
}

func TestTrackerNotifiesOnlyOnChange(t *testing.T) {
	t.Parallel()

	tr := turn.NewTracker()
	calls := 0
	tr.Subscribe(func(_, _ turn.State) { calls++ })

	tr.Apply(turn.SpeechStarted)
	tr.Apply(turn.SpeechStarted)
	tr.Apply(turn.None)
	if calls != 1 {
		t.Errorf("calls = %d; want 1", calls)
	}

	tr.Reset()
	if tr.State() != turn.Idle {
		t.Errorf("State after Reset = %v; want idle", tr.State())
	}
	if calls != 2 {
		t.Errorf("calls = %d; want 2", calls)
	}
}

// The resulting state sequence depends only on the signal order.
func TestTrackerDeterministic(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(rt *rapid.T) {
		sigs := rapid.SliceOf(rapid.IntRange(int(turn.None), int(turn.Reset))).Draw(rt, "signals")

		run := func() []turn.State {
			tr := turn.NewTracker()
			out := make([]turn.State, 0, len(sigs))
			for _, s := range sigs {
				out = append(out, tr.Apply(turn.Signal(s)))
			}
			return out
		}
		a, b := run(), run()
		if !slices.Equal(a, b) {
			rt.Fatalf("runs diverged: %v vs %v", a, b)
		}

		// Each state equals what the most recent non-None signal dictates.
		cur := turn.Idle
		for i, s := range sigs {
			cur = turn.Next(cur, turn.Signal(s))
			if a[i] != cur {
				rt.Fatalf("step %d: got %v; want %v", i, a[i], cur)
			}
		}
	})
}
