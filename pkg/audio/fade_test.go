package audio_test

import (
	"testing"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
)

func TestFadeSamples(t *testing.T) {
	t.Parallel()

	if got := audio.FadeSamples(24000, 4*time.Millisecond); got != 96 {
		t.Errorf("FadeSamples(24000, 4ms) = %d, want 96", got)
	}
	if got := audio.FadeSamples(0, time.Second); got != 0 {
		t.Errorf("FadeSamples with zero rate = %d, want 0", got)
	}
}

func TestApplyFade_Envelope(t *testing.T) {
	t.Parallel()

	s := []float32{1, 1, 1, 1, 1, 1, 1, 1, 1, 1}
	audio.ApplyFade(s, 4)

	want := []float32{0, 0.25, 0.5, 0.75, 1, 1, 0.75, 0.5, 0.25, 0}
	for i := range want {
		if s[i] != want[i] {
			t.Errorf("sample %d: got %v, want %v", i, s[i], want[i])
		}
	}
}

func TestApplyFade_ShortBuffer(t *testing.T) {
	t.Parallel()

	s := []float32{1, 1, 1, 1}
	audio.ApplyFade(s, 100)

	// Fade length shrinks to len/2 = 2.
	want := []float32{0, 0.5, 0.5, 0}
	for i := range want {
		if s[i] != want[i] {
			t.Errorf("sample %d: got %v, want %v", i, s[i], want[i])
		}
	}

	one := []float32{0.8}
	audio.ApplyFade(one, 3)
	if one[0] != 0.8 {
		t.Errorf("single sample changed to %v", one[0])
	}
}
