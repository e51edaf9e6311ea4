package playback

import (
	"math"
	"sync"

	"github.com/MrWong99/parley/pkg/audio"
)

// Timeline is a sample-accurate [Device]. Its clock is the number of samples
// consumed through Read divided by the sample rate, so scheduled frames land
// exactly where the scheduler placed them regardless of how the speaker
// backend sizes its reads. Overlapping frames are summed and clipped.
//
// Read always fills p completely, emitting silence where nothing is
// scheduled, and never blocks.
type Timeline struct {
	rate int

	mu      sync.Mutex
	pos     int64 // samples consumed
	sources []source
	mix     []float32
}

type source struct {
	start   int64
	samples []float32
}

func (s source) end() int64 { return s.start + int64(len(s.samples)) }

// NewTimeline returns an empty timeline clocked at rate Hz.
func NewTimeline(rate int) *Timeline {
	if rate <= 0 {
		rate = audio.SampleRate
	}
	return &Timeline{rate: rate}
}

// Now implements [Device].
func (t *Timeline) Now() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return float64(t.pos) / float64(t.rate)
}

// Schedule implements [Device]. A start already in the past is honoured by
// dropping the samples that would have played before now.
func (t *Timeline) Schedule(start float64, samples []float32) {
	at := int64(math.Round(start * float64(t.rate)))

	t.mu.Lock()
	defer t.mu.Unlock()
	if at < t.pos {
		skip := t.pos - at
		if skip >= int64(len(samples)) {
			return
		}
		samples = samples[skip:]
		at = t.pos
	}
	t.sources = append(t.sources, source{start: at, samples: samples})
}

// Clear implements [Device].
func (t *Timeline) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sources = nil
}

// Pending returns the number of scheduled frames that have not finished.
func (t *Timeline) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sources)
}

// Read fills p with float32 little-endian mono samples. len(p) is rounded
// down to a whole sample.
func (t *Timeline) Read(p []byte) (int, error) {
	n := len(p) / 4
	if n == 0 {
		return 0, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if cap(t.mix) < n {
		t.mix = make([]float32, n)
	}
	mix := t.mix[:n]
	clear(mix)

	from, to := t.pos, t.pos+int64(n)
	live := t.sources[:0]
	for _, src := range t.sources {
		if src.start < to {
			lo := max(src.start, from)
			hi := min(src.end(), to)
			for i := lo; i < hi; i++ {
				mix[i-from] += src.samples[i-src.start]
			}
		}
		if src.end() > to {
			live = append(live, src)
		}
	}
	clear(t.sources[len(live):])
	t.sources = live
	t.pos = to

	for i, v := range mix {
		mix[i] = max(-1, min(1, v))
	}
	return audio.EncodeFloat32(p, mix), nil
}

// Advance consumes n samples without producing output, as a muted device
// would. It returns the new device time.
func (t *Timeline) Advance(n int) float64 {
	if n > 0 {
		buf := make([]byte, n*4)
		_, _ = t.Read(buf)
	}
	return t.Now()
}
