package audio

import "time"

// FadeSamples returns the number of samples a fade of duration d spans at the
// given sample rate.
func FadeSamples(sampleRate int, d time.Duration) int {
	if sampleRate <= 0 || d <= 0 {
		return 0
	}
	return int(int64(sampleRate) * int64(d) / int64(time.Second))
}

// ApplyFade applies a linear fade-in over the first n samples and a linear
// fade-out over the last n samples, in place. When the buffer is shorter than
// 2n the fade length shrinks to half the buffer so the envelopes never
// overlap.
func ApplyFade(samples []float32, n int) {
	if n <= 0 || len(samples) == 0 {
		return
	}
	if 2*n > len(samples) {
		n = len(samples) / 2
	}
	if n == 0 {
		return
	}
	last := len(samples) - 1
	for i := range n {
		g := float32(i) / float32(n)
		samples[i] *= g
		samples[last-i] *= g
	}
}
