package audio

import "math"

// ResampleMono resamples float mono samples from srcRate to dstRate using
// linear interpolation. If the rates match, or either is invalid, the input
// is returned unchanged.
func ResampleMono(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) < 2 {
		return samples
	}
	dstLen := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if dstLen == 0 {
		return nil
	}

	out := make([]float32, dstLen)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstLen {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := float32(pos - float64(idx))

		s0 := samples[idx]
		s1 := s0
		if idx+1 < len(samples) {
			s1 = samples[idx+1]
		}
		out[i] = s0*(1-frac) + s1*frac
	}
	return out
}

// Resampler converts a continuous mono stream between two rates with linear
// interpolation. Unlike [ResampleMono] it carries the read position and the
// previous input sample across calls, so a stream split into blocks yields
// the same samples as the whole stream resampled at once. A Resampler is not
// safe for concurrent use.
type Resampler struct {
	ratio float64
	pass  bool

	// pos is the next output position in input samples, relative to the
	// start of the next block. It lies in [-1, 0) once a block has been
	// consumed, where -1 addresses last.
	pos  float64
	last float32
}

// NewResampler returns a Resampler from srcRate to dstRate. Equal or invalid
// rates pass samples through unchanged.
func NewResampler(srcRate, dstRate int) *Resampler {
	r := &Resampler{pass: srcRate <= 0 || dstRate <= 0 || srcRate == dstRate}
	if !r.pass {
		r.ratio = float64(srcRate) / float64(dstRate)
	}
	return r
}

// Process resamples the next block of the stream. The output for the final
// input sample of a block is emitted with the following block.
func (r *Resampler) Process(samples []float32) []float32 {
	if r.pass || len(samples) == 0 {
		return samples
	}
	at := func(i int) float32 {
		if i < 0 {
			return r.last
		}
		return samples[i]
	}
	limit := float64(len(samples) - 1)
	out := make([]float32, 0, int(float64(len(samples))/r.ratio)+1)
	for ; r.pos < limit; r.pos += r.ratio {
		idx := int(math.Floor(r.pos))
		frac := float32(r.pos - float64(idx))
		out = append(out, at(idx)*(1-frac)+at(idx+1)*frac)
	}
	r.pos -= float64(len(samples))
	r.last = samples[len(samples)-1]
	return out
}

// Reset forgets the stream position so the next block starts a new stream.
func (r *Resampler) Reset() {
	r.pos = 0
	r.last = 0
}

// Downmix averages interleaved multi-channel float samples into mono. A
// trailing partial frame is dropped.
func Downmix(samples []float32, channels int) []float32 {
	if channels <= 1 {
		return samples
	}
	frames := len(samples) / channels
	out := make([]float32, frames)
	for i := range frames {
		var sum float32
		for c := range channels {
			sum += samples[i*channels+c]
		}
		out[i] = sum / float32(channels)
	}
	return out
}
