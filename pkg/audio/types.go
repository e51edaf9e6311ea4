package audio

import "time"

const (
	// SampleRate is the fixed wire sample rate in Hz for every frame exchanged
	// with the relay and the upstream speech model.
	SampleRate = 24000

	// BytesPerSample is the size of one PCM16 sample on the wire.
	BytesPerSample = 2
)

// AudioFrame is a single frame of mono PCM16 audio flowing through the
// pipeline. Frames are produced by capture or decoded from a
// response.audio.delta event. A frame is treated as immutable once created;
// ownership moves to whichever queue currently holds it.
type AudioFrame struct {
	// Samples holds signed 16-bit mono samples.
	Samples []int16

	// SampleRate in Hz. Zero means [SampleRate].
	SampleRate int
}

// NewFrame decodes little-endian PCM16 bytes into an AudioFrame at the wire
// sample rate. A trailing odd byte is ignored.
func NewFrame(pcm []byte) AudioFrame {
	return AudioFrame{Samples: DecodePCM16(pcm), SampleRate: SampleRate}
}

// Rate returns the frame's sample rate, defaulting to [SampleRate].
func (f AudioFrame) Rate() int {
	if f.SampleRate <= 0 {
		return SampleRate
	}
	return f.SampleRate
}

// Len returns the number of samples in the frame.
func (f AudioFrame) Len() int { return len(f.Samples) }

// Seconds returns the playback duration of the frame in seconds.
func (f AudioFrame) Seconds() float64 {
	return float64(len(f.Samples)) / float64(f.Rate())
}

// Duration returns the playback duration of the frame.
func (f AudioFrame) Duration() time.Duration {
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(f.Rate())
}

// Bytes encodes the frame as little-endian PCM16.
func (f AudioFrame) Bytes() []byte {
	return EncodePCM16(f.Samples)
}
