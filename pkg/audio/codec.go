package audio

import (
	"encoding/binary"
	"math"
)

// FloatToPCM16 converts floating-point samples in [-1, 1] to signed 16-bit
// PCM. Each sample is clamped to [-1, 1] first; the negative side is scaled by
// 32768 and the positive side by 32767 so both ends stay representable. NaN
// maps to silence.
func FloatToPCM16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		switch {
		case s != s: // NaN
			s = 0
		case s > 1:
			s = 1
		case s < -1:
			s = -1
		}
		if s < 0 {
			out[i] = int16(s * 32768)
		} else {
			out[i] = int16(s * 32767)
		}
	}
	return out
}

// PCM16ToFloat converts signed 16-bit PCM to floating-point samples by
// dividing by 32768.
func PCM16ToFloat(samples []int16) []float32 {
	out := make([]float32, len(samples))
	for i, s := range samples {
		out[i] = float32(s) / 32768
	}
	return out
}

// EncodePCM16 serialises samples as little-endian PCM16 bytes.
func EncodePCM16(samples []int16) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// DecodePCM16 parses little-endian PCM16 bytes. An odd trailing byte is a
// caller contract violation and is ignored.
func DecodePCM16(pcm []byte) []int16 {
	n := len(pcm) / BytesPerSample
	out := make([]int16, n)
	for i := range n {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

// FloatToBytes is FloatToPCM16 followed by EncodePCM16: the encoding used for
// input_audio_buffer.append payloads.
func FloatToBytes(samples []float32) []byte {
	return EncodePCM16(FloatToPCM16(samples))
}

// BytesToFloat is DecodePCM16 followed by PCM16ToFloat.
func BytesToFloat(pcm []byte) []float32 {
	return PCM16ToFloat(DecodePCM16(pcm))
}

// DecodeFloat32 parses little-endian IEEE-754 float32 samples, the layout
// audio devices deliver when opened in F32 mode.
func DecodeFloat32(raw []byte) []float32 {
	n := len(raw) / 4
	out := make([]float32, n)
	for i := range n {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out
}

// EncodeFloat32 serialises samples as little-endian float32 into dst, which
// must hold at least 4*len(samples) bytes. It returns the number of bytes
// written.
func EncodeFloat32(dst []byte, samples []float32) int {
	for i, s := range samples {
		binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(s))
	}
	return len(samples) * 4
}
