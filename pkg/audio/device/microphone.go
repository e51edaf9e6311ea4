// Package device adapts the host's audio hardware to the capture and
// playback pipelines: malgo for the microphone, oto for the speaker.
//
// Neither adapter is covered by unit tests; both need real hardware.
package device

import (
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/capture"
)

var _ capture.Source = (*Microphone)(nil)

// MicOption configures a Microphone.
type MicOption func(*Microphone)

// WithMicFormat asks the device for a specific rate and channel count. The
// capture pipeline must be told the same via capture.WithSourceFormat.
func WithMicFormat(sampleRate, channels int) MicOption {
	return func(m *Microphone) {
		if sampleRate > 0 {
			m.rate = sampleRate
		}
		if channels > 0 {
			m.channels = channels
		}
	}
}

// WithPeriodFrames sets the device callback size in frames. The capture
// pipeline re-windows, so this only affects latency.
func WithPeriodFrames(n int) MicOption {
	return func(m *Microphone) {
		if n > 0 {
			m.period = uint32(n)
		}
	}
}

// Microphone is the default capture device opened in 32-bit float mode.
type Microphone struct {
	rate     int
	channels int
	period   uint32

	mu   sync.Mutex
	actx *malgo.AllocatedContext
	dev  *malgo.Device
}

// NewMicrophone returns an unopened microphone at 24 kHz mono.
func NewMicrophone(opts ...MicOption) *Microphone {
	m := &Microphone{
		rate:     audio.SampleRate,
		channels: 1,
		period:   1024,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Open starts the device and delivers every captured block to push from the
// device's real-time thread. Any failure here, including the OS denying
// microphone access, is returned before a single sample is delivered.
func (m *Microphone) Open(push func(samples []float32)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dev != nil {
		return fmt.Errorf("device: microphone already open")
	}

	actx, err := malgo.InitContext(nil, malgo.ContextConfig{ThreadPriority: malgo.ThreadPriorityRealtime}, nil)
	if err != nil {
		return fmt.Errorf("device: init audio context: %w", err)
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatF32
	cfg.Capture.Channels = uint32(m.channels)
	cfg.SampleRate = uint32(m.rate)
	cfg.PeriodSizeInFrames = m.period

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, in []byte, _ uint32) {
			if len(in) > 0 {
				push(audio.DecodeFloat32(in))
			}
		},
	}

	dev, err := malgo.InitDevice(actx.Context, cfg, callbacks)
	if err != nil {
		_ = actx.Uninit()
		actx.Free()
		return fmt.Errorf("device: init microphone: %w", err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		_ = actx.Uninit()
		actx.Free()
		return fmt.Errorf("device: start microphone: %w", err)
	}

	m.actx, m.dev = actx, dev
	return nil
}

// Close stops the device. No callback runs after Close returns.
func (m *Microphone) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dev == nil {
		return nil
	}
	err := m.dev.Stop()
	m.dev.Uninit()
	m.dev = nil

	if uerr := m.actx.Uninit(); uerr != nil && err == nil {
		err = uerr
	}
	m.actx.Free()
	m.actx = nil
	if err != nil {
		return fmt.Errorf("device: close microphone: %w", err)
	}
	return nil
}
