package device

import (
	"fmt"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/playback"
)

// DefaultSpeakerBuffer trades latency for glitch resistance.
const DefaultSpeakerBuffer = 80 * time.Millisecond

// Speaker plays a playback.Timeline through the default output device. The
// timeline's clock advances as oto pulls samples, so the scheduler and the
// hardware share one time base.
type Speaker struct {
	ctx    *oto.Context
	player *oto.Player
}

// OpenSpeaker starts continuous playback of tl at 24 kHz mono float32. oto
// permits a single context per process, so OpenSpeaker may only succeed once.
func OpenSpeaker(tl *playback.Timeline, buffer time.Duration) (*Speaker, error) {
	if buffer <= 0 {
		buffer = DefaultSpeakerBuffer
	}
	ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   audio.SampleRate,
		ChannelCount: 1,
		Format:       oto.FormatFloat32LE,
		BufferSize:   buffer,
	})
	if err != nil {
		return nil, fmt.Errorf("device: init speaker: %w", err)
	}
	<-ready

	p := ctx.NewPlayer(tl)
	p.Play()
	return &Speaker{ctx: ctx, player: p}, nil
}

// Close stops playback.
func (s *Speaker) Close() error {
	if err := s.player.Close(); err != nil {
		return fmt.Errorf("device: close speaker: %w", err)
	}
	return nil
}
