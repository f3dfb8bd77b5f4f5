package playback

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-voice/internal/pcm"
	"github.com/loqalabs/loqa-voice/internal/protocol"
)

// Publisher is the subset of the bus client the player needs.
type Publisher interface {
	PublishJSON(subject string, v any) error
}

// BusPlayer publishes each clip to audio.playback.<device> and tracks its
// progress locally. Cancelling a clip sends a stop frame to the device.
type BusPlayer struct {
	pub       Publisher
	subject   string
	sessionID string
	timed     *TimedPlayer
	logger    *slog.Logger

	mu  sync.Mutex
	seq int
}

func NewBusPlayer(pub Publisher, device, sessionID string, logger *slog.Logger) *BusPlayer {
	return &BusPlayer{
		pub:       pub,
		subject:   protocol.PlaybackSubject(device),
		sessionID: sessionID,
		timed:     NewTimedPlayer(),
		logger:    logger.With(slog.String("component", "bus-player"), slog.String("device", device)),
	}
}

func (p *BusPlayer) Play(ctx context.Context, clip pcm.Clip) error {
	if err := p.pub.PublishJSON(p.subject, protocol.PlaybackChunk{
		SessionID:  p.sessionID,
		Sequence:   p.next(),
		SampleRate: clip.SampleRate,
		PCM:        clip.PCM,
	}); err != nil {
		return fmt.Errorf("publish playback: %w", err)
	}
	err := p.timed.Play(ctx, clip)
	if err != nil {
		stop := protocol.PlaybackChunk{SessionID: p.sessionID, Sequence: p.next(), Stop: true}
		if perr := p.pub.PublishJSON(p.subject, stop); perr != nil {
			p.logger.Warn("failed to publish playback stop", slog.String("error", perr.Error()))
		}
	}
	return err
}

func (p *BusPlayer) Level() int {
	return p.timed.Level()
}

func (p *BusPlayer) next() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	seq := p.seq
	p.seq++
	return seq
}
