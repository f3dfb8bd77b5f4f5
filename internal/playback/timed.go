// Package playback renders synthesized clips. TimedPlayer keeps time without
// an audio device; BusPlayer forwards clips to an edge speaker over NATS.
package playback

import (
	"context"
	"sync"
	"time"

	"github.com/loqalabs/loqa-voice/internal/pcm"
)

// levelWindow is the span of audio averaged by Level.
const levelWindow = 16 * time.Millisecond

// TimedPlayer holds each clip for its real duration and exposes the level of
// the audio at the current play position.
type TimedPlayer struct {
	mu      sync.Mutex
	clip    pcm.Clip
	started time.Time
	playing bool
	clock   func() time.Time
}

func NewTimedPlayer() *TimedPlayer {
	return &TimedPlayer{clock: time.Now}
}

// Play blocks until the clip has elapsed or ctx is done.
func (p *TimedPlayer) Play(ctx context.Context, clip pcm.Clip) error {
	p.mu.Lock()
	p.clip = clip
	p.started = p.clock()
	p.playing = true
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.playing = false
		p.clip = pcm.Clip{}
		p.mu.Unlock()
	}()

	d := clip.Duration()
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Level returns 0-255 for the window at the play position, 0 when idle.
func (p *TimedPlayer) Level() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.playing || p.clip.SampleRate <= 0 {
		return 0
	}
	elapsed := p.clock().Sub(p.started)
	start := pcm.Samples(elapsed, p.clip.SampleRate) * 2
	end := start + pcm.Samples(levelWindow, p.clip.SampleRate)*2
	if start >= len(p.clip.PCM) {
		return 0
	}
	if end > len(p.clip.PCM) {
		end = len(p.clip.PCM)
	}
	return pcm.Level(pcm.Decode(p.clip.PCM[start:end]))
}

// Playing reports whether a clip is in progress.
func (p *TimedPlayer) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}
