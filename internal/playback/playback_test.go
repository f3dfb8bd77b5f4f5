package playback

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voice/internal/pcm"
	"github.com/loqalabs/loqa-voice/internal/protocol"
)

func loudClip(d time.Duration, rate int) pcm.Clip {
	n := pcm.Samples(d, rate)
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = -1
	}
	return pcm.Clip{PCM: pcm.Encode(samples), SampleRate: rate}
}

func TestTimedPlayerWaitsForDuration(t *testing.T) {
	p := NewTimedPlayer()
	start := time.Now()
	if err := p.Play(context.Background(), loudClip(60*time.Millisecond, 8000)); err != nil {
		t.Fatalf("play: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Fatalf("play returned too early after %v", elapsed)
	}
	if p.Playing() {
		t.Fatal("expected idle after play")
	}
}

func TestTimedPlayerCancel(t *testing.T) {
	p := NewTimedPlayer()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Play(ctx, loudClip(5*time.Second, 8000)) }()

	deadline := time.Now().Add(time.Second)
	for !p.Playing() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := p.Level(); got != 255 {
		t.Fatalf("expected full level while playing, got %d", got)
	}
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected cancellation, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("play did not stop on cancel")
	}
	if p.Level() != 0 {
		t.Fatal("expected zero level when idle")
	}
}

type recordingPublisher struct {
	mu     sync.Mutex
	chunks []protocol.PlaybackChunk
}

func (r *recordingPublisher) PublishJSON(subject string, v any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunks = append(r.chunks, v.(protocol.PlaybackChunk))
	return nil
}

func TestBusPlayerSendsStopOnCancel(t *testing.T) {
	pub := &recordingPublisher{}
	p := NewBusPlayer(pub, "kitchen", "s1", slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := p.Play(ctx, loudClip(time.Second, 8000)); err == nil {
		t.Fatal("expected deadline error")
	}
	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.chunks) != 2 {
		t.Fatalf("expected audio and stop frames, got %d", len(pub.chunks))
	}
	if pub.chunks[0].Stop || len(pub.chunks[0].PCM) == 0 {
		t.Fatalf("unexpected first frame %+v", pub.chunks[0])
	}
	if !pub.chunks[1].Stop || pub.chunks[1].Sequence != 1 {
		t.Fatalf("unexpected stop frame %+v", pub.chunks[1])
	}
}
