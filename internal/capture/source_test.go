package capture

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/natsserver"
	"github.com/loqalabs/loqa-voice/internal/pcm"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/nats-io/nats.go"
)

func TestChanSourceReopen(t *testing.T) {
	src := NewChanSource(2)
	if src.Push([]float32{0}) {
		t.Fatal("push before open should fail")
	}
	ch, err := src.Open(context.Background())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := src.Open(context.Background()); err != ErrAlreadyOpen {
		t.Fatalf("expected ErrAlreadyOpen, got %v", err)
	}
	if !src.Push([]float32{0.5}) {
		t.Fatal("push failed")
	}
	if got := <-ch; got[0] != 0.5 {
		t.Fatalf("unexpected samples %v", got)
	}
	_ = src.Close()
	_ = src.Close()
	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel")
	}
	if _, err := src.Open(context.Background()); err != nil {
		t.Fatalf("reopen: %v", err)
	}
}

func TestBusSourceDecodesFrames(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, logger)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	defer srv.Shutdown()
	conn, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer conn.Close()

	src := NewBusSource(conn, "desk", logger)
	ch, err := src.Open(context.Background())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer src.Close()
	if err := conn.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	data, _ := json.Marshal(protocol.AudioFrame{SessionID: "s", PCM: pcm.Encode([]float32{1, -1}), SampleRate: 16000, Channels: 1})
	if err := conn.Publish(protocol.AudioFrameSubject("desk"), data); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case samples := <-ch:
		if len(samples) != 2 || samples[0] != 1 || samples[1] != -1 {
			t.Fatalf("unexpected samples %v", samples)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no frame received")
	}
}
