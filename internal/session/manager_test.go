package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/eventstore"
	"github.com/loqalabs/loqa-voice/internal/llm"
	"github.com/loqalabs/loqa-voice/internal/orchestrator"
	"github.com/loqalabs/loqa-voice/internal/pcm"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/loqalabs/loqa-voice/internal/relay"
	"github.com/loqalabs/loqa-voice/internal/stt"
	"github.com/loqalabs/loqa-voice/internal/tts"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// testConfig points every client at an in-process relay backed by the mock
// model, synthesizer and recognizer.
func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Relay.AuthToken = "secret"
	cfg.Relay.STT.SampleRate = 1000
	cfg.Relay.STT.SegmentGapMS = 100
	cfg.Relay.STT.EndpointMS = 200
	cfg.Relay.STT.AsleepMS = 2000

	srv := relay.NewServer(context.Background(), cfg.Relay, llm.NewMockGenerator(),
		tts.NewMockSynth(cfg.Relay.TTS.SampleRate, 1), stt.NewMockRecognizer(), newLogger())
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		hs.Close()
	})
	base := "ws" + strings.TrimPrefix(hs.URL, "http")

	cfg.Sessions.Enabled = true
	cfg.Sessions.MaxActive = 1
	cfg.Speaker.RelayURL = base + relay.PathSpeech
	cfg.Speaker.AuthToken = "secret"
	cfg.Listener.RelayURL = base + relay.PathTranscribe
	cfg.Listener.AuthToken = "secret"
	cfg.Listener.EndpointTimeoutMS = 1500
	cfg.Listener.AsleepTimeoutMS = 5000
	cfg.Thinker.RelayURL = base + relay.PathReply
	cfg.Thinker.AuthToken = "secret"
	cfg.Conversation.Greeting = "Hi"
	return cfg
}

func newManager(t *testing.T, cfg config.Config, store *eventstore.Store) *Manager {
	t.Helper()
	m, err := NewManager(context.Background(), cfg, nil, store, nil, newLogger())
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	t.Cleanup(m.Close)
	return m
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func samples(amplitude float32, n int) []byte {
	buf := make([]float32, n)
	for i := range buf {
		buf[i] = amplitude
	}
	return pcm.Encode(buf)
}

func TestSessionConversationOverRelay(t *testing.T) {
	cfg := testConfig(t)
	m := newManager(t, cfg, nil)
	ctx := context.Background()

	sess, err := m.Create(ctx, StartRequest{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	waitFor(t, 3*time.Second, func() bool { return sess.Info().Status.State == orchestrator.Listening })

	for _, chunk := range [][]byte{samples(0.5, 100), samples(0.5, 100), samples(0, 100), samples(0, 100)} {
		if err := m.PushAudio(sess.ID(), chunk); err != nil {
			t.Fatalf("push audio: %v", err)
		}
	}

	waitFor(t, 8*time.Second, func() bool {
		st := sess.Info().Status
		return st.State == orchestrator.Listening && st.Turns == 2
	})
}

func TestMaxActiveSessions(t *testing.T) {
	m := newManager(t, testConfig(t), nil)
	ctx := context.Background()

	if _, err := m.Create(ctx, StartRequest{}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := m.Create(ctx, StartRequest{}); !errors.Is(err, ErrTooMany) {
		t.Fatalf("expected ErrTooMany, got %v", err)
	}
	if m.Active() != 1 {
		t.Fatalf("expected one active session, got %d", m.Active())
	}
}

func TestStopRestartRemove(t *testing.T) {
	cfg := testConfig(t)
	cfg.EventStore = config.EventStoreConfig{
		Path:          filepath.Join(t.TempDir(), "events.db"),
		RetentionMode: eventstore.ModePersistent,
	}
	store, err := eventstore.Open(context.Background(), cfg.EventStore, newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	m := newManager(t, cfg, store)
	ctx := context.Background()

	sess, err := m.Create(ctx, StartRequest{Language: "es-ES"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if sess.Info().Language != "es-ES" {
		t.Fatalf("expected language override, got %q", sess.Info().Language)
	}
	waitFor(t, 3*time.Second, func() bool { return sess.Info().Status.State == orchestrator.Listening })

	if err := m.Stop(ctx, sess.ID()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if st := sess.Info().Status.State; st != orchestrator.Idle {
		t.Fatalf("expected idle after stop, got %s", st)
	}
	if err := m.Restart(ctx, sess.ID()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	waitFor(t, 3*time.Second, func() bool { return sess.Info().Status.State == orchestrator.Listening })

	if err := m.Remove(ctx, sess.ID()); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, ok := m.Get(sess.ID()); ok {
		t.Fatal("expected session forgotten")
	}
	if err := m.Remove(ctx, sess.ID()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	entries, err := store.Timeline(ctx, sess.ID(), 50)
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	var states []string
	for _, e := range entries {
		if e.Kind == protocol.EventState {
			states = append(states, e.State)
		}
	}
	if len(states) < 4 || states[0] != "speaking" || states[1] != "listening" || states[2] != "idle" {
		t.Fatalf("unexpected recorded states %v", states)
	}
	recorded, ok, err := store.LookupSession(ctx, sess.ID())
	if err != nil || !ok || recorded.EndedAt.IsZero() {
		t.Fatalf("expected ended session record, got %+v ok=%v err=%v", recorded, ok, err)
	}
}

func TestBusPlaybackNeedsBus(t *testing.T) {
	cfg := testConfig(t)
	cfg.Speaker.Player = "bus"
	if _, err := NewManager(context.Background(), cfg, nil, nil, nil, newLogger()); !errors.Is(err, ErrNoBus) {
		t.Fatalf("expected ErrNoBus, got %v", err)
	}
}

func TestPushAudioUnknownSession(t *testing.T) {
	m := newManager(t, testConfig(t), nil)
	if err := m.PushAudio("missing", samples(0, 10)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
