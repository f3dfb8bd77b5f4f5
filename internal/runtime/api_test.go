package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/eventstore"
	"github.com/loqalabs/loqa-voice/internal/llm"
	"github.com/loqalabs/loqa-voice/internal/relay"
	"github.com/loqalabs/loqa-voice/internal/session"
	"github.com/loqalabs/loqa-voice/internal/stt"
	"github.com/loqalabs/loqa-voice/internal/tts"
)

type sessionBody struct {
	ID     string `json:"id"`
	Status struct {
		State string `json:"state"`
		Turns int    `json:"turns"`
	} `json:"status"`
}

type timelineBody struct {
	Session eventstore.Session `json:"session"`
	Events  []eventstore.Entry `json:"events"`
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))

	cfg := config.Default()
	relaySrv := relay.NewServer(context.Background(), cfg.Relay, llm.NewMockGenerator(),
		tts.NewMockSynth(cfg.Relay.TTS.SampleRate, 1), stt.NewMockRecognizer(), logger)
	relayHTTP := httptest.NewServer(relaySrv.Handler())
	t.Cleanup(func() {
		relaySrv.Close()
		relayHTTP.Close()
	})
	base := "ws" + strings.TrimPrefix(relayHTTP.URL, "http")

	cfg.Sessions.Enabled = true
	cfg.Sessions.MaxActive = 2
	cfg.Speaker.RelayURL = base + relay.PathSpeech
	cfg.Listener.RelayURL = base + relay.PathTranscribe
	cfg.Listener.AsleepTimeoutMS = 10000
	cfg.Thinker.RelayURL = base + relay.PathReply
	cfg.Conversation.Greeting = "Hi"
	cfg.EventStore.RetentionMode = eventstore.ModePersistent
	cfg.EventStore.Path = filepath.Join(t.TempDir(), "events.db")

	store, err := eventstore.Open(context.Background(), cfg.EventStore, logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	sessions, err := session.NewManager(context.Background(), cfg, nil, store, nil, logger)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	t.Cleanup(sessions.Close)

	rt := New(cfg, logger)
	rt.store = store
	rt.sessions = sessions
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", rt.handleHealth)
	rt.registerSessionRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url string, body []byte) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, data
}

func decode(t *testing.T, data []byte, v any) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
}

func waitForState(t *testing.T, url, state string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		status, data := do(t, http.MethodGet, url, nil)
		if status == http.StatusOK {
			var body sessionBody
			decode(t, data, &body)
			if body.Status.State == state {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("session never reached %s", state)
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t)
	status, body := do(t, http.MethodGet, srv.URL+"/healthz", nil)
	if status != http.StatusOK || string(body) != "ok" {
		t.Fatalf("unexpected health response %d %q", status, body)
	}
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t)

	status, data := do(t, http.MethodPost, srv.URL+"/v1/sessions", []byte(`{"language":"es-ES"}`))
	if status != http.StatusCreated {
		t.Fatalf("create: %d %s", status, data)
	}
	var created sessionBody
	decode(t, data, &created)
	if created.ID == "" {
		t.Fatal("expected session id")
	}
	sessionURL := srv.URL + "/v1/sessions/" + created.ID
	waitForState(t, sessionURL, "listening")

	status, data = do(t, http.MethodGet, srv.URL+"/v1/sessions", nil)
	var list struct {
		Sessions []sessionBody `json:"sessions"`
	}
	decode(t, data, &list)
	if status != http.StatusOK || len(list.Sessions) != 1 || list.Sessions[0].ID != created.ID {
		t.Fatalf("unexpected list %d %s", status, data)
	}

	if status, _ := do(t, http.MethodPost, sessionURL+"/start", nil); status != http.StatusConflict {
		t.Fatalf("expected conflict starting an active session, got %d", status)
	}
	if status, _ := do(t, http.MethodPost, sessionURL+"/audio", []byte{1, 2, 3}); status != http.StatusBadRequest {
		t.Fatalf("expected odd-length audio rejected, got %d", status)
	}
	if status, _ := do(t, http.MethodPost, sessionURL+"/audio", make([]byte, 64)); status != http.StatusAccepted {
		t.Fatalf("expected audio accepted, got %d", status)
	}

	status, data = do(t, http.MethodPost, sessionURL+"/stop", nil)
	var stopped sessionBody
	decode(t, data, &stopped)
	if status != http.StatusOK || stopped.Status.State != "idle" {
		t.Fatalf("unexpected stop response %d %s", status, data)
	}

	status, data = do(t, http.MethodGet, sessionURL+"/timeline", nil)
	if status != http.StatusOK {
		t.Fatalf("timeline: %d %s", status, data)
	}
	var timeline timelineBody
	decode(t, data, &timeline)
	if timeline.Session.Language != "es-ES" || len(timeline.Events) < 3 {
		t.Fatalf("unexpected timeline %s", data)
	}
	if timeline.Events[0].State != "speaking" {
		t.Fatalf("expected timeline to open with speaking, got %+v", timeline.Events[0])
	}

	if status, _ := do(t, http.MethodDelete, sessionURL, nil); status != http.StatusNoContent {
		t.Fatalf("expected delete to succeed, got %d", status)
	}
	if status, _ := do(t, http.MethodGet, sessionURL, nil); status != http.StatusNotFound {
		t.Fatalf("expected removed session to be gone, got %d", status)
	}
	if status, _ := do(t, http.MethodGet, sessionURL+"/timeline?limit=2", nil); status != http.StatusOK {
		t.Fatalf("expected persistent timeline after removal, got %d", status)
	}
}

func TestSessionErrors(t *testing.T) {
	srv := newTestServer(t)

	if status, _ := do(t, http.MethodGet, srv.URL+"/v1/sessions/missing", nil); status != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", status)
	}
	if status, _ := do(t, http.MethodPost, srv.URL+"/v1/sessions/missing/stop", nil); status != http.StatusNotFound {
		t.Fatalf("expected 404 stopping unknown session, got %d", status)
	}
	if status, _ := do(t, http.MethodPost, srv.URL+"/v1/sessions/missing/audio", []byte{0, 0}); status != http.StatusNotFound {
		t.Fatalf("expected 404 pushing audio, got %d", status)
	}
	if status, _ := do(t, http.MethodGet, srv.URL+"/v1/sessions/missing/timeline?limit=x", nil); status != http.StatusBadRequest {
		t.Fatalf("expected bad limit rejected, got %d", status)
	}
	if status, _ := do(t, http.MethodPost, srv.URL+"/v1/sessions", []byte("{")); status != http.StatusBadRequest {
		t.Fatalf("expected malformed body rejected, got %d", status)
	}
	if status, _ := do(t, http.MethodPost, srv.URL+"/v1/sessions", []byte(`{"device":"kitchen"}`)); status != http.StatusCreated {
		t.Fatalf("expected device session without bus playback to start, got %d", status)
	}
	if status, _ := do(t, http.MethodPost, srv.URL+"/v1/sessions", nil); status != http.StatusCreated {
		t.Fatalf("expected second session, got %d", status)
	}
	if status, _ := do(t, http.MethodPost, srv.URL+"/v1/sessions", nil); status != http.StatusConflict {
		t.Fatalf("expected max active sessions enforced, got %d", status)
	}
	if status, _ := do(t, http.MethodDelete, srv.URL+"/v1/speech-cache", nil); status != http.StatusNoContent {
		t.Fatalf("expected cache clear without cache to succeed, got %d", status)
	}
}
