package thinker

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-voice/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// scriptedRelay answers every call with the given fragments, waiting on gate
// (if set) before sending the end marker.
func scriptedRelay(t *testing.T, fragments []string, gate chan struct{}, got chan<- []protocol.ChatMessage) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer token" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var history []protocol.ChatMessage
		if err := conn.ReadJSON(&history); err != nil {
			return
		}
		if got != nil {
			got <- history
		}
		for _, f := range fragments {
			if err := conn.WriteJSON(protocol.ReplyFragment(f)); err != nil {
				return
			}
		}
		if gate != nil {
			<-gate
		}
		_ = conn.WriteJSON(protocol.ReplyMessage{})
		_ = conn.WriteJSON(protocol.ReplyFragment("late"))
		_ = conn.WriteJSON(protocol.ReplyMessage{})
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

type record struct {
	mu        sync.Mutex
	fragments []string
	finishes  int
	errs      []error
}

func (r *record) handlers() Handlers {
	return Handlers{
		OnFragment: func(s string) {
			r.mu.Lock()
			r.fragments = append(r.fragments, s)
			r.mu.Unlock()
		},
		OnFinish: func() {
			r.mu.Lock()
			r.finishes++
			r.mu.Unlock()
		},
		OnError: func(err error) {
			r.mu.Lock()
			r.errs = append(r.errs, err)
			r.mu.Unlock()
		},
	}
}

func (r *record) state() ([]string, int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.fragments...), r.finishes, len(r.errs)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestCallGptStreamsAndFinishesOnce(t *testing.T) {
	got := make(chan []protocol.ChatMessage, 1)
	url := scriptedRelay(t, []string{"Hola", ", ¿qué", " tal?"}, nil, got)
	th := New(Options{
		RelayURL:    url,
		AuthToken:   "token",
		PreMessages: []protocol.ChatMessage{{Role: protocol.RoleSystem, Content: "Be brief."}},
	}, newLogger())
	defer th.Close()
	rec := &record{}

	th.CallGpt(context.Background(), []protocol.ChatMessage{{Role: protocol.RoleUser, Content: "Quiero ayuda"}}, rec.handlers())

	history := <-got
	if len(history) != 2 || history[0].Role != protocol.RoleSystem || history[1].Content != "Quiero ayuda" {
		t.Fatalf("unexpected history %+v", history)
	}
	waitFor(t, func() bool {
		_, finishes, _ := rec.state()
		return finishes == 1
	})
	time.Sleep(50 * time.Millisecond)
	fragments, finishes, errs := rec.state()
	if strings.Join(fragments, "") != "Hola, ¿qué tal?" {
		t.Fatalf("unexpected fragments %v", fragments)
	}
	if finishes != 1 || errs != 0 {
		t.Fatalf("expected exactly one finish and no errors, got %d/%d", finishes, errs)
	}
}

func TestStopGptDropsLaterFragments(t *testing.T) {
	gate := make(chan struct{})
	url := scriptedRelay(t, []string{"one"}, gate, nil)
	th := New(Options{RelayURL: url, AuthToken: "token"}, newLogger())
	defer th.Close()
	rec := &record{}

	th.CallGpt(context.Background(), nil, rec.handlers())
	waitFor(t, func() bool {
		fragments, _, _ := rec.state()
		return len(fragments) == 1
	})
	th.StopGpt()
	th.StopGpt()
	close(gate)

	time.Sleep(100 * time.Millisecond)
	fragments, finishes, errs := rec.state()
	if len(fragments) != 1 || finishes != 0 || errs != 0 {
		t.Fatalf("expected silence after stop, got %v finishes=%d errs=%d", fragments, finishes, errs)
	}
}

func TestNewCallStopsPrevious(t *testing.T) {
	gate := make(chan struct{})
	url := scriptedRelay(t, nil, gate, nil)
	th := New(Options{RelayURL: url, AuthToken: "token"}, newLogger())
	defer th.Close()
	first, second := &record{}, &record{}

	th.CallGpt(context.Background(), nil, first.handlers())
	th.CallGpt(context.Background(), nil, second.handlers())
	close(gate)

	waitFor(t, func() bool {
		_, finishes, _ := second.state()
		return finishes == 1
	})
	time.Sleep(50 * time.Millisecond)
	if _, finishes, errs := first.state(); finishes != 0 || errs != 0 {
		t.Fatalf("superseded call must stay silent, finishes=%d errs=%d", finishes, errs)
	}
}

func TestTransportErrorReported(t *testing.T) {
	url := scriptedRelay(t, nil, nil, nil)
	th := New(Options{RelayURL: url}, newLogger())
	defer th.Close()
	rec := &record{}

	th.CallGpt(context.Background(), nil, rec.handlers())
	waitFor(t, func() bool {
		_, _, errs := rec.state()
		return errs == 1
	})
	if _, finishes, _ := rec.state(); finishes != 0 {
		t.Fatal("failed call must not finish")
	}
}
