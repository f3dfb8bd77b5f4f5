// Package relay serves the speech, reply and transcription backends over
// websockets so clients never hold model credentials.
package relay

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/llm"
	"github.com/loqalabs/loqa-voice/internal/stt"
	"github.com/loqalabs/loqa-voice/internal/tts"
)

const (
	PathSpeech     = "/v1/speech"
	PathReply      = "/v1/reply"
	PathTranscribe = "/v1/transcribe"
)

type Server struct {
	cfg        config.RelayConfig
	generator  llm.Generator
	synth      tts.Synthesizer
	recognizer stt.Recognizer
	logger     *slog.Logger
	upgrader   websocket.Upgrader

	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	httpServer *http.Server
	addr       string
}

func NewServer(parent context.Context, cfg config.RelayConfig, generator llm.Generator, synth tts.Synthesizer, recognizer stt.Recognizer, logger *slog.Logger) *Server {
	ctx, cancel := context.WithCancel(parent)
	return &Server{
		cfg:        cfg,
		generator:  generator,
		synth:      synth,
		recognizer: recognizer,
		logger:     logger.With(slog.String("component", "relay")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 << 10,
			WriteBufferSize: 16 << 10,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

// Handler routes the three relay endpoints behind bearer authentication.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(PathSpeech, s.handleSpeech)
	mux.HandleFunc(PathReply, s.handleReply)
	mux.HandleFunc(PathTranscribe, s.handleTranscribe)
	return s.authorize(mux)
}

// Start listens on the configured address. It is a no-op when the relay is
// disabled.
func (s *Server) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", s.cfg.Bind, s.cfg.Port))
	if err != nil {
		return fmt.Errorf("relay listen: %w", err)
	}
	s.addr = ln.Addr().String()
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return s.ctx },
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("relay server failed", slogError(err))
		}
	}()
	s.logger.Info("relay listening", slog.String("addr", s.addr))
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string { return s.addr }

func (s *Server) Healthy() bool { return !s.cfg.Enabled || s.httpServer != nil }

func (s *Server) Close() {
	s.cancel()
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		// Hijacked websocket connections are not tracked by Shutdown; the
		// cancelled base context ends them.
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Warn("relay shutdown error", slogError(err))
		}
	}
	s.wg.Wait()
}

func (s *Server) authorize(next http.Handler) http.Handler {
	if s.cfg.AuthToken == "" {
		return next
	}
	want := []byte(s.cfg.AuthToken)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// upgrade accepts the websocket and returns a context that ends when the
// client goes away or the server closes.
func (s *Server) upgrade(w http.ResponseWriter, r *http.Request) (*websocket.Conn, context.Context, context.CancelFunc, bool) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", slogError(err))
		return nil, nil, nil, false
	}
	ctx, cancel := context.WithCancel(s.ctx)
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	return conn, ctx, func() {
		stop()
		cancel()
		_ = conn.Close()
	}, true
}

func timeout(ms int) time.Duration {
	if ms <= 0 {
		return 45 * time.Second
	}
	return time.Duration(ms) * time.Millisecond
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
