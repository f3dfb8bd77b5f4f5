// Package listener streams microphone audio to the transcription relay and
// reports confirmed transcript fragments and silence timeouts.
package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-voice/internal/pcm"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"golang.org/x/sync/errgroup"
)

var ErrNoLanguage = errors.New("listener: no language configured")

// Source delivers microphone samples in [-1, 1] until closed.
type Source interface {
	Open(ctx context.Context) (<-chan []float32, error)
	Close() error
}

type Options struct {
	RelayURL        string
	AuthToken       string
	Language        string
	MaxChunkSamples int
	// SpeechThreshold is the RMS, in PCM16 units, above which an outgoing
	// chunk counts as speech and holds off both silence timers.
	SpeechThreshold float64
	EndpointTimeout time.Duration
	AsleepTimeout   time.Duration
	DialTimeout     time.Duration
}

// Handlers are invoked from the listener's goroutines, one at a time. None of
// them fire after StopRecording returns, so they must not call back into the
// listener.
type Handlers struct {
	OnData    func(fragment string)
	OnTimeout func(asleep bool)
	OnError   func(err error)
}

type Listener struct {
	source Source
	opts   Options
	logger *slog.Logger
	dialer *websocket.Dialer

	mu  sync.Mutex
	rec *recording
	wg  sync.WaitGroup
}

func New(source Source, opts Options, logger *slog.Logger) *Listener {
	if opts.EndpointTimeout <= 0 {
		opts.EndpointTimeout = time.Second
	}
	if opts.AsleepTimeout <= 0 {
		opts.AsleepTimeout = 5 * time.Second
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 3 * time.Second
	}
	if opts.SpeechThreshold <= 0 {
		opts.SpeechThreshold = 500
	}
	return &Listener{
		source: source,
		opts:   opts,
		logger: logger.With(slog.String("component", "listener")),
		dialer: &websocket.Dialer{HandshakeTimeout: opts.DialTimeout},
	}
}

// StartRecording stops any recording in progress, opens the source and
// starts streaming to the relay. Relay connection errors arrive via OnError.
func (l *Listener) StartRecording(ctx context.Context, h Handlers) error {
	if l.opts.Language == "" {
		return ErrNoLanguage
	}
	l.StopRecording()

	samples, err := l.source.Open(ctx)
	if err != nil {
		return fmt.Errorf("open capture source: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	rec := &recording{l: l, handlers: h, cancel: cancel}
	rec.mu.Lock()
	rec.asleep = time.AfterFunc(l.opts.AsleepTimeout, func() { rec.timeout(true) })
	rec.mu.Unlock()

	l.mu.Lock()
	l.rec = rec
	l.mu.Unlock()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		rec.run(ctx, samples)
	}()
	return nil
}

// StopRecording cancels timers, releases the source and closes the relay
// socket. It is safe to call when not recording.
func (l *Listener) StopRecording() {
	l.mu.Lock()
	rec := l.rec
	l.rec = nil
	l.mu.Unlock()
	if rec == nil {
		return
	}
	rec.stop()
	if err := l.source.Close(); err != nil {
		l.logger.Warn("failed to close capture source", slogError(err))
	}
}

func (l *Listener) IsRecording() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rec != nil
}

// Close stops recording and waits for relay goroutines to exit.
func (l *Listener) Close() {
	l.StopRecording()
	l.wg.Wait()
}

type recording struct {
	l        *Listener
	handlers Handlers
	cancel   context.CancelFunc

	// dispatch is held while a handler runs; stop waits on it.
	dispatch sync.Mutex

	mu       sync.Mutex
	conn     *websocket.Conn
	endpoint *time.Timer
	asleep   *time.Timer
	heard    bool
	fired    bool
	stopped  bool
}

func (r *recording) run(ctx context.Context, samples <-chan []float32) {
	header := http.Header{}
	if r.l.opts.AuthToken != "" {
		header.Set("Authorization", "Bearer "+r.l.opts.AuthToken)
	}
	conn, _, err := r.l.dialer.DialContext(ctx, r.l.opts.RelayURL, header)
	if err != nil {
		r.fail(fmt.Errorf("dial transcription relay: %w", err))
		return
	}
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		conn.Close()
		return
	}
	r.conn = conn
	r.mu.Unlock()
	defer conn.Close()

	setup := protocol.TranscribeRequest{Setup: &protocol.TranscribeSetup{Language: r.l.opts.Language}}
	if err := conn.WriteJSON(setup); err != nil {
		r.fail(fmt.Errorf("send transcription setup: %w", err))
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(gctx, func() { _ = conn.Close() })
	defer stop()

	g.Go(func() error { return r.pump(gctx, conn, samples) })
	g.Go(func() error { return r.read(conn) })
	if err := g.Wait(); err != nil {
		r.fail(err)
	}
}

func (r *recording) pump(ctx context.Context, conn *websocket.Conn, samples <-chan []float32) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case chunk, ok := <-samples:
			if !ok {
				return nil
			}
			if limit := r.l.opts.MaxChunkSamples; limit > 0 && len(chunk) > limit {
				r.l.logger.Debug("skipping oversized capture chunk", slog.Int("samples", len(chunk)))
				continue
			}
			data := pcm.Encode(chunk)
			if pcm.RMS(pcm.Decode(data)) >= r.l.opts.SpeechThreshold {
				r.speaking()
			}
			msg := protocol.TranscribeRequest{AudioEvent: &protocol.AudioEvent{AudioChunk: data}}
			if err := conn.WriteJSON(msg); err != nil {
				return fmt.Errorf("send audio: %w", err)
			}
		}
	}
}

func (r *recording) read(conn *websocket.Conn) error {
	for {
		var msg protocol.TranscriptMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if r.isStopped() {
				return nil
			}
			return fmt.Errorf("read transcript: %w", err)
		}
		switch {
		case msg.Error != "":
			return fmt.Errorf("transcription relay: %s", msg.Error)
		case msg.Data == nil:
			r.timeout(msg.IsAsleep)
		default:
			r.data(*msg.Data)
		}
	}
}

// speaking restarts the silence clock while audio above the speech threshold
// is going out. Before the first fragment that is the asleep timer; after it,
// the endpoint timer.
func (r *recording) speaking() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped || r.fired {
		return
	}
	if r.heard {
		r.endpoint.Reset(r.l.opts.EndpointTimeout)
		return
	}
	r.asleep.Reset(r.l.opts.AsleepTimeout)
}

func (r *recording) data(fragment string) {
	r.dispatch.Lock()
	defer r.dispatch.Unlock()

	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.asleep.Stop()
	if r.endpoint == nil {
		r.endpoint = time.AfterFunc(r.l.opts.EndpointTimeout, func() { r.timeout(false) })
	} else {
		r.endpoint.Reset(r.l.opts.EndpointTimeout)
	}
	r.heard = true
	r.fired = false
	h := r.handlers.OnData
	r.mu.Unlock()

	if h != nil {
		h(fragment)
	}
}

// timeout fires at most once per stretch of silence.
func (r *recording) timeout(asleep bool) {
	r.dispatch.Lock()
	defer r.dispatch.Unlock()

	r.mu.Lock()
	if r.stopped || r.fired {
		r.mu.Unlock()
		return
	}
	r.fired = true
	r.asleep.Stop()
	if r.endpoint != nil {
		r.endpoint.Stop()
	}
	h := r.handlers.OnTimeout
	r.mu.Unlock()

	if h != nil {
		h(asleep)
	}
}

func (r *recording) fail(err error) {
	r.dispatch.Lock()
	defer r.dispatch.Unlock()

	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	h := r.handlers.OnError
	r.mu.Unlock()

	r.l.logger.Warn("recording failed", slogError(err))
	if h != nil {
		h(err)
	}
}

func (r *recording) stop() {
	r.mu.Lock()
	r.stopped = true
	r.asleep.Stop()
	if r.endpoint != nil {
		r.endpoint.Stop()
	}
	conn := r.conn
	r.mu.Unlock()

	r.cancel()
	if conn != nil {
		_ = conn.Close()
	}
	// Wait out a handler that was already running.
	r.dispatch.Lock()
	r.dispatch.Unlock()
}

func (r *recording) isStopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
