// Package thinker requests streamed replies from the reply relay.
package thinker

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-voice/internal/protocol"
)

type Options struct {
	RelayURL  string
	AuthToken string
	// PreMessages are sent ahead of the history on every call.
	PreMessages []protocol.ChatMessage
	DialTimeout time.Duration
}

// Handlers are invoked from the call goroutine. OnFinish fires at most once
// and never after StopGpt.
type Handlers struct {
	OnFragment func(text string)
	OnFinish   func()
	OnError    func(err error)
}

type Thinker struct {
	opts   Options
	logger *slog.Logger
	dialer *websocket.Dialer

	mu   sync.Mutex
	call *call
	wg   sync.WaitGroup
}

func New(opts Options, logger *slog.Logger) *Thinker {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 3 * time.Second
	}
	return &Thinker{
		opts:   opts,
		logger: logger.With(slog.String("component", "thinker")),
		dialer: &websocket.Dialer{HandshakeTimeout: opts.DialTimeout},
	}
}

// CallGpt sends the history to the relay and streams the reply. Any call in
// progress is stopped first.
func (t *Thinker) CallGpt(ctx context.Context, history []protocol.ChatMessage, h Handlers) {
	messages := make([]protocol.ChatMessage, 0, len(t.opts.PreMessages)+len(history))
	messages = append(messages, t.opts.PreMessages...)
	messages = append(messages, history...)

	ctx, cancel := context.WithCancel(ctx)
	c := &call{t: t, handlers: h, cancel: cancel}

	t.mu.Lock()
	prev := t.call
	t.call = c
	t.mu.Unlock()
	if prev != nil {
		prev.stop()
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		c.run(ctx, messages)
	}()
}

// StopGpt cancels the call in progress. Fragments still in flight are
// dropped and OnFinish is not invoked.
func (t *Thinker) StopGpt() {
	t.mu.Lock()
	c := t.call
	t.call = nil
	t.mu.Unlock()
	if c != nil {
		c.stop()
	}
}

// Close stops the current call and waits for it to exit.
func (t *Thinker) Close() {
	t.StopGpt()
	t.wg.Wait()
}

type call struct {
	t        *Thinker
	handlers Handlers
	cancel   context.CancelFunc

	mu       sync.Mutex
	conn     *websocket.Conn
	stopped  bool
	finished bool
}

func (c *call) run(ctx context.Context, messages []protocol.ChatMessage) {
	defer c.cancel()

	header := http.Header{}
	if c.t.opts.AuthToken != "" {
		header.Set("Authorization", "Bearer "+c.t.opts.AuthToken)
	}
	conn, _, err := c.t.dialer.DialContext(ctx, c.t.opts.RelayURL, header)
	if err != nil {
		c.fail(fmt.Errorf("dial reply relay: %w", err))
		return
	}
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.mu.Unlock()
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := conn.WriteJSON(messages); err != nil {
		c.fail(fmt.Errorf("send history: %w", err))
		return
	}

	for {
		var msg protocol.ReplyMessage
		if err := conn.ReadJSON(&msg); err != nil {
			c.fail(fmt.Errorf("read reply: %w", err))
			return
		}
		if msg.Error != "" {
			c.fail(fmt.Errorf("reply relay: %s", msg.Error))
			return
		}
		if msg.Data == nil {
			c.finish()
			return
		}
		c.fragment(*msg.Data)
	}
}

func (c *call) fragment(text string) {
	c.mu.Lock()
	active := !c.stopped && !c.finished
	c.mu.Unlock()
	if active && c.handlers.OnFragment != nil {
		c.handlers.OnFragment(text)
	}
}

func (c *call) finish() {
	c.mu.Lock()
	if c.stopped || c.finished {
		c.mu.Unlock()
		return
	}
	c.finished = true
	c.mu.Unlock()
	if c.handlers.OnFinish != nil {
		c.handlers.OnFinish()
	}
}

func (c *call) fail(err error) {
	c.mu.Lock()
	if c.stopped || c.finished {
		c.mu.Unlock()
		return
	}
	c.finished = true
	c.mu.Unlock()
	c.t.logger.Warn("reply call failed", slog.String("error", err.Error()))
	if c.handlers.OnError != nil {
		c.handlers.OnError(err)
	}
}

func (c *call) stop() {
	c.mu.Lock()
	c.stopped = true
	conn := c.conn
	c.mu.Unlock()
	c.cancel()
	if conn != nil {
		_ = conn.Close()
	}
}
