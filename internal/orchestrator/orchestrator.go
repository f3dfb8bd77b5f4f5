// Package orchestrator runs the turn-taking loop of a voice session: greet,
// listen until the user pauses, stream a reply through the speaker, listen
// again.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-voice/internal/listener"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/loqalabs/loqa-voice/internal/speaker"
	"github.com/loqalabs/loqa-voice/internal/thinker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrClosed      = errors.New("orchestrator closed")
	ErrActive      = errors.New("session already active")
	ErrTurnTimeout = errors.New("turn timed out")
)

type State int

const (
	Idle State = iota
	Speaking
	Listening
)

func (s State) String() string {
	switch s {
	case Speaking:
		return "speaking"
	case Listening:
		return "listening"
	default:
		return "idle"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Listener is the transcription side of a session.
type Listener interface {
	StartRecording(ctx context.Context, h listener.Handlers) error
	StopRecording()
	Close()
}

// Thinker produces streamed replies.
type Thinker interface {
	CallGpt(ctx context.Context, history []protocol.ChatMessage, h thinker.Handlers)
	StopGpt()
	Close()
}

// Observer receives state changes, transcript and reply updates and errors.
// Notify is called from the loop goroutine and must not block.
type Observer interface {
	Notify(ev protocol.SessionEvent)
}

type ObserverFunc func(ev protocol.SessionEvent)

func (f ObserverFunc) Notify(ev protocol.SessionEvent) { f(ev) }

type Options struct {
	Greeting        string
	FollowUpPrompts []string
	RetainContext   bool
	// TurnTimeout bounds every stretch spent Speaking. Zero disables it.
	TurnTimeout time.Duration
}

// Status is a snapshot of the session for callers outside the loop.
type Status struct {
	State      State  `json:"state"`
	Transcript string `json:"transcript"`
	Reply      string `json:"reply"`
	Turns      int    `json:"turns"`
}

type Orchestrator struct {
	speaker  *speaker.Speaker
	listener Listener
	thinker  Thinker
	observer Observer
	opts     Options
	logger   *slog.Logger
	metrics  *metrics
	tracer   trace.Tracer
	pick     func(n int) int

	ctx       context.Context
	cancel    context.CancelFunc
	inbox     *mailbox
	done      chan struct{}
	closeOnce sync.Once
	gen       atomic.Uint64

	mu     sync.RWMutex
	status Status

	// Owned by the loop goroutine.
	state      State
	history    []protocol.ChatMessage
	transcript strings.Builder
	reply      strings.Builder
	stream     *speaker.Stream
	watchdog   *time.Timer
	turn       *turn
}

// New starts the loop in the Idle state. observer may be nil.
func New(parent context.Context, sp *speaker.Speaker, ls Listener, th Thinker, observer Observer, opts Options, logger *slog.Logger) *Orchestrator {
	if observer == nil {
		observer = ObserverFunc(func(protocol.SessionEvent) {})
	}
	logger = logger.With(slog.String("component", "orchestrator"))
	ctx, cancel := context.WithCancel(parent)
	o := &Orchestrator{
		speaker:  sp,
		listener: ls,
		thinker:  th,
		observer: observer,
		opts:     opts,
		logger:   logger,
		metrics:  newMetrics(otel.Meter("github.com/loqalabs/loqa-voice/orchestrator"), logger),
		tracer:   otel.Tracer("github.com/loqalabs/loqa-voice/orchestrator"),
		pick:     rand.IntN,
		ctx:      ctx,
		cancel:   cancel,
		inbox:    newMailbox(),
		done:     make(chan struct{}),
	}
	go o.run()
	return o
}

// Start greets the user and begins the listen/reply loop.
func (o *Orchestrator) Start(ctx context.Context) error {
	return o.command(ctx, cmdStart)
}

// Stop interrupts whatever the session is doing and returns it to Idle,
// forgetting the conversation.
func (o *Orchestrator) Stop(ctx context.Context) error {
	return o.command(ctx, cmdStop)
}

// SpeechFailed reports a speaker failure. It is meant to be wired to the
// speaker's OnError option.
func (o *Orchestrator) SpeechFailed(err error) {
	o.inbox.post(event{kind: evFailure, gen: o.gen.Load(), err: err, fromSpeaker: true})
}

func (o *Orchestrator) Status() Status {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.status
}

// Done is closed once the loop has exited.
func (o *Orchestrator) Done() <-chan struct{} {
	return o.done
}

// Close stops the session, exits the loop and releases the speaker,
// listener and thinker.
func (o *Orchestrator) Close() {
	o.closeOnce.Do(func() {
		o.cancel()
		<-o.done
		o.thinker.Close()
		o.listener.Close()
		o.speaker.Close()
	})
}

func (o *Orchestrator) command(ctx context.Context, kind eventKind) error {
	select {
	case <-o.done:
		return ErrClosed
	default:
	}
	reply := make(chan error, 1)
	o.inbox.post(event{kind: kind, reply: reply})
	select {
	case err := <-reply:
		return err
	case <-o.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) run() {
	defer close(o.done)
	for {
		select {
		case <-o.ctx.Done():
			o.halt(outcomeStopped)
			return
		case <-o.inbox.wake:
			for _, ev := range o.inbox.take() {
				o.handle(ev)
			}
		}
	}
}

func (o *Orchestrator) handle(ev event) {
	switch ev.kind {
	case cmdStart:
		ev.reply <- o.start()
		return
	case cmdStop:
		o.halt(outcomeStopped)
		ev.reply <- nil
		return
	}

	if ev.gen != o.gen.Load() {
		o.logger.Debug("dropping stale event", slog.String("event", ev.kind.String()))
		return
	}
	switch ev.kind {
	case evSpeechDone:
		o.onSpeechDone()
	case evTranscript:
		o.onTranscript(ev.text)
	case evTimeout:
		o.onTimeout(ev.asleep)
	case evReplyFragment:
		o.onReplyFragment(ev.text)
	case evReplyDone:
		o.onReplyDone()
	case evFailure:
		o.onFailure(ev.err, ev.fromSpeaker)
	case evTurnTimeout:
		o.onFailure(ev.err, false)
	}
}

// post returns a callback-safe poster bound to the current generation.
func (o *Orchestrator) post(kind eventKind) func(event) {
	gen := o.gen.Load()
	return func(ev event) {
		ev.kind = kind
		ev.gen = gen
		o.inbox.post(ev)
	}
}

func (o *Orchestrator) setState(s State) {
	prev := o.state
	o.state = s
	switch {
	case prev == Idle && s != Idle:
		o.metrics.sessionActive(o.ctx, 1)
	case prev != Idle && s == Idle:
		o.metrics.sessionActive(o.ctx, -1)
	}
	o.publishStatus()
	if prev != s {
		o.logger.Debug("state changed", slog.String("from", prev.String()), slog.String("to", s.String()))
		o.observer.Notify(protocol.SessionEvent{Kind: protocol.EventState, State: s.String()})
	}
}

func (o *Orchestrator) publishStatus() {
	o.mu.Lock()
	o.status = Status{
		State:      o.state,
		Transcript: o.transcript.String(),
		Reply:      o.reply.String(),
		Turns:      len(o.history),
	}
	o.mu.Unlock()
}

func (o *Orchestrator) notifyError(err error) {
	o.observer.Notify(protocol.SessionEvent{Kind: protocol.EventError, Error: err.Error()})
}

func (o *Orchestrator) followUp() string {
	if len(o.opts.FollowUpPrompts) == 0 {
		return ""
	}
	return o.opts.FollowUpPrompts[o.pick(len(o.opts.FollowUpPrompts))]
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
