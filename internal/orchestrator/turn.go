package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/loqalabs/loqa-voice/internal/listener"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/loqalabs/loqa-voice/internal/thinker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	outcomeCompleted = "completed"
	outcomeFailed    = "failed"
	outcomeStopped   = "stopped"
)

// turn is one user utterance answered by one streamed reply.
type turn struct {
	ctx         context.Context
	span        trace.Span
	started     time.Time
	firstClause bool
}

// advance invalidates every callback registered so far.
func (o *Orchestrator) advance() {
	o.gen.Add(1)
	if o.watchdog != nil {
		o.watchdog.Stop()
		o.watchdog = nil
	}
}

func (o *Orchestrator) start() error {
	if o.state != Idle {
		return ErrActive
	}
	o.logger.Info("session starting")
	o.history = nil
	o.transcript.Reset()
	o.reply.Reset()
	o.speakPrompt(o.opts.Greeting)
	return nil
}

// speakPrompt says a fixed line and listens once it has played.
func (o *Orchestrator) speakPrompt(text string) {
	if strings.TrimSpace(text) == "" {
		o.listen()
		return
	}
	o.advance()
	o.reply.Reset()
	o.reply.WriteString(text)
	o.setState(Speaking)
	o.armWatchdog()
	o.observer.Notify(protocol.SessionEvent{Kind: protocol.EventReply, Text: text})

	post := o.post(evSpeechDone)
	o.speaker.Speak(text, false, func() { post(event{}) })
}

func (o *Orchestrator) listen() {
	o.advance()
	o.transcript.Reset()

	onData := o.post(evTranscript)
	onTimeout := o.post(evTimeout)
	onError := o.post(evFailure)
	err := o.listener.StartRecording(o.ctx, listener.Handlers{
		OnData:    func(text string) { onData(event{text: text}) },
		OnTimeout: func(asleep bool) { onTimeout(event{asleep: asleep}) },
		OnError:   func(err error) { onError(event{err: err}) },
	})
	if err != nil {
		o.logger.Warn("failed to start listening", slogError(err))
		o.notifyError(err)
		o.toIdle()
		return
	}
	o.setState(Listening)
}

func (o *Orchestrator) onTranscript(text string) {
	if o.state != Listening {
		return
	}
	o.transcript.WriteString(text)
	o.publishStatus()
	o.observer.Notify(protocol.SessionEvent{Kind: protocol.EventTranscript, Text: o.transcript.String()})
}

func (o *Orchestrator) onTimeout(asleep bool) {
	if o.state != Listening {
		return
	}
	o.listener.StopRecording()
	if asleep {
		o.logger.Info("session went idle")
		o.toIdle()
		return
	}

	text := strings.TrimSpace(o.transcript.String())
	if text == "" {
		o.speakPrompt(o.followUp())
		return
	}
	o.beginTurn(text)
}

func (o *Orchestrator) beginTurn(text string) {
	if !o.opts.RetainContext {
		o.history = nil
	}
	o.history = append(o.history, protocol.ChatMessage{Role: protocol.RoleUser, Content: text})

	o.advance()
	o.reply.Reset()
	o.setState(Speaking)
	o.armWatchdog()

	ctx, span := o.tracer.Start(o.ctx, "voice.turn",
		trace.WithAttributes(attribute.Int("history.length", len(o.history))))
	o.turn = &turn{ctx: ctx, span: span, started: time.Now()}

	done := o.post(evSpeechDone)
	o.stream = o.speaker.SpeakStream(func() { done(event{}) })

	onFragment := o.post(evReplyFragment)
	onFinish := o.post(evReplyDone)
	onError := o.post(evFailure)
	history := append([]protocol.ChatMessage(nil), o.history...)
	o.thinker.CallGpt(ctx, history, thinker.Handlers{
		OnFragment: func(text string) { onFragment(event{text: text}) },
		OnFinish:   func() { onFinish(event{}) },
		OnError:    func(err error) { onError(event{err: err}) },
	})
}

func (o *Orchestrator) onReplyFragment(text string) {
	if o.turn == nil || o.stream == nil {
		return
	}
	o.reply.WriteString(text)
	o.stream.Fragment(text)
	o.publishStatus()
	o.observer.Notify(protocol.SessionEvent{Kind: protocol.EventReply, Text: o.reply.String()})

	if !o.turn.firstClause && utf8.RuneCountInString(o.stream.Pending()) < utf8.RuneCountInString(o.reply.String()) {
		o.turn.firstClause = true
		o.metrics.firstClause(o.turn.ctx, time.Since(o.turn.started))
	}
}

func (o *Orchestrator) onReplyDone() {
	if o.stream != nil {
		o.stream.End()
	}
}

func (o *Orchestrator) onSpeechDone() {
	if o.state != Speaking {
		return
	}
	if o.turn != nil {
		if reply := strings.TrimSpace(o.reply.String()); o.opts.RetainContext && reply != "" {
			o.history = append(o.history, protocol.ChatMessage{Role: protocol.RoleAssistant, Content: reply})
		}
		o.finishTurn(outcomeCompleted, nil)
	}
	o.listen()
}

func (o *Orchestrator) onFailure(err error, fromSpeaker bool) {
	if fromSpeaker && o.state != Speaking {
		return
	}
	o.logger.Warn("session step failed", slog.String("state", o.state.String()), slogError(err))
	o.notifyError(err)

	switch o.state {
	case Speaking:
		o.thinker.StopGpt()
		o.speaker.ShutUp()
		if o.turn != nil {
			// The unanswered user message is dropped with the turn.
			if n := len(o.history); n > 0 && o.history[n-1].Role == protocol.RoleUser {
				o.history = o.history[:n-1]
			}
			o.finishTurn(outcomeFailed, err)
		}
		o.listen()
	case Listening:
		o.listener.StopRecording()
		o.toIdle()
	}
}

// halt interrupts every component and returns to Idle.
func (o *Orchestrator) halt(outcome string) {
	if o.state == Idle {
		return
	}
	o.logger.Info("session stopping")
	o.thinker.StopGpt()
	o.speaker.ShutUp()
	o.listener.StopRecording()
	if o.turn != nil {
		o.finishTurn(outcome, nil)
	}
	o.toIdle()
}

func (o *Orchestrator) toIdle() {
	o.advance()
	o.history = nil
	o.transcript.Reset()
	o.reply.Reset()
	o.stream = nil
	o.setState(Idle)
}

func (o *Orchestrator) finishTurn(outcome string, err error) {
	t := o.turn
	o.turn = nil
	o.stream = nil

	t.span.SetAttributes(attribute.String("outcome", outcome))
	if err != nil {
		t.span.RecordError(err)
		t.span.SetStatus(codes.Error, err.Error())
	}
	t.span.End()
	o.metrics.turnFinished(o.ctx, outcome)
	o.logger.Info("turn finished", slog.String("outcome", outcome), slog.Duration("elapsed", time.Since(t.started)))
}

func (o *Orchestrator) armWatchdog() {
	if o.opts.TurnTimeout <= 0 {
		return
	}
	post := o.post(evTurnTimeout)
	o.watchdog = time.AfterFunc(o.opts.TurnTimeout, func() {
		post(event{err: fmt.Errorf("%w after %s", ErrTurnTimeout, o.opts.TurnTimeout)})
	})
}
