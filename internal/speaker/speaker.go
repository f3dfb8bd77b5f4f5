// Package speaker plays synthesized utterances one at a time. Utterances
// queue behind the active one; an utterance marked join is merged with the
// one ahead of it so both are synthesized as a single request.
package speaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-voice/internal/pcm"
	"github.com/loqalabs/loqa-voice/internal/protocol"
)

var (
	ErrClosed      = errors.New("speaker closed")
	ErrInterrupted = errors.New("speech interrupted")
)

// Synthesizer turns text into audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, req protocol.SpeechRequest) (pcm.Clip, error)
}

// Player renders a clip and blocks until it has finished or ctx is done.
type Player interface {
	Play(ctx context.Context, clip pcm.Clip) error
}

// LevelMeter is implemented by players that can report the loudness of the
// audio currently playing, 0-255.
type LevelMeter interface {
	Level() int
}

// Cache stores synthesized audio by exact text.
type Cache interface {
	Get(ctx context.Context, text string) (pcm.Clip, bool, error)
	Put(ctx context.Context, text string, clip pcm.Clip) error
	Clear(ctx context.Context) error
}

type Options struct {
	LanguageCode     string
	VoiceID          string
	Engine           string
	FrameInterval    time.Duration
	SynthesisTimeout time.Duration
	PlaybackTimeout  time.Duration
	// OnPlaying receives the playback level once per frame interval.
	OnPlaying func(level int)
	// OnError receives synthesis and playback failures.
	OnError func(err error)
}

type utterance struct {
	text string
	join bool
	done func()
	fail func(error)
}

type Speaker struct {
	synth  Synthesizer
	player Player
	cache  Cache
	opts   Options
	logger *slog.Logger

	mu          sync.Mutex
	queue       []utterance
	speaking    bool
	epoch       uint64
	cancel      context.CancelFunc
	interrupted chan struct{}
	closed      bool

	// dispatch is held while callbacks run; ShutUp takes it too.
	dispatch sync.Mutex
	playMu   sync.Mutex
	wg       sync.WaitGroup
}

// New creates a speaker. cache may be nil.
func New(synth Synthesizer, player Player, cache Cache, opts Options, logger *slog.Logger) *Speaker {
	if opts.FrameInterval <= 0 {
		opts.FrameInterval = 16 * time.Millisecond
	}
	return &Speaker{
		synth:       synth,
		player:      player,
		cache:       cache,
		opts:        opts,
		logger:      logger.With(slog.String("component", "speaker")),
		interrupted: make(chan struct{}),
	}
}

// Speak queues text. onComplete runs after the audio has played, unless the
// speaker is shut up first or the batch fails. It never blocks.
func (s *Speaker) Speak(text string, join bool, onComplete func()) {
	s.enqueue(utterance{text: text, join: join, done: onComplete})
}

// SpeakAndWait queues text and blocks until it has played.
func (s *Speaker) SpeakAndWait(ctx context.Context, text string) error {
	done := make(chan struct{})
	failed := make(chan error, 1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	interrupted := s.interrupted
	s.mu.Unlock()

	s.enqueue(utterance{
		text: text,
		done: func() { close(done) },
		fail: func(err error) { failed <- err },
	})

	select {
	case <-done:
		return nil
	case err := <-failed:
		return err
	case <-interrupted:
		return ErrInterrupted
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Speaker) enqueue(u utterance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.queue = append(s.queue, u)
	if !s.speaking {
		s.speaking = true
		s.wg.Add(1)
		go s.drain(s.epoch)
	}
}

// ShutUp stops the active utterance and discards the queue. Pending
// callbacks are dropped and open streams stop emitting. No callback runs
// after ShutUp returns, so callbacks must not call it.
func (s *Speaker) ShutUp() {
	s.dispatch.Lock()
	defer s.dispatch.Unlock()

	s.mu.Lock()
	s.epoch++
	s.queue = nil
	s.speaking = false
	cancel := s.cancel
	s.cancel = nil
	close(s.interrupted)
	s.interrupted = make(chan struct{})
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

func (s *Speaker) IsSpeaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speaking
}

// ForgetCachedSpeech clears the speech cache, if any.
func (s *Speaker) ForgetCachedSpeech(ctx context.Context) error {
	if s.cache == nil {
		return nil
	}
	return s.cache.Clear(ctx)
}

// Close shuts the speaker up and waits for the drain goroutine to exit.
func (s *Speaker) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.ShutUp()
	s.wg.Wait()
}

func (s *Speaker) stopped(epoch uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed || s.epoch != epoch
}

func (s *Speaker) currentEpoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

func (s *Speaker) drain(epoch uint64) {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		if s.epoch != epoch {
			s.mu.Unlock()
			return
		}
		if len(s.queue) == 0 {
			s.speaking = false
			s.mu.Unlock()
			return
		}
		batch := s.popBatch()
		ctx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		s.mu.Unlock()

		var text strings.Builder
		for _, u := range batch {
			text.WriteString(u.text)
		}
		err := s.say(ctx, text.String())
		cancel()

		s.dispatch.Lock()
		s.mu.Lock()
		stale := s.epoch != epoch
		if !stale {
			s.cancel = nil
		}
		s.mu.Unlock()
		if stale {
			s.dispatch.Unlock()
			return
		}
		s.settle(batch, err)
		s.dispatch.Unlock()
	}
}

// settle runs the callbacks of a finished batch. Callers hold s.dispatch.
func (s *Speaker) settle(batch []utterance, err error) {
	if err != nil {
		s.logger.Warn("utterance failed", slog.Int("utterances", len(batch)), slogError(err))
		for _, u := range batch {
			if u.fail != nil {
				u.fail(err)
			}
		}
		if s.opts.OnError != nil {
			s.opts.OnError(err)
		}
		return
	}
	for _, u := range batch {
		if u.done != nil {
			u.done()
		}
	}
}

// popBatch removes the head of the queue and every joined utterance directly
// behind it. Callers hold s.mu.
func (s *Speaker) popBatch() []utterance {
	n := 1
	for n < len(s.queue) && s.queue[n].join {
		n++
	}
	batch := append([]utterance(nil), s.queue[:n]...)
	s.queue = s.queue[n:]
	return batch
}

func (s *Speaker) say(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	clip, err := s.load(ctx, text)
	if err != nil {
		return err
	}

	s.playMu.Lock()
	defer s.playMu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	playCtx := ctx
	if s.opts.PlaybackTimeout > 0 {
		var cancel context.CancelFunc
		playCtx, cancel = context.WithTimeout(ctx, s.opts.PlaybackTimeout)
		defer cancel()
	}
	stop := s.meter(playCtx)
	err = s.player.Play(playCtx, clip)
	stop()
	if err != nil {
		return fmt.Errorf("play: %w", err)
	}
	return nil
}

func (s *Speaker) load(ctx context.Context, text string) (pcm.Clip, error) {
	if s.cache != nil {
		clip, ok, err := s.cache.Get(ctx, text)
		if err != nil {
			s.logger.Warn("speech cache read failed", slogError(err))
		}
		if ok {
			return clip, nil
		}
	}

	synthCtx := ctx
	if s.opts.SynthesisTimeout > 0 {
		var cancel context.CancelFunc
		synthCtx, cancel = context.WithTimeout(ctx, s.opts.SynthesisTimeout)
		defer cancel()
	}
	clip, err := s.synth.Synthesize(synthCtx, protocol.SpeechRequest{
		Text:         text,
		LanguageCode: s.opts.LanguageCode,
		VoiceID:      s.opts.VoiceID,
		Engine:       s.opts.Engine,
	})
	if err != nil {
		return pcm.Clip{}, fmt.Errorf("synthesize: %w", err)
	}

	if s.cache != nil {
		if err := s.cache.Put(ctx, text, clip); err != nil {
			s.logger.Warn("speech cache write failed", slogError(err))
		}
	}
	return clip, nil
}

// meter polls the player level until the returned stop func is called.
func (s *Speaker) meter(ctx context.Context) func() {
	lm, ok := s.player.(LevelMeter)
	if !ok || s.opts.OnPlaying == nil {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(s.opts.FrameInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.opts.OnPlaying(lm.Level())
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
