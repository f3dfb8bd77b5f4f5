// Package session owns the live voice sessions of a runtime: it builds the
// speaker, listener and thinker for each one and drives them through an
// orchestrator.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-voice/internal/bus"
	"github.com/loqalabs/loqa-voice/internal/capture"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/loqalabs/loqa-voice/internal/eventstore"
	"github.com/loqalabs/loqa-voice/internal/listener"
	"github.com/loqalabs/loqa-voice/internal/orchestrator"
	"github.com/loqalabs/loqa-voice/internal/pcm"
	"github.com/loqalabs/loqa-voice/internal/playback"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/loqalabs/loqa-voice/internal/speaker"
	"github.com/loqalabs/loqa-voice/internal/thinker"
	"github.com/loqalabs/loqa-voice/internal/tts"
)

var (
	ErrNotFound    = errors.New("session not found")
	ErrTooMany     = errors.New("too many active sessions")
	ErrNoDevice    = errors.New("a device is required for bus playback")
	ErrNoBus       = errors.New("bus playback requires a bus connection")
	ErrBusCapture  = errors.New("session captures audio from the bus")
	ErrManagerDone = errors.New("session manager closed")
)

// StartRequest describes a new session. Device names the edge device whose
// microphone and speaker are used over the bus; without one, audio is pushed
// through PushAudio.
type StartRequest struct {
	Device   string `json:"device,omitempty"`
	Language string `json:"language,omitempty"`
}

// Info is the externally visible description of a session.
type Info struct {
	ID        string              `json:"id"`
	Device    string              `json:"device,omitempty"`
	Language  string              `json:"language"`
	CreatedAt time.Time           `json:"created_at"`
	Status    orchestrator.Status `json:"status"`
}

type Session struct {
	id       string
	device   string
	language string
	created  time.Time
	orch     *orchestrator.Orchestrator
	pushed   *capture.ChanSource
}

func (s *Session) ID() string { return s.id }

func (s *Session) Info() Info {
	return Info{
		ID:        s.id,
		Device:    s.device,
		Language:  s.language,
		CreatedAt: s.created,
		Status:    s.orch.Status(),
	}
}

type Manager struct {
	cfg    config.Config
	bus    *bus.Client
	store  *eventstore.Store
	cache  speaker.Cache
	synth  speaker.Synthesizer
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// NewManager validates the speaker backend and returns an empty manager.
// busClient and cache may be nil.
func NewManager(parent context.Context, cfg config.Config, busClient *bus.Client, store *eventstore.Store, cache speaker.Cache, logger *slog.Logger) (*Manager, error) {
	synth, err := newSynthesizer(cfg.Speaker)
	if err != nil {
		return nil, err
	}
	if cfg.Speaker.Player == "bus" && busClient == nil {
		return nil, ErrNoBus
	}
	ctx, cancel := context.WithCancel(parent)
	return &Manager{
		cfg:      cfg,
		bus:      busClient,
		store:    store,
		cache:    cache,
		synth:    synth,
		logger:   logger.With(slog.String("component", "sessions")),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*Session),
	}, nil
}

func newSynthesizer(cfg config.SpeakerConfig) (speaker.Synthesizer, error) {
	switch cfg.Mode {
	case "relay":
		return speaker.NewRelaySynthesizer(cfg.RelayURL, cfg.AuthToken, cfg.SampleRate, 5*time.Second), nil
	case "cloud":
		return speaker.NewDirectSynthesizer(tts.NewOpenAISynth(cfg.APIKey, cfg.BaseURL, "")), nil
	default:
		return nil, fmt.Errorf("unsupported speaker mode %q", cfg.Mode)
	}
}

// Create builds a session and starts its greeting.
func (m *Manager) Create(ctx context.Context, req StartRequest) (*Session, error) {
	if m.cfg.Speaker.Player == "bus" && req.Device == "" {
		return nil, ErrNoDevice
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrManagerDone
	}
	if len(m.sessions) >= m.cfg.Sessions.MaxActive {
		m.mu.Unlock()
		return nil, ErrTooMany
	}
	id := uuid.NewString()
	// Reserve the slot while the session is built.
	m.sessions[id] = nil
	m.mu.Unlock()

	sess := m.build(id, req)
	if err := m.store.BeginSession(ctx, id, sess.language); err != nil {
		m.logger.Warn("failed to record session", slog.String("session_id", id), slogError(err))
	}
	err := sess.orch.Start(ctx)

	m.mu.Lock()
	if err == nil && m.closed {
		err = ErrManagerDone
	}
	if err != nil {
		delete(m.sessions, id)
		m.mu.Unlock()
		sess.orch.Close()
		return nil, err
	}
	m.sessions[id] = sess
	m.mu.Unlock()

	m.logger.Info("session started",
		slog.String("session_id", id),
		slog.String("device", req.Device),
		slog.String("language", sess.language))
	return sess, nil
}

func (m *Manager) build(id string, req StartRequest) *Session {
	logger := m.logger.With(slog.String("session_id", id))
	language := req.Language
	if language == "" {
		language = m.cfg.Listener.Language
	}
	sess := &Session{id: id, device: req.Device, language: language, created: time.Now().UTC()}

	var player speaker.Player
	switch m.cfg.Speaker.Player {
	case "bus":
		player = playback.NewBusPlayer(m.bus, req.Device, id, logger)
	default:
		player = playback.NewTimedPlayer()
	}

	var source listener.Source
	if req.Device != "" && m.bus != nil {
		source = capture.NewBusSource(m.bus.Conn(), req.Device, logger)
	} else {
		sess.pushed = capture.NewChanSource(64)
		source = sess.pushed
	}

	obs := newObserver(id, m.bus, m.store, logger)
	var orch *orchestrator.Orchestrator
	sp := speaker.New(m.synth, player, m.cache, speaker.Options{
		LanguageCode:     languageOr(req.Language, m.cfg.Speaker.LanguageCode),
		VoiceID:          m.cfg.Speaker.VoiceID,
		Engine:           m.cfg.Speaker.Engine,
		FrameInterval:    ms(m.cfg.Speaker.FrameIntervalMS),
		SynthesisTimeout: ms(m.cfg.Speaker.SynthesisTimeoutMS),
		PlaybackTimeout:  ms(m.cfg.Speaker.PlaybackTimeoutMS),
		OnPlaying: func(level int) {
			obs.Notify(protocol.SessionEvent{Kind: protocol.EventLevel, Level: level})
		},
		OnError: func(err error) { orch.SpeechFailed(err) },
	}, logger)

	ls := listener.New(source, listener.Options{
		RelayURL:        m.cfg.Listener.RelayURL,
		AuthToken:       m.cfg.Listener.AuthToken,
		Language:        language,
		MaxChunkSamples: m.cfg.Listener.MaxChunkSamples,
		SpeechThreshold: m.cfg.Listener.SpeechThreshold,
		EndpointTimeout: ms(m.cfg.Listener.EndpointTimeoutMS),
		AsleepTimeout:   ms(m.cfg.Listener.AsleepTimeoutMS),
		DialTimeout:     ms(m.cfg.Listener.DialTimeoutMS),
	}, logger)

	pre := make([]protocol.ChatMessage, 0, len(m.cfg.Thinker.PreMessages))
	for _, msg := range m.cfg.Thinker.PreMessages {
		pre = append(pre, protocol.ChatMessage{Role: msg.Role, Content: msg.Content})
	}
	th := thinker.New(thinker.Options{
		RelayURL:    m.cfg.Thinker.RelayURL,
		AuthToken:   m.cfg.Thinker.AuthToken,
		PreMessages: pre,
		DialTimeout: ms(m.cfg.Thinker.DialTimeoutMS),
	}, logger)

	orch = orchestrator.New(m.ctx, sp, ls, th, obs, orchestrator.Options{
		Greeting:        m.cfg.Conversation.Greeting,
		FollowUpPrompts: m.cfg.Conversation.FollowUpPrompts,
		RetainContext:   m.cfg.Conversation.RetainContext,
		TurnTimeout:     ms(m.cfg.Conversation.TurnTimeoutMS),
	}, logger)
	sess.orch = orch
	return sess
}

func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	return sess, ok && sess != nil
}

func (m *Manager) List() []Info {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		if sess != nil {
			sessions = append(sessions, sess)
		}
	}
	m.mu.Unlock()

	infos := make([]Info, 0, len(sessions))
	for _, sess := range sessions {
		infos = append(infos, sess.Info())
	}
	return infos
}

// Stop interrupts a session and leaves it Idle.
func (m *Manager) Stop(ctx context.Context, id string) error {
	sess, ok := m.Get(id)
	if !ok {
		return ErrNotFound
	}
	return sess.orch.Stop(ctx)
}

// Restart starts an Idle session again from its greeting.
func (m *Manager) Restart(ctx context.Context, id string) error {
	sess, ok := m.Get(id)
	if !ok {
		return ErrNotFound
	}
	return sess.orch.Start(ctx)
}

// Remove closes a session and forgets it.
func (m *Manager) Remove(ctx context.Context, id string) error {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if ok && sess != nil {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	if !ok || sess == nil {
		return ErrNotFound
	}
	m.close(ctx, sess)
	return nil
}

// PushAudio feeds PCM16 LE microphone audio to a session without a device.
// Audio arriving while the session is not listening is dropped.
func (m *Manager) PushAudio(id string, data []byte) error {
	sess, ok := m.Get(id)
	if !ok {
		return ErrNotFound
	}
	if sess.pushed == nil {
		return ErrBusCapture
	}
	sess.pushed.Push(pcm.Float(data))
	return nil
}

// ForgetCachedSpeech clears the shared speech cache.
func (m *Manager) ForgetCachedSpeech(ctx context.Context) error {
	if m.cache == nil {
		return nil
	}
	return m.cache.Clear(ctx)
}

func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Close tears down every session.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for id, sess := range m.sessions {
		if sess != nil {
			sessions = append(sessions, sess)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, sess := range sessions {
		m.close(ctx, sess)
	}
	m.cancel()
}

func (m *Manager) close(ctx context.Context, sess *Session) {
	sess.orch.Close()
	if err := m.store.EndSession(ctx, sess.id); err != nil {
		m.logger.Warn("failed to record session end", slog.String("session_id", sess.id), slogError(err))
	}
	m.logger.Info("session closed", slog.String("session_id", sess.id))
}

func languageOr(language, fallback string) string {
	if language != "" {
		return language
	}
	return fallback
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
