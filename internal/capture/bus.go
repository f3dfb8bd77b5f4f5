package capture

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-voice/internal/pcm"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/nats-io/nats.go"
)

// BusSource receives microphone frames published by an edge device on
// audio.frame.<device>.
type BusSource struct {
	conn    *nats.Conn
	subject string
	size    int
	logger  *slog.Logger

	mu   sync.Mutex
	sub  *nats.Subscription
	ch   chan []float32
	open bool
}

func NewBusSource(conn *nats.Conn, device string, logger *slog.Logger) *BusSource {
	return &BusSource{
		conn:    conn,
		subject: protocol.AudioFrameSubject(device),
		size:    64,
		logger:  logger.With(slog.String("component", "bus-capture"), slog.String("device", device)),
	}
}

func (s *BusSource) Open(ctx context.Context) (<-chan []float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open {
		return nil, ErrAlreadyOpen
	}
	ch := make(chan []float32, s.size)
	sub, err := s.conn.Subscribe(s.subject, s.handleFrame)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", s.subject, err)
	}
	s.sub = sub
	s.ch = ch
	s.open = true
	return ch, nil
}

func (s *BusSource) handleFrame(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		s.logger.Warn("failed to decode audio frame", slog.String("error", err.Error()))
		return
	}
	if len(frame.PCM) == 0 {
		return
	}
	samples := pcm.Float(frame.PCM)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return
	}
	select {
	case s.ch <- samples:
	default:
		s.logger.Debug("dropping audio frame, listener behind", slog.Int("sequence", frame.Sequence))
	}
}

func (s *BusSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return nil
	}
	s.open = false
	close(s.ch)
	var err error
	if s.sub != nil {
		err = s.sub.Unsubscribe()
		s.sub = nil
	}
	return err
}
