// Package capture provides microphone sources for the listener. Each Open
// starts a fresh stream of float samples in [-1, 1]; Close ends it.
package capture

import (
	"context"
	"errors"
	"sync"
)

var ErrAlreadyOpen = errors.New("capture source already open")

// ChanSource is fed by the caller through Push. It backs tests and any host
// that already owns the audio device.
type ChanSource struct {
	size int

	mu   sync.Mutex
	ch   chan []float32
	open bool
}

func NewChanSource(buffer int) *ChanSource {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChanSource{size: buffer}
}

func (s *ChanSource) Open(ctx context.Context) (<-chan []float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open {
		return nil, ErrAlreadyOpen
	}
	s.ch = make(chan []float32, s.size)
	s.open = true
	return s.ch, nil
}

// Push delivers samples to the open stream. It reports false when the source
// is closed or the buffer is full.
func (s *ChanSource) Push(samples []float32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return false
	}
	select {
	case s.ch <- samples:
		return true
	default:
		return false
	}
}

func (s *ChanSource) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

func (s *ChanSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open {
		close(s.ch)
		s.open = false
	}
	return nil
}
