package tts

import (
	"context"
	"fmt"

	"github.com/loqalabs/loqa-voice/internal/config"
)

// SynthRequest contains parameters to synthesize speech.
type SynthRequest struct {
	Text         string
	Voice        string
	LanguageCode string
	Engine       string
}

// SynthChunk contains PCM16 LE data.
type SynthChunk struct {
	Sequence   int
	SampleRate int
	Channels   int
	PCM        []byte
	Final      bool
}

// Synthesizer is the contract for producing audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error)
}

// New builds the synthesizer selected by cfg.Mode.
func New(cfg config.TTSConfig) (Synthesizer, error) {
	switch cfg.Mode {
	case "mock", "":
		return NewMockSynth(cfg.SampleRate, cfg.Channels), nil
	case "exec":
		return NewExecSynth(cfg.Command, cfg.SampleRate, cfg.Channels)
	case "openai":
		return NewOpenAISynth(cfg.APIKey, cfg.BaseURL, cfg.Model), nil
	default:
		return nil, fmt.Errorf("unsupported tts mode %q", cfg.Mode)
	}
}

// Collect drains a synthesis into one buffer.
func Collect(ctx context.Context, s Synthesizer, req SynthRequest) ([]byte, int, error) {
	chunks, errs := s.Synthesize(ctx, req)
	var (
		out        []byte
		sampleRate int
	)
	for chunks != nil || errs != nil {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			if chunk.SampleRate > 0 {
				sampleRate = chunk.SampleRate
			}
			out = append(out, chunk.PCM...)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err != nil {
				return nil, 0, err
			}
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		}
	}
	return out, sampleRate, nil
}
