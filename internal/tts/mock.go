package tts

import (
	"context"
	"math"
	"time"
	"unicode/utf8"

	"github.com/loqalabs/loqa-voice/internal/pcm"
)

const (
	mockLatency     = 50 * time.Millisecond
	mockPerRune     = 20 * time.Millisecond
	mockChunkFrames = 2048
)

// mockSynth renders a quiet 220Hz tone lasting 20ms per character, split into
// chunks the way a streaming engine would deliver it.
type mockSynth struct {
	sampleRate int
	channels   int
}

func NewMockSynth(sampleRate, channels int) Synthesizer {
	if sampleRate <= 0 {
		sampleRate = 22050
	}
	if channels <= 0 {
		channels = 1
	}
	return &mockSynth{sampleRate: sampleRate, channels: channels}
}

func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		timer := time.NewTimer(mockLatency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			errs <- ctx.Err()
			return
		case <-timer.C:
		}

		audio := tone(utf8.RuneCountInString(req.Text), m.sampleRate)
		step := mockChunkFrames * 2
		for seq, off := 0, 0; off < len(audio); seq, off = seq+1, off+step {
			end := min(off+step, len(audio))
			select {
			case chunks <- SynthChunk{
				Sequence:   seq,
				SampleRate: m.sampleRate,
				Channels:   m.channels,
				PCM:        audio[off:end],
				Final:      end == len(audio),
			}:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
	}()
	return chunks, errs
}

func tone(chars, sampleRate int) []byte {
	samples := make([]float32, pcm.Samples(time.Duration(chars)*mockPerRune, sampleRate))
	for i := range samples {
		samples[i] = float32(0.3 * math.Sin(2*math.Pi*220*float64(i)/float64(sampleRate)))
	}
	return pcm.Encode(samples)
}
