package tts

import (
	"context"
	"errors"
	"fmt"
	"io"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAI speech is raw 24kHz mono PCM16 when requested as pcm.
const openAISampleRate = 24000

// openAIVoices lists the voices the speech endpoint accepts; anything else
// falls back to alloy.
var openAIVoices = map[string]openai.SpeechVoice{
	"alloy":   openai.VoiceAlloy,
	"echo":    openai.VoiceEcho,
	"fable":   openai.VoiceFable,
	"onyx":    openai.VoiceOnyx,
	"nova":    openai.VoiceNova,
	"shimmer": openai.VoiceShimmer,
}

type openAISynth struct {
	client *openai.Client
	model  string
}

func NewOpenAISynth(apiKey, baseURL, model string) Synthesizer {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if model == "" {
		model = string(openai.TTSModel1)
	}
	return &openAISynth{client: openai.NewClientWithConfig(cfg), model: model}
}

func (o *openAISynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)

		voice, ok := openAIVoices[req.Voice]
		if !ok {
			voice = openai.VoiceAlloy
		}
		resp, err := o.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
			Model:          openai.SpeechModel(o.model),
			Input:          req.Text,
			Voice:          voice,
			ResponseFormat: openai.SpeechResponseFormatPcm,
		})
		if err != nil {
			errs <- fmt.Errorf("openai speech: %w", err)
			return
		}
		defer resp.Close()

		buf := make([]byte, 32*1024)
		sequence := 0
		var carry []byte
		for {
			n, rerr := resp.Read(buf)
			if n > 0 {
				data := append(carry, buf[:n]...)
				even := len(data) &^ 1
				carry = append([]byte(nil), data[even:]...)
				select {
				case chunks <- SynthChunk{
					Sequence:   sequence,
					SampleRate: openAISampleRate,
					Channels:   1,
					PCM:        append([]byte(nil), data[:even]...),
				}:
				case <-ctx.Done():
					errs <- ctx.Err()
					return
				}
				sequence++
			}
			if errors.Is(rerr, io.EOF) {
				return
			}
			if rerr != nil {
				errs <- fmt.Errorf("read openai speech: %w", rerr)
				return
			}
		}
	}()
	return chunks, errs
}
