package stt

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	openai "github.com/sashabaranov/go-openai"
)

type openAIRecognizer struct {
	client *openai.Client
	model  string
}

func NewOpenAIRecognizer(apiKey, baseURL, model string) Recognizer {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if model == "" {
		model = openai.Whisper1
	}
	return &openAIRecognizer{client: openai.NewClientWithConfig(cfg), model: model}
}

func (r *openAIRecognizer) Transcribe(ctx context.Context, req Request) (TranscriptResult, error) {
	file, err := tempWav(req)
	if err != nil {
		return TranscriptResult{}, err
	}
	defer os.Remove(file.Name())
	defer file.Close()

	resp, err := r.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    r.model,
		FilePath: filepath.Base(file.Name()),
		Reader:   file,
		Language: baseLanguage(req.Language),
		Format:   openai.AudioResponseFormatJSON,
	})
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("openai transcription: %w", err)
	}
	return TranscriptResult{Text: resp.Text}, nil
}
