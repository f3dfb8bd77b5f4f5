package stt

import (
	"context"
	"fmt"
)

type mockRecognizer struct{}

func NewMockRecognizer() Recognizer {
	return &mockRecognizer{}
}

func (m *mockRecognizer) Transcribe(_ context.Context, req Request) (TranscriptResult, error) {
	return TranscriptResult{
		Text: fmt.Sprintf("[%s transcript length=%d]", req.Language, len(req.PCM)),
	}, nil
}
