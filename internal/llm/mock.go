package llm

import (
	"context"
	"strings"
	"time"
)

type mockGenerator struct {
	delay time.Duration
}

func NewMockGenerator() Generator { return &mockGenerator{delay: 20 * time.Millisecond} }

// Generate echoes the last user message back word by word.
func (m *mockGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	var prompt string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			prompt = strings.TrimSpace(req.Messages[i].Content)
			break
		}
	}
	content := "You said: " + prompt + ". What else can I do for you?"
	words := strings.SplitAfter(content, " ")
	start := time.Now()
	for i, w := range words {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.delay):
		}
		if err := consumer(Chunk{
			Content: w,
			Partial: i < len(words)-1,
			Latency: time.Since(start),
		}); err != nil {
			return err
		}
	}
	return nil
}
