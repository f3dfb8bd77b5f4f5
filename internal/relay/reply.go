package relay

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/loqalabs/loqa-voice/internal/llm"
	"github.com/loqalabs/loqa-voice/internal/protocol"
)

// handleReply reads the conversation once and streams the model output back
// as fragments followed by a null end marker.
func (s *Server) handleReply(w http.ResponseWriter, r *http.Request) {
	conn, ctx, done, ok := s.upgrade(w, r)
	if !ok {
		return
	}
	defer done()

	var history []protocol.ChatMessage
	if err := conn.ReadJSON(&history); err != nil {
		s.logger.Warn("failed to read reply history", slogError(err))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, timeout(s.cfg.LLM.TimeoutMS))
	defer cancel()
	// The client sends nothing else; a read error means it hung up.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	messages := make([]llm.Message, 0, len(history))
	for _, m := range history {
		messages = append(messages, llm.Message{Role: m.Role, Content: m.Content})
	}

	start := time.Now()
	fragments := 0
	err := s.generator.Generate(ctx, llm.RequestFromConfig(s.cfg.LLM, messages), func(chunk llm.Chunk) error {
		if chunk.Content == "" {
			return nil
		}
		fragments++
		return conn.WriteJSON(protocol.ReplyFragment(chunk.Content))
	})
	switch {
	case err == nil:
		if err := conn.WriteJSON(protocol.ReplyMessage{}); err != nil {
			s.logger.Warn("failed to write reply end", slogError(err))
			return
		}
		s.logger.Info("reply streamed",
			slog.Int("messages", len(history)),
			slog.Int("fragments", fragments),
			slog.Duration("elapsed", time.Since(start)))
	case errors.Is(ctx.Err(), context.Canceled):
		s.logger.Debug("reply abandoned by client")
	default:
		s.logger.Warn("reply generation failed", slogError(err))
		_ = conn.WriteJSON(protocol.ReplyMessage{Error: err.Error()})
	}
}
