package relay

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/loqalabs/loqa-voice/internal/tts"
)

// handleSpeech answers each synthesis request on the socket with one
// response carrying the whole clip.
func (s *Server) handleSpeech(w http.ResponseWriter, r *http.Request) {
	conn, ctx, done, ok := s.upgrade(w, r)
	if !ok {
		return
	}
	defer done()

	for {
		var req protocol.SpeechRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		resp := s.synthesize(ctx, req)
		if err := conn.WriteJSON(resp); err != nil {
			s.logger.Warn("failed to write speech response", slogError(err))
			return
		}
	}
}

func (s *Server) synthesize(ctx context.Context, req protocol.SpeechRequest) protocol.SpeechResponse {
	ctx, cancel := context.WithTimeout(ctx, timeout(s.cfg.TTS.TimeoutMS))
	defer cancel()

	audio, rate, err := tts.Collect(ctx, s.synth, tts.SynthRequest{
		Text:         req.Text,
		Voice:        req.VoiceID,
		LanguageCode: req.LanguageCode,
		Engine:       req.Engine,
	})
	if err != nil {
		s.logger.Warn("synthesis failed", slog.Int("chars", len(req.Text)), slogError(err))
		return protocol.SpeechResponse{Error: err.Error()}
	}
	if rate == 0 {
		rate = s.cfg.TTS.SampleRate
	}
	s.logger.Debug("synthesized speech", slog.Int("bytes", len(audio)), slog.Int("sample_rate", rate))
	return protocol.SpeechResponse{Data: audio, SampleRate: rate}
}
