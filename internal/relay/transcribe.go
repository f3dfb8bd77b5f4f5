package relay

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/loqalabs/loqa-voice/internal/stt"
	"golang.org/x/sync/errgroup"
)

const transcribeQueue = 64

// job is either a speech segment to transcribe or a timeout marker that
// must reach the client after every segment queued before it.
type job struct {
	pcm    []byte
	marker bool
	asleep bool
}

// handleTranscribe expects a setup message followed by PCM16 audio events.
// Audio is segmented by energy; each segment is transcribed in order and
// sent back as a fragment, and pauses are reported as null data.
func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	conn, ctx, done, ok := s.upgrade(w, r)
	if !ok {
		return
	}
	defer done()

	var first protocol.TranscribeRequest
	if err := conn.ReadJSON(&first); err != nil {
		s.logger.Warn("failed to read transcription setup", slogError(err))
		return
	}
	if first.Setup == nil || first.Setup.Language == "" {
		_ = conn.WriteJSON(protocol.TranscriptMessage{Error: "first message must be a setup with a language"})
		return
	}
	language := first.Setup.Language
	logger := s.logger.With(slog.String("language", language))

	cfg := s.cfg.STT
	endpointer := stt.NewEndpointer(stt.EndpointConfig{
		SampleRate: cfg.SampleRate,
		Threshold:  cfg.SpeechThreshold,
		SegmentGap: time.Duration(cfg.SegmentGapMS) * time.Millisecond,
		Endpoint:   time.Duration(cfg.EndpointMS) * time.Millisecond,
		Asleep:     time.Duration(cfg.AsleepMS) * time.Millisecond,
	})

	jobs := make(chan job, transcribeQueue)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(jobs)
		for {
			var msg protocol.TranscribeRequest
			if err := conn.ReadJSON(&msg); err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || gctx.Err() != nil {
					return nil
				}
				return err
			}
			if msg.AudioEvent == nil || len(msg.AudioEvent.AudioChunk) == 0 {
				continue
			}
			for _, ev := range endpointer.Feed(msg.AudioEvent.AudioChunk) {
				var j job
				switch ev.Kind {
				case stt.EventSegment:
					j = job{pcm: ev.PCM}
				case stt.EventEndpoint:
					j = job{marker: true}
				case stt.EventAsleep:
					j = job{marker: true, asleep: true}
				}
				select {
				case jobs <- j:
				case <-gctx.Done():
					return nil
				}
			}
		}
	})
	g.Go(func() error {
		for j := range jobs {
			if j.marker {
				if err := conn.WriteJSON(protocol.TranscriptMessage{IsAsleep: j.asleep}); err != nil {
					return err
				}
				continue
			}
			text, err := s.transcribe(gctx, j.pcm, language)
			if err != nil {
				if gctx.Err() != nil {
					return nil
				}
				logger.Warn("segment transcription failed", slogError(err))
				continue
			}
			if text == "" {
				continue
			}
			if err := conn.WriteJSON(protocol.TranscriptFragment(text)); err != nil {
				return err
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Debug("transcription stream ended", slogError(err))
	}
}

func (s *Server) transcribe(ctx context.Context, audio []byte, language string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout(s.cfg.STT.TranscribeTimeoutMS))
	defer cancel()
	result, err := s.recognizer.Transcribe(ctx, stt.Request{
		PCM:        audio,
		SampleRate: s.cfg.STT.SampleRate,
		Channels:   1,
		Language:   language,
	})
	if err != nil {
		return "", err
	}
	return result.Text, nil
}
