package speaker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-voice/internal/pcm"
	"github.com/loqalabs/loqa-voice/internal/protocol"
	"github.com/loqalabs/loqa-voice/internal/tts"
)

// RelaySynthesizer requests speech from the synthesis relay, one socket per
// request.
type RelaySynthesizer struct {
	url        string
	token      string
	sampleRate int
	dialer     *websocket.Dialer
}

func NewRelaySynthesizer(url, token string, sampleRate int, dialTimeout time.Duration) *RelaySynthesizer {
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	return &RelaySynthesizer{
		url:        url,
		token:      token,
		sampleRate: sampleRate,
		dialer:     &websocket.Dialer{HandshakeTimeout: dialTimeout},
	}
}

func (r *RelaySynthesizer) Synthesize(ctx context.Context, req protocol.SpeechRequest) (pcm.Clip, error) {
	header := http.Header{}
	if r.token != "" {
		header.Set("Authorization", "Bearer "+r.token)
	}
	conn, _, err := r.dialer.DialContext(ctx, r.url, header)
	if err != nil {
		return pcm.Clip{}, fmt.Errorf("dial synthesis relay: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := conn.WriteJSON(req); err != nil {
		return pcm.Clip{}, fmt.Errorf("send speech request: %w", err)
	}
	var resp protocol.SpeechResponse
	if err := conn.ReadJSON(&resp); err != nil {
		if ctx.Err() != nil {
			return pcm.Clip{}, ctx.Err()
		}
		return pcm.Clip{}, fmt.Errorf("read speech response: %w", err)
	}
	if resp.Error != "" {
		return pcm.Clip{}, errors.New(resp.Error)
	}
	rate := resp.SampleRate
	if rate <= 0 {
		rate = r.sampleRate
	}
	return pcm.Clip{PCM: resp.Data, SampleRate: rate}, nil
}

// DirectSynthesizer calls an in-process backend, such as the OpenAI speech
// API, without going through a relay.
type DirectSynthesizer struct {
	synth tts.Synthesizer
}

func NewDirectSynthesizer(synth tts.Synthesizer) *DirectSynthesizer {
	return &DirectSynthesizer{synth: synth}
}

func (d *DirectSynthesizer) Synthesize(ctx context.Context, req protocol.SpeechRequest) (pcm.Clip, error) {
	data, rate, err := tts.Collect(ctx, d.synth, tts.SynthRequest{
		Text:         req.Text,
		Voice:        req.VoiceID,
		LanguageCode: req.LanguageCode,
		Engine:       req.Engine,
	})
	if err != nil {
		return pcm.Clip{}, err
	}
	return pcm.Clip{PCM: data, SampleRate: rate}, nil
}
