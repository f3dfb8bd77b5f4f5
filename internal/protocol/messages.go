package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ByteSeq is raw audio carried over the relay sockets. It encodes as a JSON
// array of numbers (0-255) and decodes from either that form or a base64 string.
type ByteSeq []byte

func (b ByteSeq) MarshalJSON() ([]byte, error) {
	if b == nil {
		return []byte("[]"), nil
	}
	out := make([]byte, 0, len(b)*4+2)
	out = append(out, '[')
	for i, v := range b {
		if i > 0 {
			out = append(out, ',')
		}
		out = strconv.AppendUint(out, uint64(v), 10)
	}
	out = append(out, ']')
	return out, nil
}

func (b *ByteSeq) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*b = nil
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var encoded string
		if err := json.Unmarshal(data, &encoded); err != nil {
			return err
		}
		decoded, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return fmt.Errorf("decode base64 audio: %w", err)
		}
		*b = decoded
		return nil
	}
	var values []int
	if err := json.Unmarshal(data, &values); err != nil {
		return fmt.Errorf("decode audio array: %w", err)
	}
	out := make([]byte, len(values))
	for i, v := range values {
		if v < 0 || v > 255 {
			return errors.New("audio array value out of byte range")
		}
		out[i] = byte(v)
	}
	*b = out
	return nil
}

// SpeechRequest is sent to the synthesis relay, one per utterance batch.
type SpeechRequest struct {
	Text         string `json:"text"`
	LanguageCode string `json:"languageCode"`
	VoiceID      string `json:"voiceId"`
	Engine       string `json:"engine,omitempty"`
}

// SpeechResponse carries the synthesized audio, PCM16 LE mono.
type SpeechResponse struct {
	Data       ByteSeq `json:"data"`
	SampleRate int     `json:"sampleRate,omitempty"`
	Error      string  `json:"error,omitempty"`
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ReplyMessage is one frame from the reply relay. A nil Data marks the end of
// the reply.
type ReplyMessage struct {
	Data  *string `json:"data"`
	Error string  `json:"error,omitempty"`
}

func ReplyFragment(text string) ReplyMessage {
	return ReplyMessage{Data: &text}
}

type TranscribeSetup struct {
	Language string `json:"language"`
}

type AudioEvent struct {
	AudioChunk ByteSeq `json:"AudioChunk"`
}

// TranscribeRequest is either the setup frame or an audio frame.
type TranscribeRequest struct {
	Setup      *TranscribeSetup `json:"setup,omitempty"`
	AudioEvent *AudioEvent      `json:"AudioEvent,omitempty"`
}

// TranscriptMessage is a confirmed transcript fragment. A nil Data signals the
// relay detected end of speech; IsAsleep distinguishes a silent stretch.
type TranscriptMessage struct {
	Data     *string `json:"data"`
	IsAsleep bool    `json:"isAsleep"`
	Error    string  `json:"error,omitempty"`
}

func TranscriptFragment(text string) TranscriptMessage {
	return TranscriptMessage{Data: &text}
}

// AudioFrame represents PCM audio data streamed from edge devices.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// PlaybackChunk is audio pushed to an edge speaker. Stop frames carry no PCM.
type PlaybackChunk struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	PCM        []byte `json:"pcm,omitempty"`
	Stop       bool   `json:"stop,omitempty"`
}

// SessionEvent is published for observers of a voice session.
type SessionEvent struct {
	SessionID string    `json:"session_id"`
	Kind      string    `json:"kind"`
	State     string    `json:"state,omitempty"`
	Text      string    `json:"text,omitempty"`
	Level     int       `json:"level,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectAudioFramePrefix = "audio.frame"
	SubjectPlaybackPrefix   = "audio.playback"
	SubjectSessionPrefix    = "voice.session"

	EventState      = "state"
	EventTranscript = "transcript"
	EventReply      = "reply"
	EventLevel      = "level"
	EventError      = "error"
)

func AudioFrameSubject(device string) string {
	return SubjectAudioFramePrefix + "." + device
}

func PlaybackSubject(device string) string {
	return SubjectPlaybackPrefix + "." + device
}

func SessionSubject(sessionID, kind string) string {
	return SubjectSessionPrefix + "." + sessionID + "." + kind
}
