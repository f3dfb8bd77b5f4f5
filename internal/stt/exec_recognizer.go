package stt

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-voice/internal/config"
	"github.com/mattn/go-shellwords"
)

// execRecognizer runs a local engine (a whisper.cpp build, for example) on a
// temporary WAV file per segment. The command may reference {audio},
// {model} and {language}; placeholders it omits are appended as flags. Output
// is either a JSON object with text and confidence, or plain text.
type execRecognizer struct {
	cmd   []string
	model string
}

type execResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

func NewExecRecognizer(cfg config.STTConfig) (Recognizer, error) {
	args, err := shellwords.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("stt command is empty")
	}
	return &execRecognizer{cmd: args, model: cfg.ModelPath}, nil
}

func (r *execRecognizer) Transcribe(ctx context.Context, req Request) (TranscriptResult, error) {
	file, err := tempWav(req)
	if err != nil {
		return TranscriptResult{}, err
	}
	defer os.Remove(file.Name())
	defer file.Close()

	args := r.args(file.Name(), baseLanguage(req.Language))
	command := exec.CommandContext(ctx, args[0], args[1:]...)
	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		return TranscriptResult{}, fmt.Errorf("stt command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return parseTranscript(stdout.Bytes())
}

func (r *execRecognizer) args(audioPath, language string) []string {
	values := map[string]string{"{audio}": audioPath, "{model}": r.model, "{language}": language}
	used := make(map[string]bool, len(values))
	out := make([]string, 0, len(r.cmd)+6)
	for _, arg := range r.cmd {
		for key, v := range values {
			if strings.Contains(arg, key) {
				arg = strings.ReplaceAll(arg, key, v)
				used[key] = true
			}
		}
		out = append(out, arg)
	}
	if !used["{audio}"] {
		out = append(out, "--audio", audioPath)
	}
	if !used["{model}"] && r.model != "" {
		out = append(out, "--model", r.model)
	}
	if !used["{language}"] && language != "" {
		out = append(out, "--language", language)
	}
	return out
}

func parseTranscript(out []byte) (TranscriptResult, error) {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var res execResult
		if err := json.Unmarshal(trimmed, &res); err != nil {
			return TranscriptResult{}, fmt.Errorf("decode stt response: %w", err)
		}
		return TranscriptResult{Text: strings.TrimSpace(res.Text), Confidence: res.Confidence}, nil
	}
	return TranscriptResult{Text: strings.Join(strings.Fields(string(trimmed)), " ")}, nil
}

// tempWav writes the segment to a temporary WAV file positioned at its start.
func tempWav(req Request) (*os.File, error) {
	file, err := os.CreateTemp(os.TempDir(), "loqa_stt_*.wav")
	if err != nil {
		return nil, fmt.Errorf("temp file: %w", err)
	}
	channels := req.Channels
	if channels <= 0 {
		channels = 1
	}
	if err := writePCMToWav(file, req.PCM, req.SampleRate, channels); err != nil {
		file.Close()
		os.Remove(file.Name())
		return nil, err
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		file.Close()
		os.Remove(file.Name())
		return nil, fmt.Errorf("rewind wav: %w", err)
	}
	return file, nil
}

// baseLanguage reduces a locale such as es-ES to its ISO 639-1 code.
func baseLanguage(locale string) string {
	if i := strings.IndexAny(locale, "-_"); i > 0 {
		return strings.ToLower(locale[:i])
	}
	return strings.ToLower(locale)
}

func writePCMToWav(file *os.File, pcm []byte, sampleRate int, channels int) error {
	if len(pcm)%2 != 0 {
		return errors.New("pcm payload not aligned")
	}
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           samples,
		SourceBitDepth: 16,
	}

	enc := wav.NewEncoder(file, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
