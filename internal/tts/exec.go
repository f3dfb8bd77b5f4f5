package tts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/mattn/go-shellwords"
)

// execSynth runs a local engine per utterance, piper style: the text goes to
// stdin as one line and raw PCM16 LE comes back on stdout. Voice settings
// are passed through the environment.
type execSynth struct {
	cmd        []string
	sampleRate int
	channels   int
}

// execFrame is the amount of audio forwarded per chunk.
const execFrameMS = 100

func NewExecSynth(command string, sampleRate, channels int) (Synthesizer, error) {
	args, err := shellwords.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("tts command empty")
	}
	if sampleRate <= 0 {
		sampleRate = 22050
	}
	if channels <= 0 {
		channels = 1
	}
	return &execSynth{cmd: args, sampleRate: sampleRate, channels: channels}, nil
}

func (e *execSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		if err := e.run(ctx, req, chunks); err != nil {
			errs <- err
		}
	}()
	return chunks, errs
}

func (e *execSynth) run(ctx context.Context, req SynthRequest, out chan<- SynthChunk) error {
	cmd := exec.CommandContext(ctx, e.cmd[0], e.cmd[1:]...)
	cmd.Stdin = strings.NewReader(strings.ReplaceAll(req.Text, "\n", " ") + "\n")
	cmd.Env = append(os.Environ(),
		"LOQA_TTS_VOICE="+req.Voice,
		"LOQA_TTS_LANGUAGE="+req.LanguageCode,
		"LOQA_TTS_ENGINE="+req.Engine,
		"LOQA_TTS_SAMPLE_RATE="+strconv.Itoa(e.sampleRate),
		"LOQA_TTS_CHANNELS="+strconv.Itoa(e.channels),
	)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start tts command: %w", err)
	}

	frame := make([]byte, e.sampleRate*e.channels*2*execFrameMS/1000)
	sequence := 0
	var readErr error
	for {
		n, err := io.ReadFull(stdout, frame)
		if n > 0 {
			// Keep whole samples; a dangling odd byte is dropped.
			chunk := SynthChunk{
				Sequence:   sequence,
				SampleRate: e.sampleRate,
				Channels:   e.channels,
				PCM:        append([]byte(nil), frame[:n-n%2]...),
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				_ = cmd.Wait()
				return ctx.Err()
			}
			sequence++
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			readErr = err
			break
		}
	}
	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("tts command failed: %w", err)
	}
	return readErr
}
