package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/mattn/go-shellwords"
)

// execGenerator runs a local command per reply. The chat goes to stdin as one
// JSON object; the command prints JSON lines of {"content": "..."} as the
// reply is produced, so speech can start before it exits.
type execGenerator struct {
	cmd []string
}

type execLine struct {
	Content          string `json:"content"`
	PromptTokens     int    `json:"prompt_tokens,omitempty"`
	CompletionTokens int    `json:"completion_tokens,omitempty"`
}

func NewExecGenerator(command string) (Generator, error) {
	args, err := shellwords.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse llm command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("llm command empty")
	}
	return &execGenerator{cmd: args}, nil
}

func (g *execGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	input, err := json.Marshal(map[string]any{
		"messages":    req.Messages,
		"model":       req.Model,
		"max_tokens":  req.MaxTokens,
		"temperature": req.Temperature,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	cmd := exec.CommandContext(ctx, g.cmd[0], g.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	start := time.Now()
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start llm command: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	var streamErr error
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var out execLine
		if err := json.Unmarshal(line, &out); err != nil {
			streamErr = fmt.Errorf("decode llm command output: %w", err)
			break
		}
		if err := consumer(Chunk{
			Content:          out.Content,
			Partial:          true,
			PromptTokens:     out.PromptTokens,
			CompletionTokens: out.CompletionTokens,
			Latency:          time.Since(start),
		}); err != nil {
			streamErr = err
			break
		}
	}
	if streamErr != nil {
		cancel()
		_ = cmd.Wait()
		return streamErr
	}
	if err := scanner.Err(); err != nil {
		_ = cmd.Wait()
		return err
	}
	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("llm command failed: %w", err)
	}
	return nil
}
