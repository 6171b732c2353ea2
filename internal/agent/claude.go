package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// claudeBin is a var so tests can substitute a fake CLI.
var claudeBin = "claude"

// ClaudeCodeAgent wraps the Claude CLI in headless mode. The CLI emits
// NDJSON (`--output-format stream-json`); each line is one event whose
// assistant messages carry text blocks and token usage.
type ClaudeCodeAgent struct {
	Model        string
	MaxTurns     int
	AllowedTools []string
}

func (a *ClaudeCodeAgent) Name() string { return "claude_code" }

// streamEvent is one NDJSON line of Claude CLI stream-json output.
type streamEvent struct {
	Type    string `json:"type"`
	Message *struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		Usage *struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	} `json:"message"`
}

func (a *ClaudeCodeAgent) Run(ctx context.Context, prompt, cwd, systemPrompt string) AgentRun {
	start := time.Now()

	args := []string{"-p", "--output-format", "stream-json", "--verbose"}
	if a.Model != "" {
		args = append(args, "--model", a.Model)
	}
	if a.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(a.MaxTurns))
	}
	if systemPrompt != "" {
		args = append(args, "--append-system-prompt", systemPrompt)
	}
	if len(a.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(a.AllowedTools, ","))
	}

	cmd := exec.CommandContext(ctx, claudeBin, args...)
	cmd.Dir = cwd
	cmd.Stdin = strings.NewReader(prompt)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return AgentRun{Success: false, Output: fmt.Sprintf("agent spawn: %v", err)}
	}
	var stderrTail bytes.Buffer
	cmd.Stderr = &limitedWriter{w: &stderrTail, n: 8 * 1024}

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return AgentRun{
				Success:     false,
				Output:      fmt.Sprintf("CLI not found: %q. Install it and ensure it is on PATH.", claudeBin),
				DurationSec: time.Since(start).Seconds(),
			}
		}
		return AgentRun{Success: false, Output: fmt.Sprintf("agent spawn: %v", err), DurationSec: time.Since(start).Seconds()}
	}

	var parts []string
	turns, tokensIn, tokensOut := 0, 0, 0

	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 0, 256*1024), 4*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev streamEvent
		if json.Unmarshal(line, &ev) != nil {
			continue
		}
		if ev.Type != "assistant" || ev.Message == nil {
			continue
		}
		turns++
		for _, block := range ev.Message.Content {
			if block.Type == "text" && block.Text != "" {
				parts = append(parts, block.Text)
			}
		}
		if ev.Message.Usage != nil {
			tokensIn += ev.Message.Usage.InputTokens
			tokensOut += ev.Message.Usage.OutputTokens
		}
	}

	if err := cmd.Wait(); err != nil {
		diag := strings.TrimSpace(stderrTail.String())
		if diag == "" {
			diag = err.Error()
		}
		return AgentRun{
			Success:     false,
			Output:      "claude exited: " + diag,
			Turns:       turns,
			TokensIn:    tokensIn,
			TokensOut:   tokensOut,
			DurationSec: time.Since(start).Seconds(),
		}
	}

	return AgentRun{
		Success:     true,
		Output:      strings.Join(parts, "\n"),
		Turns:       turns,
		TokensIn:    tokensIn,
		TokensOut:   tokensOut,
		DurationSec: time.Since(start).Seconds(),
	}
}

// limitedWriter keeps the first n bytes and discards the rest.
type limitedWriter struct {
	w io.Writer
	n int
}

func (l *limitedWriter) Write(p []byte) (int, error) {
	if l.n > 0 {
		keep := p
		if len(keep) > l.n {
			keep = keep[:l.n]
		}
		l.n -= len(keep)
		_, _ = l.w.Write(keep)
	}
	return len(p), nil
}
