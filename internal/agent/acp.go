package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"
)

const (
	initializeTimeout = 30 * time.Second
	shutdownTimeout   = 10 * time.Second

	protocolVersion = "0.1"
	clientName      = "specq"
	clientVersion   = "0.1.0"
)

// ACPAgent drives a coding-agent CLI over the ACP dialect: line-delimited
// JSON-RPC 2.0 on the child's stdin/stdout.
//
// Message flow:
//  1. spawn the CLI with the change repo as working directory
//  2. send initialize, wait one line (30s hard timeout)
//  3. send initialized notification
//  4. send agents/run with role-tagged content blocks
//  5. consume streaming notifications until agents/done, the run
//     response, or EOF
type ACPAgent struct {
	AgentName string
	Cmd       []string

	// When false, permissions/requested notifications are ignored and the
	// child is expected to gate tool use elsewhere.
	AutoApprovePermissions bool
}

// NewGeminiCLIAgent runs `gemini --experimental-acp [--model M]`.
func NewGeminiCLIAgent(model string, autoApprove bool) *ACPAgent {
	cmd := []string{"gemini", "--experimental-acp"}
	if model != "" {
		cmd = append(cmd, "--model", model)
	}
	return &ACPAgent{AgentName: "gemini_cli", Cmd: cmd, AutoApprovePermissions: autoApprove}
}

// NewCodexAgent runs `codex --mode acp [--model M]`.
func NewCodexAgent(model string, autoApprove bool) *ACPAgent {
	cmd := []string{"codex", "--mode", "acp"}
	if model != "" {
		cmd = append(cmd, "--model", model)
	}
	return &ACPAgent{AgentName: "codex", Cmd: cmd, AutoApprovePermissions: autoApprove}
}

func (a *ACPAgent) Name() string {
	if a.AgentName != "" {
		return a.AgentName
	}
	return "acp"
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// Run spawns the CLI, sends prompt, collects streamed output.
func (a *ACPAgent) Run(ctx context.Context, prompt, cwd, systemPrompt string) AgentRun {
	start := time.Now()
	var out strings.Builder
	turns := 0

	fail := func(format string, args ...any) AgentRun {
		return AgentRun{
			Success:     false,
			Output:      fmt.Sprintf(format, args...),
			Turns:       turns,
			DurationSec: time.Since(start).Seconds(),
		}
	}

	if len(a.Cmd) == 0 {
		return fail("no agent command configured")
	}

	cmd := exec.Command(a.Cmd[0], a.Cmd[1:]...)
	cmd.Dir = cwd
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fail("agent spawn: %v", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fail("agent spawn: %v", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fail("agent spawn: %v", err)
	}
	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return fail("CLI not found: %q. Install it and ensure it is on PATH.", a.Cmd[0])
		}
		return fail("agent spawn: %v", err)
	}

	// Drain stderr continuously. Without this a verbose child fills its
	// stderr pipe buffer and deadlocks while we block on stdout.
	drained := make(chan struct{})
	go func() {
		_, _ = io.Copy(io.Discard, stderr)
		close(drained)
	}()

	lines := make(chan []byte, 16)
	go func() {
		sc := bufio.NewScanner(stdout)
		sc.Buffer(make([]byte, 0, 256*1024), 4*1024*1024)
		for sc.Scan() {
			lines <- append([]byte(nil), sc.Bytes()...)
		}
		close(lines)
	}()

	// Shutdown closes stdin and gives the child 10s to exit before killing
	// it. It runs at most once and records the exit code.
	exitCode := 0
	var exitOnce sync.Once
	shutdown := func() {
		exitOnce.Do(func() {
			_ = stdin.Close()
			waited := make(chan error, 1)
			go func() { waited <- cmd.Wait() }()
			select {
			case werr := <-waited:
				exitCode = exitCodeOf(werr)
			case <-time.After(shutdownTimeout):
				_ = cmd.Process.Kill()
				exitCode = exitCodeOf(<-waited)
			}
			<-drained
		})
	}
	defer shutdown()

	enc := json.NewEncoder(stdin)
	send := func(v any) error { return enc.Encode(v) }

	// Initialize handshake.
	if err := send(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "initialize",
		"params": map[string]any{
			"protocolVersion": protocolVersion,
			"capabilities":    map[string]any{},
			"clientInfo":      map[string]any{"name": clientName, "version": clientVersion},
		},
	}); err != nil {
		return fail("send initialize: %v", err)
	}

	initTimer := time.NewTimer(initializeTimeout)
	defer initTimer.Stop()
	select {
	case line, ok := <-lines:
		if !ok {
			return fail("agent exited during initialize")
		}
		// Some CLIs print a banner first; only a parseable JSON-RPC error
		// fails the handshake.
		var msg rpcMessage
		if json.Unmarshal(line, &msg) == nil && msg.Error != nil {
			return fail("initialize failed: %d %s", msg.Error.Code, msg.Error.Message)
		}
	case <-initTimer.C:
		return fail("initialize timed out after %s", initializeTimeout)
	case <-ctx.Done():
		return fail("agent run canceled: %v", ctx.Err())
	}

	if err := send(map[string]any{"jsonrpc": "2.0", "method": "initialized", "params": map[string]any{}}); err != nil {
		return fail("send initialized: %v", err)
	}

	var input []map[string]any
	if systemPrompt != "" {
		input = append(input, map[string]any{
			"role":    "system",
			"content": []map[string]any{{"type": "text", "text": systemPrompt}},
		})
	}
	input = append(input, map[string]any{
		"role":    "user",
		"content": []map[string]any{{"type": "text", "text": prompt}},
	})

	const runID = int64(2)
	if err := send(map[string]any{
		"jsonrpc": "2.0",
		"id":      runID,
		"method":  "agents/run",
		"params":  map[string]any{"input": input},
	}); err != nil {
		return fail("send agents/run: %v", err)
	}

	doneReceived := false
	eof := false

loop:
	for {
		select {
		case <-ctx.Done():
			return fail("agent run canceled: %v", ctx.Err())
		case line, ok := <-lines:
			if !ok {
				eof = true
				break loop
			}
			var msg rpcMessage
			if json.Unmarshal(line, &msg) != nil {
				continue
			}
			switch msg.Method {
			case "permissions/requested":
				if !a.AutoApprovePermissions {
					continue
				}
				var p struct {
					PermissionsRequestID string `json:"permissionsRequestId"`
				}
				_ = json.Unmarshal(msg.Params, &p)
				_ = send(map[string]any{
					"jsonrpc": "2.0",
					"method":  "permissions/granted",
					"params":  map[string]any{"permissionsRequestId": p.PermissionsRequestID},
				})
			case "agents/textDelta":
				var p struct {
					Delta struct {
						Type string `json:"type"`
						Text string `json:"text"`
					} `json:"delta"`
				}
				if json.Unmarshal(msg.Params, &p) == nil && p.Delta.Type == "text" {
					// Deltas are character fragments: no separator.
					out.WriteString(p.Delta.Text)
				}
			case "agents/turnDone":
				turns++
			case "agents/done":
				doneReceived = true
				break loop
			case "":
				if msg.ID == nil || *msg.ID != runID {
					continue
				}
				if msg.Error != nil {
					return fail("agent error %d: %s", msg.Error.Code, msg.Error.Message)
				}
				// The final result duplicates the deltas; only use it when
				// nothing was streamed.
				if msg.Result != nil && out.Len() == 0 {
					out.WriteString(resultText(msg.Result))
				}
				break loop
			}
		}
	}

	shutdown()
	if eof && !doneReceived && exitCode != 0 {
		return fail("agent exited with code %d", exitCode)
	}

	return AgentRun{
		Success:     true,
		Output:      out.String(),
		Turns:       turns,
		DurationSec: time.Since(start).Seconds(),
	}
}

func resultText(raw json.RawMessage) string {
	var res struct {
		Output []struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		} `json:"output"`
	}
	if json.Unmarshal(raw, &res) != nil {
		return ""
	}
	var b strings.Builder
	for _, out := range res.Output {
		for _, block := range out.Content {
			if block.Type == "text" {
				b.WriteString(block.Text)
			}
		}
	}
	return b.String()
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}
