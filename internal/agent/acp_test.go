package agent

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// writeFakeAgent writes an executable shell script that speaks just enough
// of the protocol for one test.
func writeFakeAgent(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-agent.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

const initOK = `read _init
echo '{"jsonrpc":"2.0","id":1,"result":{}}'
read _initialized
read _run
`

func TestACPRun_ConcatenatesDeltasWithoutSeparator(t *testing.T) {
	script := initOK + `
echo '{"jsonrpc":"2.0","method":"agents/textDelta","params":{"delta":{"type":"text","text":"Hello"}}}'
echo '{"jsonrpc":"2.0","method":"agents/textDelta","params":{"delta":{"type":"text","text":", "}}}'
echo '{"jsonrpc":"2.0","method":"agents/turnDone","params":{}}'
echo '{"jsonrpc":"2.0","method":"agents/textDelta","params":{"delta":{"type":"text","text":"world!"}}}'
echo '{"jsonrpc":"2.0","method":"agents/turnDone","params":{}}'
echo '{"jsonrpc":"2.0","method":"agents/done","params":{}}'
cat > /dev/null
`
	a := &ACPAgent{AgentName: "fake", Cmd: []string{writeFakeAgent(t, script)}}
	run := a.Run(context.Background(), "prompt", t.TempDir(), "system")

	if !run.Success {
		t.Fatalf("run failed: %s", run.Output)
	}
	if run.Output != "Hello, world!" {
		t.Fatalf("output: %q", run.Output)
	}
	if run.Turns != 2 {
		t.Fatalf("turns: %d want 2", run.Turns)
	}
}

func TestACPRun_ResultTextUsedOnlyWithoutDeltas(t *testing.T) {
	script := initOK + `
echo '{"jsonrpc":"2.0","id":2,"result":{"output":[{"content":[{"type":"text","text":"from result"}]}]}}'
cat > /dev/null
`
	a := &ACPAgent{AgentName: "fake", Cmd: []string{writeFakeAgent(t, script)}}
	run := a.Run(context.Background(), "prompt", t.TempDir(), "")
	if !run.Success {
		t.Fatalf("run failed: %s", run.Output)
	}
	if run.Output != "from result" {
		t.Fatalf("output: %q", run.Output)
	}
}

func TestACPRun_ResultIgnoredWhenDeltasStreamed(t *testing.T) {
	script := initOK + `
echo '{"jsonrpc":"2.0","method":"agents/textDelta","params":{"delta":{"type":"text","text":"streamed"}}}'
echo '{"jsonrpc":"2.0","id":2,"result":{"output":[{"content":[{"type":"text","text":"duplicate"}]}]}}'
cat > /dev/null
`
	a := &ACPAgent{AgentName: "fake", Cmd: []string{writeFakeAgent(t, script)}}
	run := a.Run(context.Background(), "prompt", t.TempDir(), "")
	if !run.Success || run.Output != "streamed" {
		t.Fatalf("got success=%v output=%q", run.Success, run.Output)
	}
}

func TestACPRun_CleanEOFWithoutDoneIsSuccess(t *testing.T) {
	script := initOK + `exit 0
`
	a := &ACPAgent{AgentName: "fake", Cmd: []string{writeFakeAgent(t, script)}}
	run := a.Run(context.Background(), "prompt", t.TempDir(), "")
	if !run.Success {
		t.Fatalf("clean exit should succeed: %s", run.Output)
	}
}

func TestACPRun_EOFWithNonZeroExitFails(t *testing.T) {
	script := initOK + `exit 3
`
	a := &ACPAgent{AgentName: "fake", Cmd: []string{writeFakeAgent(t, script)}}
	run := a.Run(context.Background(), "prompt", t.TempDir(), "")
	if run.Success {
		t.Fatalf("expected failure")
	}
	if !strings.Contains(run.Output, "exited with code 3") {
		t.Fatalf("output: %q", run.Output)
	}
}

func TestACPRun_InitializeErrorFails(t *testing.T) {
	script := `read _init
echo '{"jsonrpc":"2.0","id":1,"error":{"code":-32600,"message":"unsupported protocol"}}'
cat > /dev/null
`
	a := &ACPAgent{AgentName: "fake", Cmd: []string{writeFakeAgent(t, script)}}
	run := a.Run(context.Background(), "prompt", t.TempDir(), "")
	if run.Success {
		t.Fatalf("expected failure")
	}
	if !strings.Contains(run.Output, "initialize failed") || !strings.Contains(run.Output, "unsupported protocol") {
		t.Fatalf("output: %q", run.Output)
	}
}

func TestACPRun_BannerBeforeJSONTolerated(t *testing.T) {
	script := `read _init
echo 'Fake Agent CLI v1.2.3 starting up'
read _initialized
read _run
echo '{"jsonrpc":"2.0","method":"agents/done","params":{}}'
cat > /dev/null
`
	a := &ACPAgent{AgentName: "fake", Cmd: []string{writeFakeAgent(t, script)}}
	run := a.Run(context.Background(), "prompt", t.TempDir(), "")
	if !run.Success {
		t.Fatalf("banner should not fail the handshake: %s", run.Output)
	}
}

func TestACPRun_PermissionGranted(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "granted")
	script := initOK + `
echo '{"jsonrpc":"2.0","method":"permissions/requested","params":{"permissionsRequestId":"p1"}}'
while read line; do
  case "$line" in
  *permissions/granted*p1*) echo ok > "$1"; break ;;
  esac
done
echo '{"jsonrpc":"2.0","method":"agents/done","params":{}}'
cat > /dev/null
`
	a := &ACPAgent{
		AgentName:              "fake",
		Cmd:                    []string{writeFakeAgent(t, script), marker},
		AutoApprovePermissions: true,
	}
	run := a.Run(context.Background(), "prompt", t.TempDir(), "")
	if !run.Success {
		t.Fatalf("run failed: %s", run.Output)
	}
	if _, err := os.Stat(marker); err != nil {
		t.Fatalf("permissions/granted never reached the agent: %v", err)
	}
}

func TestACPRun_MissingExecutable(t *testing.T) {
	a := &ACPAgent{AgentName: "fake", Cmd: []string{"specq-test-no-such-binary"}}
	run := a.Run(context.Background(), "prompt", t.TempDir(), "")
	if run.Success {
		t.Fatalf("expected failure")
	}
	if !strings.Contains(run.Output, "CLI not found") || !strings.Contains(run.Output, "PATH") {
		t.Fatalf("output: %q", run.Output)
	}
}

func TestACPRun_StderrNoiseDoesNotDeadlock(t *testing.T) {
	// 1MB of stderr noise would fill the pipe buffer without the drainer.
	script := initOK + `
i=0
while [ $i -lt 16384 ]; do echo "noise noise noise noise noise noise noise noise" >&2; i=$((i+1)); done
echo '{"jsonrpc":"2.0","method":"agents/done","params":{}}'
cat > /dev/null
`
	a := &ACPAgent{AgentName: "fake", Cmd: []string{writeFakeAgent(t, script)}}
	run := a.Run(context.Background(), "prompt", t.TempDir(), "")
	if !run.Success {
		t.Fatalf("run failed: %s", run.Output)
	}
}

func TestAgentConstructors(t *testing.T) {
	g := NewGeminiCLIAgent("gemini-2.5-pro", true)
	if g.Cmd[0] != "gemini" || !contains(g.Cmd, "--experimental-acp") || !contains(g.Cmd, "gemini-2.5-pro") {
		t.Fatalf("gemini cmd: %v", g.Cmd)
	}
	c := NewCodexAgent("", false)
	if c.Cmd[0] != "codex" || !contains(c.Cmd, "acp") {
		t.Fatalf("codex cmd: %v", c.Cmd)
	}
	if contains(c.Cmd, "--model") {
		t.Fatalf("empty model must not add --model: %v", c.Cmd)
	}
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
