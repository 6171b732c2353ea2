package agent

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// fakeClaude writes a script that plays back canned stream-json output.
func fakeClaude(t *testing.T, script string) func() {
	t.Helper()
	path := filepath.Join(t.TempDir(), "claude")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatal(err)
	}
	old := claudeBin
	claudeBin = path
	return func() { claudeBin = old }
}

func TestClaudeRun_ParsesStream(t *testing.T) {
	restore := fakeClaude(t, `cat > /dev/null
echo '{"type":"system","subtype":"init"}'
echo '{"type":"assistant","message":{"content":[{"type":"text","text":"first"}],"usage":{"input_tokens":10,"output_tokens":5}}}'
echo '{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Edit"},{"type":"text","text":"second"}],"usage":{"input_tokens":20,"output_tokens":7}}}'
echo '{"type":"result","subtype":"success"}'
`)
	defer restore()

	a := &ClaudeCodeAgent{Model: "test-model", MaxTurns: 5}
	run := a.Run(context.Background(), "the prompt", t.TempDir(), "sys")

	if !run.Success {
		t.Fatalf("run failed: %s", run.Output)
	}
	if run.Output != "first\nsecond" {
		t.Fatalf("output: %q", run.Output)
	}
	if run.Turns != 2 {
		t.Fatalf("turns: %d", run.Turns)
	}
	if run.TokensIn != 30 || run.TokensOut != 12 {
		t.Fatalf("tokens: in=%d out=%d", run.TokensIn, run.TokensOut)
	}
}

func TestClaudeRun_NonZeroExitReportsStderr(t *testing.T) {
	restore := fakeClaude(t, `cat > /dev/null
echo "invalid api key" >&2
exit 1
`)
	defer restore()

	a := &ClaudeCodeAgent{}
	run := a.Run(context.Background(), "p", t.TempDir(), "")
	if run.Success {
		t.Fatalf("expected failure")
	}
	if !strings.Contains(run.Output, "claude exited") || !strings.Contains(run.Output, "invalid api key") {
		t.Fatalf("output: %q", run.Output)
	}
}

func TestClaudeRun_MalformedLinesIgnored(t *testing.T) {
	restore := fakeClaude(t, `cat > /dev/null
echo 'not json at all'
echo '{"type":"assistant","message":{"content":[{"type":"text","text":"ok"}]}}'
`)
	defer restore()

	a := &ClaudeCodeAgent{}
	run := a.Run(context.Background(), "p", t.TempDir(), "")
	if !run.Success || run.Output != "ok" {
		t.Fatalf("got success=%v output=%q", run.Success, run.Output)
	}
}

func TestClaudeRun_MissingBinary(t *testing.T) {
	old := claudeBin
	claudeBin = "specq-test-no-such-claude"
	defer func() { claudeBin = old }()

	a := &ClaudeCodeAgent{}
	run := a.Run(context.Background(), "p", t.TempDir(), "")
	if run.Success || !strings.Contains(run.Output, "CLI not found") {
		t.Fatalf("got success=%v output=%q", run.Success, run.Output)
	}
}

func TestLimitedWriter_KeepsPrefix(t *testing.T) {
	var buf bytes.Buffer
	w := &limitedWriter{w: &buf, n: 5}
	n, err := w.Write([]byte("abcdefgh"))
	if err != nil || n != 8 {
		t.Fatalf("write: n=%d err=%v", n, err)
	}
	if _, err := w.Write([]byte("more")); err != nil {
		t.Fatal(err)
	}
	if buf.String() != "abcde" {
		t.Fatalf("kept: %q", buf.String())
	}
}
