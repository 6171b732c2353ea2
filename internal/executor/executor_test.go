package executor

import (
	"context"
	"strings"
	"testing"

	"github.com/specq-dev/specq/internal/agent"
	"github.com/specq-dev/specq/internal/model"
)

type stubAgent struct {
	run        agent.AgentRun
	lastPrompt string
	lastSystem string
	lastCwd    string
}

func (s *stubAgent) Name() string { return "stub" }

func (s *stubAgent) Run(_ context.Context, prompt, cwd, systemPrompt string) agent.AgentRun {
	s.lastPrompt = prompt
	s.lastCwd = cwd
	s.lastSystem = systemPrompt
	return s.run
}

func TestExecute_SuccessCarriesMetricsAndCommitContract(t *testing.T) {
	stub := &stubAgent{run: agent.AgentRun{
		Success: true, Output: "done", Turns: 3, TokensIn: 100, TokensOut: 50, DurationSec: 1.5,
	}}
	e := &Executor{Agent: stub}

	item := model.NewWorkItem("add-auth")
	task := &model.TaskItem{ID: "task-1", Title: "One"}
	// Non-git temp dir: git lookups degrade to empty values.
	result := e.Execute(context.Background(), item, task, t.TempDir(), "the brief")

	if !result.Success {
		t.Fatalf("expected success")
	}
	if result.Output != "done" || result.TurnsUsed != 3 || result.TokensIn != 100 || result.TokensOut != 50 {
		t.Fatalf("metrics: %+v", result)
	}
	if stub.lastPrompt != "the brief" {
		t.Fatalf("prompt: %q", stub.lastPrompt)
	}
	if !strings.Contains(stub.lastSystem, "feat(add-auth):") {
		t.Fatalf("commit contract missing from system prompt: %q", stub.lastSystem)
	}
	if len(result.FilesChanged) != 0 || result.CommitHash != "" {
		t.Fatalf("non-git dir should degrade to empty git facts: %+v", result)
	}
}

func TestExecute_FailurePropagates(t *testing.T) {
	stub := &stubAgent{run: agent.AgentRun{Success: false, Output: "agent exited with code 1", Turns: 1}}
	e := &Executor{Agent: stub}

	result := e.Execute(context.Background(), model.NewWorkItem("x"), &model.TaskItem{ID: "task-1"}, t.TempDir(), "b")
	if result.Success {
		t.Fatalf("expected failure")
	}
	if result.Output != "agent exited with code 1" || result.TurnsUsed != 1 {
		t.Fatalf("failure result: %+v", result)
	}
	if result.CommitHash != "" || len(result.FilesChanged) != 0 {
		t.Fatalf("failed run must not report git facts: %+v", result)
	}
}
