// Package executor runs one task through a coding agent and fingerprints the
// result with git.
package executor

import (
	"context"
	"fmt"

	"github.com/specq-dev/specq/internal/agent"
	"github.com/specq-dev/specq/internal/gitops"
	"github.com/specq-dev/specq/internal/model"
)

// Executor wraps a coding agent with the commit contract: the agent is told
// to commit its work with a feat(<change-id>) message.
type Executor struct {
	Agent agent.CodeAgent
}

// Execute runs the brief against cwd. Agent failure yields Success=false;
// git failures after a successful run degrade to empty values because the
// agent may have legitimately made no changes.
func (e *Executor) Execute(ctx context.Context, item *model.WorkItem, task *model.TaskItem, cwd, brief string) model.ExecutionResult {
	systemPrompt := fmt.Sprintf("Complete, then commit. Message format: feat(%s): <description>", item.ID)

	run := e.Agent.Run(ctx, brief, cwd, systemPrompt)
	if !run.Success {
		return model.ExecutionResult{
			Success:     false,
			Output:      run.Output,
			TurnsUsed:   run.Turns,
			TokensIn:    run.TokensIn,
			TokensOut:   run.TokensOut,
			DurationSec: run.DurationSec,
		}
	}

	return model.ExecutionResult{
		Success:      true,
		Output:       run.Output,
		FilesChanged: gitops.ChangedFiles(cwd),
		CommitHash:   gitops.ShortHead(cwd),
		TurnsUsed:    run.Turns,
		TokensIn:     run.TokensIn,
		TokensOut:    run.TokensOut,
		DurationSec:  run.DurationSec,
	}
}
