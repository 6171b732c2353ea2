// Package compiler assembles per-task briefs. A Passthrough compiler
// concatenates labeled sections deterministically; a Refined compiler sends
// the same context through a text generator for a tech-lead style rewrite.
package compiler

import (
	"context"
	"fmt"
	"strings"

	"github.com/specq-dev/specq/internal/model"
	"github.com/specq-dev/specq/internal/textgen"
)

// Request carries everything a brief is built from.
type Request struct {
	Proposal      string
	AllTasks      []string
	CurrentTask   model.TaskItem
	PrevResults   []model.TaskItem
	ProjectRules  string
	RetryFindings []model.Finding
}

// Compiler builds one Markdown brief from a request. It makes no decisions:
// assembly only.
type Compiler interface {
	Compile(ctx context.Context, req Request) (string, error)
}

const refineSystemPrompt = `You are a tech lead briefing a developer. From the
proposal, task list, and context provided, produce a focused execution brief
for the current task.

Output format:

## Task: {task title}
{one-line goal}

### Context
{what has been done so far and how it relates to this task}

### Requirements
{concrete implementation requirements, extracted from the proposal}

### Constraints
{conventions and limits to respect}

### Interfaces
{modules this task interacts with}`

// Passthrough formats the context into a brief without any model call.
type Passthrough struct{}

func (Passthrough) Compile(_ context.Context, req Request) (string, error) {
	var b strings.Builder

	fmt.Fprintf(&b, "## Task: %s\n", req.CurrentTask.Title)
	fmt.Fprintf(&b, "%s\n\n", req.CurrentTask.Description)

	b.WriteString("## Proposal\n")
	b.WriteString(req.Proposal)
	b.WriteString("\n\n")

	if len(req.AllTasks) > 1 {
		b.WriteString("## All Tasks\n")
		for i, title := range req.AllTasks {
			marker := ""
			if title == req.CurrentTask.Title {
				marker = " <- current"
			}
			fmt.Fprintf(&b, "%d. %s%s\n", i+1, title, marker)
		}
		b.WriteString("\n")
	}

	if len(req.PrevResults) > 0 {
		b.WriteString("## Completed Tasks\n")
		for _, prev := range req.PrevResults {
			files := "none"
			if len(prev.FilesChanged) > 0 {
				files = strings.Join(prev.FilesChanged, ", ")
			}
			fmt.Fprintf(&b, "- %s (%s): files=%s\n", prev.ID, prev.Title, files)
		}
		b.WriteString("\n")
	}

	if req.ProjectRules != "" {
		fmt.Fprintf(&b, "## Project Rules\n%s\n\n", req.ProjectRules)
	}

	if len(req.RetryFindings) > 0 {
		b.WriteString("## Previous Review Findings (must fix)\n")
		for _, f := range req.RetryFindings {
			fmt.Fprintf(&b, "- [%s] %s: %s\n", severityOrInfo(f.Severity), f.Category, f.Description)
		}
	}

	return b.String(), nil
}

// Refined sends the assembled context through a text generator. With
// FallbackOnError set, generator failures degrade to the raw context instead
// of propagating.
type Refined struct {
	Gen             textgen.TextGenerator
	FallbackOnError bool
}

func (r *Refined) Compile(ctx context.Context, req Request) (string, error) {
	user := buildContext(req)
	out, err := r.Gen.Chat(ctx, refineSystemPrompt, user)
	if err != nil {
		if r.FallbackOnError {
			return user, nil
		}
		return "", err
	}
	return out, nil
}

func buildContext(req Request) string {
	var b strings.Builder

	b.WriteString("## Proposal\n")
	b.WriteString(req.Proposal)
	b.WriteString("\n\n## All Tasks\n")
	for i, title := range req.AllTasks {
		fmt.Fprintf(&b, "%d. %s\n", i+1, title)
	}

	b.WriteString("\n## Current Task\n")
	fmt.Fprintf(&b, "ID: %s\n", req.CurrentTask.ID)
	fmt.Fprintf(&b, "Title: %s\n", req.CurrentTask.Title)
	fmt.Fprintf(&b, "Description: %s\n", req.CurrentTask.Description)

	if len(req.PrevResults) > 0 {
		b.WriteString("\n## Previous Task Results\n")
		for _, prev := range req.PrevResults {
			files := "none"
			if len(prev.FilesChanged) > 0 {
				files = strings.Join(prev.FilesChanged, ", ")
			}
			fmt.Fprintf(&b, "- %s (%s): files=%s, commit=%s\n", prev.ID, prev.Title, files, prev.CommitHash)
		}
	}

	if req.ProjectRules != "" {
		fmt.Fprintf(&b, "\n## Project Rules\n%s\n", req.ProjectRules)
	}

	if len(req.RetryFindings) > 0 {
		b.WriteString("\n## Previous Review Findings (must fix)\n")
		for _, f := range req.RetryFindings {
			fmt.Fprintf(&b, "- [%s] %s: %s\n", severityOrInfo(f.Severity), f.Category, f.Description)
		}
	}

	return b.String()
}

func severityOrInfo(s string) string {
	if s == "" {
		return "info"
	}
	return s
}
