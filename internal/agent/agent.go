// Package agent defines the coding-agent port and its implementations:
// ACP subprocess agents (JSON-RPC 2.0 over stdio) and a Claude CLI agent
// speaking stream-json. Errors are data: a run never panics and never
// returns a Go error, it reports Success=false with a diagnostic.
package agent

import "context"

// AgentRun is the raw result of one coding-agent run.
type AgentRun struct {
	Success     bool
	Output      string
	Turns       int
	TokensIn    int
	TokensOut   int
	DurationSec float64
}

// CodeAgent runs one prompt against a repo working directory. Each call is
// self-contained and owns its subprocess; calls may proceed in parallel.
type CodeAgent interface {
	Name() string
	Run(ctx context.Context, prompt, cwd, systemPrompt string) AgentRun
}
