// Package pipeline is the orchestration loop: scan changes, reconcile the
// dependency graph, then drive one change at a time through compile,
// execute, verify, and decide. One loop instance advances one change per
// cycle; parallelism lives below, in the voter fan-out and agent I/O.
package pipeline

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/zeebo/blake3"

	"github.com/specq-dev/specq/internal/agent"
	"github.com/specq-dev/specq/internal/aggregator"
	"github.com/specq-dev/specq/internal/compiler"
	"github.com/specq-dev/specq/internal/config"
	"github.com/specq-dev/specq/internal/dag"
	"github.com/specq-dev/specq/internal/executor"
	"github.com/specq-dev/specq/internal/gitops"
	"github.com/specq-dev/specq/internal/model"
	"github.com/specq-dev/specq/internal/notifier"
	"github.com/specq-dev/specq/internal/scanner"
	"github.com/specq-dev/specq/internal/scheduler"
	"github.com/specq-dev/specq/internal/store"
	"github.com/specq-dev/specq/internal/textgen"
	"github.com/specq-dev/specq/internal/voter"
)

// Runner executes one task of a change against the working tree.
type Runner interface {
	Execute(ctx context.Context, item *model.WorkItem, task *model.TaskItem, cwd, brief string) model.ExecutionResult
}

// Pipeline wires the stages together. Every field is a port so tests can
// substitute fakes; New fills them from config.
type Pipeline struct {
	Cfg      *config.Config
	Store    *store.Store
	Compiler compiler.Compiler
	Voters   []voter.Voter
	Notifier *notifier.Notifier

	// RunnerFor resolves the executor for one item, honoring per-change
	// frontmatter overrides.
	RunnerFor func(item *model.WorkItem) Runner

	// Progress receives human-readable progress lines. Nil discards them.
	Progress io.Writer
}

// New builds a pipeline with the real stages resolved from config.
func New(cfg *config.Config, st *store.Store) *Pipeline {
	return &Pipeline{
		Cfg:      cfg,
		Store:    st,
		Compiler: createCompiler(cfg),
		Voters:   createVoters(cfg),
		Notifier: notifier.New(cfg.Notify.WebhookURL, cfg.Notify.Events),
		RunnerFor: func(item *model.WorkItem) Runner {
			return &executor.Executor{Agent: agentFor(cfg, item)}
		},
	}
}

// agentFor resolves the coding agent: per-change frontmatter overrides win
// over the executor section of config.
func agentFor(cfg *config.Config, item *model.WorkItem) agent.CodeAgent {
	agentType := cfg.Executor.Type
	if item.ExecutorType != "" {
		agentType = item.ExecutorType
	}
	agentModel := cfg.Executor.Model
	if item.ExecutorModel != "" {
		agentModel = item.ExecutorModel
	}
	maxTurns := cfg.Executor.MaxTurns
	if item.ExecutorMaxTurns > 0 {
		maxTurns = item.ExecutorMaxTurns
	}
	tools := cfg.Executor.AllowedTools
	if len(item.ExecutorTools) > 0 {
		tools = item.ExecutorTools
	}

	switch agentType {
	case "gemini_cli":
		return agent.NewGeminiCLIAgent(agentModel, cfg.Executor.AutoApprove())
	case "codex":
		return agent.NewCodexAgent(agentModel, cfg.Executor.AutoApprove())
	default:
		return &agent.ClaudeCodeAgent{Model: agentModel, MaxTurns: maxTurns, AllowedTools: tools}
	}
}

// createCompiler resolves the brief compiler. Provider "none" or a missing
// API key means passthrough; model-backed compilers fall back to the raw
// context on generator failure so a flaky compiler never blocks execution.
func createCompiler(cfg *config.Config) compiler.Compiler {
	switch cfg.Compiler.Provider {
	case "none", "":
		return compiler.Passthrough{}
	case "claude_cli":
		return &compiler.Refined{
			Gen:             &textgen.ClaudeCLITextGen{Model: cfg.Compiler.Model},
			FallbackOnError: true,
		}
	}
	key := cfg.APIKey(cfg.Compiler.Provider)
	if key == "" {
		return compiler.Passthrough{}
	}
	return &compiler.Refined{
		Gen:             textgen.NewHTTPTextGen(cfg.Compiler.Provider, cfg.Compiler.Model, key),
		FallbackOnError: true,
	}
}

func createVoters(cfg *config.Config) []voter.Voter {
	var voters []voter.Voter
	for _, entry := range cfg.Verification.Voters {
		var gen textgen.TextGenerator
		if entry.Provider == "claude_cli" {
			gen = &textgen.ClaudeCLITextGen{Model: entry.Model}
		} else {
			gen = textgen.NewHTTPTextGen(entry.Provider, entry.Model, cfg.APIKey(entry.Provider))
		}
		voters = append(voters, &voter.LLMVoter{Provider: entry.Provider, Model: entry.Model, Gen: gen})
	}
	return voters
}

// Run drives the loop. With targetID set it processes exactly that change
// (and only if it is ready); otherwise it keeps rescanning and picking until
// nothing is ready. A DAG validation error aborts the run.
func (p *Pipeline) Run(ctx context.Context, targetID string) error {
	runID := ulid.Make().String()
	p.progressf("run %s starting", runID)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		items, err := p.reconcile(runID)
		if err != nil {
			return err
		}

		pick := scheduler.PickNext(items, targetID)
		if pick == nil {
			if targetID != "" {
				return fmt.Errorf("change %q is not ready", targetID)
			}
			p.progressf("nothing ready, run %s done", runID)
			return nil
		}

		if err := p.process(ctx, pick); err != nil {
			return err
		}
		if targetID != "" {
			return nil
		}
	}
}

// reconcile scans the changes directory, carries forward stored status and
// retry counts, validates the dependency graph, recomputes blocked/ready,
// and persists everything.
func (p *Pipeline) reconcile(runID string) ([]*model.WorkItem, error) {
	items, err := scanner.Scan(p.Cfg)
	if err != nil {
		return nil, err
	}

	for _, item := range items {
		stored, err := p.Store.GetWorkItem(item.ID)
		if err != nil {
			return nil, err
		}
		if stored != nil {
			item.Status = stored.Status
			item.RetryCount = stored.RetryCount
			item.CompiledBrief = stored.CompiledBrief
			item.ErrorMessage = stored.ErrorMessage
			item.CreatedAt = stored.CreatedAt
		}
	}

	graph := dag.Build(items)
	if err := dag.Validate(graph); err != nil {
		_ = p.Store.LogEvent("", "dag_error", map[string]any{"run_id": runID, "error": err.Error()})
		return nil, err
	}
	dag.UpdateBlockedReady(items)

	for _, item := range items {
		if err := p.Store.UpsertWorkItem(item); err != nil {
			return nil, err
		}
		stored, err := p.Store.GetTasks(item.ID)
		if err != nil {
			return nil, err
		}
		for i := range item.Tasks {
			task := &item.Tasks[i]
			// Scanned tasks keep tasks.md order; stored execution state is
			// carried forward by task id, like work item status above.
			if prev := taskByID(stored, task.ID); prev != nil {
				task.Status = prev.Status
				task.FilesChanged = prev.FilesChanged
				task.CommitHash = prev.CommitHash
				task.ExecutionOutput = prev.ExecutionOutput
				task.TurnsUsed = prev.TurnsUsed
				task.TokensIn = prev.TokensIn
				task.TokensOut = prev.TokensOut
				task.DurationSec = prev.DurationSec
			}
			if err := p.Store.UpsertTask(item.ID, task); err != nil {
				return nil, err
			}
		}
	}

	_ = p.Store.LogEvent("", "scan", map[string]any{"run_id": runID, "changes": len(items)})
	return items, nil
}

func taskByID(tasks []model.TaskItem, id string) *model.TaskItem {
	for i := range tasks {
		if tasks[i].ID == id {
			return &tasks[i]
		}
	}
	return nil
}

// process runs one change through compile, execute, verify, and decide.
func (p *Pipeline) process(ctx context.Context, item *model.WorkItem) error {
	p.progressf("processing %s (%s, risk=%s, attempt %d/%d)",
		item.ID, item.Title, item.Risk, item.RetryCount+1, item.MaxRetries+1)

	projectRules := readProjectRules(p.Cfg.ProjectRoot)
	retryFindings := p.retryFindings(item)

	// Tasks execute in tasks.md order; reconcile already merged stored
	// execution state into item.Tasks. A change without tasks skips
	// execution and goes straight to verification with whatever diff
	// exists.
	tasks := item.Tasks

	taskTitles := make([]string, len(tasks))
	for i, t := range tasks {
		taskTitles[i] = t.Title
	}

	runner := p.RunnerFor(item)

	for i := range tasks {
		task := &tasks[i]

		p.setStatus(item, model.StatusCompiling)
		_ = p.Store.LogEvent(item.ID, "compile", map[string]any{"task": task.ID})

		var prev []model.TaskItem
		for _, t := range tasks[:i] {
			if t.Status == model.StatusAccepted {
				prev = append(prev, t)
			}
		}

		brief, err := p.Compiler.Compile(ctx, compiler.Request{
			Proposal:      item.Description,
			AllTasks:      taskTitles,
			CurrentTask:   *task,
			PrevResults:   prev,
			ProjectRules:  projectRules,
			RetryFindings: retryFindings,
		})
		if err != nil {
			return fmt.Errorf("compile %s/%s: %w", item.ID, task.ID, err)
		}
		if err := p.Store.UpdateCompiledBrief(item.ID, brief, digest(brief)); err != nil {
			return err
		}

		p.setStatus(item, model.StatusRunning)
		_ = p.Store.LogEvent(item.ID, "execute", map[string]any{"task": task.ID})
		p.progressf("  %s: executing %s (%s)", item.ID, task.ID, task.Title)

		result := p.runTask(ctx, runner, item, task, brief)

		task.FilesChanged = result.FilesChanged
		task.CommitHash = result.CommitHash
		task.ExecutionOutput = result.Output
		task.TurnsUsed = result.TurnsUsed
		task.TokensIn = result.TokensIn
		task.TokensOut = result.TokensOut
		task.DurationSec = result.DurationSec
		if result.Success {
			task.Status = model.StatusAccepted
		} else {
			task.Status = model.StatusFailed
		}
		if err := p.Store.UpsertTask(item.ID, task); err != nil {
			return err
		}

		if !result.Success {
			// An execution failure stops the remaining tasks; the change
			// still goes to verification with whatever diff exists, and
			// aggregation drives the retry.
			p.progressf("  %s: task %s failed", item.ID, task.ID)
			break
		}
	}

	strategy := p.Cfg.VerificationStrategy(item)
	decision, findings := p.verify(ctx, item, strategy, projectRules)
	return p.dispatch(ctx, item, decision, findings)
}

// runTask executes one task under the change's duration budget.
func (p *Pipeline) runTask(ctx context.Context, runner Runner, item *model.WorkItem, task *model.TaskItem, brief string) model.ExecutionResult {
	if item.MaxDurationSec > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(item.MaxDurationSec)*time.Second)
		defer cancel()
	}
	return runner.Execute(ctx, item, task, p.Cfg.ProjectRoot, brief)
}

// verify runs the committee unless the strategy is skip.
func (p *Pipeline) verify(ctx context.Context, item *model.WorkItem, strategy, projectRules string) (string, []model.Finding) {
	if strategy == "skip" {
		return aggregator.Aggregate(nil, "skip", item.Risk)
	}

	p.setStatus(item, model.StatusVerifying)
	diff := gitops.Diff(p.Cfg.ProjectRoot, p.Cfg.BaseBranch)

	results := voter.RunVoters(ctx, p.Voters, diff, item.Description, projectRules, p.Cfg.Verification.Checks)
	attempt := item.RetryCount + 1
	if err := p.Store.SaveVoteResults(item.ID, attempt, results); err != nil {
		p.progressf("  %s: saving votes: %v", item.ID, err)
	}

	verdicts := make([]string, 0, len(results))
	for _, r := range results {
		verdicts = append(verdicts, r.Voter+"="+r.Verdict)
	}
	_ = p.Store.LogEvent(item.ID, "vote", map[string]any{
		"attempt":     attempt,
		"strategy":    strategy,
		"verdicts":    strings.Join(verdicts, " "),
		"diff_digest": digest(diff),
	})

	return aggregator.Aggregate(results, strategy, item.Risk)
}

// dispatch applies the decision: accept, park for review, or retry/fail.
func (p *Pipeline) dispatch(ctx context.Context, item *model.WorkItem, decision string, findings []model.Finding) error {
	switch decision {
	case aggregator.Approved:
		p.setStatus(item, model.StatusAccepted)
		_ = p.Store.LogEvent(item.ID, "approve", nil)
		p.Notifier.Notify(ctx, "change.completed", item)
		p.progressf("  %s: accepted", item.ID)

	case aggregator.NeedsReview:
		p.setStatus(item, model.StatusNeedsReview)
		_ = p.Store.LogEvent(item.ID, "needs_review", map[string]any{"findings": len(findings)})
		p.Notifier.Notify(ctx, "change.needs_review", item)
		p.progressf("  %s: needs review", item.ID)

	default: // rejected
		if item.RetryCount < item.MaxRetries {
			item.RetryCount++
			if err := p.Store.UpdateRetryCount(item.ID, item.RetryCount); err != nil {
				return err
			}
			p.setStatus(item, model.StatusReady)
			_ = p.Store.LogEvent(item.ID, "retry", map[string]any{
				"retry_count": item.RetryCount,
				"findings":    findingSummaries(findings),
			})
			p.progressf("  %s: rejected, retry %d/%d", item.ID, item.RetryCount, item.MaxRetries)
		} else {
			p.setStatus(item, model.StatusFailed)
			_ = p.Store.UpdateErrorMessage(item.ID, "retry budget exhausted")
			_ = p.Store.LogEvent(item.ID, "failed", map[string]any{"retry_count": item.RetryCount})
			p.Notifier.Notify(ctx, "change.failed", item)
			p.progressf("  %s: failed (retry budget exhausted)", item.ID)
		}
	}
	return nil
}

// retryFindings returns the previous attempt's findings, or nil on the first
// attempt.
func (p *Pipeline) retryFindings(item *model.WorkItem) []model.Finding {
	if item.RetryCount == 0 {
		return nil
	}
	results, err := p.Store.GetVoteResults(item.ID, item.RetryCount)
	if err != nil {
		return nil
	}
	var findings []model.Finding
	for _, r := range results {
		findings = append(findings, r.Findings...)
	}
	return findings
}

func (p *Pipeline) setStatus(item *model.WorkItem, status model.Status) {
	item.Status = status
	if err := p.Store.UpdateStatus(item.ID, status); err != nil {
		p.progressf("  %s: status update: %v", item.ID, err)
	}
}

func (p *Pipeline) progressf(format string, args ...any) {
	if p.Progress == nil {
		return
	}
	fmt.Fprintf(p.Progress, format+"\n", args...)
}

// readProjectRules returns the project's CLAUDE.md, or "" when absent.
func readProjectRules(projectRoot string) string {
	raw, err := os.ReadFile(filepath.Join(projectRoot, "CLAUDE.md"))
	if err != nil {
		return ""
	}
	return string(raw)
}

func digest(content string) string {
	sum := blake3.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

func findingSummaries(findings []model.Finding) []string {
	out := make([]string, 0, len(findings))
	for _, f := range findings {
		out = append(out, fmt.Sprintf("[%s] %s: %s", f.Severity, f.Category, f.Description))
	}
	return out
}
