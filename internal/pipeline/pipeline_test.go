package pipeline

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/specq-dev/specq/internal/compiler"
	"github.com/specq-dev/specq/internal/config"
	"github.com/specq-dev/specq/internal/model"
	"github.com/specq-dev/specq/internal/notifier"
	"github.com/specq-dev/specq/internal/store"
	"github.com/specq-dev/specq/internal/voter"
)

type fakeRunner struct {
	mu       sync.Mutex
	calls    int
	executed []string
	success  bool
}

func (f *fakeRunner) Execute(_ context.Context, item *model.WorkItem, task *model.TaskItem, cwd, brief string) model.ExecutionResult {
	f.mu.Lock()
	f.calls++
	f.executed = append(f.executed, task.ID)
	f.mu.Unlock()
	return model.ExecutionResult{Success: f.success, Output: "ran " + task.ID, TurnsUsed: 1}
}

func (f *fakeRunner) executedTasks() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.executed...)
}

type fakeVoter struct {
	name   string
	result model.VoteResult
}

func (f *fakeVoter) Name() string { return f.name }

func (f *fakeVoter) Review(context.Context, string, string, string, []string) (model.VoteResult, error) {
	r := f.result
	r.Voter = f.name
	return r, nil
}

// webhookRecorder collects delivered event names.
type webhookRecorder struct {
	mu     sync.Mutex
	events []string
	srv    *httptest.Server
}

func newWebhookRecorder(t *testing.T) *webhookRecorder {
	rec := &webhookRecorder{}
	rec.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p struct {
			Event string `json:"event"`
		}
		decodeJSONBody(r, &p)
		rec.mu.Lock()
		rec.events = append(rec.events, p.Event)
		rec.mu.Unlock()
	}))
	t.Cleanup(rec.srv.Close)
	return rec
}

func decodeJSONBody(r *http.Request, v any) {
	_ = json.NewDecoder(r.Body).Decode(v)
}

func (rec *webhookRecorder) delivered() []string {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return append([]string(nil), rec.events...)
}

func writeChange(t *testing.T, root, name, proposal, tasks string) {
	t.Helper()
	dir := filepath.Join(root, "changes", name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "proposal.md"), []byte(proposal), 0o644); err != nil {
		t.Fatal(err)
	}
	if tasks != "" {
		if err := os.WriteFile(filepath.Join(dir, "tasks.md"), []byte(tasks), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func testPipeline(t *testing.T, cfg *config.Config, runner Runner, voters []voter.Voter, rec *webhookRecorder) (*Pipeline, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	url := ""
	if rec != nil {
		url = rec.srv.URL
	}
	p := &Pipeline{
		Cfg:       cfg,
		Store:     st,
		Compiler:  compiler.Passthrough{},
		Voters:    voters,
		Notifier:  notifier.New(url, cfg.Notify.Events),
		RunnerFor: func(*model.WorkItem) Runner { return runner },
	}
	return p, st
}

func TestRun_LowRiskAutoAccepts(t *testing.T) {
	root := t.TempDir()
	writeChange(t, root, "easy-change",
		"---\nrisk: low\n---\n# Easy\nDo the easy thing.\n",
		"## task-1: Only step\nJust do it.\n")

	cfg := config.Default(root)
	cfg.ChangesDir = "changes"
	rec := newWebhookRecorder(t)
	runner := &fakeRunner{success: true}
	p, st := testPipeline(t, cfg, runner, nil, rec)

	if err := p.Run(context.Background(), ""); err != nil {
		t.Fatalf("run: %v", err)
	}

	item, _ := st.GetWorkItem("easy-change")
	if item == nil || item.Status != model.StatusAccepted {
		t.Fatalf("item: %+v", item)
	}
	if runner.calls != 1 {
		t.Fatalf("runner calls: %d", runner.calls)
	}
	tasks, _ := st.GetTasks("easy-change")
	if len(tasks) != 1 || tasks[0].Status != model.StatusAccepted {
		t.Fatalf("tasks: %+v", tasks)
	}
	if got := rec.delivered(); len(got) != 1 || got[0] != "change.completed" {
		t.Fatalf("webhooks: %v", got)
	}
	// Skip strategy stores no votes.
	votes, _ := st.GetVoteResults("easy-change", 1)
	if len(votes) != 0 {
		t.Fatalf("votes: %v", votes)
	}
}

func TestRun_TasksExecuteInSourceOrder(t *testing.T) {
	root := t.TempDir()
	// Task ids chosen so lexicographic order disagrees with tasks.md order.
	writeChange(t, root, "ordered-change",
		"---\nrisk: low\n---\n# Ordered\nbody\n",
		"## task-zeta: First in the file\nx\n"+
			"## task-alpha: Second in the file\ny\n"+
			"## task-mid: Third in the file\nz\n")

	cfg := config.Default(root)
	cfg.ChangesDir = "changes"
	runner := &fakeRunner{success: true}
	p, st := testPipeline(t, cfg, runner, nil, nil)

	if err := p.Run(context.Background(), ""); err != nil {
		t.Fatalf("run: %v", err)
	}

	want := []string{"task-zeta", "task-alpha", "task-mid"}
	got := runner.executedTasks()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("execution order: %v, want %v", got, want)
	}
	// The store reads back in the same order.
	tasks, err := st.GetTasks("ordered-change")
	if err != nil {
		t.Fatal(err)
	}
	for i, task := range tasks {
		if task.ID != want[i] {
			t.Fatalf("stored order at %d: %s, want %s", i, task.ID, want[i])
		}
	}
}

func TestRun_RetryExhaustionFails(t *testing.T) {
	root := t.TempDir()
	writeChange(t, root, "doomed-change",
		"---\nrisk: medium\n---\n# Doomed\nbody\n",
		"## task-1: Step\nx\n")

	cfg := config.Default(root)
	cfg.ChangesDir = "changes"
	cfg.Budgets.MaxRetries = 1
	rec := newWebhookRecorder(t)
	runner := &fakeRunner{success: true}
	voters := []voter.Voter{
		&fakeVoter{name: "v1", result: model.VoteResult{Verdict: "fail",
			Findings: []model.Finding{{Severity: "warning", Category: "spec_compliance", Description: "wrong"}}}},
	}
	p, st := testPipeline(t, cfg, runner, voters, rec)

	if err := p.Run(context.Background(), ""); err != nil {
		t.Fatalf("run: %v", err)
	}

	item, _ := st.GetWorkItem("doomed-change")
	if item.Status != model.StatusFailed {
		t.Fatalf("status: %s", item.Status)
	}
	if item.RetryCount != 1 {
		t.Fatalf("retry count: %d", item.RetryCount)
	}
	// One execution per attempt.
	if runner.calls != 2 {
		t.Fatalf("runner calls: %d want 2", runner.calls)
	}
	for attempt := 1; attempt <= 2; attempt++ {
		votes, _ := st.GetVoteResults("doomed-change", attempt)
		if len(votes) != 1 {
			t.Fatalf("attempt %d votes: %v", attempt, votes)
		}
	}
	if got := rec.delivered(); len(got) != 1 || got[0] != "change.failed" {
		t.Fatalf("webhooks: %v", got)
	}
}

func TestRun_CriticalFindingNeedsReview(t *testing.T) {
	root := t.TempDir()
	writeChange(t, root, "scary-change",
		"---\nrisk: medium\n---\n# Scary\nbody\n",
		"## task-1: Step\nx\n")

	cfg := config.Default(root)
	cfg.ChangesDir = "changes"
	rec := newWebhookRecorder(t)
	runner := &fakeRunner{success: true}
	voters := []voter.Voter{
		&fakeVoter{name: "v1", result: model.VoteResult{Verdict: "pass",
			Findings: []model.Finding{{Severity: "critical", Category: "regression_risk", Description: "data loss"}}}},
	}
	p, st := testPipeline(t, cfg, runner, voters, rec)

	if err := p.Run(context.Background(), ""); err != nil {
		t.Fatalf("run: %v", err)
	}

	item, _ := st.GetWorkItem("scary-change")
	if item.Status != model.StatusNeedsReview {
		t.Fatalf("status: %s", item.Status)
	}
	if got := rec.delivered(); len(got) != 1 || got[0] != "change.needs_review" {
		t.Fatalf("webhooks: %v", got)
	}
	if runner.calls != 1 {
		t.Fatalf("needs_review must not retry: %d calls", runner.calls)
	}
}

func TestRun_HighRiskCleanPassEscalates(t *testing.T) {
	root := t.TempDir()
	writeChange(t, root, "risky-change",
		"---\nrisk: high\n---\n# Risky\nbody\n",
		"## task-1: Step\nx\n")

	cfg := config.Default(root)
	cfg.ChangesDir = "changes"
	runner := &fakeRunner{success: true}
	voters := []voter.Voter{
		&fakeVoter{name: "v1", result: model.VoteResult{Verdict: "pass"}},
		&fakeVoter{name: "v2", result: model.VoteResult{Verdict: "pass"}},
	}
	p, st := testPipeline(t, cfg, runner, voters, nil)

	if err := p.Run(context.Background(), ""); err != nil {
		t.Fatalf("run: %v", err)
	}
	item, _ := st.GetWorkItem("risky-change")
	if item.Status != model.StatusNeedsReview {
		t.Fatalf("high risk pass should need review, got %s", item.Status)
	}
}

func TestRun_DependencyOrderAndBlocking(t *testing.T) {
	root := t.TempDir()
	writeChange(t, root, "base-change", "---\nrisk: low\n---\n# Base\nbody\n", "## task-1: Step\nx\n")
	writeChange(t, root, "dependent-change",
		"---\nrisk: low\ndepends_on:\n  - base-change\n---\n# Dep\nbody\n",
		"## task-1: Step\nx\n")

	cfg := config.Default(root)
	cfg.ChangesDir = "changes"
	runner := &fakeRunner{success: true}
	p, st := testPipeline(t, cfg, runner, nil, nil)

	if err := p.Run(context.Background(), ""); err != nil {
		t.Fatalf("run: %v", err)
	}
	for _, id := range []string{"base-change", "dependent-change"} {
		item, _ := st.GetWorkItem(id)
		if item.Status != model.StatusAccepted {
			t.Fatalf("%s: %s", id, item.Status)
		}
	}
	if runner.calls != 2 {
		t.Fatalf("runner calls: %d", runner.calls)
	}
}

func TestRun_CycleAborts(t *testing.T) {
	root := t.TempDir()
	writeChange(t, root, "a-change", "---\ndepends_on:\n  - b-change\n---\n# A\nbody\n", "")
	writeChange(t, root, "b-change", "---\ndepends_on:\n  - a-change\n---\n# B\nbody\n", "")

	cfg := config.Default(root)
	cfg.ChangesDir = "changes"
	runner := &fakeRunner{success: true}
	p, _ := testPipeline(t, cfg, runner, nil, nil)

	err := p.Run(context.Background(), "")
	if err == nil {
		t.Fatalf("expected cycle error")
	}
	if !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("error: %v", err)
	}
	if runner.calls != 0 {
		t.Fatalf("no work may dispatch on a broken graph")
	}
}

func TestRun_TargetNotReady(t *testing.T) {
	root := t.TempDir()
	writeChange(t, root, "blocked-change",
		"---\ndepends_on:\n  - base-change\n---\n# Blocked\nbody\n", "")
	writeChange(t, root, "base-change", "# Base\nbody\n", "")

	cfg := config.Default(root)
	cfg.ChangesDir = "changes"
	p, _ := testPipeline(t, cfg, &fakeRunner{success: true}, nil, nil)

	if err := p.Run(context.Background(), "blocked-change"); err == nil {
		t.Fatalf("expected not-ready error")
	}
}

func TestRun_ExecutionFailureGoesThroughVerification(t *testing.T) {
	root := t.TempDir()
	writeChange(t, root, "failing-change",
		"---\nrisk: medium\n---\n# Failing\nbody\n",
		"## task-1: Step\nx\n## task-2: Never runs\ny\n")

	cfg := config.Default(root)
	cfg.ChangesDir = "changes"
	cfg.Budgets.MaxRetries = 0
	runner := &fakeRunner{success: false}
	voters := []voter.Voter{
		&fakeVoter{name: "v1", result: model.VoteResult{Verdict: "fail"}},
	}
	p, st := testPipeline(t, cfg, runner, voters, nil)

	if err := p.Run(context.Background(), ""); err != nil {
		t.Fatalf("run: %v", err)
	}
	// Task failure stops the per-task loop.
	if runner.calls != 1 {
		t.Fatalf("runner calls: %d want 1", runner.calls)
	}
	tasks, _ := st.GetTasks("failing-change")
	if tasks[0].Status != model.StatusFailed {
		t.Fatalf("task-1: %s", tasks[0].Status)
	}
	if tasks[1].Status != model.StatusPending {
		t.Fatalf("task-2 should stay pending: %s", tasks[1].Status)
	}
	item, _ := st.GetWorkItem("failing-change")
	if item.Status != model.StatusFailed {
		t.Fatalf("item: %s", item.Status)
	}
}

func TestReadProjectRules_ClaudeMDOnly(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "AGENTS.md"), []byte("other rules"), 0o644); err != nil {
		t.Fatal(err)
	}
	if got := readProjectRules(root); got != "" {
		t.Fatalf("only CLAUDE.md supplies rules, got %q", got)
	}
	if err := os.WriteFile(filepath.Join(root, "CLAUDE.md"), []byte("use table tests"), 0o644); err != nil {
		t.Fatal(err)
	}
	if got := readProjectRules(root); got != "use table tests" {
		t.Fatalf("rules: %q", got)
	}
}

func TestRun_EmptyChangesDirIsNoOp(t *testing.T) {
	cfg := config.Default(t.TempDir())
	cfg.ChangesDir = "changes"
	p, _ := testPipeline(t, cfg, &fakeRunner{success: true}, nil, nil)
	if err := p.Run(context.Background(), ""); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestRun_RetryBriefCarriesFindings(t *testing.T) {
	root := t.TempDir()
	writeChange(t, root, "retry-change",
		"---\nrisk: medium\n---\n# Retry\nbody\n",
		"## task-1: Step\nx\n")

	cfg := config.Default(root)
	cfg.ChangesDir = "changes"
	cfg.Budgets.MaxRetries = 1
	runner := &fakeRunner{success: true}
	voters := []voter.Voter{
		&fakeVoter{name: "v1", result: model.VoteResult{Verdict: "fail",
			Findings: []model.Finding{{Severity: "warning", Category: "spec_compliance", Description: "fix the handler"}}}},
	}
	p, st := testPipeline(t, cfg, runner, voters, nil)

	if err := p.Run(context.Background(), ""); err != nil {
		t.Fatalf("run: %v", err)
	}

	// The brief persisted last belongs to the retry attempt and must carry
	// the previous findings.
	item, _ := st.GetWorkItem("retry-change")
	if !strings.Contains(item.CompiledBrief, "Previous Review Findings") ||
		!strings.Contains(item.CompiledBrief, "fix the handler") {
		t.Fatalf("retry brief missing findings:\n%s", item.CompiledBrief)
	}
}
