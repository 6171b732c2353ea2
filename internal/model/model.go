// Package model holds the core data types shared across the orchestrator:
// work items, tasks, vote results, and the status state machine vocabulary.
package model

// Status is the lifecycle state of a work item (and, reduced, of a task).
type Status string

const (
	StatusPending     Status = "pending"
	StatusBlocked     Status = "blocked"
	StatusReady       Status = "ready"
	StatusCompiling   Status = "compiling"
	StatusRunning     Status = "running"
	StatusVerifying   Status = "verifying"
	StatusNeedsReview Status = "needs_review"
	StatusAccepted    Status = "accepted"
	StatusRejected    Status = "rejected"
	StatusFailed      Status = "failed"
	StatusSkipped     Status = "skipped"
)

// Terminal reports whether the pipeline loop never advances this status on
// its own. needs_review is terminal for the loop but not for manual accept.
func (s Status) Terminal() bool {
	switch s {
	case StatusAccepted, StatusFailed, StatusSkipped:
		return true
	}
	return false
}

// Transient reports whether the status belongs to an in-flight pipeline
// stage. Reconciliation must never move an item out of a transient state.
func (s Status) Transient() bool {
	switch s {
	case StatusCompiling, StatusRunning, StatusVerifying, StatusNeedsReview:
		return true
	}
	return false
}

// RiskRank orders risk levels for scheduling: low before medium before high.
// Unknown values rank as medium.
func RiskRank(risk string) int {
	switch risk {
	case "low":
		return 0
	case "high":
		return 2
	default:
		return 1
	}
}

// Finding is a single reviewer observation.
type Finding struct {
	Severity    string `json:"severity"`
	Category    string `json:"category"`
	Description string `json:"description"`
}

// TaskItem is a single task within a change. Identity is (work item id, ID).
// Ordinal is the task's position in tasks.md; execution follows it.
type TaskItem struct {
	ID              string
	Ordinal         int
	Title           string
	Description     string
	Status          Status
	FilesChanged    []string
	CommitHash      string
	ExecutionOutput string
	TurnsUsed       int
	TokensIn        int
	TokensOut       int
	DurationSec     float64
}

// VoteResult is the structured verdict from one voter.
type VoteResult struct {
	Voter      string
	Verdict    string // "pass" | "fail" | "error"
	Confidence float64
	Findings   []Finding
	Summary    string
}

// ExecutionResult is the outcome of executing one task.
type ExecutionResult struct {
	Success      bool
	Output       string
	FilesChanged []string
	CommitHash   string
	DurationSec  float64
	TurnsUsed    int
	TokensIn     int
	TokensOut    int
}

// WorkItem is the complete representation of a change. Identity is the
// change directory name.
type WorkItem struct {
	ID          string
	ChangeDir   string
	Title       string
	Description string

	Deps     []string
	Priority int
	Risk     string

	// Per-change overrides from frontmatter. Zero values mean "use the
	// global config".
	ExecutorType         string
	ExecutorModel        string
	ExecutorMaxTurns     int
	ExecutorTools        []string
	VerificationStrategy string

	MaxRetries     int
	MaxDurationSec int

	Status        Status
	Tasks         []TaskItem
	RetryCount    int
	CompiledBrief string
	ErrorMessage  string
	CreatedAt     string
	UpdatedAt     string
}

// NewWorkItem returns a WorkItem with defaults applied.
func NewWorkItem(id string) *WorkItem {
	return &WorkItem{
		ID:             id,
		Risk:           "medium",
		Status:         StatusPending,
		MaxRetries:     3,
		MaxDurationSec: 600,
	}
}
