// Package aggregator turns a set of vote results into a single decision
// under a strategy and the change's declared risk.
package aggregator

import "github.com/specq-dev/specq/internal/model"

// Decision values.
const (
	Approved    = "approved"
	Rejected    = "rejected"
	NeedsReview = "needs_review"
)

// Aggregate applies the strategy (skip/majority/unanimous), then the
// risk/severity escalation: a pass with any critical finding, or on a
// high-risk change, becomes needs_review. An "error" verdict counts as
// not-pass. Zero voters reject.
func Aggregate(results []model.VoteResult, strategy, risk string) (string, []model.Finding) {
	if strategy == "skip" {
		return Approved, nil
	}

	var findings []model.Finding
	for _, r := range results {
		findings = append(findings, r.Findings...)
	}

	total := len(results)
	if total == 0 {
		return Rejected, findings
	}

	passCount := 0
	for _, r := range results {
		if r.Verdict == "pass" {
			passCount++
		}
	}

	var passed bool
	switch strategy {
	case "unanimous":
		passed = passCount == total
	default: // majority, and the fallback for unknown strategies
		passed = passCount*2 > total
	}

	if !passed {
		return Rejected, findings
	}

	hasCritical := false
	for _, f := range findings {
		if f.Severity == "critical" {
			hasCritical = true
			break
		}
	}
	if hasCritical || risk == "high" {
		return NeedsReview, findings
	}
	return Approved, findings
}
