// Package voter runs the verification committee: independent reviewers that
// consume a git diff and return structured verdicts. Voters run in parallel
// and one voter's failure never suppresses the others' results.
package voter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/specq-dev/specq/internal/model"
	"github.com/specq-dev/specq/internal/textgen"
)

const maxDiffChars = 50_000

const reviewSystemPrompt = `You are a code reviewer. Compare the git diff
against the original proposal and judge whether the implementation conforms.

Return JSON (do not wrap it in a markdown code block):
{
  "verdict": "pass" or "fail",
  "confidence": 0.0-1.0,
  "findings": [
    {"severity": "info|warning|critical", "category": "spec_compliance|regression_risk|architecture", "description": "..."}
  ],
  "summary": "one sentence"
}`

// Voter reviews a diff and returns a structured verdict.
type Voter interface {
	Name() string
	Review(ctx context.Context, diff, proposal, projectRules string, checks []string) (model.VoteResult, error)
}

// LLMVoter reviews through a text generator.
type LLMVoter struct {
	Provider string
	Model    string
	Gen      textgen.TextGenerator
}

func (v *LLMVoter) Name() string {
	return v.Provider + "/" + v.Model
}

func (v *LLMVoter) Review(ctx context.Context, diff, proposal, projectRules string, checks []string) (model.VoteResult, error) {
	raw, err := v.Gen.Chat(ctx, reviewSystemPrompt, buildReviewPrompt(diff, proposal, projectRules, checks))
	if err != nil {
		return model.VoteResult{}, err
	}
	return ParseVoteResponse(raw, v.Name()), nil
}

func buildReviewPrompt(diff, proposal, projectRules string, checks []string) string {
	if len(diff) > maxDiffChars {
		diff = diff[:maxDiffChars]
	}
	var b strings.Builder
	b.WriteString("## Git Diff\n```\n")
	b.WriteString(diff)
	b.WriteString("\n```\n\n")
	fmt.Fprintf(&b, "## Original Proposal\n%s\n\n", proposal)
	if projectRules != "" {
		fmt.Fprintf(&b, "## Project Rules\n%s\n\n", projectRules)
	}
	if len(checks) > 0 {
		b.WriteString("## Required Checks\n")
		for _, c := range checks {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}
	return b.String()
}

// ParseVoteResponse parses a voter reply. Code fences are stripped; parse
// failure degrades to verdict "error"; verdicts outside pass/fail coerce to
// "fail"; missing fields take zero defaults.
func ParseVoteResponse(raw, voterName string) model.VoteResult {
	text := strings.TrimSpace(raw)
	if strings.HasPrefix(text, "```") {
		text = stripFence(text)
	}

	var data struct {
		Verdict    string          `json:"verdict"`
		Confidence float64         `json:"confidence"`
		Findings   []model.Finding `json:"findings"`
		Summary    string          `json:"summary"`
	}
	if err := json.Unmarshal([]byte(text), &data); err != nil {
		return model.VoteResult{
			Voter:   voterName,
			Verdict: "error",
			Summary: "Failed to parse voter response as JSON",
		}
	}

	verdict := data.Verdict
	if verdict != "pass" && verdict != "fail" {
		verdict = "fail"
	}
	return model.VoteResult{
		Voter:      voterName,
		Verdict:    verdict,
		Confidence: data.Confidence,
		Findings:   data.Findings,
		Summary:    data.Summary,
	}
}

// stripFence removes the outer markdown code fence, keeping the lines
// between the opening ``` (with optional language tag) and the closing ```.
func stripFence(text string) string {
	lines := strings.Split(text, "\n")
	var kept []string
	inside := false
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if !inside && strings.HasPrefix(trimmed, "```") {
			inside = true
			continue
		}
		if inside && trimmed == "```" {
			break
		}
		if inside {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}

// RunVoters fans out one goroutine per voter and collects every result. A
// voter that returns an error or panics contributes a verdict of "error".
// Result order is unspecified.
func RunVoters(ctx context.Context, voters []Voter, diff, proposal, projectRules string, checks []string) []model.VoteResult {
	results := make([]model.VoteResult, 0, len(voters))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, v := range voters {
		wg.Add(1)
		go func(v Voter) {
			defer wg.Done()
			result := safeReview(ctx, v, diff, proposal, projectRules, checks)
			mu.Lock()
			results = append(results, result)
			mu.Unlock()
		}(v)
	}

	wg.Wait()
	return results
}

func safeReview(ctx context.Context, v Voter, diff, proposal, projectRules string, checks []string) (result model.VoteResult) {
	defer func() {
		if r := recover(); r != nil {
			result = model.VoteResult{
				Voter:   v.Name(),
				Verdict: "error",
				Summary: fmt.Sprintf("Voter error: %v", r),
			}
		}
	}()

	result, err := v.Review(ctx, diff, proposal, projectRules, checks)
	if err != nil {
		return model.VoteResult{
			Voter:   v.Name(),
			Verdict: "error",
			Summary: fmt.Sprintf("Voter error: %v", err),
		}
	}
	if result.Voter == "" {
		result.Voter = v.Name()
	}
	return result
}
