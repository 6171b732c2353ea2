// Package gitops shells out to git for the repo inspection the pipeline
// needs: changed-file lists, the short HEAD hash, and the review diff.
package gitops

import (
	"bytes"
	"fmt"
	"os/exec"
	"sort"
	"strings"
)

type CommandError struct {
	Args   []string
	Stdout string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("git %s: %v", strings.Join(e.Args, " "), e.Err)
	if e.Stderr != "" {
		msg += ": " + strings.TrimSpace(e.Stderr)
	}
	return msg
}

func runGit(dir string, args ...string) (string, error) {
	// Disable git's background auto-maintenance so agent runs stay
	// deterministic and no helper processes outlive the command.
	base := []string{
		"-C", dir,
		"-c", "maintenance.auto=0",
		"-c", "gc.auto=0",
	}
	cmd := exec.Command("git", append(base, args...)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.String(), &CommandError{Args: args, Stdout: stdout.String(), Stderr: stderr.String(), Err: err}
	}
	return stdout.String(), nil
}

// ChangedFiles lists staged, unstaged, and untracked files, deduplicated and
// sorted. Each git failure degrades to an empty contribution.
func ChangedFiles(dir string) []string {
	seen := map[string]bool{}
	if out, err := runGit(dir, "diff", "--name-only", "HEAD"); err == nil {
		for _, line := range strings.Split(out, "\n") {
			if f := strings.TrimSpace(line); f != "" {
				seen[f] = true
			}
		}
	}
	if out, err := runGit(dir, "ls-files", "--others", "--exclude-standard"); err == nil {
		for _, line := range strings.Split(out, "\n") {
			if f := strings.TrimSpace(line); f != "" {
				seen[f] = true
			}
		}
	}
	files := make([]string, 0, len(seen))
	for f := range seen {
		files = append(files, f)
	}
	sort.Strings(files)
	return files
}

// ShortHead returns the short hash of HEAD, or "" when git fails (fresh
// repos with no commits included).
func ShortHead(dir string) string {
	out, err := runGit(dir, "rev-parse", "--short", "HEAD")
	if err != nil {
		return ""
	}
	return strings.TrimSpace(out)
}

// Diff returns the diff from baseBranch to HEAD for review. Falls back to
// diffing against HEAD, then to "".
func Diff(dir, baseBranch string) string {
	if out, err := runGit(dir, "diff", baseBranch+"...HEAD"); err == nil {
		return out
	}
	if out, err := runGit(dir, "diff", "HEAD"); err == nil {
		return out
	}
	return ""
}
