package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

const defaultConfigTemplate = `# specq configuration (team-shared). Personal overrides and API keys
# belong in local.config.yaml, which is gitignored.

# changes_dir: changes   # auto-detected: openspec/changes/ if present
base_branch: main

compiler:
  provider: anthropic    # anthropic | openai | google | glm | deepseek | claude_cli | none
  model: claude-haiku-4-5

executor:
  type: claude_code      # claude_code | gemini_cli | codex
  model: claude-sonnet-4-5
  max_turns: 50

verification:
  voters:
    - provider: anthropic
      model: claude-sonnet-4-5
    - provider: openai
      model: gpt-4o
  checks:
    - spec_compliance
    - regression_risk
    - architecture

risk_policy:
  low: skip
  medium: majority
  high: unanimous

budgets:
  max_retries: 3
  max_duration_sec: 600

notify:
  webhook_url: ""
  events:
    - change.completed
    - change.failed
    - change.needs_review
`

const localConfigTemplate = `# Personal overrides. This file is gitignored; API keys go here or in
# the environment (ANTHROPIC_API_KEY etc.).
# providers:
#   anthropic:
#     api_key: sk-ant-...
`

const exampleProposal = `---
risk: low
priority: 1
---
# Example change

Replace this with a real proposal: what should change and why.
`

const exampleTasks = `## task-1: Describe the first step

What the agent should do, concretely enough to act on.
`

var gitignoreEntries = []string{
	".specq/local.config.yaml",
	".specq/state.db",
	".specq/state.db-wal",
	".specq/state.db-shm",
}

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Scaffold .specq/ and an example change directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := projectRoot()
			if err != nil {
				return err
			}
			specqDir := filepath.Join(root, ".specq")
			if err := os.MkdirAll(specqDir, 0o755); err != nil {
				return err
			}

			created := 0
			for path, content := range map[string]string{
				filepath.Join(specqDir, "config.yaml"):       defaultConfigTemplate,
				filepath.Join(specqDir, "local.config.yaml"): localConfigTemplate,
			} {
				ok, err := writeIfAbsent(path, content)
				if err != nil {
					return err
				}
				if ok {
					created++
					fmt.Fprintf(cmd.OutOrStdout(), "created %s\n", rel(root, path))
				}
			}

			exampleDir := filepath.Join(root, "changes", "example-change")
			if _, err := os.Stat(exampleDir); os.IsNotExist(err) {
				if err := os.MkdirAll(exampleDir, 0o755); err != nil {
					return err
				}
				for name, content := range map[string]string{
					"proposal.md": exampleProposal,
					"tasks.md":    exampleTasks,
				} {
					if _, err := writeIfAbsent(filepath.Join(exampleDir, name), content); err != nil {
						return err
					}
				}
				created++
				fmt.Fprintf(cmd.OutOrStdout(), "created %s\n", rel(root, exampleDir))
			}

			if err := ensureGitignore(root); err != nil {
				return err
			}

			if created == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "already initialized")
			}
			return nil
		},
	}
}

func writeIfAbsent(path, content string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	return true, os.WriteFile(path, []byte(content), 0o644)
}

// ensureGitignore appends the state and local-config entries that must not
// be committed, skipping any already present.
func ensureGitignore(root string) error {
	path := filepath.Join(root, ".gitignore")
	existing, _ := os.ReadFile(path)
	lines := map[string]bool{}
	for _, line := range strings.Split(string(existing), "\n") {
		lines[strings.TrimSpace(line)] = true
	}

	var missing []string
	for _, entry := range gitignoreEntries {
		if !lines[entry] {
			missing = append(missing, entry)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	out := string(existing)
	if out != "" && !strings.HasSuffix(out, "\n") {
		out += "\n"
	}
	out += strings.Join(missing, "\n") + "\n"
	return os.WriteFile(path, []byte(out), 0o644)
}

func rel(root, path string) string {
	if r, err := filepath.Rel(root, path); err == nil {
		return r
	}
	return path
}
