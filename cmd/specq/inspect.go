package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newLogsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logs <change-id>",
		Short: "Show the run log of a change",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			entries, err := st.GetLogs(args[0])
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "no log entries for %s\n", args[0])
				return nil
			}
			for _, e := range entries {
				line := fmt.Sprintf("%s  %s", e.CreatedAt, e.Event)
				if len(e.Detail) > 0 {
					raw, _ := json.Marshal(e.Detail)
					line += "  " + string(raw)
				}
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		},
	}
}

func newVotesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "votes <change-id>",
		Short: "Show the latest attempt's vote results for a change",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			item, err := st.GetWorkItem(args[0])
			if err != nil {
				return err
			}
			if item == nil {
				return fmt.Errorf("unknown change %q", args[0])
			}

			// Latest attempt with results wins; a change accepted on attempt 1
			// still shows its votes after later rescans.
			for attempt := item.RetryCount + 1; attempt >= 1; attempt-- {
				results, err := st.GetVoteResults(args[0], attempt)
				if err != nil {
					return err
				}
				if len(results) == 0 {
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "attempt %d:\n", attempt)
				for _, r := range results {
					fmt.Fprintf(cmd.OutOrStdout(), "  %s: %s (confidence %.2f)\n", r.Voter, r.Verdict, r.Confidence)
					if r.Summary != "" {
						fmt.Fprintf(cmd.OutOrStdout(), "    %s\n", r.Summary)
					}
					for _, f := range r.Findings {
						fmt.Fprintf(cmd.OutOrStdout(), "    - [%s] %s: %s\n", f.Severity, f.Category, f.Description)
					}
				}
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "no votes recorded for %s\n", args[0])
			return nil
		},
	}
}

func newConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show the effective configuration with API keys redacted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "changes_dir: %s\n", cfg.ChangesDir)
			fmt.Fprintf(out, "base_branch: %s\n", cfg.BaseBranch)
			fmt.Fprintf(out, "compiler: %s/%s\n", cfg.Compiler.Provider, cfg.Compiler.Model)
			fmt.Fprintf(out, "executor: %s model=%s max_turns=%d\n",
				cfg.Executor.Type, cfg.Executor.Model, cfg.Executor.MaxTurns)
			fmt.Fprintf(out, "risk_policy: low=%s medium=%s high=%s\n",
				cfg.RiskPolicy.Low.Strategy, cfg.RiskPolicy.Medium.Strategy, cfg.RiskPolicy.High.Strategy)
			fmt.Fprintf(out, "budgets: max_retries=%d max_duration_sec=%d\n",
				cfg.Budgets.MaxRetries, cfg.Budgets.MaxDurationSec)

			fmt.Fprintln(out, "voters:")
			for _, v := range cfg.Verification.Voters {
				fmt.Fprintf(out, "  - %s/%s\n", v.Provider, v.Model)
			}
			fmt.Fprintf(out, "checks: %s\n", strings.Join(cfg.Verification.Checks, ", "))

			fmt.Fprintln(out, "providers:")
			for _, name := range []string{"anthropic", "openai", "google", "glm", "deepseek"} {
				fmt.Fprintf(out, "  %s: %s\n", name, redactKey(cfg.APIKey(name)))
			}

			if cfg.Notify.WebhookURL != "" {
				fmt.Fprintf(out, "notify: %s events=%s\n",
					cfg.Notify.WebhookURL, strings.Join(cfg.Notify.Events, ", "))
			}
			return nil
		},
	}
}

func redactKey(key string) string {
	if key == "" {
		return "(not set)"
	}
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}
