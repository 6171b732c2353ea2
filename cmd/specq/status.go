package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/specq-dev/specq/internal/dag"
	"github.com/specq-dev/specq/internal/model"
	"github.com/specq-dev/specq/internal/scanner"
	"github.com/specq-dev/specq/internal/store"
)

func newScanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "List the changes discovered in the changes directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			items, err := scanner.Scan(cfg)
			if err != nil {
				return err
			}
			if len(items) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no changes found")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tRISK\tPRIORITY\tTASKS\tDEPS")
			for _, item := range items {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n",
					item.ID, item.Risk, item.Priority, len(item.Tasks), joinOrDash(item.Deps))
			}
			return w.Flush()
		},
	}
}

func newPlanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plan",
		Short: "Show the execution order implied by the dependency graph",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			items, err := scanner.Scan(cfg)
			if err != nil {
				return err
			}
			graph := dag.Build(items)
			if err := dag.Validate(graph); err != nil {
				return err
			}
			order, err := dag.TopologicalOrder(graph)
			if err != nil {
				return err
			}

			byID := make(map[string]*model.WorkItem, len(items))
			for _, item := range items {
				byID[item.ID] = item
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			for i, id := range order {
				status := model.StatusPending
				if stored, err := st.GetWorkItem(id); err == nil && stored != nil {
					status = stored.Status
				}
				item := byID[id]
				fmt.Fprintf(cmd.OutOrStdout(), "%d. %s [%s] (risk=%s, deps=%s)\n",
					i+1, id, status, item.Risk, joinOrDash(item.Deps))
			}
			return nil
		},
	}
}

func newDepsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deps",
		Short: "Print the dependency graph",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			items, err := scanner.Scan(cfg)
			if err != nil {
				return err
			}
			for _, item := range items {
				if len(item.Deps) == 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\n", item.ID)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s\n", item.ID, strings.Join(item.Deps, ", "))
			}
			graph := dag.Build(items)
			if err := dag.Validate(graph); err != nil {
				return err
			}
			return nil
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [change-id]",
		Short: "Show stored change statuses, or the detail of one change",
		Args:  cobra.MaximumNArgs(1),
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

			if len(args) == 1 {
				return printDetail(cmd, st, args[0])
			}

			items, err := st.ListWorkItems()
			if err != nil {
				return err
			}
			if len(items) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no changes in store; run scan or run first")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tRISK\tRETRIES\tTITLE")
			for _, item := range items {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\n",
					item.ID, item.Status, item.Risk, item.RetryCount, item.MaxRetries, item.Title)
			}
			return w.Flush()
		},
	}
}

func printDetail(cmd *cobra.Command, st *store.Store, id string) error {
	item, err := st.GetWorkItem(id)
	if err != nil {
		return err
	}
	if item == nil {
		return fmt.Errorf("unknown change %q", id)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s: %s\n", item.ID, item.Title)
	fmt.Fprintf(out, "  status:  %s\n", item.Status)
	fmt.Fprintf(out, "  risk:    %s\n", item.Risk)
	fmt.Fprintf(out, "  retries: %d/%d\n", item.RetryCount, item.MaxRetries)
	fmt.Fprintf(out, "  deps:    %s\n", joinOrDash(item.Deps))
	if item.ErrorMessage != "" {
		fmt.Fprintf(out, "  error:   %s\n", item.ErrorMessage)
	}

	tasks, err := st.GetTasks(id)
	if err != nil {
		return err
	}
	if len(tasks) > 0 {
		fmt.Fprintln(out, "  tasks:")
		for _, t := range tasks {
			fmt.Fprintf(out, "    %s [%s] %s", t.ID, t.Status, t.Title)
			if t.CommitHash != "" {
				fmt.Fprintf(out, " (commit %s)", t.CommitHash)
			}
			fmt.Fprintln(out)
		}
	}
	return nil
}

func joinOrDash(list []string) string {
	if len(list) == 0 {
		return "-"
	}
	return strings.Join(list, ", ")
}
