package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/specq-dev/specq/internal/model"
)

// Manual transitions. Guards:
//
//	accept: only from needs_review
//	retry:  only from failed
//	reject: from any state
//	skip:   from any state
func newAcceptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "accept <change-id>",
		Short: "Accept a change waiting on human review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return transition(cmd, args[0], "accept", model.StatusAccepted, model.StatusNeedsReview)
		},
	}
}

func newRejectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reject <change-id>",
		Short: "Mark a change failed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return transition(cmd, args[0], "reject", model.StatusFailed)
		},
	}
}

func newRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <change-id>",
		Short: "Put a failed change back in the ready queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return transition(cmd, args[0], "retry", model.StatusReady, model.StatusFailed)
		},
	}
}

func newSkipCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "skip <change-id>",
		Short: "Skip a change (dependents stay blocked)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return transition(cmd, args[0], "skip", model.StatusSkipped)
		},
	}
}

// transition applies a manual status change. With allowedFrom set, the item
// must currently be in one of those states.
func transition(cmd *cobra.Command, id, event string, to model.Status, allowedFrom ...model.Status) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	item, err := st.GetWorkItem(id)
	if err != nil {
		return err
	}
	if item == nil {
		return fmt.Errorf("unknown change %q", id)
	}
	if len(allowedFrom) > 0 && !statusIn(item.Status, allowedFrom) {
		return fmt.Errorf("cannot %s %q from status %s", event, id, item.Status)
	}

	if err := st.UpdateStatus(id, to); err != nil {
		return err
	}
	_ = st.LogEvent(id, event, map[string]any{"from": string(item.Status), "to": string(to)})
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %s -> %s\n", id, item.Status, to)
	return nil
}

func statusIn(s model.Status, allowed []model.Status) bool {
	for _, a := range allowed {
		if s == a {
			return true
		}
	}
	return false
}
