package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/specq-dev/specq/internal/pipeline"
)

func newRunCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "run [change-id]",
		Short: "Run the pipeline for one change, or --all until nothing is ready",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			targetID := ""
			if len(args) == 1 {
				targetID = args[0]
			}
			if targetID == "" && !all {
				return fmt.Errorf("specify a change id or --all")
			}
			if targetID != "" && all {
				return fmt.Errorf("--all cannot be combined with a change id")
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			p := pipeline.New(cfg, st)
			p.Progress = cmd.ErrOrStderr()
			return p.Run(ctx, targetID)
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "process ready changes until none remain")
	return cmd
}
