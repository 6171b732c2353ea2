// Command specq drives spec-directory changes through an agent pipeline:
// compile a brief, execute it with a coding agent, verify the diff with a
// voter committee, and decide.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/specq-dev/specq/internal/config"
	"github.com/specq-dev/specq/internal/store"
)

const stateDBPath = ".specq/state.db"

func main() {
	root := &cobra.Command{
		Use:           "specq",
		Short:         "Spec-driven agent pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newInitCmd(),
		newRunCmd(),
		newScanCmd(),
		newPlanCmd(),
		newDepsCmd(),
		newStatusCmd(),
		newLogsCmd(),
		newVotesCmd(),
		newAcceptCmd(),
		newRejectCmd(),
		newRetryCmd(),
		newSkipCmd(),
		newConfigCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func projectRoot() (string, error) {
	return os.Getwd()
}

func loadConfig() (*config.Config, error) {
	root, err := projectRoot()
	if err != nil {
		return nil, err
	}
	return config.Load(root)
}

func openStore(cfg *config.Config) (*store.Store, error) {
	path := filepath.Join(cfg.ProjectRoot, stateDBPath)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return store.Open(path)
}
