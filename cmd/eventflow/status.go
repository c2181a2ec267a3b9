package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/eventflow/eventflow/pkg/checkpoint"
	"github.com/eventflow/eventflow/pkg/tui"
)

// Status flags
var (
	statusAll     bool
	statusCleanup bool
	statusShow    string
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show checkpoints of processing runs",
	Long: `List the checkpoints recorded by the configured backend.

By default only unfinished runs are shown. --cleanup removes completed
checkpoints older than checkpoint.max_age.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolVarP(&statusAll, "all", "a", false, "Show completed checkpoints too")
	statusCmd.Flags().BoolVar(&statusCleanup, "cleanup", false, "Remove old completed checkpoints")
	statusCmd.Flags().StringVar(&statusShow, "id", "", "Print one checkpoint as JSON")
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg := cfgManager.Get()

	backend, err := checkpoint.Open(ctx, cfg.Checkpoint.Config)
	if err != nil {
		return fmt.Errorf("failed to open checkpoint backend: %w", err)
	}
	if backend == nil {
		return fmt.Errorf("checkpoints are disabled (checkpoint.backend is %q)", cfg.Checkpoint.Backend)
	}
	defer backend.Close()
	mgr := checkpoint.NewManager(backend, logger)

	if statusShow != "" {
		cp, err := mgr.Load(ctx, statusShow)
		if err != nil {
			return fmt.Errorf("failed to load checkpoint %s: %w", statusShow, err)
		}
		data, err := json.MarshalIndent(cp, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	if statusCleanup {
		removed, err := mgr.Cleanup(ctx, cfg.Checkpoint.MaxAge)
		if err != nil {
			return err
		}
		fmt.Printf("Removed %d completed checkpoints from %s\n", removed, backend.Name())
	}

	var cps []*checkpoint.Checkpoint
	if statusAll {
		cps, err = backend.List(ctx, "")
	} else {
		cps, err = mgr.ListIncomplete(ctx)
	}
	if err != nil {
		return err
	}
	tui.PrintCheckpoints(os.Stdout, cps)
	return nil
}
