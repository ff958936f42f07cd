package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"rehoboam/internal/app"
)

var (
	replayFile    string
	replayAnalyze bool
	replayDryRun  bool
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Feed recorded behavior events through the profiler and orchestrator",
	RunE: func(cmd *cobra.Command, args []string) error {
		if replayFile == "" {
			return fmt.Errorf("--file must be provided")
		}

		opts := app.ReplayOptions{
			Path:    replayFile,
			Analyze: replayAnalyze,
			DryRun:  replayDryRun,
		}
		return getApp().Replay(cmd.Context(), opts)
	},
}

func init() {
	replayCmd.Flags().StringVar(&replayFile, "file", "", "YAML or JSON file of behavior events")
	replayCmd.Flags().BoolVar(&replayAnalyze, "analyze", false, "Run one analysis cycle after the events are replayed")
	replayCmd.Flags().BoolVar(&replayDryRun, "dry-run", false, "Run without writing to storage")
}
