package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"rehoboam/internal/app"
)

var (
	showLimit int
	showKind  string
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent snapshots, reports, alerts and divergences",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Limit: showLimit,
			Kind:  showKind,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of rows to display per table")
	showCmd.Flags().StringVar(&showKind, "kind", "all", "One of snapshots, reports, alerts, divergences, all")
}
