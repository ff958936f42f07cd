package cli

import (
	"github.com/spf13/cobra"
)

var runMigrations string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run every surveillance actor until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		a := getApp()
		if runMigrations != "" {
			a.Config.Database.MigrationsPath = runMigrations
		}
		return a.Run(cmd.Context())
	},
}

func init() {
	runCmd.Flags().StringVar(&runMigrations, "migrations", "", "Directory of SQL migrations applied before start (overrides database.migrations_path)")
}
