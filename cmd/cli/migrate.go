package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/anstrom/subwatch/internal/config"
	"github.com/anstrom/subwatch/internal/db"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the database schema",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withDatabase(cmd.Context(), func(ctx context.Context, _ *config.Config, database *db.DB) error {
			applied, err := db.NewMigrator(database).Up(ctx)
			if err != nil {
				return err
			}
			if applied == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "Database schema is up to date")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s)\n", applied)
			return nil
		})
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show which migrations have been applied",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withDatabase(cmd.Context(), func(ctx context.Context, _ *config.Config, database *db.DB) error {
			statuses, err := db.NewMigrator(database).Status(ctx)
			if err != nil {
				return err
			}

			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.Header("Migration", "Status", "Applied At")
			for _, st := range statuses {
				if err := table.Append([]string{st.Name, migrationState(st), formatAppliedAt(st)}); err != nil {
					return err
				}
			}
			return table.Render()
		})
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.AddCommand(migrateUpCmd)
	migrateCmd.AddCommand(migrateStatusCmd)
}

func migrationState(st db.MigrationStatus) string {
	switch {
	case !st.Applied:
		return "pending"
	case st.Modified:
		return "modified"
	default:
		return "applied"
	}
}

func formatAppliedAt(st db.MigrationStatus) string {
	if !st.Applied || st.AppliedAt.IsZero() {
		return "-"
	}
	return st.AppliedAt.UTC().Format(time.RFC3339)
}
