package cli

import (
	"github.com/spf13/cobra"

	"crmflow/internal/services"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the automation tables",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := bootstrap(ctx)
		if err != nil {
			return err
		}
		defer a.Close(ctx)

		a.logger.Info("Starting database migration...")
		if err := services.Migrate(a.db.WithContext(ctx)); err != nil {
			return err
		}
		a.logger.Info("Database migration completed successfully!")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
