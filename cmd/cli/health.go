package cli

import (
	"context"
	"fmt"
	"time"

	"crmflow/internal/database"

	"github.com/spf13/cobra"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check database connectivity and schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		defer cancel()

		a, err := bootstrap(ctx)
		if err != nil {
			return err
		}
		defer a.Close(ctx)

		report := database.Check(ctx, a.db, a.cfg.Database.Driver)
		if err := printJSON(cmd.OutOrStdout(), report); err != nil {
			return err
		}
		if report.Status != "healthy" {
			return fmt.Errorf("health: %s", report.Status)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
