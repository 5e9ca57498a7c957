package cli

import (
	"errors"
	"fmt"

	"crmflow/internal/models"
	"crmflow/internal/services"

	"github.com/spf13/cobra"
)

var entityOpts struct {
	module      string
	entity      string
	previous    string
	dealCreated bool
	outcome     string
	userID      string
	admin       bool
}

var entityCmd = &cobra.Command{
	Use:   "entity <created|updated>",
	Short: "Run the full lifecycle hook for a created or updated record",
	Long: `Fire the module's created/updated event, then apply sequence exit rules
and enroll the record into matching sequences.`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"created", "updated"},
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		entity, err := readEntity(entityOpts.entity)
		if err != nil {
			return err
		}
		if entity == nil {
			return errors.New("entity required")
		}

		a, err := bootstrap(ctx)
		if err != nil {
			return err
		}
		defer a.Close(ctx)

		inv := loggingInvocation(a.logger, &services.Caller{ID: entityOpts.userID, IsAdmin: entityOpts.admin})
		var logs []*models.ExecutionLog
		switch args[0] {
		case "created":
			logs, err = a.engine.OnEntityCreated(ctx, entityOpts.module, entity, inv)
		case "updated":
			var previous models.Entity
			previous, err = readEntity(entityOpts.previous)
			if err != nil {
				return err
			}
			logs, err = a.engine.OnEntityUpdated(ctx, entityOpts.module, entity, previous, services.ExitEvent{
				DealCreated:     entityOpts.dealCreated,
				ActivityOutcome: entityOpts.outcome,
			}, inv)
		default:
			return fmt.Errorf("unknown lifecycle %q", args[0])
		}
		a.logger.Info(describeLogs(logs))
		if perr := printJSON(cmd.OutOrStdout(), logs); perr != nil {
			return perr
		}
		if err != nil {
			return err
		}

		enrs, err := a.engine.Sequences.ListEnrollments(ctx, entity.ID())
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), enrs)
	},
}

func init() {
	f := entityCmd.Flags()
	f.StringVarP(&entityOpts.module, "module", "m", "", "entity module (leads, deals, inventory...)")
	f.StringVarP(&entityOpts.entity, "entity", "e", "-", "entity JSON file, - for stdin")
	f.StringVar(&entityOpts.previous, "previous", "", "previous entity JSON file")
	f.BoolVar(&entityOpts.dealCreated, "deal-created", false, "a deal was created for this record")
	f.StringVar(&entityOpts.outcome, "outcome", "", "outcome of a manually logged activity")
	f.StringVar(&entityOpts.userID, "user", "cli", "acting user id")
	f.BoolVar(&entityOpts.admin, "admin", false, "act with admin permission")
	_ = entityCmd.MarkFlagRequired("module")
	rootCmd.AddCommand(entityCmd)
}
