package cli

import (
	"context"
	"time"

	"crmflow/internal/models"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var sequencesCmd = &cobra.Command{
	Use:   "sequences",
	Short: "Inspect and process follow-up sequences",
}

var dueAt string

var sequencesDueCmd = &cobra.Command{
	Use:   "due",
	Short: "Run one pass over enrollments whose next step is due",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		now := time.Now()
		if dueAt != "" {
			t, err := time.Parse(time.RFC3339, dueAt)
			if err != nil {
				return err
			}
			now = t
		}

		a, err := bootstrap(ctx)
		if err != nil {
			return err
		}
		defer a.Close(ctx)

		res, err := a.engine.Sequences.ProcessDue(ctx, now, func(ctx context.Context, enr *models.Enrollment, step models.SequenceStep) error {
			a.logger.WithFields(logrus.Fields{
				"entity_id":   enr.EntityID,
				"sequence_id": enr.SequenceID,
				"channel":     step.ChannelType,
			}).Infof("step %s: %s", step.ID, step.Instruction)
			return nil
		})
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), res)
	},
}

var sequencesStatsCmd = &cobra.Command{
	Use:   "stats <sequence-id>",
	Short: "Print enrollment counts for a sequence",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := bootstrap(ctx)
		if err != nil {
			return err
		}
		defer a.Close(ctx)

		stats, err := a.engine.Sequences.Stats(ctx, args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), stats)
	},
}

var sequencesListCmd = &cobra.Command{
	Use:   "list [module]",
	Short: "List sequences",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		module := ""
		if len(args) == 1 {
			module = args[0]
		}
		a, err := bootstrap(ctx)
		if err != nil {
			return err
		}
		defer a.Close(ctx)

		seqs, err := a.engine.Sequences.ListSequences(ctx, module)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), seqs)
	},
}

func init() {
	sequencesDueCmd.Flags().StringVar(&dueAt, "at", "", "process as of this RFC3339 time (default now)")
	sequencesCmd.AddCommand(sequencesDueCmd, sequencesStatsCmd, sequencesListCmd)
	rootCmd.AddCommand(sequencesCmd)
}
