package cli

import (
	"context"
	"errors"
	"fmt"

	"crmflow/internal/models"
	"crmflow/internal/services"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var fireOpts struct {
	module   string
	entity   string
	previous string
	depth    int
	userID   string
	admin    bool
}

var fireCmd = &cobra.Command{
	Use:   "fire <event>",
	Short: "Fire a CRM event against the stored triggers",
	Long: `Fire a CRM event against the stored triggers and print the execution logs.
Record writes and notifications are logged instead of applied.`,
	Args: cobra.ExactArgs(1),
	RunE: runFire,
}

func init() {
	f := fireCmd.Flags()
	f.StringVarP(&fireOpts.module, "module", "m", "", "entity module (leads, deals, inventory...)")
	f.StringVarP(&fireOpts.entity, "entity", "e", "-", "entity JSON file, - for stdin")
	f.StringVar(&fireOpts.previous, "previous", "", "previous entity JSON file")
	f.IntVar(&fireOpts.depth, "depth", 0, "starting dispatch depth")
	f.StringVar(&fireOpts.userID, "user", "cli", "acting user id")
	f.BoolVar(&fireOpts.admin, "admin", false, "act with admin permission")
	_ = fireCmd.MarkFlagRequired("module")
	rootCmd.AddCommand(fireCmd)
}

func runFire(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	entity, err := readEntity(fireOpts.entity)
	if err != nil {
		return err
	}
	if entity == nil {
		return errors.New("entity required")
	}
	previous, err := readEntity(fireOpts.previous)
	if err != nil {
		return err
	}

	a, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer a.Close(ctx)

	logs, err := a.engine.FireEvent(ctx, args[0], entity, services.EventContext{
		EntityType:     models.NormalizeModule(fireOpts.module),
		PreviousEntity: previous,
		Depth:          fireOpts.depth,
	}, loggingInvocation(a.logger, &services.Caller{ID: fireOpts.userID, IsAdmin: fireOpts.admin}))
	a.logger.Info(describeLogs(logs))
	if perr := printJSON(cmd.OutOrStdout(), logs); perr != nil {
		return perr
	}
	return err
}

// loggingInvocation returns handlers that report writes through logger. Update
// handlers return nil so the engine derives the resulting entity itself.
func loggingInvocation(logger *logrus.Logger, caller *services.Caller) services.Invocation {
	return services.Invocation{
		SendNotification: func(ctx context.Context, n services.TriggerNotification) error {
			logger.WithFields(logrus.Fields{"target": n.Target, "template": n.Template}).Infof("notify: %s", n.Message)
			return nil
		},
		UpdateField: func(ctx context.Context, entityType, entityID, field string, value interface{}) (models.Entity, error) {
			logger.WithFields(logrus.Fields{"module": entityType, "entity_id": entityID}).Infof("update %s = %v", field, value)
			return nil, nil
		},
		CreateActivity: func(ctx context.Context, activity map[string]interface{}) (models.Entity, error) {
			out := models.Entity{"id": uuid.NewString()}.Merge(activity)
			logger.WithField("activity_id", out.ID()).Info("create activity")
			return out, nil
		},
		Actions: services.ActionHandlers{
			UpdateEntity: func(ctx context.Context, module, entityID string, fields map[string]interface{}) (models.Entity, error) {
				logger.WithFields(logrus.Fields{"module": module, "entity_id": entityID}).Infof("update fields %v", fields)
				return nil, nil
			},
			CreateRecord: func(ctx context.Context, module string, fields map[string]interface{}) (models.Entity, error) {
				out := models.Entity{"id": uuid.NewString()}.Merge(fields)
				logger.WithFields(logrus.Fields{"module": module, "entity_id": out.ID()}).Info("create record")
				return out, nil
			},
			UpdateTags: func(ctx context.Context, module, entityID string, tags []string) (models.Entity, error) {
				logger.WithFields(logrus.Fields{"module": module, "entity_id": entityID}).Infof("tags %v", tags)
				return nil, nil
			},
			SetLockState: func(ctx context.Context, entityID string, locked bool) (models.Entity, error) {
				state := "unlocked"
				if locked {
					state = "locked"
				}
				logger.WithField("entity_id", entityID).Infof("inventory %s", state)
				return nil, nil
			},
			SendNotification: func(ctx context.Context, p services.NotificationPayload) error {
				logger.WithFields(logrus.Fields{"target": p.Target, "template": p.Template}).Info("notify")
				return nil
			},
			CurrentUser: caller,
		},
	}
}

func describeLogs(logs []*models.ExecutionLog) string {
	ok := 0
	for _, l := range logs {
		if l.Success {
			ok++
		}
	}
	return fmt.Sprintf("%d triggers evaluated, %d succeeded", len(logs), ok)
}
