package services

import (
	"context"
	"errors"
	"time"

	"crmflow/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// EngineOptions 引擎配置
type EngineOptions struct {
	Automation         AutomationOptions
	Sequences          SequenceOptions
	AuditLogCap        int
	UniqueCheckTimeout time.Duration
}

// Invocation is the caller-supplied side of one FireEvent call.
type Invocation struct {
	SendNotification func(ctx context.Context, n TriggerNotification) error
	UpdateField      func(ctx context.Context, entityType, entityID, field string, value interface{}) (models.Entity, error)
	CreateActivity   func(ctx context.Context, activity map[string]interface{}) (models.Entity, error)
	Actions          ActionHandlers
}

// AutomationEngine wires the rule, action, trigger and sequence services
// together.
type AutomationEngine struct {
	Evaluator  *ConditionEvaluator
	FieldRules *FieldRuleService
	Guard      *ActionSafetyGuard
	Actions    *AutomatedActionService
	Triggers   *AutomationService
	Sequences  *SequenceService

	logger *logrus.Logger
}

// NewAutomationEngine 创建自动化引擎
func NewAutomationEngine(db *gorm.DB, logger *logrus.Logger, opts EngineOptions) *AutomationEngine {
	if logger == nil {
		logger = logrus.New()
	}
	evaluator := NewConditionEvaluator(logger)
	rules := NewFieldRuleService(db, logger)
	if opts.UniqueCheckTimeout > 0 {
		rules.SetUniqueCheckTimeout(opts.UniqueCheckTimeout)
	}
	return &AutomationEngine{
		Evaluator:  evaluator,
		FieldRules: rules,
		Guard:      NewActionSafetyGuard(),
		Actions:    NewAutomatedActionService(db, logger, rules, opts.AuditLogCap),
		Triggers:   NewAutomationService(db, logger, evaluator, opts.Automation),
		Sequences:  NewSequenceService(db, logger, opts.Sequences),
		logger:     logger,
	}
}

// Migrate 自动迁移引擎用到的表
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Trigger{},
		&models.AutomatedAction{},
		&models.FieldRule{},
		&models.Sequence{},
		&models.Enrollment{},
	)
}

// Handlers builds the trigger-level handler table for one call.
func (e *AutomationEngine) Handlers(inv Invocation) TriggerHandlers {
	return TriggerHandlers{
		StartSequence: func(ctx context.Context, entityID, sequenceID string) error {
			_, err := e.Sequences.Enroll(ctx, entityID, sequenceID)
			return err
		},
		StopSequence: func(ctx context.Context, entityID, sequenceID string) error {
			_, err := e.Sequences.StopSequence(ctx, entityID, sequenceID, models.EnrollmentPaused)
			return err
		},
		FireAutomatedAction: func(ctx context.Context, actionID string, entity models.Entity) (*models.AuditLogEntry, error) {
			entry := e.Actions.InvokeAction(ctx, actionID, entity, inv.Actions)
			if entry == nil {
				return nil, errors.New("automated action returned no audit entry")
			}
			return entry, nil
		},
		SendNotification: inv.SendNotification,
		UpdateField:      inv.UpdateField,
		CreateActivity:   inv.CreateActivity,
	}
}

// FireEvent dispatches event for entity with the engine's handlers.
func (e *AutomationEngine) FireEvent(ctx context.Context, event string, entity models.Entity, ectx EventContext, inv Invocation) ([]*models.ExecutionLog, error) {
	return e.Triggers.FireEvent(ctx, event, entity, ectx, e.Handlers(inv))
}

// OnEntityCreated fires "<module>_created" and enrolls the entity into
// matching sequences.
func (e *AutomationEngine) OnEntityCreated(ctx context.Context, module string, entity models.Entity, inv Invocation) ([]*models.ExecutionLog, error) {
	module = models.NormalizeModule(module)
	logs, err := e.FireEvent(ctx, eventName(module, "created"), entity, EventContext{EntityType: module}, inv)
	if err != nil {
		return logs, err
	}
	if _, err := e.Sequences.EvaluateAndEnroll(ctx, entity, module); err != nil {
		e.logger.Warnf("engine: sequence enrollment for %s failed: %v", entity.ID(), err)
		return logs, err
	}
	return logs, nil
}

// OnEntityUpdated fires "<module>_updated", applies sequence exit events and
// re-evaluates entry triggers.
func (e *AutomationEngine) OnEntityUpdated(ctx context.Context, module string, entity, previous models.Entity, exit ExitEvent, inv Invocation) ([]*models.ExecutionLog, error) {
	module = models.NormalizeModule(module)
	logs, err := e.FireEvent(ctx, eventName(module, "updated"), entity, EventContext{EntityType: module, PreviousEntity: previous}, inv)
	if err != nil {
		return logs, err
	}
	if _, err := e.Sequences.ApplyExitEvent(ctx, entity, exit); err != nil {
		return logs, err
	}
	if _, err := e.Sequences.EvaluateUpdated(ctx, entity, previous, module); err != nil {
		return logs, err
	}
	return logs, nil
}

// eventName maps "leads" to "lead_<suffix>".
func eventName(module, suffix string) string {
	switch module {
	case models.ModuleLeads:
		return "lead_" + suffix
	case models.ModuleDeals:
		return "deal_" + suffix
	case models.ModuleActivities:
		return "activity_" + suffix
	case models.ModuleContacts:
		return "contact_" + suffix
	}
	return module + "_" + suffix
}
