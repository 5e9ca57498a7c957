package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"crmflow/internal/metrics"
	"crmflow/internal/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"
)

// DefaultAuditLogCap 审计日志默认上限
const DefaultAuditLogCap = 500

// Caller is the user on whose behalf an automated action runs.
type Caller struct {
	ID      string
	IsAdmin bool
}

// NotificationPayload is what an automated send_notification hands over.
type NotificationPayload struct {
	Target   string
	Template string
	Entity   models.Entity
}

// ActionHandlers connect automated actions to the CRM. A nil handler for a
// dispatched action type fails the action.
type ActionHandlers struct {
	UpdateEntity     func(ctx context.Context, module, entityID string, fields map[string]interface{}) (models.Entity, error)
	CreateRecord     func(ctx context.Context, module string, fields map[string]interface{}) (models.Entity, error)
	UpdateTags       func(ctx context.Context, module, entityID string, tags []string) (models.Entity, error)
	SetLockState     func(ctx context.Context, entityID string, locked bool) (models.Entity, error)
	SendNotification func(ctx context.Context, payload NotificationPayload) error
	CurrentUser      *Caller
}

// FieldValidator validates an entity against the stored field rules.
type FieldValidator interface {
	ValidateModule(ctx context.Context, module string, data models.Entity, vctx string) (models.ValidationResult, error)
}

// AutomatedActionService stores automated action definitions and executes
// them under the module safety policy.
type AutomatedActionService struct {
	db        *gorm.DB
	logger    *logrus.Logger
	tracer    trace.Tracer
	guard     *ActionSafetyGuard
	validator FieldValidator
	audit     *logBuffer[*models.AuditLogEntry]
}

// NewAutomatedActionService 创建自动化动作服务
func NewAutomatedActionService(db *gorm.DB, logger *logrus.Logger, validator FieldValidator, auditCap int) *AutomatedActionService {
	if logger == nil {
		logger = logrus.New()
	}
	if auditCap <= 0 {
		auditCap = DefaultAuditLogCap
	}
	return &AutomatedActionService{
		db:        db,
		logger:    logger,
		tracer:    otel.Tracer("crmflow.automated_actions"),
		guard:     NewActionSafetyGuard(),
		validator: validator,
		audit:     newLogBuffer[*models.AuditLogEntry](auditCap),
	}
}

// Execute runs def against entity. Failures never escape as errors; they are
// reported on the returned entry.
func (s *AutomatedActionService) Execute(ctx context.Context, def *models.AutomatedAction, entity models.Entity, handlers ActionHandlers) (entry *models.AuditLogEntry) {
	start := time.Now()
	entry = &models.AuditLogEntry{
		ActionID:    def.ID,
		ActionName:  def.Name,
		EntityID:    entity.ID(),
		BeforeValue: entity.Clone(),
		Timestamp:   start,
		Logs:        []string{fmt.Sprintf("START: %s (%s) on %s", def.Name, def.ActionType, def.TargetModule)},
	}

	defer func() {
		if r := recover(); r != nil {
			s.failEntry(entry, fmt.Errorf("handler panic: %v", r))
		}
		entry.ExecutionTimeMs = time.Since(start).Milliseconds()
	}()

	result, err := s.run(ctx, def, entity, handlers, entry)
	if err != nil {
		s.failEntry(entry, err)
		return entry
	}

	entry.Success = true
	if result != nil {
		entry.AfterValue = result
	} else {
		entry.AfterValue = entity.Merge(def.FieldMapping)
	}
	entry.Logs = append(entry.Logs, "SUCCESS")
	return entry
}

func (s *AutomatedActionService) failEntry(entry *models.AuditLogEntry, err error) {
	entry.Success = false
	entry.AfterValue = nil
	entry.Error = err.Error()
	entry.Logs = append(entry.Logs, "FAILED: "+err.Error())
}

func (s *AutomatedActionService) run(ctx context.Context, def *models.AutomatedAction, entity models.Entity, h ActionHandlers, entry *models.AuditLogEntry) (models.Entity, error) {
	if strings.TrimSpace(def.InvokedByTrigger) == "" {
		return nil, fmt.Errorf("configuration error: automated action %q is not attached to a trigger", def.Name)
	}

	safety := s.guard.Check(def.TargetModule, def.ActionType, def.FieldMapping)
	if !safety.Valid {
		return nil, fmt.Errorf("Safety Violation: %s", safety.Reason)
	}

	if def.PermissionLevelRequired == models.PermissionAdmin && (h.CurrentUser == nil || !h.CurrentUser.IsAdmin) {
		return nil, fmt.Errorf("Permission Denied: Admin authorization required for action %q", def.Name)
	}

	module := models.NormalizeModule(def.TargetModule)
	entityID := entity.ID()

	switch def.ActionType {
	case models.AutomatedUpdateField:
		if h.UpdateEntity == nil {
			return nil, noHandler(def.ActionType)
		}
		if s.validator != nil {
			res, err := s.validator.ValidateModule(ctx, module, entity.Merge(def.FieldMapping), "edit")
			if err != nil {
				return nil, fmt.Errorf("field rule validation: %w", err)
			}
			if !res.IsValid {
				return nil, fmt.Errorf("Field Rule Violation: %s", joinErrors(res.Errors))
			}
		}
		result, err := h.UpdateEntity(ctx, module, entityID, def.FieldMapping)
		if err != nil {
			if def.RollbackPolicy == models.RollbackAuto {
				s.rollback(ctx, h, module, entity, def.FieldMapping, entry)
			}
			return nil, err
		}
		return result, nil

	case models.AutomatedCreateRecord:
		if h.CreateRecord == nil {
			return nil, noHandler(def.ActionType)
		}
		return h.CreateRecord(ctx, module, def.FieldMapping)

	case models.AutomatedAddTag:
		if h.UpdateTags == nil {
			return nil, noHandler(def.ActionType)
		}
		return h.UpdateTags(ctx, module, entityID, mergeTags(entity, def.Tags))

	case models.AutomatedLockInventory, models.AutomatedUnlockInventory:
		if module != models.ModuleInventory {
			return nil, fmt.Errorf("%s is only valid for the inventory module, got %s", def.ActionType, def.TargetModule)
		}
		if h.SetLockState == nil {
			return nil, noHandler(def.ActionType)
		}
		return h.SetLockState(ctx, entityID, def.ActionType == models.AutomatedLockInventory)

	case models.AutomatedSendNotification:
		if h.SendNotification == nil {
			return nil, noHandler(def.ActionType)
		}
		err := h.SendNotification(ctx, NotificationPayload{
			Target:   def.Target,
			Template: def.Template,
			Entity:   entity,
		})
		return nil, err

	default:
		return nil, fmt.Errorf("configuration error: unsupported action type %q", def.ActionType)
	}
}

// rollback re-applies the before-values of the mapped fields.
func (s *AutomatedActionService) rollback(ctx context.Context, h ActionHandlers, module string, entity models.Entity, mapping map[string]interface{}, entry *models.AuditLogEntry) {
	restore := make(map[string]interface{}, len(mapping))
	for field := range mapping {
		restore[field] = entity[field]
	}
	if _, err := h.UpdateEntity(ctx, module, entity.ID(), restore); err != nil {
		entry.Logs = append(entry.Logs, "ROLLBACK FAILED: "+err.Error())
		s.logger.Warnf("automated action %s: rollback failed for %s: %v", entry.ActionID, entry.EntityID, err)
		return
	}
	entry.Logs = append(entry.Logs, "ROLLBACK: restored "+strings.Join(sortedKeys(restore), ", "))
}

func noHandler(actionType string) error {
	return fmt.Errorf("%w for action type %s", ErrNoHandler, actionType)
}

func mergeTags(entity models.Entity, add []string) []string {
	var tags []string
	seen := map[string]bool{}
	if existing, ok := asList(entity["tags"]); ok {
		for _, t := range existing {
			tag := stringify(t)
			if tag != "" && !seen[tag] {
				seen[tag] = true
				tags = append(tags, tag)
			}
		}
	}
	for _, tag := range add {
		if tag != "" && !seen[tag] {
			seen[tag] = true
			tags = append(tags, tag)
		}
	}
	return tags
}

func joinErrors(errs map[string]string) string {
	keys := make([]string, 0, len(errs))
	for k := range errs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	msgs := make([]string, 0, len(keys))
	for _, k := range keys {
		msgs = append(msgs, errs[k])
	}
	return strings.Join(msgs, ", ")
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// InvokeAction loads, executes and audits one automated action.
func (s *AutomatedActionService) InvokeAction(ctx context.Context, actionID string, entity models.Entity, handlers ActionHandlers) *models.AuditLogEntry {
	ctx, span := s.tracer.Start(ctx, "automated_actions.invoke")
	defer span.End()
	span.SetAttributes(
		attribute.String("crm.action_id", actionID),
		attribute.String("crm.entity_id", entity.ID()),
	)

	var entry *models.AuditLogEntry
	actionType := "unknown"
	def, err := s.Get(ctx, actionID)
	switch {
	case err != nil:
		entry = s.rejected(actionID, "", entity, err)
	case !def.IsActive:
		actionType = def.ActionType
		entry = s.rejected(def.ID, def.Name, entity, fmt.Errorf("automated action %q is disabled", def.Name))
	default:
		actionType = def.ActionType
		entry = s.Execute(ctx, def, entity, handlers)
	}

	s.audit.Push(entry)
	metrics.AutomatedActions.WithLabelValues(actionType, metrics.Result(entry.Success)).Inc()
	span.SetAttributes(attribute.Bool("crm.success", entry.Success))

	fields := logrus.Fields{
		"action_id":   entry.ActionID,
		"action_name": entry.ActionName,
		"entity_id":   entry.EntityID,
		"duration_ms": entry.ExecutionTimeMs,
	}
	if entry.Success {
		s.logger.WithFields(fields).Info("automated action executed")
	} else {
		s.logger.WithFields(fields).Warnf("automated action failed: %s", entry.Error)
	}
	return entry
}

func (s *AutomatedActionService) rejected(actionID, name string, entity models.Entity, err error) *models.AuditLogEntry {
	entry := &models.AuditLogEntry{
		ActionID:    actionID,
		ActionName:  name,
		EntityID:    entity.ID(),
		BeforeValue: entity.Clone(),
		Timestamp:   time.Now(),
	}
	s.failEntry(entry, err)
	return entry
}

// AuditLogs returns the retained audit entries, newest first.
func (s *AutomatedActionService) AuditLogs() []*models.AuditLogEntry {
	return s.audit.Snapshot()
}

// AutomatedActionCreateRequest 创建自动化动作请求
type AutomatedActionCreateRequest struct {
	Name                    string                 `json:"name"`
	Description             string                 `json:"description"`
	TargetModule            string                 `json:"target_module"`
	ActionType              string                 `json:"action_type"`
	InvokedByTrigger        string                 `json:"invoked_by_trigger"`
	IsActive                *bool                  `json:"is_active"`
	FieldMapping            map[string]interface{} `json:"field_mapping"`
	Tags                    []string               `json:"tags"`
	Target                  string                 `json:"target"`
	Template                string                 `json:"template"`
	PermissionLevelRequired string                 `json:"permission_level_required"`
	RollbackPolicy          string                 `json:"rollback_policy"`
}

// AutomatedActionUpdateRequest 更新自动化动作请求
type AutomatedActionUpdateRequest struct {
	Name                    *string                `json:"name"`
	Description             *string                `json:"description"`
	InvokedByTrigger        *string                `json:"invoked_by_trigger"`
	IsActive                *bool                  `json:"is_active"`
	FieldMapping            map[string]interface{} `json:"field_mapping"`
	Tags                    []string               `json:"tags"`
	Target                  *string                `json:"target"`
	Template                *string                `json:"template"`
	PermissionLevelRequired *string                `json:"permission_level_required"`
	RollbackPolicy          *string                `json:"rollback_policy"`
}

// Create 新建自动化动作
func (s *AutomatedActionService) Create(ctx context.Context, req *AutomatedActionCreateRequest) (*models.AutomatedAction, error) {
	if req == nil {
		return nil, errors.New("request required")
	}
	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	rollback := req.RollbackPolicy
	if rollback == "" {
		rollback = models.RollbackManual
	}
	now := time.Now()
	def := &models.AutomatedAction{
		ID:                      uuid.NewString(),
		Name:                    strings.TrimSpace(req.Name),
		Description:             req.Description,
		TargetModule:            models.NormalizeModule(req.TargetModule),
		ActionType:              strings.TrimSpace(req.ActionType),
		InvokedByTrigger:        strings.TrimSpace(req.InvokedByTrigger),
		IsActive:                active,
		FieldMapping:            req.FieldMapping,
		Tags:                    req.Tags,
		Target:                  req.Target,
		Template:                req.Template,
		PermissionLevelRequired: req.PermissionLevelRequired,
		RollbackPolicy:          rollback,
		CreatedAt:               now,
		UpdatedAt:               now,
	}
	if err := s.checkDefinition(def); err != nil {
		return nil, err
	}
	if err := s.checkTrigger(ctx, def.InvokedByTrigger); err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Create(def).Error; err != nil {
		return nil, fmt.Errorf("create automated action: %w", err)
	}
	return def, nil
}

// Get 获取自动化动作
func (s *AutomatedActionService) Get(ctx context.Context, id string) (*models.AutomatedAction, error) {
	var def models.AutomatedAction
	if err := s.db.WithContext(ctx).First(&def, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrActionNotFound
		}
		return nil, fmt.Errorf("get automated action: %w", err)
	}
	return &def, nil
}

// List 列出自动化动作
func (s *AutomatedActionService) List(ctx context.Context, module string) ([]models.AutomatedAction, error) {
	q := s.db.WithContext(ctx).Model(&models.AutomatedAction{}).Order("created_at ASC, id ASC")
	if module != "" {
		q = q.Where("target_module = ?", models.NormalizeModule(module))
	}
	var defs []models.AutomatedAction
	if err := q.Find(&defs).Error; err != nil {
		return nil, fmt.Errorf("list automated actions: %w", err)
	}
	return defs, nil
}

// Update 更新自动化动作
func (s *AutomatedActionService) Update(ctx context.Context, id string, req *AutomatedActionUpdateRequest) (*models.AutomatedAction, error) {
	if req == nil {
		return nil, errors.New("request required")
	}
	def, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Name != nil {
		def.Name = strings.TrimSpace(*req.Name)
	}
	if req.Description != nil {
		def.Description = *req.Description
	}
	if req.InvokedByTrigger != nil {
		def.InvokedByTrigger = strings.TrimSpace(*req.InvokedByTrigger)
	}
	if req.IsActive != nil {
		def.IsActive = *req.IsActive
	}
	if req.FieldMapping != nil {
		def.FieldMapping = req.FieldMapping
	}
	if req.Tags != nil {
		def.Tags = req.Tags
	}
	if req.Target != nil {
		def.Target = *req.Target
	}
	if req.Template != nil {
		def.Template = *req.Template
	}
	if req.PermissionLevelRequired != nil {
		def.PermissionLevelRequired = *req.PermissionLevelRequired
	}
	if req.RollbackPolicy != nil {
		def.RollbackPolicy = *req.RollbackPolicy
	}
	if err := s.checkDefinition(def); err != nil {
		return nil, err
	}
	if err := s.checkTrigger(ctx, def.InvokedByTrigger); err != nil {
		return nil, err
	}
	def.UpdatedAt = time.Now()
	if err := s.db.WithContext(ctx).Save(def).Error; err != nil {
		return nil, fmt.Errorf("update automated action: %w", err)
	}
	return def, nil
}

// Toggle 启用/停用自动化动作
func (s *AutomatedActionService) Toggle(ctx context.Context, id string) (*models.AutomatedAction, error) {
	def, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	def.IsActive = !def.IsActive
	def.UpdatedAt = time.Now()
	if err := s.db.WithContext(ctx).Save(def).Error; err != nil {
		return nil, fmt.Errorf("toggle automated action: %w", err)
	}
	return def, nil
}

// Delete 删除自动化动作
func (s *AutomatedActionService) Delete(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).Delete(&models.AutomatedAction{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("delete automated action: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrActionNotFound
	}
	return nil
}

func (s *AutomatedActionService) checkDefinition(def *models.AutomatedAction) error {
	if def.Name == "" {
		return errors.New("name required")
	}
	if def.TargetModule == "" {
		return errors.New("target module required")
	}
	if def.InvokedByTrigger == "" {
		return errors.New("automated actions must be invoked by a trigger")
	}
	if !isAutomatedActionType(def.ActionType) {
		return fmt.Errorf("unsupported action type: %s", def.ActionType)
	}
	switch def.RollbackPolicy {
	case models.RollbackManual, models.RollbackAuto:
	default:
		return fmt.Errorf("invalid rollback policy: %s", def.RollbackPolicy)
	}
	if safety := s.guard.Check(def.TargetModule, def.ActionType, def.FieldMapping); !safety.Valid {
		return errors.New(safety.Reason)
	}
	return nil
}

// checkTrigger resolves InvokedByTrigger against the trigger table.
func (s *AutomatedActionService) checkTrigger(ctx context.Context, id string) error {
	var n int64
	if err := s.db.WithContext(ctx).Model(&models.Trigger{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return fmt.Errorf("resolve trigger: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("invoked_by_trigger %s: %w", id, ErrTriggerNotFound)
	}
	return nil
}

func isAutomatedActionType(t string) bool {
	switch t {
	case models.AutomatedUpdateField, models.AutomatedCreateRecord, models.AutomatedAddTag,
		models.AutomatedLockInventory, models.AutomatedUnlockInventory, models.AutomatedSendNotification:
		return true
	default:
		return false
	}
}
