package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"
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

const (
	DefaultMaxDepth            = 5
	DefaultExecutionLogCap     = 1000
	DefaultTriggerDeleteWindow = 24 * time.Hour

	systemProtection = "SYSTEM_PROTECTION"
)

// modulePriorities 未显式设置优先级时的模块默认值，数值越大越先执行
var modulePriorities = map[string]int{
	models.ModulePostSale:      100,
	models.ModuleDeals:         90,
	models.ModuleInventory:     80,
	models.ModuleLeads:         70,
	models.ModuleActivities:    60,
	models.ModuleCommunication: 50,
	models.ModuleMarketing:     40,
}

const defaultModulePriority = 50

// EventContext carries dispatch state for one FireEvent call.
type EventContext struct {
	EntityType     string
	PreviousEntity models.Entity
	Depth          int
	EventData      map[string]interface{}
}

// TriggerNotification is what a trigger's send_notification hands over.
type TriggerNotification struct {
	Target   string
	Template string
	Message  string
	Data     map[string]interface{}
	Entity   models.Entity
}

// TriggerHandlers connect trigger actions to the rest of the system. A nil
// handler turns its action into a no-op.
type TriggerHandlers struct {
	StartSequence       func(ctx context.Context, entityID, sequenceID string) error
	StopSequence        func(ctx context.Context, entityID, sequenceID string) error
	SendNotification    func(ctx context.Context, n TriggerNotification) error
	FireAutomatedAction func(ctx context.Context, actionID string, entity models.Entity) (*models.AuditLogEntry, error)
	UpdateField         func(ctx context.Context, entityType, entityID, field string, value interface{}) (models.Entity, error)
	CreateActivity      func(ctx context.Context, activity map[string]interface{}) (models.Entity, error)
}

// AutomationOptions tunes the dispatcher.
type AutomationOptions struct {
	MaxDepth            int
	ExecutionLogCap     int
	TriggerDeleteWindow time.Duration
}

// DispatchStats 触发统计
type DispatchStats struct {
	TotalFired   int64 `json:"total_fired"`
	SuccessCount int64 `json:"success_count"`
	FailureCount int64 `json:"failure_count"`
}

// TriggerStats 单个触发器统计
type TriggerStats struct {
	TotalFired         int        `json:"total_fired"`
	SuccessCount       int        `json:"success_count"`
	FailureCount       int        `json:"failure_count"`
	SuccessRate        int        `json:"success_rate"`
	AvgExecutionTimeMs int64      `json:"avg_execution_time_ms"`
	LastFired          *time.Time `json:"last_fired"`
}

// ExecutionLogFilter 执行日志过滤条件
type ExecutionLogFilter struct {
	TriggerID  string
	EntityType string
	Success    *bool
	StartDate  *time.Time
	EndDate    *time.Time
}

// AutomationService matches events to triggers and executes their actions.
type AutomationService struct {
	db        *gorm.DB
	logger    *logrus.Logger
	tracer    trace.Tracer
	evaluator *ConditionEvaluator
	guard     *ActionSafetyGuard

	maxDepth     int
	deleteWindow time.Duration

	logs  *logBuffer[*models.ExecutionLog]
	locks *keyedMutex

	statsMu sync.Mutex
	stats   DispatchStats
}

func NewAutomationService(db *gorm.DB, logger *logrus.Logger, evaluator *ConditionEvaluator, opts AutomationOptions) *AutomationService {
	if logger == nil {
		logger = logrus.New()
	}
	if evaluator == nil {
		evaluator = NewConditionEvaluator(logger)
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultMaxDepth
	}
	if opts.ExecutionLogCap <= 0 {
		opts.ExecutionLogCap = DefaultExecutionLogCap
	}
	if opts.TriggerDeleteWindow <= 0 {
		opts.TriggerDeleteWindow = DefaultTriggerDeleteWindow
	}
	return &AutomationService{
		db:           db,
		logger:       logger,
		tracer:       otel.Tracer("crmflow.triggers"),
		evaluator:    evaluator,
		guard:        NewActionSafetyGuard(),
		maxDepth:     opts.MaxDepth,
		deleteWindow: opts.TriggerDeleteWindow,
		logs:         newLogBuffer[*models.ExecutionLog](opts.ExecutionLogCap),
		locks:        newKeyedMutex(),
	}
}

// FireEvent evaluates every matching trigger for event and returns one log
// per trigger, with logs of recursive field_updated dispatches following
// their parent. Dispatches for the same entity id are serialized. Once
// started a dispatch runs to completion regardless of ctx cancellation.
// Handlers must not call FireEvent for the same entity.
func (s *AutomationService) FireEvent(ctx context.Context, event string, entity models.Entity, ectx EventContext, h TriggerHandlers) ([]*models.ExecutionLog, error) {
	ctx = context.WithoutCancel(ctx)
	ctx, span := s.tracer.Start(ctx, "triggers.fire_event")
	defer span.End()

	module := models.NormalizeModule(ectx.EntityType)
	span.SetAttributes(
		attribute.String("crm.event", event),
		attribute.String("crm.module", module),
		attribute.String("crm.entity_id", entity.ID()),
		attribute.Int("crm.depth", ectx.Depth),
	)

	if id := entity.ID(); id != "" {
		unlock := s.locks.Lock(id)
		defer unlock()
	}

	start := time.Now()
	logs, err := s.dispatch(ctx, event, entity, ectx, h)
	metrics.DispatchDuration.WithLabelValues(module).Observe(time.Since(start).Seconds())

	s.record(logs)
	span.SetAttributes(attribute.Int("crm.logs", len(logs)))
	if err != nil {
		span.RecordError(err)
	}
	return logs, err
}

func (s *AutomationService) dispatch(ctx context.Context, event string, entity models.Entity, ectx EventContext, h TriggerHandlers) ([]*models.ExecutionLog, error) {
	module := models.NormalizeModule(ectx.EntityType)

	if ectx.Depth > s.maxDepth {
		derr := &DepthExceededError{EntityID: entity.ID(), Event: event, Depth: ectx.Depth, Limit: s.maxDepth}
		metrics.DepthExceeded.Inc()
		s.logger.WithFields(logrus.Fields{
			"event":     event,
			"entity_id": entity.ID(),
			"depth":     ectx.Depth,
		}).Error("trigger execution depth limit reached, circular reference suspected")
		return []*models.ExecutionLog{{
			ID:          uuid.NewString(),
			TriggerID:   systemProtection,
			TriggerName: systemProtection,
			EntityID:    entity.ID(),
			EntityType:  module,
			Event:       event,
			Depth:       ectx.Depth,
			ExecutedAt:  time.Now(),
			Success:     false,
			Error:       derr.Error(),
		}}, derr
	}

	triggers, err := s.matchingTriggers(ctx, module, event, ectx.EventData)
	if err != nil {
		return nil, err
	}

	var logs []*models.ExecutionLog
	for i := range triggers {
		logs = append(logs, s.runTrigger(ctx, &triggers[i], event, entity, ectx, h)...)
	}
	return logs, nil
}

func (s *AutomationService) matchingTriggers(ctx context.Context, module, event string, eventData map[string]interface{}) ([]models.Trigger, error) {
	var all []models.Trigger
	if err := s.db.WithContext(ctx).
		Where("module = ? AND is_active = ?", module, true).
		Order("created_at ASC, id ASC").
		Find(&all).Error; err != nil {
		return nil, fmt.Errorf("load triggers: %w", err)
	}
	matched := all[:0]
	for _, t := range all {
		if MatchesEvent(t.Event, event, eventData) {
			matched = append(matched, t)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return TriggerPriority(&matched[i]) > TriggerPriority(&matched[j])
	})
	return matched, nil
}

// runTrigger returns the trigger's log followed by any nested logs.
func (s *AutomationService) runTrigger(ctx context.Context, trig *models.Trigger, event string, entity models.Entity, ectx EventContext, h TriggerHandlers) []*models.ExecutionLog {
	log := &models.ExecutionLog{
		ID:              uuid.NewString(),
		TriggerID:       trig.ID,
		TriggerName:     trig.Name,
		EntityID:        entity.ID(),
		EntityType:      trig.Module,
		Event:           event,
		Depth:           ectx.Depth,
		ActionsExecuted: []models.ActionResult{},
		ExecutedAt:      time.Now(),
	}

	if reason, ok := s.triggerSafety(trig, entity); !ok {
		log.ActionsExecuted = append(log.ActionsExecuted, models.ActionResult{
			Action: "safety_check",
			Status: models.ActionStatusFailed,
			Error:  reason,
		})
		log.Error = reason
		finishLog(log)
		s.logger.Warnf("trigger %s skipped: %s", trig.Name, reason)
		return []*models.ExecutionLog{log}
	}

	if !s.evaluator.EvaluateWithPrevious(entity, ectx.PreviousEntity, trig.Conditions) {
		finishLog(log)
		return []*models.ExecutionLog{log}
	}

	log.ConditionsMet = true
	var nested []*models.ExecutionLog
	current := entity
	for _, action := range trig.Actions {
		result, next, children := s.runAction(ctx, trig, renderAction(action, current), current, ectx, h)
		log.ActionsExecuted = append(log.ActionsExecuted, result)
		nested = append(nested, children...)
		if next != nil {
			current = next
		}
	}
	finishLog(log)
	s.logger.WithFields(logrus.Fields{
		"trigger":   trig.Name,
		"event":     event,
		"entity_id": log.EntityID,
		"success":   log.Success,
	}).Info("trigger executed")
	return append([]*models.ExecutionLog{log}, nested...)
}

func finishLog(log *models.ExecutionLog) {
	log.Success = true
	var total int64
	for _, r := range log.ActionsExecuted {
		total += r.ExecutionTimeMs
		if r.Status != models.ActionStatusSuccess {
			log.Success = false
		}
	}
	log.TotalExecutionTimeMs = total
}

// runAction executes one action. next is the entity after an applied
// update_field; children are the logs of the re-fired event.
func (s *AutomationService) runAction(ctx context.Context, trig *models.Trigger, action models.ActionSpec, entity models.Entity, ectx EventContext, h TriggerHandlers) (result models.ActionResult, next models.Entity, children []*models.ExecutionLog) {
	start := time.Now()
	result = models.ActionResult{Action: string(action.Type()), Status: models.ActionStatusSuccess}

	defer func() {
		if r := recover(); r != nil {
			result.Status = models.ActionStatusFailed
			result.Error = fmt.Sprintf("handler panic: %v", r)
			next = nil
		}
		result.ExecutionTimeMs = time.Since(start).Milliseconds()
		metrics.TriggerActions.WithLabelValues(result.Action, result.Status).Inc()
		if result.Status != models.ActionStatusSuccess {
			s.logger.Warnf("trigger %s action %s %s: %s", trig.Name, result.Action, result.Status, result.Error)
		}
	}()

	skip := func() {
		result.Note = "no handler"
	}
	fail := func(err error) {
		result.Status = models.ActionStatusFailed
		result.Error = err.Error()
	}

	switch a := action.(type) {
	case models.StartSequenceAction:
		if h.StartSequence == nil {
			skip()
			return
		}
		target, err := resolveTarget(entity, a.Target)
		if err != nil {
			fail(err)
			return
		}
		if err := h.StartSequence(ctx, target, a.SequenceID); err != nil {
			fail(err)
			return
		}
		result.Result = map[string]interface{}{"sequence_id": a.SequenceID, "entity_id": target}

	case models.StopSequenceAction:
		if h.StopSequence == nil {
			skip()
			return
		}
		target, err := resolveTarget(entity, a.Target)
		if err != nil {
			fail(err)
			return
		}
		seq := a.SequenceID
		if seq == "" {
			seq = models.AllSequences
		}
		if err := h.StopSequence(ctx, target, seq); err != nil {
			fail(err)
		}

	case models.SendNotificationAction:
		if h.SendNotification == nil {
			skip()
			return
		}
		if err := h.SendNotification(ctx, TriggerNotification{
			Target:   a.Target,
			Template: a.Template,
			Message:  a.Message,
			Data:     a.Data,
			Entity:   entity,
		}); err != nil {
			fail(err)
		}

	case models.FireAutomatedActionAction:
		if h.FireAutomatedAction == nil {
			skip()
			return
		}
		entry, err := h.FireAutomatedAction(ctx, a.AutomatedActionID, entity)
		if err != nil {
			fail(err)
			return
		}
		result.Result = entry
		if entry != nil && !entry.Success {
			fail(errors.New(entry.Error))
		}

	case models.UpdateFieldAction:
		if IsCriticalTriggerField(a.Field) {
			result.Status = models.ActionStatusBlocked
			result.Error = fmt.Sprintf("field %q is critical and cannot be updated by a trigger", a.Field)
			return
		}
		if h.UpdateField == nil {
			skip()
			return
		}
		updated, err := h.UpdateField(ctx, trig.Module, entity.ID(), a.Field, a.Value)
		if err != nil {
			fail(err)
			return
		}
		if updated == nil {
			updated = entity.Merge(map[string]interface{}{a.Field: a.Value})
		}
		next = updated
		result.Result = map[string]interface{}{"field": a.Field, "value": a.Value}

		nestedCtx := EventContext{
			EntityType:     ectx.EntityType,
			PreviousEntity: entity,
			Depth:          ectx.Depth + 1,
			EventData:      map[string]interface{}{"field": a.Field, "value": a.Value},
		}
		children, err = s.dispatch(ctx, trig.Module+"_field_updated", updated, nestedCtx, h)
		if err != nil {
			fail(err)
		}

	case models.CreateActivityAction:
		if h.CreateActivity == nil {
			skip()
			return
		}
		activity := map[string]interface{}{
			"entityId":   entity.ID(),
			"entityType": trig.Module,
		}
		for k, v := range a.ActivityData {
			activity[k] = v
		}
		created, err := h.CreateActivity(ctx, activity)
		if err != nil {
			fail(err)
			return
		}
		if created != nil {
			result.Result = created
		}

	default:
		fail(fmt.Errorf("unknown action type: %s", action.Type()))
	}
	return
}

func resolveTarget(entity models.Entity, path string) (string, error) {
	if path == "" {
		if id := entity.ID(); id != "" {
			return id, nil
		}
		return "", errors.New("entity has no id")
	}
	v, ok := entity.Get(path)
	if !ok || models.IsEmptyValue(v) {
		return "", fmt.Errorf("target %q not found on entity", path)
	}
	return stringify(v), nil
}

// triggerSafety 执行前的安全校验
func (s *AutomationService) triggerSafety(trig *models.Trigger, entity models.Entity) (string, bool) {
	if !trig.IsActive {
		return "Trigger is disabled", false
	}
	module := models.NormalizeModule(trig.Module)
	if module == models.ModuleLeads || module == models.ModuleDeals {
		owner, _ := entity.Get("owner")
		assigned, _ := entity.Get("assignedTo")
		if models.IsEmptyValue(owner) && models.IsEmptyValue(assigned) {
			return "Entity has no owner assigned", false
		}
	}
	restricted := s.guard.RestrictedTriggerActions(module)
	for _, a := range trig.Actions {
		if containsString(restricted, string(a.Type())) {
			return fmt.Sprintf("Trigger contains restricted action %q for this module", a.Type()), false
		}
	}
	return "", true
}

func (s *AutomationService) record(logs []*models.ExecutionLog) {
	if len(logs) == 0 {
		return
	}
	newestFirst := make([]*models.ExecutionLog, len(logs))
	for i, l := range logs {
		newestFirst[len(logs)-1-i] = l
	}
	s.logs.Push(newestFirst...)

	s.statsMu.Lock()
	for _, l := range logs {
		s.stats.TotalFired++
		if l.Success {
			s.stats.SuccessCount++
		} else {
			s.stats.FailureCount++
		}
	}
	s.statsMu.Unlock()

	for _, l := range logs {
		metrics.TriggerExecutions.WithLabelValues(l.EntityType, metrics.Result(l.Success)).Inc()
	}
}

// MatchesEvent reports whether a trigger's event pattern matches fired.
// Patterns are exact, end in a single "*" wildcard, or carry a ":<field>"
// suffix compared against eventData["field"].
func MatchesEvent(pattern, fired string, eventData map[string]interface{}) bool {
	if base, field, ok := strings.Cut(pattern, ":"); ok {
		if !MatchesEvent(base, fired, nil) {
			return false
		}
		got, _ := eventData["field"].(string)
		return got == field
	}
	if pattern == fired {
		return true
	}
	if strings.Count(pattern, "*") == 1 && strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(fired, strings.TrimSuffix(pattern, "*"))
	}
	return false
}

// TriggerPriority returns the explicit priority or the module default.
func TriggerPriority(t *models.Trigger) int {
	if t.Priority != nil {
		return *t.Priority
	}
	if p, ok := modulePriorities[models.NormalizeModule(t.Module)]; ok {
		return p
	}
	return defaultModulePriority
}

var placeholderRe = regexp.MustCompile(`\{\{([\w.]+)\}\}`)

// RenderTemplate replaces {{path}} placeholders with entity values. Unknown
// paths are left as written.
func RenderTemplate(tmpl string, entity models.Entity) string {
	return placeholderRe.ReplaceAllStringFunc(tmpl, func(match string) string {
		path := placeholderRe.FindStringSubmatch(match)[1]
		v, ok := entity.Get(path)
		if !ok {
			return match
		}
		return stringify(v)
	})
}

func renderAction(action models.ActionSpec, entity models.Entity) models.ActionSpec {
	a, ok := action.(models.SendNotificationAction)
	if !ok {
		return action
	}
	a.Message = RenderTemplate(a.Message, entity)
	if a.Data != nil {
		a.Data, _ = renderValue(a.Data, entity).(map[string]interface{})
	}
	return a
}

func renderValue(v interface{}, entity models.Entity) interface{} {
	switch t := v.(type) {
	case string:
		return RenderTemplate(t, entity)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, item := range t {
			out[k] = renderValue(item, entity)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			out[i] = renderValue(item, entity)
		}
		return out
	default:
		return v
	}
}

// TriggerCreateRequest 创建触发器的请求
type TriggerCreateRequest struct {
	Name        string                `json:"name"`
	Description string                `json:"description"`
	Module      string                `json:"module"`
	Event       string                `json:"event"`
	Priority    *int                  `json:"priority"`
	IsActive    *bool                 `json:"is_active"`
	Conditions  models.ConditionGroup `json:"conditions"`
	Actions     models.ActionList     `json:"actions"`
	CreatedBy   string                `json:"created_by"`
}

// TriggerUpdateRequest 更新触发器的请求；模块不可修改
type TriggerUpdateRequest struct {
	Name        *string                `json:"name"`
	Description *string                `json:"description"`
	Module      *string                `json:"module"`
	Event       *string                `json:"event"`
	Priority    *int                   `json:"priority"`
	IsActive    *bool                  `json:"is_active"`
	Conditions  *models.ConditionGroup `json:"conditions"`
	Actions     models.ActionList      `json:"actions"`
}

// CreateTrigger 新建触发器
func (s *AutomationService) CreateTrigger(ctx context.Context, req *TriggerCreateRequest) (*models.Trigger, error) {
	if req == nil {
		return nil, errors.New("request required")
	}
	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	now := time.Now()
	trig := &models.Trigger{
		ID:          uuid.NewString(),
		Name:        strings.TrimSpace(req.Name),
		Description: req.Description,
		Module:      models.NormalizeModule(req.Module),
		Event:       strings.TrimSpace(req.Event),
		Priority:    req.Priority,
		IsActive:    active,
		Conditions:  req.Conditions,
		Actions:     req.Actions,
		CreatedBy:   req.CreatedBy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if trig.Actions == nil {
		trig.Actions = models.ActionList{}
	}
	if err := s.checkTrigger(trig); err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Create(trig).Error; err != nil {
		return nil, fmt.Errorf("create trigger: %w", err)
	}
	return trig, nil
}

// GetTrigger 获取触发器
func (s *AutomationService) GetTrigger(ctx context.Context, id string) (*models.Trigger, error) {
	var trig models.Trigger
	if err := s.db.WithContext(ctx).First(&trig, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTriggerNotFound
		}
		return nil, fmt.Errorf("get trigger: %w", err)
	}
	return &trig, nil
}

// ListTriggers 返回触发器，module 为空时返回全部
func (s *AutomationService) ListTriggers(ctx context.Context, module string) ([]models.Trigger, error) {
	q := s.db.WithContext(ctx).Model(&models.Trigger{}).Order("created_at ASC, id ASC")
	if module != "" {
		q = q.Where("module = ?", models.NormalizeModule(module))
	}
	var triggers []models.Trigger
	if err := q.Find(&triggers).Error; err != nil {
		return nil, fmt.Errorf("list triggers: %w", err)
	}
	return triggers, nil
}

// UpdateTrigger 更新触发器
func (s *AutomationService) UpdateTrigger(ctx context.Context, id string, req *TriggerUpdateRequest) (*models.Trigger, error) {
	if req == nil {
		return nil, errors.New("request required")
	}
	trig, err := s.GetTrigger(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Module != nil && models.NormalizeModule(*req.Module) != trig.Module {
		return nil, fmt.Errorf("trigger module is immutable: %s", trig.Module)
	}
	if req.Name != nil {
		trig.Name = strings.TrimSpace(*req.Name)
	}
	if req.Description != nil {
		trig.Description = *req.Description
	}
	if req.Event != nil {
		trig.Event = strings.TrimSpace(*req.Event)
	}
	if req.Priority != nil {
		p := *req.Priority
		trig.Priority = &p
	}
	if req.IsActive != nil {
		trig.IsActive = *req.IsActive
	}
	if req.Conditions != nil {
		trig.Conditions = *req.Conditions
	}
	if req.Actions != nil {
		trig.Actions = req.Actions
	}
	if err := s.checkTrigger(trig); err != nil {
		return nil, err
	}
	trig.UpdatedAt = time.Now()
	if err := s.db.WithContext(ctx).Save(trig).Error; err != nil {
		return nil, fmt.Errorf("update trigger: %w", err)
	}
	return trig, nil
}

// DeleteTrigger 删除触发器；最近窗口内有执行记录时拒绝删除
func (s *AutomationService) DeleteTrigger(ctx context.Context, id string) (models.MutationResult, error) {
	if _, err := s.GetTrigger(ctx, id); err != nil {
		return models.MutationResult{}, err
	}
	cutoff := time.Now().Add(-s.deleteWindow)
	recent := 0
	for _, l := range s.logs.Snapshot() {
		if l.TriggerID == id && l.ExecutedAt.After(cutoff) {
			recent++
		}
	}
	if recent > 0 {
		return models.MutationResult{
			Success:       false,
			Message:       fmt.Sprintf("Cannot delete trigger: %d execution(s) in the last %s", recent, s.deleteWindow),
			BlockingCount: recent,
		}, nil
	}
	result := s.db.WithContext(ctx).Delete(&models.Trigger{}, "id = ?", id)
	if result.Error != nil {
		return models.MutationResult{}, fmt.Errorf("delete trigger: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return models.MutationResult{}, ErrTriggerNotFound
	}
	return models.MutationResult{Success: true}, nil
}

// ToggleTrigger 启用/停用触发器
func (s *AutomationService) ToggleTrigger(ctx context.Context, id string) (*models.Trigger, error) {
	trig, err := s.GetTrigger(ctx, id)
	if err != nil {
		return nil, err
	}
	trig.IsActive = !trig.IsActive
	trig.UpdatedAt = time.Now()
	if err := s.db.WithContext(ctx).Save(trig).Error; err != nil {
		return nil, fmt.Errorf("toggle trigger: %w", err)
	}
	return trig, nil
}

// DuplicateTrigger creates an inactive copy of a trigger.
func (s *AutomationService) DuplicateTrigger(ctx context.Context, id, createdBy string) (*models.Trigger, error) {
	src, err := s.GetTrigger(ctx, id)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	dup := *src
	dup.ID = uuid.NewString()
	dup.Name = src.Name + " (Copy)"
	dup.IsActive = false
	dup.CreatedBy = createdBy
	dup.CreatedAt = now
	dup.UpdatedAt = now
	if src.Priority != nil {
		p := *src.Priority
		dup.Priority = &p
	}
	dup.Actions = append(models.ActionList(nil), src.Actions...)
	if err := s.db.WithContext(ctx).Create(&dup).Error; err != nil {
		return nil, fmt.Errorf("duplicate trigger: %w", err)
	}
	return &dup, nil
}

func (s *AutomationService) checkTrigger(trig *models.Trigger) error {
	if trig.Name == "" {
		return errors.New("name required")
	}
	if !models.IsTriggerModule(trig.Module) {
		return fmt.Errorf("unsupported module: %s", trig.Module)
	}
	if trig.Event == "" {
		return errors.New("event required")
	}
	if expr := strings.TrimSpace(trig.Conditions.Expression); expr != "" {
		if _, err := s.evaluator.program(expr); err != nil {
			return fmt.Errorf("invalid condition expression: %w", err)
		}
	}
	restricted := s.guard.RestrictedTriggerActions(trig.Module)
	for i, a := range trig.Actions {
		if containsString(restricted, string(a.Type())) {
			return fmt.Errorf("action %d: %s is restricted for module %s", i, a.Type(), trig.Module)
		}
		if err := checkActionSpec(a); err != nil {
			return fmt.Errorf("action %d: %w", i, err)
		}
	}
	return nil
}

func checkActionSpec(a models.ActionSpec) error {
	switch v := a.(type) {
	case models.StartSequenceAction:
		if v.SequenceID == "" {
			return errors.New("start_sequence requires sequence_id")
		}
	case models.StopSequenceAction:
	case models.SendNotificationAction:
		if v.Target == "" {
			return errors.New("send_notification requires target")
		}
	case models.FireAutomatedActionAction:
		if v.AutomatedActionID == "" {
			return errors.New("fire_automated_action requires automated_action_id")
		}
	case models.UpdateFieldAction:
		if v.Field == "" {
			return errors.New("update_field requires field")
		}
	case models.CreateActivityAction:
	default:
		return fmt.Errorf("unknown action type: %s", a.Type())
	}
	return nil
}

// ExecutionLogs returns retained logs matching filter, newest first.
func (s *AutomationService) ExecutionLogs(filter ExecutionLogFilter) []*models.ExecutionLog {
	var out []*models.ExecutionLog
	for _, l := range s.logs.Snapshot() {
		if filter.TriggerID != "" && l.TriggerID != filter.TriggerID {
			continue
		}
		if filter.EntityType != "" && l.EntityType != models.NormalizeModule(filter.EntityType) {
			continue
		}
		if filter.Success != nil && l.Success != *filter.Success {
			continue
		}
		if filter.StartDate != nil && l.ExecutedAt.Before(*filter.StartDate) {
			continue
		}
		if filter.EndDate != nil && l.ExecutedAt.After(*filter.EndDate) {
			continue
		}
		out = append(out, l)
	}
	return out
}

// TriggerStats 统计单个触发器的执行情况
func (s *AutomationService) TriggerStats(triggerID string) TriggerStats {
	logs := s.ExecutionLogs(ExecutionLogFilter{TriggerID: triggerID})
	stats := TriggerStats{TotalFired: len(logs)}
	if len(logs) == 0 {
		return stats
	}
	var total int64
	for _, l := range logs {
		if l.Success {
			stats.SuccessCount++
		} else {
			stats.FailureCount++
		}
		total += l.TotalExecutionTimeMs
	}
	stats.SuccessRate = int(math.Round(float64(stats.SuccessCount) * 100 / float64(len(logs))))
	stats.AvgExecutionTimeMs = int64(math.Round(float64(total) / float64(len(logs))))
	last := logs[0].ExecutedAt
	stats.LastFired = &last
	return stats
}

// Stats returns counters over every dispatch since start.
func (s *AutomationService) Stats() DispatchStats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}

// ClearOldLogs drops retained logs older than daysToKeep days.
func (s *AutomationService) ClearOldLogs(daysToKeep int) int {
	if daysToKeep < 0 {
		daysToKeep = 0
	}
	cutoff := time.Now().Add(-time.Duration(daysToKeep) * 24 * time.Hour)
	return s.logs.Retain(func(l *models.ExecutionLog) bool {
		return l.ExecutedAt.After(cutoff)
	})
}
