package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
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

const DefaultTimeOfDay = "09:00"

// 全局退出阶段
const (
	StageClosedWon  = "Closed Won"
	StageConverted  = "Converted"
	StageClosedLost = "Closed Lost"
)

// pauseOutcomes are manual activity outcomes that pause a sequence.
var pauseOutcomes = []string{"Call - Interested", "Meeting Scheduled", "Site Visit Scheduled", "WhatsApp Reply"}

var enrollmentTransitions = map[string][]string{
	models.EnrollmentActive: {models.EnrollmentPaused, models.EnrollmentStopped, models.EnrollmentCompleted},
	models.EnrollmentPaused: {models.EnrollmentActive, models.EnrollmentStopped},
}

// SequenceOptions configures step scheduling.
type SequenceOptions struct {
	Location         *time.Location
	DefaultTimeOfDay string
}

// ExitEvent describes an external event that may end enrollments.
type ExitEvent struct {
	DealCreated     bool
	ActivityOutcome string
}

// StepRunner performs one due step. An error leaves the enrollment on the
// same step for the next pass.
type StepRunner func(ctx context.Context, enrollment *models.Enrollment, step models.SequenceStep) error

// ProcessResult 到期步骤处理结果
type ProcessResult struct {
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
	Completed int `json:"completed"`
	Stopped   int `json:"stopped"`
}

// SequenceService manages sequences and enrollments.
type SequenceService struct {
	db          *gorm.DB
	logger      *logrus.Logger
	tracer      trace.Tracer
	loc         *time.Location
	defaultTime string
	now         func() time.Time

	mu sync.Mutex
}

// NewSequenceService 创建序列服务
func NewSequenceService(db *gorm.DB, logger *logrus.Logger, opts SequenceOptions) *SequenceService {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if _, _, err := parseTimeOfDay(opts.DefaultTimeOfDay); err != nil {
		opts.DefaultTimeOfDay = DefaultTimeOfDay
	}
	return &SequenceService{
		db:          db,
		logger:      logger,
		tracer:      otel.Tracer("crmflow.sequences"),
		loc:         opts.Location,
		defaultTime: opts.DefaultTimeOfDay,
		now:         time.Now,
	}
}

// StepTime returns base moved by step.DayOffset days with the clock set to
// step.TimeOfDay in the configured location.
func (s *SequenceService) StepTime(base time.Time, step models.SequenceStep) time.Time {
	h, m, err := parseTimeOfDay(step.TimeOfDay)
	if err != nil {
		h, m, _ = parseTimeOfDay(s.defaultTime)
	}
	t := base.In(s.loc)
	return time.Date(t.Year(), t.Month(), t.Day()+step.DayOffset, h, m, 0, 0, s.loc)
}

func parseTimeOfDay(v string) (int, int, error) {
	hs, ms, ok := strings.Cut(strings.TrimSpace(v), ":")
	if !ok {
		return 0, 0, fmt.Errorf("invalid time of day %q", v)
	}
	h, err := strconv.Atoi(hs)
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", v)
	}
	m, err := strconv.Atoi(ms)
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", v)
	}
	return h, m, nil
}

// MatchesEntryTrigger reports whether entity satisfies a sequence entry
// trigger at now.
func MatchesEntryTrigger(entity models.Entity, trig models.EntryTrigger, now time.Time) bool {
	switch trig.Type {
	case models.EntryOnCreated:
		return true
	case models.EntryOnStageChange:
		return EvaluateCondition(entity, nil, models.Condition{Field: "stage", Operator: models.OpEq, Value: trig.TargetStage})
	case models.EntryOnScoreBandEntry:
		score := 0.0
		if v, ok := entity.Get("score"); ok {
			if n, ok := toNumber(v); ok {
				score = n
			}
		}
		return score >= trig.MinScore && score <= trig.MaxScore
	case models.EntryOnInactivity:
		last, ok := entityTime(entity, "lastActivityAt")
		if !ok {
			last, ok = entityTime(entity, "updatedAt")
		}
		if !ok {
			return false
		}
		return now.Sub(last) >= time.Duration(trig.Days)*24*time.Hour
	default:
		return false
	}
}

func entityTime(entity models.Entity, field string) (time.Time, bool) {
	v, ok := entity.Get(field)
	if !ok || v == nil {
		return time.Time{}, false
	}
	switch t := v.(type) {
	case time.Time:
		return t, !t.IsZero()
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return *t, true
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed, true
			}
		}
		return time.Time{}, false
	}
	if ms, ok := toNumber(v); ok {
		return time.UnixMilli(int64(ms)), true
	}
	return time.Time{}, false
}

// EvaluateAndEnroll enrolls entity into every active sequence of module whose
// entry trigger matches.
func (s *SequenceService) EvaluateAndEnroll(ctx context.Context, entity models.Entity, module string) ([]*models.Enrollment, error) {
	return s.evaluateAndEnroll(ctx, entity, nil, module, true)
}

// EvaluateUpdated is EvaluateAndEnroll for an entity that already existed.
// onCreated sequences are skipped, stage and score triggers fire only when
// previous did not already satisfy them, and a sequence the entity was ever
// enrolled in is not entered again.
func (s *SequenceService) EvaluateUpdated(ctx context.Context, entity, previous models.Entity, module string) ([]*models.Enrollment, error) {
	return s.evaluateAndEnroll(ctx, entity, previous, module, false)
}

func (s *SequenceService) evaluateAndEnroll(ctx context.Context, entity, previous models.Entity, module string, created bool) ([]*models.Enrollment, error) {
	entityID := entity.ID()
	if entityID == "" {
		return nil, errors.New("entity has no id")
	}
	var seqs []models.Sequence
	if err := s.db.WithContext(ctx).
		Where("module = ? AND active = ?", models.NormalizeModule(module), true).
		Order("created_at ASC, id ASC").
		Find(&seqs).Error; err != nil {
		return nil, fmt.Errorf("load sequences: %w", err)
	}
	now := s.now()
	var out []*models.Enrollment
	for _, seq := range seqs {
		if !MatchesEntryTrigger(entity, seq.EntryTrigger, now) {
			continue
		}
		if !created {
			enter, err := s.entersOnUpdate(ctx, entityID, previous, seq, now)
			if err != nil {
				return out, err
			}
			if !enter {
				continue
			}
		}
		enr, err := s.Enroll(ctx, entityID, seq.ID)
		if err != nil {
			return out, err
		}
		out = append(out, enr)
	}
	return out, nil
}

func (s *SequenceService) entersOnUpdate(ctx context.Context, entityID string, previous models.Entity, seq models.Sequence, now time.Time) (bool, error) {
	switch seq.EntryTrigger.Type {
	case models.EntryOnCreated:
		return false, nil
	case models.EntryOnStageChange, models.EntryOnScoreBandEntry:
		if previous != nil && MatchesEntryTrigger(previous, seq.EntryTrigger, now) {
			return false, nil
		}
	}
	var n int64
	if err := s.db.WithContext(ctx).Model(&models.Enrollment{}).
		Where("entity_id = ? AND sequence_id = ?", entityID, seq.ID).
		Count(&n).Error; err != nil {
		return false, fmt.Errorf("count enrollments: %w", err)
	}
	return n == 0, nil
}

// Enroll starts entityID on sequenceID. An existing active enrollment for
// the pair is returned unchanged.
func (s *SequenceService) Enroll(ctx context.Context, entityID, sequenceID string) (*models.Enrollment, error) {
	ctx, span := s.tracer.Start(ctx, "sequences.enroll")
	defer span.End()
	span.SetAttributes(
		attribute.String("crm.entity_id", entityID),
		attribute.String("crm.sequence_id", sequenceID),
	)

	s.mu.Lock()
	defer s.mu.Unlock()

	seq, err := s.GetSequence(ctx, sequenceID)
	if err != nil {
		return nil, err
	}

	var existing models.Enrollment
	err = s.db.WithContext(ctx).
		Where("entity_id = ? AND sequence_id = ? AND status = ?", entityID, sequenceID, models.EnrollmentActive).
		First(&existing).Error
	if err == nil {
		span.SetAttributes(attribute.Bool("crm.already_enrolled", true))
		return &existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("check enrollment: %w", err)
	}

	now := s.now()
	enr := &models.Enrollment{
		ID:          uuid.NewString(),
		EntityID:    entityID,
		SequenceID:  sequenceID,
		Status:      models.EnrollmentActive,
		EnrolledAt:  now,
		LastUpdated: now,
		Logs: []models.EnrollmentLog{{
			Timestamp: now,
			Event:     "enrolled",
			Message:   fmt.Sprintf("Enrolled in %s", seq.Name),
		}},
	}
	if len(seq.Steps) == 0 {
		enr.Status = models.EnrollmentCompleted
		enr.Logs = append(enr.Logs, models.EnrollmentLog{Timestamp: now, Event: models.EnrollmentCompleted, Message: "Sequence has no steps"})
	} else {
		next := s.StepTime(now, seq.Steps[0])
		enr.NextStepAt = &next
	}

	if err := s.db.WithContext(ctx).Create(enr).Error; err != nil {
		return nil, fmt.Errorf("create enrollment: %w", err)
	}
	metrics.EnrollmentEvents.WithLabelValues("enrolled").Inc()
	s.logger.WithFields(logrus.Fields{
		"entity_id":   entityID,
		"sequence_id": sequenceID,
	}).Infof("enrolled in sequence %s", seq.Name)
	return enr, nil
}

// SetStatus moves every active enrollment of entityID to status.
func (s *SequenceService) SetStatus(ctx context.Context, entityID, status string) (int, error) {
	return s.changeActive(ctx, entityID, "", status)
}

// StopSequence changes the active enrollments of entityID in sequenceID to
// status; models.AllSequences covers every sequence.
func (s *SequenceService) StopSequence(ctx context.Context, entityID, sequenceID, status string) (int, error) {
	if sequenceID == models.AllSequences || sequenceID == "" {
		sequenceID = ""
	}
	return s.changeActive(ctx, entityID, sequenceID, status)
}

func (s *SequenceService) changeActive(ctx context.Context, entityID, sequenceID, status string) (int, error) {
	if err := checkTransition(models.EnrollmentActive, status); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.db.WithContext(ctx).Where("entity_id = ? AND status = ?", entityID, models.EnrollmentActive)
	if sequenceID != "" {
		q = q.Where("sequence_id = ?", sequenceID)
	}
	var enrs []models.Enrollment
	if err := q.Find(&enrs).Error; err != nil {
		return 0, fmt.Errorf("load enrollments: %w", err)
	}
	for i := range enrs {
		if err := s.transition(ctx, &enrs[i], status, fmt.Sprintf("Status changed to %s", status)); err != nil {
			return i, err
		}
	}
	return len(enrs), nil
}

// Resume reactivates a paused enrollment.
func (s *SequenceService) Resume(ctx context.Context, enrollmentID string) (*models.Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	enr, err := s.GetEnrollment(ctx, enrollmentID)
	if err != nil {
		return nil, err
	}
	if err := s.transition(ctx, enr, models.EnrollmentActive, "Resumed"); err != nil {
		return nil, err
	}
	return enr, nil
}

// transition validates and persists a status change with a log entry.
func (s *SequenceService) transition(ctx context.Context, enr *models.Enrollment, to, message string) error {
	if err := checkTransition(enr.Status, to); err != nil {
		return err
	}
	now := s.now()
	enr.Status = to
	enr.LastUpdated = now
	if to == models.EnrollmentCompleted || to == models.EnrollmentStopped {
		enr.NextStepAt = nil
	}
	enr.Logs = append(enr.Logs, models.EnrollmentLog{Timestamp: now, Event: to, Message: message})
	if err := s.db.WithContext(ctx).Save(enr).Error; err != nil {
		return fmt.Errorf("save enrollment: %w", err)
	}
	metrics.EnrollmentEvents.WithLabelValues(to).Inc()
	return nil
}

func checkTransition(from, to string) error {
	if containsString(enrollmentTransitions[from], to) {
		return nil
	}
	return &TransitionError{From: from, To: to}
}

// AdvanceStep moves an active enrollment to its next step, completing it
// when the steps are exhausted.
func (s *SequenceService) AdvanceStep(ctx context.Context, enrollmentID string) (*models.Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	enr, err := s.GetEnrollment(ctx, enrollmentID)
	if err != nil {
		return nil, err
	}
	seq, err := s.GetSequence(ctx, enr.SequenceID)
	if err != nil {
		return nil, err
	}
	if err := s.advance(ctx, enr, seq); err != nil {
		return nil, err
	}
	return enr, nil
}

func (s *SequenceService) advance(ctx context.Context, enr *models.Enrollment, seq *models.Sequence) error {
	if enr.Status != models.EnrollmentActive {
		return &TransitionError{From: enr.Status, To: "next step"}
	}
	next := enr.CurrentStepIndex + 1
	if next >= len(seq.Steps) {
		enr.CurrentStepIndex = len(seq.Steps)
		return s.transition(ctx, enr, models.EnrollmentCompleted, "All steps completed")
	}

	now := s.now()
	at := s.StepTime(enr.EnrolledAt, seq.Steps[next])
	enr.CurrentStepIndex = next
	enr.NextStepAt = &at
	enr.LastUpdated = now
	enr.Logs = append(enr.Logs, models.EnrollmentLog{
		Timestamp: now,
		Event:     "step_advanced",
		Message:   fmt.Sprintf("Advanced to step %d of %d", next+1, len(seq.Steps)),
	})
	if err := s.db.WithContext(ctx).Save(enr).Error; err != nil {
		return fmt.Errorf("save enrollment: %w", err)
	}
	metrics.EnrollmentEvents.WithLabelValues("step_advanced").Inc()
	return nil
}

// ProcessDue runs every active enrollment whose next step is due at now
// through run and advances it. One pass, no background loop.
func (s *SequenceService) ProcessDue(ctx context.Context, now time.Time, run StepRunner) (ProcessResult, error) {
	var res ProcessResult

	s.mu.Lock()
	defer s.mu.Unlock()

	var due []models.Enrollment
	if err := s.db.WithContext(ctx).
		Where("status = ? AND next_step_at IS NOT NULL AND next_step_at <= ?", models.EnrollmentActive, now).
		Order("next_step_at ASC").
		Find(&due).Error; err != nil {
		return res, fmt.Errorf("load due enrollments: %w", err)
	}

	seqs := map[string]*models.Sequence{}
	for i := range due {
		enr := &due[i]
		seq, ok := seqs[enr.SequenceID]
		if !ok {
			loaded, err := s.GetSequence(ctx, enr.SequenceID)
			if errors.Is(err, ErrSequenceNotFound) {
				s.logger.Warnf("sequences: stopping enrollment %s of deleted sequence %s", enr.ID, enr.SequenceID)
				if err := s.transition(ctx, enr, models.EnrollmentStopped, "Sequence deleted"); err != nil {
					return res, err
				}
				res.Stopped++
				continue
			}
			if err != nil {
				s.logger.Warnf("sequences: load sequence %s for enrollment %s: %v", enr.SequenceID, enr.ID, err)
				res.Failed++
				continue
			}
			seq = loaded
			seqs[enr.SequenceID] = seq
		}
		if enr.CurrentStepIndex >= len(seq.Steps) {
			if err := s.transition(ctx, enr, models.EnrollmentCompleted, "All steps completed"); err != nil {
				return res, err
			}
			res.Completed++
			continue
		}

		step := seq.Steps[enr.CurrentStepIndex]
		if run != nil {
			if err := run(ctx, enr, step); err != nil {
				res.Failed++
				enr.Logs = append(enr.Logs, models.EnrollmentLog{Timestamp: s.now(), Event: "step_failed", Message: err.Error()})
				if serr := s.db.WithContext(ctx).Save(enr).Error; serr != nil {
					return res, fmt.Errorf("save enrollment: %w", serr)
				}
				s.logger.Warnf("sequences: step %s of enrollment %s failed: %v", step.ID, enr.ID, err)
				continue
			}
		}
		if err := s.advance(ctx, enr, seq); err != nil {
			return res, err
		}
		res.Processed++
		if enr.Status == models.EnrollmentCompleted {
			res.Completed++
		}
	}
	return res, nil
}

// ApplyExitEvent ends or pauses the entity's enrollments according to the
// global exit stages and each sequence's exit conditions.
func (s *SequenceService) ApplyExitEvent(ctx context.Context, entity models.Entity, ev ExitEvent) (int, error) {
	entityID := entity.ID()
	if entityID == "" {
		return 0, errors.New("entity has no id")
	}
	stage := ""
	if v, ok := entity.Get("stage"); ok {
		stage = stringify(v)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var enrs []models.Enrollment
	if err := s.db.WithContext(ctx).
		Where("entity_id = ? AND status IN ?", entityID, []string{models.EnrollmentActive, models.EnrollmentPaused}).
		Find(&enrs).Error; err != nil {
		return 0, fmt.Errorf("load enrollments: %w", err)
	}

	changed := 0
	for i := range enrs {
		enr := &enrs[i]
		seq, err := s.GetSequence(ctx, enr.SequenceID)
		if err != nil {
			return changed, err
		}
		to, reason := exitTarget(enr.Status, stage, ev, seq.ExitConditions)
		if to == "" {
			continue
		}
		if err := s.transition(ctx, enr, to, reason); err != nil {
			return changed, err
		}
		changed++
	}
	return changed, nil
}

// exitTarget returns the status an enrollment should move to, or "".
func exitTarget(status, stage string, ev ExitEvent, exit models.ExitConditions) (string, string) {
	switch stage {
	case StageClosedWon, StageConverted:
		if status == models.EnrollmentActive {
			return models.EnrollmentCompleted, fmt.Sprintf("Exited: stage %s", stage)
		}
		return models.EnrollmentStopped, fmt.Sprintf("Exited: stage %s", stage)
	case StageClosedLost:
		return models.EnrollmentStopped, "Exited: stage Closed Lost"
	}
	if ev.DealCreated && exit.OnDealCreated {
		return models.EnrollmentStopped, "Exited: deal created"
	}
	if status == models.EnrollmentActive && exit.OnManualActivity && containsString(pauseOutcomes, ev.ActivityOutcome) {
		return models.EnrollmentPaused, fmt.Sprintf("Paused: %s", ev.ActivityOutcome)
	}
	return "", ""
}

// SequenceCreateRequest 创建序列请求
type SequenceCreateRequest struct {
	Name           string                `json:"name"`
	Module         string                `json:"module"`
	Purpose        string                `json:"purpose"`
	EntryTrigger   models.EntryTrigger   `json:"entry_trigger"`
	Active         *bool                 `json:"active"`
	Steps          []models.SequenceStep `json:"steps"`
	ExitConditions models.ExitConditions `json:"exit_conditions"`
}

// SequenceUpdateRequest 更新序列请求
type SequenceUpdateRequest struct {
	Name           *string                `json:"name"`
	Purpose        *string                `json:"purpose"`
	EntryTrigger   *models.EntryTrigger   `json:"entry_trigger"`
	Active         *bool                  `json:"active"`
	Steps          []models.SequenceStep  `json:"steps"`
	ExitConditions *models.ExitConditions `json:"exit_conditions"`
}

// CreateSequence 新建序列
func (s *SequenceService) CreateSequence(ctx context.Context, req *SequenceCreateRequest) (*models.Sequence, error) {
	if req == nil {
		return nil, errors.New("request required")
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}
	now := time.Now()
	seq := &models.Sequence{
		ID:             uuid.NewString(),
		Name:           strings.TrimSpace(req.Name),
		Module:         models.NormalizeModule(req.Module),
		Purpose:        req.Purpose,
		EntryTrigger:   req.EntryTrigger,
		Active:         active,
		Steps:          req.Steps,
		ExitConditions: req.ExitConditions,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.checkSequence(seq); err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Create(seq).Error; err != nil {
		return nil, fmt.Errorf("create sequence: %w", err)
	}
	return seq, nil
}

// GetSequence 获取序列
func (s *SequenceService) GetSequence(ctx context.Context, id string) (*models.Sequence, error) {
	var seq models.Sequence
	if err := s.db.WithContext(ctx).First(&seq, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSequenceNotFound
		}
		return nil, fmt.Errorf("get sequence: %w", err)
	}
	return &seq, nil
}

// ListSequences 列出序列
func (s *SequenceService) ListSequences(ctx context.Context, module string) ([]models.Sequence, error) {
	q := s.db.WithContext(ctx).Model(&models.Sequence{}).Order("created_at ASC, id ASC")
	if module != "" {
		q = q.Where("module = ?", models.NormalizeModule(module))
	}
	var seqs []models.Sequence
	if err := q.Find(&seqs).Error; err != nil {
		return nil, fmt.Errorf("list sequences: %w", err)
	}
	return seqs, nil
}

// UpdateSequence 更新序列
func (s *SequenceService) UpdateSequence(ctx context.Context, id string, req *SequenceUpdateRequest) (*models.Sequence, error) {
	if req == nil {
		return nil, errors.New("request required")
	}
	seq, err := s.GetSequence(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Name != nil {
		seq.Name = strings.TrimSpace(*req.Name)
	}
	if req.Purpose != nil {
		seq.Purpose = *req.Purpose
	}
	if req.EntryTrigger != nil {
		seq.EntryTrigger = *req.EntryTrigger
	}
	if req.Active != nil {
		seq.Active = *req.Active
	}
	if req.Steps != nil {
		seq.Steps = req.Steps
	}
	if req.ExitConditions != nil {
		seq.ExitConditions = *req.ExitConditions
	}
	if err := s.checkSequence(seq); err != nil {
		return nil, err
	}
	seq.UpdatedAt = time.Now()
	if err := s.db.WithContext(ctx).Save(seq).Error; err != nil {
		return nil, fmt.Errorf("update sequence: %w", err)
	}
	return seq, nil
}

// ToggleSequence 启用/停用序列
func (s *SequenceService) ToggleSequence(ctx context.Context, id string) (*models.Sequence, error) {
	seq, err := s.GetSequence(ctx, id)
	if err != nil {
		return nil, err
	}
	seq.Active = !seq.Active
	seq.UpdatedAt = time.Now()
	if err := s.db.WithContext(ctx).Save(seq).Error; err != nil {
		return nil, fmt.Errorf("toggle sequence: %w", err)
	}
	return seq, nil
}

// DeleteSequence 删除序列；存在活跃报名时拒绝
func (s *SequenceService) DeleteSequence(ctx context.Context, id string) (models.MutationResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.GetSequence(ctx, id); err != nil {
		return models.MutationResult{}, err
	}
	active, err := s.EnrollmentCount(ctx, id)
	if err != nil {
		return models.MutationResult{}, err
	}
	if active > 0 {
		return models.MutationResult{
			Success:       false,
			Message:       fmt.Sprintf("Cannot delete: %d active enrollments exist", active),
			BlockingCount: int(active),
		}, nil
	}
	var paused []models.Enrollment
	if err := s.db.WithContext(ctx).
		Where("sequence_id = ? AND status = ?", id, models.EnrollmentPaused).
		Find(&paused).Error; err != nil {
		return models.MutationResult{}, fmt.Errorf("load paused enrollments: %w", err)
	}
	for i := range paused {
		if err := s.transition(ctx, &paused[i], models.EnrollmentStopped, "Sequence deleted"); err != nil {
			return models.MutationResult{}, err
		}
	}
	if err := s.db.WithContext(ctx).Delete(&models.Sequence{}, "id = ?", id).Error; err != nil {
		return models.MutationResult{}, fmt.Errorf("delete sequence: %w", err)
	}
	return models.MutationResult{Success: true}, nil
}

// EnrollmentCount 活跃报名数
func (s *SequenceService) EnrollmentCount(ctx context.Context, sequenceID string) (int64, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&models.Enrollment{}).
		Where("sequence_id = ? AND status = ?", sequenceID, models.EnrollmentActive).
		Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count enrollments: %w", err)
	}
	return n, nil
}

// Stats 序列报名统计
func (s *SequenceService) Stats(ctx context.Context, sequenceID string) (models.SequenceStats, error) {
	var rows []struct {
		Status string
		Count  int
	}
	if err := s.db.WithContext(ctx).Model(&models.Enrollment{}).
		Select("status, COUNT(*) AS count").
		Where("sequence_id = ?", sequenceID).
		Group("status").
		Scan(&rows).Error; err != nil {
		return models.SequenceStats{}, fmt.Errorf("sequence stats: %w", err)
	}
	var stats models.SequenceStats
	for _, r := range rows {
		stats.Total += r.Count
		switch r.Status {
		case models.EnrollmentActive:
			stats.Active = r.Count
		case models.EnrollmentPaused:
			stats.Paused = r.Count
		case models.EnrollmentCompleted:
			stats.Completed = r.Count
		case models.EnrollmentStopped:
			stats.Stopped = r.Count
		}
	}
	return stats, nil
}

// GetEnrollment 获取报名记录
func (s *SequenceService) GetEnrollment(ctx context.Context, id string) (*models.Enrollment, error) {
	var enr models.Enrollment
	if err := s.db.WithContext(ctx).First(&enr, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrEnrollmentNotFound
		}
		return nil, fmt.Errorf("get enrollment: %w", err)
	}
	return &enr, nil
}

// ListEnrollments 列出实体的全部报名
func (s *SequenceService) ListEnrollments(ctx context.Context, entityID string) ([]models.Enrollment, error) {
	var enrs []models.Enrollment
	if err := s.db.WithContext(ctx).
		Where("entity_id = ?", entityID).
		Order("enrolled_at ASC").
		Find(&enrs).Error; err != nil {
		return nil, fmt.Errorf("list enrollments: %w", err)
	}
	return enrs, nil
}

func (s *SequenceService) checkSequence(seq *models.Sequence) error {
	if seq.Name == "" {
		return errors.New("name required")
	}
	if seq.Module == "" {
		return errors.New("module required")
	}
	switch seq.EntryTrigger.Type {
	case models.EntryOnCreated, models.EntryOnStageChange, models.EntryOnScoreBandEntry, models.EntryOnInactivity:
	default:
		return fmt.Errorf("invalid entry trigger: %s", seq.EntryTrigger.Type)
	}
	if seq.EntryTrigger.Type == models.EntryOnScoreBandEntry && seq.EntryTrigger.MinScore > seq.EntryTrigger.MaxScore {
		return errors.New("entry trigger min score exceeds max score")
	}
	for i := range seq.Steps {
		step := &seq.Steps[i]
		if step.DayOffset < 0 {
			return fmt.Errorf("step %d: day offset must be >= 0", i+1)
		}
		if step.TimeOfDay == "" {
			step.TimeOfDay = s.defaultTime
		}
		if _, _, err := parseTimeOfDay(step.TimeOfDay); err != nil {
			return fmt.Errorf("step %d: %w", i+1, err)
		}
		if step.ID == "" {
			step.ID = strconv.Itoa(i + 1)
		}
	}
	return nil
}
