package services

import (
	"context"
	"errors"
	"fmt"
	"regexp"
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
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

type namedPattern struct {
	re      *regexp.Regexp
	message string
}

// namedPatterns 内置校验规则
var namedPatterns = map[string]namedPattern{
	"EMAIL":         {regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`), "Invalid email format"},
	"INDIAN_MOBILE": {regexp.MustCompile(`^[6-9]\d{9}$`), "Invalid 10-digit Indian Mobile Number"},
	"PAN_CARD":      {regexp.MustCompile(`^[A-Z]{5}[0-9]{4}[A-Z]{1}$`), "Invalid PAN Card Number"},
	"GST_NUMBER":    {regexp.MustCompile(`^[0-9]{2}[A-Z]{5}[0-9]{4}[A-Z]{1}[1-9A-Z]{1}Z[0-9A-Z]{1}$`), "Invalid GST Number"},
	"PIN_CODE":      {regexp.MustCompile(`^[1-9][0-9]{5}$`), "Invalid PIN Code"},
}

// UniquenessChecker reports whether value is unused for field in module.
type UniquenessChecker func(ctx context.Context, field string, value interface{}, module string) (bool, error)

// FieldRuleService stores field rules and validates entity data against them.
type FieldRuleService struct {
	db            *gorm.DB
	logger        *logrus.Logger
	tracer        trace.Tracer
	uniqueTimeout time.Duration

	mu      sync.RWMutex
	regexes map[string]*regexp.Regexp
}

func NewFieldRuleService(db *gorm.DB, logger *logrus.Logger) *FieldRuleService {
	if logger == nil {
		logger = logrus.New()
	}
	return &FieldRuleService{
		db:      db,
		logger:  logger,
		tracer:  otel.Tracer("crmflow.field_rules"),
		regexes: make(map[string]*regexp.Regexp),
	}
}

// SetUniqueCheckTimeout bounds the whole uniqueness fan-out. Zero disables it.
func (s *FieldRuleService) SetUniqueCheckTimeout(d time.Duration) {
	s.uniqueTimeout = d
}

// Validate runs every applicable rule against data and accumulates the
// failures.
func (s *FieldRuleService) Validate(module string, data models.Entity, rules []models.FieldRule, vctx string) models.ValidationResult {
	result := models.NewValidationResult()
	module = models.NormalizeModule(module)

	for _, rule := range rules {
		if !s.applies(rule, module, vctx) || !MatchRules(data, nil, rule.MatchType, rule.Conditions) {
			continue
		}
		value, present := data.Get(rule.Field)

		switch rule.RuleType {
		case models.RuleMandatory:
			if !present || models.IsEmptyValue(value) {
				s.fail(&result, module, rule, fmt.Sprintf("%s is required.", rule.Field))
			}
		case models.RuleReadOnly:
			result.ReadonlyFields = append(result.ReadonlyFields, rule.Field)
		case models.RuleHidden:
			result.HiddenFields = append(result.HiddenFields, rule.Field)
		case models.RuleValidation:
			if !present || models.IsEmptyValue(value) {
				continue
			}
			s.validateFormat(&result, module, rule, stringify(value))
		}
	}
	return result
}

func (s *FieldRuleService) validateFormat(result *models.ValidationResult, module string, rule models.FieldRule, value string) {
	switch rule.ValidationType {
	case models.ValidationPattern:
		p, ok := namedPatterns[rule.PatternName]
		if !ok {
			return
		}
		if !p.re.MatchString(value) {
			s.fail(result, module, rule, p.message)
		}
	case models.ValidationRegex:
		re, err := s.compile(rule.Pattern)
		if err != nil {
			s.logger.Warnf("field rule %s: invalid regex %q: %v", rule.ID, rule.Pattern, err)
			result.IsValid = false
			result.Errors[rule.Field] = fmt.Sprintf("invalid validation rule for %s", rule.Field)
			metrics.ValidationFailures.WithLabelValues(module, rule.RuleType).Inc()
			return
		}
		if !re.MatchString(value) {
			s.fail(result, module, rule, fmt.Sprintf("Invalid format for %s", rule.Field))
		}
	}
}

func (s *FieldRuleService) fail(result *models.ValidationResult, module string, rule models.FieldRule, fallback string) {
	result.IsValid = false
	msg := rule.Message
	if msg == "" {
		msg = fallback
	}
	result.Errors[rule.Field] = msg
	metrics.ValidationFailures.WithLabelValues(module, rule.RuleType).Inc()
}

func (s *FieldRuleService) applies(rule models.FieldRule, module, vctx string) bool {
	if !rule.IsActive || models.NormalizeModule(rule.Module) != module {
		return false
	}
	if rule.Context == "" || rule.Context == "all" {
		return true
	}
	return rule.Context == vctx
}

func (s *FieldRuleService) compile(pattern string) (*regexp.Regexp, error) {
	s.mu.RLock()
	re, ok := s.regexes[pattern]
	s.mu.RUnlock()
	if ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.regexes[pattern] = re
	s.mu.Unlock()
	return re, nil
}

// ValidateAsync runs Validate and, when it passes, checks every UNIQUE rule
// with a present value concurrently against check.
func (s *FieldRuleService) ValidateAsync(ctx context.Context, module string, data models.Entity, rules []models.FieldRule, vctx string, check UniquenessChecker) models.ValidationResult {
	ctx, span := s.tracer.Start(ctx, "field_rules.validate_async")
	defer span.End()
	span.SetAttributes(attribute.String("crm.module", module))

	result := s.Validate(module, data, rules, vctx)
	if !result.IsValid || check == nil {
		return result
	}
	normalized := models.NormalizeModule(module)

	type uniqueCheck struct {
		rule  models.FieldRule
		value interface{}
	}
	var checks []uniqueCheck
	for _, rule := range rules {
		if rule.RuleType != models.RuleUnique || !s.applies(rule, normalized, vctx) {
			continue
		}
		raw, ok := data.Get(rule.Field)
		if !ok {
			continue
		}
		value := uniqueValue(raw)
		if models.IsEmptyValue(value) {
			continue
		}
		checks = append(checks, uniqueCheck{rule: rule, value: value})
	}
	if len(checks) == 0 {
		return result
	}

	if s.uniqueTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.uniqueTimeout)
		defer cancel()
	}

	var (
		g      errgroup.Group
		mu     sync.Mutex
		errs   = map[string]string{}
		failed = map[string]models.FieldRule{}
	)
	for _, c := range checks {
		c := c
		g.Go(func() error {
			unique, err := check(ctx, c.rule.Field, c.value, normalized)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				s.logger.Warnf("field rule %s: uniqueness check for %s failed: %v", c.rule.ID, c.rule.Field, err)
				errs[c.rule.Field] = fmt.Sprintf("unable to verify %s: %v", c.rule.Field, err)
				failed[c.rule.Field] = c.rule
			case !unique:
				msg := c.rule.Message
				if msg == "" {
					msg = fmt.Sprintf("%s already exists in the system.", c.rule.Field)
				}
				errs[c.rule.Field] = msg
				failed[c.rule.Field] = c.rule
			}
			return nil
		})
	}
	_ = g.Wait()

	for field, msg := range errs {
		result.IsValid = false
		result.Errors[field] = msg
		metrics.ValidationFailures.WithLabelValues(normalized, failed[field].RuleType).Inc()
	}
	span.SetAttributes(attribute.Bool("crm.valid", result.IsValid))
	return result
}

// uniqueValue picks the comparable value out of list-shaped fields such as
// phones [{number}] or emails [{address}].
func uniqueValue(v interface{}) interface{} {
	list, ok := asList(v)
	if !ok {
		return v
	}
	if len(list) == 0 {
		return nil
	}
	first := list[0]
	var m map[string]interface{}
	switch t := first.(type) {
	case map[string]interface{}:
		m = t
	case models.Entity:
		m = t
	default:
		return first
	}
	for _, key := range []string{"number", "address", "value"} {
		if val, ok := m[key]; ok {
			return val
		}
	}
	return nil
}

// FieldRuleCreateRequest 创建字段规则请求
type FieldRuleCreateRequest struct {
	Module         string             `json:"module"`
	RuleName       string             `json:"rule_name"`
	Field          string             `json:"field"`
	RuleType       string             `json:"rule_type"`
	IsActive       *bool              `json:"is_active"`
	MatchType      string             `json:"match_type"`
	Conditions     []models.Condition `json:"conditions"`
	Message        string             `json:"message"`
	ValidationType string             `json:"validation_type"`
	PatternName    string             `json:"pattern_name"`
	Pattern        string             `json:"pattern"`
	Context        string             `json:"context"`
}

// FieldRuleUpdateRequest 更新字段规则请求
type FieldRuleUpdateRequest struct {
	RuleName       *string            `json:"rule_name"`
	Field          *string            `json:"field"`
	RuleType       *string            `json:"rule_type"`
	IsActive       *bool              `json:"is_active"`
	MatchType      *string            `json:"match_type"`
	Conditions     []models.Condition `json:"conditions"`
	Message        *string            `json:"message"`
	ValidationType *string            `json:"validation_type"`
	PatternName    *string            `json:"pattern_name"`
	Pattern        *string            `json:"pattern"`
	Context        *string            `json:"context"`
}

// List 列出字段规则
func (s *FieldRuleService) List(ctx context.Context, module string, activeOnly bool) ([]models.FieldRule, error) {
	q := s.db.WithContext(ctx).Model(&models.FieldRule{}).Order("created_at ASC, id ASC")
	if module != "" {
		q = q.Where("module = ?", models.NormalizeModule(module))
	}
	if activeOnly {
		q = q.Where("is_active = ?", true)
	}
	var rules []models.FieldRule
	if err := q.Find(&rules).Error; err != nil {
		return nil, fmt.Errorf("list field rules: %w", err)
	}
	return rules, nil
}

// Get 获取字段规则
func (s *FieldRuleService) Get(ctx context.Context, id string) (*models.FieldRule, error) {
	var rule models.FieldRule
	if err := s.db.WithContext(ctx).First(&rule, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrFieldRuleNotFound
		}
		return nil, fmt.Errorf("get field rule: %w", err)
	}
	return &rule, nil
}

// Create 新建字段规则
func (s *FieldRuleService) Create(ctx context.Context, req *FieldRuleCreateRequest) (*models.FieldRule, error) {
	if req == nil {
		return nil, errors.New("request required")
	}
	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	now := time.Now()
	rule := &models.FieldRule{
		ID:             uuid.NewString(),
		Module:         models.NormalizeModule(req.Module),
		RuleName:       strings.TrimSpace(req.RuleName),
		Field:          strings.TrimSpace(req.Field),
		RuleType:       strings.ToUpper(strings.TrimSpace(req.RuleType)),
		IsActive:       active,
		MatchType:      normalizeMatchType(req.MatchType),
		Conditions:     req.Conditions,
		Message:        req.Message,
		ValidationType: strings.ToUpper(strings.TrimSpace(req.ValidationType)),
		PatternName:    strings.ToUpper(strings.TrimSpace(req.PatternName)),
		Pattern:        req.Pattern,
		Context:        strings.ToLower(strings.TrimSpace(req.Context)),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.checkRule(rule); err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Create(rule).Error; err != nil {
		return nil, fmt.Errorf("create field rule: %w", err)
	}
	return rule, nil
}

// Update 更新字段规则
func (s *FieldRuleService) Update(ctx context.Context, id string, req *FieldRuleUpdateRequest) (*models.FieldRule, error) {
	if req == nil {
		return nil, errors.New("request required")
	}
	rule, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.RuleName != nil {
		rule.RuleName = strings.TrimSpace(*req.RuleName)
	}
	if req.Field != nil {
		rule.Field = strings.TrimSpace(*req.Field)
	}
	if req.RuleType != nil {
		rule.RuleType = strings.ToUpper(strings.TrimSpace(*req.RuleType))
	}
	if req.IsActive != nil {
		rule.IsActive = *req.IsActive
	}
	if req.MatchType != nil {
		rule.MatchType = normalizeMatchType(*req.MatchType)
	}
	if req.Conditions != nil {
		rule.Conditions = req.Conditions
	}
	if req.Message != nil {
		rule.Message = *req.Message
	}
	if req.ValidationType != nil {
		rule.ValidationType = strings.ToUpper(strings.TrimSpace(*req.ValidationType))
	}
	if req.PatternName != nil {
		rule.PatternName = strings.ToUpper(strings.TrimSpace(*req.PatternName))
	}
	if req.Pattern != nil {
		rule.Pattern = *req.Pattern
	}
	if req.Context != nil {
		rule.Context = strings.ToLower(strings.TrimSpace(*req.Context))
	}
	if err := s.checkRule(rule); err != nil {
		return nil, err
	}
	rule.UpdatedAt = time.Now()
	if err := s.db.WithContext(ctx).Save(rule).Error; err != nil {
		return nil, fmt.Errorf("update field rule: %w", err)
	}
	return rule, nil
}

// Toggle 启用/停用字段规则
func (s *FieldRuleService) Toggle(ctx context.Context, id string) (*models.FieldRule, error) {
	rule, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	rule.IsActive = !rule.IsActive
	rule.UpdatedAt = time.Now()
	if err := s.db.WithContext(ctx).Save(rule).Error; err != nil {
		return nil, fmt.Errorf("toggle field rule: %w", err)
	}
	return rule, nil
}

// Delete 删除字段规则
func (s *FieldRuleService) Delete(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).Delete(&models.FieldRule{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("delete field rule: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrFieldRuleNotFound
	}
	return nil
}

// ValidateModule validates data against the stored active rules of module.
func (s *FieldRuleService) ValidateModule(ctx context.Context, module string, data models.Entity, vctx string) (models.ValidationResult, error) {
	rules, err := s.List(ctx, module, true)
	if err != nil {
		return models.ValidationResult{}, err
	}
	return s.Validate(module, data, rules, vctx), nil
}

func (s *FieldRuleService) checkRule(rule *models.FieldRule) error {
	if rule.Module == "" {
		return errors.New("module required")
	}
	if rule.Field == "" {
		return errors.New("field required")
	}
	switch rule.RuleType {
	case models.RuleMandatory, models.RuleReadOnly, models.RuleHidden, models.RuleUnique:
	case models.RuleValidation:
		switch rule.ValidationType {
		case models.ValidationPattern:
			if _, ok := namedPatterns[rule.PatternName]; !ok {
				return fmt.Errorf("unknown pattern: %s", rule.PatternName)
			}
		case models.ValidationRegex:
			if _, err := regexp.Compile(rule.Pattern); err != nil {
				return fmt.Errorf("invalid pattern: %w", err)
			}
		default:
			return fmt.Errorf("invalid validation type: %s", rule.ValidationType)
		}
	default:
		return fmt.Errorf("invalid rule type: %s", rule.RuleType)
	}
	switch rule.Context {
	case "", "all", "create", "edit", "view":
	default:
		return fmt.Errorf("invalid context: %s", rule.Context)
	}
	return nil
}

func normalizeMatchType(m string) string {
	if strings.EqualFold(strings.TrimSpace(m), models.MatchAny) {
		return models.MatchAny
	}
	return models.MatchAll
}
