package models

import "time"

// Field rule types.
const (
	RuleMandatory  = "MANDATORY"
	RuleReadOnly   = "READ_ONLY"
	RuleHidden     = "HIDDEN"
	RuleValidation = "VALIDATION"
	RuleUnique     = "UNIQUE"
)

// Validation types for VALIDATION rules.
const (
	ValidationPattern = "PATTERN"
	ValidationRegex   = "REGEX"
)

// FieldRule is a module-scoped constraint on one entity field.
type FieldRule struct {
	ID             string      `gorm:"primaryKey;size:64" json:"id"`
	Module         string      `gorm:"index;not null" json:"module"`
	RuleName       string      `gorm:"not null" json:"rule_name"`
	Field          string      `gorm:"not null" json:"field"`
	RuleType       string      `gorm:"not null" json:"rule_type"`
	IsActive       bool        `gorm:"index" json:"is_active"`
	MatchType      string      `json:"match_type"` // AND, OR
	Conditions     []Condition `gorm:"serializer:json;type:text" json:"conditions"`
	Message        string      `json:"message"`
	ValidationType string      `json:"validation_type,omitempty"`
	PatternName    string      `json:"pattern_name,omitempty"` // EMAIL, INDIAN_MOBILE, PAN_CARD, GST_NUMBER, PIN_CODE
	Pattern        string      `json:"pattern,omitempty"`      // raw regex for REGEX
	Context        string      `json:"context,omitempty"`      // all, create, edit, view
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// ValidationResult 字段校验结果
type ValidationResult struct {
	IsValid        bool              `json:"is_valid"`
	Errors         map[string]string `json:"errors"`
	HiddenFields   []string          `json:"hidden_fields"`
	ReadonlyFields []string          `json:"readonly_fields"`
}

// NewValidationResult returns a valid, empty result.
func NewValidationResult() ValidationResult {
	return ValidationResult{
		IsValid:        true,
		Errors:         map[string]string{},
		HiddenFields:   []string{},
		ReadonlyFields: []string{},
	}
}
