package models

import "time"

// Condition operators.
const (
	OpEq          = "eq"
	OpNe          = "ne"
	OpGt          = "gt"
	OpGte         = "gte"
	OpLt          = "lt"
	OpLte         = "lte"
	OpContains    = "contains"
	OpNotContains = "not_contains"
	OpIn          = "in"
	OpNotIn       = "not_in"
	OpIsEmpty     = "is_empty"
	OpIsNotEmpty  = "is_not_empty"
	OpWasChanged  = "was_changed"
	OpChangedFrom = "changed_from"
	OpChangedTo   = "changed_to"
)

// Group operators.
const (
	MatchAll = "AND"
	MatchAny = "OR"
)

// Condition 单条条件
type Condition struct {
	Field    string      `json:"field"` // dot path, e.g. "owner.name"
	Operator string      `json:"operator"`
	Value    interface{} `json:"value"`
}

// ConditionGroup is an AND/OR list of conditions. Expression, when set, is a
// CEL boolean expression over `entity` and `previous` that must also hold.
type ConditionGroup struct {
	Operator   string      `json:"operator"`
	Rules      []Condition `json:"rules"`
	Expression string      `json:"expression,omitempty"`
}

// Trigger 自动化触发器定义
type Trigger struct {
	ID          string         `gorm:"primaryKey;size:64" json:"id"`
	Name        string         `gorm:"not null" json:"name"`
	Description string         `gorm:"type:text" json:"description"`
	Module      string         `gorm:"index;not null" json:"module"`
	Event       string         `gorm:"index;not null" json:"event"` // lead_created, lead_*, leads_field_updated:status
	Priority    *int           `json:"priority,omitempty"`
	IsActive    bool           `gorm:"index" json:"is_active"`
	Conditions  ConditionGroup `gorm:"serializer:json;type:text" json:"conditions"`
	Actions     ActionList     `gorm:"serializer:json;type:text" json:"actions"`
	CreatedBy   string         `json:"created_by"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// ActionResult 单个动作的执行结果
type ActionResult struct {
	Action          string      `json:"action"`
	Status          string      `json:"status"` // success, failed, blocked
	ExecutionTimeMs int64       `json:"execution_time_ms"`
	Error           string      `json:"error,omitempty"`
	Note            string      `json:"note,omitempty"`
	Result          interface{} `json:"result,omitempty"`
}

// Action result statuses.
const (
	ActionStatusSuccess = "success"
	ActionStatusFailed  = "failed"
	ActionStatusBlocked = "blocked"
)

// ExecutionLog 触发器执行记录，用于审计
type ExecutionLog struct {
	ID                   string         `json:"id"`
	TriggerID            string         `json:"trigger_id"`
	TriggerName          string         `json:"trigger_name"`
	EntityID             string         `json:"entity_id"`
	EntityType           string         `json:"entity_type"`
	Event                string         `json:"event"`
	Depth                int            `json:"depth"`
	ConditionsMet        bool           `json:"conditions_met"`
	ActionsExecuted      []ActionResult `json:"actions_executed"`
	ExecutedAt           time.Time      `json:"executed_at"`
	TotalExecutionTimeMs int64          `json:"total_execution_time_ms"`
	Success              bool           `json:"success"`
	Error                string         `json:"error,omitempty"`
}

// MutationResult carries a business-rule rejection of a mutation.
type MutationResult struct {
	Success       bool   `json:"success"`
	Message       string `json:"message,omitempty"`
	BlockingCount int    `json:"blocking_count,omitempty"`
}
