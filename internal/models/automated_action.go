package models

import "time"

// Automated action types.
const (
	AutomatedUpdateField      = "update_field"
	AutomatedCreateRecord     = "create_record"
	AutomatedAddTag           = "add_tag"
	AutomatedLockInventory    = "lock_inventory"
	AutomatedUnlockInventory  = "unlock_inventory"
	AutomatedSendNotification = "send_notification"
)

// Rollback policies.
const (
	RollbackManual = "Manual"
	RollbackAuto   = "Auto"
)

// PermissionAdmin requires an admin caller.
const PermissionAdmin = "Admin"

// AutomatedAction is a restricted, auditable task that only runs when a
// trigger invokes it.
type AutomatedAction struct {
	ID                      string                 `gorm:"primaryKey;size:64" json:"id"`
	Name                    string                 `gorm:"not null" json:"name"`
	Description             string                 `gorm:"type:text" json:"description"`
	TargetModule            string                 `gorm:"index;not null" json:"target_module"`
	ActionType              string                 `gorm:"not null" json:"action_type"`
	InvokedByTrigger        string                 `gorm:"index;not null" json:"invoked_by_trigger"`
	IsActive                bool                   `json:"is_active"`
	FieldMapping            map[string]interface{} `gorm:"serializer:json;type:text" json:"field_mapping"`
	Tags                    []string               `gorm:"serializer:json;type:text" json:"tags"`
	Target                  string                 `json:"target"`
	Template                string                 `json:"template"`
	PermissionLevelRequired string                 `json:"permission_level_required"`
	RollbackPolicy          string                 `gorm:"default:'Manual'" json:"rollback_policy"`
	CreatedAt               time.Time              `json:"created_at"`
	UpdatedAt               time.Time              `json:"updated_at"`
}

// AuditLogEntry 自动化动作审计记录
type AuditLogEntry struct {
	ActionID        string    `json:"action_id"`
	ActionName      string    `json:"action_name"`
	EntityID        string    `json:"entity_id"`
	BeforeValue     Entity    `json:"before_value"`
	AfterValue      Entity    `json:"after_value"`
	Timestamp       time.Time `json:"timestamp"`
	Success         bool      `json:"success"`
	Error           string    `json:"error,omitempty"`
	ExecutionTimeMs int64     `json:"execution_time_ms"`
	Logs            []string  `json:"logs"`
}
