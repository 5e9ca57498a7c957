package models

import "time"

// Entry trigger types.
const (
	EntryOnCreated        = "onCreated"
	EntryOnStageChange    = "onStageChange"
	EntryOnScoreBandEntry = "onScoreBandEntry"
	EntryOnInactivity     = "onInactivity"
)

// Enrollment statuses.
const (
	EnrollmentActive    = "active"
	EnrollmentPaused    = "paused"
	EnrollmentCompleted = "completed"
	EnrollmentStopped   = "stopped"
)

// EntryTrigger decides when an entity enters a sequence.
type EntryTrigger struct {
	Type        string  `json:"type"`
	TargetStage string  `json:"target_stage,omitempty"`
	MinScore    float64 `json:"min_score,omitempty"`
	MaxScore    float64 `json:"max_score,omitempty"`
	Days        int     `json:"days,omitempty"`
}

// SequenceStep 序列步骤
type SequenceStep struct {
	ID          string `json:"id"`
	DayOffset   int    `json:"day_offset"`   // days after enrollment
	TimeOfDay   string `json:"time_of_day"`  // HH:MM
	ChannelType string `json:"channel_type"` // Call, WhatsApp, Email, Site Visit...
	Instruction string `json:"instruction"`
}

// ExitConditions 序列退出条件
type ExitConditions struct {
	OnDealCreated    bool `json:"on_deal_created"`
	OnLost           bool `json:"on_lost"`
	OnManualActivity bool `json:"on_manual_activity"`
}

// Sequence is a template of time-offset follow-up steps.
type Sequence struct {
	ID             string         `gorm:"primaryKey;size:64" json:"id"`
	Name           string         `gorm:"not null" json:"name"`
	Module         string         `gorm:"index;not null" json:"module"`
	Purpose        string         `json:"purpose"`
	EntryTrigger   EntryTrigger   `gorm:"serializer:json;type:text" json:"entry_trigger"`
	Active         bool           `gorm:"index" json:"active"`
	Steps          []SequenceStep `gorm:"serializer:json;type:text" json:"steps"`
	ExitConditions ExitConditions `gorm:"serializer:json;type:text" json:"exit_conditions"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// EnrollmentLog 报名时间线记录
type EnrollmentLog struct {
	Timestamp time.Time `json:"timestamp"`
	Event     string    `json:"event"`
	Message   string    `json:"message"`
}

// Enrollment links one entity to one sequence and tracks its progress.
type Enrollment struct {
	ID               string          `gorm:"primaryKey;size:64" json:"id"`
	EntityID         string          `gorm:"index;not null" json:"entity_id"`
	SequenceID       string          `gorm:"index;not null" json:"sequence_id"`
	CurrentStepIndex int             `json:"current_step_index"`
	Status           string          `gorm:"index;not null" json:"status"`
	EnrolledAt       time.Time       `json:"enrolled_at"`
	NextStepAt       *time.Time      `gorm:"index" json:"next_step_at"`
	LastUpdated      time.Time       `json:"last_updated"`
	Logs             []EnrollmentLog `gorm:"serializer:json;type:text" json:"logs"`
}

// SequenceStats 序列统计
type SequenceStats struct {
	Total     int `json:"total"`
	Active    int `json:"active"`
	Paused    int `json:"paused"`
	Completed int `json:"completed"`
	Stopped   int `json:"stopped"`
}
