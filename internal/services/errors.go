package services

import (
	"errors"
	"fmt"
)

var (
	ErrTriggerNotFound    = errors.New("trigger not found")
	ErrSequenceNotFound   = errors.New("sequence not found")
	ErrEnrollmentNotFound = errors.New("enrollment not found")
	ErrActionNotFound     = errors.New("automated action not found")
	ErrFieldRuleNotFound  = errors.New("field rule not found")
	ErrNoHandler          = errors.New("no handler")
)

// DepthExceededError is returned when a dispatch chain recurses past the
// configured maximum depth.
type DepthExceededError struct {
	EntityID string
	Event    string
	Depth    int
	Limit    int
}

func (e *DepthExceededError) Error() string {
	return fmt.Sprintf("event %s on entity %s exceeded max depth: %d > %d",
		e.Event, e.EntityID, e.Depth, e.Limit)
}

// IsDepthExceededError checks if err is a DepthExceededError.
func IsDepthExceededError(err error) bool {
	var target *DepthExceededError
	return errors.As(err, &target)
}

// TransitionError is an illegal enrollment status change.
type TransitionError struct {
	From string
	To   string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid enrollment transition: %s -> %s", e.From, e.To)
}
