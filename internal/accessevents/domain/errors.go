package accessevents

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates a missing access event.
	ErrNotFound = errors.New("accessevents: not found")
	// ErrMissingExternalID indicates an event without its idempotency key.
	ErrMissingExternalID = errors.New("accessevents: missing external id")
	// ErrMissingOccurredAt indicates an event without a timestamp.
	ErrMissingOccurredAt = errors.New("accessevents: missing occurred_at")
	// ErrInvalidEventType indicates a non-positive event type code.
	ErrInvalidEventType = errors.New("accessevents: invalid event type")
	// ErrInvalidConfig is wrapped by every ConfigError.
	ErrInvalidConfig = errors.New("accessevents: invalid poll configuration")
	// ErrSourceCall is wrapped by every SourceCallError.
	ErrSourceCall = errors.New("accessevents: source call failed")
	// ErrPersistence is wrapped by every PersistenceError.
	ErrPersistence = errors.New("accessevents: persistence failed")
)

// ConfigError rejects a start request.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("accessevents: invalid %s: %s", e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error { return ErrInvalidConfig }

// SourceCallError is a failed fetch for one event type within a tick.
type SourceCallError struct {
	EventType int
	Page      int
	Err       error
}

func (e *SourceCallError) Error() string {
	return fmt.Sprintf("accessevents: source call failed: event_type=%d page=%d: %v", e.EventType, e.Page, e.Err)
}

// Is lets errors.Is match both the sentinel and the wrapped cause.
func (e *SourceCallError) Is(target error) bool { return target == ErrSourceCall }

func (e *SourceCallError) Unwrap() error { return e.Err }

// PersistenceError is a failed write of a single event.
type PersistenceError struct {
	ExternalID string
	Err        error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("accessevents: persist %s: %v", e.ExternalID, e.Err)
}

func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }

func (e *PersistenceError) Unwrap() error { return e.Err }
