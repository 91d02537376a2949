package accessevents

import (
	"context"
	"strings"
	"time"
)

// Standard event type codes reported by the access controller.
const (
	EventTypeFacePass  = 196893
	EventTypeCardPass  = 198914
	EventTypeFaceFail  = 197151
	EventTypeCardFail  = 197634
	EventTypeDoorAlarm = 199708
)

var eventTypeNames = map[int]string{
	EventTypeFacePass:  "face_auth_pass",
	EventTypeCardPass:  "card_pass",
	EventTypeFaceFail:  "face_auth_fail",
	EventTypeCardFail:  "card_fail",
	EventTypeDoorAlarm: "door_alarm",
}

// EventTypeName returns the symbolic name of a known event type code.
func EventTypeName(code int) string {
	return eventTypeNames[code]
}

// AccessEvent is a single door/turnstile event reported by the access controller.
type AccessEvent struct {
	ExternalID    string    `json:"externalId"`
	PersonID      string    `json:"personId,omitempty"`
	PersonName    string    `json:"personName,omitempty"`
	OccurredAt    time.Time `json:"occurredAt"`
	EventType     int       `json:"eventType"`
	EventTypeName string    `json:"eventTypeName,omitempty"`
	DoorID        string    `json:"doorId,omitempty"`
	DoorName      string    `json:"doorName,omitempty"`
	DeviceID      string    `json:"deviceId,omitempty"`
	DeviceName    string    `json:"deviceName,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Validate checks the fields required for persistence.
func (e AccessEvent) Validate() error {
	if strings.TrimSpace(e.ExternalID) == "" {
		return ErrMissingExternalID
	}
	if e.OccurredAt.IsZero() {
		return ErrMissingOccurredAt
	}
	if e.EventType <= 0 {
		return ErrInvalidEventType
	}
	return nil
}

// InsertResult reports the outcome of an idempotent insert.
type InsertResult struct {
	Inserted bool
	Event    *AccessEvent
}

// EventFilter narrows event queries.
type EventFilter struct {
	DoorID     string
	EventType  int
	PersonName string
	From       time.Time
	To         time.Time
	Limit      int
	Offset     int
}

const (
	defaultListLimit = 50
	maxListLimit     = 5000
)

// Normalize applies paging defaults and bounds.
func (f EventFilter) Normalize() EventFilter {
	if f.Limit <= 0 {
		f.Limit = defaultListLimit
	}
	if f.Limit > maxListLimit {
		f.Limit = maxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	f.DoorID = strings.TrimSpace(f.DoorID)
	f.PersonName = strings.TrimSpace(f.PersonName)
	return f
}

// EventRepository persists access events append-only.
type EventRepository interface {
	InsertIfAbsent(ctx context.Context, event AccessEvent) (InsertResult, error)
	Get(ctx context.Context, externalID string) (*AccessEvent, error)
	List(ctx context.Context, filter EventFilter) ([]AccessEvent, error)
	Count(ctx context.Context, filter EventFilter) (int, error)
}
