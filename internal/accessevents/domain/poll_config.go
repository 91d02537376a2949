package accessevents

import (
	"strings"
	"time"
)

// DefaultIntervalMs is the polling cadence used when none is given.
const DefaultIntervalMs = 10000

// DefaultEventTypes returns the event types polled when none are given.
func DefaultEventTypes() []int {
	return []int{EventTypeFacePass, EventTypeCardPass}
}

// PollConfig describes what the poller fetches and how often.
type PollConfig struct {
	DoorIDs    []string `json:"doorIds"`
	EventTypes []int    `json:"eventTypes"`
	IntervalMs int      `json:"intervalMs"`
	PersonName string   `json:"personName,omitempty"`
}

// Normalize trims and deduplicates the config and applies defaults.
func (c PollConfig) Normalize() (PollConfig, error) {
	out := PollConfig{
		IntervalMs: c.IntervalMs,
		PersonName: strings.TrimSpace(c.PersonName),
	}
	seenDoors := make(map[string]struct{}, len(c.DoorIDs))
	for _, doorID := range c.DoorIDs {
		doorID = strings.TrimSpace(doorID)
		if doorID == "" {
			continue
		}
		if _, ok := seenDoors[doorID]; ok {
			continue
		}
		seenDoors[doorID] = struct{}{}
		out.DoorIDs = append(out.DoorIDs, doorID)
	}
	if len(out.DoorIDs) == 0 {
		return PollConfig{}, &ConfigError{Field: "doorIds", Reason: "at least one door id is required"}
	}

	seenTypes := make(map[int]struct{}, len(c.EventTypes))
	for _, eventType := range c.EventTypes {
		if eventType <= 0 {
			return PollConfig{}, &ConfigError{Field: "eventTypes", Reason: "event type codes must be positive"}
		}
		if _, ok := seenTypes[eventType]; ok {
			continue
		}
		seenTypes[eventType] = struct{}{}
		out.EventTypes = append(out.EventTypes, eventType)
	}
	if len(out.EventTypes) == 0 {
		out.EventTypes = DefaultEventTypes()
	}

	if out.IntervalMs < 0 {
		return PollConfig{}, &ConfigError{Field: "intervalMs", Reason: "must be positive"}
	}
	if out.IntervalMs == 0 {
		out.IntervalMs = DefaultIntervalMs
	}
	return out, nil
}

// Interval returns the cadence as a duration.
func (c PollConfig) Interval() time.Duration {
	if c.IntervalMs <= 0 {
		return DefaultIntervalMs * time.Millisecond
	}
	return time.Duration(c.IntervalMs) * time.Millisecond
}

// Clone returns a deep copy.
func (c PollConfig) Clone() PollConfig {
	out := c
	out.DoorIDs = append([]string(nil), c.DoorIDs...)
	out.EventTypes = append([]int(nil), c.EventTypes...)
	return out
}

// TickSummary reports what one tick did for one event type.
type TickSummary struct {
	EventType   int       `json:"eventType"`
	Fetched     int       `json:"fetched"`
	Inserted    int       `json:"inserted"`
	Duplicates  int       `json:"duplicates"`
	Skipped     int       `json:"skipped"`
	Dropped     int       `json:"dropped"`
	Deferred    int       `json:"deferred"`
	Failed      int       `json:"failed"`
	Pages       int       `json:"pages"`
	WindowStart time.Time `json:"windowStart"`
	WindowEnd   time.Time `json:"windowEnd"`
	DoorIDs     []string  `json:"doorIds"`
	Error       string    `json:"error,omitempty"`
}
