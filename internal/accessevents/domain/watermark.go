package accessevents

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"
)

// WatermarkKey identifies a watermark by door and event type.
type WatermarkKey struct {
	DoorID    string
	EventType int
}

func (k WatermarkKey) String() string {
	return k.DoorID + "|" + strconv.Itoa(k.EventType)
}

// Watermark is the latest accepted event time for a key.
type Watermark struct {
	DoorID     string    `json:"doorId"`
	EventType  int       `json:"eventType"`
	OccurredAt time.Time `json:"occurredAt"`
}

// Key returns the watermark key.
func (w Watermark) Key() WatermarkKey {
	return WatermarkKey{DoorID: w.DoorID, EventType: w.EventType}
}

// WatermarkCheckpointer persists watermarks across restarts.
type WatermarkCheckpointer interface {
	LoadWatermarks(ctx context.Context) ([]Watermark, error)
	SaveWatermark(ctx context.Context, mark Watermark) error
}

// WatermarkStore tracks per-key watermarks in memory. Values never decrease.
type WatermarkStore struct {
	mu     sync.RWMutex
	values map[WatermarkKey]time.Time
}

// NewWatermarkStore constructs an empty store.
func NewWatermarkStore() *WatermarkStore {
	return &WatermarkStore{values: make(map[WatermarkKey]time.Time)}
}

// Get returns the watermark for key.
func (s *WatermarkStore) Get(key WatermarkKey) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.values[key]
	return value, ok
}

// Advance stores ts when it is strictly after the current value.
func (s *WatermarkStore) Advance(key WatermarkKey, ts time.Time) bool {
	if ts.IsZero() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.values[key]
	if ok && !ts.After(current) {
		return false
	}
	s.values[key] = ts
	return true
}

// Min returns the earliest watermark among doors for eventType.
func (s *WatermarkStore) Min(doorIDs []string, eventType int) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		min   time.Time
		found bool
	)
	for _, doorID := range doorIDs {
		value, ok := s.values[WatermarkKey{DoorID: doorID, EventType: eventType}]
		if !ok {
			continue
		}
		if !found || value.Before(min) {
			min = value
			found = true
		}
	}
	return min, found
}

// Reset drops every watermark.
func (s *WatermarkStore) Reset() {
	s.mu.Lock()
	s.values = make(map[WatermarkKey]time.Time)
	s.mu.Unlock()
}

// Snapshot returns a sorted copy of all watermarks.
func (s *WatermarkStore) Snapshot() []Watermark {
	s.mu.RLock()
	marks := make([]Watermark, 0, len(s.values))
	for key, value := range s.values {
		marks = append(marks, Watermark{DoorID: key.DoorID, EventType: key.EventType, OccurredAt: value})
	}
	s.mu.RUnlock()
	sort.Slice(marks, func(i, j int) bool {
		if marks[i].DoorID != marks[j].DoorID {
			return marks[i].DoorID < marks[j].DoorID
		}
		return marks[i].EventType < marks[j].EventType
	})
	return marks
}

// Seed loads a durable checkpoint. It never lowers an existing value.
func (s *WatermarkStore) Seed(mark Watermark) bool {
	return s.Advance(mark.Key(), mark.OccurredAt)
}
