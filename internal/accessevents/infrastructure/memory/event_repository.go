package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	accessevents "dorm-access/internal/accessevents/domain"
)

// EventRepository is an in-memory event store for demo/testing.
type EventRepository struct {
	mu   sync.RWMutex
	data map[string]accessevents.AccessEvent
	now  func() time.Time
}

// NewEventRepository constructs a repository.
func NewEventRepository() *EventRepository {
	return &EventRepository{
		data: make(map[string]accessevents.AccessEvent),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// InsertIfAbsent stores event unless its external id is already present.
func (r *EventRepository) InsertIfAbsent(ctx context.Context, event accessevents.AccessEvent) (accessevents.InsertResult, error) {
	_ = ctx
	if err := event.Validate(); err != nil {
		return accessevents.InsertResult{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.data[event.ExternalID]; ok {
		return accessevents.InsertResult{Inserted: false, Event: &existing}, nil
	}
	now := r.now()
	event.OccurredAt = event.OccurredAt.UTC()
	event.CreatedAt = now
	event.UpdatedAt = now
	r.data[event.ExternalID] = event
	stored := event
	return accessevents.InsertResult{Inserted: true, Event: &stored}, nil
}

// Get loads one event.
func (r *EventRepository) Get(ctx context.Context, externalID string) (*accessevents.AccessEvent, error) {
	_ = ctx
	r.mu.RLock()
	defer r.mu.RUnlock()
	event, ok := r.data[externalID]
	if !ok {
		return nil, accessevents.ErrNotFound
	}
	return &event, nil
}

// List returns matching events, newest first.
func (r *EventRepository) List(ctx context.Context, filter accessevents.EventFilter) ([]accessevents.AccessEvent, error) {
	_ = ctx
	filter = filter.Normalize()
	matched := r.match(filter)
	if filter.Offset >= len(matched) {
		return []accessevents.AccessEvent{}, nil
	}
	end := filter.Offset + filter.Limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[filter.Offset:end], nil
}

// Count returns the number of matching events.
func (r *EventRepository) Count(ctx context.Context, filter accessevents.EventFilter) (int, error) {
	_ = ctx
	return len(r.match(filter.Normalize())), nil
}

// Len returns the number of stored events.
func (r *EventRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.data)
}

func (r *EventRepository) match(filter accessevents.EventFilter) []accessevents.AccessEvent {
	name := strings.ToLower(filter.PersonName)
	r.mu.RLock()
	out := make([]accessevents.AccessEvent, 0, len(r.data))
	for _, event := range r.data {
		if filter.DoorID != "" && event.DoorID != filter.DoorID {
			continue
		}
		if filter.EventType != 0 && event.EventType != filter.EventType {
			continue
		}
		if name != "" && !strings.Contains(strings.ToLower(event.PersonName), name) {
			continue
		}
		if !filter.From.IsZero() && event.OccurredAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && event.OccurredAt.After(filter.To) {
			continue
		}
		out = append(out, event)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].OccurredAt.Equal(out[j].OccurredAt) {
			return out[i].OccurredAt.After(out[j].OccurredAt)
		}
		return out[i].ExternalID < out[j].ExternalID
	})
	return out
}
