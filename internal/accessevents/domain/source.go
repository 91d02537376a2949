package accessevents

import (
	"context"
	"encoding/json"
	"time"
)

// FetchRequest asks the access controller for one page of events.
type FetchRequest struct {
	DoorIDs    []string
	EventType  int
	Start      time.Time
	End        time.Time
	PageNo     int
	PageSize   int
	PersonName string
}

// FetchResult is one page returned by the access controller.
type FetchResult struct {
	Success bool
	Code    string
	Message string
	Events  []AccessEvent
	Total   int
	Raw     json.RawMessage
}

// EventSource fetches raw events from the access controller.
type EventSource interface {
	FetchEvents(ctx context.Context, req FetchRequest) (FetchResult, error)
}
