package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	accessevents "dorm-access/internal/accessevents/domain"
)

const eventColumns = `external_id, person_id, person_name, occurred_at_ms, event_type, event_type_name,
	door_id, door_name, device_id, device_name, created_at_ms, updated_at_ms`

// EventRepository stores access events in an embedded SQLite database.
type EventRepository struct {
	db *sql.DB
}

// NewEventRepository constructs a repository.
func NewEventRepository(db *sql.DB) (*EventRepository, error) {
	if db == nil {
		return nil, errors.New("sqlite event repo: nil db")
	}
	return &EventRepository{db: db}, nil
}

// InsertIfAbsent inserts the event; an existing external id is left untouched.
func (r *EventRepository) InsertIfAbsent(ctx context.Context, event accessevents.AccessEvent) (accessevents.InsertResult, error) {
	if err := event.Validate(); err != nil {
		return accessevents.InsertResult{}, err
	}
	now := time.Now().UTC().Truncate(time.Millisecond)
	event.OccurredAt = event.OccurredAt.UTC()
	event.CreatedAt = now
	event.UpdatedAt = now

	res, err := r.db.ExecContext(ctx, `
INSERT INTO access_events (
	`+eventColumns+`
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(external_id) DO NOTHING`,
		event.ExternalID,
		nullString(event.PersonID),
		nullString(event.PersonName),
		event.OccurredAt.UnixMilli(),
		event.EventType,
		nullString(event.EventTypeName),
		nullString(event.DoorID),
		nullString(event.DoorName),
		nullString(event.DeviceID),
		nullString(event.DeviceName),
		now.UnixMilli(),
		now.UnixMilli(),
	)
	if err != nil {
		return accessevents.InsertResult{}, fmt.Errorf("insert access event: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return accessevents.InsertResult{}, err
	}
	if affected == 0 {
		return accessevents.InsertResult{Inserted: false}, nil
	}
	return accessevents.InsertResult{Inserted: true, Event: &event}, nil
}

// Get loads an event by external id.
func (r *EventRepository) Get(ctx context.Context, externalID string) (*accessevents.AccessEvent, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+eventColumns+" FROM access_events WHERE external_id = ? LIMIT 1;", externalID)
	event, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, accessevents.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &event, nil
}

// List returns matching events, newest first.
func (r *EventRepository) List(ctx context.Context, filter accessevents.EventFilter) ([]accessevents.AccessEvent, error) {
	filter = filter.Normalize()
	where, args := buildWhere(filter)
	args = append(args, filter.Limit, filter.Offset)
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+eventColumns+" FROM access_events"+where+" ORDER BY occurred_at_ms DESC, external_id ASC LIMIT ? OFFSET ?;",
		args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []accessevents.AccessEvent
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, event)
	}
	return out, rows.Err()
}

// Count returns the number of matching events.
func (r *EventRepository) Count(ctx context.Context, filter accessevents.EventFilter) (int, error) {
	where, args := buildWhere(filter.Normalize())
	var count int
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM access_events"+where+";", args...).Scan(&count)
	return count, err
}

func buildWhere(filter accessevents.EventFilter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if filter.DoorID != "" {
		clauses = append(clauses, "door_id = ?")
		args = append(args, filter.DoorID)
	}
	if filter.EventType != 0 {
		clauses = append(clauses, "event_type = ?")
		args = append(args, filter.EventType)
	}
	if filter.PersonName != "" {
		// LIKE is case-insensitive for ASCII in SQLite.
		clauses = append(clauses, "person_name LIKE ?")
		args = append(args, "%"+filter.PersonName+"%")
	}
	if !filter.From.IsZero() {
		clauses = append(clauses, "occurred_at_ms >= ?")
		args = append(args, filter.From.UnixMilli())
	}
	if !filter.To.IsZero() {
		clauses = append(clauses, "occurred_at_ms <= ?")
		args = append(args, filter.To.UnixMilli())
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (accessevents.AccessEvent, error) {
	var (
		event                                accessevents.AccessEvent
		personID, personName, eventTypeName  sql.NullString
		doorID, doorName, deviceID, deviceNm sql.NullString
		occurredMs, createdMs, updatedMs     int64
	)
	if err := row.Scan(
		&event.ExternalID,
		&personID,
		&personName,
		&occurredMs,
		&event.EventType,
		&eventTypeName,
		&doorID,
		&doorName,
		&deviceID,
		&deviceNm,
		&createdMs,
		&updatedMs,
	); err != nil {
		return accessevents.AccessEvent{}, err
	}
	event.PersonID = personID.String
	event.PersonName = personName.String
	event.EventTypeName = eventTypeName.String
	event.DoorID = doorID.String
	event.DoorName = doorName.String
	event.DeviceID = deviceID.String
	event.DeviceName = deviceNm.String
	event.OccurredAt = time.UnixMilli(occurredMs).UTC()
	event.CreatedAt = time.UnixMilli(createdMs).UTC()
	event.UpdatedAt = time.UnixMilli(updatedMs).UTC()
	return event, nil
}

func nullString(value string) sql.NullString {
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}
