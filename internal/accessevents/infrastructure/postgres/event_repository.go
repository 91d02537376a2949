package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	accessevents "dorm-access/internal/accessevents/domain"
)

const defaultEventsTable = "access_events"

const eventColumns = `external_id, person_id, person_name, occurred_at, event_type, event_type_name,
	door_id, door_name, device_id, device_name, created_at, updated_at`

// EventRepository is a Postgres append-only access event store.
type EventRepository struct {
	db    *sql.DB
	table string
}

// EventRepositoryOption configures the repository.
type EventRepositoryOption func(*EventRepository)

// WithEventsTable overrides the table name.
func WithEventsTable(table string) EventRepositoryOption {
	return func(r *EventRepository) {
		if table != "" {
			r.table = table
		}
	}
}

// NewEventRepository constructs a repository.
func NewEventRepository(db *sql.DB, opts ...EventRepositoryOption) (*EventRepository, error) {
	if db == nil {
		return nil, errors.New("access event repo: nil db")
	}
	repo := &EventRepository{db: db, table: defaultEventsTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo, nil
}

// InsertIfAbsent inserts the event; a conflicting external id is a no-op.
func (r *EventRepository) InsertIfAbsent(ctx context.Context, event accessevents.AccessEvent) (accessevents.InsertResult, error) {
	if r == nil || r.db == nil {
		return accessevents.InsertResult{}, errors.New("access event repo: nil db")
	}
	if err := event.Validate(); err != nil {
		return accessevents.InsertResult{}, err
	}
	now := time.Now().UTC()
	event.OccurredAt = event.OccurredAt.UTC()
	event.CreatedAt = now
	event.UpdatedAt = now

	query := fmt.Sprintf(`
INSERT INTO %s (
	%s
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12
)
ON CONFLICT (external_id) DO NOTHING`, r.table, eventColumns)
	res, err := r.db.ExecContext(ctx, query,
		event.ExternalID,
		nullString(event.PersonID),
		nullString(event.PersonName),
		event.OccurredAt,
		event.EventType,
		nullString(event.EventTypeName),
		nullString(event.DoorID),
		nullString(event.DoorName),
		nullString(event.DeviceID),
		nullString(event.DeviceName),
		event.CreatedAt,
		event.UpdatedAt,
	)
	if err != nil {
		return accessevents.InsertResult{}, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return accessevents.InsertResult{}, err
	}
	if affected == 1 {
		return accessevents.InsertResult{Inserted: true, Event: &event}, nil
	}
	return accessevents.InsertResult{Inserted: false}, nil
}

// Get loads an event by external id.
func (r *EventRepository) Get(ctx context.Context, externalID string) (*accessevents.AccessEvent, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("access event repo: nil db")
	}
	row := r.db.QueryRowContext(ctx, fmt.Sprintf(`
SELECT %s
FROM %s
WHERE external_id = $1
LIMIT 1`, eventColumns, r.table), externalID)
	event, err := scanEvent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, accessevents.ErrNotFound
		}
		return nil, err
	}
	return &event, nil
}

// List returns matching events, newest first.
func (r *EventRepository) List(ctx context.Context, filter accessevents.EventFilter) ([]accessevents.AccessEvent, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("access event repo: nil db")
	}
	filter = filter.Normalize()
	where, args := buildWhere(filter)
	args = append(args, filter.Limit, filter.Offset)
	query := fmt.Sprintf(`
SELECT %s
FROM %s%s
ORDER BY occurred_at DESC, external_id ASC
LIMIT $%d OFFSET $%d`, eventColumns, r.table, where, len(args)-1, len(args))
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]accessevents.AccessEvent, 0, filter.Limit)
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
	if r == nil || r.db == nil {
		return 0, errors.New("access event repo: nil db")
	}
	where, args := buildWhere(filter.Normalize())
	var count int
	err := r.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s%s", r.table, where), args...).Scan(&count)
	return count, err
}

func buildWhere(filter accessevents.EventFilter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	add := func(clause string, value any) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if filter.DoorID != "" {
		add("door_id = $%d", filter.DoorID)
	}
	if filter.EventType != 0 {
		add("event_type = $%d", filter.EventType)
	}
	if filter.PersonName != "" {
		add("person_name ILIKE $%d", "%"+filter.PersonName+"%")
	}
	if !filter.From.IsZero() {
		add("occurred_at >= $%d", filter.From.UTC())
	}
	if !filter.To.IsZero() {
		add("occurred_at <= $%d", filter.To.UTC())
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return "\nWHERE " + strings.Join(clauses, " AND "), args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (accessevents.AccessEvent, error) {
	var (
		event                                accessevents.AccessEvent
		personID, personName, eventTypeName  sql.NullString
		doorID, doorName, deviceID, deviceNm sql.NullString
	)
	if err := row.Scan(
		&event.ExternalID,
		&personID,
		&personName,
		&event.OccurredAt,
		&event.EventType,
		&eventTypeName,
		&doorID,
		&doorName,
		&deviceID,
		&deviceNm,
		&event.CreatedAt,
		&event.UpdatedAt,
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
	event.OccurredAt = event.OccurredAt.UTC()
	event.CreatedAt = event.CreatedAt.UTC()
	event.UpdatedAt = event.UpdatedAt.UTC()
	return event, nil
}

func nullString(value string) sql.NullString {
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}
