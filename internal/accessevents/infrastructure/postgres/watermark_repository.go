package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	accessevents "dorm-access/internal/accessevents/domain"
)

const defaultWatermarksTable = "access_watermarks"

// WatermarkRepository checkpoints poller watermarks in Postgres.
type WatermarkRepository struct {
	db    *sql.DB
	table string
}

// NewWatermarkRepository constructs a repository.
func NewWatermarkRepository(db *sql.DB) (*WatermarkRepository, error) {
	if db == nil {
		return nil, errors.New("watermark repo: nil db")
	}
	return &WatermarkRepository{db: db, table: defaultWatermarksTable}, nil
}

// LoadWatermarks returns every stored checkpoint.
func (r *WatermarkRepository) LoadWatermarks(ctx context.Context) ([]accessevents.Watermark, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("watermark repo: nil db")
	}
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(`
SELECT door_id, event_type, occurred_at
FROM %s
ORDER BY door_id, event_type`, r.table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []accessevents.Watermark
	for rows.Next() {
		var mark accessevents.Watermark
		if err := rows.Scan(&mark.DoorID, &mark.EventType, &mark.OccurredAt); err != nil {
			return nil, err
		}
		mark.OccurredAt = mark.OccurredAt.UTC()
		out = append(out, mark)
	}
	return out, rows.Err()
}

// SaveWatermark upserts a checkpoint; the stored time never moves backwards.
func (r *WatermarkRepository) SaveWatermark(ctx context.Context, mark accessevents.Watermark) error {
	if r == nil || r.db == nil {
		return errors.New("watermark repo: nil db")
	}
	if mark.DoorID == "" || mark.EventType <= 0 || mark.OccurredAt.IsZero() {
		return errors.New("watermark repo: invalid watermark")
	}
	_, err := r.db.ExecContext(ctx, fmt.Sprintf(`
INSERT INTO %s (door_id, event_type, occurred_at, updated_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (door_id, event_type) DO UPDATE SET
	occurred_at = GREATEST(%s.occurred_at, EXCLUDED.occurred_at),
	updated_at = EXCLUDED.updated_at`, r.table, r.table),
		mark.DoorID, mark.EventType, mark.OccurredAt.UTC(), time.Now().UTC())
	return err
}
