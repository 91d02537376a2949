package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	accessevents "dorm-access/internal/accessevents/domain"
)

// WatermarkRepository checkpoints poller watermarks in SQLite.
type WatermarkRepository struct {
	db *sql.DB
}

// NewWatermarkRepository constructs a repository.
func NewWatermarkRepository(db *sql.DB) (*WatermarkRepository, error) {
	if db == nil {
		return nil, errors.New("sqlite watermark repo: nil db")
	}
	return &WatermarkRepository{db: db}, nil
}

// LoadWatermarks returns every stored checkpoint.
func (r *WatermarkRepository) LoadWatermarks(ctx context.Context) ([]accessevents.Watermark, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT door_id, event_type, occurred_at_ms FROM access_watermarks ORDER BY door_id, event_type;")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []accessevents.Watermark
	for rows.Next() {
		var (
			mark accessevents.Watermark
			ms   int64
		)
		if err := rows.Scan(&mark.DoorID, &mark.EventType, &ms); err != nil {
			return nil, err
		}
		mark.OccurredAt = time.UnixMilli(ms).UTC()
		out = append(out, mark)
	}
	return out, rows.Err()
}

// SaveWatermark upserts a checkpoint; the stored time never moves backwards.
func (r *WatermarkRepository) SaveWatermark(ctx context.Context, mark accessevents.Watermark) error {
	if mark.DoorID == "" || mark.EventType <= 0 || mark.OccurredAt.IsZero() {
		return errors.New("sqlite watermark repo: invalid watermark")
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO access_watermarks (door_id, event_type, occurred_at_ms, updated_at_ms)
VALUES (?, ?, ?, ?)
ON CONFLICT(door_id, event_type) DO UPDATE SET
	occurred_at_ms = MAX(occurred_at_ms, excluded.occurred_at_ms),
	updated_at_ms = excluded.updated_at_ms;`,
		mark.DoorID, mark.EventType, mark.OccurredAt.UnixMilli(), time.Now().UTC().UnixMilli())
	return err
}
