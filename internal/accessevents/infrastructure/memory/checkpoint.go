package memory

import (
	"context"
	"sync"

	accessevents "dorm-access/internal/accessevents/domain"
)

// Checkpointer keeps watermark checkpoints in memory.
type Checkpointer struct {
	mu    sync.Mutex
	marks map[accessevents.WatermarkKey]accessevents.Watermark
}

// NewCheckpointer constructs an empty checkpointer.
func NewCheckpointer() *Checkpointer {
	return &Checkpointer{marks: make(map[accessevents.WatermarkKey]accessevents.Watermark)}
}

// LoadWatermarks returns every saved watermark.
func (c *Checkpointer) LoadWatermarks(ctx context.Context) ([]accessevents.Watermark, error) {
	_ = ctx
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]accessevents.Watermark, 0, len(c.marks))
	for _, mark := range c.marks {
		out = append(out, mark)
	}
	return out, nil
}

// SaveWatermark keeps the later of the stored and given times.
func (c *Checkpointer) SaveWatermark(ctx context.Context, mark accessevents.Watermark) error {
	_ = ctx
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.marks[mark.Key()]; ok && !mark.OccurredAt.After(existing.OccurredAt) {
		return nil
	}
	c.marks[mark.Key()] = mark
	return nil
}
