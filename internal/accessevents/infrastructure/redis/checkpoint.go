package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	accessevents "dorm-access/internal/accessevents/domain"
)

// DefaultKey is the hash holding watermark checkpoints.
const DefaultKey = "dorm-access:watermarks"

// advanceScript stores ARGV[2] only when it is later than the current field value.
var advanceScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], ARGV[1])
if (not current) or tonumber(ARGV[2]) > tonumber(current) then
	redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
	return 1
end
return 0
`)

// Checkpointer keeps watermark checkpoints in a Redis hash keyed by "door|eventType".
type Checkpointer struct {
	client *redis.Client
	key    string
}

// NewCheckpointer constructs a checkpointer. An empty key uses DefaultKey.
func NewCheckpointer(client *redis.Client, key string) (*Checkpointer, error) {
	if client == nil {
		return nil, errors.New("redis checkpointer: nil client")
	}
	if key == "" {
		key = DefaultKey
	}
	return &Checkpointer{client: client, key: key}, nil
}

// LoadWatermarks returns every checkpoint in the hash.
func (c *Checkpointer) LoadWatermarks(ctx context.Context) ([]accessevents.Watermark, error) {
	values, err := c.client.HGetAll(ctx, c.key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis checkpointer: load: %w", err)
	}
	out := make([]accessevents.Watermark, 0, len(values))
	for field, raw := range values {
		mark, err := parseField(field, raw)
		if err != nil {
			return nil, err
		}
		out = append(out, mark)
	}
	return out, nil
}

// SaveWatermark advances the stored checkpoint atomically.
func (c *Checkpointer) SaveWatermark(ctx context.Context, mark accessevents.Watermark) error {
	if mark.DoorID == "" || mark.EventType <= 0 || mark.OccurredAt.IsZero() {
		return errors.New("redis checkpointer: invalid watermark")
	}
	err := advanceScript.Run(ctx, c.client, []string{c.key}, mark.Key().String(), mark.OccurredAt.UnixMilli()).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis checkpointer: save: %w", err)
	}
	return nil
}

func parseField(field, raw string) (accessevents.Watermark, error) {
	idx := strings.LastIndex(field, "|")
	if idx <= 0 {
		return accessevents.Watermark{}, fmt.Errorf("redis checkpointer: bad field %q", field)
	}
	eventType, err := strconv.Atoi(field[idx+1:])
	if err != nil {
		return accessevents.Watermark{}, fmt.Errorf("redis checkpointer: bad event type in %q: %w", field, err)
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return accessevents.Watermark{}, fmt.Errorf("redis checkpointer: bad value for %q: %w", field, err)
	}
	return accessevents.Watermark{
		DoorID:     field[:idx],
		EventType:  eventType,
		OccurredAt: time.UnixMilli(ms).UTC(),
	}, nil
}
