package redis

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"

	accessevents "dorm-access/internal/accessevents/domain"
)

func newTestCheckpointer(t *testing.T) (*Checkpointer, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	cp, err := NewCheckpointer(client, "")
	require.NoError(t, err)
	return cp, mr
}

func TestCheckpointer_SaveKeepsLatest(t *testing.T) {
	cp, mr := newTestCheckpointer(t)
	ctx := context.Background()
	later := time.Date(2026, 3, 1, 10, 0, 7, 0, time.UTC)

	require.NoError(t, cp.SaveWatermark(ctx, accessevents.Watermark{DoorID: "D1", EventType: 7, OccurredAt: later}))
	require.NoError(t, cp.SaveWatermark(ctx, accessevents.Watermark{DoorID: "D1", EventType: 7, OccurredAt: later.Add(-time.Second)}))
	require.NoError(t, cp.SaveWatermark(ctx, accessevents.Watermark{DoorID: "gate|east", EventType: 8, OccurredAt: later}))

	require.Equal(t, "1772359207000", mr.HGet(DefaultKey, "D1|7"))

	marks, err := cp.LoadWatermarks(ctx)
	require.NoError(t, err)
	sort.Slice(marks, func(i, j int) bool { return marks[i].DoorID < marks[j].DoorID })
	require.Equal(t, []accessevents.Watermark{
		{DoorID: "D1", EventType: 7, OccurredAt: later},
		{DoorID: "gate|east", EventType: 8, OccurredAt: later},
	}, marks)
}

func TestCheckpointer_LoadRejectsCorruptField(t *testing.T) {
	cp, mr := newTestCheckpointer(t)
	mr.HSet(DefaultKey, "nodelimiter", "1")

	_, err := cp.LoadWatermarks(context.Background())
	require.Error(t, err)
}

func TestCheckpointer_ValidatesInput(t *testing.T) {
	cp, _ := newTestCheckpointer(t)
	require.Error(t, cp.SaveWatermark(context.Background(), accessevents.Watermark{DoorID: "D1"}))

	_, err := NewCheckpointer(nil, "")
	require.Error(t, err)
}

func TestCheckpointer_EmptyHash(t *testing.T) {
	cp, _ := newTestCheckpointer(t)
	marks, err := cp.LoadWatermarks(context.Background())
	require.NoError(t, err)
	require.Empty(t, marks)
}
