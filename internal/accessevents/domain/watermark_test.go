package accessevents_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	accessevents "dorm-access/internal/accessevents/domain"
)

func TestWatermarkStore_AdvanceNeverRegresses(t *testing.T) {
	store := accessevents.NewWatermarkStore()
	key := accessevents.WatermarkKey{DoorID: "D1", EventType: 7}
	t1 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(7 * time.Second)

	require.True(t, store.Advance(key, t1))
	require.True(t, store.Advance(key, t2))
	require.False(t, store.Advance(key, t1))
	require.False(t, store.Advance(key, t2))

	got, ok := store.Get(key)
	require.True(t, ok)
	require.Equal(t, t2, got)
}

func TestWatermarkStore_IgnoresZeroTime(t *testing.T) {
	store := accessevents.NewWatermarkStore()
	key := accessevents.WatermarkKey{DoorID: "D1", EventType: 7}
	require.False(t, store.Advance(key, time.Time{}))
	_, ok := store.Get(key)
	require.False(t, ok)
}

func TestWatermarkStore_MinAcrossDoors(t *testing.T) {
	store := accessevents.NewWatermarkStore()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	store.Advance(accessevents.WatermarkKey{DoorID: "D1", EventType: 7}, base.Add(time.Minute))
	store.Advance(accessevents.WatermarkKey{DoorID: "D2", EventType: 7}, base)
	store.Advance(accessevents.WatermarkKey{DoorID: "D3", EventType: 8}, base.Add(-time.Hour))

	min, ok := store.Min([]string{"D1", "D2", "D9"}, 7)
	require.True(t, ok)
	require.Equal(t, base, min)

	_, ok = store.Min([]string{"D9"}, 7)
	require.False(t, ok)
}

func TestWatermarkStore_ConcurrentAdvanceKeepsMax(t *testing.T) {
	store := accessevents.NewWatermarkStore()
	key := accessevents.WatermarkKey{DoorID: "D1", EventType: 7}
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(offset int) {
			defer wg.Done()
			store.Advance(key, base.Add(time.Duration(offset)*time.Second))
		}(i)
	}
	wg.Wait()

	got, _ := store.Get(key)
	require.Equal(t, base.Add(99*time.Second), got)
}

func TestWatermarkStore_SnapshotSortedAndReset(t *testing.T) {
	store := accessevents.NewWatermarkStore()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	store.Advance(accessevents.WatermarkKey{DoorID: "D2", EventType: 7}, base)
	store.Advance(accessevents.WatermarkKey{DoorID: "D1", EventType: 8}, base)
	store.Advance(accessevents.WatermarkKey{DoorID: "D1", EventType: 7}, base)

	snapshot := store.Snapshot()
	require.Len(t, snapshot, 3)
	require.Equal(t, "D1", snapshot[0].DoorID)
	require.Equal(t, 7, snapshot[0].EventType)
	require.Equal(t, 8, snapshot[1].EventType)
	require.Equal(t, "D2", snapshot[2].DoorID)

	store.Reset()
	require.Empty(t, store.Snapshot())
}
