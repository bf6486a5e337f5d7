package faststore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return NewRedisStore(client, Options{HistorySize: 3}), mr
}

func implementations(t *testing.T) map[string]Store {
	redisStore, _ := setupRedis(t)
	return map[string]Store{
		"redis":  redisStore,
		"memory": NewMemoryStore(Options{HistorySize: 3}),
	}
}

func TestIncrUsage_SeparatesUserAndNodeBuckets(t *testing.T) {
	for name, store := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			entries := []UsageEntry{
				{UserID: 1, Upload: 10, Download: 100},
				{UserID: 2, Upload: 5, Download: 50},
			}
			totals, err := store.IncrUsage(ctx, "20240101", 9, entries)
			require.NoError(t, err)
			assert.Equal(t, Counter{Upload: 15, Download: 150}, totals)

			users, err := store.UserSnapshot(ctx, "20240101")
			require.NoError(t, err)
			assert.Equal(t, map[int64]Counter{1: {10, 100}, 2: {5, 50}}, users)

			nodes, err := store.NodeSnapshot(ctx, "20240101")
			require.NoError(t, err)
			assert.Equal(t, map[int64]Counter{9: {15, 150}}, nodes)
		})
	}
}

func TestIncrUsage_SameBatchTwiceDoubles(t *testing.T) {
	for name, store := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			batch := []UsageEntry{{UserID: 3, Upload: 7, Download: 11}}
			_, err := store.IncrUsage(ctx, "20240102", 1, batch)
			require.NoError(t, err)
			totals, err := store.IncrUsage(ctx, "20240102", 1, batch)
			require.NoError(t, err)
			assert.Equal(t, Counter{Upload: 14, Download: 22}, totals)

			users, err := store.UserSnapshot(ctx, "20240102")
			require.NoError(t, err)
			assert.Equal(t, Counter{Upload: 14, Download: 22}, users[3])
		})
	}
}

func TestIncrUsage_ConcurrentWritersDoNotLoseUpdates(t *testing.T) {
	for name, store := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := store.IncrUsage(ctx, "20240103", 1, []UsageEntry{{UserID: 1, Upload: 1, Download: 2}})
					assert.NoError(t, err)
				}()
			}
			wg.Wait()
			users, err := store.UserSnapshot(ctx, "20240103")
			require.NoError(t, err)
			assert.Equal(t, Counter{Upload: 20, Download: 40}, users[1])
		})
	}
}

func TestSnapshot_EmptyDay(t *testing.T) {
	for name, store := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			users, err := store.UserSnapshot(context.Background(), "19990101")
			require.NoError(t, err)
			assert.Empty(t, users)
		})
	}
}

func TestNodeStatus_LastWriteWins(t *testing.T) {
	for name, store := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			missing, err := store.NodeStatus(ctx, 4)
			require.NoError(t, err)
			assert.Nil(t, missing)

			require.NoError(t, store.SetNodeStatus(ctx, 4, NodeStatus{OnlineUser: 12, Load: 0.7, UpdatedAt: 100}))
			require.NoError(t, store.SetNodeStatus(ctx, 4, NodeStatus{OnlineUser: 3, Load: 0.25, UpdatedAt: 200}))
			status, err := store.NodeStatus(ctx, 4)
			require.NoError(t, err)
			require.NotNil(t, status)
			assert.Equal(t, NodeStatus{OnlineUser: 3, Load: 0.25, UpdatedAt: 200}, *status)
		})
	}
}

func TestAccessHistory_BoundedAndCounted(t *testing.T) {
	for name, store := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i, format := range []string{"clash", "ss", "clash", "surge", "sip008"} {
				require.NoError(t, store.RecordAccess(ctx, 5, AccessRecord{IP: "1.2.3.4", At: int64(i), Format: format}))
			}
			records, formats, err := store.AccessHistory(ctx, 5)
			require.NoError(t, err)
			require.Len(t, records, 3)
			assert.Equal(t, "sip008", records[0].Format)
			assert.Equal(t, int64(4), records[0].At)
			assert.Equal(t, int64(2), formats["clash"])
			assert.Equal(t, int64(1), formats["sip008"])
		})
	}
}

func TestAcquireLock_Exclusive(t *testing.T) {
	for name, store := range implementations(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			release, ok, err := store.AcquireLock(ctx, "reconcile_lock:20240101", time.Minute)
			require.NoError(t, err)
			require.True(t, ok)

			_, ok, err = store.AcquireLock(ctx, "reconcile_lock:20240101", time.Minute)
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, release(ctx))
			_, ok, err = store.AcquireLock(ctx, "reconcile_lock:20240101", time.Minute)
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}

func TestRedisStore_KeyLayoutAndTTL(t *testing.T) {
	store, mr := setupRedis(t)
	ctx := context.Background()
	_, err := store.IncrUsage(ctx, "20240105", 2, []UsageEntry{{UserID: 8, Upload: 1, Download: 2}})
	require.NoError(t, err)

	assert.Equal(t, "1", mr.HGet("traffic_report:users:20240105", "8:u"))
	assert.Equal(t, "2", mr.HGet("traffic_report:users:20240105", "8:d"))
	assert.Equal(t, "1", mr.HGet("traffic_report:nodes:20240105", "2:u"))
	assert.Equal(t, 72*time.Hour, mr.TTL("traffic_report:users:20240105"))

	require.NoError(t, store.SetNodeStatus(ctx, 2, NodeStatus{OnlineUser: 1}))
	assert.True(t, mr.Exists("node_status:2"))
	require.NoError(t, store.RecordAccess(ctx, 8, AccessRecord{Format: "ss"}))
	assert.True(t, mr.Exists("user_data:8:access"))
	assert.Equal(t, 30*24*time.Hour, mr.TTL("user_data:8:formats"))
}

func TestRedisStore_UnavailableIsReported(t *testing.T) {
	store, mr := setupRedis(t)
	mr.Close()
	_, err := store.IncrUsage(context.Background(), "20240101", 1, []UsageEntry{{UserID: 1, Upload: 1}})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestMemoryStore_CountersExpire(t *testing.T) {
	store := NewMemoryStore(Options{CounterTTL: time.Hour})
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	_, err := store.IncrUsage(context.Background(), "20240101", 1, []UsageEntry{{UserID: 1, Upload: 1}})
	require.NoError(t, err)

	now = now.Add(2 * time.Hour)
	users, err := store.UserSnapshot(context.Background(), "20240101")
	require.NoError(t, err)
	assert.Empty(t, users)
}

func TestMemoryStore_WritesSweepOldDays(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(Options{CounterTTL: 36 * time.Hour, HistoryTTL: time.Hour, HistorySize: 3})
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	for day := 0; day < 5; day++ {
		key := DayKey(now)
		_, err := store.IncrUsage(ctx, key, 1, []UsageEntry{{UserID: int64(day + 1), Upload: 1}})
		require.NoError(t, err)
		require.NoError(t, store.RecordAccess(ctx, int64(day+1), AccessRecord{Format: "ss", At: now.Unix()}))
		now = now.Add(24 * time.Hour)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	// 36h 的 TTL 下只剩最近两天的桶；从未再读的旧日期也被回收。
	assert.Len(t, store.days, 2)
	assert.Len(t, store.access, 1)
}

func TestDayKeyRoundTrip(t *testing.T) {
	ts := time.Date(2024, 3, 9, 23, 59, 0, 0, time.FixedZone("UTC+8", 8*3600))
	assert.Equal(t, "20240309", DayKey(ts))
	start, err := ParseDay("20240309")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 3, 9, 0, 0, 0, 0, time.UTC), start)

	_, err = ParseDay("2024-03-09")
	assert.Error(t, err)
}
