package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cachedNode struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

func newRedisStore(t *testing.T) (Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, Options{DefaultTTL: time.Minute, Prefix: "cache"}), mr
}

func stores(t *testing.T) map[string]Store {
	redisStore, _ := newRedisStore(t)
	return map[string]Store{
		"memory": NewMemoryStore(Options{DefaultTTL: time.Minute}),
		"redis":  redisStore,
	}
}

func TestStore_JSONRoundTripAndDelete(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			ns := store.Namespace("nodes")
			require.NoError(t, ns.SetJSON(ctx, "1", cachedNode{ID: 1, Name: "tokyo"}, 0))

			var got cachedNode
			ok, err := ns.GetJSON(ctx, "1", &got)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "tokyo", got.Name)

			ok, err = store.GetJSON(ctx, "1", &got)
			require.NoError(t, err)
			assert.False(t, ok, "namespaces must not overlap")

			require.NoError(t, ns.Delete(ctx, "1"))
			ok, err = ns.GetJSON(ctx, "1", &got)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestStore_IncrementKeepsFirstTTL(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			v, err := store.Increment(ctx, "hits", 1, 30*time.Second)
			require.NoError(t, err)
			assert.Equal(t, int64(1), v)
			v, err = store.Increment(ctx, "hits", 2, time.Hour)
			require.NoError(t, err)
			assert.Equal(t, int64(3), v)

			ttl, ok := store.TTL(ctx, "hits")
			require.True(t, ok)
			assert.LessOrEqual(t, ttl, 30*time.Second)
		})
	}
}

func TestRemember_LoadsOnceThenServesCache(t *testing.T) {
	store := NewMemoryStore(Options{DefaultTTL: time.Minute})
	ctx := context.Background()
	calls := 0
	load := func(context.Context) ([]cachedNode, error) {
		calls++
		return []cachedNode{{ID: 7, Name: "hk"}}, nil
	}

	first, err := Remember(ctx, store, "list", time.Minute, load)
	require.NoError(t, err)
	second, err := Remember(ctx, store, "list", time.Minute, load)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, calls)
}

func TestRemember_PropagatesLoadError(t *testing.T) {
	store := NewMemoryStore(Options{})
	boom := errors.New("db down")
	_, err := Remember(context.Background(), store, "user:1", time.Minute, func(context.Context) (*cachedNode, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)

	ok, err := store.GetJSON(context.Background(), "user:1", nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRemember_FallsBackWhenRedisIsDown(t *testing.T) {
	store, mr := newRedisStore(t)
	mr.Close()
	got, err := Remember(context.Background(), store, "node:1", time.Minute, func(context.Context) (cachedNode, error) {
		return cachedNode{ID: 1}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.ID)
}
