package security

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creamcroissant/sspanel/internal/cache"
)

func newSlidingLimiter(t *testing.T) (*SlidingWindowLimiter, *miniredis.Miniredis, *time.Time) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	clock := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	limiter := NewSlidingWindowLimiter(client, "subscribe_rate_limit")
	limiter.now = func() time.Time { return clock }
	return limiter, mr, &clock
}

func TestSlidingWindowLimiter_ExactLimitThenReject(t *testing.T) {
	limiter, _, clock := newSlidingLimiter(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		*clock = clock.Add(time.Second)
		res, err := limiter.Allow(ctx, "7:1.2.3.4", 10, time.Minute)
		require.NoError(t, err)
		assert.True(t, res.Allowed, "request %d should pass", i+1)
		assert.Equal(t, 10-i-1, res.Remaining)
	}

	res, err := limiter.Allow(ctx, "7:1.2.3.4", 10, time.Minute)
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	other, err := limiter.Allow(ctx, "7:5.6.7.8", 10, time.Minute)
	require.NoError(t, err)
	assert.True(t, other.Allowed, "keys are independent")
}

func TestSlidingWindowLimiter_WindowSlides(t *testing.T) {
	limiter, _, clock := newSlidingLimiter(t)
	ctx := context.Background()
	start := *clock

	for i := 0; i < 3; i++ {
		res, err := limiter.Allow(ctx, "k", 3, time.Minute)
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}
	res, err := limiter.Allow(ctx, "k", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.WithinDuration(t, start.Add(time.Minute), res.ResetAt, 0)

	*clock = start.Add(time.Minute + time.Millisecond)
	res, err = limiter.Allow(ctx, "k", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestSlidingWindowLimiter_RejectedRequestsDoNotExtendBlock(t *testing.T) {
	limiter, mr, clock := newSlidingLimiter(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := limiter.Allow(ctx, "k", 2, time.Minute)
		require.NoError(t, err)
	}
	members, err := mr.ZMembers("subscribe_rate_limit:k")
	require.NoError(t, err)
	assert.Len(t, members, 2)

	*clock = clock.Add(61 * time.Second)
	res, err := limiter.Allow(ctx, "k", 2, time.Minute)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestSlidingWindowLimiter_StoreDownReturnsError(t *testing.T) {
	limiter, mr, _ := newSlidingLimiter(t)
	mr.Close()
	_, err := limiter.Allow(context.Background(), "k", 1, time.Minute)
	assert.Error(t, err)
}

func newCacheLimiter(t *testing.T) (*CacheLimiter, *time.Time) {
	t.Helper()
	limiter, err := NewCacheLimiter(cache.NewMemoryStore(cache.Options{}), "rate")
	require.NoError(t, err)
	clock := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return clock }
	return limiter, &clock
}

func TestCacheLimiter_ExactLimitThenReject(t *testing.T) {
	limiter, _ := newCacheLimiter(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := limiter.Allow(ctx, "ip", 2, time.Minute)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, 1-i, res.Remaining)
	}
	res, err := limiter.Allow(ctx, "ip", 2, time.Minute)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Zero(t, res.Remaining)

	_, err = limiter.Allow(ctx, "ip", 0, time.Minute)
	assert.Error(t, err)
}

func TestCacheLimiter_NoBurstAcrossWindowBoundary(t *testing.T) {
	limiter, clock := newCacheLimiter(t)
	ctx := context.Background()
	start := *clock

	// 额度在窗口末尾用完。
	*clock = start.Add(50 * time.Second)
	for i := 0; i < 3; i++ {
		res, err := limiter.Allow(ctx, "ip", 3, time.Minute)
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}

	// 刚过整分钟：固定窗口会在这里放行第二批。
	*clock = start.Add(61 * time.Second)
	for i := 0; i < 3; i++ {
		res, err := limiter.Allow(ctx, "ip", 3, time.Minute)
		require.NoError(t, err)
		assert.False(t, res.Allowed, "request %d within a minute of the previous batch", i)
		assert.WithinDuration(t, start.Add(110*time.Second), res.ResetAt, 0)
	}

	*clock = start.Add(110*time.Second + time.Millisecond)
	res, err := limiter.Allow(ctx, "ip", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 2, res.Remaining)
}

func TestLoggerRecorder_WritesEvent(t *testing.T) {
	var buf bytes.Buffer
	rec := NewLoggerRecorder(slog.New(slog.NewJSONHandler(&buf, nil)))
	rec.Record(context.Background(), Event{Kind: EventTrafficReset, Subject: "sid:7", IP: "1.2.3.4"})
	assert.Contains(t, buf.String(), `"kind":"traffic.reset"`)
	assert.Contains(t, buf.String(), `"component":"audit"`)
}
