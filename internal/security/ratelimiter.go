// 文件路径: internal/security/ratelimiter.go
// 模块说明: 这是 internal 模块里的 ratelimiter 逻辑，下面的注释会用非常通俗的中文帮你理解每一步。
package security

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/creamcroissant/sspanel/internal/cache"
)

// Limiter 控制同一身份在窗口内的请求次数。
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (RateResult, error)
}

// RateResult 描述 Allow 调用的结果。
type RateResult struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

func validateLimit(limit int, window time.Duration) (time.Duration, error) {
	if limit <= 0 {
		return 0, fmt.Errorf("limit must be positive / limit 必须为正数")
	}
	if window <= 0 {
		window = time.Minute
	}
	return window, nil
}

// SlidingWindowLimiter 用 Redis 有序集合实现滑动窗口：
// 每次请求记一条成员，分数为微秒时间戳，窗口外的成员先被清理。
type SlidingWindowLimiter struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

var _ Limiter = (*SlidingWindowLimiter)(nil)

// NewSlidingWindowLimiter 创建 Redis 滑动窗口限流器，prefix 例如 "server_api_rate_limit"。
func NewSlidingWindowLimiter(client redis.UniversalClient, prefix string) *SlidingWindowLimiter {
	return &SlidingWindowLimiter{client: client, prefix: prefix, now: time.Now}
}

func (l *SlidingWindowLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (RateResult, error) {
	if l == nil || l.client == nil {
		return RateResult{}, fmt.Errorf("rate limiter not initialized / 限流器未初始化")
	}
	window, err := validateLimit(limit, window)
	if err != nil {
		return RateResult{}, err
	}

	now := l.now()
	redisKey := l.prefix + ":" + key
	windowStart := now.Add(-window).UnixMicro()

	member := uuid.NewString()

	pipe := l.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "-inf", fmt.Sprintf("(%d", windowStart))
	card := pipe.ZCard(ctx, redisKey)
	oldest := pipe.ZRangeWithScores(ctx, redisKey, 0, 0)
	pipe.ZAdd(ctx, redisKey, redis.Z{Score: float64(now.UnixMicro()), Member: member})
	pipe.PExpire(ctx, redisKey, window+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return RateResult{}, fmt.Errorf("rate limit pipeline: %w", err)
	}

	count := int(card.Val())
	resetAt := now.Add(window)
	if first := oldest.Val(); len(first) > 0 {
		resetAt = time.UnixMicro(int64(first[0].Score)).Add(window)
	}
	if count >= limit {
		// 被拒绝的请求不占用额度。
		_ = l.undo(ctx, redisKey, member)
		return RateResult{Allowed: false, ResetAt: resetAt}, nil
	}
	return RateResult{Allowed: true, Remaining: limit - count - 1, ResetAt: resetAt}, nil
}

func (l *SlidingWindowLimiter) undo(ctx context.Context, redisKey, member string) error {
	if err := l.client.ZRem(ctx, redisKey, member).Err(); err != nil {
		return fmt.Errorf("rate limit undo: %w", err)
	}
	return nil
}

// CacheLimiter 基于 cache.Store 的滑动窗口，快速存储为内存驱动时使用。
// 每个 key 保存窗口内已放行请求的微秒时间戳，语义与 SlidingWindowLimiter 一致：
// 任意长度为 window 的区间内最多放行 limit 次，窗口边界不会出现双倍突发。
type CacheLimiter struct {
	mu    sync.Mutex
	store cache.Store
	now   func() time.Time
}

var _ Limiter = (*CacheLimiter)(nil)

// NewCacheLimiter 使用缓存存储构建限流器。
func NewCacheLimiter(store cache.Store, prefix string) (*CacheLimiter, error) {
	if store == nil {
		return nil, fmt.Errorf("rate limiter requires cache store / 限流器需要缓存存储")
	}
	return &CacheLimiter{store: store.Namespace(prefix), now: time.Now}, nil
}

func (l *CacheLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (RateResult, error) {
	if l == nil || l.store == nil {
		return RateResult{}, fmt.Errorf("rate limiter not initialized / 限流器未初始化")
	}
	window, err := validateLimit(limit, window)
	if err != nil {
		return RateResult{}, err
	}

	// 读-改-写在进程内串行；内存驱动本来就是单实例。
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	var hits []int64
	if _, err := l.store.GetJSON(ctx, key, &hits); err != nil {
		return RateResult{}, fmt.Errorf("load rate limit window failed / 读取限流窗口失败: %w", err)
	}
	windowStart := now.Add(-window).UnixMicro()
	kept := hits[:0]
	for _, at := range hits {
		if at >= windowStart {
			kept = append(kept, at)
		}
	}

	resetAt := now.Add(window)
	if len(kept) > 0 {
		resetAt = time.UnixMicro(kept[0]).Add(window)
	}
	if len(kept) >= limit {
		// 被拒绝的请求不占用额度。
		return RateResult{Allowed: false, ResetAt: resetAt}, nil
	}

	kept = append(kept, now.UnixMicro())
	if err := l.store.SetJSON(ctx, key, kept, window+time.Second); err != nil {
		return RateResult{}, fmt.Errorf("save rate limit window failed / 保存限流窗口失败: %w", err)
	}
	return RateResult{Allowed: true, Remaining: limit - len(kept), ResetAt: resetAt}, nil
}
