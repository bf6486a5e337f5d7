// 文件路径: internal/bootstrap/redis.go
// 模块说明: 这是 internal 模块里的 redis 逻辑，下面的注释会用非常通俗的中文帮你理解每一步。
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"github.com/creamcroissant/sspanel/internal/config"
)

// OpenRedis 连接快速存储，启动时按指数退避重试 ping，超过 connect_retry 仍失败则放弃。
func OpenRedis(ctx context.Context, cfg config.FastStoreConfig, logger *slog.Logger) (*redis.Client, error) {
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: dialTimeout,
	})

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxInterval = 5 * time.Second
	policy.MaxElapsedTime = cfg.ConnectRetry
	if policy.MaxElapsedTime <= 0 {
		policy.MaxElapsedTime = 30 * time.Second
	}

	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		return client.Ping(ctx).Err()
	}, backoff.WithContext(policy, ctx), func(err error, wait time.Duration) {
		if logger != nil {
			logger.Warn("fast store not ready, retrying", "addr", cfg.Addr, "attempt", attempt, "wait", wait, "error", err)
		}
	})
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect fast store %s: %w", cfg.Addr, err)
	}
	return client, nil
}
