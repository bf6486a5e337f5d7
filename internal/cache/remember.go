package cache

import (
	"context"
	"time"
)

// Remember 先查缓存，未命中时调用 load 并回填。
// 缓存读写失败只会退化为直连数据源，load 的错误原样返回。
func Remember[T any](ctx context.Context, store Store, key string, ttl time.Duration, load func(context.Context) (T, error)) (T, error) {
	var cached T
	if store != nil {
		if ok, err := store.GetJSON(ctx, key, &cached); err == nil && ok {
			return cached, nil
		}
	}
	value, err := load(ctx)
	if err != nil {
		return value, err
	}
	if store != nil {
		_ = store.SetJSON(ctx, key, value, ttl)
	}
	return value, nil
}
