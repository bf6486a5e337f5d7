package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// NewRedisStore 创建基于 Redis 的共享缓存，多实例部署时使用。
func NewRedisStore(client redis.UniversalClient, opts Options) Store {
	defaultTTL := opts.DefaultTTL
	if defaultTTL <= 0 {
		defaultTTL = 5 * time.Minute
	}
	return &redisStore{
		client:     client,
		defaultTTL: defaultTTL,
		prefix:     normalizePrefix(opts.Prefix),
	}
}

type redisStore struct {
	client     redis.UniversalClient
	defaultTTL time.Duration
	prefix     string
}

func (s *redisStore) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache encode %s: %w", key, err)
	}
	if err := s.client.Set(ctx, joinKey(s.prefix, key), data, s.normalizeTTL(ttl)).Err(); err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	return nil
}

func (s *redisStore) GetJSON(ctx context.Context, key string, dest any) (bool, error) {
	data, err := s.client.Get(ctx, joinKey(s.prefix, key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("cache get %s: %w", key, err)
	}
	if dest == nil {
		return true, nil
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, err
	}
	return true, nil
}

func (s *redisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, 0, len(keys))
	for _, key := range keys {
		full = append(full, joinKey(s.prefix, key))
	}
	return s.client.Del(ctx, full...).Err()
}

func (s *redisStore) TTL(ctx context.Context, key string) (time.Duration, bool) {
	ttl, err := s.client.PTTL(ctx, joinKey(s.prefix, key)).Result()
	if err != nil || ttl <= 0 {
		return 0, false
	}
	return ttl, true
}

func (s *redisStore) Namespace(prefix string) Store {
	return &redisStore{
		client:     s.client,
		defaultTTL: s.defaultTTL,
		prefix:     joinPrefixes(s.prefix, prefix),
	}
}

func (s *redisStore) Increment(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	full := joinKey(s.prefix, key)
	current, err := s.client.IncrBy(ctx, full, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("cache increment failed: %w", err)
	}
	if current == delta {
		if err := s.client.PExpire(ctx, full, s.normalizeTTL(ttl)).Err(); err != nil {
			return current, fmt.Errorf("cache expire failed: %w", err)
		}
	}
	return current, nil
}

func (s *redisStore) normalizeTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return s.defaultTTL
	}
	return ttl
}
