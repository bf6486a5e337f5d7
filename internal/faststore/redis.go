// 文件路径: internal/faststore/redis.go
// 模块说明: 这是 internal 模块里的 redis 逻辑，下面的注释会用非常通俗的中文帮你理解每一步。
package faststore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisStore 使用 Redis 的 HINCRBY/LPUSH 等原子命令实现 Store。
type RedisStore struct {
	client redis.UniversalClient
	opts   Options
	keys   keys
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore 创建 Redis 实现。
func NewRedisStore(client redis.UniversalClient, opts Options) *RedisStore {
	opts = opts.withDefaults()
	return &RedisStore{client: client, opts: opts, keys: keys{prefix: opts.KeyPrefix}}
}

func (s *RedisStore) IncrUsage(ctx context.Context, day string, nodeID int64, entries []UsageEntry) (Counter, error) {
	userKey := s.keys.userTraffic(day)
	nodeKey := s.keys.nodeTraffic(day)
	nodeUp := counterField(nodeID, "u")
	nodeDown := counterField(nodeID, "d")

	// MULTI/EXEC 一次往返提交整批，用户与节点各自独立计数。
	pipe := s.client.TxPipeline()
	var upCmd, downCmd *redis.IntCmd
	for _, entry := range entries {
		pipe.HIncrBy(ctx, userKey, counterField(entry.UserID, "u"), entry.Upload)
		pipe.HIncrBy(ctx, userKey, counterField(entry.UserID, "d"), entry.Download)
		upCmd = pipe.HIncrBy(ctx, nodeKey, nodeUp, entry.Upload)
		downCmd = pipe.HIncrBy(ctx, nodeKey, nodeDown, entry.Download)
	}
	if len(entries) == 0 {
		upCmd = pipe.HIncrBy(ctx, nodeKey, nodeUp, 0)
		downCmd = pipe.HIncrBy(ctx, nodeKey, nodeDown, 0)
	}
	pipe.Expire(ctx, userKey, s.opts.CounterTTL)
	pipe.Expire(ctx, nodeKey, s.opts.CounterTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return Counter{}, fmt.Errorf("%w: incr usage: %v", ErrUnavailable, err)
	}
	return Counter{Upload: upCmd.Val(), Download: downCmd.Val()}, nil
}

func (s *RedisStore) UserSnapshot(ctx context.Context, day string) (map[int64]Counter, error) {
	return s.snapshot(ctx, s.keys.userTraffic(day))
}

func (s *RedisStore) NodeSnapshot(ctx context.Context, day string) (map[int64]Counter, error) {
	return s.snapshot(ctx, s.keys.nodeTraffic(day))
}

func (s *RedisStore) snapshot(ctx context.Context, key string) (map[int64]Counter, error) {
	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: snapshot %s: %v", ErrUnavailable, key, err)
	}
	return foldCounters(fields), nil
}

func (s *RedisStore) SetNodeStatus(ctx context.Context, nodeID int64, status NodeStatus) error {
	key := s.keys.nodeStatus(nodeID)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key,
		"online_user", status.OnlineUser,
		"load", strconv.FormatFloat(status.Load, 'f', -1, 64),
		"updated_at", status.UpdatedAt,
	)
	pipe.Expire(ctx, key, s.opts.StatusTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: node status: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *RedisStore) NodeStatus(ctx context.Context, nodeID int64) (*NodeStatus, error) {
	fields, err := s.client.HGetAll(ctx, s.keys.nodeStatus(nodeID)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: node status: %v", ErrUnavailable, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	status := &NodeStatus{}
	status.OnlineUser, _ = strconv.ParseInt(fields["online_user"], 10, 64)
	status.Load, _ = strconv.ParseFloat(fields["load"], 64)
	status.UpdatedAt, _ = strconv.ParseInt(fields["updated_at"], 10, 64)
	return status, nil
}

func (s *RedisStore) RecordAccess(ctx context.Context, userID int64, record AccessRecord) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	accessKey := s.keys.userAccess(userID)
	formatsKey := s.keys.userFormats(userID)
	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, accessKey, payload)
	pipe.LTrim(ctx, accessKey, 0, int64(s.opts.HistorySize-1))
	pipe.HIncrBy(ctx, formatsKey, record.Format, 1)
	pipe.Expire(ctx, accessKey, s.opts.HistoryTTL)
	pipe.Expire(ctx, formatsKey, s.opts.HistoryTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: record access: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *RedisStore) AccessHistory(ctx context.Context, userID int64) ([]AccessRecord, map[string]int64, error) {
	raw, err := s.client.LRange(ctx, s.keys.userAccess(userID), 0, -1).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: access history: %v", ErrUnavailable, err)
	}
	records := make([]AccessRecord, 0, len(raw))
	for _, item := range raw {
		var rec AccessRecord
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	fields, err := s.client.HGetAll(ctx, s.keys.userFormats(userID)).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: access history: %v", ErrUnavailable, err)
	}
	formats := make(map[string]int64, len(fields))
	for format, value := range fields {
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			continue
		}
		formats[format] = n
	}
	return records, formats, nil
}

// 只有持有者本人才能释放锁。
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func (s *RedisStore) AcquireLock(ctx context.Context, name string, ttl time.Duration) (func(context.Context) error, bool, error) {
	key := s.keys.lock(name)
	owner := uuid.NewString()
	ok, err := s.client.SetNX(ctx, key, owner, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("%w: lock %s: %v", ErrUnavailable, name, err)
	}
	if !ok {
		return nil, false, nil
	}
	release := func(ctx context.Context) error {
		err := releaseScript.Run(ctx, s.client, []string{key}, owner).Err()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("release lock %s: %w", name, err)
		}
		return nil
	}
	return release, true, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
