// 文件路径: internal/faststore/store.go
// 模块说明: 这是 internal 模块里的 faststore 逻辑，下面的注释会用非常通俗的中文帮你理解每一步。
package faststore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrUnavailable 表示快速存储整体不可用，调用方应返回传输层错误。
var ErrUnavailable = errors.New("faststore: unavailable / 快速存储不可用")

// UsageEntry 是节点上报的一条用户流量增量。
type UsageEntry struct {
	UserID   int64
	Upload   int64
	Download int64
}

// Counter 是某个实体当天的累计值。
type Counter struct {
	Upload   int64 `json:"u"`
	Download int64 `json:"d"`
}

// NodeStatus 是节点最近一次上报的实时状态（后写覆盖）。
type NodeStatus struct {
	OnlineUser int64   `json:"online_user"`
	Load       float64 `json:"load"`
	UpdatedAt  int64   `json:"updated_at"`
}

// AccessRecord 是一次成功订阅的访问记录。
type AccessRecord struct {
	IP     string `json:"ip"`
	At     int64  `json:"at"`
	Format string `json:"format"`
}

// Store 定义流量计数、节点状态、访问记录与对账锁所需的操作。
// 所有计数更新都必须是存储端原子自增，禁止应用层读改写。
type Store interface {
	// IncrUsage adds every entry to the user and node day buckets and
	// returns the node's running totals for that day.
	IncrUsage(ctx context.Context, day string, nodeID int64, entries []UsageEntry) (Counter, error)
	UserSnapshot(ctx context.Context, day string) (map[int64]Counter, error)
	NodeSnapshot(ctx context.Context, day string) (map[int64]Counter, error)

	SetNodeStatus(ctx context.Context, nodeID int64, status NodeStatus) error
	// NodeStatus returns nil when the node has not reported recently.
	NodeStatus(ctx context.Context, nodeID int64) (*NodeStatus, error)

	RecordAccess(ctx context.Context, userID int64, record AccessRecord) error
	AccessHistory(ctx context.Context, userID int64) ([]AccessRecord, map[string]int64, error)

	// AcquireLock returns ok=false when another holder owns the lock.
	AcquireLock(ctx context.Context, name string, ttl time.Duration) (release func(context.Context) error, ok bool, err error)
	Ping(ctx context.Context) error
}

// Options 控制 key 的 TTL 与访问记录容量。
type Options struct {
	KeyPrefix   string
	CounterTTL  time.Duration
	StatusTTL   time.Duration
	HistorySize int
	HistoryTTL  time.Duration
}

func (o Options) withDefaults() Options {
	if o.CounterTTL <= 0 {
		o.CounterTTL = 72 * time.Hour
	}
	if o.StatusTTL <= 0 {
		o.StatusTTL = 10 * time.Minute
	}
	if o.HistorySize <= 0 {
		o.HistorySize = 10
	}
	if o.HistoryTTL <= 0 {
		o.HistoryTTL = 30 * 24 * time.Hour
	}
	return o
}

// DayKey 把时间转成 UTC 的 YYYYMMDD。
func DayKey(t time.Time) string {
	return t.UTC().Format("20060102")
}

// ParseDay 解析 DayKey 的结果，返回当天 00:00 UTC。
func ParseDay(day string) (time.Time, error) {
	t, err := time.ParseInLocation("20060102", day, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("faststore: invalid day %q: %w", day, err)
	}
	return t, nil
}

type keys struct {
	prefix string
}

func (k keys) key(parts ...string) string {
	joined := strings.Join(parts, ":")
	if k.prefix == "" {
		return joined
	}
	return k.prefix + ":" + joined
}

func (k keys) userTraffic(day string) string { return k.key("traffic_report", "users", day) }
func (k keys) nodeTraffic(day string) string { return k.key("traffic_report", "nodes", day) }
func (k keys) nodeStatus(id int64) string    { return k.key("node_status", itoa(id)) }
func (k keys) userAccess(id int64) string    { return k.key("user_data", itoa(id), "access") }
func (k keys) userFormats(id int64) string   { return k.key("user_data", itoa(id), "formats") }
func (k keys) lock(name string) string       { return k.key(name) }

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}

// 计数 hash 的字段形如 "{id}:u" / "{id}:d"。
func counterField(id int64, dir string) string {
	return itoa(id) + ":" + dir
}

func parseCounterField(field string) (int64, string, bool) {
	idx := strings.LastIndexByte(field, ':')
	if idx <= 0 || idx == len(field)-1 {
		return 0, "", false
	}
	id, err := strconv.ParseInt(field[:idx], 10, 64)
	if err != nil || id <= 0 {
		return 0, "", false
	}
	dir := field[idx+1:]
	if dir != "u" && dir != "d" {
		return 0, "", false
	}
	return id, dir, true
}

// foldCounters 把 hash 字段还原成按实体聚合的计数。
func foldCounters(fields map[string]string) map[int64]Counter {
	out := make(map[int64]Counter)
	for field, raw := range fields {
		id, dir, ok := parseCounterField(field)
		if !ok {
			continue
		}
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		c := out[id]
		if dir == "u" {
			c.Upload = value
		} else {
			c.Download = value
		}
		out[id] = c
	}
	return out
}
