// 文件路径: internal/faststore/memory.go
// 模块说明: 单实例/开发环境使用的内存版快速存储，用互斥锁保证计数原子性。
package faststore

import (
	"context"
	"sync"
	"time"
)

type dayBucket struct {
	users     map[int64]Counter
	nodes     map[int64]Counter
	expiresAt time.Time
}

type accessBucket struct {
	records   []AccessRecord
	formats   map[string]int64
	expiresAt time.Time
}

type statusEntry struct {
	status    NodeStatus
	expiresAt time.Time
}

// MemoryStore 在进程内保存计数，重启即丢失。
type MemoryStore struct {
	mu     sync.Mutex
	opts   Options
	now    func() time.Time
	days   map[string]*dayBucket
	status map[int64]statusEntry
	access map[int64]*accessBucket
	locks  map[string]time.Time
}

// sweepLocked 清掉所有已过期的条目；只按 key 读取不会删除旧日期的桶，
// 长期运行的进程靠写路径在这里回收内存。调用方必须持有 mu。
func (m *MemoryStore) sweepLocked() {
	now := m.now()
	for day, b := range m.days {
		if now.After(b.expiresAt) {
			delete(m.days, day)
		}
	}
	for id, b := range m.access {
		if now.After(b.expiresAt) {
			delete(m.access, id)
		}
	}
	for id, entry := range m.status {
		if now.After(entry.expiresAt) {
			delete(m.status, id)
		}
	}
	for name, exp := range m.locks {
		if !now.Before(exp) {
			delete(m.locks, name)
		}
	}
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore 创建空的内存存储。
func NewMemoryStore(opts Options) *MemoryStore {
	return &MemoryStore{
		opts:   opts.withDefaults(),
		now:    time.Now,
		days:   make(map[string]*dayBucket),
		status: make(map[int64]statusEntry),
		access: make(map[int64]*accessBucket),
		locks:  make(map[string]time.Time),
	}
}

func (m *MemoryStore) bucket(day string, create bool) *dayBucket {
	b, ok := m.days[day]
	if ok && m.now().After(b.expiresAt) {
		delete(m.days, day)
		ok = false
	}
	if !ok {
		if !create {
			return nil
		}
		b = &dayBucket{users: make(map[int64]Counter), nodes: make(map[int64]Counter)}
		m.days[day] = b
	}
	return b
}

func (m *MemoryStore) IncrUsage(_ context.Context, day string, nodeID int64, entries []UsageEntry) (Counter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepLocked()
	b := m.bucket(day, true)
	node := b.nodes[nodeID]
	for _, entry := range entries {
		user := b.users[entry.UserID]
		user.Upload += entry.Upload
		user.Download += entry.Download
		b.users[entry.UserID] = user
		node.Upload += entry.Upload
		node.Download += entry.Download
	}
	b.nodes[nodeID] = node
	b.expiresAt = m.now().Add(m.opts.CounterTTL)
	return node, nil
}

func (m *MemoryStore) UserSnapshot(_ context.Context, day string) (map[int64]Counter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyCounters(m.bucket(day, false), func(b *dayBucket) map[int64]Counter { return b.users }), nil
}

func (m *MemoryStore) NodeSnapshot(_ context.Context, day string) (map[int64]Counter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyCounters(m.bucket(day, false), func(b *dayBucket) map[int64]Counter { return b.nodes }), nil
}

func copyCounters(b *dayBucket, pick func(*dayBucket) map[int64]Counter) map[int64]Counter {
	out := make(map[int64]Counter)
	if b == nil {
		return out
	}
	for id, c := range pick(b) {
		out[id] = c
	}
	return out
}

func (m *MemoryStore) SetNodeStatus(_ context.Context, nodeID int64, status NodeStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status[nodeID] = statusEntry{status: status, expiresAt: m.now().Add(m.opts.StatusTTL)}
	return nil
}

func (m *MemoryStore) NodeStatus(_ context.Context, nodeID int64) (*NodeStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.status[nodeID]
	if !ok || m.now().After(entry.expiresAt) {
		return nil, nil
	}
	status := entry.status
	return &status, nil
}

func (m *MemoryStore) RecordAccess(_ context.Context, userID int64, record AccessRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sweepLocked()
	b, ok := m.access[userID]
	if !ok || m.now().After(b.expiresAt) {
		b = &accessBucket{formats: make(map[string]int64)}
		m.access[userID] = b
	}
	b.records = append([]AccessRecord{record}, b.records...)
	if len(b.records) > m.opts.HistorySize {
		b.records = b.records[:m.opts.HistorySize]
	}
	b.formats[record.Format]++
	b.expiresAt = m.now().Add(m.opts.HistoryTTL)
	return nil
}

func (m *MemoryStore) AccessHistory(_ context.Context, userID int64) ([]AccessRecord, map[string]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.access[userID]
	if !ok || m.now().After(b.expiresAt) {
		return []AccessRecord{}, map[string]int64{}, nil
	}
	records := append([]AccessRecord(nil), b.records...)
	formats := make(map[string]int64, len(b.formats))
	for k, v := range b.formats {
		formats[k] = v
	}
	return records, formats, nil
}

func (m *MemoryStore) AcquireLock(_ context.Context, name string, ttl time.Duration) (func(context.Context) error, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if exp, ok := m.locks[name]; ok && m.now().Before(exp) {
		return nil, false, nil
	}
	exp := m.now().Add(ttl)
	m.locks[name] = exp
	release := func(context.Context) error {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.locks[name].Equal(exp) {
			delete(m.locks, name)
		}
		return nil
	}
	return release, true, nil
}

func (m *MemoryStore) Ping(context.Context) error {
	return nil
}
