// 文件路径: internal/job/reconcile_job.go
// 模块说明: 定时任务，把快速存储里的日桶计数落到 stat_user_daily / stat_node_daily
package job

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/creamcroissant/sspanel/internal/faststore"
	"github.com/creamcroissant/sspanel/internal/repository"
	"github.com/creamcroissant/sspanel/internal/service"
)

// ErrReconcileBusy 表示同一天的对账正在由其他进程执行。
var ErrReconcileBusy = errors.New("reconcile: another run holds the lock / 对账任务正在运行")

// ReconcileResult 汇总一次对账写入的行数。
type ReconcileResult struct {
	Day          string
	UsersWritten int
	NodesWritten int
	Skipped      int
}

// ReconcileJob 读取某天的用户/节点计数快照并按 (实体, 天) 覆盖写入。
// 用户累计用量只加上与已落库快照的正差值，所以重复执行不会重复计数。
type ReconcileJob struct {
	Store     faststore.Store
	StatUsers repository.StatUserRepository
	StatNodes repository.StatNodeRepository
	Nodes     repository.NodeRepository
	Metrics   *service.Metrics
	Logger    *slog.Logger
	LockTTL   time.Duration

	name      string
	dayOffset int
	now       func() time.Time
}

// NewReconcileJob 组装对账任务。dayOffset=0 对当天，-1 对前一天（收尾）。
func NewReconcileJob(name string, dayOffset int, store faststore.Store, statUsers repository.StatUserRepository, statNodes repository.StatNodeRepository, nodes repository.NodeRepository, metrics *service.Metrics, logger *slog.Logger) *ReconcileJob {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &ReconcileJob{
		Store:     store,
		StatUsers: statUsers,
		StatNodes: statNodes,
		Nodes:     nodes,
		Metrics:   metrics,
		Logger:    logger,
		LockTTL:   5 * time.Minute,
		name:      name,
		dayOffset: dayOffset,
		now:       time.Now,
	}
}

// Name 返回任务标识。
func (j *ReconcileJob) Name() string {
	return j.name
}

// Run 供调度器调用；锁被占用时视为正常跳过。
func (j *ReconcileJob) Run(ctx context.Context) error {
	day := j.now().UTC().AddDate(0, 0, j.dayOffset)
	res, err := j.Reconcile(ctx, day)
	if errors.Is(err, ErrReconcileBusy) {
		j.Logger.Debug("reconcile skipped, lock held", "job", j.name, "day", faststore.DayKey(day))
		return nil
	}
	if err != nil {
		return err
	}
	j.Logger.Info("reconcile finished",
		"job", j.name,
		"day", res.Day,
		"users_written", res.UsersWritten,
		"nodes_written", res.NodesWritten,
		"skipped", res.Skipped,
	)
	return nil
}

// Reconcile 对指定日期执行一次对账。
func (j *ReconcileJob) Reconcile(ctx context.Context, day time.Time) (*ReconcileResult, error) {
	if j == nil || j.Store == nil || j.StatUsers == nil || j.StatNodes == nil || j.Nodes == nil {
		return nil, fmt.Errorf("reconcile job dependencies not configured / 对账任务依赖未配置")
	}
	dayKey := faststore.DayKey(day)
	dayStart, err := faststore.ParseDay(dayKey)
	if err != nil {
		return nil, err
	}
	result := &ReconcileResult{Day: dayKey}

	release, ok, err := j.Store.AcquireLock(ctx, "reconcile_lock:"+dayKey, j.LockTTL)
	if err != nil {
		return nil, fmt.Errorf("reconcile %s: acquire lock: %w", dayKey, err)
	}
	if !ok {
		return nil, ErrReconcileBusy
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			j.Logger.Warn("reconcile lock release failed", "day", dayKey, "error", err)
		}
	}()

	users, err := j.Store.UserSnapshot(ctx, dayKey)
	if err != nil {
		return nil, fmt.Errorf("reconcile %s: user snapshot: %w", dayKey, err)
	}
	nodes, err := j.Store.NodeSnapshot(ctx, dayKey)
	if err != nil {
		return nil, fmt.Errorf("reconcile %s: node snapshot: %w", dayKey, err)
	}
	nowUnix := j.now().Unix()

	for _, userID := range sortedIDs(users) {
		counter := users[userID]
		_, err := j.StatUsers.Settle(ctx, repository.UsageRecord{
			EntityID:  userID,
			RecordAt:  dayStart.Unix(),
			Upload:    counter.Upload,
			Download:  counter.Download,
			CreatedAt: nowUnix,
			UpdatedAt: nowUnix,
		})
		if errors.Is(err, repository.ErrNotFound) {
			j.Logger.Warn("reconcile skip deleted user", "day", dayKey, "user_id", userID)
			result.Skipped++
			continue
		}
		if err != nil {
			return result, fmt.Errorf("reconcile %s: settle user %d: %w", dayKey, userID, err)
		}
		result.UsersWritten++
	}

	for _, nodeID := range sortedIDs(nodes) {
		if _, err := j.Nodes.FindByID(ctx, nodeID); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				j.Logger.Warn("reconcile skip deleted node", "day", dayKey, "node_id", nodeID)
				result.Skipped++
				continue
			}
			return result, fmt.Errorf("reconcile %s: load node %d: %w", dayKey, nodeID, err)
		}
		counter := nodes[nodeID]
		err := j.StatNodes.Upsert(ctx, repository.UsageRecord{
			EntityID:  nodeID,
			RecordAt:  dayStart.Unix(),
			Upload:    counter.Upload,
			Download:  counter.Download,
			CreatedAt: nowUnix,
			UpdatedAt: nowUnix,
		})
		if err != nil {
			return result, fmt.Errorf("reconcile %s: upsert node %d: %w", dayKey, nodeID, err)
		}
		result.NodesWritten++
	}

	j.Metrics.ObserveReconcile("user", result.UsersWritten)
	j.Metrics.ObserveReconcile("node", result.NodesWritten)
	return result, nil
}

func sortedIDs(m map[int64]faststore.Counter) []int64 {
	ids := make([]int64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, k int) bool { return ids[i] < ids[k] })
	return ids
}
