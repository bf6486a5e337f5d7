// 文件路径: internal/service/traffic.go
// 模块说明: 这是 internal 模块里的 traffic 逻辑，下面的注释会用非常通俗的中文帮你理解每一步。
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/creamcroissant/sspanel/internal/faststore"
	"github.com/creamcroissant/sspanel/internal/repository"
	"github.com/creamcroissant/sspanel/internal/security"
)

const maxReportErrors = 10

// TrafficEntry 是节点上报的一条用户用量。
type TrafficEntry struct {
	UserID   int64 `json:"user_id"`
	Upload   int64 `json:"u"`
	Download int64 `json:"d"`
}

// TrafficReport 是一次批量上报。
type TrafficReport struct {
	NodeID  int64          `json:"node_id"`
	Entries []TrafficEntry `json:"data"`
}

// ReportResult 记录部分成功的情况，单条失败不会让整批失败。
type ReportResult struct {
	Processed    int      `json:"processed"`
	Failed       int      `json:"failed"`
	Total        int      `json:"total"`
	Errors       []string `json:"errors"`
	NodeUpload   int64    `json:"node_upload"`
	NodeDownload int64    `json:"node_download"`
	Online       int      `json:"online"`
}

// ResetResult 是重置前的用量快照。
type ResetResult struct {
	SID      int64 `json:"sid"`
	Upload   int64 `json:"upload"`
	Download int64 `json:"download"`
	Total    int64 `json:"total"`
	ResetAt  int64 `json:"reset_at"`
}

// TrafficIngestor 把节点上报的增量原子地累加进快速存储的日桶。
type TrafficIngestor struct {
	store     faststore.Store
	users     repository.UserRepository
	directory *UserDirectory
	audit     security.Recorder
	metrics   *Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// NewTrafficIngestor 组装流量服务依赖。
func NewTrafficIngestor(store faststore.Store, users repository.UserRepository, directory *UserDirectory, audit security.Recorder, metrics *Metrics, logger *slog.Logger) *TrafficIngestor {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &TrafficIngestor{
		store:     store,
		users:     users,
		directory: directory,
		audit:     audit,
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
	}
}

// Report 处理一批上报：用户桶与节点桶分别自增，在线人数按批次长度覆盖写入。
// 只有快速存储整体不可用时才返回错误（包装 ErrUpstream），节点应退避重试。
func (t *TrafficIngestor) Report(ctx context.Context, report TrafficReport) (*ReportResult, error) {
	if report.NodeID <= 0 {
		return nil, ErrInvalidRequest
	}
	result := &ReportResult{Total: len(report.Entries), Errors: []string{}}
	valid := make([]faststore.UsageEntry, 0, len(report.Entries))
	for i, entry := range report.Entries {
		if msg := validateEntry(entry); msg != "" {
			result.Failed++
			if len(result.Errors) < maxReportErrors {
				result.Errors = append(result.Errors, fmt.Sprintf("entry %d: %s", i, msg))
			}
			continue
		}
		valid = append(valid, faststore.UsageEntry{UserID: entry.UserID, Upload: entry.Upload, Download: entry.Download})
	}

	now := t.now()
	totals, err := t.store.IncrUsage(ctx, faststore.DayKey(now), report.NodeID, valid)
	if err != nil {
		t.logger.ErrorContext(ctx, "traffic report failed", "node_id", report.NodeID, "entries", len(valid), "error", err)
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	result.Processed = len(valid)
	result.NodeUpload = totals.Upload
	result.NodeDownload = totals.Download
	result.Online = len(report.Entries)
	t.metrics.observeTraffic(result.Processed, result.Failed)

	t.updateOnline(ctx, report.NodeID, int64(result.Online), now)
	if result.Failed > 0 {
		t.logger.DebugContext(ctx, "traffic report partially rejected", "node_id", report.NodeID, "failed", result.Failed)
	}
	return result, nil
}

func validateEntry(entry TrafficEntry) string {
	switch {
	case entry.UserID <= 0:
		return "missing user_id"
	case entry.Upload < 0 || entry.Download < 0:
		return "negative traffic"
	default:
		return ""
	}
}

// updateOnline 覆盖写入在线人数并保留心跳上报的负载，失败只记日志。
func (t *TrafficIngestor) updateOnline(ctx context.Context, nodeID, online int64, now time.Time) {
	status := faststore.NodeStatus{OnlineUser: online, UpdatedAt: now.Unix()}
	if current, err := t.store.NodeStatus(ctx, nodeID); err == nil && current != nil {
		status.Load = current.Load
	}
	if err := t.store.SetNodeStatus(ctx, nodeID, status); err != nil {
		t.logger.WarnContext(ctx, "update node online count failed", "node_id", nodeID, "error", err)
	}
}

// Reset 清零用户的累计用量并返回清零前的快照。
func (t *TrafficIngestor) Reset(ctx context.Context, sid int64, reason string) (*ResetResult, error) {
	if sid <= 0 {
		return nil, ErrInvalidRequest
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "manual"
	}
	now := t.now()
	reset, err := t.users.ResetTraffic(ctx, sid, reason, now.Unix())
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: reset traffic %d: %v", ErrUpstream, sid, err)
	}
	if t.directory != nil {
		t.directory.Invalidate(ctx, sid)
	}
	if t.audit != nil {
		t.audit.Record(ctx, security.Event{
			Kind:    security.EventTrafficReset,
			Subject: strconv.FormatInt(sid, 10),
			Metadata: map[string]any{
				"reason":   reason,
				"upload":   reset.Upload,
				"download": reset.Download,
			},
			Occurred: now,
		})
	}
	return &ResetResult{
		SID:      sid,
		Upload:   reset.Upload,
		Download: reset.Download,
		Total:    reset.Upload + reset.Download,
		ResetAt:  reset.CreatedAt,
	}, nil
}
