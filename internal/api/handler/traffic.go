// 文件路径: internal/api/handler/traffic.go
// 模块说明: 这是 internal 模块里的 traffic 逻辑，下面的注释会用非常通俗的中文帮你理解每一步。
package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/creamcroissant/sspanel/internal/api/requestctx"
	"github.com/creamcroissant/sspanel/internal/service"
)

// TrafficService accepts usage reports and counter resets.
type TrafficService interface {
	Report(ctx context.Context, report service.TrafficReport) (*service.ReportResult, error)
	Reset(ctx context.Context, sid int64, reason string) (*service.ResetResult, error)
}

// TrafficHandler serves /traffic/report and /traffic/reset.
type TrafficHandler struct {
	Traffic TrafficService
	Logger  *slog.Logger
}

func NewTrafficHandler(traffic TrafficService, logger *slog.Logger) *TrafficHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &TrafficHandler{Traffic: traffic, Logger: logger}
}

type resetRequest struct {
	SID    int64  `json:"sid"`
	Reason string `json:"reason"`
}

// Report POST /traffic/report
func (h *TrafficHandler) Report(w http.ResponseWriter, r *http.Request) {
	var report service.TrafficReport
	if err := decodeJSON(r, &report); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if report.NodeID <= 0 {
		respondError(w, http.StatusBadRequest, "node_id is required")
		return
	}
	if !requestctx.NodeFromContext(r.Context()).Identity.CanAccessNode(report.NodeID) {
		respondError(w, http.StatusForbidden, "forbidden")
		return
	}
	result, err := h.Traffic.Report(r.Context(), report)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// Reset POST /traffic/reset，仅全局密钥可以调用。
func (h *TrafficHandler) Reset(w http.ResponseWriter, r *http.Request) {
	identity := requestctx.NodeFromContext(r.Context()).Identity
	if identity == nil || !identity.Global {
		respondError(w, http.StatusForbidden, "forbidden")
		return
	}
	var req resetRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SID <= 0 {
		respondError(w, http.StatusBadRequest, "sid is required")
		return
	}
	result, err := h.Traffic.Reset(r.Context(), req.SID, req.Reason)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (h *TrafficHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidRequest):
		respondError(w, http.StatusBadRequest, "invalid request")
	case errors.Is(err, service.ErrNotFound):
		respondError(w, http.StatusNotFound, "user not found")
	case errors.Is(err, service.ErrUpstream):
		// 节点收到 503 后应退避重试。
		h.Logger.ErrorContext(r.Context(), "traffic store unavailable", "path", r.URL.Path, "error", err)
		respondError(w, http.StatusServiceUnavailable, "traffic store unavailable")
	default:
		h.Logger.ErrorContext(r.Context(), "traffic request failed", "path", r.URL.Path, "error", err)
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}
