// 文件路径: internal/api/handler/node.go
// 模块说明: 这是 internal 模块里的 node 逻辑，下面的注释会用非常通俗的中文帮你理解每一步。
package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/creamcroissant/sspanel/internal/api/requestctx"
	"github.com/creamcroissant/sspanel/internal/service"
)

// NodeController is the node control plane used by the handlers.
type NodeController interface {
	List(ctx context.Context) ([]service.NodeView, error)
	Get(ctx context.Context, id int64) (*service.NodeView, error)
	Heartbeat(ctx context.Context, id int64, input service.HeartbeatInput) error
	NodeUsers(ctx context.Context, id int64, since *int64) (*service.NodeUsersResult, error)
	GroupUsers(ctx context.Context, groupID int64, since *int64) (*service.NodeUsersResult, error)
}

// NodeHandler handles node callbacks under /api/v1/server.
type NodeHandler struct {
	Control NodeController
	Logger  *slog.Logger
}

func NewNodeHandler(control NodeController, logger *slog.Logger) *NodeHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &NodeHandler{Control: control, Logger: logger}
}

// ListNodes GET /nodes
func (h *NodeHandler) ListNodes(w http.ResponseWriter, r *http.Request) {
	identity := requestctx.NodeFromContext(r.Context()).Identity
	nodes, err := h.Control.List(r.Context())
	if err != nil {
		h.fail(w, r, "list nodes", err)
		return
	}
	visible := make([]service.NodeView, 0, len(nodes))
	for _, node := range nodes {
		if identity.CanAccessNode(node.ID) {
			visible = append(visible, node)
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{"nodes": visible})
}

// GetNode GET /nodes/{id}
func (h *NodeHandler) GetNode(w http.ResponseWriter, r *http.Request) {
	id, ok := h.nodeParam(w, r)
	if !ok {
		return
	}
	node, err := h.Control.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, "get node", err)
		return
	}
	respondJSON(w, http.StatusOK, node)
}

// Heartbeat POST /nodes/{id}/heartbeat
func (h *NodeHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	id, ok := h.nodeParam(w, r)
	if !ok {
		return
	}
	var input service.HeartbeatInput
	if err := decodeJSON(r, &input); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.Control.Heartbeat(r.Context(), id, input); err != nil {
		h.fail(w, r, "heartbeat", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// NodeUsers GET /nodes/{id}/users[?timestamp=T]
func (h *NodeHandler) NodeUsers(w http.ResponseWriter, r *http.Request) {
	id, ok := h.nodeParam(w, r)
	if !ok {
		return
	}
	since, ok := optionalInt64(r, "timestamp")
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid timestamp")
		return
	}
	result, err := h.Control.NodeUsers(r.Context(), id, since)
	if err != nil {
		h.fail(w, r, "node users", err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// GroupUsers GET /groups/{id}/users[?timestamp=T]
func (h *NodeHandler) GroupUsers(w http.ResponseWriter, r *http.Request) {
	groupID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || groupID < 0 {
		respondError(w, http.StatusBadRequest, "invalid group id")
		return
	}
	if !requestctx.NodeFromContext(r.Context()).Identity.CanAccessGroup(groupID) {
		respondError(w, http.StatusForbidden, "forbidden")
		return
	}
	since, ok := optionalInt64(r, "timestamp")
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid timestamp")
		return
	}
	result, err := h.Control.GroupUsers(r.Context(), groupID, since)
	if err != nil {
		h.fail(w, r, "group users", err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// nodeParam 解析 {id} 并检查节点密钥的作用范围。
func (h *NodeHandler) nodeParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, ok := pathID(r, "id")
	if !ok {
		respondError(w, http.StatusBadRequest, "invalid node id")
		return 0, false
	}
	if !requestctx.NodeFromContext(r.Context()).Identity.CanAccessNode(id) {
		respondError(w, http.StatusForbidden, "forbidden")
		return 0, false
	}
	return id, true
}

func (h *NodeHandler) fail(w http.ResponseWriter, r *http.Request, action string, err error) {
	status, message := nodeStatus(err)
	if status >= http.StatusInternalServerError {
		h.Logger.ErrorContext(r.Context(), "node api failed", "action", action, "path", r.URL.Path, "error", err)
	}
	respondError(w, status, message)
}

func nodeStatus(err error) (int, string) {
	switch {
	case errors.Is(err, service.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid request"
	case errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, service.ErrUpstream):
		return http.StatusBadGateway, "store unavailable"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}
