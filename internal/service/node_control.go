// 文件路径: internal/service/node_control.go
// 模块说明: 这是 internal 模块里的 node_control 逻辑，下面的注释会用非常通俗的中文帮你理解每一步。
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/creamcroissant/sspanel/internal/credential"
	"github.com/creamcroissant/sspanel/internal/faststore"
	"github.com/creamcroissant/sspanel/internal/repository"
)

// NodeView 是节点接口返回的节点信息，包含快速存储里的实时状态。
type NodeView struct {
	ID              int64           `json:"id"`
	Name            string          `json:"name"`
	Host            string          `json:"host"`
	Port            int             `json:"port"`
	Type            string          `json:"type"`
	Cipher          string          `json:"cipher"`
	Settings        json.RawMessage `json:"settings,omitempty"`
	GroupID         int64           `json:"group_id"`
	Sort            int64           `json:"sort"`
	OnlineUser      int64           `json:"online_user"`
	MaxUser         int64           `json:"max_user"`
	Load            float64         `json:"load"`
	LastHeartbeatAt int64           `json:"last_heartbeat_at"`
	CreatedAt       int64           `json:"created_at"`
}

// HeartbeatInput 是节点心跳上报的内容。
type HeartbeatInput struct {
	OnlineUser int64   `json:"online_user"`
	Load       float64 `json:"load"`
}

// NodeUserView 是下发给节点的用户条目。
type NodeUserView struct {
	ID          int64  `json:"id"`
	UUID        string `json:"uuid"`
	Password    string `json:"password,omitempty"`
	SpeedLimit  *int64 `json:"speed_limit"`
	DeviceLimit *int64 `json:"device_limit"`
	Enabled     bool   `json:"enabled"`
}

// NodeUsersResult 带上下一次增量同步使用的水位。
type NodeUsersResult struct {
	Users     []NodeUserView `json:"users"`
	Timestamp int64          `json:"timestamp"`
}

// NodeControl 实现节点控制面：节点列表、心跳、用户同步。
type NodeControl struct {
	catalog *NodeCatalog
	nodes   repository.NodeRepository
	users   repository.UserRepository
	store   faststore.Store
	logger  *slog.Logger
	now     func() time.Time
}

// NewNodeControl 组装节点控制服务。
func NewNodeControl(catalog *NodeCatalog, nodes repository.NodeRepository, users repository.UserRepository, store faststore.Store, logger *slog.Logger) *NodeControl {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &NodeControl{catalog: catalog, nodes: nodes, users: users, store: store, logger: logger, now: time.Now}
}

// List 返回全部启用节点，并合并 node_status 中的在线人数与负载。
func (s *NodeControl) List(ctx context.Context) ([]NodeView, error) {
	nodes, err := s.catalog.Enabled(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]NodeView, 0, len(nodes))
	for _, node := range nodes {
		view := toNodeView(node)
		s.mergeLiveStatus(ctx, &view)
		views = append(views, view)
	}
	return views, nil
}

// Get 返回单个节点（走目录缓存）。
func (s *NodeControl) Get(ctx context.Context, id int64) (*NodeView, error) {
	node, err := s.catalog.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	view := toNodeView(node)
	s.mergeLiveStatus(ctx, &view)
	return &view, nil
}

// mergeLiveStatus 状态读取失败时保留数据库里的值。
func (s *NodeControl) mergeLiveStatus(ctx context.Context, view *NodeView) {
	if s.store == nil {
		return
	}
	status, err := s.store.NodeStatus(ctx, view.ID)
	if err != nil {
		s.logger.DebugContext(ctx, "node status unavailable", "node_id", view.ID, "error", err)
		return
	}
	if status == nil {
		return
	}
	view.OnlineUser = status.OnlineUser
	view.Load = status.Load
}

// Heartbeat 写入节点行与 node_status，并让节点缓存失效。
func (s *NodeControl) Heartbeat(ctx context.Context, id int64, input HeartbeatInput) error {
	if id <= 0 || input.OnlineUser < 0 || input.Load < 0 {
		return ErrInvalidRequest
	}
	now := s.now().Unix()
	err := s.nodes.UpdateHeartbeat(ctx, id, repository.NodeHeartbeat{OnlineUser: input.OnlineUser, Load: input.Load, At: now})
	if err != nil {
		return s.catalog.wrap(err, "heartbeat node %d", id)
	}
	if s.store != nil {
		status := faststore.NodeStatus{OnlineUser: input.OnlineUser, Load: input.Load, UpdatedAt: now}
		if err := s.store.SetNodeStatus(ctx, id, status); err != nil {
			s.logger.WarnContext(ctx, "write node status failed", "node_id", id, "error", err)
		}
	}
	s.catalog.Invalidate(ctx, id)
	return nil
}

// NodeUsers 返回节点所在分组的用户，password 为该节点派生出的凭据。
func (s *NodeControl) NodeUsers(ctx context.Context, id int64, since *int64) (*NodeUsersResult, error) {
	node, err := s.catalog.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.groupUsers(ctx, node.GroupID, since, node)
}

// GroupUsers 返回分组内的用户（不包含派生密码）。
func (s *NodeControl) GroupUsers(ctx context.Context, groupID int64, since *int64) (*NodeUsersResult, error) {
	if groupID < 0 {
		return nil, ErrInvalidRequest
	}
	return s.groupUsers(ctx, groupID, since, nil)
}

// groupUsers 无水位时只返回可用用户；带水位时返回水位之后变更的全部行，
// 停用或过期的行 enabled=false，节点据此剔除。
func (s *NodeControl) groupUsers(ctx context.Context, groupID int64, since *int64, node *repository.Node) (*NodeUsersResult, error) {
	now := s.now().Unix()
	var (
		rows []*repository.NodeUser
		err  error
	)
	if since != nil {
		if *since < 0 {
			return nil, ErrInvalidRequest
		}
		rows, err = s.users.ListChangedForGroup(ctx, groupID, *since)
	} else {
		rows, err = s.users.ListForGroup(ctx, groupID, now)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: list users for group %d: %v", ErrUpstream, groupID, err)
	}

	result := &NodeUsersResult{Users: make([]NodeUserView, 0, len(rows)), Timestamp: now}
	var watermark int64
	for _, row := range rows {
		view := NodeUserView{
			ID:          row.ID,
			UUID:        row.UUID,
			SpeedLimit:  row.SpeedLimit,
			DeviceLimit: row.DeviceLimit,
			Enabled:     row.Enabled && (row.ExpiredAt == 0 || row.ExpiredAt > now),
		}
		if node != nil {
			password, err := credential.DerivePassword(node.Cipher, node.CreatedAt, row.UUID)
			if err != nil {
				// 密钥格式坏了就下发停用，节点把这个用户踢掉。
				s.logger.Warn("cannot derive node password", "node_id", node.ID, "user_id", row.ID, "error", err)
				view.Enabled = false
			}
			view.Password = password
		}
		result.Users = append(result.Users, view)
		if row.UpdatedAt > watermark {
			watermark = row.UpdatedAt
		}
	}
	if since != nil {
		// 水位取已返回行的最大 updated_at，没有变更时原样返回。
		// 查询是 >=，水位所在那一秒的行下次会重发。
		result.Timestamp = *since
		if watermark > *since {
			result.Timestamp = watermark
		}
	}
	return result, nil
}

func toNodeView(node *repository.Node) NodeView {
	return NodeView{
		ID:              node.ID,
		Name:            node.Name,
		Host:            node.Host,
		Port:            node.Port,
		Type:            node.Type,
		Cipher:          node.Cipher,
		Settings:        node.Settings,
		GroupID:         node.GroupID,
		Sort:            node.Sort,
		OnlineUser:      node.OnlineUser,
		MaxUser:         node.MaxUser,
		Load:            node.Load,
		LastHeartbeatAt: node.LastHeartbeatAt,
		CreatedAt:       node.CreatedAt,
	}
}
