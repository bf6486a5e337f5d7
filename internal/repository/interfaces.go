// 文件路径: internal/repository/interfaces.go
// 模块说明: 这是 internal 模块里的 interfaces 逻辑，下面的注释会用非常通俗的中文帮你理解每一步。
package repository

import "context"

// Store 暴露每个聚合根对应的仓储接口。
type Store interface {
	Users() UserRepository
	Nodes() NodeRepository
	StatUsers() StatUserRepository
	StatNodes() StatNodeRepository
	Ping(ctx context.Context) error
}

// UserRepository 定义用户相关数据访问方法。
type UserRepository interface {
	FindByID(ctx context.Context, id int64) (*User, error)
	Create(ctx context.Context, user *User) error
	// UpdateSecret rotates the stable secret and bumps updated_at.
	UpdateSecret(ctx context.Context, id int64, uuid string) error
	// ResetTraffic zeroes u/d and returns the values held before the reset.
	ResetTraffic(ctx context.Context, id int64, reason string, nowUnix int64) (*TrafficReset, error)
	// ListForGroup returns users eligible for nodes of the given group (0 = every group).
	ListForGroup(ctx context.Context, groupID int64, nowUnix int64) ([]*NodeUser, error)
	// ListChangedForGroup returns every row updated at or after the watermark, eligible or not.
	ListChangedForGroup(ctx context.Context, groupID int64, since int64) ([]*NodeUser, error)
}

// NodeRepository 定义节点数据访问方法。
type NodeRepository interface {
	FindByID(ctx context.Context, id int64) (*Node, error)
	FindByAPIKey(ctx context.Context, key string) (*Node, error)
	// ListEnabled returns enabled nodes ordered by sort priority.
	ListEnabled(ctx context.Context) ([]*Node, error)
	// ListForGroup returns enabled nodes visible to a user of the given group.
	ListForGroup(ctx context.Context, groupID int64) ([]*Node, error)
	Create(ctx context.Context, node *Node) error
	UpdateHeartbeat(ctx context.Context, id int64, hb NodeHeartbeat) error
}

// StatUserRepository 负责 stat_user_daily。
type StatUserRepository interface {
	// Settle overwrites the (user, day) row and moves the positive difference
	// into the user's cumulative counters inside one transaction.
	Settle(ctx context.Context, record UsageRecord) (SettleResult, error)
	Find(ctx context.Context, userID int64, recordAt int64) (*UsageRecord, error)
	ListByDay(ctx context.Context, recordAt int64) ([]UsageRecord, error)
}

// StatNodeRepository 负责 stat_node_daily。
type StatNodeRepository interface {
	Upsert(ctx context.Context, record UsageRecord) error
	Find(ctx context.Context, nodeID int64, recordAt int64) (*UsageRecord, error)
	ListByDay(ctx context.Context, recordAt int64) ([]UsageRecord, error)
}
