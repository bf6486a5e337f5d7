// 文件路径: internal/repository/types.go
// 模块说明: 这是 internal 模块里的 types 逻辑，下面的注释会用非常通俗的中文帮你理解每一步。
package repository

import "encoding/json"

// User 表示一个订阅服务实例（sid）对应的账户。
type User struct {
	ID             int64
	UUID           string
	Token          string
	Enabled        bool
	TransferEnable int64
	U              int64
	D              int64
	GroupID        int64
	SpeedLimit     *int64
	DeviceLimit    *int64
	ExpiredAt      int64 // 0 表示没有到期时间
	CreatedAt      int64
	UpdatedAt      int64
}

// Used returns upload+download.
func (u *User) Used() int64 {
	if u == nil {
		return 0
	}
	return u.U + u.D
}

// Expired reports whether a known due date lies before now.
func (u *User) Expired(nowUnix int64) bool {
	if u == nil || u.ExpiredAt <= 0 {
		return false
	}
	return u.ExpiredAt < nowUnix
}

// NodeUser is the subset of user columns shared with nodes during sync.
type NodeUser struct {
	ID          int64
	UUID        string
	Enabled     bool
	ExpiredAt   int64
	SpeedLimit  *int64
	DeviceLimit *int64
	UpdatedAt   int64
}

// Node 表示一个代理节点。
type Node struct {
	ID              int64
	Name            string
	Host            string
	Port            int
	Type            string
	Cipher          string
	Settings        json.RawMessage
	GroupID         int64
	Enabled         bool
	Sort            int64
	OnlineUser      int64
	MaxUser         int64
	Load            float64
	APIKey          string
	LastHeartbeatAt int64
	CreatedAt       int64
	UpdatedAt       int64
}

// NodeHeartbeat carries the live stats reported by a node.
type NodeHeartbeat struct {
	OnlineUser int64
	Load       float64
	At         int64
}

// UsageRecord 是按 (实体, 天) 落库的一行流量。
type UsageRecord struct {
	EntityID  int64
	RecordAt  int64
	Upload    int64
	Download  int64
	CreatedAt int64
	UpdatedAt int64
}

// SettleResult describes how a daily snapshot changed the user's cumulative counters.
type SettleResult struct {
	UploadDelta   int64
	DownloadDelta int64
}

// TrafficReset is the audit row written when a user's counters are zeroed.
type TrafficReset struct {
	ID        int64
	UserID    int64
	Upload    int64
	Download  int64
	Reason    string
	CreatedAt int64
}
