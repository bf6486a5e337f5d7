// 文件路径: internal/service/node_auth.go
// 模块说明: 这是 internal 模块里的 node_auth 逻辑，下面的注释会用非常通俗的中文帮你理解每一步。
package service

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"github.com/creamcroissant/sspanel/internal/repository"
)

// NodeIdentity 描述通过鉴权的调用方：全局密钥或某个节点自己的密钥。
type NodeIdentity struct {
	Global  bool
	NodeID  int64
	GroupID int64
}

// CanAccessNode 节点密钥只能访问自己的资源。
func (id *NodeIdentity) CanAccessNode(nodeID int64) bool {
	if id == nil {
		return false
	}
	return id.Global || id.NodeID == nodeID
}

// CanAccessGroup 节点密钥只能拉取自己所在分组的用户。
func (id *NodeIdentity) CanAccessGroup(groupID int64) bool {
	if id == nil {
		return false
	}
	return id.Global || id.GroupID == groupID
}

// NodeAuthenticator 校验节点 API 密钥。
type NodeAuthenticator struct {
	globalKeys [][sha256.Size]byte
	nodes      repository.NodeRepository
}

// NewNodeAuthenticator 预先计算全局密钥的摘要。
func NewNodeAuthenticator(globalKeys []string, nodes repository.NodeRepository) *NodeAuthenticator {
	auth := &NodeAuthenticator{nodes: nodes}
	for _, key := range globalKeys {
		if key = strings.TrimSpace(key); key != "" {
			auth.globalKeys = append(auth.globalKeys, sha256.Sum256([]byte(key)))
		}
	}
	return auth
}

// Authenticate 先比对全局密钥（常量时间、遍历全部），再查节点自己的 api_key。
// 查询失败时拒绝访问，鉴权不做 fail open。
func (a *NodeAuthenticator) Authenticate(ctx context.Context, key string) (*NodeIdentity, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, ErrUnauthorized
	}
	digest := sha256.Sum256([]byte(key))
	matched := 0
	for _, candidate := range a.globalKeys {
		matched |= subtle.ConstantTimeCompare(candidate[:], digest[:])
	}
	if matched == 1 {
		return &NodeIdentity{Global: true}, nil
	}
	if a.nodes == nil {
		return nil, ErrUnauthorized
	}
	node, err := a.nodes.FindByAPIKey(ctx, key)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("%w: node api key lookup: %v", ErrUpstream, err)
	}
	return &NodeIdentity{NodeID: node.ID, GroupID: node.GroupID}, nil
}
