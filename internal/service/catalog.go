// 文件路径: internal/service/catalog.go
// 模块说明: 这是 internal 模块里的 catalog 逻辑，下面的注释会用非常通俗的中文帮你理解每一步。
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/creamcroissant/sspanel/internal/cache"
	"github.com/creamcroissant/sspanel/internal/repository"
)

const catalogGenerationKey = "nodes:gen"

// NodeCatalog 是 nodes 表之上的读穿透缓存。
// 列表缓存的 key 带有代数，任何节点写入都会让所有列表一起失效。
type NodeCatalog struct {
	nodes   repository.NodeRepository
	cache   cache.Store
	nodeTTL time.Duration
	listTTL time.Duration
}

// NewNodeCatalog 组装节点目录。
func NewNodeCatalog(nodes repository.NodeRepository, store cache.Store, nodeTTL, listTTL time.Duration) *NodeCatalog {
	if nodeTTL <= 0 {
		nodeTTL = 5 * time.Minute
	}
	if listTTL <= 0 {
		listTTL = 2 * time.Minute
	}
	return &NodeCatalog{nodes: nodes, cache: store, nodeTTL: nodeTTL, listTTL: listTTL}
}

// Get 返回单个节点（默认缓存 5 分钟）。
func (c *NodeCatalog) Get(ctx context.Context, id int64) (*repository.Node, error) {
	if id <= 0 {
		return nil, ErrInvalidRequest
	}
	node, err := cache.Remember(ctx, c.cache, fmt.Sprintf("node:%d", id), c.nodeTTL, func(ctx context.Context) (*repository.Node, error) {
		return c.nodes.FindByID(ctx, id)
	})
	return node, c.wrap(err, "load node %d", id)
}

// Enabled 返回全部启用的节点，按 sort 优先级排序。
func (c *NodeCatalog) Enabled(ctx context.Context) ([]*repository.Node, error) {
	key := fmt.Sprintf("nodes:enabled:v%d", c.generation(ctx))
	nodes, err := cache.Remember(ctx, c.cache, key, c.listTTL, c.nodes.ListEnabled)
	return nodes, c.wrap(err, "list nodes")
}

// ForGroup 返回分组可见的节点；group 0 的节点对所有人可见。
func (c *NodeCatalog) ForGroup(ctx context.Context, groupID int64) ([]*repository.Node, error) {
	key := fmt.Sprintf("nodes:group:%d:v%d", groupID, c.generation(ctx))
	nodes, err := cache.Remember(ctx, c.cache, key, c.listTTL, func(ctx context.Context) ([]*repository.Node, error) {
		return c.nodes.ListForGroup(ctx, groupID)
	})
	return nodes, c.wrap(err, "list nodes for group %d", groupID)
}

// Invalidate 清掉节点缓存并推进列表代数。
func (c *NodeCatalog) Invalidate(ctx context.Context, id int64) {
	if c.cache == nil {
		return
	}
	_ = c.cache.Delete(ctx, fmt.Sprintf("node:%d", id))
	_, _ = c.cache.Increment(ctx, catalogGenerationKey, 1, 30*24*time.Hour)
}

func (c *NodeCatalog) generation(ctx context.Context) int64 {
	if c.cache == nil {
		return 0
	}
	gen, err := c.cache.Increment(ctx, catalogGenerationKey, 0, 30*24*time.Hour)
	if err != nil {
		return 0
	}
	return gen
}

func (c *NodeCatalog) wrap(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, repository.ErrNotFound) {
		return ErrNotFound
	}
	return fmt.Errorf("%w: %s: %v", ErrUpstream, fmt.Sprintf(format, args...), err)
}
