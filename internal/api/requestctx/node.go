// 文件路径: internal/api/requestctx/node.go
// 模块说明: 这是 internal 模块里的 node 逻辑，下面的注释会用非常通俗的中文帮你理解每一步。
package requestctx

import (
	"context"

	"github.com/creamcroissant/sspanel/internal/service"
)

// NodeClaims captures the caller identity resolved by the node guard.
type NodeClaims struct {
	Identity *service.NodeIdentity
	IP       string
}

type contextKey string

const nodeContextKey contextKey = "sspanel-node"

// WithNodeClaims attaches node data to context.
func WithNodeClaims(ctx context.Context, claims NodeClaims) context.Context {
	return context.WithValue(ctx, nodeContextKey, claims)
}

// NodeFromContext fetches node claims or zero value.
func NodeFromContext(ctx context.Context) NodeClaims {
	if ctx == nil {
		return NodeClaims{}
	}
	claims, _ := ctx.Value(nodeContextKey).(NodeClaims)
	return claims
}
