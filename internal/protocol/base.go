// 文件路径: internal/protocol/base.go
// 模块说明: 这是 internal 模块里的 base 逻辑，下面的注释会用非常通俗的中文帮你理解每一步。
package protocol

import "strings"

const defaultProfileName = "SSPanel"

// supportedNodes 只保留当前格式能表达的节点类型。
// 其余节点记录警告后跳过，不会让整个请求失败。
func supportedNodes(req Request, types ...string) []Node {
	allowed := make(map[string]struct{}, len(types))
	for _, t := range types {
		allowed[t] = struct{}{}
	}
	nodes := make([]Node, 0, len(req.Nodes))
	for _, node := range req.Nodes {
		nodeType := strings.ToLower(strings.TrimSpace(node.Type))
		if node.Host == "" || node.Port <= 0 {
			req.Logger.Warn("skip node without address", "format", req.Format, "node_id", node.ID)
			continue
		}
		if _, ok := allowed[nodeType]; !ok {
			req.Logger.Warn("skip unsupported node type", "format", req.Format, "node_id", node.ID, "type", node.Type)
			continue
		}
		node.Type = nodeType
		nodes = append(nodes, node)
	}
	return nodes
}
