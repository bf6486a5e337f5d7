// 文件路径: internal/protocol/render.go
// 模块说明: 这是 internal 模块里的 render 逻辑，下面的注释会用非常通俗的中文帮你理解每一步。
package protocol

import (
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"
)

// 格式到渲染函数的查找表；clash 与 stash 共用同一个实现。
var renderers = map[string]renderFunc{
	"ss":           renderShadowsocks,
	"shadowrocket": renderShadowrocket,
	"surge":        renderSurge,
	"nodelist":     renderNodeList,
	"clash":        renderClash,
	"stash":        renderClash,
	"qx":           renderQuantumultX,
	"sip008":       renderSIP008,
}

// 客户端常用的别名。
var formatAliases = map[string]string{
	"quantumultx":  "qx",
	"quantumult-x": "qx",
	"surge-raw":    "nodelist",
	"surgeraw":     "nodelist",
}

// NormalizeFormat lowercases the format and resolves aliases.
func NormalizeFormat(format string) string {
	f := strings.ToLower(strings.TrimSpace(format))
	if alias, ok := formatAliases[f]; ok {
		return alias
	}
	return f
}

// Supported reports whether format has a renderer.
func Supported(format string) bool {
	_, ok := renderers[NormalizeFormat(format)]
	return ok
}

// Formats returns the supported format keys in stable order.
func Formats() []string {
	out := make([]string, 0, len(renderers))
	for name := range renderers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Render 选择渲染器并生成订阅结果；未知格式返回 ErrUnsupportedFormat。
func Render(req Request) (*Result, error) {
	format := NormalizeFormat(req.Format)
	render, ok := renderers[format]
	if !ok {
		return nil, ErrUnsupportedFormat
	}
	req.Format = format
	if req.Logger == nil {
		req.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if req.Now.IsZero() {
		req.Now = time.Now()
	}
	if req.UpdateInterval <= 0 {
		req.UpdateInterval = 24
	}
	if strings.TrimSpace(req.AppName) == "" {
		req.AppName = defaultProfileName
	}
	return render(req)
}
