// 文件路径: internal/api/handler/etag.go
// 模块说明: 这是 internal 模块里的 etag 逻辑，下面的注释会用非常通俗的中文帮你理解每一步。
package handler

import "strings"

// formatETag 保证 ETag 带引号。
func formatETag(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}
	if strings.HasPrefix(trimmed, "\"") || strings.HasPrefix(trimmed, "W/\"") {
		return trimmed
	}
	return "\"" + trimmed + "\""
}

// etagMatches 按弱比较处理 If-None-Match 里的列表与通配符。
func etagMatches(header, etag string) bool {
	if header == "" || etag == "" {
		return false
	}
	want := strings.TrimPrefix(etag, "W/")
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" {
			return true
		}
		if strings.TrimPrefix(candidate, "W/") == want {
			return true
		}
	}
	return false
}
