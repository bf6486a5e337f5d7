// 文件路径: internal/api/middleware/security.go
// 模块说明: 安全中间件，包括请求体大小限制与客户端 IP 解析
package middleware

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// BodyLimitConfig 请求体大小限制配置
type BodyLimitConfig struct {
	MaxBytes  int64    // 最大字节数
	SkipPaths []string // 跳过的路径
}

// BodyLimit 请求体大小限制中间件
func BodyLimit(config BodyLimitConfig) func(http.Handler) http.Handler {
	if config.MaxBytes <= 0 {
		config.MaxBytes = 2 * 1024 * 1024
	}

	skipPaths := make(map[string]bool)
	for _, p := range config.SkipPaths {
		skipPaths[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skipPaths[r.URL.Path] || r.Body == nil {
				next.ServeHTTP(w, r)
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, config.MaxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP 获取客户端真实 IP。
// 只有直连方是本机或内网代理时才信任 X-Forwarded-For / X-Real-IP，
// 否则外部请求可以伪造头部绕过节点 IP 白名单和限流。
func ClientIP(r *http.Request) string {
	remoteIP := parseIP(r.RemoteAddr)
	if remoteIP == "" {
		return ""
	}
	if !isTrustedProxy(remoteIP) {
		return remoteIP
	}

	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := parseIP(first); ip != "" {
			return ip
		}
	}
	if ip := parseIP(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	return remoteIP
}

func parseIP(addr string) string {
	trimmed := strings.TrimSpace(addr)
	if trimmed == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(trimmed); err == nil {
		trimmed = host
	}
	ip, err := netip.ParseAddr(trimmed)
	if err != nil {
		return ""
	}
	return ip.Unmap().String()
}

func isTrustedProxy(remoteIP string) bool {
	ip, err := netip.ParseAddr(remoteIP)
	if err != nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate()
}
