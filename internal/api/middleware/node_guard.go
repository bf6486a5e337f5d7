// 文件路径: internal/api/middleware/node_guard.go
// 模块说明: 节点控制接口的守卫：IP 白名单 → API Key → 限流
package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/creamcroissant/sspanel/internal/api/requestctx"
	"github.com/creamcroissant/sspanel/internal/config"
	"github.com/creamcroissant/sspanel/internal/security"
	"github.com/creamcroissant/sspanel/internal/service"
	"github.com/creamcroissant/sspanel/internal/support/logging"
)

// NodeAuthenticator resolves an API key into a node identity.
type NodeAuthenticator interface {
	Authenticate(ctx context.Context, key string) (*service.NodeIdentity, error)
}

// NodeGuardConfig 节点守卫配置
type NodeGuardConfig struct {
	Authenticator NodeAuthenticator
	AllowedIPs    []string // 精确 IP 或 CIDR，空表示不限制
	Limiter       security.Limiter
	RateLimit     config.RateLimitConfig
	Audit         security.Recorder
	Logger        *slog.Logger
}

// NodeGuard 依次检查来源 IP、API Key 和请求频率。
// 鉴权失败一律拒绝；限流器出错时放行。
func NodeGuard(cfg NodeGuardConfig) (func(http.Handler) http.Handler, error) {
	if cfg.Authenticator == nil {
		return nil, fmt.Errorf("node guard requires authenticator / 节点守卫需要鉴权器")
	}
	allow, err := parseAllowList(cfg.AllowedIPs)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			ip := ClientIP(r)

			if !allow.permits(ip) {
				logger.WarnContext(ctx, "node api ip rejected", "ip", ip, "path", r.URL.Path)
				recordDenied(ctx, cfg.Audit, ip, "ip_not_allowed", "")
				writeJSONError(w, http.StatusForbidden, "ip not allowed")
				return
			}

			key := extractAPIKey(r)
			if key == "" {
				writeJSONError(w, http.StatusUnauthorized, "api key required")
				return
			}
			identity, err := cfg.Authenticator.Authenticate(ctx, key)
			if err != nil {
				if errors.Is(err, service.ErrUnauthorized) {
					logger.InfoContext(ctx, "node api key rejected", "ip", ip, "key", logging.Mask(key))
					recordDenied(ctx, cfg.Audit, ip, "invalid_api_key", logging.Mask(key))
					writeJSONError(w, http.StatusUnauthorized, "invalid api key")
					return
				}
				logger.ErrorContext(ctx, "node api key lookup failed", "ip", ip, "error", err)
				writeJSONError(w, http.StatusServiceUnavailable, "authentication unavailable")
				return
			}

			if cfg.RateLimit.Enabled && cfg.Limiter != nil && ip != "" {
				res, err := cfg.Limiter.Allow(ctx, ip, cfg.RateLimit.Limit, cfg.RateLimit.Window)
				switch {
				case err != nil:
					logger.WarnContext(ctx, "node api rate limiter unavailable, allowing request", "ip", ip, "error", err)
				case !res.Allowed:
					retry := time.Until(res.ResetAt)
					if retry < time.Second {
						retry = time.Second
					}
					w.Header().Set("Retry-After", strconv.Itoa(int(retry.Seconds())))
					w.Header().Set("X-RateLimit-Limit", strconv.Itoa(cfg.RateLimit.Limit))
					w.Header().Set("X-RateLimit-Remaining", "0")
					logger.WarnContext(ctx, "node api rate limited", "ip", ip)
					writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded")
					return
				default:
					w.Header().Set("X-RateLimit-Limit", strconv.Itoa(cfg.RateLimit.Limit))
					w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
				}
			}

			ctx = requestctx.WithNodeClaims(ctx, requestctx.NodeClaims{Identity: identity, IP: ip})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}, nil
}

type allowList []netip.Prefix

func parseAllowList(entries []string) (allowList, error) {
	var list allowList
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, fmt.Errorf("node guard: invalid CIDR %q: %w", entry, err)
			}
			list = append(list, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("node guard: invalid IP %q: %w", entry, err)
		}
		addr = addr.Unmap()
		list = append(list, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return list, nil
}

func (l allowList) permits(ip string) bool {
	if len(l) == 0 {
		return true
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, prefix := range l {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

func extractAPIKey(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return key
	}
	return extractBearer(r.Header.Get("Authorization"))
}

func extractBearer(header string) string {
	trimmed := strings.TrimSpace(header)
	if trimmed == "" {
		return ""
	}
	scheme, value, ok := strings.Cut(trimmed, " ")
	if ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(value)
	}
	return ""
}

func recordDenied(ctx context.Context, audit security.Recorder, ip, reason, key string) {
	if audit == nil {
		return
	}
	meta := map[string]any{"reason": reason}
	if key != "" {
		meta["key"] = key
	}
	audit.Record(ctx, security.Event{Kind: security.EventNodeAuthDenied, IP: ip, Metadata: meta})
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}
