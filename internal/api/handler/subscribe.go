// 文件路径: internal/api/handler/subscribe.go
// 模块说明: 这是 internal 模块里的 subscribe 逻辑，下面的注释会用非常通俗的中文帮你理解每一步。
package handler

import (
	"context"
	"errors"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/creamcroissant/sspanel/internal/api/middleware"
	"github.com/creamcroissant/sspanel/internal/service"
)

// Subscriber renders a subscription for one request.
type Subscriber interface {
	Subscribe(ctx context.Context, req service.SubscriptionRequest) (*service.SubscriptionResult, error)
}

// SubscribeHandler serves the public subscription endpoint. Error bodies are plain text.
type SubscribeHandler struct {
	Gateway Subscriber
}

func NewSubscribeHandler(gateway Subscriber) *SubscribeHandler {
	return &SubscribeHandler{Gateway: gateway}
}

func (h *SubscribeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Gateway == nil {
		respondText(w, http.StatusServiceUnavailable, "service unavailable")
		return
	}
	query := r.URL.Query()
	format := strings.TrimSpace(query.Get("app"))
	if format == "" {
		format = strings.TrimSpace(query.Get("flag"))
	}
	req := service.SubscriptionRequest{
		Token:  strings.TrimSpace(query.Get("token")),
		Format: format,
		IP:     middleware.ClientIP(r),
		Host:   hostOnly(r.Host),
		URL:    absoluteURL(r),
	}
	if raw := strings.TrimSpace(query.Get("sid")); raw != "" {
		sid, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || sid <= 0 {
			respondText(w, http.StatusBadRequest, "invalid sid")
			return
		}
		req.SID = sid
	}

	result, err := h.Gateway.Subscribe(r.Context(), req)
	if err != nil {
		status, message := subscribeStatus(err)
		var limited *service.RateLimitedError
		if errors.As(err, &limited) {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(limited.RetryAfter.Seconds()))))
		}
		respondText(w, status, message)
		return
	}
	if result == nil {
		respondText(w, http.StatusInternalServerError, "internal error")
		return
	}

	for key, value := range result.Headers {
		if key == "" || strings.EqualFold(key, "content-type") {
			continue
		}
		w.Header().Set(key, value)
	}
	if result.ContentType != "" {
		w.Header().Set("Content-Type", result.ContentType)
	} else {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	}
	w.Header().Set("Cache-Control", "no-cache")
	etag := formatETag(result.ETag)
	if etag != "" {
		w.Header().Set("ETag", etag)
	}
	if etagMatches(r.Header.Get("If-None-Match"), etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Payload)
}

// subscribeStatus 把网关错误映射为状态码和给客户端看的短句，细节只进日志。
func subscribeStatus(err error) (int, string) {
	switch {
	case errors.Is(err, service.ErrUnsupportedFormat):
		return http.StatusBadRequest, "unsupported format"
	case errors.Is(err, service.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid request"
	case errors.Is(err, service.ErrRateLimited):
		return http.StatusTooManyRequests, "too many requests"
	case errors.Is(err, service.ErrInvalidToken), errors.Is(err, service.ErrUnauthorized):
		return http.StatusUnauthorized, "invalid token"
	case errors.Is(err, service.ErrAccountDisabled):
		return http.StatusForbidden, "account disabled"
	case errors.Is(err, service.ErrSubscriptionExpired):
		return http.StatusForbidden, "subscription expired"
	case errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, service.ErrNoNodes):
		return http.StatusNotFound, "no nodes available"
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, service.ErrUpstream):
		return http.StatusBadGateway, "service temporarily unavailable"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func requestScheme(r *http.Request) string {
	if proto := strings.TrimSpace(r.Header.Get("X-Forwarded-Proto")); proto != "" {
		return proto
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

func absoluteURL(r *http.Request) string {
	host := strings.TrimSpace(r.Host)
	if host == "" {
		return ""
	}
	return requestScheme(r) + "://" + host + r.URL.RequestURI()
}

func hostOnly(host string) string {
	host = strings.TrimSpace(host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	// 没有端口：裸 IPv6 只去掉方括号。
	return strings.Trim(host, "[]")
}
