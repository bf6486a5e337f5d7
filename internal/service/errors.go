// 文件路径: internal/service/errors.go
// 模块说明: 这是 internal 模块里的 errors 逻辑，下面的注释会用非常通俗的中文帮你理解每一步。
package service

import (
	"errors"
	"time"
)

var (
	// ErrInvalidRequest indicates malformed or missing request parameters.
	ErrInvalidRequest = errors.New("service: invalid request / 请求参数错误")
	// ErrUnsupportedFormat indicates the requested subscription format has no renderer.
	ErrUnsupportedFormat = errors.New("service: unsupported format / 不支持的订阅格式")
	// ErrUnauthorized indicates missing or invalid credentials.
	ErrUnauthorized = errors.New("service: unauthorized / 未授权")
	// ErrInvalidToken indicates a subscription token that failed validation.
	ErrInvalidToken = errors.New("service: invalid token / 令牌无效")
	// ErrForbidden indicates valid credentials without access to the resource.
	ErrForbidden = errors.New("service: forbidden / 无权访问")
	// ErrAccountDisabled indicates the account is disabled.
	ErrAccountDisabled = errors.New("service: account disabled / 账号已禁用")
	// ErrSubscriptionExpired indicates the due date has passed.
	ErrSubscriptionExpired = errors.New("service: subscription expired / 订阅已过期")
	// ErrNotFound indicates requested resource does not exist.
	ErrNotFound = errors.New("service: not found / 未找到资源")
	// ErrNoNodes indicates no node is available for the user.
	ErrNoNodes = errors.New("service: no nodes available / 没有可用节点")
	// ErrRateLimited indicates caller exceeded allowed attempts.
	ErrRateLimited = errors.New("service: rate limited / 请求过于频繁")
	// ErrUpstream indicates a backing store failed.
	ErrUpstream = errors.New("service: upstream unavailable / 后端存储不可用")
)

// RateLimitedError 携带下一次可以重试的时间，errors.Is(err, ErrRateLimited) 成立。
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string { return ErrRateLimited.Error() }

func (e *RateLimitedError) Unwrap() error { return ErrRateLimited }
