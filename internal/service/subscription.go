// 文件路径: internal/service/subscription.go
// 模块说明: 这是 internal 模块里的 subscription 逻辑，下面的注释会用非常通俗的中文帮你理解每一步。
package service

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/creamcroissant/sspanel/internal/config"
	"github.com/creamcroissant/sspanel/internal/credential"
	"github.com/creamcroissant/sspanel/internal/faststore"
	"github.com/creamcroissant/sspanel/internal/protocol"
	"github.com/creamcroissant/sspanel/internal/repository"
	"github.com/creamcroissant/sspanel/internal/security"
	"github.com/creamcroissant/sspanel/internal/support/logging"
)

// SubscriptionRequest 是网关从 HTTP 请求里解析出的参数。
type SubscriptionRequest struct {
	Token  string
	SID    int64
	Format string
	IP     string
	Host   string
	// URL is the full subscribe URL echoed into surge's managed-config line.
	URL string
}

// SubscriptionResult 包含订阅内容与元数据。
type SubscriptionResult struct {
	UserID      int64
	Format      string
	Payload     []byte
	ContentType string
	ETag        string
	Headers     map[string]string
}

// SubscriptionOptions 是订阅网关的可调参数。
type SubscriptionOptions struct {
	DefaultFormat  string
	AppName        string
	UpdateInterval int
	Templates      protocol.Templates
	RateLimit      config.RateLimitConfig
}

// GatewayDeps 汇总订阅网关依赖的组件。
type GatewayDeps struct {
	Scheme  TokenScheme
	Users   *UserDirectory
	Catalog *NodeCatalog
	Limiter security.Limiter
	Access  faststore.Store
	Audit   security.Recorder
	Metrics *Metrics
	Logger  *slog.Logger
}

// SubscriptionGateway 依次执行 限流 → 令牌校验 → 用户状态 → 到期 → 渲染。
// 任何一步失败都返回哨兵错误，由 handler 映射成状态码和简短文本。
type SubscriptionGateway struct {
	deps GatewayDeps
	opts SubscriptionOptions
	now  func() time.Time
}

// NewSubscriptionGateway 组装订阅网关。
func NewSubscriptionGateway(deps GatewayDeps, opts SubscriptionOptions) *SubscriptionGateway {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if strings.TrimSpace(opts.DefaultFormat) == "" {
		opts.DefaultFormat = "ss"
	}
	return &SubscriptionGateway{deps: deps, opts: opts, now: time.Now}
}

// Subscribe 执行完整的订阅流程。
func (g *SubscriptionGateway) Subscribe(ctx context.Context, req SubscriptionRequest) (*SubscriptionResult, error) {
	format := protocol.NormalizeFormat(req.Format)
	if format == "" {
		format = protocol.NormalizeFormat(g.opts.DefaultFormat)
	}
	result, err := g.subscribe(ctx, req, format)
	g.deps.Metrics.observeRender(format, renderOutcome(err))
	if err != nil {
		g.logFailure(ctx, req, format, err)
		return nil, err
	}
	return result, nil
}

func (g *SubscriptionGateway) subscribe(ctx context.Context, req SubscriptionRequest, format string) (*SubscriptionResult, error) {
	req.Token = strings.TrimSpace(req.Token)
	if req.Token == "" {
		return nil, ErrInvalidRequest
	}
	if !protocol.Supported(format) {
		return nil, ErrUnsupportedFormat
	}

	if err := g.checkRateLimit(ctx, req); err != nil {
		return nil, err
	}

	user, err := g.deps.Scheme.Authenticate(ctx, Credentials{Token: req.Token, SID: req.SID})
	if err != nil {
		return nil, err
	}

	// 禁用优先于到期与节点状态判断。
	if !user.Enabled {
		return nil, ErrAccountDisabled
	}
	now := g.now()
	if user.Expired(now.Unix()) {
		return nil, ErrSubscriptionExpired
	}

	nodes, err := g.deps.Catalog.ForGroup(ctx, user.GroupID)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, ErrNoNodes
	}

	rendered, err := protocol.Render(protocol.Request{
		Format:         format,
		Nodes:          buildProtocolNodes(nodes, user, g.deps.Logger),
		Account:        accountOf(user),
		AppName:        g.opts.AppName,
		SubscribeURL:   req.URL,
		Host:           req.Host,
		UpdateInterval: g.opts.UpdateInterval,
		Templates:      g.opts.Templates,
		Logger:         g.deps.Logger,
		Now:            now,
	})
	if err != nil {
		if errors.Is(err, protocol.ErrUnsupportedFormat) {
			return nil, ErrUnsupportedFormat
		}
		return nil, fmt.Errorf("render %s: %w", format, err)
	}

	g.recordAccess(ctx, user.ID, req.IP, format, now)

	return &SubscriptionResult{
		UserID:      user.ID,
		Format:      format,
		Payload:     rendered.Payload,
		ContentType: rendered.ContentType,
		ETag:        computeSubscriptionETag(rendered.Payload),
		Headers:     rendered.Headers,
	}, nil
}

// checkRateLimit 按 (sid, ip) 做滑动窗口限流；限流器本身出错时放行。
func (g *SubscriptionGateway) checkRateLimit(ctx context.Context, req SubscriptionRequest) error {
	rl := g.opts.RateLimit
	if !rl.Enabled || g.deps.Limiter == nil {
		return nil
	}
	res, err := g.deps.Limiter.Allow(ctx, rateLimitKey(req), rl.Limit, rl.Window)
	if err != nil {
		g.deps.Logger.WarnContext(ctx, "subscribe rate limiter unavailable, allowing request", "ip", req.IP, "error", err)
		return nil
	}
	if !res.Allowed {
		retry := res.ResetAt.Sub(g.now())
		if retry < time.Second {
			retry = time.Second
		}
		return &RateLimitedError{RetryAfter: retry}
	}
	return nil
}

func rateLimitKey(req SubscriptionRequest) string {
	identity := ""
	if req.SID > 0 {
		identity = strconv.FormatInt(req.SID, 10)
	} else {
		sum := sha1.Sum([]byte(req.Token))
		identity = hex.EncodeToString(sum[:])[:12]
	}
	return identity + ":" + req.IP
}

// recordAccess 是尽力而为的副作用，失败只记日志。
func (g *SubscriptionGateway) recordAccess(ctx context.Context, userID int64, ip, format string, at time.Time) {
	if g.deps.Access == nil {
		return
	}
	err := g.deps.Access.RecordAccess(ctx, userID, faststore.AccessRecord{IP: ip, At: at.Unix(), Format: format})
	if err != nil {
		g.deps.Logger.WarnContext(ctx, "record subscription access failed", "user_id", userID, "error", err)
	}
}

func (g *SubscriptionGateway) logFailure(ctx context.Context, req SubscriptionRequest, format string, err error) {
	logger := g.deps.Logger.With("format", format, "ip", req.IP, "sid", req.SID)
	switch {
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrUnsupportedFormat):
		logger.DebugContext(ctx, "subscribe request rejected", "error", err)
	case errors.Is(err, ErrRateLimited):
		logger.WarnContext(ctx, "subscribe rate limited")
	case errors.Is(err, ErrInvalidToken), errors.Is(err, ErrAccountDisabled), errors.Is(err, ErrSubscriptionExpired):
		logger.InfoContext(ctx, "subscribe denied", "token", logging.Mask(req.Token), "error", err)
		if g.deps.Audit != nil {
			g.deps.Audit.Record(ctx, security.Event{
				Kind:     security.EventSubscribeDenied,
				Subject:  strconv.FormatInt(req.SID, 10),
				IP:       req.IP,
				Metadata: map[string]any{"reason": err.Error(), "token": logging.Mask(req.Token)},
			})
		}
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrNoNodes):
		logger.InfoContext(ctx, "subscribe found nothing to render", "error", err)
	default:
		logger.ErrorContext(ctx, "subscribe failed", "token", logging.Mask(req.Token), "error", err)
	}
}

func renderOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrUnsupportedFormat):
		return "invalid"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrInvalidToken):
		return "unauthorized"
	case errors.Is(err, ErrAccountDisabled):
		return "disabled"
	case errors.Is(err, ErrSubscriptionExpired):
		return "expired"
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrNoNodes):
		return "not_found"
	default:
		return "error"
	}
}

// buildProtocolNodes 为当前用户派生每个节点的密码。凭据每次现算，不做缓存。
func buildProtocolNodes(nodes []*repository.Node, user *repository.User, logger *slog.Logger) []protocol.Node {
	out := make([]protocol.Node, 0, len(nodes))
	for _, node := range nodes {
		if node == nil {
			continue
		}
		password, err := credential.DerivePassword(node.Cipher, node.CreatedAt, user.UUID)
		if err != nil {
			logger.Warn("skip node: cannot derive password", "node_id", node.ID, "user_id", user.ID, "error", err)
			continue
		}
		out = append(out, protocol.Node{
			ID:       node.ID,
			Name:     node.Name,
			Type:     node.Type,
			Host:     node.Host,
			Port:     node.Port,
			Method:   node.Cipher,
			Password: password,
			Settings: decodeNodeSettings(node, logger),
		})
	}
	return out
}

func decodeNodeSettings(node *repository.Node, logger *slog.Logger) map[string]any {
	if len(node.Settings) == 0 {
		return nil
	}
	var settings map[string]any
	if err := json.Unmarshal(node.Settings, &settings); err != nil {
		logger.Warn("node settings are not a JSON object", "node_id", node.ID, "error", err)
		return nil
	}
	return settings
}

func accountOf(user *repository.User) protocol.Account {
	return protocol.Account{
		ID:        user.ID,
		UUID:      user.UUID,
		Upload:    user.U,
		Download:  user.D,
		Total:     user.TransferEnable,
		ExpiredAt: user.ExpiredAt,
	}
}

// computeSubscriptionETag 计算订阅内容的 ETag。
func computeSubscriptionETag(payload []byte) string {
	sum := sha1.Sum(payload)
	return `"` + hex.EncodeToString(sum[:]) + `"`
}
