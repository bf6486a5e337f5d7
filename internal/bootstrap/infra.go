// 文件路径: internal/bootstrap/infra.go
// 模块说明: 这是 internal 模块里的 infra 逻辑，下面的注释会用非常通俗的中文帮你理解每一步。
package bootstrap

import (
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/creamcroissant/sspanel/internal/api"
	"github.com/creamcroissant/sspanel/internal/api/handler"
	"github.com/creamcroissant/sspanel/internal/auth/token"
	"github.com/creamcroissant/sspanel/internal/cache"
	"github.com/creamcroissant/sspanel/internal/config"
	"github.com/creamcroissant/sspanel/internal/faststore"
	"github.com/creamcroissant/sspanel/internal/job"
	"github.com/creamcroissant/sspanel/internal/protocol"
	"github.com/creamcroissant/sspanel/internal/repository/sqlite"
	"github.com/creamcroissant/sspanel/internal/security"
	"github.com/creamcroissant/sspanel/internal/service"
)

const (
	subscribeLimitPrefix = "subscribe_rate_limit"
	nodeLimitPrefix      = "server_api_rate_limit"
	defaultSigningKey    = "change-me"
)

// Infrastructure bundles every long-lived component the server and the CLI share.
type Infrastructure struct {
	DB    *sql.DB
	Store *sqlite.Store
	Redis *redis.Client

	Cache            cache.Store
	Fast             faststore.Store
	Tokens           *token.Manager
	SubscribeLimiter security.Limiter
	NodeLimiter      security.Limiter
	Audit            security.Recorder
	Registry         *prometheus.Registry
	Metrics          *service.Metrics

	Users       *service.UserDirectory
	Catalog     *service.NodeCatalog
	Gateway     *service.SubscriptionGateway
	Traffic     *service.TrafficIngestor
	NodeControl *service.NodeControl
	NodeAuth    *service.NodeAuthenticator

	logger *slog.Logger
}

// BuildInfrastructure wires storage, caches, limiters and the domain services.
// redisClient may be nil only when fast_store.driver is "memory".
func BuildInfrastructure(cfg *config.Config, db *sql.DB, redisClient *redis.Client, logger *slog.Logger) (*Infrastructure, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required / 配置不能为空")
	}
	if db == nil {
		return nil, fmt.Errorf("database is required / 数据库连接不能为空")
	}
	if logger == nil {
		logger = slog.Default()
	}

	infra := &Infrastructure{
		DB:     db,
		Store:  sqlite.NewStore(db),
		Redis:  redisClient,
		Audit:  security.NewLoggerRecorder(logger),
		logger: logger,
	}

	fastOpts := faststore.Options{
		KeyPrefix:   cfg.FastStore.KeyPrefix,
		CounterTTL:  cfg.Traffic.CounterTTL,
		StatusTTL:   cfg.NodeAPI.StatusTTL,
		HistorySize: cfg.Subscription.HistorySize,
		HistoryTTL:  cfg.Subscription.HistoryTTL,
	}
	cacheOpts := cache.Options{
		Prefix:          joinPrefix(cfg.FastStore.KeyPrefix, "cache"),
		DefaultTTL:      5 * time.Minute,
		CleanupInterval: time.Minute,
	}

	switch strings.ToLower(cfg.FastStore.Driver) {
	case config.FastStoreRedis:
		if redisClient == nil {
			return nil, fmt.Errorf("fast_store.driver=redis requires a client / 缺少 Redis 连接")
		}
		infra.Cache = cache.NewRedisStore(redisClient, cacheOpts)
		infra.Fast = faststore.NewRedisStore(redisClient, fastOpts)
		infra.SubscribeLimiter = security.NewSlidingWindowLimiter(redisClient, joinPrefix(cfg.FastStore.KeyPrefix, subscribeLimitPrefix))
		infra.NodeLimiter = security.NewSlidingWindowLimiter(redisClient, joinPrefix(cfg.FastStore.KeyPrefix, nodeLimitPrefix))
	case config.FastStoreMemory:
		infra.Cache = cache.NewMemoryStore(cacheOpts)
		infra.Fast = faststore.NewMemoryStore(fastOpts)
		subLimiter, err := security.NewCacheLimiter(infra.Cache, subscribeLimitPrefix)
		if err != nil {
			return nil, err
		}
		nodeLimiter, err := security.NewCacheLimiter(infra.Cache, nodeLimitPrefix)
		if err != nil {
			return nil, err
		}
		infra.SubscribeLimiter = subLimiter
		infra.NodeLimiter = nodeLimiter
	default:
		return nil, fmt.Errorf("unknown fast_store.driver %q / 未知的快速存储驱动", cfg.FastStore.Driver)
	}

	// 签名密钥改过才创建 token 管理器；legacy 模式下它只给 CLI 签发用。
	if key := strings.TrimSpace(cfg.Subscription.SigningKey); key != "" && key != defaultSigningKey {
		tokens, err := token.NewManager(token.Options{
			SigningKey: []byte(key),
			Issuer:     cfg.Subscription.Issuer,
			Audience:   cfg.Subscription.Audience,
			TTL:        cfg.Subscription.TokenTTL,
			Leeway:     cfg.Subscription.Leeway,
		})
		if err != nil {
			return nil, fmt.Errorf("token manager: %w", err)
		}
		infra.Tokens = tokens
	}

	infra.Registry = prometheus.NewRegistry()
	infra.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	infra.Metrics = service.NewMetrics(infra.Registry, cfg.Metrics.Namespace)

	repos := infra.Store
	infra.Users = service.NewUserDirectory(repos.Users(), infra.Cache, cfg.Cache.UserTTL)
	infra.Catalog = service.NewNodeCatalog(repos.Nodes(), infra.Cache, cfg.Cache.NodeTTL, cfg.Cache.NodeListTTL)

	scheme, err := service.NewTokenScheme(cfg.Subscription.TokenScheme, infra.Users, infra.Tokens)
	if err != nil {
		return nil, err
	}
	templates, err := protocol.LoadTemplates(cfg.Subscription.ClashTemplate, cfg.Subscription.SurgeTemplate)
	if err != nil {
		return nil, err
	}

	infra.Gateway = service.NewSubscriptionGateway(service.GatewayDeps{
		Scheme:  scheme,
		Users:   infra.Users,
		Catalog: infra.Catalog,
		Limiter: infra.SubscribeLimiter,
		Access:  infra.Fast,
		Audit:   infra.Audit,
		Metrics: infra.Metrics,
		Logger:  logger.With("component", "subscription"),
	}, service.SubscriptionOptions{
		DefaultFormat:  cfg.Subscription.DefaultFormat,
		AppName:        cfg.Subscription.AppName,
		UpdateInterval: cfg.Subscription.UpdateInterval,
		Templates:      templates,
		RateLimit:      cfg.Subscription.RateLimit,
	})
	infra.Traffic = service.NewTrafficIngestor(infra.Fast, repos.Users(), infra.Users, infra.Audit, infra.Metrics, logger.With("component", "traffic"))
	infra.NodeControl = service.NewNodeControl(infra.Catalog, repos.Nodes(), repos.Users(), infra.Fast, logger.With("component", "node_control"))
	infra.NodeAuth = service.NewNodeAuthenticator(cfg.NodeAPI.APIKeys, repos.Nodes())

	return infra, nil
}

// Router builds the HTTP handler for the configured services.
func (i *Infrastructure) Router(cfg *config.Config) (http.Handler, error) {
	return api.NewRouter(i.logger, api.Services{
		Subscription: i.Gateway,
		NodeControl:  i.NodeControl,
		Traffic:      i.Traffic,
		NodeAuth:     i.NodeAuth,
		NodeLimiter:  i.NodeLimiter,
		Audit:        i.Audit,
		HealthChecks: map[string]handler.Pinger{
			"database":   i.Store,
			"fast_store": i.Fast,
		},
	}, api.Options{
		NodeAPI:   cfg.NodeAPI,
		Metrics:   cfg.Metrics,
		BodyLimit: cfg.HTTP.BodyLimit,
		Registry:  i.Registry,
	})
}

// ReconcileJob builds a reconciliation job for today (offset 0) or a previous day.
func (i *Infrastructure) ReconcileJob(name string, dayOffset int, lockTTL time.Duration) *job.ReconcileJob {
	j := job.NewReconcileJob(name, dayOffset, i.Fast, i.Store.StatUsers(), i.Store.StatNodes(), i.Store.Nodes(), i.Metrics, i.logger.With("component", "reconcile"))
	if lockTTL > 0 {
		j.LockTTL = lockTTL
	}
	return j
}

// RegisterJobs 注册对账任务：schedule 负责当天滚动落库，close_schedule 在跨天后收尾前一天。
func (i *Infrastructure) RegisterJobs(scheduler *job.Scheduler, cfg config.ReconcileConfig) error {
	if !cfg.Enabled {
		i.logger.Info("reconciliation disabled")
		return nil
	}
	if _, err := scheduler.Register(cfg.Schedule, i.ReconcileJob("reconcile_today", 0, cfg.LockTTL)); err != nil {
		return fmt.Errorf("register reconcile_today: %w", err)
	}
	if strings.TrimSpace(cfg.CloseSchedule) != "" {
		if _, err := scheduler.Register(cfg.CloseSchedule, i.ReconcileJob("reconcile_close", -1, cfg.LockTTL)); err != nil {
			return fmt.Errorf("register reconcile_close: %w", err)
		}
	}
	return nil
}

// Close releases the connections opened for the infrastructure.
func (i *Infrastructure) Close() error {
	var errs []string
	if i.Redis != nil {
		if err := i.Redis.Close(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if i.DB != nil {
		if err := i.DB.Close(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("close infrastructure: %s", strings.Join(errs, "; "))
	}
	return nil
}

func joinPrefix(base, name string) string {
	base = strings.Trim(strings.TrimSpace(base), ":")
	if base == "" {
		return name
	}
	return base + ":" + name
}
