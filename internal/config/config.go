package config

import (
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"
)

// Token schemes accepted by subscription.token_scheme.
const (
	TokenSchemeLegacy = "legacy"
	TokenSchemeSigned = "signed"
	TokenSchemeAuto   = "auto"
)

// Fast store drivers accepted by fast_store.driver.
const (
	FastStoreRedis  = "redis"
	FastStoreMemory = "memory"
)

const defaultSigningKey = "change-me"

// Config 汇总应用的全部配置。
type Config struct {
	HTTP         HTTPConfig         `mapstructure:"http"`
	Log          LogConfig          `mapstructure:"log"`
	DB           DBConfig           `mapstructure:"database"`
	FastStore    FastStoreConfig    `mapstructure:"fast_store"`
	Cache        CacheConfig        `mapstructure:"cache"`
	Subscription SubscriptionConfig `mapstructure:"subscription"`
	NodeAPI      NodeAPIConfig      `mapstructure:"node_api"`
	Traffic      TrafficConfig      `mapstructure:"traffic"`
	Reconcile    ReconcileConfig    `mapstructure:"reconcile"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
}

// HTTPConfig 定义 HTTP 服务配置。
type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	BodyLimit       int64         `mapstructure:"body_limit"`
}

// LogConfig 定义日志配置。
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Format      string `mapstructure:"format"`
	AddSource   bool   `mapstructure:"add_source"`
	Environment string `mapstructure:"environment"`
}

// DBConfig 定义数据库配置。
type DBConfig struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
}

// FastStoreConfig 定义计数器/限流/访问记录使用的快速存储。
type FastStoreConfig struct {
	Driver      string        `mapstructure:"driver"`
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	KeyPrefix   string        `mapstructure:"key_prefix"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	// ConnectRetry bounds the startup ping retries before giving up.
	ConnectRetry time.Duration `mapstructure:"connect_retry"`
}

// CacheConfig 定义读穿透缓存的 TTL。
type CacheConfig struct {
	UserTTL     time.Duration `mapstructure:"user_ttl"`
	NodeTTL     time.Duration `mapstructure:"node_ttl"`
	NodeListTTL time.Duration `mapstructure:"node_list_ttl"`
}

// RateLimitConfig is a sliding-window allowance.
type RateLimitConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Limit   int           `mapstructure:"limit"`
	Window  time.Duration `mapstructure:"window"`
}

// SubscriptionConfig 定义订阅网关配置。
type SubscriptionConfig struct {
	TokenScheme    string          `mapstructure:"token_scheme"`
	SigningKey     string          `mapstructure:"signing_key"`
	Issuer         string          `mapstructure:"issuer"`
	Audience       string          `mapstructure:"audience"`
	TokenTTL       time.Duration   `mapstructure:"token_ttl"`
	Leeway         time.Duration   `mapstructure:"leeway"`
	DefaultFormat  string          `mapstructure:"default_format"`
	AppName        string          `mapstructure:"app_name"`
	UpdateInterval int             `mapstructure:"update_interval"`
	ClashTemplate  string          `mapstructure:"clash_template"`
	SurgeTemplate  string          `mapstructure:"surge_template"`
	RateLimit      RateLimitConfig `mapstructure:"rate_limit"`
	HistorySize    int             `mapstructure:"history_size"`
	HistoryTTL     time.Duration   `mapstructure:"history_ttl"`
}

// NodeAPIConfig 定义节点控制接口的鉴权配置。
type NodeAPIConfig struct {
	APIKeys    []string        `mapstructure:"api_keys"`
	AllowedIPs []string        `mapstructure:"allowed_ips"`
	RateLimit  RateLimitConfig `mapstructure:"rate_limit"`
	StatusTTL  time.Duration   `mapstructure:"status_ttl"`
}

// TrafficConfig 定义流量计数器配置。
type TrafficConfig struct {
	CounterTTL time.Duration `mapstructure:"counter_ttl"`
}

// ReconcileConfig 定义对账任务的调度。
type ReconcileConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Schedule      string        `mapstructure:"schedule"`
	CloseSchedule string        `mapstructure:"close_schedule"`
	LockTTL       time.Duration `mapstructure:"lock_ttl"`
}

// MetricsConfig 定义 Prometheus 指标配置。
type MetricsConfig struct {
	Enabled   bool      `mapstructure:"enabled"`
	Namespace string    `mapstructure:"namespace"`
	Subsystem string    `mapstructure:"subsystem"`
	Token     string    `mapstructure:"token"`
	Buckets   []float64 `mapstructure:"buckets"`
}

func (c LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(c.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Validate 检查配置组合是否可用。
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is required / 配置不能为空")
	}
	scheme := strings.ToLower(strings.TrimSpace(c.Subscription.TokenScheme))
	switch scheme {
	case TokenSchemeLegacy:
	case TokenSchemeSigned, TokenSchemeAuto:
		key := strings.TrimSpace(c.Subscription.SigningKey)
		if key == "" || key == defaultSigningKey {
			return fmt.Errorf("subscription.signing_key must be changed when token_scheme=%s / 使用签名令牌时必须修改签名密钥", scheme)
		}
	default:
		return fmt.Errorf("unknown subscription.token_scheme %q / 未知的令牌方案", c.Subscription.TokenScheme)
	}
	c.Subscription.TokenScheme = scheme

	switch strings.ToLower(c.FastStore.Driver) {
	case FastStoreRedis, FastStoreMemory:
	default:
		return fmt.Errorf("unknown fast_store.driver %q / 未知的快速存储驱动", c.FastStore.Driver)
	}
	if c.Subscription.RateLimit.Enabled && (c.Subscription.RateLimit.Limit <= 0 || c.Subscription.RateLimit.Window <= 0) {
		return fmt.Errorf("subscription.rate_limit requires positive limit and window / 订阅限流参数必须为正数")
	}
	if c.NodeAPI.RateLimit.Enabled && (c.NodeAPI.RateLimit.Limit <= 0 || c.NodeAPI.RateLimit.Window <= 0) {
		return fmt.Errorf("node_api.rate_limit requires positive limit and window / 节点接口限流参数必须为正数")
	}
	for _, entry := range c.NodeAPI.AllowedIPs {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			if _, _, err := net.ParseCIDR(entry); err != nil {
				return fmt.Errorf("node_api.allowed_ips: invalid CIDR %q: %w", entry, err)
			}
			continue
		}
		if net.ParseIP(entry) == nil {
			return fmt.Errorf("node_api.allowed_ips: invalid IP %q / IP 格式错误", entry)
		}
	}
	return nil
}
