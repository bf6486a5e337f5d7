package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Load reads configuration from defaults, config.yaml, .env and SSPANEL_* variables.
func Load() (*Config, error) {
	return LoadFrom("")
}

// LoadFrom behaves like Load but reads an explicit config file when path is set.
func LoadFrom(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/sspanel/")
	}

	v.SetEnvPrefix("SSPANEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// 列表类型无法通过 AutomaticEnv 自动展开，单独绑定。
	if err := v.BindEnv("node_api.api_keys", "SSPANEL_NODE_API_API_KEYS", "SSPANEL_NODE_API_KEYS"); err != nil {
		return nil, fmt.Errorf("bind env node_api.api_keys: %w", err)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := loadDotEnv(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.NodeAPI.APIKeys = splitList(cfg.NodeAPI.APIKeys)
	cfg.NodeAPI.AllowedIPs = splitList(cfg.NodeAPI.AllowedIPs)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", "0.0.0.0:8080")
	v.SetDefault("http.shutdown_timeout", "15s")
	v.SetDefault("http.body_limit", 2*1024*1024)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.environment", "production")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "data/sspanel.db")

	v.SetDefault("fast_store.driver", FastStoreRedis)
	v.SetDefault("fast_store.addr", "127.0.0.1:6379")
	v.SetDefault("fast_store.db", 0)
	v.SetDefault("fast_store.dial_timeout", "5s")
	v.SetDefault("fast_store.connect_retry", "30s")

	v.SetDefault("cache.user_ttl", "2m")
	v.SetDefault("cache.node_ttl", "5m")
	v.SetDefault("cache.node_list_ttl", "2m")

	v.SetDefault("subscription.token_scheme", TokenSchemeLegacy)
	v.SetDefault("subscription.signing_key", defaultSigningKey)
	v.SetDefault("subscription.issuer", "sspanel")
	v.SetDefault("subscription.audience", "sspanel-subscribe")
	v.SetDefault("subscription.token_ttl", "8760h")
	v.SetDefault("subscription.leeway", "30s")
	v.SetDefault("subscription.default_format", "ss")
	v.SetDefault("subscription.app_name", "SSPanel")
	v.SetDefault("subscription.update_interval", 24)
	v.SetDefault("subscription.rate_limit.enabled", true)
	v.SetDefault("subscription.rate_limit.limit", 10)
	v.SetDefault("subscription.rate_limit.window", "60s")
	v.SetDefault("subscription.history_size", 10)
	v.SetDefault("subscription.history_ttl", "720h")

	v.SetDefault("node_api.rate_limit.enabled", true)
	v.SetDefault("node_api.rate_limit.limit", 120)
	v.SetDefault("node_api.rate_limit.window", "1m")
	v.SetDefault("node_api.status_ttl", "10m")

	v.SetDefault("traffic.counter_ttl", "72h")

	v.SetDefault("reconcile.enabled", true)
	v.SetDefault("reconcile.schedule", "0 */10 * * * *")
	v.SetDefault("reconcile.close_schedule", "0 5 0 * * *")
	v.SetDefault("reconcile.lock_ttl", "5m")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.namespace", "sspanel")
	v.SetDefault("metrics.subsystem", "http")
}

func loadDotEnv(v *viper.Viper) error {
	candidates := []string{".", ".."}
	for _, path := range candidates {
		file := filepath.Clean(filepath.Join(path, ".env"))
		if _, err := os.Stat(file); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("stat .env: %w", err)
		}

		envViper := viper.New()
		envViper.SetConfigFile(file)
		envViper.SetConfigType("env")
		if err := envViper.ReadInConfig(); err != nil {
			return fmt.Errorf("read .env: %w", err)
		}
		bindDotEnv(v, envViper)
		return nil
	}
	return nil
}

// bindDotEnv maps flat .env keys onto the hierarchical config as defaults,
// so config.yaml and real SSPANEL_* variables still take precedence.
func bindDotEnv(target *viper.Viper, source *viper.Viper) {
	mappings := map[string]string{
		"HTTP_ADDR":          "http.addr",
		"LOG_LEVEL":          "log.level",
		"LOG_FORMAT":         "log.format",
		"DB_PATH":            "database.path",
		"REDIS_ADDR":         "fast_store.addr",
		"REDIS_PASSWORD":     "fast_store.password",
		"REDIS_DB":           "fast_store.db",
		"SUB_TOKEN_SCHEME":   "subscription.token_scheme",
		"SUB_SIGNING_KEY":    "subscription.signing_key",
		"SUB_DEFAULT_FORMAT": "subscription.default_format",
		"NODE_API_KEYS":      "node_api.api_keys",
		"NODE_ALLOWED_IPS":   "node_api.allowed_ips",
	}
	for oldKey, newKey := range mappings {
		if val := source.GetString(oldKey); val != "" {
			target.SetDefault(newKey, val)
		}
	}
}

// splitList flattens comma separated entries coming from env/.env values.
func splitList(items []string) []string {
	var out []string
	for _, item := range items {
		for _, part := range strings.Split(item, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
	}
	return out
}
