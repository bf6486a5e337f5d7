package bootstrap

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creamcroissant/sspanel/internal/config"
	"github.com/creamcroissant/sspanel/internal/job"
	"github.com/creamcroissant/sspanel/internal/migrations"
	"github.com/creamcroissant/sspanel/internal/repository"
	"github.com/creamcroissant/sspanel/internal/support/logging"
)

const globalKey = "global-node-key-0001"

func testConfig(driver string) *config.Config {
	return &config.Config{
		HTTP:      config.HTTPConfig{Addr: ":0", BodyLimit: 1 << 20},
		DB:        config.DBConfig{Driver: "sqlite"},
		FastStore: config.FastStoreConfig{Driver: driver, KeyPrefix: "sspanel"},
		Cache:     config.CacheConfig{UserTTL: time.Minute, NodeTTL: time.Minute, NodeListTTL: time.Minute},
		Subscription: config.SubscriptionConfig{
			TokenScheme:   config.TokenSchemeLegacy,
			SigningKey:    "change-me",
			DefaultFormat: "ss",
			AppName:       "Demo",
			HistorySize:   10,
			HistoryTTL:    time.Hour,
		},
		NodeAPI:   config.NodeAPIConfig{APIKeys: []string{globalKey}, StatusTTL: time.Minute},
		Traffic:   config.TrafficConfig{CounterTTL: time.Hour},
		Reconcile: config.ReconcileConfig{Enabled: true, Schedule: "@every 5m", CloseSchedule: "5 0 * * *", LockTTL: time.Minute},
		Metrics:   config.MetricsConfig{Enabled: true, Namespace: "sspanel"},
	}
}

func buildTestInfra(t *testing.T, cfg *config.Config) *Infrastructure {
	t.Helper()
	ctx := context.Background()
	db, err := OpenSQLite(ctx, filepath.Join(t.TempDir(), "data", "sspanel.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, migrations.Up(db))

	var client *redis.Client
	if cfg.FastStore.Driver == config.FastStoreRedis {
		mr := miniredis.RunT(t)
		cfg.FastStore.Addr = mr.Addr()
		client, err = OpenRedis(ctx, cfg.FastStore, logging.Discard())
		require.NoError(t, err)
		t.Cleanup(func() { _ = client.Close() })
	}

	infra, err := BuildInfrastructure(cfg, db, client, logging.Discard())
	require.NoError(t, err)
	return infra
}

func seedUser(t *testing.T, infra *Infrastructure, user repository.User) *repository.User {
	t.Helper()
	if user.UUID == "" {
		user.UUID = fmt.Sprintf("0b6fd6a4-7d8b-4f3e-9b8c-3a0f2c7a%04d", user.ID)
	}
	if user.Token == "" {
		user.Token = "bootstrap-token-" + strings.Repeat("x", 8)
	}
	require.NoError(t, infra.Store.Users().Create(context.Background(), &user))
	return &user
}

func seedNode(t *testing.T, infra *Infrastructure, node repository.Node) *repository.Node {
	t.Helper()
	node.Type = "shadowsocks"
	node.Cipher = "aes-256-gcm"
	node.Host = "hk.example.com"
	node.Port = 8388
	node.Enabled = true
	require.NoError(t, infra.Store.Nodes().Create(context.Background(), &node))
	return &node
}

func do(t *testing.T, h http.Handler, method, target, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	req.RemoteAddr = "203.0.113.20:40000"
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestBuildInfrastructure_Validation(t *testing.T) {
	_, err := BuildInfrastructure(nil, nil, nil, nil)
	require.Error(t, err)

	db, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "x.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = BuildInfrastructure(testConfig(config.FastStoreRedis), db, nil, nil)
	require.Error(t, err)

	cfg := testConfig(config.FastStoreMemory)
	cfg.Subscription.TokenScheme = config.TokenSchemeSigned
	_, err = BuildInfrastructure(cfg, db, nil, nil)
	require.Error(t, err, "signed scheme without a signing key has no token manager")

	cfg.Subscription.SigningKey = "bootstrap-signing-key"
	infra, err := BuildInfrastructure(cfg, db, nil, nil)
	require.NoError(t, err)
	assert.NotNil(t, infra.Tokens)
}

func TestRouter_EndToEnd(t *testing.T) {
	for _, driver := range []string{config.FastStoreRedis, config.FastStoreMemory} {
		t.Run(driver, func(t *testing.T) {
			ctx := context.Background()
			cfg := testConfig(driver)
			infra := buildTestInfra(t, cfg)
			user := seedUser(t, infra, repository.User{ID: 1, Enabled: true, TransferEnable: 1 << 30})
			seedUser(t, infra, repository.User{ID: 2, Enabled: false, Token: "disabled-token-0002"})
			node := seedNode(t, infra, repository.Node{Name: "HK", APIKey: "node-key-hk-0001"})

			h, err := infra.Router(cfg)
			require.NoError(t, err)

			rec := do(t, h, http.MethodGet, "/healthz", "", nil)
			assert.Equal(t, http.StatusOK, rec.Code)

			rec = do(t, h, http.MethodGet, "/sub?sid=1&token="+user.Token, "", nil)
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			raw, err := base64.StdEncoding.DecodeString(rec.Body.String())
			require.NoError(t, err)
			assert.Contains(t, string(raw), "#HK")

			rec = do(t, h, http.MethodGet, "/api/v1/client/subscribe?sid=2&token=disabled-token-0002", "", nil)
			assert.Equal(t, http.StatusForbidden, rec.Code)
			assert.Equal(t, "account disabled", strings.TrimSpace(rec.Body.String()))

			rec = do(t, h, http.MethodGet, "/api/v1/server/nodes", "", nil)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)

			rec = do(t, h, http.MethodGet, "/api/v1/server/nodes", "", map[string]string{"X-API-Key": "node-key-hk-0001"})
			require.Equal(t, http.StatusOK, rec.Code)
			assert.Contains(t, rec.Body.String(), `"HK"`)

			rec = do(t, h, http.MethodPost, "/api/v1/server/traffic/report",
				`{"node_id":`+strconv.FormatInt(node.ID, 10)+`,"data":[{"user_id":1,"u":100,"d":200}]}`,
				map[string]string{"Authorization": "Bearer " + globalKey})
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			assert.Contains(t, rec.Body.String(), `"processed":1`)

			res, err := infra.ReconcileJob("reconcile_today", 0, time.Minute).Reconcile(ctx, time.Now().UTC())
			require.NoError(t, err)
			assert.Equal(t, 1, res.UsersWritten)

			stored, err := infra.Store.Users().FindByID(ctx, 1)
			require.NoError(t, err)
			assert.Equal(t, int64(100), stored.U)
			assert.Equal(t, int64(200), stored.D)

			rec = do(t, h, http.MethodGet, "/metrics", "", nil)
			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Contains(t, rec.Body.String(), "sspanel_subscription_renders_total")
		})
	}
}

func TestRegisterJobs(t *testing.T) {
	cfg := testConfig(config.FastStoreMemory)
	infra := buildTestInfra(t, cfg)
	scheduler := job.NewScheduler(logging.Discard(), time.Minute)

	require.NoError(t, infra.RegisterJobs(scheduler, cfg.Reconcile))

	cfg.Reconcile.Schedule = "not a cron"
	require.Error(t, infra.RegisterJobs(scheduler, cfg.Reconcile))

	cfg.Reconcile.Enabled = false
	require.NoError(t, infra.RegisterJobs(scheduler, cfg.Reconcile))
}

func TestOpenRedis_GivesUp(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	start := time.Now()
	_, err := OpenRedis(context.Background(), config.FastStoreConfig{
		Addr:         addr,
		DialTimeout:  100 * time.Millisecond,
		ConnectRetry: 300 * time.Millisecond,
	}, logging.Discard())
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestJoinPrefix(t *testing.T) {
	assert.Equal(t, "server_api_rate_limit", joinPrefix("", "server_api_rate_limit"))
	assert.Equal(t, "sspanel:cache", joinPrefix("sspanel:", "cache"))
}
