package service

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/creamcroissant/sspanel/internal/cache"
	"github.com/creamcroissant/sspanel/internal/faststore"
	"github.com/creamcroissant/sspanel/internal/migrations"
	"github.com/creamcroissant/sspanel/internal/repository"
	"github.com/creamcroissant/sspanel/internal/repository/sqlite"
)

const testUUID = "0b6fd6a4-7d8b-4f3e-9b8c-3a0f2c7a1e55"

type fixture struct {
	db      *sql.DB
	store   *sqlite.Store
	cache   cache.Store
	mr      *miniredis.Miniredis
	client  *redis.Client
	fast    *faststore.RedisStore
	users   *UserDirectory
	catalog *NodeCatalog
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sspanel.db")
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, migrations.Up(db))

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := sqlite.NewStore(db)
	memCache := cache.NewMemoryStore(cache.Options{DefaultTTL: time.Minute})
	return &fixture{
		db:      db,
		store:   store,
		cache:   memCache,
		mr:      mr,
		client:  client,
		fast:    faststore.NewRedisStore(client, faststore.Options{}),
		users:   NewUserDirectory(store.Users(), memCache, time.Minute),
		catalog: NewNodeCatalog(store.Nodes(), memCache, time.Minute, time.Minute),
	}
}

func (f *fixture) addUser(t *testing.T, user repository.User) *repository.User {
	t.Helper()
	if user.UUID == "" {
		user.UUID = testUUID
	}
	if user.Token == "" {
		user.Token = fmt.Sprintf("legacy-token-%04d-abcdef", user.ID)
	}
	require.NoError(t, f.store.Users().Create(context.Background(), &user))
	return &user
}

func (f *fixture) addNode(t *testing.T, node repository.Node) *repository.Node {
	t.Helper()
	if node.Type == "" {
		node.Type = "shadowsocks"
	}
	if node.Cipher == "" {
		node.Cipher = "aes-256-gcm"
	}
	if node.Host == "" {
		node.Host = "node.example.com"
	}
	if node.Port == 0 {
		node.Port = 8388
	}
	require.NoError(t, f.store.Nodes().Create(context.Background(), &node))
	return &node
}

// corruptSecret 绕过仓储校验，模拟库里遗留的坏密钥。
func (f *fixture) corruptSecret(t *testing.T, userID int64, secret string) {
	t.Helper()
	_, err := f.db.ExecContext(context.Background(), `UPDATE users SET uuid = ? WHERE id = ?`, secret, userID)
	require.NoError(t, err)
}
