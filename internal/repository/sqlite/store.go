// 文件路径: internal/repository/sqlite/store.go
// 模块说明: 这是 internal 模块里的 store 逻辑，下面的注释会用非常通俗的中文帮你理解每一步。
package sqlite

import (
	"context"
	"database/sql"

	"github.com/creamcroissant/sspanel/internal/repository"
)

// Store wires SQLite-backed repository implementations.
type Store struct {
	db        *sql.DB
	users     repository.UserRepository
	nodes     repository.NodeRepository
	statUsers repository.StatUserRepository
	statNodes repository.StatNodeRepository
}

var _ repository.Store = (*Store)(nil)

// NewStore constructs a SQLite-backed repository store.
func NewStore(db *sql.DB) *Store {
	return &Store{
		db:        db,
		users:     &userRepo{db: db},
		nodes:     &nodeRepo{db: db},
		statUsers: &statUserRepo{db: db},
		statNodes: &statNodeRepo{db: db},
	}
}

func (s *Store) Users() repository.UserRepository {
	return s.users
}

func (s *Store) Nodes() repository.NodeRepository {
	return s.nodes
}

func (s *Store) StatUsers() repository.StatUserRepository {
	return s.statUsers
}

func (s *Store) StatNodes() repository.StatNodeRepository {
	return s.statNodes
}

// Ping checks the underlying connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
