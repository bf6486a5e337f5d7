// 文件路径: internal/repository/sqlite/node.go
// 模块说明: 这是 internal 模块里的 node 逻辑，下面的注释会用非常通俗的中文帮你理解每一步。
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/creamcroissant/sspanel/internal/repository"
)

type nodeRepo struct {
	db *sql.DB
}

const nodeColumns = `id, name, host, port, type, cipher, settings, group_id, enabled, sort, online_user, max_user, load, api_key, last_heartbeat_at, created_at, updated_at`

func (r *nodeRepo) FindByID(ctx context.Context, id int64) (*repository.Node, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE id = ? LIMIT 1`, id)
	return scanNode(row)
}

func (r *nodeRepo) FindByAPIKey(ctx context.Context, key string) (*repository.Node, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, repository.ErrNotFound
	}
	row := r.db.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE api_key = ? LIMIT 1`, key)
	return scanNode(row)
}

func (r *nodeRepo) ListEnabled(ctx context.Context) ([]*repository.Node, error) {
	return r.list(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE enabled = 1 ORDER BY sort DESC, id ASC`)
}

// ListForGroup：分组 0 的用户看到全部节点，其余用户看到公共节点(分组 0)和同组节点。
func (r *nodeRepo) ListForGroup(ctx context.Context, groupID int64) ([]*repository.Node, error) {
	if groupID <= 0 {
		return r.ListEnabled(ctx)
	}
	return r.list(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE enabled = 1 AND group_id IN (0, ?) ORDER BY sort DESC, id ASC`, groupID)
}

func (r *nodeRepo) Create(ctx context.Context, node *repository.Node) error {
	if node == nil {
		return fmt.Errorf("node is required / 节点不能为空")
	}
	now := time.Now().Unix()
	if node.CreatedAt == 0 {
		node.CreatedAt = now
	}
	if node.UpdatedAt == 0 {
		node.UpdatedAt = now
	}
	const stmt = `INSERT INTO nodes(name, host, port, type, cipher, settings, group_id, enabled, sort, online_user, max_user, load, api_key, last_heartbeat_at, created_at, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := r.db.ExecContext(ctx, stmt,
		node.Name,
		node.Host,
		node.Port,
		node.Type,
		node.Cipher,
		encodeRawJSON(node.Settings),
		node.GroupID,
		boolToInt(node.Enabled),
		node.Sort,
		node.OnlineUser,
		node.MaxUser,
		node.Load,
		nullableString(node.APIKey),
		node.LastHeartbeatAt,
		node.CreatedAt,
		node.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert node: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	node.ID = id
	return nil
}

func (r *nodeRepo) UpdateHeartbeat(ctx context.Context, id int64, hb repository.NodeHeartbeat) error {
	at := hb.At
	if at == 0 {
		at = time.Now().Unix()
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE nodes SET online_user = ?, load = ?, last_heartbeat_at = ?, updated_at = ? WHERE id = ?`,
		hb.OnlineUser, hb.Load, at, at, id)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

func (r *nodeRepo) list(ctx context.Context, query string, args ...any) ([]*repository.Node, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []*repository.Node
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return nodes, nil
}

func scanNode(row rowScanner) (*repository.Node, error) {
	var (
		node     repository.Node
		settings sql.NullString
		enabled  int
		apiKey   sql.NullString
	)
	err := row.Scan(
		&node.ID,
		&node.Name,
		&node.Host,
		&node.Port,
		&node.Type,
		&node.Cipher,
		&settings,
		&node.GroupID,
		&enabled,
		&node.Sort,
		&node.OnlineUser,
		&node.MaxUser,
		&node.Load,
		&apiKey,
		&node.LastHeartbeatAt,
		&node.CreatedAt,
		&node.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	node.Settings = decodeRawJSON(settings)
	node.Enabled = enabled == 1
	node.APIKey = apiKey.String
	return &node, nil
}
