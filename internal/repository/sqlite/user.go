// 文件路径: internal/repository/sqlite/user.go
// 模块说明: 这是 internal 模块里的 user 逻辑，下面的注释会用非常通俗的中文帮你理解每一步。
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/creamcroissant/sspanel/internal/credential"
	"github.com/creamcroissant/sspanel/internal/repository"
)

// userRepo 负责 users 表的 SQLite 实现。
type userRepo struct {
	db *sql.DB
}

const userColumns = `id, uuid, token, enabled, transfer_enable, u, d, group_id, speed_limit, device_limit, expired_at, created_at, updated_at`

func (r *userRepo) FindByID(ctx context.Context, id int64) (*repository.User, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ? LIMIT 1`, id)
	return scanUser(row)
}

func (r *userRepo) Create(ctx context.Context, user *repository.User) error {
	if user == nil {
		return fmt.Errorf("user is required / 用户不能为空")
	}
	if !credential.ValidSecret(user.UUID) {
		return fmt.Errorf("create user %d: %w", user.ID, repository.ErrInvalidSecret)
	}
	const stmt = `INSERT INTO users(` + userColumns + `) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	now := time.Now().Unix()
	if user.CreatedAt == 0 {
		user.CreatedAt = now
	}
	if user.UpdatedAt == 0 {
		user.UpdatedAt = now
	}
	_, err := r.db.ExecContext(ctx, stmt,
		user.ID,
		user.UUID,
		user.Token,
		boolToInt(user.Enabled),
		user.TransferEnable,
		user.U,
		user.D,
		user.GroupID,
		nullableInt(user.SpeedLimit),
		nullableInt(user.DeviceLimit),
		user.ExpiredAt,
		user.CreatedAt,
		user.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (r *userRepo) UpdateSecret(ctx context.Context, id int64, uuid string) error {
	if !credential.ValidSecret(uuid) {
		return fmt.Errorf("update secret of user %d: %w", id, repository.ErrInvalidSecret)
	}
	res, err := r.db.ExecContext(ctx, `UPDATE users SET uuid = ?, updated_at = ? WHERE id = ?`, uuid, time.Now().Unix(), id)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

func (r *userRepo) ResetTraffic(ctx context.Context, id int64, reason string, nowUnix int64) (*repository.TrafficReset, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	reset := &repository.TrafficReset{UserID: id, Reason: reason, CreatedAt: nowUnix}
	if err := tx.QueryRowContext(ctx, `SELECT u, d FROM users WHERE id = ?`, id).Scan(&reset.Upload, &reset.Download); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE users SET u = 0, d = 0 WHERE id = ?`, id); err != nil {
		return nil, err
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO traffic_resets(user_id, u, d, reason, created_at) VALUES(?, ?, ?, ?, ?)`,
		id, reset.Upload, reset.Download, reason, nowUnix)
	if err != nil {
		return nil, err
	}
	if reset.ID, err = res.LastInsertId(); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return reset, nil
}

// ListForGroup 返回某个节点分组可用的用户：启用且未过期。
// 分组 0 的节点对所有人可见；分组 0 的用户可以使用任何节点。
func (r *userRepo) ListForGroup(ctx context.Context, groupID int64, nowUnix int64) ([]*repository.NodeUser, error) {
	query := `SELECT id, uuid, enabled, expired_at, speed_limit, device_limit, updated_at FROM users
		WHERE enabled = 1 AND (expired_at = 0 OR expired_at > ?)`
	args := []any{nowUnix}
	if groupID > 0 {
		query += ` AND group_id IN (0, ?)`
		args = append(args, groupID)
	}
	query += ` ORDER BY id ASC`
	return r.listNodeUsers(ctx, query, args...)
}

// ListChangedForGroup 按 updated_at >= since 取变更行：updated_at 精度是秒，
// 与水位同一秒内的后续写入也要能被下一次增量拉到，重复行由节点按 id 去重。
func (r *userRepo) ListChangedForGroup(ctx context.Context, groupID int64, since int64) ([]*repository.NodeUser, error) {
	query := `SELECT id, uuid, enabled, expired_at, speed_limit, device_limit, updated_at FROM users WHERE updated_at >= ?`
	args := []any{since}
	if groupID > 0 {
		query += ` AND group_id IN (0, ?)`
		args = append(args, groupID)
	}
	query += ` ORDER BY updated_at ASC, id ASC`
	return r.listNodeUsers(ctx, query, args...)
}

func (r *userRepo) listNodeUsers(ctx context.Context, query string, args ...any) ([]*repository.NodeUser, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*repository.NodeUser
	for rows.Next() {
		var (
			user        repository.NodeUser
			enabled     int
			speedLimit  sql.NullInt64
			deviceLimit sql.NullInt64
		)
		if err := rows.Scan(&user.ID, &user.UUID, &enabled, &user.ExpiredAt, &speedLimit, &deviceLimit, &user.UpdatedAt); err != nil {
			return nil, err
		}
		user.Enabled = enabled == 1
		user.SpeedLimit = nullableIntPtr(speedLimit)
		user.DeviceLimit = nullableIntPtr(deviceLimit)
		users = append(users, &user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func scanUser(row rowScanner) (*repository.User, error) {
	var (
		user        repository.User
		enabled     int
		speedLimit  sql.NullInt64
		deviceLimit sql.NullInt64
	)
	err := row.Scan(
		&user.ID,
		&user.UUID,
		&user.Token,
		&enabled,
		&user.TransferEnable,
		&user.U,
		&user.D,
		&user.GroupID,
		&speedLimit,
		&deviceLimit,
		&user.ExpiredAt,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	user.Enabled = enabled == 1
	user.SpeedLimit = nullableIntPtr(speedLimit)
	user.DeviceLimit = nullableIntPtr(deviceLimit)
	return &user, nil
}

func expectAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return repository.ErrNotFound
	}
	return nil
}
