// 文件路径: internal/repository/sqlite/stat_user.go
// 模块说明: 这是 internal 模块里的 stat_user 逻辑，下面的注释会用非常通俗的中文帮你理解每一步。
package sqlite

import (
	"context"
	"database/sql"
	"errors"

	"github.com/creamcroissant/sspanel/internal/repository"
)

type statUserRepo struct {
	db *sql.DB
}

// Settle 用快速存储里的当天快照覆盖日表，并把“新增部分”累加到 users.u/d。
// 同一天重复执行时差值为 0，所以结果幂等。
func (r *statUserRepo) Settle(ctx context.Context, record repository.UsageRecord) (repository.SettleResult, error) {
	var result repository.SettleResult
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return result, err
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM users WHERE id = ?`, record.EntityID).Scan(&exists); err != nil {
		return result, err
	}
	if exists == 0 {
		return result, repository.ErrNotFound
	}

	var prevU, prevD int64
	err = tx.QueryRowContext(ctx, `SELECT u, d FROM stat_user_daily WHERE user_id = ? AND record_at = ?`,
		record.EntityID, record.RecordAt).Scan(&prevU, &prevD)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return result, err
	}

	const upsert = `INSERT INTO stat_user_daily(user_id, record_at, u, d, created_at, updated_at)
		VALUES(?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, record_at) DO UPDATE SET
			u = excluded.u,
			d = excluded.d,
			updated_at = excluded.updated_at`
	if _, err := tx.ExecContext(ctx, upsert,
		record.EntityID,
		record.RecordAt,
		record.Upload,
		record.Download,
		record.CreatedAt,
		record.UpdatedAt,
	); err != nil {
		return result, err
	}

	// 计数器只增不减；快照变小（例如被重置过）时不回退累计值。
	// 流量累计不改 users.updated_at，它只给节点增量同步用。
	result.UploadDelta = positive(record.Upload - prevU)
	result.DownloadDelta = positive(record.Download - prevD)
	if result.UploadDelta > 0 || result.DownloadDelta > 0 {
		if _, err := tx.ExecContext(ctx, `UPDATE users SET u = u + ?, d = d + ? WHERE id = ?`,
			result.UploadDelta, result.DownloadDelta, record.EntityID); err != nil {
			return result, err
		}
	}
	if err := tx.Commit(); err != nil {
		return repository.SettleResult{}, err
	}
	return result, nil
}

func (r *statUserRepo) Find(ctx context.Context, userID int64, recordAt int64) (*repository.UsageRecord, error) {
	row := r.db.QueryRowContext(ctx, `SELECT user_id, record_at, u, d, created_at, updated_at
		FROM stat_user_daily WHERE user_id = ? AND record_at = ? LIMIT 1`, userID, recordAt)
	return scanUsage(row)
}

func (r *statUserRepo) ListByDay(ctx context.Context, recordAt int64) ([]repository.UsageRecord, error) {
	return listUsage(ctx, r.db, `SELECT user_id, record_at, u, d, created_at, updated_at
		FROM stat_user_daily WHERE record_at = ? ORDER BY user_id ASC`, recordAt)
}

func positive(v int64) int64 {
	if v < 0 {
		return 0
	}
	return v
}

func scanUsage(row rowScanner) (*repository.UsageRecord, error) {
	var record repository.UsageRecord
	if err := row.Scan(
		&record.EntityID,
		&record.RecordAt,
		&record.Upload,
		&record.Download,
		&record.CreatedAt,
		&record.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &record, nil
}

func listUsage(ctx context.Context, db *sql.DB, query string, args ...any) ([]repository.UsageRecord, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var records []repository.UsageRecord
	for rows.Next() {
		record, err := scanUsage(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}
