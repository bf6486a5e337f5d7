// 文件路径: internal/repository/sqlite/stat_node.go
// 模块说明: 这是 internal 模块里的 stat_node 逻辑，下面的注释会用非常通俗的中文帮你理解每一步。
package sqlite

import (
	"context"
	"database/sql"

	"github.com/creamcroissant/sspanel/internal/repository"
)

type statNodeRepo struct {
	db *sql.DB
}

// Upsert 覆盖写入 (节点, 天) 这一行，重复执行结果不变。
func (r *statNodeRepo) Upsert(ctx context.Context, record repository.UsageRecord) error {
	const stmt = `INSERT INTO stat_node_daily(node_id, record_at, u, d, created_at, updated_at)
		VALUES(?, ?, ?, ?, ?, ?)
		ON CONFLICT(node_id, record_at) DO UPDATE SET
			u = excluded.u,
			d = excluded.d,
			updated_at = excluded.updated_at`
	_, err := r.db.ExecContext(ctx, stmt,
		record.EntityID,
		record.RecordAt,
		record.Upload,
		record.Download,
		record.CreatedAt,
		record.UpdatedAt,
	)
	return err
}

func (r *statNodeRepo) Find(ctx context.Context, nodeID int64, recordAt int64) (*repository.UsageRecord, error) {
	row := r.db.QueryRowContext(ctx, `SELECT node_id, record_at, u, d, created_at, updated_at
		FROM stat_node_daily WHERE node_id = ? AND record_at = ? LIMIT 1`, nodeID, recordAt)
	return scanUsage(row)
}

func (r *statNodeRepo) ListByDay(ctx context.Context, recordAt int64) ([]repository.UsageRecord, error) {
	return listUsage(ctx, r.db, `SELECT node_id, record_at, u, d, created_at, updated_at
		FROM stat_node_daily WHERE record_at = ? ORDER BY node_id ASC`, recordAt)
}
