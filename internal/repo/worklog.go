package repo

import (
	"context"
	"database/sql"

	"flowline/internal/domain"
)

// AppendWorkLog inserts an append-only entry; work log rows are never updated.
func (r Repo) AppendWorkLog(ctx context.Context, tx *sql.Tx, e domain.WorkLogEntry) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO work_log(id,item_id,worker,action,summary,ts) VALUES (?,?,?,?,?,?)`,
		e.ID, e.ItemID, e.Worker, e.Action, nullable(e.Summary), e.TS)
	return err
}

func (r Repo) ListWorkLog(ctx context.Context, itemID string, limit int) ([]domain.WorkLogEntry, error) {
	query := `SELECT id,item_id,worker,action,COALESCE(summary,''),ts FROM work_log WHERE item_id=? ORDER BY ts DESC, id DESC`
	args := []any{itemID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkLogEntry
	for rows.Next() {
		var e domain.WorkLogEntry
		if err := rows.Scan(&e.ID, &e.ItemID, &e.Worker, &e.Action, &e.Summary, &e.TS); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// CountWorkLog returns the number of entries for an item.
func (r Repo) CountWorkLog(ctx context.Context, itemID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM work_log WHERE item_id=?`, itemID).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return n, err
}
