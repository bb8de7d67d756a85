package repo

import (
	"context"
	"database/sql"

	"flowline/internal/domain"
)

// InsertClaim relies on the item_id primary key: a second concurrent insert
// fails with a unique-constraint violation (see IsConflict) rather than
// producing a double claim.
func (r Repo) InsertClaim(ctx context.Context, tx *sql.Tx, c domain.AgentClaim) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO claims(item_id,worker,claimed_at) VALUES (?,?,?)`,
		c.ItemID, c.Worker, c.ClaimedAt)
	return err
}

// DeleteClaim removes the claim for an item and reports whether one existed.
func (r Repo) DeleteClaim(ctx context.Context, tx *sql.Tx, itemID string) (bool, error) {
	res, err := tx.ExecContext(ctx, `DELETE FROM claims WHERE item_id=?`, itemID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) GetClaim(ctx context.Context, itemID string) (domain.AgentClaim, error) {
	var c domain.AgentClaim
	err := r.DB.QueryRowContext(ctx, `SELECT item_id,worker,claimed_at FROM claims WHERE item_id=?`, itemID).
		Scan(&c.ItemID, &c.Worker, &c.ClaimedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

func (r Repo) GetClaimTx(ctx context.Context, tx *sql.Tx, itemID string) (domain.AgentClaim, error) {
	var c domain.AgentClaim
	err := tx.QueryRowContext(ctx, `SELECT item_id,worker,claimed_at FROM claims WHERE item_id=?`, itemID).
		Scan(&c.ItemID, &c.Worker, &c.ClaimedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

func (r Repo) ListClaims(ctx context.Context) ([]domain.AgentClaim, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT item_id,worker,claimed_at FROM claims ORDER BY claimed_at, item_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AgentClaim
	for rows.Next() {
		var c domain.AgentClaim
		if err := rows.Scan(&c.ItemID, &c.Worker, &c.ClaimedAt); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}
