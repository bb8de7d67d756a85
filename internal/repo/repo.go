package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"flowline/internal/domain"
	"flowline/internal/stage"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// IsConflict reports whether err is a SQLite unique-constraint violation.
// Claim exclusivity relies on this: the constraint, not application code,
// decides the race.
func IsConflict(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

const itemColumns = `id,title,type,priority,stage,worker,rejection_count,output_path,created_at,updated_at,completed_at,archived_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (domain.WorkItem, error) {
	var it domain.WorkItem
	var priority sql.NullInt64
	var worker, outputPath, completedAt, archivedAt sql.NullString
	err := row.Scan(&it.ID, &it.Title, &it.Type, &priority, &it.Stage, &worker, &it.RejectionCount,
		&outputPath, &it.CreatedAt, &it.UpdatedAt, &completedAt, &archivedAt)
	if err == sql.ErrNoRows {
		return it, ErrNotFound
	}
	if err != nil {
		return it, err
	}
	if priority.Valid {
		p := int(priority.Int64)
		it.Priority = &p
	}
	if worker.Valid {
		it.Worker = &worker.String
	}
	if outputPath.Valid {
		it.OutputPath = &outputPath.String
	}
	if completedAt.Valid {
		it.CompletedAt = &completedAt.String
	}
	if archivedAt.Valid {
		it.ArchivedAt = &archivedAt.String
	}
	return it, nil
}

func (r Repo) InsertItem(ctx context.Context, tx *sql.Tx, it domain.WorkItem) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO items(`+itemColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		it.ID, it.Title, it.Type, nullableIntPtr(it.Priority), it.Stage, nullableStringPtr(it.Worker),
		it.RejectionCount, nullableStringPtr(it.OutputPath), it.CreatedAt, it.UpdatedAt,
		nullableStringPtr(it.CompletedAt), nullableStringPtr(it.ArchivedAt))
	return err
}

func (r Repo) UpdateItem(ctx context.Context, tx *sql.Tx, it domain.WorkItem) error {
	res, err := tx.ExecContext(ctx, `UPDATE items SET title=?, type=?, priority=?, stage=?, worker=?, rejection_count=?, output_path=?, updated_at=?, completed_at=?, archived_at=? WHERE id=?`,
		it.Title, it.Type, nullableIntPtr(it.Priority), it.Stage, nullableStringPtr(it.Worker),
		it.RejectionCount, nullableStringPtr(it.OutputPath), it.UpdatedAt,
		nullableStringPtr(it.CompletedAt), nullableStringPtr(it.ArchivedAt), it.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetItem(ctx context.Context, id string) (domain.WorkItem, error) {
	it, err := scanItem(r.DB.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE id=?`, id))
	if err != nil {
		return it, err
	}
	it.DependsOn, err = r.ListItemDependencies(ctx, it.ID)
	return it, err
}

func (r Repo) GetItemTx(ctx context.Context, tx *sql.Tx, id string) (domain.WorkItem, error) {
	it, err := scanItem(tx.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE id=?`, id))
	if err != nil {
		return it, err
	}
	it.DependsOn, err = r.ListItemDependenciesTx(ctx, tx, it.ID)
	return it, err
}

type ItemFilters struct {
	Stage           string
	Worker          string
	IncludeArchived bool
	Limit           int
}

func (r Repo) ListItems(ctx context.Context, f ItemFilters) ([]domain.WorkItem, error) {
	var clauses []string
	var args []any
	if !f.IncludeArchived {
		clauses = append(clauses, "archived_at IS NULL")
	}
	if f.Stage != "" {
		clauses = append(clauses, "stage=?")
		args = append(args, f.Stage)
	}
	if f.Worker != "" {
		clauses = append(clauses, "worker=?")
		args = append(args, f.Worker)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + itemColumns + ` FROM items ` + where + ` ORDER BY created_at ASC, id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, it)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := r.attachDependencies(ctx, res); err != nil {
		return nil, err
	}
	return res, nil
}

// attachDependencies fills DependsOn for a batch with one edge query.
func (r Repo) attachDependencies(ctx context.Context, items []domain.WorkItem) error {
	if len(items) == 0 {
		return nil
	}
	edges, err := r.AllDependencyEdges(ctx)
	if err != nil {
		return err
	}
	for i := range items {
		items[i].DependsOn = edges[items[i].ID]
	}
	return nil
}

// CountStageItems returns the live, non-archived item count for a stage. It
// runs on the move transaction so the check and the write share one atomic
// unit; checking outside the transaction is the race this exists to prevent.
func (r Repo) CountStageItems(ctx context.Context, tx *sql.Tx, stageID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM items WHERE stage=? AND archived_at IS NULL`, stageID).Scan(&n)
	return n, err
}

func (r Repo) CountItemsByStage(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT stage, COUNT(*) FROM items WHERE archived_at IS NULL GROUP BY stage`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var s string
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		res[s] = n
	}
	return res, rows.Err()
}

func (r Repo) ListItemDependencies(ctx context.Context, itemID string) ([]string, error) {
	return listDeps(ctx, r.DB.QueryContext, itemID)
}

func (r Repo) ListItemDependenciesTx(ctx context.Context, tx *sql.Tx, itemID string) ([]string, error) {
	return listDeps(ctx, tx.QueryContext, itemID)
}

type queryFunc func(ctx context.Context, query string, args ...any) (*sql.Rows, error)

func listDeps(ctx context.Context, query queryFunc, itemID string) ([]string, error) {
	rows, err := query(ctx, `SELECT depends_on_id FROM item_deps WHERE item_id=? ORDER BY depends_on_id`, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var deps []string
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return nil, err
		}
		deps = append(deps, dep)
	}
	return deps, rows.Err()
}

func (r Repo) AddDependencies(ctx context.Context, tx *sql.Tx, itemID string, deps []string) error {
	for _, d := range deps {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO item_deps(item_id, depends_on_id) VALUES (?,?)`, itemID, d); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) RemoveDependencies(ctx context.Context, tx *sql.Tx, itemID string, deps []string) error {
	for _, d := range deps {
		if _, err := tx.ExecContext(ctx, `DELETE FROM item_deps WHERE item_id=? AND depends_on_id=?`, itemID, d); err != nil {
			return err
		}
	}
	return nil
}

// AllDependencyEdges returns the full itemID -> dependsOnIDs edge map.
func (r Repo) AllDependencyEdges(ctx context.Context) (map[string][]string, error) {
	return allEdges(ctx, r.DB.QueryContext)
}

func (r Repo) AllDependencyEdgesTx(ctx context.Context, tx *sql.Tx) (map[string][]string, error) {
	return allEdges(ctx, tx.QueryContext)
}

func allEdges(ctx context.Context, query queryFunc) (map[string][]string, error) {
	rows, err := query(ctx, `SELECT item_id, depends_on_id FROM item_deps ORDER BY item_id, depends_on_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	edges := map[string][]string{}
	for rows.Next() {
		var from, to string
		if err := rows.Scan(&from, &to); err != nil {
			return nil, err
		}
		edges[from] = append(edges[from], to)
	}
	return edges, rows.Err()
}

// ItemStages returns id -> stage for every item, archived included so that
// edges referencing archived items still resolve.
func (r Repo) ItemStages(ctx context.Context) (map[string]stage.Stage, error) {
	return itemStages(ctx, r.DB.QueryContext)
}

func (r Repo) ItemStagesTx(ctx context.Context, tx *sql.Tx) (map[string]stage.Stage, error) {
	return itemStages(ctx, tx.QueryContext)
}

func itemStages(ctx context.Context, query queryFunc) (map[string]stage.Stage, error) {
	rows, err := query(ctx, `SELECT id, stage FROM items`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]stage.Stage{}
	for rows.Next() {
		var id, s string
		if err := rows.Scan(&id, &s); err != nil {
			return nil, err
		}
		res[id] = stage.Stage(s)
	}
	return res, rows.Err()
}

// SeedStages upserts the stage configuration rows.
func (r Repo) SeedStages(ctx context.Context, tx *sql.Tx, stages []domain.StageInfo) error {
	for _, s := range stages {
		if _, err := tx.ExecContext(ctx, `INSERT INTO stages(id,ord,wip_limit) VALUES (?,?,?)
ON CONFLICT(id) DO UPDATE SET ord=excluded.ord, wip_limit=excluded.wip_limit`, s.ID, s.Order, nullableIntPtr(s.WIPLimit)); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) ListStages(ctx context.Context) ([]domain.StageInfo, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ord,wip_limit FROM stages ORDER BY ord`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StageInfo
	for rows.Next() {
		var s domain.StageInfo
		var limit sql.NullInt64
		if err := rows.Scan(&s.ID, &s.Order, &limit); err != nil {
			return nil, err
		}
		if limit.Valid {
			v := int(limit.Int64)
			s.WIPLimit = &v
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

// GetStage returns one stage row.
func (r Repo) GetStageTx(ctx context.Context, tx *sql.Tx, id string) (domain.StageInfo, error) {
	var s domain.StageInfo
	var limit sql.NullInt64
	err := tx.QueryRowContext(ctx, `SELECT id,ord,wip_limit FROM stages WHERE id=?`, id).Scan(&s.ID, &s.Order, &limit)
	if err == sql.ErrNoRows {
		return s, fmt.Errorf("stage %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return s, err
	}
	if limit.Valid {
		v := int(limit.Int64)
		s.WIPLimit = &v
	}
	return s, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
