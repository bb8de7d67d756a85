package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"flowline/internal/config"
	"flowline/internal/domain"
)

func scanMission(row rowScanner) (domain.Mission, error) {
	var m domain.Mission
	var completedAt sql.NullString
	err := row.Scan(&m.ID, &m.State, &m.CreatedAt, &m.UpdatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if completedAt.Valid {
		m.CompletedAt = &completedAt.String
	}
	return m, err
}

func (r Repo) InsertMission(ctx context.Context, tx *sql.Tx, m domain.Mission) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO missions(id,state,created_at,updated_at,completed_at) VALUES (?,?,?,?,?)`,
		m.ID, m.State, m.CreatedAt, m.UpdatedAt, nullableStringPtr(m.CompletedAt))
	return err
}

func (r Repo) GetMission(ctx context.Context, id string) (domain.Mission, error) {
	return scanMission(r.DB.QueryRowContext(ctx, `SELECT id,state,created_at,updated_at,completed_at FROM missions WHERE id=?`, id))
}

func (r Repo) GetMissionTx(ctx context.Context, tx *sql.Tx, id string) (domain.Mission, error) {
	return scanMission(tx.QueryRowContext(ctx, `SELECT id,state,created_at,updated_at,completed_at FROM missions WHERE id=?`, id))
}

// SingleMission returns the only mission in the workspace, erroring when the
// workspace holds none or more than one.
func (r Repo) SingleMission(ctx context.Context) (domain.Mission, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,state,created_at,updated_at,completed_at FROM missions`)
	if err != nil {
		return domain.Mission{}, err
	}
	defer rows.Close()
	var missions []domain.Mission
	for rows.Next() {
		m, err := scanMission(rows)
		if err != nil {
			return domain.Mission{}, err
		}
		missions = append(missions, m)
	}
	if len(missions) == 0 {
		return domain.Mission{}, ErrNotFound
	}
	if len(missions) > 1 {
		return domain.Mission{}, fmt.Errorf("multiple missions exist; specify --mission")
	}
	return missions[0], nil
}

func (r Repo) UpdateMission(ctx context.Context, tx *sql.Tx, m domain.Mission) error {
	res, err := tx.ExecContext(ctx, `UPDATE missions SET state=?, updated_at=?, completed_at=? WHERE id=?`,
		m.State, m.UpdatedAt, nullableStringPtr(m.CompletedAt), m.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpsertMissionConfig(ctx context.Context, missionID string, cfg *config.Config) error {
	return upsertMissionConfig(ctx, r.DB, nil, missionID, cfg)
}

func (r Repo) UpsertMissionConfigTx(ctx context.Context, tx *sql.Tx, missionID string, cfg *config.Config) error {
	return upsertMissionConfig(ctx, nil, tx, missionID, cfg)
}

func upsertMissionConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, missionID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Mission.ID = missionID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := cfg.ToYAML()
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO mission_configs(mission_id,config_yaml,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(mission_id) DO UPDATE SET config_yaml=excluded.config_yaml, updated_at=excluded.updated_at`, missionID, string(payload), now, now)
	return err
}

func (r Repo) GetMissionConfig(ctx context.Context, missionID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_yaml FROM mission_configs WHERE mission_id=?`, missionID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	cfg, err := config.FromYAML([]byte(payload))
	if err != nil {
		return nil, err
	}
	if cfg.Mission.ID == "" {
		cfg.Mission.ID = missionID
	}
	return cfg, nil
}
