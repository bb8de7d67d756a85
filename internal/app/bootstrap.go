package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"flowline/internal/config"
	"flowline/internal/domain"
	"flowline/internal/repo"
	"flowline/internal/stage"
)

// ResolveMissionAndConfig picks the active mission and ensures a mission row,
// stage rows, and a stored config exist, seeding defaults if missing. It
// prefers the override, then the single-mission workspace.
func ResolveMissionAndConfig(ctx context.Context, missionOverride, actor string, r repo.Repo) (string, *config.Config, error) {
	missionID := missionOverride
	if missionID == "" {
		if m, err := r.SingleMission(ctx); err == nil {
			missionID = m.ID
		} else if errors.Is(err, repo.ErrNotFound) {
			missionID = "mission-1"
		} else {
			return "", nil, err
		}
	}
	seedCfg := config.Default(missionID)

	if _, err := r.GetMission(ctx, missionID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if err := createMission(ctx, r, missionID, seedCfg, actor); err != nil {
			return "", nil, err
		}
	}
	cfg, err := r.GetMissionConfig(ctx, missionID)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if err := r.UpsertMissionConfig(ctx, missionID, seedCfg); err != nil {
			return "", nil, fmt.Errorf("seed mission config: %w", err)
		}
		cfg = seedCfg
	}
	cfg.Mission.ID = missionID
	return missionID, cfg, nil
}

// createMission inserts the mission row and the stage configuration derived
// from the seed config in one transaction.
func createMission(ctx context.Context, r repo.Repo, missionID string, seedCfg *config.Config, actor string) error {
	if seedCfg == nil {
		seedCfg = config.Default(missionID)
	}
	now := time.Now().UTC().Format(time.RFC3339)
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	m := domain.Mission{
		ID:        missionID,
		State:     "active",
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.InsertMission(ctx, tx, m); err != nil {
		return fmt.Errorf("insert mission: %w", err)
	}
	if err := r.SeedStages(ctx, tx, StageRows(seedCfg)); err != nil {
		return fmt.Errorf("seed stages: %w", err)
	}
	if err := r.UpsertMissionConfigTx(ctx, tx, missionID, seedCfg); err != nil {
		return fmt.Errorf("insert mission config: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO activity_log(mission_id,actor,message,level,ts) VALUES (?,?,?,?,?)`,
		missionID, actor, fmt.Sprintf("mission %s initialized", missionID), "info", now); err != nil {
		return fmt.Errorf("log init: %w", err)
	}
	return tx.Commit()
}

// StageRows derives the stage table rows from the config's WIP limits.
func StageRows(cfg *config.Config) []domain.StageInfo {
	rows := make([]domain.StageInfo, 0, len(stage.All()))
	for _, s := range stage.All() {
		rows = append(rows, domain.StageInfo{
			ID:       string(s),
			Order:    stage.Order(s),
			WIPLimit: cfg.WIPLimit(s),
		})
	}
	return rows
}
