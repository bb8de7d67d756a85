package engine

import (
	"context"
	"fmt"
	"time"

	"flowline/internal/domain"
	"flowline/internal/stage"
)

// missionPhases is the forward phase order. Transitions are monotonic and
// never skip a phase; failed and archived are terminal branches reachable
// from any non-terminal state.
var missionPhases = []string{"active", "final_review", "post_checks", "documentation", "complete"}

func nextMissionPhase(state string) (string, bool) {
	for i, phase := range missionPhases {
		if phase == state && i+1 < len(missionPhases) {
			return missionPhases[i+1], true
		}
	}
	return "", false
}

func missionTerminal(state string) bool {
	return state == "complete" || state == "failed" || state == "archived"
}

// AdvanceMission moves the mission exactly one phase forward. Leaving the
// active phase requires every non-archived item to be in the terminal stage.
func (e Engine) AdvanceMission(ctx context.Context, missionID, actor string) (domain.Mission, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Mission{}, err
	}
	defer tx.Rollback()

	m, err := e.Repo.GetMissionTx(ctx, tx, missionID)
	if err != nil {
		return m, err
	}
	if missionTerminal(m.State) {
		return m, validationf("mission %s is %s", m.ID, m.State)
	}
	next, ok := nextMissionPhase(m.State)
	if !ok {
		return m, validationf("mission %s cannot advance from %s", m.ID, m.State)
	}
	if m.State == "active" {
		var open int
		err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM items WHERE archived_at IS NULL AND stage != ?`, string(stage.Done)).Scan(&open)
		if err != nil {
			return m, err
		}
		if open > 0 {
			return m, validationf("mission %s has %d unfinished items", m.ID, open)
		}
	}

	previous := m.State
	m.State = next
	now := e.now().UTC().Format(time.RFC3339)
	m.UpdatedAt = now
	if m.State == "complete" {
		m.CompletedAt = &now
	}
	if err := e.Repo.UpdateMission(ctx, tx, m); err != nil {
		return m, err
	}
	if err := e.Activity.Append(ctx, tx, m.ID, actor,
		fmt.Sprintf("mission %s advanced %s -> %s", m.ID, previous, m.State), "info"); err != nil {
		return m, err
	}
	if err := tx.Commit(); err != nil {
		return m, err
	}
	return m, nil
}

// FailMission marks the mission failed from any non-terminal phase.
func (e Engine) FailMission(ctx context.Context, missionID, reason, actor string) (domain.Mission, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Mission{}, err
	}
	defer tx.Rollback()

	m, err := e.Repo.GetMissionTx(ctx, tx, missionID)
	if err != nil {
		return m, err
	}
	if missionTerminal(m.State) {
		return m, validationf("mission %s is %s", m.ID, m.State)
	}
	previous := m.State
	m.State = "failed"
	m.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateMission(ctx, tx, m); err != nil {
		return m, err
	}
	msg := fmt.Sprintf("mission %s failed (was %s)", m.ID, previous)
	if reason != "" {
		msg += ": " + reason
	}
	if err := e.Activity.Append(ctx, tx, m.ID, actor, msg, "error"); err != nil {
		return m, err
	}
	if err := tx.Commit(); err != nil {
		return m, err
	}
	return m, nil
}
