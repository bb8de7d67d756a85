package engine

import (
	"context"
	"errors"

	"flowline/internal/depgraph"
	"flowline/internal/domain"
	"flowline/internal/repo"
	"flowline/internal/stage"
)

// Snapshot returns the full read view: stages, live items, claims, mission.
func (e Engine) Snapshot(ctx context.Context) (domain.Snapshot, error) {
	var snap domain.Snapshot
	stages, err := e.Repo.ListStages(ctx)
	if err != nil {
		return snap, err
	}
	items, err := e.Repo.ListItems(ctx, repo.ItemFilters{})
	if err != nil {
		return snap, err
	}
	claims, err := e.Repo.ListClaims(ctx)
	if err != nil {
		return snap, err
	}
	snap.Stages = stages
	snap.Items = items
	snap.Claims = claims
	if e.Config != nil {
		if m, err := e.Repo.GetMission(ctx, e.Config.Mission.ID); err == nil {
			snap.Mission = &m
		} else if !errors.Is(err, repo.ErrNotFound) {
			return snap, err
		}
	}
	return snap, nil
}

// DependencyReport is the read-side view of the dependency graph.
type DependencyReport struct {
	Valid        bool     `json:"valid"`
	CyclePath    []string `json:"cycle_path,omitempty"`
	ReadyItems   []string `json:"ready_items"`
	BlockedItems []string `json:"blocked_items"`
}

// CheckDependencies reports graph validity plus which live, unfinished items
// are ready (all direct dependencies terminal) and which are waiting.
func (e Engine) CheckDependencies(ctx context.Context) (DependencyReport, error) {
	report := DependencyReport{Valid: true, ReadyItems: []string{}, BlockedItems: []string{}}
	edges, err := e.Repo.AllDependencyEdges(ctx)
	if err != nil {
		return report, err
	}
	if err := depgraph.New(edges).Check(); err != nil {
		var ce *depgraph.CycleError
		if errors.As(err, &ce) {
			report.Valid = false
			report.CyclePath = ce.Path
			return report, nil
		}
		return report, err
	}
	stages, err := e.Repo.ItemStages(ctx)
	if err != nil {
		return report, err
	}
	items, err := e.Repo.ListItems(ctx, repo.ItemFilters{})
	if err != nil {
		return report, err
	}
	for _, it := range items {
		if stage.Terminal(stage.Stage(it.Stage)) {
			continue
		}
		if depgraph.Ready(it.ID, edges, stages) {
			report.ReadyItems = append(report.ReadyItems, it.ID)
		} else {
			report.BlockedItems = append(report.BlockedItems, it.ID)
		}
	}
	return report, nil
}

// ActivityAfter exposes the activity log for feed tailing.
func (e Engine) ActivityAfter(ctx context.Context, limit int, cursor int64) ([]domain.ActivityLogEntry, error) {
	return e.Repo.ActivityAfter(ctx, limit, cursor)
}

// LatestActivityID exposes the log tail position for feed priming.
func (e Engine) LatestActivityID(ctx context.Context) (int64, error) {
	return e.Repo.LatestActivityID(ctx)
}
