package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"flowline/internal/config"
	"flowline/internal/depgraph"
	"flowline/internal/domain"
	"flowline/internal/events"
	"flowline/internal/repo"
	"flowline/internal/stage"
)

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Activity events.Writer
	Config   *config.Config
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Activity: events.Writer{DB: db},
		Config:   cfg,
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) missionID() string {
	if e.Config == nil {
		return ""
	}
	return e.Config.Mission.ID
}

// CreateItemOptions are parameters for creating a work item.
type CreateItemOptions struct {
	ID           string
	Title        string
	Type         string
	Priority     *int
	Dependencies []string
	OutputPath   string
	Actor        string
}

// CreateItem inserts a new item in the backlog stage. Dependency edges are
// cycle-checked inside the same transaction that persists them, so an
// invalid graph is never written.
func (e Engine) CreateItem(ctx context.Context, opts CreateItemOptions) (domain.WorkItem, error) {
	if e.Config == nil {
		return domain.WorkItem{}, errors.New("config not loaded")
	}
	if opts.Title == "" {
		return domain.WorkItem{}, validationf("title is required")
	}
	if opts.Type == "" {
		opts.Type = "task"
	}
	now := e.now().UTC().Format(time.RFC3339)
	id := opts.ID
	if id == "" {
		id = "WI-" + uuid.NewSHA1(uuid.NameSpaceOID, []byte(opts.Title+"|"+now)).String()[:8]
	}
	it := domain.WorkItem{
		ID:        id,
		Title:     opts.Title,
		Type:      opts.Type,
		Priority:  opts.Priority,
		Stage:     string(stage.Backlog),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if opts.OutputPath != "" {
		it.OutputPath = &opts.OutputPath
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkItem{}, err
	}
	defer tx.Rollback()

	for _, dep := range opts.Dependencies {
		if _, err := e.Repo.GetItemTx(ctx, tx, dep); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return domain.WorkItem{}, fmt.Errorf("dependency %s: %w", dep, repo.ErrNotFound)
			}
			return domain.WorkItem{}, err
		}
	}
	edges, err := e.Repo.AllDependencyEdgesTx(ctx, tx)
	if err != nil {
		return domain.WorkItem{}, err
	}
	if err := depgraph.Validate(it.ID, opts.Dependencies, edges); err != nil {
		return domain.WorkItem{}, err
	}
	if err := e.Repo.InsertItem(ctx, tx, it); err != nil {
		if repo.IsConflict(err) {
			return domain.WorkItem{}, validationf("item %s already exists", it.ID)
		}
		return domain.WorkItem{}, err
	}
	if len(opts.Dependencies) > 0 {
		if err := e.Repo.AddDependencies(ctx, tx, it.ID, opts.Dependencies); err != nil {
			return domain.WorkItem{}, err
		}
	}
	if err := e.appendWorkLog(ctx, tx, it.ID, opts.Actor, "create", "created in "+it.Stage); err != nil {
		return domain.WorkItem{}, err
	}
	if err := e.Activity.Append(ctx, tx, e.missionID(), opts.Actor, fmt.Sprintf("item %s created", it.ID), "info"); err != nil {
		return domain.WorkItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkItem{}, err
	}
	it.DependsOn = opts.Dependencies
	return it, nil
}

// UpdateItemOptions carries field updates outside of stage moves.
type UpdateItemOptions struct {
	ID         string
	Title      *string
	Priority   *int
	OutputPath *string
	AddDeps    []string
	RemoveDeps []string
	Actor      string
}

// UpdateItemFields mutates non-stage fields. Dependency additions re-run the
// cycle check against the transaction's view of the edge set.
func (e Engine) UpdateItemFields(ctx context.Context, opts UpdateItemOptions) (domain.WorkItem, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkItem{}, err
	}
	defer tx.Rollback()

	it, err := e.Repo.GetItemTx(ctx, tx, opts.ID)
	if err != nil {
		return it, err
	}
	if it.ArchivedAt != nil {
		return it, validationf("item %s is archived", it.ID)
	}
	if opts.Title != nil {
		if *opts.Title == "" {
			return it, validationf("title cannot be empty")
		}
		it.Title = *opts.Title
	}
	if opts.Priority != nil {
		it.Priority = opts.Priority
	}
	if opts.OutputPath != nil {
		if *opts.OutputPath == "" {
			it.OutputPath = nil
		} else {
			it.OutputPath = opts.OutputPath
		}
	}
	if len(opts.AddDeps) > 0 {
		for _, dep := range opts.AddDeps {
			if _, err := e.Repo.GetItemTx(ctx, tx, dep); err != nil {
				if errors.Is(err, repo.ErrNotFound) {
					return it, fmt.Errorf("dependency %s: %w", dep, repo.ErrNotFound)
				}
				return it, err
			}
		}
		edges, err := e.Repo.AllDependencyEdgesTx(ctx, tx)
		if err != nil {
			return it, err
		}
		if err := depgraph.Validate(it.ID, opts.AddDeps, edges); err != nil {
			return it, err
		}
		if err := e.Repo.AddDependencies(ctx, tx, it.ID, opts.AddDeps); err != nil {
			return it, err
		}
	}
	if len(opts.RemoveDeps) > 0 {
		if err := e.Repo.RemoveDependencies(ctx, tx, it.ID, opts.RemoveDeps); err != nil {
			return it, err
		}
	}
	it.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateItem(ctx, tx, it); err != nil {
		return it, err
	}
	if err := e.appendWorkLog(ctx, tx, it.ID, opts.Actor, "update", "fields updated"); err != nil {
		return it, err
	}
	if err := tx.Commit(); err != nil {
		return it, err
	}
	it.DependsOn, _ = e.Repo.ListItemDependencies(ctx, it.ID)
	return it, nil
}

// WIPStatus reports the capacity situation of the target stage at move time.
type WIPStatus struct {
	Stage   string `json:"stage"`
	Limit   *int   `json:"limit,omitempty"`
	Current int    `json:"current"`
}

// MoveResult is the outcome of MoveItem.
type MoveResult struct {
	Item          domain.WorkItem
	PreviousStage string
	WIP           WIPStatus
}

// MoveOptions are parameters for MoveItem.
type MoveOptions struct {
	ID    string
	To    string
	Force bool
	Actor string
}

// MoveItem advances an item through the pipeline. The transition table and
// rejection escalation always apply; force bypasses the WIP limit and the
// dependency readiness gate only. The WIP count runs on the same transaction
// as the item update so two concurrent moves cannot both pass a full stage.
func (e Engine) MoveItem(ctx context.Context, opts MoveOptions) (MoveResult, error) {
	to, err := stage.Parse(opts.To)
	if err != nil {
		return MoveResult{}, &ValidationError{Msg: err.Error()}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return MoveResult{}, err
	}
	defer tx.Rollback()

	it, err := e.Repo.GetItemTx(ctx, tx, opts.ID)
	if err != nil {
		return MoveResult{}, err
	}
	if it.ArchivedAt != nil {
		return MoveResult{}, validationf("item %s is archived", it.ID)
	}
	// telemetry for a denied move is fire-and-forget by contract
	denied := func(reason error) {
		e.Activity.Record(e.missionID(), opts.Actor,
			fmt.Sprintf("move %s -> %s denied: %v", it.ID, to, reason), "warn")
	}
	from := stage.Stage(it.Stage)
	if !stage.IsValidTransition(from, to) {
		err := &InvalidTransitionError{From: from, To: to}
		denied(err)
		return MoveResult{}, err
	}
	if stage.Working(to) && !opts.Force {
		edges, err := e.Repo.AllDependencyEdgesTx(ctx, tx)
		if err != nil {
			return MoveResult{}, err
		}
		stages, err := e.Repo.ItemStagesTx(ctx, tx)
		if err != nil {
			return MoveResult{}, err
		}
		if blocking := depgraph.Blocking(it.ID, edges, stages); len(blocking) > 0 {
			err := &NotReadyError{ItemID: it.ID, Blocking: blocking}
			denied(err)
			return MoveResult{}, err
		}
	}
	wip, err := e.checkWIP(ctx, tx, to, opts.Force)
	if err != nil {
		var wipErr *WIPLimitError
		if errors.As(err, &wipErr) {
			denied(err)
		}
		return MoveResult{}, err
	}

	previous := it.Stage
	it.Stage = string(to)
	now := e.now().UTC().Format(time.RFC3339)
	it.UpdatedAt = now
	if to == stage.Done {
		it.CompletedAt = &now
	}
	// a forced move, completion, or a landing in blocked implies release
	if opts.Force || to == stage.Done || to == stage.Blocked {
		if _, err := e.Repo.DeleteClaim(ctx, tx, it.ID); err != nil {
			return MoveResult{}, err
		}
		it.Worker = nil
	}
	if err := e.Repo.UpdateItem(ctx, tx, it); err != nil {
		return MoveResult{}, err
	}
	if err := e.appendWorkLog(ctx, tx, it.ID, opts.Actor, "move", fmt.Sprintf("%s -> %s", previous, to)); err != nil {
		return MoveResult{}, err
	}
	if err := e.Activity.Append(ctx, tx, e.missionID(), opts.Actor,
		fmt.Sprintf("item %s moved %s -> %s", it.ID, previous, to), "info"); err != nil {
		return MoveResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return MoveResult{}, err
	}
	it.DependsOn, _ = e.Repo.ListItemDependencies(ctx, it.ID)
	return MoveResult{Item: it, PreviousStage: previous, WIP: wip}, nil
}

// checkWIP counts live items in the target stage on the move's transaction.
// force bypasses the capacity comparison but the count is still reported.
func (e Engine) checkWIP(ctx context.Context, tx *sql.Tx, to stage.Stage, force bool) (WIPStatus, error) {
	info, err := e.Repo.GetStageTx(ctx, tx, string(to))
	if err != nil {
		return WIPStatus{}, err
	}
	current, err := e.Repo.CountStageItems(ctx, tx, string(to))
	if err != nil {
		return WIPStatus{}, err
	}
	status := WIPStatus{Stage: string(to), Limit: info.WIPLimit, Current: current}
	if force || info.WIPLimit == nil {
		return status, nil
	}
	if current >= *info.WIPLimit {
		return status, &WIPLimitError{Stage: to, Limit: *info.WIPLimit, Current: current}
	}
	return status, nil
}

// ClaimItem assigns a worker exclusively. The claim insert and the item's
// worker field update are one atomic unit; the claims.item_id uniqueness
// constraint turns a race into ErrClaimConflict.
func (e Engine) ClaimItem(ctx context.Context, itemID, worker string) (domain.AgentClaim, error) {
	if worker == "" {
		return domain.AgentClaim{}, validationf("worker is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.AgentClaim{}, err
	}
	defer tx.Rollback()

	it, err := e.Repo.GetItemTx(ctx, tx, itemID)
	if err != nil {
		return domain.AgentClaim{}, err
	}
	if it.ArchivedAt != nil {
		return domain.AgentClaim{}, validationf("item %s is archived", it.ID)
	}
	if stage.Terminal(stage.Stage(it.Stage)) {
		return domain.AgentClaim{}, validationf("item %s is done", it.ID)
	}
	claim := domain.AgentClaim{
		ItemID:    itemID,
		Worker:    worker,
		ClaimedAt: e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertClaim(ctx, tx, claim); err != nil {
		if repo.IsConflict(err) {
			e.Activity.Record(e.missionID(), worker,
				fmt.Sprintf("claim on %s rejected: already held", itemID), "warn")
			return domain.AgentClaim{}, ErrClaimConflict
		}
		return domain.AgentClaim{}, err
	}
	it.Worker = &worker
	it.UpdatedAt = claim.ClaimedAt
	if err := e.Repo.UpdateItem(ctx, tx, it); err != nil {
		return domain.AgentClaim{}, err
	}
	if err := e.appendWorkLog(ctx, tx, itemID, worker, "claim", ""); err != nil {
		return domain.AgentClaim{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.AgentClaim{}, err
	}
	return claim, nil
}

// ReleaseResult reports whether a claim existed and whose it was.
type ReleaseResult struct {
	Released bool
	Worker   *string
}

// ReleaseItem removes an item's claim. Releasing an unclaimed item is not an
// error; recovery paths call this speculatively.
func (e Engine) ReleaseItem(ctx context.Context, itemID, actor string) (ReleaseResult, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ReleaseResult{}, err
	}
	defer tx.Rollback()

	it, err := e.Repo.GetItemTx(ctx, tx, itemID)
	if err != nil {
		return ReleaseResult{}, err
	}
	var holder *string
	if claim, err := e.Repo.GetClaimTx(ctx, tx, itemID); err == nil {
		holder = &claim.Worker
	} else if !errors.Is(err, repo.ErrNotFound) {
		return ReleaseResult{}, err
	}
	released, err := e.Repo.DeleteClaim(ctx, tx, itemID)
	if err != nil {
		return ReleaseResult{}, err
	}
	if released {
		it.Worker = nil
		it.UpdatedAt = e.now().UTC().Format(time.RFC3339)
		if err := e.Repo.UpdateItem(ctx, tx, it); err != nil {
			return ReleaseResult{}, err
		}
		if err := e.appendWorkLog(ctx, tx, itemID, actor, "release", ""); err != nil {
			return ReleaseResult{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return ReleaseResult{}, err
	}
	if !released {
		return ReleaseResult{Released: false, Worker: nil}, nil
	}
	return ReleaseResult{Released: true, Worker: holder}, nil
}

// RejectOptions are parameters for RejectItem.
type RejectOptions struct {
	ID          string
	Reason      string
	Worker      string
	ReworkStage string
}

// RejectResult is the outcome of RejectItem.
type RejectResult struct {
	Item           domain.WorkItem
	RejectionCount int
	Escalated      bool
}

// RejectItem increments the rejection counter and routes the item back. At
// the configured threshold the item is forced to blocked regardless of the
// requested rework stage; escalation overrides caller intent.
func (e Engine) RejectItem(ctx context.Context, opts RejectOptions) (RejectResult, error) {
	if e.Config == nil {
		return RejectResult{}, errors.New("config not loaded")
	}
	if opts.Reason == "" {
		return RejectResult{}, validationf("reason is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return RejectResult{}, err
	}
	defer tx.Rollback()

	it, err := e.Repo.GetItemTx(ctx, tx, opts.ID)
	if err != nil {
		return RejectResult{}, err
	}
	if it.ArchivedAt != nil {
		return RejectResult{}, validationf("item %s is archived", it.ID)
	}
	from := stage.Stage(it.Stage)
	it.RejectionCount++

	escalated := it.RejectionCount >= e.Config.Pipeline.RejectionThreshold
	var target stage.Stage
	if escalated {
		target = stage.Blocked
	} else {
		if opts.ReworkStage == "" {
			return RejectResult{}, validationf("rework stage is required")
		}
		target, err = stage.Parse(opts.ReworkStage)
		if err != nil {
			return RejectResult{}, &ValidationError{Msg: err.Error()}
		}
		if !stage.IsValidTransition(from, target) {
			return RejectResult{}, &InvalidTransitionError{From: from, To: target}
		}
	}

	previous := it.Stage
	it.Stage = string(target)
	it.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	if target == stage.Blocked {
		if _, err := e.Repo.DeleteClaim(ctx, tx, it.ID); err != nil {
			return RejectResult{}, err
		}
		it.Worker = nil
	}
	if err := e.Repo.UpdateItem(ctx, tx, it); err != nil {
		return RejectResult{}, err
	}
	if err := e.appendWorkLog(ctx, tx, it.ID, opts.Worker, "reject", opts.Reason); err != nil {
		return RejectResult{}, err
	}
	level := "info"
	msg := fmt.Sprintf("item %s rejected (%d): %s -> %s", it.ID, it.RejectionCount, previous, target)
	if escalated {
		level = "warn"
		msg = fmt.Sprintf("item %s escalated to blocked after %d rejections", it.ID, it.RejectionCount)
	}
	if err := e.Activity.Append(ctx, tx, e.missionID(), opts.Worker, msg, level); err != nil {
		return RejectResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return RejectResult{}, err
	}
	it.DependsOn, _ = e.Repo.ListItemDependencies(ctx, it.ID)
	return RejectResult{Item: it, RejectionCount: it.RejectionCount, Escalated: escalated}, nil
}

// ArchiveItem soft-deletes an item, releasing any claim. Archived items stay
// referenced by work-log and dependency rows; they are never hard-deleted.
func (e Engine) ArchiveItem(ctx context.Context, itemID, actor string) (domain.WorkItem, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkItem{}, err
	}
	defer tx.Rollback()

	it, err := e.Repo.GetItemTx(ctx, tx, itemID)
	if err != nil {
		return it, err
	}
	if it.ArchivedAt != nil {
		return it, nil
	}
	now := e.now().UTC().Format(time.RFC3339)
	it.ArchivedAt = &now
	it.UpdatedAt = now
	if _, err := e.Repo.DeleteClaim(ctx, tx, it.ID); err != nil {
		return it, err
	}
	it.Worker = nil
	if err := e.Repo.UpdateItem(ctx, tx, it); err != nil {
		return it, err
	}
	if err := e.appendWorkLog(ctx, tx, it.ID, actor, "archive", ""); err != nil {
		return it, err
	}
	if err := e.Activity.Append(ctx, tx, e.missionID(), actor, fmt.Sprintf("item %s archived", it.ID), "info"); err != nil {
		return it, err
	}
	if err := tx.Commit(); err != nil {
		return it, err
	}
	return it, nil
}

func (e Engine) appendWorkLog(ctx context.Context, tx *sql.Tx, itemID, worker, action, summary string) error {
	return e.Repo.AppendWorkLog(ctx, tx, domain.WorkLogEntry{
		ID:      uuid.New().String(),
		ItemID:  itemID,
		Worker:  worker,
		Action:  action,
		Summary: summary,
		TS:      e.now().UTC().Format(time.RFC3339),
	})
}
