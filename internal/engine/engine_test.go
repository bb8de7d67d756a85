package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"flowline/internal/app"
	"flowline/internal/db"
	"flowline/internal/depgraph"
	"flowline/internal/domain"
	"flowline/internal/migrate"
	"flowline/internal/repo"
)

func newTestEngine(t *testing.T) Engine {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	_, cfg, err := app.ResolveMissionAndConfig(context.Background(), "mission-1", "tester", repo.Repo{DB: conn})
	if err != nil {
		t.Fatalf("resolve mission: %v", err)
	}
	return New(conn, cfg)
}

func mustCreate(t *testing.T, e Engine, opts CreateItemOptions) domain.WorkItem {
	t.Helper()
	if opts.Type == "" {
		opts.Type = "feature"
	}
	if opts.Actor == "" {
		opts.Actor = "tester"
	}
	it, err := e.CreateItem(context.Background(), opts)
	if err != nil {
		t.Fatalf("create %q: %v", opts.Title, err)
	}
	return it
}

func mustMove(t *testing.T, e Engine, id string, to string) domain.WorkItem {
	t.Helper()
	res, err := e.MoveItem(context.Background(), MoveOptions{ID: id, To: to, Actor: "tester"})
	if err != nil {
		t.Fatalf("move %s to %s: %v", id, to, err)
	}
	return res.Item
}

func TestCreateItemDefaults(t *testing.T) {
	e := newTestEngine(t)
	it := mustCreate(t, e, CreateItemOptions{Title: "first item"})
	if it.Stage != "backlog" {
		t.Fatalf("stage = %q, want backlog", it.Stage)
	}
	if it.ID == "" || it.RejectionCount != 0 || it.Worker != nil {
		t.Fatalf("unexpected defaults: %+v", it)
	}
	if _, err := e.CreateItem(context.Background(), CreateItemOptions{Type: "feature", Actor: "tester"}); err == nil {
		t.Fatalf("expected error for empty title")
	}
}

func TestCreateDuplicateIDRejected(t *testing.T) {
	e := newTestEngine(t)
	mustCreate(t, e, CreateItemOptions{ID: "WI-dup", Title: "original"})
	_, err := e.CreateItem(context.Background(), CreateItemOptions{
		ID: "WI-dup", Title: "copycat", Type: "feature", Actor: "tester",
	})
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("err = %v, want ValidationError", err)
	}
}

func TestMoveDenialRecordedToActivityLog(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	it := mustCreate(t, e, CreateItemOptions{Title: "impatient"})
	if _, err := e.MoveItem(ctx, MoveOptions{ID: it.ID, To: "done", Actor: "tester"}); err == nil {
		t.Fatalf("expected invalid transition")
	}

	dep := mustCreate(t, e, CreateItemOptions{Title: "prerequisite"})
	gated := mustCreate(t, e, CreateItemOptions{Title: "dependent", Dependencies: []string{dep.ID}})
	mustMove(t, e, gated.ID, "ready")
	if _, err := e.MoveItem(ctx, MoveOptions{ID: gated.ID, To: "testing", Actor: "tester"}); err == nil {
		t.Fatalf("expected readiness denial")
	}

	// Denial telemetry is written from a detached goroutine, so wait for it.
	deadline := time.Now().Add(5 * time.Second)
	for {
		entries, err := e.Repo.ActivityAfter(ctx, 100, 0)
		if err != nil {
			t.Fatalf("activity: %v", err)
		}
		denied := 0
		for _, en := range entries {
			if en.Level == "warn" && strings.Contains(en.Message, "denied") {
				denied++
			}
		}
		if denied >= 2 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("denied-move entries = %d, want 2", denied)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestInvalidTransitionTyped(t *testing.T) {
	e := newTestEngine(t)
	it := mustCreate(t, e, CreateItemOptions{Title: "impatient"})
	_, err := e.MoveItem(context.Background(), MoveOptions{ID: it.ID, To: "done", Actor: "tester"})
	var ite *InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("err = %v, want InvalidTransitionError", err)
	}
	if string(ite.From) != "backlog" || string(ite.To) != "done" {
		t.Fatalf("transition = %s -> %s", ite.From, ite.To)
	}
	// Force never overrides the transition table.
	_, err = e.MoveItem(context.Background(), MoveOptions{ID: it.ID, To: "done", Force: true, Actor: "tester"})
	if !errors.As(err, &ite) {
		t.Fatalf("forced err = %v, want InvalidTransitionError", err)
	}
}

func TestWIPLimitAndForce(t *testing.T) {
	e := newTestEngine(t)
	// Default testing capacity is 3.
	var overflow string
	for i := 0; i < 4; i++ {
		it := mustCreate(t, e, CreateItemOptions{Title: "parallel"})
		mustMove(t, e, it.ID, "ready")
		if i < 3 {
			mustMove(t, e, it.ID, "testing")
		} else {
			overflow = it.ID
		}
	}
	_, err := e.MoveItem(context.Background(), MoveOptions{ID: overflow, To: "testing", Actor: "tester"})
	var wle *WIPLimitError
	if !errors.As(err, &wle) {
		t.Fatalf("err = %v, want WIPLimitError", err)
	}
	if wle.Limit != 3 || wle.Current != 3 {
		t.Fatalf("wip = %d/%d", wle.Current, wle.Limit)
	}
	res, err := e.MoveItem(context.Background(), MoveOptions{ID: overflow, To: "testing", Force: true, Actor: "tester"})
	if err != nil {
		t.Fatalf("forced move: %v", err)
	}
	if res.Item.Stage != "testing" || res.WIP.Current != 3 {
		t.Fatalf("forced move: stage %q, wip %+v", res.Item.Stage, res.WIP)
	}
}

func TestDependencyReadinessGate(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	dep := mustCreate(t, e, CreateItemOptions{Title: "prerequisite"})
	it := mustCreate(t, e, CreateItemOptions{Title: "dependent", Dependencies: []string{dep.ID}})

	mustMove(t, e, it.ID, "ready")
	_, err := e.MoveItem(ctx, MoveOptions{ID: it.ID, To: "testing", Actor: "tester"})
	var nre *NotReadyError
	if !errors.As(err, &nre) {
		t.Fatalf("err = %v, want NotReadyError", err)
	}
	if len(nre.Blocking) != 1 || nre.Blocking[0] != dep.ID {
		t.Fatalf("blocking = %v", nre.Blocking)
	}

	// Drive the prerequisite to done; the gate then opens.
	mustMove(t, e, dep.ID, "ready")
	mustMove(t, e, dep.ID, "testing")
	mustMove(t, e, dep.ID, "review")
	mustMove(t, e, dep.ID, "verification")
	done := mustMove(t, e, dep.ID, "done")
	if done.CompletedAt == nil {
		t.Fatalf("done item has no completion time")
	}
	moved := mustMove(t, e, it.ID, "testing")
	if moved.Stage != "testing" {
		t.Fatalf("stage = %q", moved.Stage)
	}
}

func TestForceBypassesReadiness(t *testing.T) {
	e := newTestEngine(t)
	dep := mustCreate(t, e, CreateItemOptions{Title: "unfinished prerequisite"})
	it := mustCreate(t, e, CreateItemOptions{Title: "eager", Dependencies: []string{dep.ID}})
	mustMove(t, e, it.ID, "ready")
	res, err := e.MoveItem(context.Background(), MoveOptions{ID: it.ID, To: "testing", Force: true, Actor: "tester"})
	if err != nil {
		t.Fatalf("forced move: %v", err)
	}
	if res.Item.Stage != "testing" {
		t.Fatalf("stage = %q", res.Item.Stage)
	}
}

func TestRejectEscalatesAtThreshold(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	it := mustCreate(t, e, CreateItemOptions{Title: "shaky"})
	mustMove(t, e, it.ID, "ready")
	mustMove(t, e, it.ID, "testing")
	mustMove(t, e, it.ID, "review")

	res, err := e.RejectItem(ctx, RejectOptions{ID: it.ID, Reason: "failing", Worker: "reviewer", ReworkStage: "testing"})
	if err != nil {
		t.Fatalf("first reject: %v", err)
	}
	if res.Escalated || res.RejectionCount != 1 || res.Item.Stage != "testing" {
		t.Fatalf("first reject = %+v", res)
	}

	mustMove(t, e, it.ID, "review")
	if _, err := e.ClaimItem(ctx, it.ID, "agent-a"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	// The second rejection crosses the threshold: blocked wins over the
	// requested rework stage and the claim is released.
	res, err = e.RejectItem(ctx, RejectOptions{ID: it.ID, Reason: "still failing", Worker: "reviewer", ReworkStage: "testing"})
	if err != nil {
		t.Fatalf("second reject: %v", err)
	}
	if !res.Escalated || res.RejectionCount != 2 || res.Item.Stage != "blocked" {
		t.Fatalf("second reject = %+v", res)
	}
	if res.Item.Worker != nil {
		t.Fatalf("escalated item kept worker %q", *res.Item.Worker)
	}
	if _, err := e.Repo.GetClaim(ctx, it.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("claim survived escalation: %v", err)
	}

	// Blocked items go back through ready.
	unblocked := mustMove(t, e, it.ID, "ready")
	if unblocked.RejectionCount != 2 {
		t.Fatalf("rejection count reset to %d", unblocked.RejectionCount)
	}
}

func TestRejectRequiresValidRework(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	it := mustCreate(t, e, CreateItemOptions{Title: "misdirected"})
	mustMove(t, e, it.ID, "ready")
	mustMove(t, e, it.ID, "testing")
	mustMove(t, e, it.ID, "review")
	_, err := e.RejectItem(ctx, RejectOptions{ID: it.ID, Reason: "bad", Worker: "reviewer", ReworkStage: "backlog"})
	var ite *InvalidTransitionError
	if !errors.As(err, &ite) {
		t.Fatalf("err = %v, want InvalidTransitionError", err)
	}
}

func TestConcurrentClaimsSingleWinner(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	it := mustCreate(t, e, CreateItemOptions{Title: "contested"})

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, errs[n] = e.ClaimItem(ctx, it.ID, string(rune('a'+n)))
		}(i)
	}
	wg.Wait()

	won := 0
	for _, err := range errs {
		switch {
		case err == nil:
			won++
		case errors.Is(err, ErrClaimConflict):
		default:
			t.Fatalf("unexpected claim error: %v", err)
		}
	}
	if won != 1 {
		t.Fatalf("winners = %d, want exactly 1", won)
	}
	got, err := e.Repo.GetItem(ctx, it.ID)
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	if got.Worker == nil {
		t.Fatalf("winning claim did not set worker")
	}
}

func TestReleaseIdempotent(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	it := mustCreate(t, e, CreateItemOptions{Title: "held briefly"})
	if _, err := e.ClaimItem(ctx, it.ID, "agent-a"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	res, err := e.ReleaseItem(ctx, it.ID, "agent-a")
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if !res.Released || res.Worker == nil || *res.Worker != "agent-a" {
		t.Fatalf("release = %+v", res)
	}
	res, err = e.ReleaseItem(ctx, it.ID, "agent-a")
	if err != nil {
		t.Fatalf("second release: %v", err)
	}
	if res.Released || res.Worker != nil {
		t.Fatalf("second release = %+v", res)
	}
}

func TestMoveToDoneReleasesClaim(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	it := mustCreate(t, e, CreateItemOptions{Title: "finisher"})
	mustMove(t, e, it.ID, "ready")
	mustMove(t, e, it.ID, "testing")
	if _, err := e.ClaimItem(ctx, it.ID, "agent-a"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	mustMove(t, e, it.ID, "review")
	mustMove(t, e, it.ID, "verification")
	done := mustMove(t, e, it.ID, "done")
	if done.Worker != nil {
		t.Fatalf("done item kept worker")
	}
	if _, err := e.Repo.GetClaim(ctx, it.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("claim survived completion: %v", err)
	}
}

func TestCycleRejectedOnWrite(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	// Self-dependency at create time.
	_, err := e.CreateItem(ctx, CreateItemOptions{ID: "WI-self", Title: "navel gazer", Type: "feature", Dependencies: []string{"WI-self"}, Actor: "tester"})
	var ce *depgraph.CycleError
	if !errors.As(err, &ce) {
		t.Fatalf("self-dep err = %v, want CycleError", err)
	}

	a := mustCreate(t, e, CreateItemOptions{Title: "a"})
	b := mustCreate(t, e, CreateItemOptions{Title: "b", Dependencies: []string{a.ID}})
	c := mustCreate(t, e, CreateItemOptions{Title: "c", Dependencies: []string{b.ID}})

	_, err = e.UpdateItemFields(ctx, UpdateItemOptions{ID: a.ID, AddDeps: []string{c.ID}, Actor: "tester"})
	if !errors.As(err, &ce) {
		t.Fatalf("cycle err = %v, want CycleError", err)
	}
	// The failed write must not have persisted any edge.
	got, err := e.Repo.GetItem(ctx, a.ID)
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	if len(got.DependsOn) != 0 {
		t.Fatalf("cycle edge persisted: %v", got.DependsOn)
	}
}

func TestArchiveExcludedFromListing(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	it := mustCreate(t, e, CreateItemOptions{Title: "short lived"})
	keep := mustCreate(t, e, CreateItemOptions{Title: "survivor"})

	archived, err := e.ArchiveItem(ctx, it.ID, "tester")
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if archived.ArchivedAt == nil {
		t.Fatalf("archive did not stamp the item")
	}
	// Archiving again is a no-op.
	if _, err := e.ArchiveItem(ctx, it.ID, "tester"); err != nil {
		t.Fatalf("second archive: %v", err)
	}

	items, err := e.Repo.ListItems(ctx, repo.ItemFilters{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 1 || items[0].ID != keep.ID {
		t.Fatalf("listing = %+v", items)
	}
	all, err := e.Repo.ListItems(ctx, repo.ItemFilters{IncludeArchived: true})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("full listing has %d items", len(all))
	}
}

func TestMissionPhaseOrdering(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	missionID := e.Config.Mission.ID

	it := mustCreate(t, e, CreateItemOptions{Title: "open work"})
	_, err := e.AdvanceMission(ctx, missionID, "tester")
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("advance with open items: %v", err)
	}

	if _, err := e.ArchiveItem(ctx, it.ID, "tester"); err != nil {
		t.Fatalf("archive: %v", err)
	}
	want := []string{"final_review", "post_checks", "documentation", "complete"}
	for _, phase := range want {
		m, err := e.AdvanceMission(ctx, missionID, "tester")
		if err != nil {
			t.Fatalf("advance to %s: %v", phase, err)
		}
		if m.State != phase {
			t.Fatalf("state = %q, want %q", m.State, phase)
		}
	}
	m, err := e.Repo.GetMission(ctx, missionID)
	if err != nil {
		t.Fatalf("get mission: %v", err)
	}
	if m.CompletedAt == nil {
		t.Fatalf("completed mission has no completion time")
	}
	if _, err := e.AdvanceMission(ctx, missionID, "tester"); err == nil {
		t.Fatalf("advanced past complete")
	}
	if _, err := e.FailMission(ctx, missionID, "too late", "tester"); err == nil {
		t.Fatalf("failed a terminal mission")
	}
}

func TestFailMission(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	m, err := e.FailMission(ctx, e.Config.Mission.ID, "out of budget", "tester")
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if m.State != "failed" {
		t.Fatalf("state = %q", m.State)
	}
}
