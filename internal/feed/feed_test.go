package feed

import (
	"context"
	"sync"
	"testing"
	"time"

	"flowline/internal/domain"
)

// fakeSource is a hand-controlled Source: tests swap the snapshot and
// activity log between polls.
type fakeSource struct {
	mu      sync.Mutex
	snap    domain.Snapshot
	entries []domain.ActivityLogEntry
	failing bool
	failLog bool
	polls   int
}

func (f *fakeSource) Snapshot(ctx context.Context) (domain.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if f.failing {
		return domain.Snapshot{}, context.DeadlineExceeded
	}
	return f.snap, nil
}

func (f *fakeSource) ActivityAfter(ctx context.Context, limit int, cursor int64) ([]domain.ActivityLogEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failLog {
		return nil, context.DeadlineExceeded
	}
	var out []domain.ActivityLogEntry
	for _, e := range f.entries {
		if e.ID > cursor {
			out = append(out, e)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeSource) LatestActivityID(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n := len(f.entries); n > 0 {
		return f.entries[n-1].ID, nil
	}
	return 0, nil
}

func (f *fakeSource) setSnapshot(snap domain.Snapshot) {
	f.mu.Lock()
	f.snap = snap
	f.mu.Unlock()
}

func (f *fakeSource) appendEntry(e domain.ActivityLogEntry) {
	f.mu.Lock()
	f.entries = append(f.entries, e)
	f.mu.Unlock()
}

func (f *fakeSource) setFailing(v bool) {
	f.mu.Lock()
	f.failing = v
	f.mu.Unlock()
}

func (f *fakeSource) setFailLog(v bool) {
	f.mu.Lock()
	f.failLog = v
	f.mu.Unlock()
}

func (f *fakeSource) pollCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls
}

func item(id, stg, title string) domain.WorkItem {
	return domain.WorkItem{ID: id, Title: title, Type: "feature", Stage: stg}
}

func startDistributor(t *testing.T, src Source, opts Options) (*Distributor, *Subscription) {
	t.Helper()
	if opts.PollInterval == 0 {
		opts.PollInterval = 5 * time.Millisecond
	}
	d := New(src, opts)
	sub := d.Subscribe()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go d.Run(ctx)
	return d, sub
}

func nextEvent(t *testing.T, sub *Subscription, timeout time.Duration) (Event, bool) {
	t.Helper()
	select {
	case ev, ok := <-sub.C:
		return ev, ok
	case <-time.After(timeout):
		t.Fatalf("timed out waiting for event")
		return Event{}, false
	}
}

func waitPolls(t *testing.T, src *fakeSource, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	start := src.pollCount()
	for src.pollCount() < start+n {
		if time.Now().After(deadline) {
			t.Fatalf("distributor stopped polling")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestFirstPollEmitsNothing(t *testing.T) {
	src := &fakeSource{}
	src.setSnapshot(domain.Snapshot{Items: []domain.WorkItem{item("WI-1", "backlog", "pre-existing")}})
	src.appendEntry(domain.ActivityLogEntry{ID: 7, Actor: "tester", Message: "old news", Level: "info"})

	_, sub := startDistributor(t, src, Options{})
	waitPolls(t, src, 3)

	select {
	case ev := <-sub.C:
		t.Fatalf("baseline poll produced event %q", ev.Type)
	default:
	}
}

func TestMovedBeforeUpdatedForSameItem(t *testing.T) {
	src := &fakeSource{}
	src.setSnapshot(domain.Snapshot{Items: []domain.WorkItem{item("WI-1", "ready", "original")}})

	_, sub := startDistributor(t, src, Options{})
	waitPolls(t, src, 2)

	// One poll observes both a stage change and a field change.
	src.setSnapshot(domain.Snapshot{Items: []domain.WorkItem{item("WI-1", "testing", "renamed")}})

	ev, ok := nextEvent(t, sub, 2*time.Second)
	if !ok {
		t.Fatalf("subscription closed")
	}
	if ev.Type != TypeItemMoved {
		t.Fatalf("first event = %q, want %q", ev.Type, TypeItemMoved)
	}
	moved := ev.Payload.(ItemMoved)
	if moved.From != "ready" || moved.To != "testing" {
		t.Fatalf("moved %s -> %s", moved.From, moved.To)
	}

	ev, ok = nextEvent(t, sub, 2*time.Second)
	if !ok {
		t.Fatalf("subscription closed")
	}
	if ev.Type != TypeItemUpdated {
		t.Fatalf("second event = %q, want %q", ev.Type, TypeItemUpdated)
	}
	if got := ev.Payload.(ItemUpdated).Item.Title; got != "renamed" {
		t.Fatalf("updated title = %q", got)
	}
}

func TestBareMoveYieldsSingleEvent(t *testing.T) {
	src := &fakeSource{}
	src.setSnapshot(domain.Snapshot{Items: []domain.WorkItem{item("WI-1", "ready", "stable")}})

	_, sub := startDistributor(t, src, Options{})
	waitPolls(t, src, 2)

	moved := item("WI-1", "testing", "stable")
	moved.UpdatedAt = "2026-01-02T03:04:05Z"
	src.setSnapshot(domain.Snapshot{Items: []domain.WorkItem{moved}})

	ev, _ := nextEvent(t, sub, 2*time.Second)
	if ev.Type != TypeItemMoved {
		t.Fatalf("event = %q, want %q", ev.Type, TypeItemMoved)
	}
	waitPolls(t, src, 2)
	select {
	case ev := <-sub.C:
		t.Fatalf("bare move produced extra event %q", ev.Type)
	default:
	}
}

func TestAddAndDeleteDetected(t *testing.T) {
	src := &fakeSource{}
	src.setSnapshot(domain.Snapshot{Items: []domain.WorkItem{item("WI-1", "backlog", "keeper")}})

	_, sub := startDistributor(t, src, Options{})
	waitPolls(t, src, 2)

	src.setSnapshot(domain.Snapshot{Items: []domain.WorkItem{
		item("WI-1", "backlog", "keeper"),
		item("WI-2", "backlog", "new arrival"),
	}})
	ev, _ := nextEvent(t, sub, 2*time.Second)
	if ev.Type != TypeItemAdded || ev.Payload.(ItemAdded).Item.ID != "WI-2" {
		t.Fatalf("event = %+v", ev)
	}

	// Archived items disappear from the snapshot and must be evicted.
	src.setSnapshot(domain.Snapshot{Items: []domain.WorkItem{item("WI-1", "backlog", "keeper")}})
	ev, _ = nextEvent(t, sub, 2*time.Second)
	if ev.Type != TypeItemDeleted || ev.Payload.(ItemDeleted).ItemID != "WI-2" {
		t.Fatalf("event = %+v", ev)
	}

	// Re-adding the same id is a fresh item, not a resurrection of old state.
	src.setSnapshot(domain.Snapshot{Items: []domain.WorkItem{
		item("WI-1", "backlog", "keeper"),
		item("WI-2", "ready", "back again"),
	}})
	ev, _ = nextEvent(t, sub, 2*time.Second)
	if ev.Type != TypeItemAdded {
		t.Fatalf("event = %q, want %q", ev.Type, TypeItemAdded)
	}
}

func TestLogTailingAdvancesCursor(t *testing.T) {
	src := &fakeSource{}
	src.appendEntry(domain.ActivityLogEntry{ID: 3, Actor: "tester", Message: "before start", Level: "info"})

	_, sub := startDistributor(t, src, Options{})
	waitPolls(t, src, 2)

	src.appendEntry(domain.ActivityLogEntry{ID: 4, Actor: "tester", Message: "first", Level: "info"})
	src.appendEntry(domain.ActivityLogEntry{ID: 5, Actor: "tester", Message: "second", Level: "warn"})

	ev, _ := nextEvent(t, sub, 2*time.Second)
	if ev.Type != TypeLogEntryAdded || ev.Payload.(LogEntryAdded).Entry.ID != 4 {
		t.Fatalf("event = %+v", ev)
	}
	ev, _ = nextEvent(t, sub, 2*time.Second)
	if ev.Type != TypeLogEntryAdded || ev.Payload.(LogEntryAdded).Entry.ID != 5 {
		t.Fatalf("event = %+v", ev)
	}

	// Nothing should be re-delivered on subsequent polls.
	waitPolls(t, src, 3)
	select {
	case ev := <-sub.C:
		t.Fatalf("duplicate delivery: %+v", ev)
	default:
	}
}

func TestMissionPhaseChangeEmitted(t *testing.T) {
	src := &fakeSource{}
	src.setSnapshot(domain.Snapshot{Mission: &domain.Mission{ID: "mission-1", State: "active"}})

	_, sub := startDistributor(t, src, Options{})
	waitPolls(t, src, 2)

	src.setSnapshot(domain.Snapshot{Mission: &domain.Mission{ID: "mission-1", State: "final_review"}})
	ev, _ := nextEvent(t, sub, 2*time.Second)
	if ev.Type != TypeMissionPhaseChanged {
		t.Fatalf("event = %q", ev.Type)
	}
	pc := ev.Payload.(MissionPhaseChanged)
	if pc.From != "active" || pc.Mission.State != "final_review" {
		t.Fatalf("phase change = %+v", pc)
	}
}

func TestSlowSubscriberDisconnected(t *testing.T) {
	src := &fakeSource{}
	src.setSnapshot(domain.Snapshot{})

	_, sub := startDistributor(t, src, Options{SubscriberBuffer: 1})
	waitPolls(t, src, 2)

	// Two events in one batch against a buffer of one: the subscriber is
	// dropped rather than allowed to stall the loop.
	src.setSnapshot(domain.Snapshot{Items: []domain.WorkItem{
		item("WI-1", "backlog", "a"),
		item("WI-2", "backlog", "b"),
	}})

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-sub.C:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatalf("slow subscriber was never disconnected")
		}
	}
}

func TestFailedLogFetchKeepsDiffBaseline(t *testing.T) {
	src := &fakeSource{}
	src.setSnapshot(domain.Snapshot{Items: []domain.WorkItem{item("WI-1", "ready", "stable")}})

	_, sub := startDistributor(t, src, Options{})
	waitPolls(t, src, 2)

	// A stage change lands in the same poll whose log fetch fails. The poll
	// must not advance the last-seen map until the whole fetch succeeds, or
	// the move is lost for good.
	src.setFailLog(true)
	src.setSnapshot(domain.Snapshot{Items: []domain.WorkItem{item("WI-1", "testing", "stable")}})
	waitPolls(t, src, 3)

	select {
	case ev := <-sub.C:
		t.Fatalf("failed poll delivered event %q", ev.Type)
	default:
	}

	src.setFailLog(false)
	ev, ok := nextEvent(t, sub, 2*time.Second)
	if !ok {
		t.Fatalf("subscription closed")
	}
	if ev.Type != TypeItemMoved {
		t.Fatalf("event = %q, want %q", ev.Type, TypeItemMoved)
	}
	moved := ev.Payload.(ItemMoved)
	if moved.From != "ready" || moved.To != "testing" {
		t.Fatalf("moved %s -> %s", moved.From, moved.To)
	}
}

func TestBackoffGrowsGeometrically(t *testing.T) {
	d := New(&fakeSource{}, Options{
		PollInterval:     100 * time.Millisecond,
		BackoffThreshold: 3,
	})

	// Below the threshold the loop keeps its steady-state period.
	for failures := 1; failures < 3; failures++ {
		if got := d.backoff(failures); got != 100*time.Millisecond {
			t.Fatalf("backoff(%d) = %v, want poll interval", failures, got)
		}
	}
	// From the threshold on, the delay doubles per consecutive failure.
	for failures, want := 3, 200*time.Millisecond; failures <= 7; failures++ {
		if got := d.backoff(failures); got != want {
			t.Fatalf("backoff(%d) = %v, want %v", failures, got, want)
		}
		want *= 2
	}
	// And it never exceeds the cap.
	if got := d.backoff(100); got != maxBackoff {
		t.Fatalf("backoff(100) = %v, want %v", got, maxBackoff)
	}
}

func TestTeardownAfterConsecutiveFailures(t *testing.T) {
	src := &fakeSource{}
	src.setSnapshot(domain.Snapshot{})

	_, sub := startDistributor(t, src, Options{BackoffThreshold: 2, TeardownAfter: 3})
	waitPolls(t, src, 2)
	src.setFailing(true)

	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-sub.C:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatalf("subscribers were not torn down after repeated failures")
		}
	}
}

func TestShutdownClosesSubscriptions(t *testing.T) {
	src := &fakeSource{}
	d := New(src, Options{PollInterval: 5 * time.Millisecond})
	sub := d.Subscribe()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not exit on cancel")
	}
	select {
	case _, ok := <-sub.C:
		if ok {
			t.Fatalf("expected closed channel, got event")
		}
	case <-time.After(time.Second):
		t.Fatalf("subscription not closed on shutdown")
	}

	// Subscribing after shutdown hands back an already-closed channel.
	late := d.Subscribe()
	if _, ok := <-late.C; ok {
		t.Fatalf("late subscription delivered an event")
	}
}
