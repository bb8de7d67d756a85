// Package feed turns a sequence of persisted-state snapshots into an ordered
// stream of typed events fanned out to every connected observer. A single
// shared poll loop diffs the store against an in-memory last-seen map; the
// store stays the only source of truth and observers never poll it.
package feed

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"flowline/internal/domain"
)

// Source is the read surface the distributor polls. Reads are idempotent, so
// they carry the process's only retry budget; mutating paths never retry.
type Source interface {
	Snapshot(ctx context.Context) (domain.Snapshot, error)
	ActivityAfter(ctx context.Context, limit int, cursor int64) ([]domain.ActivityLogEntry, error)
	LatestActivityID(ctx context.Context) (int64, error)
}

// Options tune the shared poll loop.
type Options struct {
	// PollInterval is the steady-state poll period.
	PollInterval time.Duration
	// BackoffThreshold is the consecutive-failure count at which the loop
	// switches to exponential backoff.
	BackoffThreshold int
	// TeardownAfter is the consecutive-failure count at which stale observer
	// connections are closed so clients reconnect instead of hanging on a
	// feed that silently stopped.
	TeardownAfter int
	// SubscriberBuffer is the per-observer channel depth. An observer that
	// stops draining is disconnected rather than allowed to block the loop.
	SubscriberBuffer int
	// LogBatch bounds one poll's activity-log read.
	LogBatch int
}

func (o *Options) defaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = 500 * time.Millisecond
	}
	if o.BackoffThreshold <= 0 {
		o.BackoffThreshold = 3
	}
	if o.TeardownAfter < o.BackoffThreshold {
		o.TeardownAfter = o.BackoffThreshold + 5
	}
	if o.SubscriberBuffer <= 0 {
		o.SubscriberBuffer = 64
	}
	if o.LogBatch <= 0 {
		o.LogBatch = 200
	}
}

const maxBackoff = 30 * time.Second

// Distributor owns the last-seen state map and the activity-log cursor. It
// is constructed at service start and torn down by cancelling Run's context;
// nothing here is package-level state.
type Distributor struct {
	src  Source
	opts Options
	Now  func() time.Time

	mu      sync.Mutex
	subs    map[int]*Subscription
	nextSub int
	closed  bool

	// poll-loop state, touched only by Run's goroutine
	primed       bool
	known        map[string]domain.WorkItem
	lastLogID    int64
	missionState string
}

// Subscription is one observer's independently cancellable feed.
type Subscription struct {
	C <-chan Event

	id   int
	ch   chan Event
	d    *Distributor
	once sync.Once
}

// Close releases the subscription and its buffer. Safe to call repeatedly
// and concurrently with delivery.
func (s *Subscription) Close() {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	s.closeLocked()
}

// closeLocked tears the subscription down; the caller holds d.mu.
func (s *Subscription) closeLocked() {
	s.once.Do(func() {
		delete(s.d.subs, s.id)
		close(s.ch)
	})
}

func New(src Source, opts Options) *Distributor {
	opts.defaults()
	return &Distributor{
		src:   src,
		opts:  opts,
		Now:   time.Now,
		subs:  map[int]*Subscription{},
		known: map[string]domain.WorkItem{},
	}
}

// Subscribe registers an observer. The returned subscription receives every
// event emitted after registration until Close is called, the distributor
// tears down, or the observer falls too far behind.
func (d *Distributor) Subscribe() *Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()
	ch := make(chan Event, d.opts.SubscriberBuffer)
	s := &Subscription{C: ch, ch: ch, d: d, id: d.nextSub}
	if d.closed {
		// distributor already stopped; hand back a closed channel
		s.closeLocked()
		return s
	}
	d.nextSub++
	d.subs[s.id] = s
	return s
}

// Run executes the shared poll loop until ctx is cancelled. Fetch errors are
// retried with exponential backoff after BackoffThreshold consecutive
// failures and never surfaced to observers as events; at TeardownAfter the
// loop closes all observer connections so clients reconnect.
func (d *Distributor) Run(ctx context.Context) {
	defer d.shutdown()
	timer := time.NewTimer(d.opts.PollInterval)
	defer timer.Stop()
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if err := d.poll(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			log.Printf("feed: poll failed (%d consecutive): %v", failures, err)
			if failures >= d.opts.TeardownAfter {
				log.Printf("feed: dropping observer connections after %d failures", failures)
				d.dropSubscribers()
			}
			timer.Reset(d.backoff(failures))
			continue
		}
		failures = 0
		timer.Reset(d.opts.PollInterval)
	}
}

func (d *Distributor) backoff(failures int) time.Duration {
	if failures < d.opts.BackoffThreshold {
		return d.opts.PollInterval
	}
	delay := d.opts.PollInterval
	for i := d.opts.BackoffThreshold; i <= failures; i++ {
		delay *= 2
		if delay >= maxBackoff {
			return maxBackoff
		}
	}
	return delay
}

func (d *Distributor) shutdown() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	for _, s := range d.subs {
		s.closeLocked()
	}
}

func (d *Distributor) dropSubscribers() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range d.subs {
		s.closeLocked()
	}
}

// poll fetches one snapshot, diffs it against the last-seen state, and fans
// the resulting events out. Per-item ordering is fixed: moved before updated,
// so observers never see a logically later state behind an earlier event.
func (d *Distributor) poll(ctx context.Context) error {
	snap, err := d.src.Snapshot(ctx)
	if err != nil {
		return err
	}
	if !d.primed {
		// first successful poll establishes the baseline; observers only
		// receive changes made after the distributor started
		cursor, err := d.src.LatestActivityID(ctx)
		if err != nil {
			return err
		}
		for _, it := range snap.Items {
			d.known[it.ID] = it
		}
		d.lastLogID = cursor
		if snap.Mission != nil {
			d.missionState = snap.Mission.State
		}
		d.primed = true
		return nil
	}

	// All fetches happen before the diff baseline moves: a poll that fails
	// here leaves d.known, d.missionState and d.lastLogID untouched, so the
	// next successful poll re-derives the same events instead of losing them.
	entries, err := d.src.ActivityAfter(ctx, d.opts.LogBatch, d.lastLogID)
	if err != nil {
		return err
	}

	ts := d.Now().UTC().Format(time.RFC3339)
	var out []Event

	current := make(map[string]domain.WorkItem, len(snap.Items))
	ids := make([]string, 0, len(snap.Items))
	for _, it := range snap.Items {
		current[it.ID] = it
		ids = append(ids, it.ID)
	}
	sort.Strings(ids)

	for _, id := range ids {
		it := current[id]
		old, seen := d.known[id]
		if !seen {
			out = append(out, Event{Type: TypeItemAdded, Payload: ItemAdded{TS: ts, Item: it}})
			continue
		}
		if old.Stage != it.Stage {
			out = append(out, Event{Type: TypeItemMoved, Payload: ItemMoved{TS: ts, Item: it, From: old.Stage, To: it.Stage}})
		}
		if fieldsChanged(old, it) {
			out = append(out, Event{Type: TypeItemUpdated, Payload: ItemUpdated{TS: ts, Item: it}})
		}
	}
	// deletions by set difference
	removed := make([]string, 0)
	for id := range d.known {
		if _, ok := current[id]; !ok {
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	for _, id := range removed {
		out = append(out, Event{Type: TypeItemDeleted, Payload: ItemDeleted{TS: ts, ItemID: id}})
	}

	if snap.Mission != nil && snap.Mission.State != d.missionState {
		out = append(out, Event{Type: TypeMissionPhaseChanged, Payload: MissionPhaseChanged{
			TS: ts, Mission: *snap.Mission, From: d.missionState,
		}})
	}

	for _, e := range entries {
		out = append(out, Event{Type: TypeLogEntryAdded, Payload: LogEntryAdded{TS: ts, Entry: e}})
	}

	d.publish(out)

	// commit the baseline only after the whole batch is queued; evicting
	// removed ids here also bounds the tracked state
	for _, id := range removed {
		delete(d.known, id)
	}
	for id, it := range current {
		d.known[id] = it
	}
	if snap.Mission != nil {
		d.missionState = snap.Mission.State
	}
	if len(entries) > 0 {
		d.lastLogID = entries[len(entries)-1].ID
	}
	return nil
}

// fieldsChanged compares the non-stage fields a caller can mutate. Stage and
// the timestamps maintained by moves are excluded so a bare move yields
// exactly one event.
func fieldsChanged(old, cur domain.WorkItem) bool {
	if old.Title != cur.Title || old.Type != cur.Type {
		return true
	}
	if !eqIntPtr(old.Priority, cur.Priority) {
		return true
	}
	if !eqStrPtr(old.Worker, cur.Worker) {
		return true
	}
	if old.RejectionCount != cur.RejectionCount {
		return true
	}
	if !eqStrPtr(old.OutputPath, cur.OutputPath) {
		return true
	}
	if len(old.DependsOn) != len(cur.DependsOn) {
		return true
	}
	for i := range old.DependsOn {
		if old.DependsOn[i] != cur.DependsOn[i] {
			return true
		}
	}
	return false
}

func eqStrPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func eqIntPtr(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// publish fans events out to every live subscriber. Delivery to one observer
// never blocks the loop or other observers: a full buffer disconnects that
// observer.
func (d *Distributor) publish(events []Event) {
	if len(events) == 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, s := range d.subs {
		alive := true
		for _, ev := range events {
			select {
			case s.ch <- ev:
			default:
				alive = false
			}
			if !alive {
				break
			}
		}
		if !alive {
			log.Printf("feed: observer %d too slow, disconnecting", id)
			s.closeLocked()
		}
	}
}
