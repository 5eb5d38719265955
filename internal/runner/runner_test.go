package runner

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mmcdole/dailybrief/internal/domain"
	"github.com/mmcdole/dailybrief/internal/engine"
	"github.com/mmcdole/dailybrief/internal/log"
	"github.com/mmcdole/dailybrief/internal/scheduler"
	"github.com/mmcdole/dailybrief/internal/store"
)

type stubClient struct {
	mu        sync.Mutex
	fetch     func() (*domain.ContentRecord, error)
	fetches   int
	submitted []domain.SyncQueueItem
}

func (c *stubClient) FetchToday(ctx context.Context) (*domain.ContentRecord, error) {
	c.mu.Lock()
	c.fetches++
	fetch := c.fetch
	c.mu.Unlock()
	if fetch == nil {
		return nil, domain.ErrServerOffline
	}
	return fetch()
}

func (c *stubClient) SubmitInteraction(ctx context.Context, item domain.SyncQueueItem) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.submitted = append(c.submitted, item)
	return nil
}

func (c *stubClient) fetchCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fetches
}

func newTestRunner(t *testing.T, client *stubClient) (*Runner, *store.Store, *scheduler.Scheduler, *time.Time) {
	t.Helper()

	clock := time.Date(2024, time.June, 10, 12, 0, 0, 0, time.UTC)
	now := func() time.Time { return clock }

	st, err := store.Open(t.TempDir(), store.Options{
		Logger: log.NullLogger(),
		Now:    now,
	})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	eng, err := engine.New(engine.Deps{Store: st, Client: client}, engine.Options{
		Logger: log.NullLogger(),
		Now:    now,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(func() { eng.Close() })

	sched := scheduler.New(scheduler.Options{
		Location: time.UTC,
		Logger:   log.NullLogger(),
		Now:      now,
	})

	r, err := New(eng, sched, st, Options{
		Logger: log.NullLogger(),
		Now:    now,
	})
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	return r, st, sched, &clock
}

func testRecord(date domain.Date, title string) domain.ContentRecord {
	return domain.ContentRecord{
		ID:          domain.ContentID(date),
		ContentDate: date,
		Title:       title,
		Topic:       domain.TopicLifestyle,
		Confidence:  0.9,
		PublishedAt: date.Time(time.UTC),
		SizeBytes:   100,
	}
}

func TestRunnerRegistersAllJobs(t *testing.T) {
	r, _, _, _ := newTestRunner(t, &stubClient{})

	// Refresh, drift check, drain kick, retention sweep.
	if got := len(r.cron.Entries()); got != 4 {
		t.Fatalf("registered jobs = %d, want 4", got)
	}
}

func TestCatchUpFetchesWhenRefreshWasMissed(t *testing.T) {
	client := &stubClient{}
	r, _, sched, _ := newTestRunner(t, client)

	// No recorded refresh: the very first run always fetches.
	r.catchUp(context.Background())

	if client.fetchCount() != 1 {
		t.Fatalf("fetches = %d, want 1", client.fetchCount())
	}
	if sched.State() != scheduler.StateScheduled {
		t.Errorf("scheduler state = %s, want scheduled", sched.State())
	}
}

func TestCatchUpSkipsWhenRefreshIsCurrent(t *testing.T) {
	client := &stubClient{}
	r, st, _, clock := newTestRunner(t, client)

	if err := st.SetLastRefreshAt(clock.Add(-1 * time.Hour)); err != nil {
		t.Fatalf("set last refresh: %v", err)
	}

	r.catchUp(context.Background())

	if client.fetchCount() != 0 {
		t.Fatalf("fetches = %d, want 0: next target is tomorrow", client.fetchCount())
	}
}

func TestCatchUpSeedsOffsetBaseline(t *testing.T) {
	r, st, sched, _ := newTestRunner(t, &stubClient{})

	if _, known := st.LastKnownTZOffset(); known {
		t.Fatal("offset unexpectedly known before catch-up")
	}

	r.catchUp(context.Background())

	offset, known := st.LastKnownTZOffset()
	if !known {
		t.Fatal("offset baseline not stored")
	}
	if offset != sched.CurrentOffset() {
		t.Errorf("stored offset = %d, want %d", offset, sched.CurrentOffset())
	}
}

func TestRefreshJobDrivesSchedulerStateMachine(t *testing.T) {
	client := &stubClient{}
	r, st, sched, clock := newTestRunner(t, client)

	rec := testRecord(domain.DateOf(*clock), "Scheduled edition")
	client.mu.Lock()
	client.fetch = func() (*domain.ContentRecord, error) { return &rec, nil }
	client.mu.Unlock()

	r.refresh()

	if client.fetchCount() != 1 {
		t.Fatalf("fetches = %d, want 1", client.fetchCount())
	}
	if sched.State() != scheduler.StateScheduled {
		t.Errorf("scheduler state = %s, want re-armed", sched.State())
	}
	if _, ok := st.LastRefreshAt(); !ok {
		t.Error("successful refresh not recorded")
	}
}

func TestCheckDriftReplacesRefreshEntryOnZoneChange(t *testing.T) {
	r, st, sched, _ := newTestRunner(t, &stubClient{})
	sched.Schedule()

	// Stored offset seven hours east of the current zone reads as a
	// timezone change.
	if err := st.SetLastKnownTZOffset(7 * 3600); err != nil {
		t.Fatalf("set offset: %v", err)
	}

	before := r.refreshID
	r.checkDrift()

	if r.refreshID == before {
		t.Error("refresh entry not re-registered after drift")
	}
	offset, known := st.LastKnownTZOffset()
	if !known || offset != sched.CurrentOffset() {
		t.Errorf("stored offset = %d known=%v, want current %d", offset, known, sched.CurrentOffset())
	}
}

func TestCheckDriftKeepsEntryWhenOffsetUnchanged(t *testing.T) {
	r, st, sched, _ := newTestRunner(t, &stubClient{})
	sched.Schedule()

	if err := st.SetLastKnownTZOffset(sched.CurrentOffset()); err != nil {
		t.Fatalf("set offset: %v", err)
	}

	before := r.refreshID
	r.checkDrift()

	if r.refreshID != before {
		t.Error("refresh entry replaced without drift")
	}
}

func TestKickDrainDeliversQueuedInteractions(t *testing.T) {
	client := &stubClient{}
	r, st, _, clock := newTestRunner(t, client)

	item := domain.SyncQueueItem{
		ID:         "item-1",
		ContentID:  domain.ContentID(domain.DateOf(*clock)),
		Type:       domain.InteractionView,
		OccurredAt: *clock,
	}
	if err := st.AppendQueueItem(&item); err != nil {
		t.Fatalf("append: %v", err)
	}

	r.kickDrain()

	client.mu.Lock()
	submitted := len(client.submitted)
	client.mu.Unlock()
	if submitted != 1 {
		t.Fatalf("submitted = %d, want 1", submitted)
	}
	if st.QueueLen() != 0 {
		t.Errorf("queue len = %d, want 0", st.QueueLen())
	}
}

func TestSweepJobRemovesExpiredEntries(t *testing.T) {
	r, st, _, clock := newTestRunner(t, &stubClient{})

	*clock = clock.Add(-8 * 24 * time.Hour)
	if err := st.Put(testRecord(domain.DateOf(*clock), "Ancient brief")); err != nil {
		t.Fatalf("put: %v", err)
	}
	*clock = clock.Add(8 * 24 * time.Hour)

	r.sweep()

	if got := st.EntryCount(); got != 0 {
		t.Fatalf("entries = %d, want 0 after sweep", got)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	r, _, _, _ := newTestRunner(t, &stubClient{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop after cancellation")
	}
}
