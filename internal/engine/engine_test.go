package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mmcdole/dailybrief/internal/domain"
	"github.com/mmcdole/dailybrief/internal/log"
	"github.com/mmcdole/dailybrief/internal/store"
)

type stubClient struct {
	mu        sync.Mutex
	fetch     func() (*domain.ContentRecord, error)
	submit    func(item domain.SyncQueueItem) error
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
	if c.submit != nil {
		return c.submit(item)
	}
	return nil
}

func (c *stubClient) fetchCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fetches
}

func testRecord(date domain.Date, title string) domain.ContentRecord {
	return domain.ContentRecord{
		ID:          domain.ContentID(date),
		ContentDate: date,
		Title:       title,
		Summary:     "summary for " + title,
		Topic:       domain.TopicLifestyle,
		Confidence:  0.9,
		PublishedAt: date.Time(time.UTC),
		SizeBytes:   100,
	}
}

// newTestEngine builds an engine over a real store with a controllable
// clock pinned to June 10 2024, noon UTC.
func newTestEngine(t *testing.T, client *stubClient) (*Engine, *store.Store, *time.Time) {
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

	eng, err := New(Deps{Store: st, Client: client}, Options{
		Logger: log.NullLogger(),
		Now:    now,
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(func() { eng.Close() })

	return eng, st, &clock
}

func TestNewRequiresStoreAndClient(t *testing.T) {
	if _, err := New(Deps{}, Options{Logger: log.NullLogger()}); err == nil {
		t.Fatal("expected error for missing deps")
	}
}

func TestInitialStateIsLoading(t *testing.T) {
	eng, _, _ := newTestEngine(t, &stubClient{})

	if got := eng.CurrentState().Kind; got != domain.StateLoading {
		t.Fatalf("initial state = %s, want loading", got)
	}
}

func TestFetchTodayServesFreshCacheWithoutNetwork(t *testing.T) {
	client := &stubClient{
		fetch: func() (*domain.ContentRecord, error) {
			t.Error("unexpected network fetch for a fresh cache hit")
			return nil, domain.ErrServerOffline
		},
	}
	eng, st, clock := newTestEngine(t, client)

	today := domain.DateOf(*clock)
	if err := st.Put(testRecord(today, "Fresh today")); err != nil {
		t.Fatalf("put: %v", err)
	}

	state := eng.FetchToday(context.Background())
	if state.Kind != domain.StateLoaded {
		t.Fatalf("state = %s, want loaded", state.Kind)
	}
	if state.Record.Title != "Fresh today" {
		t.Errorf("title = %q", state.Record.Title)
	}
	if eng.CurrentState().Kind != domain.StateLoaded {
		t.Errorf("current state not updated")
	}

	snap := eng.HealthSnapshot()
	if snap.HitRate != 1 {
		t.Errorf("hit rate = %v, want 1", snap.HitRate)
	}
}

func TestFetchTodayMissFetchesAndCaches(t *testing.T) {
	client := &stubClient{}
	eng, st, clock := newTestEngine(t, client)

	today := domain.DateOf(*clock)
	rec := testRecord(today, "Live brief")
	client.mu.Lock()
	client.fetch = func() (*domain.ContentRecord, error) { return &rec, nil }
	client.mu.Unlock()

	state := eng.FetchToday(context.Background())
	if state.Kind != domain.StateLoaded {
		t.Fatalf("state = %s, want loaded", state.Kind)
	}
	if state.Record.Title != "Live brief" {
		t.Errorf("title = %q", state.Record.Title)
	}

	entry, err := st.Get(today)
	if err != nil {
		t.Fatalf("fetched record not cached: %v", err)
	}
	if entry.Record.Title != "Live brief" {
		t.Errorf("cached title = %q", entry.Record.Title)
	}

	if at, ok := eng.LastRefreshAt(); !ok || !at.Equal(*clock) {
		t.Errorf("last refresh = %v ok=%v, want %v", at, ok, *clock)
	}
}

func TestFetchTodayStaleEntryRefetches(t *testing.T) {
	client := &stubClient{}
	eng, st, clock := newTestEngine(t, client)
	today := domain.DateOf(*clock)

	*clock = clock.Add(-3 * time.Hour)
	if err := st.Put(testRecord(today, "Stale edition")); err != nil {
		t.Fatalf("put: %v", err)
	}
	*clock = clock.Add(3 * time.Hour)

	rec := testRecord(today, "Updated edition")
	client.mu.Lock()
	client.fetch = func() (*domain.ContentRecord, error) { return &rec, nil }
	client.mu.Unlock()

	state := eng.FetchToday(context.Background())
	if state.Kind != domain.StateLoaded {
		t.Fatalf("state = %s, want loaded", state.Kind)
	}
	if state.Record.Title != "Updated edition" {
		t.Errorf("title = %q, stale entry was served", state.Record.Title)
	}
	if client.fetchCount() != 1 {
		t.Errorf("fetches = %d, want 1", client.fetchCount())
	}
}

func TestFetchFailureWithTodayCachedGoesOffline(t *testing.T) {
	client := &stubClient{}
	eng, st, clock := newTestEngine(t, client)
	today := domain.DateOf(*clock)

	*clock = clock.Add(-3 * time.Hour)
	if err := st.Put(testRecord(today, "Cached today")); err != nil {
		t.Fatalf("put: %v", err)
	}
	*clock = clock.Add(3 * time.Hour)

	state := eng.FetchToday(context.Background())
	if state.Kind != domain.StateOffline {
		t.Fatalf("state = %s, want offline", state.Kind)
	}
	if state.Record.Title != "Cached today" {
		t.Errorf("title = %q", state.Record.Title)
	}
}

func TestTransportFailureMarksSyncOffline(t *testing.T) {
	client := &stubClient{}
	eng, _, _ := newTestEngine(t, client)

	eng.FetchToday(context.Background())
	if eng.outbox.Online() {
		t.Fatal("transport failure should mark the sync manager offline")
	}
}

func TestFetchFailureFallsBackToPreviousDay(t *testing.T) {
	client := &stubClient{}
	eng, st, clock := newTestEngine(t, client)
	today := domain.DateOf(*clock)

	if err := st.Put(testRecord(today.AddDays(-1), "Yesterday's brief")); err != nil {
		t.Fatalf("put: %v", err)
	}

	state := eng.FetchToday(context.Background())
	if state.Kind != domain.StateFallback {
		t.Fatalf("state = %s, want fallback", state.Kind)
	}
	if state.Fallback.Type != domain.FallbackPreviousDay {
		t.Errorf("fallback type = %s", state.Fallback.Type)
	}
	if state.Fallback.Content.Title != "Yesterday's brief" {
		t.Errorf("fallback title = %q", state.Fallback.Content.Title)
	}
}

func TestFetchFailureEmptyStoreYieldsExplicitNone(t *testing.T) {
	client := &stubClient{}
	eng, _, _ := newTestEngine(t, client)

	state := eng.FetchToday(context.Background())
	if state.Kind != domain.StateFallback {
		t.Fatalf("state = %s, want fallback", state.Kind)
	}
	if state.Fallback.Type != domain.FallbackNone {
		t.Errorf("fallback type = %s", state.Fallback.Type)
	}
	if state.Fallback.UserMessage == "" {
		t.Error("none fallback must carry a user message")
	}
}

func TestForceRefreshBypassesFreshness(t *testing.T) {
	client := &stubClient{}
	eng, st, clock := newTestEngine(t, client)
	today := domain.DateOf(*clock)

	if err := st.Put(testRecord(today, "Morning edition")); err != nil {
		t.Fatalf("put: %v", err)
	}

	rec := testRecord(today, "Corrected edition")
	client.mu.Lock()
	client.fetch = func() (*domain.ContentRecord, error) { return &rec, nil }
	client.mu.Unlock()

	state := eng.ForceRefresh(context.Background())
	if state.Kind != domain.StateLoaded {
		t.Fatalf("state = %s, want loaded", state.Kind)
	}
	if state.Record.Title != "Corrected edition" {
		t.Errorf("title = %q, fresh cache was served despite force", state.Record.Title)
	}
	if client.fetchCount() != 1 {
		t.Errorf("fetches = %d, want 1", client.fetchCount())
	}
}

func TestConcurrentFetchIsSingleFlight(t *testing.T) {
	client := &stubClient{}
	eng, _, clock := newTestEngine(t, client)

	rec := testRecord(domain.DateOf(*clock), "Slow brief")
	started := make(chan struct{})
	release := make(chan struct{})
	client.mu.Lock()
	client.fetch = func() (*domain.ContentRecord, error) {
		close(started)
		<-release
		return &rec, nil
	}
	client.mu.Unlock()

	done := make(chan domain.CacheState, 1)
	go func() { done <- eng.FetchToday(context.Background()) }()
	<-started

	// The second caller must not start another fetch; it observes the
	// current state instead.
	if state := eng.FetchToday(context.Background()); state.Kind != domain.StateLoading {
		t.Fatalf("concurrent fetch state = %s, want loading", state.Kind)
	}

	close(release)
	if state := <-done; state.Kind != domain.StateLoaded {
		t.Fatalf("first fetch state = %s, want loaded", state.Kind)
	}
	if client.fetchCount() != 1 {
		t.Errorf("fetches = %d, want 1", client.fetchCount())
	}
}

func TestRecordInteractionQueuesAgainstDisplayedRecord(t *testing.T) {
	client := &stubClient{}
	eng, st, clock := newTestEngine(t, client)
	today := domain.DateOf(*clock)

	if err := st.Put(testRecord(today, "Fresh today")); err != nil {
		t.Fatalf("put: %v", err)
	}
	eng.FetchToday(context.Background())

	// Offline keeps the nudge from draining so the queue is observable.
	eng.OnConnectivityChanged(false)
	eng.RecordInteraction(domain.InteractionBookmark)

	items, err := eng.Queue()
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("queue len = %d, want 1", len(items))
	}
	if items[0].ContentID != domain.ContentID(today) {
		t.Errorf("content id = %q", items[0].ContentID)
	}
	if items[0].Type != domain.InteractionBookmark {
		t.Errorf("type = %s", items[0].Type)
	}
}

func TestRecordInteractionBeforeFirstFetchTargetsToday(t *testing.T) {
	client := &stubClient{}
	eng, _, clock := newTestEngine(t, client)

	eng.OnConnectivityChanged(false)
	eng.RecordInteraction(domain.InteractionView)

	items, err := eng.Queue()
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("queue len = %d, want 1", len(items))
	}
	if want := domain.ContentID(domain.DateOf(*clock)); items[0].ContentID != want {
		t.Errorf("content id = %q, want %q", items[0].ContentID, want)
	}
}

func TestSuccessfulFetchFlipsSyncOnline(t *testing.T) {
	client := &stubClient{}
	eng, _, clock := newTestEngine(t, client)

	eng.OnConnectivityChanged(false)

	rec := testRecord(domain.DateOf(*clock), "Back online")
	client.mu.Lock()
	client.fetch = func() (*domain.ContentRecord, error) { return &rec, nil }
	client.mu.Unlock()

	if state := eng.FetchToday(context.Background()); state.Kind != domain.StateLoaded {
		t.Fatalf("state = %s, want loaded", state.Kind)
	}
	if !eng.outbox.Online() {
		t.Error("successful fetch should flip the sync manager online")
	}
}

func TestRequeueDeadLettersRestoresQueue(t *testing.T) {
	client := &stubClient{
		submit: func(item domain.SyncQueueItem) error {
			return &domain.SubmitError{Class: domain.FailureRejected, Status: 422, Err: errors.New("bad payload")}
		},
	}
	eng, _, _ := newTestEngine(t, client)

	// Offline while enqueueing keeps the async nudge out of the way;
	// the drain below is the only delivery attempt.
	eng.OnConnectivityChanged(false)
	eng.RecordInteraction(domain.InteractionShare)
	eng.outbox.OnConnectivityChanged(true)

	if _, err := eng.Drain(context.Background()); err != nil {
		t.Fatalf("drain: %v", err)
	}

	letters, err := eng.DeadLetters()
	if err != nil {
		t.Fatalf("dead letters: %v", err)
	}
	if len(letters) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(letters))
	}

	eng.OnConnectivityChanged(false)
	n, err := eng.RequeueDeadLetters()
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if n != 1 {
		t.Fatalf("requeued = %d, want 1", n)
	}

	items, err := eng.Queue()
	if err != nil {
		t.Fatalf("queue: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("queue len = %d, want 1", len(items))
	}
	if items[0].RetryCount != 0 {
		t.Errorf("retry count = %d, want reset", items[0].RetryCount)
	}
}

func TestConstructionValidatesCache(t *testing.T) {
	st := &spyStore{}
	base, err := store.Open(t.TempDir(), store.Options{Logger: log.NullLogger()})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	st.Store = base

	eng, err := New(Deps{Store: st, Client: &stubClient{}}, Options{Logger: log.NullLogger()})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	defer eng.Close()

	if st.removeCalls != 1 {
		t.Fatalf("RemoveCorrupted calls = %d, want 1 at construction", st.removeCalls)
	}
}

func TestSearchHistoryFindsCachedBriefs(t *testing.T) {
	client := &stubClient{}
	eng, st, clock := newTestEngine(t, client)
	today := domain.DateOf(*clock)

	if err := st.Put(testRecord(today.AddDays(-1), "Hydration reminders")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := st.Put(testRecord(today, "Strength training basics")); err != nil {
		t.Fatalf("put: %v", err)
	}

	results, err := eng.SearchHistory("hydration", 0)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}
	if results[0].Entry.Record.Title != "Hydration reminders" {
		t.Errorf("matched %q", results[0].Entry.Record.Title)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	eng, _, _ := newTestEngine(t, &stubClient{})

	if err := eng.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := eng.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestCloseWaitsForInteractionNudges(t *testing.T) {
	eng, _, _ := newTestEngine(t, &stubClient{})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				eng.RecordInteraction(domain.InteractionTap)
			}
		}()
	}

	if err := eng.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	wg.Wait()

	// Nudges that arrive after close must be no-ops.
	eng.RecordInteraction(domain.InteractionShare)
	eng.OnConnectivityChanged(true)
	eng.ResumeSync()
}

// spyStore counts construction-time validation calls.
type spyStore struct {
	domain.Store
	removeCalls int
}

func (s *spyStore) RemoveCorrupted() (int, error) {
	s.removeCalls++
	return s.Store.RemoveCorrupted()
}
