// Package engine is the single entry point collaborators call: it
// composes the store, remote client, sync manager, fallback resolver
// and health monitor, and owns the one renderable CacheState.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mmcdole/dailybrief/internal/domain"
	"github.com/mmcdole/dailybrief/internal/fallback"
	"github.com/mmcdole/dailybrief/internal/health"
	"github.com/mmcdole/dailybrief/internal/outbox"
	"github.com/mmcdole/dailybrief/internal/search"
)

// DefaultFreshness is the cache age after which today's entry is
// refetched rather than served.
const DefaultFreshness = 2 * time.Hour

// Deps are the collaborators the engine composes. Store and Client are
// required; nil optional collaborators are constructed with defaults.
type Deps struct {
	Store    domain.Store
	Client   domain.ContentClient
	Outbox   *outbox.Manager
	Resolver *fallback.Resolver
	Monitor  *health.Monitor
	Search   *search.Service
}

// Options configures an Engine. Zero values fall back to defaults.
type Options struct {
	Freshness time.Duration
	Logger    *slog.Logger
	Now       func() time.Time
}

// Engine drives every content read and interaction write. It holds no
// persistent state of its own; the current CacheState is derived and
// transitions only happen here.
type Engine struct {
	store    domain.Store
	client   domain.ContentClient
	outbox   *outbox.Manager
	resolver *fallback.Resolver
	monitor  *health.Monitor
	metrics  *health.Metrics
	search   *search.Service
	logger   *slog.Logger
	now      func() time.Time

	freshness time.Duration

	mu    sync.RWMutex
	state domain.CacheState

	fetching atomic.Bool
	closed   atomic.Bool
	closeMu  sync.Mutex // serializes nudgeDrain's check-and-Add with Close

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New builds the engine and re-validates cache integrity before any
// timer-driven work resumes: corrupted entries are dropped and size
// accounting rebuilt, so a crashed session never resumes on bad state.
func New(deps Deps, opts Options) (*Engine, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("engine: store is required")
	}
	if deps.Client == nil {
		return nil, fmt.Errorf("engine: content client is required")
	}
	if opts.Freshness <= 0 {
		opts.Freshness = DefaultFreshness
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	if deps.Monitor == nil {
		deps.Monitor = health.NewMonitor(deps.Store, nil, health.Options{
			Logger: opts.Logger,
			Now:    opts.Now,
		})
	}
	if deps.Outbox == nil {
		// Share the monitor's metrics so drain outcomes show up in
		// health snapshots.
		deps.Outbox = outbox.NewManager(deps.Store, deps.Client, outbox.Options{
			Metrics: deps.Monitor.Metrics(),
			Logger:  opts.Logger,
			Now:     opts.Now,
		})
	}
	if deps.Resolver == nil {
		deps.Resolver = fallback.NewResolver(deps.Store, fallback.Options{
			Logger: opts.Logger,
			Now:    opts.Now,
		})
	}
	if deps.Search == nil {
		deps.Search = search.NewService(deps.Store, opts.Logger)
	}

	removed, err := deps.Store.RemoveCorrupted()
	if err != nil {
		return nil, fmt.Errorf("engine: validate cache on start: %w", err)
	}
	if removed > 0 {
		opts.Logger.Warn("removed corrupted entries on start", "count", removed)
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		store:     deps.Store,
		client:    deps.Client,
		outbox:    deps.Outbox,
		resolver:  deps.Resolver,
		monitor:   deps.Monitor,
		metrics:   deps.Monitor.Metrics(),
		search:    deps.Search,
		logger:    opts.Logger,
		now:       opts.Now,
		freshness: opts.Freshness,
		state:     domain.LoadingState(),
		baseCtx:   baseCtx,
		cancel:    cancel,
	}

	e.logger.Info("engine ready",
		"entries", e.store.EntryCount(),
		"queued", e.store.QueueLen())
	return e, nil
}

// CurrentState returns the state the tile should render right now.
func (e *Engine) CurrentState() domain.CacheState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// FetchToday resolves today's content: a fresh cached entry is served
// directly, anything else goes to the network with the cache and the
// fallback chain behind it. At most one fetch runs at a time; a
// concurrent call observes the current state instead of piling on.
// Every path lands in a well-defined state.
func (e *Engine) FetchToday(ctx context.Context) domain.CacheState {
	return e.fetch(ctx, false)
}

// ForceRefresh fetches today's content from the network even when the
// cached entry is still fresh.
func (e *Engine) ForceRefresh(ctx context.Context) domain.CacheState {
	return e.fetch(ctx, true)
}

func (e *Engine) fetch(ctx context.Context, force bool) domain.CacheState {
	if !e.fetching.CompareAndSwap(false, true) {
		return e.CurrentState()
	}
	defer e.fetching.Store(false)

	state := e.resolveToday(ctx, force)
	e.setState(state)
	return state
}

// resolveToday runs the read path for today's date.
func (e *Engine) resolveToday(ctx context.Context, force bool) domain.CacheState {
	today := domain.DateOf(e.now())

	var cached *domain.CacheEntry
	entry, err := e.store.Get(today)
	switch {
	case err == nil:
		cached = entry
		if !force {
			if entry.IsFresh(e.now(), e.freshness) {
				e.metrics.RecordHit()
				return domain.LoadedState(entry.Record)
			}
			e.metrics.RecordMiss()
		}
	case errors.Is(err, domain.ErrEntryNotFound):
		if !force {
			e.metrics.RecordMiss()
		}
	default:
		e.metrics.RecordStoreError()
		e.logger.Error("cache read failed", "date", today, "error", err)
		return domain.ErrorState("Content is temporarily unavailable. Please try again.")
	}

	rec, err := e.client.FetchToday(ctx)
	if err != nil {
		return e.afterFetchFailure(today, cached, err)
	}

	e.outbox.OnConnectivityChanged(true)
	e.nudgeDrain()

	if err := e.store.Put(*rec); err != nil {
		// The record is in hand; a failed cache write costs offline
		// coverage, not today's display.
		e.metrics.RecordStoreError()
		e.logger.Error("cache write failed", "date", rec.ContentDate, "error", err)
	} else {
		e.search.Invalidate()
	}
	if err := e.store.SetLastRefreshAt(e.now()); err != nil {
		e.logger.Warn("failed to record refresh time", "error", err)
	}

	return domain.LoadedState(*rec)
}

// afterFetchFailure picks the state for a failed live fetch: today's
// cached record if one exists, the fallback chain otherwise.
func (e *Engine) afterFetchFailure(today domain.Date, cached *domain.CacheEntry, err error) domain.CacheState {
	e.metrics.RecordFetchError()
	if errors.Is(err, domain.ErrServerOffline) {
		e.outbox.OnConnectivityChanged(false)
	}
	if errors.Is(err, domain.ErrAuthFailed) {
		e.logger.Error("content fetch not authorized", "error", err)
	} else {
		e.logger.Warn("content fetch failed", "date", today, "error", err)
	}

	if cached != nil {
		return domain.OfflineState(cached.Record)
	}
	return domain.FallbackState(e.resolver.Resolve(today))
}

// RecordInteraction queues one interaction against the currently
// displayed record. The caller never waits on the network: delivery
// happens in a background drain cycle.
func (e *Engine) RecordInteraction(typ domain.InteractionType) {
	state := e.CurrentState()

	var contentID string
	switch {
	case state.Record != nil:
		contentID = state.Record.ID
	case state.Fallback != nil && state.Fallback.Content != nil:
		contentID = state.Fallback.Content.ID
	default:
		contentID = domain.ContentID(domain.DateOf(e.now()))
	}

	e.outbox.Enqueue(typ, contentID, nil)
	e.nudgeDrain()
}

// Drain runs one delivery cycle against the sync queue.
func (e *Engine) Drain(ctx context.Context) (domain.SyncReport, error) {
	return e.outbox.Drain(ctx)
}

// OnConnectivityChanged updates connectivity and, when the device comes
// online, kicks a drain so queued interactions flush promptly.
func (e *Engine) OnConnectivityChanged(online bool) {
	e.outbox.OnConnectivityChanged(online)
	if online {
		e.nudgeDrain()
	}
}

// ResumeSync unpauses the queue after re-authentication and kicks a
// drain.
func (e *Engine) ResumeSync() {
	e.outbox.Resume()
	e.nudgeDrain()
}

// SyncPaused reports whether the queue is paused pending re-authentication.
func (e *Engine) SyncPaused() bool {
	return e.outbox.Paused()
}

// HealthSnapshot computes the current health view on demand.
func (e *Engine) HealthSnapshot() domain.HealthSnapshot {
	return e.monitor.Snapshot()
}

// IntegrityCheck runs the read-only diagnostics scan.
func (e *Engine) IntegrityCheck() (domain.IntegrityReport, error) {
	return e.monitor.IntegrityCheck()
}

// RemoveCorrupted drops entries failing integrity validation.
func (e *Engine) RemoveCorrupted() (int, error) {
	removed, err := e.store.RemoveCorrupted()
	if removed > 0 {
		e.search.Invalidate()
	}
	return removed, err
}

// SweepExpired removes entries past the retention window.
func (e *Engine) SweepExpired() (int, error) {
	removed, err := e.store.SweepExpired()
	if removed > 0 {
		e.search.Invalidate()
	}
	return removed, err
}

// History returns cached entries newest-first, up to limit (0 = all).
func (e *Engine) History(limit int) ([]*domain.CacheEntry, error) {
	return e.store.History(limit)
}

// SearchHistory ranks cached briefs against a free-text query.
func (e *Engine) SearchHistory(query string, limit int) ([]search.Result, error) {
	return e.search.Search(query, limit)
}

// Queue returns the pending interactions in delivery order.
func (e *Engine) Queue() ([]*domain.SyncQueueItem, error) {
	return e.store.QueueItems()
}

// DeadLetters returns interactions that left the retry cycle.
func (e *Engine) DeadLetters() ([]*domain.DeadLetter, error) {
	return e.store.DeadLetters()
}

// RequeueDeadLetters moves dead letters back onto the queue for
// replay and kicks a drain.
func (e *Engine) RequeueDeadLetters() (int, error) {
	n, err := e.store.RequeueDeadLetters()
	if err != nil {
		return n, err
	}
	if n > 0 {
		e.logger.Info("requeued dead letters", "count", n)
		e.nudgeDrain()
	}
	return n, nil
}

// LastRefreshAt reports when the last successful fetch completed.
func (e *Engine) LastRefreshAt() (time.Time, bool) {
	return e.store.LastRefreshAt()
}

// Close stops background work and closes the store. Queued items and
// scheduler state are already durable; nothing is lost.
func (e *Engine) Close() error {
	e.closeMu.Lock()
	closing := e.closed.CompareAndSwap(false, true)
	e.closeMu.Unlock()
	if !closing {
		return nil
	}
	e.cancel()
	e.wg.Wait()
	return e.store.Close()
}

// setState publishes a state transition.
func (e *Engine) setState(state domain.CacheState) {
	e.mu.Lock()
	prev := e.state.Kind
	e.state = state
	e.mu.Unlock()

	if prev != state.Kind {
		e.logger.Debug("state transition", "from", prev, "to", state.Kind)
	}
}

// nudgeDrain starts a background drain cycle unless one is already
// running or the device is offline. Benign refusals are not errors.
func (e *Engine) nudgeDrain() {
	// The closed check and the Add must be atomic with respect to
	// Close, so a late nudge cannot Add after Wait has returned.
	e.closeMu.Lock()
	if e.closed.Load() || !e.outbox.Online() {
		e.closeMu.Unlock()
		return
	}
	e.wg.Add(1)
	e.closeMu.Unlock()
	go func() {
		defer e.wg.Done()
		if _, err := e.outbox.Drain(e.baseCtx); err != nil && !errors.Is(err, domain.ErrDrainInProgress) {
			e.logger.Debug("background drain not run", "error", err)
		}
	}()
}
