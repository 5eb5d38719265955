// Package outbox delivers queued user interactions to the remote
// endpoint. Items survive restarts in the store's queue region and are
// drained in enqueue order with exponential backoff, dead-lettering
// whatever exhausts its retries.
package outbox

import (
	"context"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mmcdole/dailybrief/internal/domain"
	"github.com/mmcdole/dailybrief/internal/health"
)

// Policy holds the retry parameters as plain data so the backoff law
// is testable on its own.
type Policy struct {
	Base       time.Duration // first retry delay
	Multiplier float64       // growth factor per retry
	Cap        time.Duration // upper bound on any delay
	MaxRetries int           // retries before dead-lettering
}

// DefaultPolicy returns the stock retry policy: 5m base, doubling,
// capped at 20m, three retries.
func DefaultPolicy() Policy {
	return Policy{
		Base:       5 * time.Minute,
		Multiplier: 2,
		Cap:        20 * time.Minute,
		MaxRetries: 3,
	}
}

// Delay returns the wait before the next attempt for an item that has
// already been retried n times: min(Base * Multiplier^n, Cap).
func (p Policy) Delay(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	d := time.Duration(float64(p.Base) * math.Pow(p.Multiplier, float64(n)))
	if d > p.Cap || d < 0 {
		return p.Cap
	}
	return d
}

// Options configures a Manager. Zero values fall back to defaults.
type Options struct {
	Policy    Policy
	BatchSize int // max items attempted per drain cycle, 0 = all due
	Metrics   *health.Metrics
	Logger    *slog.Logger
	Now       func() time.Time
}

// Manager owns the interaction sync queue: enqueueing never blocks the
// caller, draining runs as a background cycle with at most one cycle
// in flight.
type Manager struct {
	store   domain.Store
	client  domain.ContentClient
	policy  Policy
	batch   int
	metrics *health.Metrics
	logger  *slog.Logger
	now     func() time.Time

	online   atomic.Bool
	paused   atomic.Bool
	draining atomic.Bool
}

func NewManager(store domain.Store, client domain.ContentClient, opts Options) *Manager {
	if opts.Policy == (Policy{}) {
		opts.Policy = DefaultPolicy()
	}
	if opts.Metrics == nil {
		opts.Metrics = health.NewMetrics()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	m := &Manager{
		store:   store,
		client:  client,
		policy:  opts.Policy,
		batch:   opts.BatchSize,
		metrics: opts.Metrics,
		logger:  opts.Logger,
		now:     opts.Now,
	}
	// Assume connectivity until a collaborator reports otherwise; a
	// wrong guess costs one transient failure, not lost data.
	m.online.Store(true)
	return m
}

// Enqueue records an interaction for later delivery. It never
// surfaces an error to the caller: when the queue cannot be written
// the interaction is logged, counted and dropped rather than blocking
// the UI path.
func (m *Manager) Enqueue(typ domain.InteractionType, contentID string, payload map[string]string) {
	item := &domain.SyncQueueItem{
		ID:         uuid.NewString(),
		ContentID:  contentID,
		Type:       typ,
		OccurredAt: m.now(),
		Payload:    payload,
	}
	if err := m.store.AppendQueueItem(item); err != nil {
		m.metrics.RecordStoreError()
		m.logger.Error("failed to enqueue interaction",
			"type", typ.String(), "content_id", contentID, "error", err)
		return
	}
	m.logger.Debug("interaction enqueued",
		"seq", item.Seq, "type", typ.String(), "content_id", contentID)
}

// Drain delivers due items in sequence order and returns a report of
// the cycle. It refuses while offline, while the queue is paused after
// an authentication failure, and while another drain is running.
func (m *Manager) Drain(ctx context.Context) (report domain.SyncReport, _ error) {
	if !m.online.Load() {
		return report, domain.ErrOffline
	}
	if m.paused.Load() {
		report.Paused = true
		return report, domain.ErrQueuePaused
	}
	if !m.draining.CompareAndSwap(false, true) {
		return report, domain.ErrDrainInProgress
	}
	defer m.draining.Store(false)

	start := m.now()
	defer func() {
		report.Remaining = m.store.QueueLen()
		report.Elapsed = m.now().Sub(start)
	}()

	// Never ship interactions recorded against corrupt local state.
	removed, err := m.store.RemoveCorrupted()
	if err != nil {
		m.metrics.RecordStoreError()
		return report, err
	}
	if removed > 0 {
		m.logger.Warn("removed corrupted entries before drain", "removed", removed)
	}

	items, err := m.store.DueQueueItems(start, m.batch)
	if err != nil {
		m.metrics.RecordStoreError()
		return report, err
	}
	if len(items) == 0 {
		return report, nil
	}
	m.logger.Debug("drain cycle started", "due", len(items))

	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Attempted++

		attemptStart := m.now()
		err := m.client.SubmitInteraction(ctx, *item)
		if err == nil {
			// A missing item here means it was acknowledged by an
			// earlier partial cycle; deleting it again is a no-op and
			// the delivery still counts.
			if err := m.store.DeleteQueueItem(item.Seq); err != nil {
				m.metrics.RecordStoreError()
				return report, err
			}
			m.metrics.RecordDelivery(m.now().Sub(attemptStart))
			report.Delivered++
			continue
		}

		m.metrics.RecordSyncFailure()
		switch domain.ClassifyError(err) {
		case domain.FailureFatal:
			m.paused.Store(true)
			report.Paused = true
			m.logger.Error("queue paused pending re-authentication", "error", err)
			return report, err

		case domain.FailureRejected:
			if err := m.store.MoveToDeadLetter(item, "rejected by endpoint: "+err.Error()); err != nil {
				m.metrics.RecordStoreError()
				return report, err
			}
			report.DeadLettered++

		default: // transient
			if item.RetryCount >= m.policy.MaxRetries {
				if err := m.store.MoveToDeadLetter(item, "retry limit reached: "+err.Error()); err != nil {
					m.metrics.RecordStoreError()
					return report, err
				}
				report.DeadLettered++
				continue
			}
			delay := m.policy.Delay(item.RetryCount)
			item.RetryCount++
			item.NextRetryAt = m.now().Add(delay)
			item.LastError = err.Error()
			if err := m.store.UpdateQueueItem(item); err != nil {
				m.metrics.RecordStoreError()
				return report, err
			}
			report.Retried++
			m.logger.Debug("delivery backing off",
				"seq", item.Seq, "retry", item.RetryCount, "next_attempt", item.NextRetryAt)
			// The backing-off head blocks the items behind it, so the
			// cycle ends here to keep delivery in enqueue order.
			return report, nil
		}
	}
	return report, nil
}

// OnConnectivityChanged records the connectivity state reported by the
// platform. Draining refuses while offline; enqueueing always works.
func (m *Manager) OnConnectivityChanged(online bool) {
	was := m.online.Swap(online)
	if was != online {
		m.logger.Info("connectivity changed", "online", online)
	}
}

// Online reports the last known connectivity state.
func (m *Manager) Online() bool {
	return m.online.Load()
}

// Resume lifts the pause set by an authentication failure, after the
// caller has re-authenticated.
func (m *Manager) Resume() {
	if m.paused.Swap(false) {
		m.logger.Info("queue resumed")
	}
}

// Paused reports whether the queue is parked on an authentication
// failure.
func (m *Manager) Paused() bool {
	return m.paused.Load()
}
