// Package health derives a single 0-100 score from cache utilization,
// hit rate, error rate and sync latency, and exposes the read-only
// integrity scan.
package health

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mmcdole/dailybrief/internal/domain"
)

// Metrics collects operation counters shared by the engine, store and
// sync call sites. All methods are safe for concurrent use.
type Metrics struct {
	hits         atomic.Int64
	misses       atomic.Int64
	storeErrors  atomic.Int64
	fetchErrors  atomic.Int64
	delivered    atomic.Int64
	syncFailures atomic.Int64
	latencyNanos atomic.Int64
}

func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) RecordHit()        { m.hits.Add(1) }
func (m *Metrics) RecordMiss()       { m.misses.Add(1) }
func (m *Metrics) RecordStoreError() { m.storeErrors.Add(1) }
func (m *Metrics) RecordFetchError() { m.fetchErrors.Add(1) }

// RecordDelivery notes one acknowledged queue item and its delivery latency.
func (m *Metrics) RecordDelivery(latency time.Duration) {
	m.delivered.Add(1)
	m.latencyNanos.Add(int64(latency))
}

func (m *Metrics) RecordSyncFailure() { m.syncFailures.Add(1) }

// HitRate returns hits over lookups. With no lookups recorded yet it
// reports 1, so an idle cache does not read as failing.
func (m *Metrics) HitRate() float64 {
	hits := m.hits.Load()
	lookups := hits + m.misses.Load()
	if lookups == 0 {
		return 1
	}
	return float64(hits) / float64(lookups)
}

// ErrorRate returns failed operations over all counted operations.
func (m *Metrics) ErrorRate() float64 {
	errors := m.storeErrors.Load() + m.fetchErrors.Load() + m.syncFailures.Load()
	total := m.hits.Load() + m.misses.Load() + m.delivered.Load() + errors
	if total == 0 {
		return 0
	}
	return float64(errors) / float64(total)
}

// AvgSyncLatency returns the mean delivery latency of acknowledged
// items, zero when nothing was delivered yet.
func (m *Metrics) AvgSyncLatency() time.Duration {
	delivered := m.delivered.Load()
	if delivered == 0 {
		return 0
	}
	return time.Duration(m.latencyNanos.Load() / delivered)
}

// Score weights, in percent of the total.
const (
	weightUtilization = 20
	weightHitRate     = 30
	weightErrorRate   = 30
	weightLatency     = 20
)

// DefaultLatencyCeiling is the sync latency treated as fully unhealthy.
const DefaultLatencyCeiling = 2 * time.Second

// Options configures a Monitor.
type Options struct {
	LatencyCeiling time.Duration
	Logger         *slog.Logger
	Now            func() time.Time
}

// Monitor computes health snapshots over a store and shared metrics.
type Monitor struct {
	store          domain.Store
	metrics        *Metrics
	latencyCeiling time.Duration
	logger         *slog.Logger
	now            func() time.Time
}

func NewMonitor(store domain.Store, metrics *Metrics, opts Options) *Monitor {
	if metrics == nil {
		metrics = NewMetrics()
	}
	if opts.LatencyCeiling <= 0 {
		opts.LatencyCeiling = DefaultLatencyCeiling
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Monitor{
		store:          store,
		metrics:        metrics,
		latencyCeiling: opts.LatencyCeiling,
		logger:         opts.Logger,
		now:            opts.Now,
	}
}

// Metrics returns the shared counter set.
func (mon *Monitor) Metrics() *Metrics {
	return mon.metrics
}

// Snapshot computes the current health view, including a fresh
// integrity scan. The store is never mutated.
func (mon *Monitor) Snapshot() domain.HealthSnapshot {
	report, err := mon.store.CheckIntegrity()
	if err != nil {
		mon.logger.Warn("integrity scan failed during health snapshot", "error", err)
	}

	snap := domain.HealthSnapshot{
		HitRate:        mon.metrics.HitRate(),
		ErrorRate:      mon.metrics.ErrorRate(),
		AvgSyncLatency: mon.metrics.AvgSyncLatency(),
		Integrity:      report,
		GeneratedAt:    mon.now(),
	}
	if budget := mon.store.Budget(); budget > 0 {
		snap.Utilization = float64(mon.store.TotalSize()) / float64(budget)
		if snap.Utilization > 1 {
			snap.Utilization = 1
		}
	}

	latencyScore := 1 - float64(snap.AvgSyncLatency)/float64(mon.latencyCeiling)
	if latencyScore < 0 {
		latencyScore = 0
	}

	weighted := weightUtilization*snap.Utilization +
		weightHitRate*snap.HitRate +
		weightErrorRate*(1-snap.ErrorRate) +
		weightLatency*latencyScore
	snap.Score = int(weighted + 0.5)
	snap.Status = statusFor(snap.Score)
	return snap
}

// IntegrityCheck runs the read-only store scan on its own, for the
// diagnostics surface.
func (mon *Monitor) IntegrityCheck() (domain.IntegrityReport, error) {
	return mon.store.CheckIntegrity()
}

func statusFor(score int) domain.HealthStatus {
	switch {
	case score >= 80:
		return domain.StatusHealthy
	case score >= 50:
		return domain.StatusDegraded
	default:
		return domain.StatusUnhealthy
	}
}
