// Package runner drives the engine's periodic work: the daily refresh
// at the scheduler's local target hour, timezone drift checks, sync
// drain kicks and the retention sweep.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mmcdole/dailybrief/internal/domain"
	"github.com/mmcdole/dailybrief/internal/engine"
	"github.com/mmcdole/dailybrief/internal/scheduler"
)

const (
	DefaultDrainInterval      = 5 * time.Minute
	DefaultDriftCheckInterval = 2 * time.Hour
	DefaultSweepInterval      = 24 * time.Hour

	refreshTimeout = 2 * time.Minute
	drainTimeout   = 5 * time.Minute
)

// Options configures a Runner. Zero intervals fall back to defaults.
type Options struct {
	DrainInterval      time.Duration
	DriftCheckInterval time.Duration
	SweepInterval      time.Duration
	Logger             *slog.Logger
	Now                func() time.Time
}

// Runner owns the cron timetable. The refresh job is scheduled through
// the refresh scheduler itself, so firing times follow the local target
// hour across DST transitions; everything else runs at fixed intervals.
type Runner struct {
	engine *engine.Engine
	sched  *scheduler.Scheduler
	store  domain.Store
	cron   *cron.Cron
	logger *slog.Logger
	now    func() time.Time

	baseCtx   context.Context
	refreshID cron.EntryID
}

// New builds the runner and registers its jobs. The store is used for
// scheduler metadata only; all content access goes through the engine.
func New(eng *engine.Engine, sched *scheduler.Scheduler, store domain.Store, opts Options) (*Runner, error) {
	if opts.DrainInterval <= 0 {
		opts.DrainInterval = DefaultDrainInterval
	}
	if opts.DriftCheckInterval <= 0 {
		opts.DriftCheckInterval = DefaultDriftCheckInterval
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	r := &Runner{
		engine:  eng,
		sched:   sched,
		store:   store,
		cron:    cron.New(),
		logger:  opts.Logger,
		now:     opts.Now,
		baseCtx: context.Background(),
	}

	r.refreshID = r.cron.Schedule(sched, cron.FuncJob(r.refresh))
	if _, err := r.cron.AddFunc(every(opts.DriftCheckInterval), r.checkDrift); err != nil {
		return nil, fmt.Errorf("schedule drift check: %w", err)
	}
	if _, err := r.cron.AddFunc(every(opts.DrainInterval), r.kickDrain); err != nil {
		return nil, fmt.Errorf("schedule drain: %w", err)
	}
	if _, err := r.cron.AddFunc(every(opts.SweepInterval), r.sweep); err != nil {
		return nil, fmt.Errorf("schedule sweep: %w", err)
	}
	return r, nil
}

// Run blocks until ctx is cancelled, then stops the timetable and waits
// for running jobs to drain. Queue and scheduler state are durable, so
// shutdown loses nothing.
func (r *Runner) Run(ctx context.Context) error {
	r.baseCtx = ctx
	r.catchUp(ctx)

	r.cron.Start()
	r.logger.Info("runner started", "next_refresh", r.sched.NextRefreshAt(r.now()))

	<-ctx.Done()
	r.logger.Info("runner stopping")
	<-r.cron.Stop().Done()
	return nil
}

// catchUp fetches immediately when a scheduled refresh was missed while
// the process was down, then arms the scheduler and seeds the offset
// baseline for drift detection.
func (r *Runner) catchUp(ctx context.Context) {
	last, _ := r.engine.LastRefreshAt()
	if r.sched.ShouldRefreshNow(last, r.now()) {
		r.logger.Info("refresh due on startup", "last_refresh", last)
		fetchCtx, cancel := context.WithTimeout(ctx, refreshTimeout)
		state := r.engine.FetchToday(fetchCtx)
		cancel()
		r.logger.Info("startup fetch complete", "state", state.Kind)
	}

	r.sched.Schedule()

	if _, known := r.store.LastKnownTZOffset(); !known {
		if err := r.store.SetLastKnownTZOffset(r.sched.CurrentOffset()); err != nil {
			r.logger.Warn("failed to store timezone offset", "error", err)
		}
	}
}

// refresh is the daily job at the scheduler's target hour.
func (r *Runner) refresh() {
	r.sched.Schedule()
	if !r.sched.BeginFiring() {
		return
	}

	ctx, cancel := context.WithTimeout(r.baseCtx, refreshTimeout)
	state := r.engine.FetchToday(ctx)
	cancel()

	r.sched.FinishFiring()
	r.sched.Schedule()
	r.logger.Info("daily refresh complete",
		"state", state.Kind,
		"next_refresh", r.sched.NextRefreshAt(r.now()))
}

// checkDrift compares the current UTC offset against the stored one and
// re-registers the refresh entry when the scheduler rescheduled, so
// cron picks the new firing time up immediately rather than at the
// stale one.
func (r *Runner) checkDrift() {
	last, known := r.store.LastKnownTZOffset()
	res := r.sched.CheckDrift(last, known)

	if res.Kind != scheduler.DriftNone {
		r.cron.Remove(r.refreshID)
		r.refreshID = r.cron.Schedule(r.sched, cron.FuncJob(r.refresh))
		r.logger.Info("refresh rescheduled after clock drift",
			"kind", res.Kind,
			"next_refresh", res.NextRefreshAt)
	}

	if err := r.store.SetLastKnownTZOffset(r.sched.CurrentOffset()); err != nil {
		r.logger.Warn("failed to store timezone offset", "error", err)
	}
}

// kickDrain runs one delivery cycle. Offline, paused and already-running
// cycles are routine refusals, not failures.
func (r *Runner) kickDrain() {
	ctx, cancel := context.WithTimeout(r.baseCtx, drainTimeout)
	defer cancel()

	report, err := r.engine.Drain(ctx)
	if err != nil {
		r.logger.Debug("drain cycle not run", "error", err)
		return
	}
	if report.Attempted > 0 {
		r.logger.Info("sync cycle complete",
			"attempted", report.Attempted,
			"delivered", report.Delivered,
			"retried", report.Retried,
			"dead_lettered", report.DeadLettered,
			"remaining", report.Remaining)
	}
}

// sweep removes entries past the retention window.
func (r *Runner) sweep() {
	removed, err := r.engine.SweepExpired()
	if err != nil {
		r.logger.Error("retention sweep failed", "error", err)
		return
	}
	if removed > 0 {
		r.logger.Info("retention sweep complete", "removed", removed)
	}
}

func every(d time.Duration) string {
	return fmt.Sprintf("@every %s", d)
}
