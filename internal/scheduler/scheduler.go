// Package scheduler decides when the next daily content refresh should
// fire. All time math runs through an injectable clock and an explicit
// state machine instead of wall-clock timers, so tests can advance
// virtual time across DST boundaries.
package scheduler

import (
	"log/slog"
	"sync"
	"time"
)

// State is the refresh lifecycle: Idle until armed, Scheduled while a
// target instant is pending, Firing while a refresh runs.
type State int

const (
	StateIdle State = iota
	StateScheduled
	StateFiring
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScheduled:
		return "scheduled"
	case StateFiring:
		return "firing"
	default:
		return "unknown"
	}
}

// DriftKind classifies an observed change of the local UTC offset.
type DriftKind int

const (
	// DriftNone means the offset matches the last known one.
	DriftNone DriftKind = iota
	// DriftDST is a small shift at a daylight-saving boundary.
	DriftDST
	// DriftTimezoneChange is a shift larger than the configured
	// threshold, typically the device moving to another zone.
	DriftTimezoneChange
)

func (k DriftKind) String() string {
	switch k {
	case DriftDST:
		return "dst_transition"
	case DriftTimezoneChange:
		return "timezone_change"
	default:
		return "none"
	}
}

// DriftResult reports the outcome of a timezone drift check.
type DriftResult struct {
	Kind           DriftKind
	PreviousOffset int // seconds east of UTC
	CurrentOffset  int
	NextRefreshAt  time.Time // recomputed target, zero when nothing changed
}

const (
	DefaultTargetHour     = 3
	DefaultDriftThreshold = 2 * time.Hour
)

// Options configures a Scheduler. Zero values fall back to defaults.
type Options struct {
	TargetHour     int            // local hour of the daily refresh
	DriftThreshold time.Duration  // offset change that counts as a zone move
	Location       *time.Location // nil means time.Local
	Logger         *slog.Logger
	Now            func() time.Time
}

// Scheduler computes refresh targets for a fixed local hour and tracks
// the Idle/Scheduled/Firing lifecycle.
type Scheduler struct {
	logger *slog.Logger
	now    func() time.Time

	mu             sync.Mutex
	loc            *time.Location
	targetHour     int
	driftThreshold time.Duration
	state          State
	target         time.Time
}

func New(opts Options) *Scheduler {
	if opts.TargetHour < 0 || opts.TargetHour > 23 {
		opts.TargetHour = DefaultTargetHour
	}
	if opts.DriftThreshold <= 0 {
		opts.DriftThreshold = DefaultDriftThreshold
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scheduler{
		logger:         opts.Logger,
		now:            opts.Now,
		loc:            opts.Location,
		targetHour:     opts.TargetHour,
		driftThreshold: opts.DriftThreshold,
	}
}

// NextRefreshAt returns the first target-hour instant strictly after
// the given time in the scheduler's current zone. Building the
// candidate with time.Date normalizes local hours a DST transition
// skipped or repeated, so every calendar day yields exactly one
// firing instant.
func (s *Scheduler) NextRefreshAt(after time.Time) time.Time {
	s.mu.Lock()
	loc := s.loc
	hour := s.targetHour
	s.mu.Unlock()
	return nextAtHour(after, hour, loc)
}

func nextAtHour(after time.Time, hour int, loc *time.Location) time.Time {
	local := after.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), hour, 0, 0, 0, loc)
	for !next.After(after) {
		next = time.Date(next.Year(), next.Month(), next.Day()+1, hour, 0, 0, 0, loc)
	}
	return next
}

// ShouldRefreshNow reports whether a refresh is owed: now has reached
// the first target-hour occurrence after the last refresh. A zero
// lastRefresh means no refresh ever ran, which is always owed.
func (s *Scheduler) ShouldRefreshNow(lastRefresh, now time.Time) bool {
	if lastRefresh.IsZero() {
		return true
	}
	return !now.Before(s.NextRefreshAt(lastRefresh))
}

// Schedule arms the next firing and returns its instant. Rearming
// while Scheduled recomputes the target; a running fire keeps its
// current target.
func (s *Scheduler) Schedule() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateFiring {
		return s.target
	}
	s.target = nextAtHour(s.now(), s.targetHour, s.loc)
	s.state = StateScheduled
	s.logger.Debug("refresh scheduled", "at", s.target, "zone", s.loc.String())
	return s.target
}

// BeginFiring moves the machine from Scheduled to Firing. It reports
// false when no fire is armed or one is already running, collapsing
// overlapping triggers into a single refresh.
func (s *Scheduler) BeginFiring() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateScheduled {
		return false
	}
	s.state = StateFiring
	return true
}

// FinishFiring returns the machine to Idle. The caller rearms with
// Schedule afterwards; since the fire instant has passed, the new
// target lands on the next calendar day whether the fire succeeded or
// found the network down. Failed fetches are retried by the sync
// manager's policy, never by tightening the firing cadence.
func (s *Scheduler) FinishFiring() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateIdle
}

// State returns the current lifecycle state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Target returns the armed firing instant, if any.
func (s *Scheduler) Target() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateIdle {
		return time.Time{}, false
	}
	return s.target, true
}

// CurrentOffset returns the zone's UTC offset in seconds at the
// current instant.
func (s *Scheduler) CurrentOffset() int {
	s.mu.Lock()
	loc := s.loc
	s.mu.Unlock()
	_, offset := s.now().In(loc).Zone()
	return offset
}

// CheckDrift compares the current UTC offset against the last known
// one. Any change recomputes an armed target immediately; a change
// beyond the threshold is classified as a timezone change, smaller
// ones as a DST transition. lastKnown is ignored when known is false,
// which happens on the very first run.
func (s *Scheduler) CheckDrift(lastKnown int, known bool) DriftResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	_, current := now.In(s.loc).Zone()
	res := DriftResult{Kind: DriftNone, PreviousOffset: lastKnown, CurrentOffset: current}
	if !known || current == lastKnown {
		return res
	}

	delta := time.Duration(current-lastKnown) * time.Second
	if delta < 0 {
		delta = -delta
	}
	if delta > s.driftThreshold {
		res.Kind = DriftTimezoneChange
	} else {
		res.Kind = DriftDST
	}

	if s.state == StateScheduled {
		s.target = nextAtHour(now, s.targetHour, s.loc)
	}
	res.NextRefreshAt = s.target
	s.logger.Warn("timezone drift detected",
		"kind", res.Kind.String(),
		"previous_offset", lastKnown,
		"current_offset", current,
		"next_refresh", s.target)
	return res
}

// OnTimezoneChanged swaps the scheduler's zone and recomputes an armed
// target against it. It returns the new target instant.
func (s *Scheduler) OnTimezoneChanged(loc *time.Location) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if loc == nil {
		loc = time.Local
	}
	s.loc = loc
	if s.state != StateFiring {
		s.target = nextAtHour(s.now(), s.targetHour, s.loc)
		s.state = StateScheduled
	}
	s.logger.Info("timezone changed", "zone", loc.String(), "next_refresh", s.target)
	return s.target
}

// Next implements cron.Schedule so the firing loop can be handed to a
// cron runner while the time math stays here.
func (s *Scheduler) Next(t time.Time) time.Time {
	return s.NextRefreshAt(t)
}
