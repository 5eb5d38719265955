// Package fallback decides what to show when today's record is not
// available: the most recent entry within the fallback window, anything
// older from history, or an explicit empty result. The UI is never left
// to interpret an ambiguous miss.
package fallback

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mmcdole/dailybrief/internal/domain"
)

const (
	// DefaultMaxFallbackAge bounds how far back the previous-day
	// fallback reaches before results degrade to history.
	DefaultMaxFallbackAge = 7 * 24 * time.Hour

	// StaleAfter is the cache age beyond which fallback content is
	// flagged stale.
	StaleAfter = 24 * time.Hour
)

// Options configures a Resolver. Zero values fall back to defaults.
type Options struct {
	MaxFallbackAge time.Duration
	Logger         *slog.Logger
	Now            func() time.Time
}

// Resolver walks the fallback priority chain over the store.
type Resolver struct {
	store  domain.Store
	maxAge time.Duration
	logger *slog.Logger
	now    func() time.Time
}

func NewResolver(store domain.Store, opts Options) *Resolver {
	if opts.MaxFallbackAge <= 0 {
		opts.MaxFallbackAge = DefaultMaxFallbackAge
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Resolver{
		store:  store,
		maxAge: opts.MaxFallbackAge,
		logger: opts.Logger,
		now:    opts.Now,
	}
}

// Resolve picks fallback content for a day with no usable live record,
// in strict priority order: the most recent prior entry within the
// fallback window, then anything older from history, then an explicit
// empty result. Every outcome carries a user-facing message.
func (r *Resolver) Resolve(today domain.Date) domain.FallbackResult {
	now := r.now()

	entry, err := r.store.GetLatestBefore(today, r.maxAge)
	if err == nil {
		res := domain.FallbackResult{
			Type:        domain.FallbackPreviousDay,
			Content:     &entry.Record,
			IsStale:     entry.Age(now) > StaleAfter,
			UserMessage: previousDayMessage(entry.Record.ContentDate, today),
		}
		r.logger.Debug("fallback resolved",
			"type", res.Type.String(), "content_date", entry.Record.ContentDate, "stale", res.IsStale)
		return res
	}
	if !errors.Is(err, domain.ErrEntryNotFound) {
		r.logger.Error("fallback lookup failed", "error", err)
		return domain.FallbackResult{
			Type:        domain.FallbackError,
			UserMessage: "Content is temporarily unavailable. Please try again.",
		}
	}

	entries, err := r.store.History(0)
	if err != nil {
		r.logger.Error("fallback history lookup failed", "error", err)
		return domain.FallbackResult{
			Type:        domain.FallbackError,
			UserMessage: "Content is temporarily unavailable. Please try again.",
		}
	}
	for _, candidate := range entries {
		if !candidate.Record.ContentDate.Before(today) {
			continue
		}
		res := domain.FallbackResult{
			Type:        domain.FallbackContentHistory,
			Content:     &candidate.Record,
			IsStale:     true,
			UserMessage: fmt.Sprintf("Showing an older insight from %s.", candidate.Record.ContentDate),
		}
		r.logger.Debug("fallback resolved",
			"type", res.Type.String(), "content_date", candidate.Record.ContentDate)
		return res
	}

	r.logger.Debug("fallback resolved", "type", domain.FallbackNone.String())
	return domain.FallbackResult{
		Type:        domain.FallbackNone,
		UserMessage: "No content available. Connect to the internet to load today's insight.",
	}
}

func previousDayMessage(contentDate, today domain.Date) string {
	if contentDate == today.AddDays(-1) {
		return "Showing yesterday's insight."
	}
	return fmt.Sprintf("Showing the most recent insight from %s.", contentDate)
}
