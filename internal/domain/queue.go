package domain

import "time"

// InteractionType distinguishes the user actions reported to the
// interaction-logging endpoint.
type InteractionType int

const (
	InteractionView InteractionType = iota
	InteractionTap
	InteractionExternalLinkClick
	InteractionShare
	InteractionBookmark
)

// ParseInteractionType maps a wire interaction string to an InteractionType.
func ParseInteractionType(s string) (InteractionType, bool) {
	switch s {
	case "view":
		return InteractionView, true
	case "tap":
		return InteractionTap, true
	case "external_link_click":
		return InteractionExternalLinkClick, true
	case "share":
		return InteractionShare, true
	case "bookmark":
		return InteractionBookmark, true
	default:
		return InteractionView, false
	}
}

// String returns the wire form of the interaction type.
func (t InteractionType) String() string {
	switch t {
	case InteractionView:
		return "view"
	case InteractionTap:
		return "tap"
	case InteractionExternalLinkClick:
		return "external_link_click"
	case InteractionShare:
		return "share"
	case InteractionBookmark:
		return "bookmark"
	default:
		return "unknown"
	}
}

// SyncQueueItem is one pending interaction awaiting delivery to the
// remote endpoint. Items are delivered in Seq order.
type SyncQueueItem struct {
	Seq         uint64            // Store-assigned, monotonically increasing
	ID          string            // Client-generated UUID, lets the remote dedupe re-sends
	ContentID   string            // Record identity the interaction refers to
	Type        InteractionType   // What the user did
	OccurredAt  time.Time         // When the interaction happened
	RetryCount  int               // Delivery attempts so far
	NextRetryAt time.Time         // Earliest instant the next attempt may run
	Payload     map[string]string // Optional extra attributes
	LastError   string            // Most recent delivery failure, for diagnostics
}

// Due reports whether the item is eligible for delivery at now.
func (i SyncQueueItem) Due(now time.Time) bool {
	return !i.NextRetryAt.After(now)
}

// DeadLetter preserves an interaction that left the retry cycle, for
// audit and operator replay. Dead letters are never silently dropped.
type DeadLetter struct {
	Item   SyncQueueItem // The interaction as last attempted
	Reason string        // Why it was dead-lettered
	DeadAt time.Time     // When it left the retry cycle
}

// SyncReport summarizes one drain cycle.
type SyncReport struct {
	Attempted    int           // Items for which delivery was attempted
	Delivered    int           // Items acknowledged and removed
	Retried      int           // Items rescheduled with backoff
	DeadLettered int           // Items moved to the dead-letter log
	Remaining    int           // Items still queued after the cycle
	Paused       bool          // Queue paused by an authentication failure
	Elapsed      time.Duration // Wall time of the cycle
}
