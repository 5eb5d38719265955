package domain

import "time"

// Store owns every persisted byte of the engine: content entries, the
// interaction sync queue, dead letters, and scheduler metadata.
// No other component touches storage directly.
type Store interface {
	// === Entries ===

	// Put stores a record, overwriting any entry for the same content
	// date, then evicts least-recently-accessed entries until the size
	// budget holds. A record larger than the whole budget is rejected
	// with ErrSizeExceeded.
	Put(rec ContentRecord) error

	// Get returns the entry for a date and touches its access metadata.
	// A corrupt entry is removed and reported as ErrEntryNotFound.
	Get(date Date) (*CacheEntry, error)

	// GetLatestBefore returns the newest entry with a content date
	// strictly before the given date and within maxAge of it.
	GetLatestBefore(before Date, maxAge time.Duration) (*CacheEntry, error)

	// History returns entries newest-first, up to limit (0 = all).
	// History reads do not touch access metadata.
	History(limit int) ([]*CacheEntry, error)

	// EvictToBudget evicts LRU entries until total size fits the budget,
	// never evicting the entry with the most recent content date.
	EvictToBudget() (int, error)

	// RemoveCorrupted deletes every entry failing integrity validation.
	RemoveCorrupted() (int, error)

	// SweepExpired deletes entries cached longer ago than the retention window.
	SweepExpired() (int, error)

	TotalSize() int64
	EntryCount() int
	Budget() int64

	// CheckIntegrity scans entries, queue and size accounting without
	// mutating anything. Remediation is explicit via RemoveCorrupted.
	CheckIntegrity() (IntegrityReport, error)

	// === Sync queue ===

	// AppendQueueItem persists an interaction, assigning its sequence number.
	AppendQueueItem(item *SyncQueueItem) error

	// DueQueueItems returns items eligible at now, in sequence order.
	DueQueueItems(now time.Time, limit int) ([]*SyncQueueItem, error)

	// QueueItems returns all pending items in sequence order.
	QueueItems() ([]*SyncQueueItem, error)

	// UpdateQueueItem rewrites an item's retry state in place.
	UpdateQueueItem(item *SyncQueueItem) error

	// DeleteQueueItem removes a delivered item. Deleting an item that
	// is already gone is not an error.
	DeleteQueueItem(seq uint64) error

	// MoveToDeadLetter removes an item from the queue and preserves it
	// in the dead-letter log.
	MoveToDeadLetter(item *SyncQueueItem, reason string) error

	DeadLetters() ([]*DeadLetter, error)

	// RequeueDeadLetters moves every dead letter back onto the queue
	// with retry state reset, for operator replay.
	RequeueDeadLetters() (int, error)

	QueueLen() int

	// === Scheduler metadata ===

	LastRefreshAt() (time.Time, bool)
	SetLastRefreshAt(t time.Time) error
	LastKnownTZOffset() (int, bool)
	SetLastKnownTZOffset(seconds int) error

	Close() error
}
