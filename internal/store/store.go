package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/mmcdole/dailybrief/internal/domain"
	bolt "go.etcd.io/bbolt"
)

// Bucket names
var (
	bucketEntries     = []byte("entries")
	bucketQueue       = []byte("queue")
	bucketDeadLetters = []byte("deadletters")
	bucketMeta        = []byte("meta")
)

// Meta keys
const (
	metaTotalSize     = "total_size"
	metaLastRefreshAt = "last_refresh_at"
	metaTZOffset      = "tz_offset"
)

const dbFileName = "dailybrief.db"

// Defaults applied when Options leave a knob unset.
const (
	DefaultBudget    = 10 * 1024 * 1024 // 10 MiB
	DefaultRetention = 7 * 24 * time.Hour
)

// Options configure a Store.
type Options struct {
	Budget    int64            // Size budget in bytes; <= 0 uses DefaultBudget
	Retention time.Duration    // Max entry age before an expiry sweep removes it; <= 0 uses DefaultRetention
	Logger    *slog.Logger     // nil uses slog.Default()
	Now       func() time.Time // nil uses time.Now
}

// Store implements domain.Store using BoltDB. Entries are keyed by ISO
// content date so lexicographic bucket order is chronological order;
// queue items are keyed by big-endian sequence numbers.
type Store struct {
	db        *bolt.DB
	logger    *slog.Logger
	now       func() time.Time
	budget    int64
	retention time.Duration
}

// Open opens (or creates) the database under dir and reconciles size
// accounting against the entries actually present.
func Open(dir string, opts Options) (*Store, error) {
	if opts.Budget <= 0 {
		opts.Budget = DefaultBudget
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	dbPath := filepath.Join(dir, dbFileName)
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketEntries, bucketQueue, bucketDeadLetters, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	s := &Store{
		db:        db,
		logger:    opts.Logger,
		now:       opts.Now,
		budget:    opts.Budget,
		retention: opts.Retention,
	}
	if err := s.reconcileAccounting(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Budget returns the configured size budget in bytes.
func (s *Store) Budget() int64 {
	return s.budget
}

// storageError folds a bolt-level failure into the error taxonomy so
// callers can match on the sentinel.
func storageError(err error) error {
	return fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
}

// itob returns an 8-byte big-endian representation of v, the bucket
// key form that keeps sequence order and lexicographic order aligned.
func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

// reconcileAccounting recomputes the persisted size total from the
// entries present. Runs on open so a session never starts with drifted
// accounting from a previous crash.
func (s *Store) reconcileAccounting() error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		var recorded int64
		if raw := tx.Bucket(bucketMeta).Get([]byte(metaTotalSize)); raw != nil {
			json.Unmarshal(raw, &recorded)
		}
		var actual int64
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var entry domain.CacheEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				continue
			}
			actual += entry.Record.SizeBytes
		}
		if recorded != actual {
			s.logger.Warn("size accounting drift on open", "recorded", recorded, "actual", actual)
		}
		return s.writeTotalSize(tx, actual)
	})
	if err != nil {
		return storageError(err)
	}
	return nil
}

func (s *Store) writeTotalSize(tx *bolt.Tx, total int64) error {
	data, err := json.Marshal(total)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketMeta).Put([]byte(metaTotalSize), data)
}

func (s *Store) readTotalSize(tx *bolt.Tx) int64 {
	var total int64
	if raw := tx.Bucket(bucketMeta).Get([]byte(metaTotalSize)); raw != nil {
		json.Unmarshal(raw, &total)
	}
	return total
}

// validateEntry applies the integrity rules every read must pass:
// the decoded record holds its own invariants and its content date is
// not in the future. A one-day grace tolerates the server's calendar
// rolling over ahead of the local zone.
func validateEntry(entry *domain.CacheEntry, today domain.Date) error {
	if err := entry.Record.Validate(); err != nil {
		return err
	}
	if entry.Record.ContentDate.After(today.AddDays(1)) {
		return fmt.Errorf("entry %s: content date in the future", entry.Record.ContentDate)
	}
	return nil
}

// === Entries ===

// Put stores a record under its content date, overwriting any existing
// entry for that date, then evicts to the size budget within the same
// transaction.
func (s *Store) Put(rec domain.ContentRecord) error {
	if rec.ID == "" {
		rec.ID = domain.ContentID(rec.ContentDate)
	}
	if rec.SizeBytes == 0 {
		encoded, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode record: %w", err)
		}
		rec.SizeBytes = int64(len(encoded))
	}
	if err := rec.Validate(); err != nil {
		return err
	}
	if rec.SizeBytes > s.budget {
		return fmt.Errorf("%w: record %s is %d bytes, budget is %d",
			domain.ErrSizeExceeded, rec.ContentDate, rec.SizeBytes, s.budget)
	}

	now := s.now()
	entry := domain.CacheEntry{Record: rec, CachedAt: now, LastAccessedAt: now}
	if err := validateEntry(&entry, domain.DateOf(now)); err != nil {
		return fmt.Errorf("reject record: %w", err)
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}

	key := []byte(rec.ContentDate.String())
	var evicted int
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		total := s.readTotalSize(tx)
		if prev := b.Get(key); prev != nil {
			var old domain.CacheEntry
			if json.Unmarshal(prev, &old) == nil {
				total -= old.Record.SizeBytes
			}
		}
		if err := b.Put(key, data); err != nil {
			return err
		}
		total += rec.SizeBytes
		if err := s.writeTotalSize(tx, total); err != nil {
			return err
		}
		if total > s.budget {
			evicted, _, err = s.evictToBudget(tx)
			return err
		}
		return nil
	})
	if err != nil {
		return storageError(err)
	}
	if evicted > 0 {
		s.logger.Debug("evicted entries on put", "date", rec.ContentDate, "evicted", evicted)
	}
	return nil
}

// Get returns the entry for a date, touching its access metadata.
// Entries that fail integrity validation are removed and reported as
// a miss; corruption never surfaces as a failure.
func (s *Store) Get(date domain.Date) (*domain.CacheEntry, error) {
	key := []byte(date.String())
	now := s.now()
	today := domain.DateOf(now)

	var entry domain.CacheEntry
	var corrupt bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		raw := b.Get(key)
		if raw == nil {
			return domain.ErrEntryNotFound
		}
		if err := json.Unmarshal(raw, &entry); err != nil {
			corrupt = true
		} else if err := validateEntry(&entry, today); err != nil {
			corrupt = true
		}
		if corrupt {
			if err := b.Delete(key); err != nil {
				return err
			}
			return s.writeTotalSize(tx, s.recountEntries(b))
		}
		entry.LastAccessedAt = now
		entry.AccessCount++
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
	if err != nil {
		if err == domain.ErrEntryNotFound {
			return nil, err
		}
		return nil, storageError(err)
	}
	if corrupt {
		s.logger.Warn("removed corrupted entry on read", "date", date)
		return nil, domain.ErrEntryNotFound
	}
	return &entry, nil
}

// GetLatestBefore returns the newest valid entry with a content date
// strictly before the given date and no more than maxAge older than it.
func (s *Store) GetLatestBefore(before domain.Date, maxAge time.Duration) (*domain.CacheEntry, error) {
	today := domain.DateOf(s.now())
	min := domain.DateOf(before.Time(time.UTC).Add(-maxAge))

	var found *domain.CacheEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEntries).Cursor()
		k, v := c.Seek([]byte(before.String()))
		if k == nil {
			k, v = c.Last()
		} else {
			k, v = c.Prev()
		}
		for ; k != nil; k, v = c.Prev() {
			date, err := domain.ParseDate(string(k))
			if err != nil {
				continue
			}
			if !date.Before(before) {
				continue
			}
			if date.Before(min) {
				return nil
			}
			var entry domain.CacheEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				continue
			}
			if err := validateEntry(&entry, today); err != nil {
				continue
			}
			found = &entry
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, storageError(err)
	}
	if found == nil {
		return nil, domain.ErrEntryNotFound
	}
	return found, nil
}

// History returns valid entries newest-first, up to limit (0 = all),
// without touching access metadata.
func (s *Store) History(limit int) ([]*domain.CacheEntry, error) {
	today := domain.DateOf(s.now())
	var entries []*domain.CacheEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEntries).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(entries) >= limit {
				return nil
			}
			var entry domain.CacheEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				continue
			}
			if err := validateEntry(&entry, today); err != nil {
				continue
			}
			entries = append(entries, &entry)
		}
		return nil
	})
	if err != nil {
		return nil, storageError(err)
	}
	return entries, nil
}

// TotalSize returns the persisted size accounting in bytes.
func (s *Store) TotalSize() int64 {
	var total int64
	s.db.View(func(tx *bolt.Tx) error {
		total = s.readTotalSize(tx)
		return nil
	})
	return total
}

// EntryCount returns the number of stored entries.
func (s *Store) EntryCount() int {
	var n int
	s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketEntries).Stats().KeyN
		return nil
	})
	return n
}

// recountEntries sums the sizes of all decodable entries in the bucket.
func (s *Store) recountEntries(b *bolt.Bucket) int64 {
	var total int64
	c := b.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		var entry domain.CacheEntry
		if json.Unmarshal(v, &entry) == nil {
			total += entry.Record.SizeBytes
		}
	}
	return total
}
