package store

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/mmcdole/dailybrief/internal/domain"
	bolt "go.etcd.io/bbolt"
)

// evictCandidate carries the metadata eviction ordering needs.
type evictCandidate struct {
	key          string
	date         domain.Date
	size         int64
	lastAccessed time.Time
	cachedAt     time.Time
}

// EvictToBudget evicts least-recently-accessed entries until total size
// fits the budget. The entry with the most recent content date is never
// evicted. Returns the number of entries removed.
func (s *Store) EvictToBudget() (int, error) {
	var evicted int
	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		evicted, _, err = s.evictToBudget(tx)
		return err
	})
	if err != nil {
		return 0, storageError(err)
	}
	if evicted > 0 {
		s.logger.Info("evicted entries to budget", "evicted", evicted, "total_size", s.TotalSize())
	}
	return evicted, nil
}

// evictToBudget runs inside an open write transaction. It recomputes
// the size total from the entries present, drops undecodable values it
// encounters, then deletes candidates in least-recently-accessed order
// until the total fits the budget.
func (s *Store) evictToBudget(tx *bolt.Tx) (int, int64, error) {
	b := tx.Bucket(bucketEntries)

	var candidates []evictCandidate
	var newest domain.Date
	var total int64
	var undecodable []string

	c := b.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		var entry domain.CacheEntry
		if err := json.Unmarshal(v, &entry); err != nil {
			undecodable = append(undecodable, string(k))
			continue
		}
		cand := evictCandidate{
			key:          string(k),
			date:         entry.Record.ContentDate,
			size:         entry.Record.SizeBytes,
			lastAccessed: entry.LastAccessedAt,
			cachedAt:     entry.CachedAt,
		}
		candidates = append(candidates, cand)
		total += cand.size
		if cand.date.After(newest) {
			newest = cand.date
		}
	}

	for _, k := range undecodable {
		if err := b.Delete([]byte(k)); err != nil {
			return 0, 0, err
		}
	}

	evicted := 0
	if total > s.budget {
		// Never-read entries sort by cache time, then by date for
		// determinism when timestamps collide.
		sort.Slice(candidates, func(i, j int) bool {
			ci, cj := candidates[i], candidates[j]
			if !ci.lastAccessed.Equal(cj.lastAccessed) {
				return ci.lastAccessed.Before(cj.lastAccessed)
			}
			if !ci.cachedAt.Equal(cj.cachedAt) {
				return ci.cachedAt.Before(cj.cachedAt)
			}
			return ci.date.Before(cj.date)
		})
		for _, cand := range candidates {
			if total <= s.budget {
				break
			}
			if cand.date == newest {
				continue
			}
			if err := b.Delete([]byte(cand.key)); err != nil {
				return 0, 0, err
			}
			total -= cand.size
			evicted++
		}
	}

	if err := s.writeTotalSize(tx, total); err != nil {
		return 0, 0, err
	}
	return evicted, total, nil
}

// RemoveCorrupted deletes every entry that fails integrity validation
// and rebuilds size accounting from the survivors.
func (s *Store) RemoveCorrupted() (int, error) {
	today := domain.DateOf(s.now())
	var removed int
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		var bad []string
		var total int64
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var entry domain.CacheEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				bad = append(bad, string(k))
				continue
			}
			if err := validateEntry(&entry, today); err != nil {
				bad = append(bad, string(k))
				continue
			}
			total += entry.Record.SizeBytes
		}
		for _, k := range bad {
			if err := b.Delete([]byte(k)); err != nil {
				return err
			}
		}
		removed = len(bad)
		return s.writeTotalSize(tx, total)
	})
	if err != nil {
		return 0, storageError(err)
	}
	if removed > 0 {
		s.logger.Warn("removed corrupted entries", "removed", removed)
	}
	return removed, nil
}

// SweepExpired deletes entries cached longer ago than the retention
// window and rebuilds size accounting.
func (s *Store) SweepExpired() (int, error) {
	now := s.now()
	var removed int
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		var expired []string
		var total int64
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var entry domain.CacheEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				continue
			}
			if entry.Age(now) > s.retention {
				expired = append(expired, string(k))
				continue
			}
			total += entry.Record.SizeBytes
		}
		for _, k := range expired {
			if err := b.Delete([]byte(k)); err != nil {
				return err
			}
		}
		removed = len(expired)
		return s.writeTotalSize(tx, total)
	})
	if err != nil {
		return 0, storageError(err)
	}
	if removed > 0 {
		s.logger.Info("swept expired entries", "removed", removed)
	}
	return removed, nil
}

// CheckIntegrity scans entries, the queue and size accounting in a
// read-only transaction. Nothing is mutated; remediation happens only
// through RemoveCorrupted.
func (s *Store) CheckIntegrity() (domain.IntegrityReport, error) {
	today := domain.DateOf(s.now())
	var report domain.IntegrityReport
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		ids := make(map[string]bool)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			report.EntriesScanned++
			var entry domain.CacheEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				report.CorruptedEntries++
				if date, perr := domain.ParseDate(string(k)); perr == nil {
					report.CorruptedDates = append(report.CorruptedDates, date)
				}
				continue
			}
			if err := validateEntry(&entry, today); err != nil {
				report.CorruptedEntries++
				report.CorruptedDates = append(report.CorruptedDates, entry.Record.ContentDate)
				continue
			}
			report.ActualSize += entry.Record.SizeBytes
			ids[entry.Record.ID] = true
		}
		report.RecordedSize = s.readTotalSize(tx)

		qc := tx.Bucket(bucketQueue).Cursor()
		for k, v := qc.First(); k != nil; k, v = qc.Next() {
			report.QueueLen++
			var item domain.SyncQueueItem
			if err := json.Unmarshal(v, &item); err != nil {
				report.OrphanedQueueItems++
				continue
			}
			if !ids[item.ContentID] {
				report.OrphanedQueueItems++
			}
		}
		report.DeadLetters = tx.Bucket(bucketDeadLetters).Stats().KeyN
		return nil
	})
	if err != nil {
		return domain.IntegrityReport{}, storageError(err)
	}
	return report, nil
}
