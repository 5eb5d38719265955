package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mmcdole/dailybrief/internal/domain"
	bolt "go.etcd.io/bbolt"
)

// === Sync queue ===

// AppendQueueItem persists an interaction at the tail of the queue,
// assigning its sequence number.
func (s *Store) AppendQueueItem(item *domain.SyncQueueItem) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return appendQueueItem(tx, item)
	})
	if err != nil {
		return storageError(err)
	}
	return nil
}

// appendQueueItem runs inside an open write transaction so requeue
// operations can batch appends.
func appendQueueItem(tx *bolt.Tx, item *domain.SyncQueueItem) error {
	b := tx.Bucket(bucketQueue)
	seq, err := b.NextSequence()
	if err != nil {
		return err
	}
	item.Seq = seq
	data, err := json.Marshal(item)
	if err != nil {
		return err
	}
	return b.Put(itob(seq), data)
}

// DueQueueItems returns the longest prefix of the queue, in sequence
// order, whose items are all due at now. Stopping at the first not-due
// item keeps delivery strictly FIFO: an item backing off blocks the
// items behind it.
func (s *Store) DueQueueItems(now time.Time, limit int) ([]*domain.SyncQueueItem, error) {
	var items []*domain.SyncQueueItem
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketQueue).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if limit > 0 && len(items) >= limit {
				return nil
			}
			var item domain.SyncQueueItem
			if err := json.Unmarshal(v, &item); err != nil {
				return fmt.Errorf("decode queue item %x: %w", k, err)
			}
			if !item.Due(now) {
				return nil
			}
			items = append(items, &item)
		}
		return nil
	})
	if err != nil {
		return nil, storageError(err)
	}
	return items, nil
}

// QueueItems returns all pending items in sequence order.
func (s *Store) QueueItems() ([]*domain.SyncQueueItem, error) {
	var items []*domain.SyncQueueItem
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketQueue).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var item domain.SyncQueueItem
			if err := json.Unmarshal(v, &item); err != nil {
				return fmt.Errorf("decode queue item %x: %w", k, err)
			}
			items = append(items, &item)
		}
		return nil
	})
	if err != nil {
		return nil, storageError(err)
	}
	return items, nil
}

// UpdateQueueItem rewrites an item's retry state. An item that has
// been removed in the meantime is left removed.
func (s *Store) UpdateQueueItem(item *domain.SyncQueueItem) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketQueue)
		key := itob(item.Seq)
		if b.Get(key) == nil {
			return nil
		}
		data, err := json.Marshal(item)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
	if err != nil {
		return storageError(err)
	}
	return nil
}

// DeleteQueueItem removes a delivered item. Deleting an item that is
// already gone is not an error, which makes acknowledgments idempotent.
func (s *Store) DeleteQueueItem(seq uint64) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketQueue).Delete(itob(seq))
	})
	if err != nil {
		return storageError(err)
	}
	return nil
}

// MoveToDeadLetter removes an item from the queue and preserves it in
// the dead-letter log in a single transaction.
func (s *Store) MoveToDeadLetter(item *domain.SyncQueueItem, reason string) error {
	dl := domain.DeadLetter{Item: *item, Reason: reason, DeadAt: s.now()}
	data, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketQueue).Delete(itob(item.Seq)); err != nil {
			return err
		}
		return tx.Bucket(bucketDeadLetters).Put(itob(item.Seq), data)
	})
	if err != nil {
		return storageError(err)
	}
	s.logger.Warn("dead-lettered interaction",
		"seq", item.Seq, "type", item.Type.String(), "content_id", item.ContentID, "reason", reason)
	return nil
}

// DeadLetters returns all dead-lettered interactions in the order they
// were queued.
func (s *Store) DeadLetters() ([]*domain.DeadLetter, error) {
	var letters []*domain.DeadLetter
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketDeadLetters).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var dl domain.DeadLetter
			if err := json.Unmarshal(v, &dl); err != nil {
				return fmt.Errorf("decode dead letter %x: %w", k, err)
			}
			letters = append(letters, &dl)
		}
		return nil
	})
	if err != nil {
		return nil, storageError(err)
	}
	return letters, nil
}

// RequeueDeadLetters moves every dead letter back onto the tail of the
// queue with retry state reset, for operator replay.
func (s *Store) RequeueDeadLetters() (int, error) {
	now := s.now()
	var requeued int
	err := s.db.Update(func(tx *bolt.Tx) error {
		dead := tx.Bucket(bucketDeadLetters)
		c := dead.Cursor()
		var keys [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var dl domain.DeadLetter
			if err := json.Unmarshal(v, &dl); err != nil {
				return fmt.Errorf("decode dead letter %x: %w", k, err)
			}
			item := dl.Item
			item.RetryCount = 0
			item.NextRetryAt = now
			item.LastError = ""
			if err := appendQueueItem(tx, &item); err != nil {
				return err
			}
			key := make([]byte, len(k))
			copy(key, k)
			keys = append(keys, key)
		}
		for _, k := range keys {
			if err := dead.Delete(k); err != nil {
				return err
			}
		}
		requeued = len(keys)
		return nil
	})
	if err != nil {
		return 0, storageError(err)
	}
	if requeued > 0 {
		s.logger.Info("requeued dead letters", "requeued", requeued)
	}
	return requeued, nil
}

// QueueLen returns the number of pending queue items.
func (s *Store) QueueLen() int {
	var n int
	s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketQueue).Stats().KeyN
		return nil
	})
	return n
}

// === Scheduler metadata ===

// LastRefreshAt returns the last successful refresh instant, if any.
func (s *Store) LastRefreshAt() (time.Time, bool) {
	var t time.Time
	var ok bool
	s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketMeta).Get([]byte(metaLastRefreshAt))
		if raw == nil {
			return nil
		}
		if err := json.Unmarshal(raw, &t); err == nil {
			ok = true
		}
		return nil
	})
	return t, ok
}

func (s *Store) SetLastRefreshAt(t time.Time) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode refresh time: %w", err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put([]byte(metaLastRefreshAt), data)
	})
	if err != nil {
		return storageError(err)
	}
	return nil
}

// LastKnownTZOffset returns the persisted UTC offset in seconds, if any.
func (s *Store) LastKnownTZOffset() (int, bool) {
	var offset int
	var ok bool
	s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketMeta).Get([]byte(metaTZOffset))
		if raw == nil {
			return nil
		}
		if err := json.Unmarshal(raw, &offset); err == nil {
			ok = true
		}
		return nil
	})
	return offset, ok
}

func (s *Store) SetLastKnownTZOffset(seconds int) error {
	data, err := json.Marshal(seconds)
	if err != nil {
		return fmt.Errorf("encode tz offset: %w", err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put([]byte(metaTZOffset), data)
	})
	if err != nil {
		return storageError(err)
	}
	return nil
}
