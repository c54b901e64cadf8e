package state

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	errs "github.com/alexjbarnes/liftsync/internal/errors"
	"github.com/alexjbarnes/liftsync/internal/models"
	"github.com/oklog/ulid/v2"
	bolt "go.etcd.io/bbolt"
)

var (
	entropy     = ulid.Monotonic(rand.Reader, 0)
	entropyLock sync.Mutex
)

// newItemID returns a ULID. Queue items are keyed by it, so bbolt's
// byte-ordered iteration yields enqueue order.
func newItemID() string {
	entropyLock.Lock()
	defer entropyLock.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

func tripleKey(kind models.EntityType, entityID string, op models.Operation) []byte {
	return []byte(string(kind) + "\x00" + entityID + "\x00" + string(op))
}

// Queue is the durable, order-preserving list of pending mutations.
// At most one item exists per (entity type, entity id, operation).
type Queue struct {
	s *State
}

// Add inserts a mutation. If an item for the same triple already exists
// its payload and timestamp are replaced in place: the item keeps its id,
// queue position and retry history, and its revision is incremented.
func (q *Queue) Add(item models.QueueItem) (models.QueueItem, error) {
	if err := validateItem(item); err != nil {
		return models.QueueItem{}, err
	}

	var stored models.QueueItem

	err := q.s.db.Update(func(tx *bolt.Tx) error {
		var err error
		stored, err = queueAddTx(tx, item, q.s.nowMillis())

		return err
	})
	if err != nil {
		return models.QueueItem{}, err
	}

	return stored, nil
}

// Get returns the item for a triple, or nil if none is queued.
func (q *Queue) Get(kind models.EntityType, entityID string, op models.Operation) (*models.QueueItem, error) {
	var item *models.QueueItem

	err := q.s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(queueIndexBucket).Get(tripleKey(kind, entityID, op))
		if id == nil {
			return nil
		}

		var err error
		item, err = queueGetTx(tx, string(id))

		return err
	})

	return item, err
}

// Remove deletes an item by id. Removing a missing item is not an error.
func (q *Queue) Remove(id string) error {
	return q.s.db.Update(func(tx *bolt.Tx) error {
		_, err := queueRemoveTx(tx, id, 0)
		return err
	})
}

// RemoveIfUnchanged deletes an item only if its revision still matches.
// It reports whether the item was removed. An item overwritten by a later
// enqueue while its older payload was in flight is kept.
func (q *Queue) RemoveIfUnchanged(id string, revision uint64) (bool, error) {
	var removed bool

	err := q.s.db.Update(func(tx *bolt.Tx) error {
		var err error
		removed, err = queueRemoveTx(tx, id, revision)

		return err
	})

	return removed, err
}

// MarkFailed records a failed push attempt. Once the retry count reaches
// the ceiling the item is parked with status failed.
func (q *Queue) MarkFailed(id, lastError string) (models.QueueItem, error) {
	var updated models.QueueItem

	err := q.s.db.Update(func(tx *bolt.Tx) error {
		item, err := queueGetTx(tx, id)
		if err != nil {
			return err
		}

		if item == nil {
			return fmt.Errorf("queue item %s not found", id)
		}

		item.RetryCount++
		item.LastError = lastError

		if item.RetryCount >= q.s.ceiling {
			item.Status = models.QueueFailed
		}

		updated = *item

		return queuePutTx(tx, updated)
	})

	return updated, err
}

// Pending returns every item still eligible for push, in queue order.
func (q *Queue) Pending() ([]models.QueueItem, error) {
	return q.filter(func(it models.QueueItem) bool {
		return it.Status != models.QueueFailed && it.RetryCount < q.s.ceiling
	})
}

// Failed returns every item parked at the retry ceiling, in queue order.
func (q *Queue) Failed() ([]models.QueueItem, error) {
	return q.filter(func(it models.QueueItem) bool {
		return it.Status == models.QueueFailed || it.RetryCount >= q.s.ceiling
	})
}

// All returns every stored item regardless of retry state.
func (q *Queue) All() ([]models.QueueItem, error) {
	return q.filter(func(models.QueueItem) bool { return true })
}

// Counts returns the number of pending and failed items.
func (q *Queue) Counts() (pending, failed int, err error) {
	all, err := q.All()
	if err != nil {
		return 0, 0, err
	}

	for _, it := range all {
		if it.Status == models.QueueFailed || it.RetryCount >= q.s.ceiling {
			failed++
		} else {
			pending++
		}
	}

	return pending, failed, nil
}

// Retry resets a parked item so the next cycle pushes it again.
func (q *Queue) Retry(id string) error {
	return q.s.db.Update(func(tx *bolt.Tx) error {
		item, err := queueGetTx(tx, id)
		if err != nil {
			return err
		}

		if item == nil {
			return fmt.Errorf("queue item %s not found", id)
		}

		item.RetryCount = 0
		item.Status = models.QueuePending

		return queuePutTx(tx, *item)
	})
}

// RetryAllFailed resets every parked item and returns how many were reset.
func (q *Queue) RetryAllFailed() (int, error) {
	failed, err := q.Failed()
	if err != nil {
		return 0, err
	}

	for _, it := range failed {
		if err := q.Retry(it.ID); err != nil {
			return 0, err
		}
	}

	return len(failed), nil
}

// Drop removes every queued item for one entity and returns how many
// were removed.
func (q *Queue) Drop(kind models.EntityType, entityID string) (int, error) {
	var n int

	err := q.s.db.Update(func(tx *bolt.Tx) error {
		var err error
		n, err = queueDropTx(tx, kind, entityID)

		return err
	})

	return n, err
}

func (q *Queue) filter(keep func(models.QueueItem) bool) ([]models.QueueItem, error) {
	var out []models.QueueItem

	err := q.s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(queueBucket).ForEach(func(k, v []byte) error {
			var it models.QueueItem
			if err := json.Unmarshal(v, &it); err != nil {
				return fmt.Errorf("decoding queue item %s: %w", k, err)
			}

			if keep(it) {
				out = append(out, it)
			}

			return nil
		})
	})

	return out, err
}

func validateItem(item models.QueueItem) error {
	if item.EntityType == "" || item.EntityID == "" || item.Operation == "" {
		return fmt.Errorf("%w: entity type, entity id and operation are required", errs.ErrInvalidPayload)
	}

	if len(item.Payload) > 0 && !json.Valid(item.Payload) {
		return fmt.Errorf("%w: payload is not valid JSON", errs.ErrInvalidPayload)
	}

	return nil
}

func queueAddTx(tx *bolt.Tx, item models.QueueItem, now int64) (models.QueueItem, error) {
	idx := tx.Bucket(queueIndexBucket)
	key := tripleKey(item.EntityType, item.EntityID, item.Operation)

	if id := idx.Get(key); id != nil {
		existing, err := queueGetTx(tx, string(id))
		if err != nil {
			return models.QueueItem{}, err
		}

		if existing != nil {
			existing.Payload = item.Payload
			existing.Timestamp = now
			existing.Revision++

			return *existing, queuePutTx(tx, *existing)
		}
	}

	stored := models.QueueItem{
		ID:         newItemID(),
		EntityType: item.EntityType,
		EntityID:   item.EntityID,
		Operation:  item.Operation,
		Payload:    item.Payload,
		Timestamp:  item.Timestamp,
		Status:     models.QueuePending,
		Revision:   1,
	}
	if stored.Timestamp == 0 {
		stored.Timestamp = now
	}

	if err := idx.Put(key, []byte(stored.ID)); err != nil {
		return models.QueueItem{}, err
	}

	return stored, queuePutTx(tx, stored)
}

func queueGetTx(tx *bolt.Tx, id string) (*models.QueueItem, error) {
	v := tx.Bucket(queueBucket).Get([]byte(id))
	if v == nil {
		return nil, nil
	}

	it := &models.QueueItem{}
	if err := json.Unmarshal(v, it); err != nil {
		return nil, fmt.Errorf("decoding queue item %s: %w", id, err)
	}

	return it, nil
}

func queuePutTx(tx *bolt.Tx, it models.QueueItem) error {
	data, err := json.Marshal(it)
	if err != nil {
		return err
	}

	return tx.Bucket(queueBucket).Put([]byte(it.ID), data)
}

// queueRemoveTx deletes an item and its index entry. A non-zero revision
// makes the removal conditional on the stored revision matching.
func queueRemoveTx(tx *bolt.Tx, id string, revision uint64) (bool, error) {
	it, err := queueGetTx(tx, id)
	if err != nil || it == nil {
		return false, err
	}

	if revision != 0 && it.Revision != revision {
		return false, nil
	}

	key := tripleKey(it.EntityType, it.EntityID, it.Operation)
	idx := tx.Bucket(queueIndexBucket)

	if string(idx.Get(key)) == id {
		if err := idx.Delete(key); err != nil {
			return false, err
		}
	}

	return true, tx.Bucket(queueBucket).Delete([]byte(id))
}

func queueDropTx(tx *bolt.Tx, kind models.EntityType, entityID string) (int, error) {
	n := 0

	for _, op := range []models.Operation{models.OpCreate, models.OpUpdate, models.OpDelete} {
		id := tx.Bucket(queueIndexBucket).Get(tripleKey(kind, entityID, op))
		if id == nil {
			continue
		}

		removed, err := queueRemoveTx(tx, string(id), 0)
		if err != nil {
			return n, err
		}

		if removed {
			n++
		}
	}

	return n, nil
}
