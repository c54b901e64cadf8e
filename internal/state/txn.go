package state

import (
	"encoding/json"
	"fmt"

	errs "github.com/alexjbarnes/liftsync/internal/errors"
	"github.com/alexjbarnes/liftsync/internal/models"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

// CompletePush records the outcome of a successful create or update push
// in one transaction: the mapping (if any) is stored and the queue item
// is removed when its revision is unchanged. A create whose payload was
// overwritten while in flight is replaced by an update carrying the newer
// payload, since the entity now exists remotely. It reports whether the
// item was removed outright.
func (s *State) CompletePush(item models.QueueItem, mapping *models.IDMapping) (bool, error) {
	var removed bool

	err := s.db.Update(func(tx *bolt.Tx) error {
		now := s.nowMillis()

		if mapping != nil {
			if mapping.CreatedAt == 0 {
				mapping.CreatedAt = now
			}

			if err := mappingSetTx(tx, *mapping); err != nil {
				return err
			}
		}

		var err error
		removed, err = queueRemoveTx(tx, item.ID, item.Revision)
		if err != nil || removed || mapping == nil || item.Operation != models.OpCreate {
			return err
		}

		current, err := queueGetTx(tx, item.ID)
		if err != nil || current == nil {
			return err
		}

		if _, err := queueRemoveTx(tx, current.ID, 0); err != nil {
			return err
		}

		_, err = queueAddTx(tx, models.QueueItem{
			EntityType: current.EntityType,
			EntityID:   current.EntityID,
			Operation:  models.OpUpdate,
			Payload:    current.Payload,
		}, now)

		return err
	})

	return removed, err
}

// CompleteDelete removes the mapping of a deleted entity together with its
// queue item.
func (s *State) CompleteDelete(item models.QueueItem) (bool, error) {
	var removed bool

	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := mappingRemoveTx(tx, item.EntityID); err != nil {
			return err
		}

		var err error
		removed, err = queueRemoveTx(tx, item.ID, item.Revision)

		return err
	})

	return removed, err
}

// ApplyPulled writes a pulled entity and, for newly discovered remote
// entities, its mapping in one transaction. A queued update for the
// entity is discarded: the remote version won last-write-wins.
func (s *State) ApplyPulled(kind models.EntityType, rec models.Record, mapping *models.IDMapping) error {
	if err := validObject(rec.Fields); err != nil {
		return err
	}

	rec.Fields = normalizeObject(rec.Fields)

	return s.db.Update(func(tx *bolt.Tx) error {
		if mapping != nil {
			if mapping.CreatedAt == 0 {
				mapping.CreatedAt = s.nowMillis()
			}

			if err := mappingSetTx(tx, *mapping); err != nil {
				return err
			}
		}

		if id := tx.Bucket(queueIndexBucket).Get(tripleKey(kind, rec.ID, models.OpUpdate)); id != nil {
			if _, err := queueRemoveTx(tx, string(id), 0); err != nil {
				return err
			}
		}

		return putRecordTx(tx, kind, rec)
	})
}

// Tombstone deletes entities whose remote counterpart is gone, along with
// their mappings and any queued mutations, in one transaction.
func (s *State) Tombstone(refs ...EntityRef) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, ref := range refs {
			if err := deleteRecordTx(tx, ref.Kind, ref.ID); err != nil {
				return err
			}

			if err := mappingRemoveTx(tx, ref.ID); err != nil {
				return err
			}

			if _, err := queueDropTx(tx, ref.Kind, ref.ID); err != nil {
				return err
			}
		}

		return nil
	})
}

// EnqueueDelete queues the deletion of an entity. If the entity was never
// pushed and its create is still queued, the queued create and update are
// cancelled instead and nothing is enqueued; cancelled reports that case.
func (s *State) EnqueueDelete(kind models.EntityType, entityID string, payload json.RawMessage) (bool, error) {
	var cancelled bool

	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		cancelled, err = s.enqueueDeleteTx(tx, kind, entityID, payload)

		return err
	})

	return cancelled, err
}

func (s *State) enqueueDeleteTx(tx *bolt.Tx, kind models.EntityType, entityID string, payload json.RawMessage) (bool, error) {
	item := models.QueueItem{EntityType: kind, EntityID: entityID, Operation: models.OpDelete, Payload: payload}
	if err := validateItem(item); err != nil {
		return false, err
	}

	mapping, err := mappingGetTx(tx, entityID)
	if err != nil {
		return false, err
	}

	createQueued := tx.Bucket(queueIndexBucket).Get(tripleKey(kind, entityID, models.OpCreate)) != nil

	if _, err := queueDropTx(tx, kind, entityID); err != nil {
		return false, err
	}

	if mapping == nil && createQueued {
		return true, nil
	}

	_, err = queueAddTx(tx, item, s.nowMillis())

	return false, err
}

// CreateQueued stores a new local entity and queues its create in one
// transaction.
func (s *State) CreateQueued(kind models.EntityType, fields json.RawMessage) (models.Record, error) {
	if err := validObject(fields); err != nil {
		return models.Record{}, err
	}

	rec := models.Record{
		ID:        uuid.NewString(),
		UpdatedAt: s.nowMillis(),
		Fields:    normalizeObject(fields),
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := putRecordTx(tx, kind, rec); err != nil {
			return err
		}

		_, err := queueAddTx(tx, models.QueueItem{
			EntityType: kind,
			EntityID:   rec.ID,
			Operation:  models.OpCreate,
			Payload:    rec.Fields,
		}, rec.UpdatedAt)

		return err
	})
	if err != nil {
		return models.Record{}, err
	}

	return rec, nil
}

// UpdateQueued merges patch into a local entity and queues the update in
// one transaction. While the create is still queued the create payload is
// refreshed instead, so the first push carries the latest fields.
func (s *State) UpdateQueued(kind models.EntityType, id string, patch json.RawMessage) (models.Record, error) {
	if err := validObject(patch); err != nil {
		return models.Record{}, err
	}

	var out models.Record

	err := s.db.Update(func(tx *bolt.Tx) error {
		rec, err := getRecordTx(tx, kind, id)
		if err != nil {
			return err
		}

		if rec == nil {
			return fmt.Errorf("%w: %s %s", errs.ErrEntityNotFound, kind, id)
		}

		merged, err := MergeFields(rec.Fields, patch)
		if err != nil {
			return err
		}

		rec.Fields = merged
		rec.UpdatedAt = s.nowMillis()

		if err := putRecordTx(tx, kind, *rec); err != nil {
			return err
		}

		out = *rec

		mapping, err := mappingGetTx(tx, id)
		if err != nil {
			return err
		}

		op := models.OpUpdate
		payload := normalizeObject(patch)

		if mapping == nil && tx.Bucket(queueIndexBucket).Get(tripleKey(kind, id, models.OpCreate)) != nil {
			op = models.OpCreate
			payload = merged
		} else if existing := tx.Bucket(queueIndexBucket).Get(tripleKey(kind, id, models.OpUpdate)); existing != nil {
			// Fold into the queued patch so no earlier edit is lost.
			prev, err := queueGetTx(tx, string(existing))
			if err != nil {
				return err
			}

			if prev != nil {
				if payload, err = MergeFields(prev.Payload, patch); err != nil {
					return err
				}
			}
		}

		_, err = queueAddTx(tx, models.QueueItem{
			EntityType: kind,
			EntityID:   id,
			Operation:  op,
			Payload:    payload,
		}, rec.UpdatedAt)

		return err
	})

	return out, err
}

// DeleteQueued removes a local entity and queues its deletion in one
// transaction, with the same cancellation rule as EnqueueDelete.
func (s *State) DeleteQueued(kind models.EntityType, id string) (bool, error) {
	var cancelled bool

	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := deleteRecordTx(tx, kind, id); err != nil {
			return err
		}

		var err error
		cancelled, err = s.enqueueDeleteTx(tx, kind, id, nil)

		return err
	})

	return cancelled, err
}
