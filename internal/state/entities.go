package state

import (
	"encoding/json"
	"fmt"

	errs "github.com/alexjbarnes/liftsync/internal/errors"
	"github.com/alexjbarnes/liftsync/internal/models"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	bolt "go.etcd.io/bbolt"
)

// EntityRef addresses one local entity.
type EntityRef struct {
	Kind models.EntityType
	ID   string
}

func kindBucket(tx *bolt.Tx, kind models.EntityType) (*bolt.Bucket, error) {
	b := tx.Bucket(entityBucket(kind))
	if b == nil {
		return nil, fmt.Errorf("%w: %s", errs.ErrUnknownEntity, kind)
	}

	return b, nil
}

// Create stores a new entity with a freshly generated local id and the
// current time as updatedAt.
func (s *State) Create(kind models.EntityType, fields json.RawMessage) (models.Record, error) {
	if err := validObject(fields); err != nil {
		return models.Record{}, err
	}

	rec := models.Record{
		ID:        uuid.NewString(),
		UpdatedAt: s.nowMillis(),
		Fields:    normalizeObject(fields),
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		return putRecordTx(tx, kind, rec)
	})
	if err != nil {
		return models.Record{}, err
	}

	return rec, nil
}

// Put stores a record as-is, keeping its id and updatedAt. The engine
// uses it to materialize pulled entities with the remote timestamp.
func (s *State) Put(kind models.EntityType, rec models.Record) error {
	if rec.ID == "" {
		return fmt.Errorf("%w: record id is required", errs.ErrInvalidPayload)
	}

	if err := validObject(rec.Fields); err != nil {
		return err
	}

	rec.Fields = normalizeObject(rec.Fields)

	return s.db.Update(func(tx *bolt.Tx) error {
		return putRecordTx(tx, kind, rec)
	})
}

// Get returns the entity with the given local id, or nil if not found.
func (s *State) Get(kind models.EntityType, id string) (*models.Record, error) {
	var rec *models.Record

	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		rec, err = getRecordTx(tx, kind, id)

		return err
	})

	return rec, err
}

// Update merges fields into the stored entity's top-level object and
// bumps updatedAt to the current time.
func (s *State) Update(kind models.EntityType, id string, fields json.RawMessage) error {
	if err := validObject(fields); err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		rec, err := getRecordTx(tx, kind, id)
		if err != nil {
			return err
		}

		if rec == nil {
			return fmt.Errorf("%w: %s %s", errs.ErrEntityNotFound, kind, id)
		}

		merged, err := MergeFields(rec.Fields, fields)
		if err != nil {
			return err
		}

		rec.Fields = merged
		rec.UpdatedAt = s.nowMillis()

		return putRecordTx(tx, kind, *rec)
	})
}

// Delete removes an entity. Deleting a missing entity is not an error.
func (s *State) Delete(kind models.EntityType, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := kindBucket(tx, kind)
		if err != nil {
			return err
		}

		return b.Delete([]byte(id))
	})
}

// List returns every entity of a kind, ordered by local id.
func (s *State) List(kind models.EntityType) ([]models.Record, error) {
	return s.listWhere(kind, func(models.Record) bool { return true })
}

// Children returns the entities of kind whose field equals parentID.
func (s *State) Children(kind models.EntityType, field, parentID string) ([]models.Record, error) {
	return s.listWhere(kind, func(rec models.Record) bool {
		return gjson.GetBytes(rec.Fields, gjsonPath(field)).String() == parentID
	})
}

func (s *State) listWhere(kind models.EntityType, keep func(models.Record) bool) ([]models.Record, error) {
	var out []models.Record

	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := kindBucket(tx, kind)
		if err != nil {
			return err
		}

		return b.ForEach(func(k, v []byte) error {
			var rec models.Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decoding %s %s: %w", kind, k, err)
			}

			if keep(rec) {
				out = append(out, rec)
			}

			return nil
		})
	})

	return out, err
}

func getRecordTx(tx *bolt.Tx, kind models.EntityType, id string) (*models.Record, error) {
	b, err := kindBucket(tx, kind)
	if err != nil {
		return nil, err
	}

	v := b.Get([]byte(id))
	if v == nil {
		return nil, nil
	}

	rec := &models.Record{}
	if err := json.Unmarshal(v, rec); err != nil {
		return nil, fmt.Errorf("decoding %s %s: %w", kind, id, err)
	}

	return rec, nil
}

func putRecordTx(tx *bolt.Tx, kind models.EntityType, rec models.Record) error {
	b, err := kindBucket(tx, kind)
	if err != nil {
		return err
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	return b.Put([]byte(rec.ID), data)
}

func deleteRecordTx(tx *bolt.Tx, kind models.EntityType, id string) error {
	b, err := kindBucket(tx, kind)
	if err != nil {
		return err
	}

	return b.Delete([]byte(id))
}

// validObject accepts an empty payload or a JSON object.
func validObject(fields json.RawMessage) error {
	if len(fields) == 0 {
		return nil
	}

	if !gjson.ValidBytes(fields) || !gjson.ParseBytes(fields).IsObject() {
		return fmt.Errorf("%w: fields must be a JSON object", errs.ErrInvalidPayload)
	}

	return nil
}

func normalizeObject(fields json.RawMessage) json.RawMessage {
	if len(fields) == 0 {
		return json.RawMessage("{}")
	}

	return fields
}

// MergeFields overlays patch's top-level keys onto base.
func MergeFields(base, patch json.RawMessage) (json.RawMessage, error) {
	merged := make(map[string]json.RawMessage)

	if len(base) > 0 {
		if err := json.Unmarshal(base, &merged); err != nil {
			return nil, fmt.Errorf("decoding stored fields: %w", err)
		}
	}

	if len(patch) > 0 {
		var overlay map[string]json.RawMessage
		if err := json.Unmarshal(patch, &overlay); err != nil {
			return nil, fmt.Errorf("decoding patch: %w", err)
		}

		for k, v := range overlay {
			merged[k] = v
		}
	}

	return json.Marshal(merged)
}

// gjsonPath escapes a literal key for use as a gjson path.
func gjsonPath(key string) string {
	return gjson.Escape(key)
}
