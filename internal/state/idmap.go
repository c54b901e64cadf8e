package state

import (
	"bytes"
	"encoding/json"
	"fmt"

	errs "github.com/alexjbarnes/liftsync/internal/errors"
	"github.com/alexjbarnes/liftsync/internal/models"
	bolt "go.etcd.io/bbolt"
)

func typeIndexKey(kind models.EntityType, localID string) []byte {
	return []byte(string(kind) + "\x00" + localID)
}

// IDMap is the durable bidirectional map between local and remote ids.
// Local ids are UUIDs and remote ids are backend-assigned, so both are
// unique across entity types; the per-type index supports bulk scans.
type IDMap struct {
	s *State
}

// Set records a mapping in both directions. Setting an existing pair
// again is a no-op. Mapping either side to a different counterpart
// returns ErrMappingConflict; callers must Remove first.
func (m *IDMap) Set(localID, remoteID string, kind models.EntityType) error {
	return m.s.db.Update(func(tx *bolt.Tx) error {
		return mappingSetTx(tx, models.IDMapping{
			LocalID:    localID,
			RemoteID:   remoteID,
			EntityType: kind,
			CreatedAt:  m.s.nowMillis(),
		})
	})
}

// Get returns the full mapping for a local id, or nil.
func (m *IDMap) Get(localID string) (*models.IDMapping, error) {
	var mapping *models.IDMapping

	err := m.s.db.View(func(tx *bolt.Tx) error {
		var err error
		mapping, err = mappingGetTx(tx, localID)

		return err
	})

	return mapping, err
}

// RemoteID returns the remote id mapped to localID.
func (m *IDMap) RemoteID(localID string) (string, bool, error) {
	mapping, err := m.Get(localID)
	if err != nil || mapping == nil {
		return "", false, err
	}

	return mapping.RemoteID, true, nil
}

// LocalID returns the local id mapped to remoteID.
func (m *IDMap) LocalID(remoteID string) (string, bool, error) {
	var localID string

	err := m.s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(idmapRemoteBucket).Get([]byte(remoteID)); v != nil {
			localID = string(v)
		}

		return nil
	})

	return localID, localID != "", err
}

// Has reports whether localID has a mapping.
func (m *IDMap) Has(localID string) bool {
	_, ok, _ := m.RemoteID(localID)
	return ok
}

// HasRemote reports whether remoteID has a mapping.
func (m *IDMap) HasRemote(remoteID string) bool {
	_, ok, _ := m.LocalID(remoteID)
	return ok
}

// Remove deletes both directions of a mapping. Removing an unmapped id is
// not an error.
func (m *IDMap) Remove(localID string) error {
	return m.s.db.Update(func(tx *bolt.Tx) error {
		return mappingRemoveTx(tx, localID)
	})
}

// ByType returns every mapping for one entity type.
func (m *IDMap) ByType(kind models.EntityType) ([]models.IDMapping, error) {
	var out []models.IDMapping

	prefix := []byte(string(kind) + "\x00")

	err := m.s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(idmapTypeBucket).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			mapping, err := mappingGetTx(tx, string(k[len(prefix):]))
			if err != nil {
				return err
			}

			if mapping != nil {
				out = append(out, *mapping)
			}
		}

		return nil
	})

	return out, err
}

// All returns every mapping, for diagnostics.
func (m *IDMap) All() ([]models.IDMapping, error) {
	var out []models.IDMapping

	err := m.s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(idmapLocalBucket).ForEach(func(k, v []byte) error {
			var mapping models.IDMapping
			if err := json.Unmarshal(v, &mapping); err != nil {
				return fmt.Errorf("decoding mapping %s: %w", k, err)
			}

			out = append(out, mapping)

			return nil
		})
	})

	return out, err
}

func mappingGetTx(tx *bolt.Tx, localID string) (*models.IDMapping, error) {
	v := tx.Bucket(idmapLocalBucket).Get([]byte(localID))
	if v == nil {
		return nil, nil
	}

	mapping := &models.IDMapping{}
	if err := json.Unmarshal(v, mapping); err != nil {
		return nil, fmt.Errorf("decoding mapping %s: %w", localID, err)
	}

	return mapping, nil
}

func mappingSetTx(tx *bolt.Tx, mapping models.IDMapping) error {
	if mapping.LocalID == "" || mapping.RemoteID == "" {
		return fmt.Errorf("%w: both ids are required", errs.ErrInvalidPayload)
	}

	existing, err := mappingGetTx(tx, mapping.LocalID)
	if err != nil {
		return err
	}

	if existing != nil {
		if existing.RemoteID == mapping.RemoteID {
			return nil
		}

		return fmt.Errorf("%w: local %s already maps to %s", errs.ErrMappingConflict, mapping.LocalID, existing.RemoteID)
	}

	reverse := tx.Bucket(idmapRemoteBucket)
	if other := reverse.Get([]byte(mapping.RemoteID)); other != nil && string(other) != mapping.LocalID {
		return fmt.Errorf("%w: remote %s already maps to %s", errs.ErrMappingConflict, mapping.RemoteID, other)
	}

	data, err := json.Marshal(mapping)
	if err != nil {
		return err
	}

	if err := tx.Bucket(idmapLocalBucket).Put([]byte(mapping.LocalID), data); err != nil {
		return err
	}

	if err := reverse.Put([]byte(mapping.RemoteID), []byte(mapping.LocalID)); err != nil {
		return err
	}

	return tx.Bucket(idmapTypeBucket).Put(typeIndexKey(mapping.EntityType, mapping.LocalID), []byte{})
}

func mappingRemoveTx(tx *bolt.Tx, localID string) error {
	existing, err := mappingGetTx(tx, localID)
	if err != nil || existing == nil {
		return err
	}

	if err := tx.Bucket(idmapRemoteBucket).Delete([]byte(existing.RemoteID)); err != nil {
		return err
	}

	if err := tx.Bucket(idmapTypeBucket).Delete(typeIndexKey(existing.EntityType, localID)); err != nil {
		return err
	}

	return tx.Bucket(idmapLocalBucket).Delete([]byte(localID))
}
