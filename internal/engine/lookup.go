package engine

import "github.com/alexjbarnes/liftsync/internal/models"

// IDMapping returns the mapping of a local entity, or nil.
func (e *Engine) IDMapping(localID string) (*models.IDMapping, error) {
	return e.st.IDMap().Get(localID)
}

// HasMapping reports whether a local entity has been pushed.
func (e *Engine) HasMapping(localID string) bool {
	return e.st.IDMap().Has(localID)
}

// HasRemoteIDMapping reports whether a remote id is known locally.
func (e *Engine) HasRemoteIDMapping(remoteID string) bool {
	return e.st.IDMap().HasRemote(remoteID)
}

// LocalIDFromRemote translates a remote id to the local one.
func (e *Engine) LocalIDFromRemote(remoteID string) (string, bool, error) {
	return e.st.IDMap().LocalID(remoteID)
}

// RemoteIDFromLocal translates a local id to the remote one.
func (e *Engine) RemoteIDFromLocal(localID string) (string, bool, error) {
	return e.st.IDMap().RemoteID(localID)
}

// SetIDMapping records a mapping manually, for example when an entity was
// created out of band.
func (e *Engine) SetIDMapping(localID, remoteID string, kind models.EntityType) error {
	if _, err := e.reg.Adapter(kind); err != nil {
		return err
	}

	return e.st.IDMap().Set(localID, remoteID, kind)
}

// RemoveIDMapping forgets the mapping of a local entity.
func (e *Engine) RemoveIDMapping(localID string) error {
	return e.st.IDMap().Remove(localID)
}

// Mappings lists the mappings of one kind, or of every kind when kind is
// empty.
func (e *Engine) Mappings(kind models.EntityType) ([]models.IDMapping, error) {
	if kind == "" {
		return e.st.IDMap().All()
	}

	return e.st.IDMap().ByType(kind)
}
