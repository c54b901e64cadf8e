package engine

import (
	"encoding/json"
	"log/slog"

	"github.com/alexjbarnes/liftsync/internal/models"
)

// QueueCreate records that entityID was created locally.
func (e *Engine) QueueCreate(kind models.EntityType, entityID string, payload json.RawMessage) error {
	return e.enqueue(kind, entityID, models.OpCreate, payload)
}

// QueueUpdate records a local edit of entityID.
func (e *Engine) QueueUpdate(kind models.EntityType, entityID string, payload json.RawMessage) error {
	return e.enqueue(kind, entityID, models.OpUpdate, payload)
}

// QueueDelete records a local deletion. Deleting an entity that was never
// pushed cancels its queued create and update instead of queueing a
// delete the backend would never need.
func (e *Engine) QueueDelete(kind models.EntityType, entityID string, payload json.RawMessage) error {
	if _, err := e.reg.Adapter(kind); err != nil {
		return err
	}

	cancelled, err := e.st.EnqueueDelete(kind, entityID, payload)
	if err != nil {
		return err
	}

	if cancelled {
		e.logger.Debug("delete cancelled unpushed create",
			slog.String("kind", string(kind)),
			slog.String("entity_id", entityID),
		)
	}

	e.publishCounts()

	return nil
}

func (e *Engine) enqueue(kind models.EntityType, entityID string, op models.Operation, payload json.RawMessage) error {
	if _, err := e.reg.Adapter(kind); err != nil {
		return err
	}

	item, err := e.st.Queue().Add(models.QueueItem{
		EntityType: kind,
		EntityID:   entityID,
		Operation:  op,
		Payload:    payload,
	})
	if err != nil {
		return err
	}

	e.logger.Debug("mutation queued",
		slog.String("kind", string(kind)),
		slog.String("entity_id", entityID),
		slog.String("op", string(op)),
		slog.Uint64("revision", item.Revision),
	)

	e.publishCounts()

	return nil
}

// Create stores a new local entity and queues it for push.
func (e *Engine) Create(kind models.EntityType, fields json.RawMessage) (models.Record, error) {
	if _, err := e.reg.Adapter(kind); err != nil {
		return models.Record{}, err
	}

	rec, err := e.st.CreateQueued(kind, fields)
	if err != nil {
		return models.Record{}, err
	}

	e.publishCounts()

	return rec, nil
}

// Update edits a local entity and queues the change for push.
func (e *Engine) Update(kind models.EntityType, id string, patch json.RawMessage) (models.Record, error) {
	if _, err := e.reg.Adapter(kind); err != nil {
		return models.Record{}, err
	}

	rec, err := e.st.UpdateQueued(kind, id, patch)
	if err != nil {
		return models.Record{}, err
	}

	e.publishCounts()

	return rec, nil
}

// Delete removes a local entity and queues the deletion for push.
func (e *Engine) Delete(kind models.EntityType, id string) error {
	if _, err := e.reg.Adapter(kind); err != nil {
		return err
	}

	if _, err := e.st.DeleteQueued(kind, id); err != nil {
		return err
	}

	e.publishCounts()

	return nil
}

// Get reads a local entity.
func (e *Engine) Get(kind models.EntityType, id string) (*models.Record, error) {
	return e.st.Get(kind, id)
}

// List reads every local entity of a kind.
func (e *Engine) List(kind models.EntityType) ([]models.Record, error) {
	return e.st.List(kind)
}
