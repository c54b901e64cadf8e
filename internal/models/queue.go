package models

import "encoding/json"

// QueueStatus tracks whether a queue item is still eligible for push.
type QueueStatus string

const (
	QueuePending QueueStatus = "pending"

	// QueueFailed marks an item that reached the retry ceiling. It stays
	// stored until retried or discarded but is never pushed automatically.
	QueueFailed QueueStatus = "failed"
)

// QueueItem is one pending mutation awaiting transmission to the backend.
// Revision increments each time a later enqueue of the same
// (EntityType, EntityID, Operation) triple overwrites the payload.
type QueueItem struct {
	ID         string          `json:"id"`
	EntityType EntityType      `json:"entityType"`
	EntityID   string          `json:"entityId"`
	Operation  Operation       `json:"operation"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  int64           `json:"timestamp"`
	RetryCount int             `json:"retryCount"`
	LastError  string          `json:"lastError,omitempty"`
	Status     QueueStatus     `json:"status"`
	Revision   uint64          `json:"revision"`
}

// IDMapping associates a local identifier with its backend counterpart.
type IDMapping struct {
	LocalID    string     `json:"localId"`
	RemoteID   string     `json:"remoteId"`
	EntityType EntityType `json:"entityType"`
	CreatedAt  int64      `json:"createdAt"`
}
