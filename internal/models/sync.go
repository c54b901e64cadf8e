package models

import "time"

// SyncStatus is the engine's life cycle state.
type SyncStatus string

const (
	StatusIdle    SyncStatus = "idle"
	StatusSyncing SyncStatus = "syncing"
	StatusError   SyncStatus = "error"
	StatusOffline SyncStatus = "offline"
)

// SyncState is the observable engine state published to subscribers.
// PendingOperations counts items still eligible for push;
// FailedOperations counts items parked at the retry ceiling.
type SyncState struct {
	Status            SyncStatus `json:"status"`
	LastSyncAt        time.Time  `json:"lastSyncAt,omitzero"`
	PendingOperations int        `json:"pendingOperations"`
	FailedOperations  int        `json:"failedOperations"`
	Error             string     `json:"error,omitempty"`
}

// SyncResult summarizes one sync or full sync call.
type SyncResult struct {
	Success bool     `json:"success"`
	Pushed  int      `json:"pushed"`
	Pulled  int      `json:"pulled"`
	Errors  []string `json:"errors,omitempty"`
}
