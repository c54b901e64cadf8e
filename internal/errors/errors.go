package errors

import "errors"

// Engine lifecycle errors. These short-circuit a whole sync call.
var (
	ErrNotInitialized = errors.New("not initialized")
	ErrSyncInProgress = errors.New("sync already in progress")
	ErrOffline        = errors.New("device is offline")
)

// Per-item push and pull errors. These are retryable and end up as a
// queue item's lastError rather than aborting the cycle.
var (
	ErrParentNotSynced = errors.New("parent not synced")
	ErrNotSynced       = errors.New("entity not synced")
	ErrRemoteOperation = errors.New("remote operation failed")
	ErrRemoteNotFound  = errors.New("remote entity not found")
)

// ErrUnauthorized means the backend rejected the session's credentials.
// Retrying does not help.
var ErrUnauthorized = errors.New("backend rejected credentials")

// Local store errors.
var (
	ErrMappingConflict = errors.New("id mapping conflict")
	ErrUnknownEntity   = errors.New("unknown entity type")
	ErrEntityNotFound  = errors.New("entity not found")
	ErrInvalidPayload  = errors.New("invalid payload")
)
