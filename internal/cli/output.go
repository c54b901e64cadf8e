package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/alexjbarnes/liftsync/internal/models"
)

// render writes v to w in the selected format.
func render(w io.Writer, format string, v any) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml", "":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("encoding yaml: %w", err)
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown format %q", format)
	}
}

// Views carry both tag sets so yaml and json output use the same keys.

type statusView struct {
	Status            string `json:"status" yaml:"status"`
	LastSyncAt        string `json:"lastSyncAt,omitempty" yaml:"lastSyncAt,omitempty"`
	PendingOperations int    `json:"pendingOperations" yaml:"pendingOperations"`
	FailedOperations  int    `json:"failedOperations" yaml:"failedOperations"`
	Error             string `json:"error,omitempty" yaml:"error,omitempty"`
	StatePath         string `json:"statePath,omitempty" yaml:"statePath,omitempty"`
}

func newStatusView(s models.SyncState, statePath string) statusView {
	v := statusView{
		Status:            string(s.Status),
		PendingOperations: s.PendingOperations,
		FailedOperations:  s.FailedOperations,
		Error:             s.Error,
		StatePath:         statePath,
	}

	if !s.LastSyncAt.IsZero() {
		v.LastSyncAt = s.LastSyncAt.UTC().Format(time.RFC3339)
	}

	return v
}

type resultView struct {
	Mode    string   `json:"mode" yaml:"mode"`
	Success bool     `json:"success" yaml:"success"`
	Pushed  int      `json:"pushed" yaml:"pushed"`
	Pulled  int      `json:"pulled" yaml:"pulled"`
	Errors  []string `json:"errors,omitempty" yaml:"errors,omitempty"`
}

func newResultView(mode string, r models.SyncResult) resultView {
	return resultView{Mode: mode, Success: r.Success, Pushed: r.Pushed, Pulled: r.Pulled, Errors: r.Errors}
}

type queueItemView struct {
	ID         string `json:"id" yaml:"id"`
	EntityType string `json:"entityType" yaml:"entityType"`
	EntityID   string `json:"entityId" yaml:"entityId"`
	Operation  string `json:"operation" yaml:"operation"`
	Status     string `json:"status" yaml:"status"`
	RetryCount int    `json:"retryCount" yaml:"retryCount"`
	LastError  string `json:"lastError,omitempty" yaml:"lastError,omitempty"`
	QueuedAt   string `json:"queuedAt" yaml:"queuedAt"`
}

func newQueueItemView(it models.QueueItem) queueItemView {
	return queueItemView{
		ID:         it.ID,
		EntityType: string(it.EntityType),
		EntityID:   it.EntityID,
		Operation:  string(it.Operation),
		Status:     string(it.Status),
		RetryCount: it.RetryCount,
		LastError:  it.LastError,
		QueuedAt:   time.UnixMilli(it.Timestamp).UTC().Format(time.RFC3339),
	}
}

type mappingView struct {
	LocalID    string `json:"localId" yaml:"localId"`
	RemoteID   string `json:"remoteId" yaml:"remoteId"`
	EntityType string `json:"entityType" yaml:"entityType"`
}

func newMappingView(m models.IDMapping) mappingView {
	return mappingView{LocalID: m.LocalID, RemoteID: m.RemoteID, EntityType: string(m.EntityType)}
}
