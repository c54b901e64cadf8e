// Package mcpserver registers MCP tools that expose sync engine
// diagnostics and controls. It adapts the engine package to the MCP SDK's
// tool handler interface.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alexjbarnes/liftsync/internal/engine"
	"github.com/alexjbarnes/liftsync/internal/models"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// RegisterTools adds all sync tools to the given MCP server.
func RegisterTools(server *mcp.Server, e *engine.Engine) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_status",
		Description: "Current sync state: status (idle, syncing, error, offline), last sync time, pending and failed queue counts, and the last cycle's error.",
	}, statusHandler(e))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_now",
		Description: "Run one push-then-pull sync cycle and return the pushed and pulled counts with any per-item errors. Fails if a sync is already running or the device is offline.",
	}, syncHandler(e))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "full_sync",
		Description: "Push every local entity that has never been synced, drain the queue, then pull everything. Use after first sign-in or to repair a diverged store.",
	}, fullSyncHandler(e))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_queue",
		Description: "List queued local mutations awaiting push, with retry counts and last errors. Optionally filter by status (pending or failed) and entity type.",
	}, queueHandler(e))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_retry_failed",
		Description: "Reset every queue item parked at the retry ceiling so the next cycle pushes it again.",
	}, retryFailedHandler(e))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "sync_lookup_id",
		Description: "Translate between local and backend identifiers. Give local_id or remote_id; returns the mapping if one exists.",
	}, lookupHandler(e))
}

// --- Input types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// StatusInput has no parameters.
type StatusInput struct{}

// SyncInput has no parameters.
type SyncInput struct{}

// QueueInput holds parameters for sync_queue.
type QueueInput struct {
	Status     string `json:"status,omitempty" jsonschema:"pending or failed, defaults to all"`
	EntityType string `json:"entity_type,omitempty" jsonschema:"entity type such as workoutSession or setLog, defaults to all"`
	Limit      int    `json:"limit,omitempty" jsonschema:"maximum number of items, defaults to 100"`
}

// RetryInput has no parameters.
type RetryInput struct{}

// LookupInput holds parameters for sync_lookup_id.
type LookupInput struct {
	LocalID  string `json:"local_id,omitempty" jsonschema:"local entity id"`
	RemoteID string `json:"remote_id,omitempty" jsonschema:"backend entity id"`
}

// --- Output types ---

// StatusResult is the sync_status output.
type StatusResult struct {
	Status            models.SyncStatus `json:"status"`
	LastSyncAt        *time.Time        `json:"last_sync_at,omitempty"`
	PendingOperations int               `json:"pending_operations"`
	FailedOperations  int               `json:"failed_operations"`
	Error             string            `json:"error,omitempty"`
}

// CycleResult is the sync_now and full_sync output.
type CycleResult struct {
	Success bool     `json:"success"`
	Pushed  int      `json:"pushed"`
	Pulled  int      `json:"pulled"`
	Errors  []string `json:"errors,omitempty"`
}

// QueueEntry is one queue item. Payload is rendered as a JSON string.
type QueueEntry struct {
	ID         string `json:"id"`
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	Operation  string `json:"operation"`
	Status     string `json:"status"`
	RetryCount int    `json:"retry_count"`
	LastError  string `json:"last_error,omitempty"`
	Timestamp  int64  `json:"timestamp"`
	Payload    string `json:"payload,omitempty"`
}

// QueueResult is the sync_queue output.
type QueueResult struct {
	Total int          `json:"total"`
	Items []QueueEntry `json:"items"`
}

// RetryResult is the sync_retry_failed output.
type RetryResult struct {
	Reset int `json:"reset"`
}

// LookupResult is the sync_lookup_id output.
type LookupResult struct {
	Found      bool   `json:"found"`
	LocalID    string `json:"local_id,omitempty"`
	RemoteID   string `json:"remote_id,omitempty"`
	EntityType string `json:"entity_type,omitempty"`
}

const defaultQueueLimit = 100

// --- Handlers ---

func statusHandler(e *engine.Engine) mcp.ToolHandlerFor[StatusInput, *StatusResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ StatusInput) (*mcp.CallToolResult, *StatusResult, error) {
		s := e.State()
		result := &StatusResult{
			Status:            s.Status,
			PendingOperations: s.PendingOperations,
			FailedOperations:  s.FailedOperations,
			Error:             s.Error,
		}

		if !s.LastSyncAt.IsZero() {
			last := s.LastSyncAt
			result.LastSyncAt = &last
		}

		return textResult(result), result, nil
	}
}

func syncHandler(e *engine.Engine) mcp.ToolHandlerFor[SyncInput, *CycleResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ SyncInput) (*mcp.CallToolResult, *CycleResult, error) {
		res, err := e.Sync(ctx)
		if err != nil {
			return nil, nil, err
		}
		result := cycleResult(res)
		return textResult(result), result, nil
	}
}

func fullSyncHandler(e *engine.Engine) mcp.ToolHandlerFor[SyncInput, *CycleResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ SyncInput) (*mcp.CallToolResult, *CycleResult, error) {
		res, err := e.FullSync(ctx)
		if err != nil {
			return nil, nil, err
		}
		result := cycleResult(res)
		return textResult(result), result, nil
	}
}

func queueHandler(e *engine.Engine) mcp.ToolHandlerFor[QueueInput, *QueueResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input QueueInput) (*mcp.CallToolResult, *QueueResult, error) {
		switch models.QueueStatus(input.Status) {
		case "", models.QueuePending, models.QueueFailed:
		default:
			return nil, nil, fmt.Errorf("unknown status %q, want pending or failed", input.Status)
		}

		var kind models.EntityType
		if input.EntityType != "" {
			k, err := models.ParseEntityType(input.EntityType)
			if err != nil {
				return nil, nil, err
			}
			kind = k
		}

		items, err := e.QueueItems()
		if err != nil {
			return nil, nil, err
		}

		limit := input.Limit
		if limit <= 0 {
			limit = defaultQueueLimit
		}

		result := &QueueResult{Items: []QueueEntry{}}
		for _, it := range items {
			if input.Status != "" && it.Status != models.QueueStatus(input.Status) {
				continue
			}
			if kind != "" && it.EntityType != kind {
				continue
			}

			result.Total++
			if len(result.Items) < limit {
				result.Items = append(result.Items, queueEntry(it))
			}
		}

		return textResult(result), result, nil
	}
}

func retryFailedHandler(e *engine.Engine) mcp.ToolHandlerFor[RetryInput, *RetryResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ RetryInput) (*mcp.CallToolResult, *RetryResult, error) {
		n, err := e.RetryFailed()
		if err != nil {
			return nil, nil, err
		}
		result := &RetryResult{Reset: n}
		return textResult(result), result, nil
	}
}

func lookupHandler(e *engine.Engine) mcp.ToolHandlerFor[LookupInput, *LookupResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input LookupInput) (*mcp.CallToolResult, *LookupResult, error) {
		if (input.LocalID == "") == (input.RemoteID == "") {
			return nil, nil, fmt.Errorf("exactly one of local_id or remote_id is required")
		}

		localID := input.LocalID
		if input.RemoteID != "" {
			id, ok, err := e.LocalIDFromRemote(input.RemoteID)
			if err != nil {
				return nil, nil, err
			}
			if !ok {
				result := &LookupResult{RemoteID: input.RemoteID}
				return textResult(result), result, nil
			}
			localID = id
		}

		m, err := e.IDMapping(localID)
		if err != nil {
			return nil, nil, err
		}

		result := &LookupResult{LocalID: localID, RemoteID: input.RemoteID}
		if m != nil {
			result.Found = true
			result.RemoteID = m.RemoteID
			result.EntityType = string(m.EntityType)
		}

		return textResult(result), result, nil
	}
}

func cycleResult(res models.SyncResult) *CycleResult {
	return &CycleResult{
		Success: res.Success,
		Pushed:  res.Pushed,
		Pulled:  res.Pulled,
		Errors:  res.Errors,
	}
}

func queueEntry(it models.QueueItem) QueueEntry {
	return QueueEntry{
		ID:         it.ID,
		EntityType: string(it.EntityType),
		EntityID:   it.EntityID,
		Operation:  string(it.Operation),
		Status:     string(it.Status),
		RetryCount: it.RetryCount,
		LastError:  it.LastError,
		Timestamp:  it.Timestamp,
		Payload:    string(it.Payload),
	}
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
