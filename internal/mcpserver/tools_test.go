package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/alexjbarnes/liftsync/internal/backend"
	"github.com/alexjbarnes/liftsync/internal/engine"
	"github.com/alexjbarnes/liftsync/internal/models"
	"github.com/alexjbarnes/liftsync/internal/state"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	session *mcp.ClientSession
	eng     *engine.Engine
	remote  *backend.Memory
}

// testSetup creates a temp state database and an engine bound to an
// in-memory backend, registers tools on an MCP server, and returns a
// connected client session for calling tools.
func testSetup(t *testing.T) *testEnv {
	t.Helper()

	st, err := state.LoadAt(filepath.Join(t.TempDir(), "state.db"), state.WithRetryCeiling(1))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	eng, err := engine.New(engine.Options{
		State:  st,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)

	remote := backend.NewMemory()
	eng.Bind(remote)

	server := mcp.NewServer(
		&mcp.Implementation{Name: "liftsync-mcp-test", Version: "test"},
		nil,
	)
	RegisterTools(server, eng)

	ctx := context.Background()
	t1, t2 := mcp.NewInMemoryTransports()
	_, err = server.Connect(ctx, t1, nil)
	require.NoError(t, err)

	client := mcp.NewClient(
		&mcp.Implementation{Name: "test-client", Version: "test"},
		nil,
	)
	session, err := client.Connect(ctx, t2, nil)
	require.NoError(t, err)
	t.Cleanup(func() { session.Close() })

	return &testEnv{session: session, eng: eng, remote: remote}
}

// callTool is a helper that calls a tool and returns the result.
func callTool(t *testing.T, session *mcp.ClientSession, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	ctx := context.Background()
	result, err := session.CallTool(ctx, &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	require.NoError(t, err)
	return result
}

// extractJSON unmarshals the first text content from a CallToolResult.
func extractJSON(t *testing.T, result *mcp.CallToolResult, dest any) {
	t.Helper()
	require.NotEmpty(t, result.Content, "result has no content")
	tc, ok := result.Content[0].(*mcp.TextContent)
	require.True(t, ok, "first content is not TextContent")
	require.NoError(t, json.Unmarshal([]byte(tc.Text), dest))
}

func (e *testEnv) createSchema(t *testing.T, name string) string {
	t.Helper()
	rec, err := e.eng.Create(models.EntitySchema, json.RawMessage(`{"name":"`+name+`","isActive":true}`))
	require.NoError(t, err)
	return rec.ID
}

func TestTools_Registered(t *testing.T) {
	env := testSetup(t)

	res, err := env.session.ListTools(context.Background(), nil)
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, tool := range res.Tools {
		names[tool.Name] = true
	}

	for _, want := range []string{"sync_status", "sync_now", "full_sync", "sync_queue", "sync_retry_failed", "sync_lookup_id"} {
		assert.True(t, names[want], "missing tool %s", want)
	}
}

// --- sync_status ---

func TestStatus_Idle(t *testing.T) {
	env := testSetup(t)
	env.createSchema(t, "PPL")

	result := callTool(t, env.session, "sync_status", nil)
	assert.False(t, result.IsError)

	var out StatusResult
	extractJSON(t, result, &out)
	assert.Equal(t, models.StatusIdle, out.Status)
	assert.Equal(t, 1, out.PendingOperations)
	assert.Nil(t, out.LastSyncAt)
}

func TestStatus_AfterSync(t *testing.T) {
	env := testSetup(t)
	env.createSchema(t, "PPL")

	callTool(t, env.session, "sync_now", nil)

	var out StatusResult
	extractJSON(t, callTool(t, env.session, "sync_status", nil), &out)
	assert.Equal(t, models.StatusIdle, out.Status)
	assert.Equal(t, 0, out.PendingOperations)
	assert.NotNil(t, out.LastSyncAt)
}

// --- sync_now / full_sync ---

func TestSyncNow_PushesQueue(t *testing.T) {
	env := testSetup(t)
	env.createSchema(t, "PPL")
	env.createSchema(t, "Upper/Lower")

	result := callTool(t, env.session, "sync_now", nil)
	assert.False(t, result.IsError)

	var out CycleResult
	extractJSON(t, result, &out)
	assert.True(t, out.Success)
	assert.Equal(t, 2, out.Pushed)
	assert.Equal(t, 2, env.remote.Count(models.EntitySchema))
}

func TestSyncNow_Offline(t *testing.T) {
	env := testSetup(t)
	env.eng.SetOffline(true)

	// Errors from ToolHandlerFor are returned as tool errors (IsError=true),
	// not protocol errors.
	result := callTool(t, env.session, "sync_now", nil)
	assert.True(t, result.IsError)
}

func TestSyncNow_NotInitialized(t *testing.T) {
	env := testSetup(t)
	env.eng.Unbind()

	result := callTool(t, env.session, "sync_now", nil)
	assert.True(t, result.IsError)
}

func TestFullSync_PullsRemote(t *testing.T) {
	env := testSetup(t)
	env.remote.Seed(models.EntitySchema, "r1", 5000, json.RawMessage(`{"name":"Remote","isActive":false}`))

	result := callTool(t, env.session, "full_sync", nil)
	assert.False(t, result.IsError)

	var out CycleResult
	extractJSON(t, result, &out)
	assert.True(t, out.Success)
	assert.Equal(t, 1, out.Pulled)
	assert.True(t, env.eng.HasRemoteIDMapping("r1"))
}

// --- sync_queue ---

func TestQueue_ListsItems(t *testing.T) {
	env := testSetup(t)
	id := env.createSchema(t, "PPL")

	result := callTool(t, env.session, "sync_queue", nil)
	assert.False(t, result.IsError)

	var out QueueResult
	extractJSON(t, result, &out)
	require.Equal(t, 1, out.Total)
	item := out.Items[0]
	assert.Equal(t, "schema", item.EntityType)
	assert.Equal(t, id, item.EntityID)
	assert.Equal(t, "create", item.Operation)
	assert.Equal(t, "pending", item.Status)
	assert.Contains(t, item.Payload, `"PPL"`)
}

func TestQueue_Filters(t *testing.T) {
	env := testSetup(t)
	env.createSchema(t, "PPL")
	env.createSchema(t, "Full Body")

	var out QueueResult
	extractJSON(t, callTool(t, env.session, "sync_queue", map[string]any{"status": "failed"}), &out)
	assert.Equal(t, 0, out.Total)
	assert.Empty(t, out.Items)

	extractJSON(t, callTool(t, env.session, "sync_queue", map[string]any{"entity_type": "schema", "limit": 1}), &out)
	assert.Equal(t, 2, out.Total)
	assert.Len(t, out.Items, 1)
}

func TestQueue_BadFilters(t *testing.T) {
	env := testSetup(t)

	assert.True(t, callTool(t, env.session, "sync_queue", map[string]any{"status": "stuck"}).IsError)
	assert.True(t, callTool(t, env.session, "sync_queue", map[string]any{"entity_type": "routine"}).IsError)
}

// --- sync_retry_failed ---

func TestRetryFailed_ResetsParkedItems(t *testing.T) {
	env := testSetup(t)
	env.createSchema(t, "PPL")
	env.remote.FailOn("create", models.EntitySchema, assert.AnError)

	// Retry ceiling of one parks the item after a single failure.
	callTool(t, env.session, "sync_now", nil)
	require.Equal(t, 1, env.eng.State().FailedOperations)

	result := callTool(t, env.session, "sync_retry_failed", nil)
	assert.False(t, result.IsError)

	var out RetryResult
	extractJSON(t, result, &out)
	assert.Equal(t, 1, out.Reset)
	assert.Equal(t, 0, env.eng.State().FailedOperations)
	assert.Equal(t, 1, env.eng.State().PendingOperations)
}

// --- sync_lookup_id ---

func TestLookup_BothDirections(t *testing.T) {
	env := testSetup(t)
	id := env.createSchema(t, "PPL")
	callTool(t, env.session, "sync_now", nil)

	remoteID, ok, err := env.eng.RemoteIDFromLocal(id)
	require.NoError(t, err)
	require.True(t, ok)

	var out LookupResult
	extractJSON(t, callTool(t, env.session, "sync_lookup_id", map[string]any{"local_id": id}), &out)
	assert.True(t, out.Found)
	assert.Equal(t, remoteID, out.RemoteID)
	assert.Equal(t, "schema", out.EntityType)

	extractJSON(t, callTool(t, env.session, "sync_lookup_id", map[string]any{"remote_id": remoteID}), &out)
	assert.True(t, out.Found)
	assert.Equal(t, id, out.LocalID)
}

func TestLookup_Unmapped(t *testing.T) {
	env := testSetup(t)

	var out LookupResult
	extractJSON(t, callTool(t, env.session, "sync_lookup_id", map[string]any{"remote_id": "nope"}), &out)
	assert.False(t, out.Found)

	extractJSON(t, callTool(t, env.session, "sync_lookup_id", map[string]any{"local_id": "nope"}), &out)
	assert.False(t, out.Found)
}

func TestLookup_RequiresExactlyOneID(t *testing.T) {
	env := testSetup(t)

	assert.True(t, callTool(t, env.session, "sync_lookup_id", nil).IsError)
	assert.True(t, callTool(t, env.session, "sync_lookup_id", map[string]any{"local_id": "a", "remote_id": "b"}).IsError)
}
