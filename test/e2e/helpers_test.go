package e2e_test

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/alexjbarnes/liftsync/internal/auth"
	"github.com/alexjbarnes/liftsync/internal/backend"
	"github.com/alexjbarnes/liftsync/internal/engine"
	"github.com/alexjbarnes/liftsync/internal/mcpserver"
	"github.com/alexjbarnes/liftsync/internal/metrics"
	"github.com/alexjbarnes/liftsync/internal/models"
	"github.com/alexjbarnes/liftsync/internal/server"
	"github.com/alexjbarnes/liftsync/internal/state"
)

const backendToken = "e2e-backend-token"

// harness holds the full e2e test stack: an in-memory backend served over
// the HTTP API and a shared clock for every device talking to it.
type harness struct {
	URL    string
	Remote *backend.Memory
	Client *http.Client

	tick atomic.Int64
}

// newHarness starts an httptest server speaking the backend JSON API on
// top of an in-memory store.
func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{}
	h.tick.Store(1_000)

	h.Remote = backend.NewMemory(backend.WithMemoryClock(h.now))

	srv := httptest.NewServer(backend.NewHandler(h.Remote, backendToken, slog.New(slog.DiscardHandler)))
	t.Cleanup(srv.Close)

	h.URL = srv.URL
	h.Client = srv.Client()

	return h
}

// now advances the shared clock by one millisecond on every call, so
// causally later writes always carry a later timestamp.
func (h *harness) now() time.Time {
	return time.UnixMilli(h.tick.Add(1))
}

// device is one installation of the client: its own state database and
// engine, bound to the harness backend over HTTP.
type device struct {
	Engine  *engine.Engine
	State   *state.State
	Metrics *metrics.Metrics
}

func (h *harness) newDevice(t *testing.T) *device {
	t.Helper()

	st, err := state.LoadAt(filepath.Join(t.TempDir(), "state.db"), state.WithClock(h.now))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	m := metrics.New()

	eng, err := engine.New(engine.Options{
		State:    st,
		Logger:   slog.New(slog.DiscardHandler),
		Recorder: m,
		Now:      h.now,
	})
	require.NoError(t, err)

	eng.Bind(backend.NewHTTPClient(h.URL, backendToken, h.Client))

	return &device{Engine: eng, State: st, Metrics: m}
}

// sync runs one cycle and requires it to succeed.
func (d *device) sync(t *testing.T) models.SyncResult {
	t.Helper()

	res, err := d.Engine.Sync(t.Context())
	require.NoError(t, err)
	require.True(t, res.Success, "sync errors: %v", res.Errors)

	return res
}

func (d *device) create(t *testing.T, kind models.EntityType, fields string) string {
	t.Helper()

	rec, err := d.Engine.Create(kind, json.RawMessage(fields))
	require.NoError(t, err)

	return rec.ID
}

// only returns the single local entity of kind.
func (d *device) only(t *testing.T, kind models.EntityType) models.Record {
	t.Helper()

	recs, err := d.Engine.List(kind)
	require.NoError(t, err)
	require.Len(t, recs, 1)

	return recs[0]
}

func field(t *testing.T, rec models.Record, name string) any {
	t.Helper()

	var fields map[string]any
	require.NoError(t, json.Unmarshal(rec.Fields, &fields))

	return fields[name]
}

// mcpStack serves a device's MCP tools behind API-key auth, the way the
// run command does.
type mcpStack struct {
	URL    string
	Key    string
	Client *http.Client
}

func newMCPStack(t *testing.T, d *device) *mcpStack {
	t.Helper()

	key := auth.GenerateAPIKey()
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.MinCost)
	require.NoError(t, err)

	keys, err := auth.NewKeyring([]auth.KeyEntry{{UserID: "e2e", Hash: string(hash)}})
	require.NoError(t, err)

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "liftsync-e2e", Version: "test"},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, d.Engine)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	mux := server.NewMux(server.MuxConfig{
		Keys:       keys,
		MCPHandler: mcpHandler,
		Metrics:    d.Metrics.Handler(),
		Logger:     slog.New(slog.DiscardHandler),
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return &mcpStack{URL: srv.URL, Key: key, Client: srv.Client()}
}

// session creates an MCP client session authenticated with the given
// Bearer token. Uses the MCP SDK's StreamableClientTransport with a
// custom HTTP RoundTripper that injects the Authorization header.
func (s *mcpStack) session(t *testing.T, token string) *mcp.ClientSession {
	t.Helper()

	transport := &mcp.StreamableClientTransport{
		Endpoint: s.URL + "/mcp",
		HTTPClient: &http.Client{
			Transport: &bearerTransport{
				token: token,
				base:  s.Client.Transport,
			},
		},
		DisableStandaloneSSE: true,
	}

	client := mcp.NewClient(
		&mcp.Implementation{Name: "e2e-test-client", Version: "test"},
		nil,
	)

	session, err := client.Connect(t.Context(), transport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })

	return session
}

// callTool calls a tool and decodes its first text content into dest.
func callTool(t *testing.T, session *mcp.ClientSession, name string, args map[string]any, dest any) {
	t.Helper()

	result, err := session.CallTool(t.Context(), &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	require.NoError(t, err)
	require.False(t, result.IsError, "tool %s returned an error", name)
	require.NotEmpty(t, result.Content)

	tc, ok := result.Content[0].(*mcp.TextContent)
	require.True(t, ok, "first content is not TextContent")
	require.NoError(t, json.Unmarshal([]byte(tc.Text), dest))
}

// bearerTransport is an http.RoundTripper that injects a Bearer token
// into every request's Authorization header.
type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (bt *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+bt.token)

	return bt.base.RoundTrip(req)
}
