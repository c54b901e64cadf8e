package backend

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	errs "github.com/alexjbarnes/liftsync/internal/errors"
	"github.com/alexjbarnes/liftsync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newRelay serves a Memory over HTTP and returns a client for it.
func newRelay(t *testing.T, token string) (*HTTPClient, *Memory, *httptest.Server) {
	t.Helper()

	m := NewMemory()
	srv := httptest.NewServer(NewHandler(m, token, slog.New(slog.NewTextHandler(io.Discard, nil))))
	t.Cleanup(srv.Close)

	return NewHTTPClient(srv.URL, token, srv.Client()), m, srv
}

func TestHandler_RoundTrip(t *testing.T) {
	c, m, _ := newRelay(t, "tok")
	ctx := context.Background()

	require.NoError(t, c.Ping(ctx))

	schemaID, err := c.Create(ctx, models.EntitySchema, json.RawMessage(`{"name":"GZCLP"}`))
	require.NoError(t, err)

	dayID, err := c.Create(ctx, models.EntityWorkoutDay, json.RawMessage(`{"schemaId":"`+schemaID+`","name":"T1"}`))
	require.NoError(t, err)

	_, err = c.CreateDirect(ctx, models.EntityWorkoutDay, json.RawMessage(`{"schemaId":"other","name":"T2"}`))
	require.NoError(t, err)

	require.NoError(t, c.Update(ctx, models.EntitySchema, schemaID, json.RawMessage(`{"name":"GZCL"}`)))

	got, ok := m.Get(models.EntitySchema, schemaID)
	require.True(t, ok)
	assert.Contains(t, string(got.Fields), `"name":"GZCL"`)

	days, err := c.List(ctx, models.EntityWorkoutDay, models.ListFilter{Field: "schemaId", Value: schemaID})
	require.NoError(t, err)
	require.Len(t, days, 1)
	assert.Equal(t, dayID, days[0].ID)

	all, err := c.List(ctx, models.EntityWorkoutDay, models.ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, c.Remove(ctx, models.EntityWorkoutDay, dayID))
	assert.Equal(t, 1, m.Count(models.EntityWorkoutDay))
}

func TestHandler_NotFoundMapsToSentinel(t *testing.T) {
	c, _, _ := newRelay(t, "")

	err := c.Update(context.Background(), models.EntitySchema, "missing", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, errs.ErrRemoteNotFound)
}

func TestHandler_RejectsBadToken(t *testing.T) {
	_, _, srv := newRelay(t, "tok")

	c := NewHTTPClient(srv.URL, "wrong", srv.Client())
	err := c.Ping(context.Background())
	assert.ErrorIs(t, err, errs.ErrUnauthorized)
	assert.Contains(t, err.Error(), "401")
}

func TestHandler_WrongBasePathIsNotEntityNotFound(t *testing.T) {
	c, m, srv := newRelay(t, "")

	id, err := c.Create(context.Background(), models.EntitySchema, json.RawMessage(`{"name":"PPL"}`))
	require.NoError(t, err)

	misrouted := NewHTTPClient(srv.URL+"/v2", "", srv.Client())
	err = misrouted.Remove(context.Background(), models.EntitySchema, id)
	assert.ErrorIs(t, err, errs.ErrRemoteOperation)
	assert.NotErrorIs(t, err, errs.ErrRemoteNotFound)

	_, ok := m.Get(models.EntitySchema, id)
	assert.True(t, ok)
}

func TestHandler_UnknownKindAndAction(t *testing.T) {
	_, _, srv := newRelay(t, "")

	resp, err := srv.Client().Post(srv.URL+"/api/routine/list", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = srv.Client().Post(srv.URL+"/api/schema/upsert", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandler_BadBody(t *testing.T) {
	_, _, srv := newRelay(t, "")

	resp, err := srv.Client().Post(srv.URL+"/api/schema/create", "application/json", strings.NewReader(`{not json`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body APIError
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Contains(t, body.Error, "decoding request")
}

func TestHandler_StoreFailure(t *testing.T) {
	c, m, _ := newRelay(t, "")
	m.FailOn("create", models.EntitySchema, assert.AnError)

	_, err := c.Create(context.Background(), models.EntitySchema, json.RawMessage(`{}`))
	assert.ErrorIs(t, err, errs.ErrRemoteOperation)
}
