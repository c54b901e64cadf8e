package entity

import (
	"encoding/json"
	"errors"
	"testing"

	errs "github.com/alexjbarnes/liftsync/internal/errors"
	"github.com/alexjbarnes/liftsync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapResolver struct {
	toRemote map[string]string
	err      error
}

func newResolver(pairs ...string) *mapResolver {
	m := &mapResolver{toRemote: map[string]string{}}
	for i := 0; i+1 < len(pairs); i += 2 {
		m.toRemote[pairs[i]] = pairs[i+1]
	}

	return m
}

func (m *mapResolver) RemoteID(localID string) (string, bool, error) {
	if m.err != nil {
		return "", false, m.err
	}

	r, ok := m.toRemote[localID]

	return r, ok, nil
}

func (m *mapResolver) LocalID(remoteID string) (string, bool, error) {
	if m.err != nil {
		return "", false, m.err
	}

	for l, r := range m.toRemote {
		if r == remoteID {
			return l, true, nil
		}
	}

	return "", false, nil
}

func remote(t *testing.T, raw string) models.RemoteEntity {
	t.Helper()

	var e models.RemoteEntity
	require.NoError(t, json.Unmarshal([]byte(raw), &e))

	return e
}

func TestToRemote_RenamesAndResolvesOwner(t *testing.T) {
	r := newResolver("day-local", "day-remote")

	out, err := Exercise().ToRemote(json.RawMessage(`{
		"workoutDayId": "day-local",
		"name": "Bench Press",
		"sets": 5,
		"reps": 5,
		"weight": 82.5,
		"order": 1,
		"localOnly": "dropped"
	}`), r)
	require.NoError(t, err)

	assert.JSONEq(t, `{
		"dayId": "day-remote",
		"name": "Bench Press",
		"sets": 5,
		"reps": 5,
		"weight": 82.5,
		"order": 1
	}`, string(out))
}

func TestToRemote_UnmappedParent(t *testing.T) {
	_, err := WorkoutDay().ToRemote(json.RawMessage(`{"schemaId":"s1","name":"Push"}`), newResolver())
	assert.ErrorIs(t, err, errs.ErrParentNotSynced)
}

func TestToRemote_EmptyRequiredParent(t *testing.T) {
	_, err := WorkoutDay().ToRemote(json.RawMessage(`{"schemaId":"","name":"Push"}`), newResolver())
	assert.ErrorIs(t, err, errs.ErrParentNotSynced)
}

func TestToRemote_PatchWithoutParent(t *testing.T) {
	out, err := WorkoutDay().ToRemote(json.RawMessage(`{"name":"Pull"}`), newResolver())
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Pull"}`, string(out))
}

func TestToRemote_UnmappedOptionalRefOmitted(t *testing.T) {
	r := newResolver("s1", "rs1")

	out, err := WorkoutSession().ToRemote(json.RawMessage(`{
		"schemaId": "s1",
		"workoutDayId": "d-unsynced",
		"startedAt": 1700000000000
	}`), r)
	require.NoError(t, err)
	assert.JSONEq(t, `{"schemaId":"rs1","startedAt":1700000000000}`, string(out))
}

func TestToRemote_RenamedReferences(t *testing.T) {
	r := newResolver("sess", "r-sess", "log", "r-log", "ex", "r-ex")

	out, err := ExerciseLog().ToRemote(json.RawMessage(`{"sessionId":"sess","exerciseId":"ex","name":"Squat","order":0}`), r)
	require.NoError(t, err)
	assert.JSONEq(t, `{"workoutSessionId":"r-sess","exerciseId":"r-ex","name":"Squat","order":0}`, string(out))

	out, err = SetLog().ToRemote(json.RawMessage(`{"exerciseLogId":"log","setNumber":1,"reps":5,"weight":100,"completed":true}`), r)
	require.NoError(t, err)
	assert.JSONEq(t, `{"logId":"r-log","setNumber":1,"reps":5,"weight":100,"completed":true}`, string(out))
}

func TestToRemote_NormalizesStringsToNFC(t *testing.T) {
	decomposed := "Cafe\u0301 circuit"

	payload, err := json.Marshal(map[string]any{"name": decomposed})
	require.NoError(t, err)

	out, err := Schema().ToRemote(payload, newResolver())
	require.NoError(t, err)

	var got map[string]string
	require.NoError(t, json.Unmarshal(out, &got))
	assert.Equal(t, "Caf\u00e9 circuit", got["name"])
}

func TestToRemote_ResolverError(t *testing.T) {
	r := newResolver()
	r.err = errors.New("db closed")

	_, err := WorkoutDay().ToRemote(json.RawMessage(`{"schemaId":"s1"}`), r)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db closed")
}

func TestToRemote_InvalidJSON(t *testing.T) {
	_, err := Schema().ToRemote(json.RawMessage(`{"name":`), newResolver())
	assert.ErrorIs(t, err, errs.ErrInvalidPayload)
}

func TestToLocal_ReversesNamesAndIDs(t *testing.T) {
	r := newResolver("day-local", "day-remote")

	fields, err := Exercise().ToLocal(remote(t, `{
		"_id": "ex-remote",
		"updatedAt": 5000,
		"dayId": "day-remote",
		"name": "Row",
		"sets": 3,
		"reps": 8,
		"weight": 60,
		"order": 2,
		"ownerId": "user-1"
	}`), r)
	require.NoError(t, err)

	assert.JSONEq(t, `{
		"workoutDayId": "day-local",
		"name": "Row",
		"sets": 3,
		"reps": 8,
		"weight": 60,
		"order": 2
	}`, string(fields))

	ex, err := models.Decode[models.Exercise](models.Record{Fields: fields})
	require.NoError(t, err)
	assert.Equal(t, "day-local", ex.WorkoutDayID)
}

func TestToLocal_UnmappedParent(t *testing.T) {
	_, err := SetLog().ToLocal(remote(t, `{"_id":"x","logId":"unknown","reps":5}`), newResolver())
	assert.ErrorIs(t, err, errs.ErrParentNotSynced)
}

func TestToLocal_MissingRequiredParent(t *testing.T) {
	_, err := WorkoutDay().ToLocal(remote(t, `{"_id":"x","name":"Push"}`), newResolver())
	assert.ErrorIs(t, err, errs.ErrInvalidPayload)
}

func TestToLocal_OptionalRefs(t *testing.T) {
	r := newResolver("s1", "rs1")

	fields, err := WorkoutSession().ToLocal(remote(t, `{"_id":"w1","schemaId":"rs1","dayId":"gone","startedAt":10}`), r)
	require.NoError(t, err)
	assert.JSONEq(t, `{"schemaId":"s1","startedAt":10}`, string(fields))
}

func TestChildFilterAndOwner(t *testing.T) {
	f := Exercise().ChildFilter("day-remote")
	assert.Equal(t, models.ListFilter{Field: "dayId", Value: "day-remote"}, f)

	assert.True(t, Schema().ChildFilter("x").IsZero())
	assert.True(t, WorkoutSession().ChildFilter("x").IsZero(), "session references a schema but is not owned by it")

	assert.Equal(t, "sess-1", ExerciseLog().OwnerID(json.RawMessage(`{"sessionId":"sess-1"}`)))
	assert.Empty(t, Schema().OwnerID(json.RawMessage(`{"name":"x"}`)))
}

func TestRemoteEntity_FlatWireForm(t *testing.T) {
	e := remote(t, `{"_id":"r1","updatedAt":42,"name":"Legs"}`)
	assert.Equal(t, "r1", e.ID)
	assert.Equal(t, int64(42), e.UpdatedAt)

	data, err := json.Marshal(e)
	require.NoError(t, err)
	assert.JSONEq(t, `{"_id":"r1","updatedAt":42,"name":"Legs"}`, string(data))
}
