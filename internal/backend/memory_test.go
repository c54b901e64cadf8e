package backend

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	errs "github.com/alexjbarnes/liftsync/internal/errors"
	"github.com/alexjbarnes/liftsync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_CreateListFilter(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(WithMemoryClock(func() time.Time { return time.UnixMilli(100) }))

	s1, err := m.Create(ctx, models.EntitySchema, json.RawMessage(`{"name":"A"}`))
	require.NoError(t, err)

	d1, err := m.Create(ctx, models.EntityWorkoutDay, json.RawMessage(`{"schemaId":"`+s1+`","name":"Push"}`))
	require.NoError(t, err)
	_, err = m.Create(ctx, models.EntityWorkoutDay, json.RawMessage(`{"schemaId":"other","name":"Pull"}`))
	require.NoError(t, err)

	days, err := m.List(ctx, models.EntityWorkoutDay, models.ListFilter{Field: "schemaId", Value: s1})
	require.NoError(t, err)
	require.Len(t, days, 1)
	assert.Equal(t, d1, days[0].ID)
	assert.Equal(t, int64(100), days[0].UpdatedAt)
	assert.JSONEq(t, `{"_id":"`+d1+`","updatedAt":100,"schemaId":"`+s1+`","name":"Push"}`, string(days[0].Fields))

	all, err := m.List(ctx, models.EntityWorkoutDay, models.ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestMemory_ListKeepsCreationOrder(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	var ids []string
	for i := 0; i < 10; i++ {
		id, err := m.Create(ctx, models.EntitySetLog, json.RawMessage(`{}`))
		require.NoError(t, err)
		ids = append(ids, id)
	}

	items, err := m.List(ctx, models.EntitySetLog, models.ListFilter{})
	require.NoError(t, err)
	require.Len(t, items, 10)
	for i, it := range items {
		assert.Equal(t, ids[i], it.ID)
	}
}

func TestMemory_UpdateMergesAndStamps(t *testing.T) {
	ctx := context.Background()
	now := int64(10)
	m := NewMemory(WithMemoryClock(func() time.Time { return time.UnixMilli(now) }))

	id, err := m.Create(ctx, models.EntityExercise, json.RawMessage(`{"name":"Squat","reps":5}`))
	require.NoError(t, err)

	now = 20
	require.NoError(t, m.Update(ctx, models.EntityExercise, id, json.RawMessage(`{"reps":3}`)))

	got, ok := m.Get(models.EntityExercise, id)
	require.True(t, ok)
	assert.Equal(t, int64(20), got.UpdatedAt)
	assert.JSONEq(t, `{"_id":"`+id+`","updatedAt":20,"name":"Squat","reps":3}`, string(got.Fields))
}

func TestMemory_NotFound(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	assert.ErrorIs(t, m.Update(ctx, models.EntitySchema, "missing", json.RawMessage(`{}`)), errs.ErrRemoteNotFound)
	assert.ErrorIs(t, m.Remove(ctx, models.EntitySchema, "missing"), errs.ErrRemoteNotFound)
	assert.ErrorIs(t, m.Touch(models.EntitySchema, "missing", 1, nil), errs.ErrRemoteNotFound)
}

func TestMemory_FailOn(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	boom := errors.New("backend down")

	m.FailOn("create", models.EntityWorkoutDay, boom)

	_, err := m.Create(ctx, models.EntityWorkoutDay, json.RawMessage(`{}`))
	assert.ErrorIs(t, err, boom)

	_, err = m.Create(ctx, models.EntitySchema, json.RawMessage(`{}`))
	assert.NoError(t, err, "other kinds unaffected")

	m.FailOn("create", models.EntityWorkoutDay, nil)
	_, err = m.Create(ctx, models.EntityWorkoutDay, json.RawMessage(`{}`))
	assert.NoError(t, err)

	m.FailOn("ping", "", boom)
	assert.ErrorIs(t, m.Ping(ctx), boom)
}

func TestMemory_SeedTouchDrop(t *testing.T) {
	m := NewMemory()

	m.Seed(models.EntitySchema, "r1", 50, json.RawMessage(`{"name":"Seeded"}`))
	require.NoError(t, m.Touch(models.EntitySchema, "r1", 60, json.RawMessage(`{"name":"Edited"}`)))

	got, ok := m.Get(models.EntitySchema, "r1")
	require.True(t, ok)
	assert.Equal(t, int64(60), got.UpdatedAt)
	assert.Equal(t, 1, m.Count(models.EntitySchema))

	m.Drop(models.EntitySchema, "r1")
	assert.Equal(t, 0, m.Count(models.EntitySchema))
}

func TestMemory_CreateSkipsSeededIDs(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	m.Seed(models.EntitySchema, "schema_1", 50, json.RawMessage(`{"name":"Seeded"}`))
	m.Seed(models.EntitySchema, "schema_3", 50, json.RawMessage(`{"name":"Seeded later"}`))

	first, err := m.Create(ctx, models.EntitySchema, json.RawMessage(`{"name":"Created"}`))
	require.NoError(t, err)
	second, err := m.Create(ctx, models.EntitySchema, json.RawMessage(`{"name":"Created again"}`))
	require.NoError(t, err)

	assert.NotContains(t, []string{"schema_1", "schema_3"}, first)
	assert.NotContains(t, []string{"schema_1", "schema_3", first}, second)
	assert.Equal(t, 4, m.Count(models.EntitySchema))

	seeded, ok := m.Get(models.EntitySchema, "schema_1")
	require.True(t, ok)
	assert.Contains(t, string(seeded.Fields), "Seeded")
	assert.Equal(t, int64(50), seeded.UpdatedAt)
}

func TestMemory_CallLog(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	id, err := m.CreateDirect(ctx, models.EntityWorkoutSession, json.RawMessage(`{}`))
	require.NoError(t, err)
	require.NoError(t, m.Remove(ctx, models.EntityWorkoutSession, id))

	calls := m.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "createDirect", calls[0].Op)
	assert.Equal(t, "remove", calls[1].Op)
	assert.Equal(t, id, calls[1].RemoteID)

	m.ResetCalls()
	assert.Empty(t, m.Calls())
}

func TestMemory_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewMemory().Create(ctx, models.EntitySchema, nil)
	assert.ErrorIs(t, err, context.Canceled)
}
