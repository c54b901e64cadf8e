package entity

import "github.com/alexjbarnes/liftsync/internal/models"

// Exercise is a planned exercise on a workout day. The backend calls the
// owning day "dayId".
func Exercise() *Adapter {
	return &Adapter{
		Kind: models.EntityExercise,
		Fields: []Field{
			{Local: "name", Remote: "name"},
			{Local: "sets", Remote: "sets"},
			{Local: "reps", Remote: "reps"},
			{Local: "weight", Remote: "weight"},
			{Local: "restSeconds", Remote: "restSeconds"},
			{Local: "order", Remote: "order"},
			{Local: "notes", Remote: "notes"},
		},
		Refs: []Ref{
			{LocalField: "workoutDayId", RemoteField: "dayId", Kind: models.EntityWorkoutDay, Owner: true},
		},
	}
}
