package entity

import "github.com/alexjbarnes/liftsync/internal/models"

// ExerciseLog records one exercise performed in a session.
func ExerciseLog() *Adapter {
	return &Adapter{
		Kind: models.EntityExerciseLog,
		Fields: []Field{
			{Local: "name", Remote: "name"},
			{Local: "order", Remote: "order"},
		},
		Refs: []Ref{
			{LocalField: "sessionId", RemoteField: "workoutSessionId", Kind: models.EntityWorkoutSession, Owner: true},
			{LocalField: "exerciseId", RemoteField: "exerciseId", Kind: models.EntityExercise, Optional: true},
		},
		DirectCreate: true,
	}
}
