package entity

import "github.com/alexjbarnes/liftsync/internal/models"

// SetLog records one set of an exercise log.
func SetLog() *Adapter {
	return &Adapter{
		Kind: models.EntitySetLog,
		Fields: []Field{
			{Local: "setNumber", Remote: "setNumber"},
			{Local: "reps", Remote: "reps"},
			{Local: "weight", Remote: "weight"},
			{Local: "rpe", Remote: "rpe"},
			{Local: "completed", Remote: "completed"},
		},
		Refs: []Ref{
			{LocalField: "exerciseLogId", RemoteField: "logId", Kind: models.EntityExerciseLog, Owner: true},
		},
		DirectCreate: true,
	}
}
