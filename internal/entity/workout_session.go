package entity

import "github.com/alexjbarnes/liftsync/internal/models"

// WorkoutSession is a performed workout, the root of the execution tree.
// It points at the schema it followed and optionally the day, but is not
// owned by either: deleting a plan does not erase training history.
func WorkoutSession() *Adapter {
	return &Adapter{
		Kind: models.EntityWorkoutSession,
		Fields: []Field{
			{Local: "startedAt", Remote: "startedAt"},
			{Local: "completedAt", Remote: "completedAt"},
			{Local: "notes", Remote: "notes"},
		},
		Refs: []Ref{
			{LocalField: "schemaId", RemoteField: "schemaId", Kind: models.EntitySchema},
			{LocalField: "workoutDayId", RemoteField: "dayId", Kind: models.EntityWorkoutDay, Optional: true},
		},
		DirectCreate: true,
	}
}
