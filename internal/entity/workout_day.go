package entity

import "github.com/alexjbarnes/liftsync/internal/models"

// WorkoutDay is one day of a schema.
func WorkoutDay() *Adapter {
	return &Adapter{
		Kind: models.EntityWorkoutDay,
		Fields: []Field{
			{Local: "name", Remote: "name"},
			{Local: "dayNumber", Remote: "dayNumber"},
			{Local: "notes", Remote: "notes"},
		},
		Refs: []Ref{
			{LocalField: "schemaId", RemoteField: "schemaId", Kind: models.EntitySchema, Owner: true},
		},
	}
}
