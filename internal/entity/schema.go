package entity

import "github.com/alexjbarnes/liftsync/internal/models"

// Schema is a training plan, the root of the configuration tree.
func Schema() *Adapter {
	return &Adapter{
		Kind: models.EntitySchema,
		Fields: []Field{
			{Local: "name", Remote: "name"},
			{Local: "description", Remote: "description"},
			{Local: "isActive", Remote: "isActive"},
		},
	}
}
