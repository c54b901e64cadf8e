// Package models defines types shared across internal packages.
package models

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// EntityType names one of the synced entity kinds.
type EntityType string

const (
	EntitySchema         EntityType = "schema"
	EntityWorkoutDay     EntityType = "workoutDay"
	EntityExercise       EntityType = "exercise"
	EntityWorkoutSession EntityType = "workoutSession"
	EntityExerciseLog    EntityType = "exerciseLog"
	EntitySetLog         EntityType = "setLog"
)

// EntityTypes lists every built-in kind in declaration order.
var EntityTypes = []EntityType{
	EntitySchema,
	EntityWorkoutDay,
	EntityExercise,
	EntityWorkoutSession,
	EntityExerciseLog,
	EntitySetLog,
}

// ParseEntityType validates a kind name coming from the CLI or MCP tools.
func ParseEntityType(s string) (EntityType, error) {
	for _, k := range EntityTypes {
		if string(k) == s {
			return k, nil
		}
	}

	return "", fmt.Errorf("unknown entity type %q", s)
}

// Operation is the mutation carried by a queue item.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Rank orders operations within the same entity kind: creates first,
// then updates, then deletes.
func (o Operation) Rank() int {
	switch o {
	case OpCreate:
		return 0
	case OpUpdate:
		return 1
	case OpDelete:
		return 2
	default:
		return 3
	}
}

// Record is a local entity row. Fields holds the entity's JSON object
// without the id and updatedAt envelope.
type Record struct {
	ID        string          `json:"id"`
	UpdatedAt int64           `json:"updatedAt"`
	Fields    json.RawMessage `json:"fields"`
}

// RemoteEntity is an entity as returned by the backend. On the wire it is
// a flat object; Fields keeps that whole object, including _id and
// updatedAt, so adapters can read backend field names directly.
type RemoteEntity struct {
	ID        string
	UpdatedAt int64
	Fields    json.RawMessage
}

// UnmarshalJSON accepts the backend's flat {"_id", "updatedAt", ...} form.
func (e *RemoteEntity) UnmarshalJSON(data []byte) error {
	parsed := gjson.ParseBytes(data)
	if !parsed.IsObject() {
		return fmt.Errorf("remote entity must be a JSON object")
	}

	e.ID = parsed.Get("_id").String()
	e.UpdatedAt = parsed.Get("updatedAt").Int()
	e.Fields = append(json.RawMessage(nil), data...)

	return nil
}

// MarshalJSON emits the flat wire form with _id and updatedAt set.
func (e RemoteEntity) MarshalJSON() ([]byte, error) {
	out := []byte(e.Fields)
	if len(out) == 0 {
		out = []byte("{}")
	}

	out, err := sjson.SetBytes(out, "_id", e.ID)
	if err != nil {
		return nil, err
	}

	return sjson.SetBytes(out, "updatedAt", e.UpdatedAt)
}

// ListFilter restricts a remote list call to the children of one parent.
// A zero filter lists every entity of the kind visible to the session.
type ListFilter struct {
	Field string `json:"field,omitempty"`
	Value string `json:"value,omitempty"`
}

// IsZero reports whether the filter matches everything.
func (f ListFilter) IsZero() bool {
	return f.Field == ""
}
