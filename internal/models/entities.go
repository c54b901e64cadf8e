package models

import (
	"encoding/json"
	"fmt"
)

// Configuration tree.

type Schema struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	IsActive    bool   `json:"isActive"`
}

type WorkoutDay struct {
	SchemaID  string `json:"schemaId"`
	Name      string `json:"name"`
	DayNumber int    `json:"dayNumber"`
	Notes     string `json:"notes,omitempty"`
}

type Exercise struct {
	WorkoutDayID string  `json:"workoutDayId"`
	Name         string  `json:"name"`
	Sets         int     `json:"sets"`
	Reps         int     `json:"reps"`
	Weight       float64 `json:"weight"`
	RestSeconds  int     `json:"restSeconds,omitempty"`
	Order        int     `json:"order"`
	Notes        string  `json:"notes,omitempty"`
}

// Execution-record tree.

type WorkoutSession struct {
	SchemaID     string `json:"schemaId"`
	WorkoutDayID string `json:"workoutDayId,omitempty"`
	StartedAt    int64  `json:"startedAt"`
	CompletedAt  int64  `json:"completedAt,omitempty"`
	Notes        string `json:"notes,omitempty"`
}

type ExerciseLog struct {
	SessionID  string `json:"sessionId"`
	ExerciseID string `json:"exerciseId,omitempty"`
	Name       string `json:"name"`
	Order      int    `json:"order"`
}

type SetLog struct {
	ExerciseLogID string  `json:"exerciseLogId"`
	SetNumber     int     `json:"setNumber"`
	Reps          int     `json:"reps"`
	Weight        float64 `json:"weight"`
	RPE           float64 `json:"rpe,omitempty"`
	Completed     bool    `json:"completed"`
}

// Fields encodes a typed entity as the JSON object stored in a Record or
// carried as a queue payload.
func Fields(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding fields: %w", err)
	}

	return data, nil
}

// Decode unpacks a record's fields into a typed entity.
func Decode[T any](rec Record) (T, error) {
	var v T
	if err := json.Unmarshal(rec.Fields, &v); err != nil {
		return v, fmt.Errorf("decoding %s: %w", rec.ID, err)
	}

	return v, nil
}
