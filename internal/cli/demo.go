package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/alexjbarnes/liftsync/internal/backend"
	"github.com/alexjbarnes/liftsync/internal/engine"
	"github.com/alexjbarnes/liftsync/internal/logging"
	"github.com/alexjbarnes/liftsync/internal/models"
	"github.com/alexjbarnes/liftsync/internal/state"
)

type demoStep struct {
	Name   string     `json:"name" yaml:"name"`
	Result resultView `json:"result" yaml:"result"`
}

type demoView struct {
	Steps  []demoStep     `json:"steps" yaml:"steps"`
	Local  map[string]int `json:"local" yaml:"local"`
	Remote map[string]int `json:"remote" yaml:"remote"`
}

// NewDemoCommand creates the demo command.
func NewDemoCommand(rootOpts *RootOptions) *cobra.Command {
	var statePath string

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Walk through a sync session against an in-memory backend",
		Long: `Create a small training plan and a logged session locally, push them to
an in-memory backend, then apply a remote edit and a remote delete and
pull them back. Needs no configuration. The state database is temporary
unless --state is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			logger := logging.New(cmd.ErrOrStderr(), "development", "warn")

			view, err := runDemo(ctx, statePath, logger)
			if err != nil {
				return err
			}

			return render(cmd.OutOrStdout(), rootOpts.Format, view)
		},
	}

	cmd.Flags().StringVar(&statePath, "state", "", "keep the demo database at this path")

	return cmd
}

func runDemo(ctx context.Context, statePath string, logger *slog.Logger) (*demoView, error) {
	if statePath == "" {
		dir, err := os.MkdirTemp("", "liftsync-demo-")
		if err != nil {
			return nil, fmt.Errorf("creating temp dir: %w", err)
		}
		defer os.RemoveAll(dir)

		statePath = filepath.Join(dir, "state.db")
	}

	st, err := state.LoadAt(statePath)
	if err != nil {
		return nil, fmt.Errorf("loading state: %w", err)
	}
	defer st.Close()

	eng, err := engine.New(engine.Options{State: st, Logger: logger})
	if err != nil {
		return nil, err
	}

	remote := backend.NewMemory()
	eng.Bind(remote)

	d := &demoBuilder{eng: eng}
	schemaID := d.create(models.EntitySchema, models.Schema{Name: "Push Pull Legs", IsActive: true})
	dayID := d.create(models.EntityWorkoutDay, models.WorkoutDay{SchemaID: schemaID, Name: "Push", DayNumber: 1})
	benchID := d.create(models.EntityExercise, models.Exercise{WorkoutDayID: dayID, Name: "Bench Press", Sets: 3, Reps: 5, Weight: 80, Order: 1})
	d.create(models.EntityExercise, models.Exercise{WorkoutDayID: dayID, Name: "Overhead Press", Sets: 3, Reps: 8, Weight: 45, Order: 2})
	sessionID := d.create(models.EntityWorkoutSession, models.WorkoutSession{SchemaID: schemaID, WorkoutDayID: dayID, StartedAt: time.Now().UnixMilli()})
	logID := d.create(models.EntityExerciseLog, models.ExerciseLog{SessionID: sessionID, ExerciseID: benchID, Name: "Bench Press", Order: 1})

	var lastSetID string
	for n := 1; n <= 3; n++ {
		lastSetID = d.create(models.EntitySetLog, models.SetLog{ExerciseLogID: logID, SetNumber: n, Reps: 5, Weight: 80, Completed: true})
	}

	if d.err != nil {
		return nil, d.err
	}

	view := &demoView{}

	step := func(name string, run func(context.Context) (models.SyncResult, error)) error {
		res, err := run(ctx)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		view.Steps = append(view.Steps, demoStep{Name: name, Result: newResultView("sync", res)})
		return nil
	}

	if err := step("push local plan and session", eng.Sync); err != nil {
		return nil, err
	}

	benchRemote, _, err := eng.RemoteIDFromLocal(benchID)
	if err != nil {
		return nil, err
	}

	later := time.Now().Add(time.Second).UnixMilli()
	if err := remote.Touch(models.EntityExercise, benchRemote, later, json.RawMessage(`{"weight":82.5}`)); err != nil {
		return nil, err
	}

	if err := step("pull remote weight change", eng.Sync); err != nil {
		return nil, err
	}

	setRemote, _, err := eng.RemoteIDFromLocal(lastSetID)
	if err != nil {
		return nil, err
	}

	remote.Drop(models.EntitySetLog, setRemote)

	if err := step("pull remote set deletion", eng.Sync); err != nil {
		return nil, err
	}

	view.Local = make(map[string]int)
	view.Remote = make(map[string]int)

	for _, kind := range eng.Registry().Order() {
		recs, err := eng.List(kind)
		if err != nil {
			return nil, err
		}

		view.Local[string(kind)] = len(recs)
		view.Remote[string(kind)] = remote.Count(kind)
	}

	return view, nil
}

// demoBuilder creates entities through the engine and keeps the first
// error.
type demoBuilder struct {
	eng *engine.Engine
	err error
}

func (d *demoBuilder) create(kind models.EntityType, v any) string {
	if d.err != nil {
		return ""
	}

	fields, err := models.Fields(v)
	if err != nil {
		d.err = err
		return ""
	}

	rec, err := d.eng.Create(kind, fields)
	if err != nil {
		d.err = fmt.Errorf("creating %s: %w", kind, err)
		return ""
	}

	return rec.ID
}
