// Package engine reconciles the local store with the remote backend. It
// owns the sync state machine: pushing queued local mutations in
// dependency order, pulling remote changes with last-write-wins and
// publishing the observable SyncState.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alexjbarnes/liftsync/internal/entity"
	errs "github.com/alexjbarnes/liftsync/internal/errors"
	"github.com/alexjbarnes/liftsync/internal/models"
	"github.com/alexjbarnes/liftsync/internal/state"
)

// Backend is the remote data store the engine pushes to and pulls from.
type Backend interface {
	Create(ctx context.Context, kind models.EntityType, fields json.RawMessage) (string, error)
	CreateDirect(ctx context.Context, kind models.EntityType, fields json.RawMessage) (string, error)
	Update(ctx context.Context, kind models.EntityType, remoteID string, fields json.RawMessage) error
	Remove(ctx context.Context, kind models.EntityType, remoteID string) error
	List(ctx context.Context, kind models.EntityType, filter models.ListFilter) ([]models.RemoteEntity, error)
	Ping(ctx context.Context) error
}

// Recorder receives cycle and queue measurements. *metrics.Metrics
// satisfies it.
type Recorder interface {
	ObserveCycle(mode string, result models.SyncResult, took time.Duration)
	SetQueueDepth(pending, failed int)
}

type nopRecorder struct{}

func (nopRecorder) ObserveCycle(string, models.SyncResult, time.Duration) {}
func (nopRecorder) SetQueueDepth(int, int)                                {}

const (
	modeSync = "sync"
	modeFull = "full"
)

// Result strings for calls that never start a cycle. Callers match on the
// returned error; these are what the UI shows.
const (
	resultNotInitialized = "Not initialized"
	resultSyncInProgress = "Sync already in progress"
)

// Options configures an Engine.
type Options struct {
	// State is the local database. Required.
	State *state.State

	// Registry defaults to entity.Default().
	Registry *entity.Registry

	Logger   *slog.Logger
	Recorder Recorder
	Now      func() time.Time
}

// Engine is the sync engine of one authenticated session. It is safe for
// concurrent use.
type Engine struct {
	st       *state.State
	reg      *entity.Registry
	logger   *slog.Logger
	recorder Recorder
	now      func() time.Time

	syncing atomic.Bool

	backendMu sync.RWMutex
	backend   Backend

	mu        sync.Mutex
	status    models.SyncState
	offline   bool
	listeners map[int]func(models.SyncState)
	nextID    int
}

// New creates an engine over the given local database. No backend is
// bound yet: Sync returns ErrNotInitialized until Bind is called.
func New(opts Options) (*Engine, error) {
	if opts.State == nil {
		return nil, fmt.Errorf("engine: state is required")
	}

	e := &Engine{
		st:        opts.State,
		reg:       opts.Registry,
		logger:    opts.Logger,
		recorder:  opts.Recorder,
		now:       opts.Now,
		listeners: make(map[int]func(models.SyncState)),
	}

	if e.reg == nil {
		e.reg = entity.Default()
	}

	if e.logger == nil {
		e.logger = slog.Default()
	}

	if e.recorder == nil {
		e.recorder = nopRecorder{}
	}

	if e.now == nil {
		e.now = time.Now
	}

	last, err := e.st.LastSyncAt()
	if err != nil {
		return nil, fmt.Errorf("reading last sync time: %w", err)
	}

	e.status = models.SyncState{Status: models.StatusIdle, LastSyncAt: last}

	if err := e.refreshCounts(); err != nil {
		return nil, err
	}

	return e, nil
}

// Bind attaches the session's backend.
func (e *Engine) Bind(b Backend) {
	e.backendMu.Lock()
	e.backend = b
	e.backendMu.Unlock()

	e.logger.Debug("backend bound")
}

// Unbind detaches the backend, for example on sign-out.
func (e *Engine) Unbind() {
	e.backendMu.Lock()
	e.backend = nil
	e.backendMu.Unlock()

	e.logger.Debug("backend unbound")
}

func (e *Engine) currentBackend() Backend {
	e.backendMu.RLock()
	defer e.backendMu.RUnlock()

	return e.backend
}

// Registry returns the entity registry the engine syncs.
func (e *Engine) Registry() *entity.Registry {
	return e.reg
}

// State returns a snapshot of the observable sync state.
func (e *Engine) State() models.SyncState {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.status
}

// Subscribe registers fn to receive every state change. The returned
// function removes the subscription.
func (e *Engine) Subscribe(fn func(models.SyncState)) func() {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.listeners[id] = fn
	e.mu.Unlock()

	var once sync.Once

	return func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.listeners, id)
			e.mu.Unlock()
		})
	}
}

// SetOffline records the network state reported by the caller. While
// offline, Sync and FullSync return ErrOffline without contacting the
// backend.
func (e *Engine) SetOffline(offline bool) {
	e.update(func(s *models.SyncState) {
		e.offline = offline

		switch {
		case offline:
			s.Status = models.StatusOffline
		case s.Status == models.StatusOffline:
			s.Status = models.StatusIdle
		}
	})
}

// HasPendingChanges reports whether any queue item awaits push.
func (e *Engine) HasPendingChanges() bool {
	return e.State().PendingOperations > 0
}

// PendingCount returns the number of queue items eligible for push.
func (e *Engine) PendingCount() int {
	return e.State().PendingOperations
}

// FailedItems returns the queue items parked at the retry ceiling.
func (e *Engine) FailedItems() ([]models.QueueItem, error) {
	return e.st.Queue().Failed()
}

// QueueItems returns every queue item, for diagnostics.
func (e *Engine) QueueItems() ([]models.QueueItem, error) {
	return e.st.Queue().All()
}

// RetryFailed resets every parked item so the next cycle pushes it again.
func (e *Engine) RetryFailed() (int, error) {
	n, err := e.st.Queue().RetryAllFailed()
	if err != nil {
		return 0, err
	}

	e.logger.Info("failed queue items reset", slog.Int("count", n))
	e.publishCounts()

	return n, nil
}

// update applies fn to the state under the lock and notifies listeners
// outside it.
func (e *Engine) update(fn func(s *models.SyncState)) {
	e.mu.Lock()
	fn(&e.status)
	snapshot := e.status

	listeners := make([]func(models.SyncState), 0, len(e.listeners))
	for _, l := range e.listeners {
		listeners = append(listeners, l)
	}
	e.mu.Unlock()

	for _, l := range listeners {
		l(snapshot)
	}
}

func (e *Engine) refreshCounts() error {
	pending, failed, err := e.st.Queue().Counts()
	if err != nil {
		return fmt.Errorf("counting queue: %w", err)
	}

	e.mu.Lock()
	e.status.PendingOperations = pending
	e.status.FailedOperations = failed
	e.mu.Unlock()

	e.recorder.SetQueueDepth(pending, failed)

	return nil
}

// publishCounts refreshes the queue counters and notifies listeners.
func (e *Engine) publishCounts() {
	pending, failed, err := e.st.Queue().Counts()
	if err != nil {
		e.logger.Warn("counting queue", slog.String("error", err.Error()))
		return
	}

	e.recorder.SetQueueDepth(pending, failed)

	e.update(func(s *models.SyncState) {
		s.PendingOperations = pending
		s.FailedOperations = failed
	})
}

// Sync runs one push-then-pull cycle.
func (e *Engine) Sync(ctx context.Context) (models.SyncResult, error) {
	return e.run(ctx, modeSync)
}

// FullSync is the first-time reconciliation after binding: every local
// entity without a mapping is pushed in dependency order, the queue is
// drained and a full pull follows.
func (e *Engine) FullSync(ctx context.Context) (models.SyncResult, error) {
	return e.run(ctx, modeFull)
}

func (e *Engine) run(ctx context.Context, mode string) (models.SyncResult, error) {
	b := e.currentBackend()
	if b == nil {
		return models.SyncResult{Errors: []string{resultNotInitialized}}, errs.ErrNotInitialized
	}

	if !e.syncing.CompareAndSwap(false, true) {
		return models.SyncResult{Errors: []string{resultSyncInProgress}}, errs.ErrSyncInProgress
	}
	defer e.syncing.Store(false)

	e.mu.Lock()
	offline := e.offline
	e.mu.Unlock()

	if offline {
		return models.SyncResult{Errors: []string{errs.ErrOffline.Error()}}, errs.ErrOffline
	}

	start := e.now()

	e.update(func(s *models.SyncState) {
		s.Status = models.StatusSyncing
		s.Error = ""
	})

	e.logger.Info("sync started", slog.String("mode", mode))

	var result models.SyncResult

	if mode == modeFull {
		n, errList := e.pushUnmapped(ctx, b)
		result.Pushed += n
		result.Errors = append(result.Errors, errList...)
	}

	n, errList := e.push(ctx, b)
	result.Pushed += n
	result.Errors = append(result.Errors, errList...)

	if ctx.Err() == nil {
		n, errList = e.pull(ctx, b)
		result.Pulled += n
		result.Errors = append(result.Errors, errList...)
	}

	if err := ctx.Err(); err != nil {
		result.Errors = append(result.Errors, err.Error())
	}

	result.Success = len(result.Errors) == 0

	finished := e.now()
	if err := e.st.SetLastSyncAt(finished); err != nil {
		e.logger.Warn("persisting last sync time", slog.String("error", err.Error()))
	}

	pending, failed, err := e.st.Queue().Counts()
	if err != nil {
		e.logger.Warn("counting queue", slog.String("error", err.Error()))
	}

	e.recorder.SetQueueDepth(pending, failed)
	e.recorder.ObserveCycle(mode, result, finished.Sub(start))

	e.update(func(s *models.SyncState) {
		s.LastSyncAt = finished
		s.PendingOperations = pending
		s.FailedOperations = failed

		if result.Success {
			s.Status = models.StatusIdle
			s.Error = ""
		} else {
			s.Status = models.StatusError
			s.Error = strings.Join(result.Errors, "; ")
		}

		if e.offline {
			s.Status = models.StatusOffline
		}
	})

	e.logger.Info("sync finished",
		slog.String("mode", mode),
		slog.Int("pushed", result.Pushed),
		slog.Int("pulled", result.Pulled),
		slog.Int("errors", len(result.Errors)),
		slog.Duration("took", finished.Sub(start)),
	)

	return result, nil
}
