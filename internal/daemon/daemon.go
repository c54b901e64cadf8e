// Package daemon drives the sync engine on a schedule. Each cycle probes
// the backend, updates the engine's offline flag and runs a sync. Failed
// cycles and offline periods back off exponentially up to a ceiling;
// a successful cycle resets the delay to the normal interval.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	errs "github.com/alexjbarnes/liftsync/internal/errors"
	"github.com/alexjbarnes/liftsync/internal/models"
)

// Engine is the part of *engine.Engine the loop drives.
type Engine interface {
	Sync(ctx context.Context) (models.SyncResult, error)
	FullSync(ctx context.Context) (models.SyncResult, error)
	SetOffline(offline bool)
}

// Pinger probes backend reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options configures a Daemon.
type Options struct {
	Engine  Engine
	Backend Pinger
	Logger  *slog.Logger

	// Interval between successful cycles.
	Interval time.Duration

	// MaxBackoff caps the delay after consecutive failures.
	MaxBackoff time.Duration

	// FullSyncFirst runs FullSync instead of Sync until one succeeds.
	FullSyncFirst bool
}

// Daemon runs sync cycles until its context is cancelled.
type Daemon struct {
	engine     Engine
	backend    Pinger
	logger     *slog.Logger
	interval   time.Duration
	maxBackoff time.Duration
	full       bool

	trigger chan struct{}
}

// New validates opts and creates a daemon.
func New(opts Options) (*Daemon, error) {
	if opts.Engine == nil || opts.Backend == nil {
		return nil, fmt.Errorf("daemon: engine and backend are required")
	}

	if opts.Interval <= 0 {
		return nil, fmt.Errorf("daemon: interval must be positive")
	}

	if opts.MaxBackoff < opts.Interval {
		opts.MaxBackoff = opts.Interval
	}

	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Daemon{
		engine:     opts.Engine,
		backend:    opts.Backend,
		logger:     opts.Logger,
		interval:   opts.Interval,
		maxBackoff: opts.MaxBackoff,
		full:       opts.FullSyncFirst,
		trigger:    make(chan struct{}, 1),
	}, nil
}

// Trigger requests a cycle as soon as the current wait ends. Calls
// while a request is already pending are coalesced.
func (d *Daemon) Trigger() {
	select {
	case d.trigger <- struct{}{}:
	default:
	}
}

func (d *Daemon) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.interval
	b.MaxInterval = d.maxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	return b
}

// nextDelay caps the randomized backoff at maxBackoff.
func (d *Daemon) nextDelay(bo backoff.BackOff) time.Duration {
	return min(bo.NextBackOff(), d.maxBackoff)
}

// Run loops until ctx is cancelled. It returns nil on cancellation.
func (d *Daemon) Run(ctx context.Context) error {
	bo := d.newBackOff()

	d.logger.Info("sync daemon started",
		slog.Duration("interval", d.interval),
		slog.Duration("max_backoff", d.maxBackoff),
		slog.Bool("full_sync_first", d.full),
	)

	for {
		delay := d.interval

		if err := d.cycle(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}

			delay = d.nextDelay(bo)
			d.logger.Warn("sync cycle failed",
				slog.String("error", err.Error()),
				slog.Duration("retry_in", delay),
			)
		} else {
			bo.Reset()
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			d.logger.Info("sync daemon stopped")

			return nil
		case <-d.trigger:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (d *Daemon) cycle(ctx context.Context) error {
	if err := d.backend.Ping(ctx); err != nil {
		d.engine.SetOffline(true)
		return fmt.Errorf("backend unreachable: %w", err)
	}

	d.engine.SetOffline(false)

	run := d.engine.Sync
	if d.full {
		run = d.engine.FullSync
	}

	res, err := run(ctx)
	if errors.Is(err, errs.ErrSyncInProgress) {
		d.logger.Debug("sync already running, skipping cycle")
		return nil
	}

	if err != nil {
		return err
	}

	if !res.Success {
		return fmt.Errorf("%d item errors, first: %s", len(res.Errors), res.Errors[0])
	}

	d.full = false

	return nil
}
