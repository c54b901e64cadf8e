package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/liftsync/internal/backend"
	"github.com/alexjbarnes/liftsync/internal/config"
	"github.com/alexjbarnes/liftsync/internal/engine"
	errs "github.com/alexjbarnes/liftsync/internal/errors"
	"github.com/alexjbarnes/liftsync/internal/logging"
	"github.com/alexjbarnes/liftsync/internal/metrics"
	"github.com/alexjbarnes/liftsync/internal/state"
)

// app is the wired set of components one command works with.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	st      *state.State
	eng     *engine.Engine
	metrics *metrics.Metrics
	remote  engine.Backend
	closers []func() error
}

// openApp opens the state database and builds the engine. When connect
// is set the configured backend is dialed and bound; diagnostics that
// only read local state pass false.
func openApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, connect bool) (*app, error) {
	st, err := state.LoadAt(cfg.StatePath, state.WithRetryCeiling(cfg.RetryCeiling))
	if err != nil {
		return nil, fmt.Errorf("loading state: %w", err)
	}

	a := &app{cfg: cfg, logger: logger, st: st, metrics: metrics.New()}
	a.closers = append(a.closers, st.Close)

	a.eng, err = engine.New(engine.Options{
		State:    st,
		Logger:   logger.With(slog.String("component", "engine")),
		Recorder: a.metrics,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("creating engine: %w", err)
	}

	if !connect {
		return a, nil
	}

	remote, err := dialBackend(ctx, cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	if c, ok := remote.(io.Closer); ok {
		a.closers = append(a.closers, c.Close)
	}

	a.remote = remote
	a.eng.Bind(remote)

	return a, nil
}

func dialBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (engine.Backend, error) {
	logger = logger.With(slog.String("component", "backend"), slog.String("transport", cfg.BackendTransport))

	switch cfg.BackendTransport {
	case config.TransportHTTP:
		return backend.NewHTTPClient(cfg.BackendURL, cfg.BackendToken, &http.Client{Timeout: cfg.BackendTimeout}), nil
	case config.TransportWS:
		c := backend.NewWSClient(cfg.BackendURL, cfg.BackendToken, cfg.DeviceName, logger)

		dialCtx, cancel := context.WithTimeout(ctx, cfg.BackendTimeout)
		defer cancel()

		if err := c.Connect(dialCtx); err != nil {
			if errors.Is(err, errs.ErrUnauthorized) {
				return nil, fmt.Errorf("connecting to backend: %w", err)
			}

			// The client redials on its next call.
			logger.Warn("backend unreachable, starting offline", slog.String("error", err.Error()))
		}

		return c, nil
	case config.TransportMemory:
		logger.Warn("using in-memory backend, remote data is lost on exit")
		return backend.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown backend transport %q", cfg.BackendTransport)
	}
}

// Close releases everything openApp acquired, in reverse order.
func (a *app) Close() error {
	var first error

	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && first == nil {
			first = err
		}
	}

	a.closers = nil

	return first
}

// commandLogger builds the logger for one-shot commands. Output goes to
// errOut so stdout stays parseable; the level defaults to warn.
func commandLogger(cfg *config.Config, errOut io.Writer) *slog.Logger {
	level := cfg.LogLevel
	if level == "" {
		level = "warn"
	}

	if cfg.LogFile != "" {
		return logging.NewLogger(cfg.Environment, level, cfg.LogFile)
	}

	return logging.New(errOut, cfg.Environment, level)
}
