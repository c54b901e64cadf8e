package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/liftsync/internal/auth"
	"github.com/alexjbarnes/liftsync/internal/daemon"
	"github.com/alexjbarnes/liftsync/internal/logging"
	"github.com/alexjbarnes/liftsync/internal/mcpserver"
	"github.com/alexjbarnes/liftsync/internal/server"
)

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	var fullFirst bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the sync daemon",
		Long: `Run the sync daemon in the foreground.

Syncs every SYNC_INTERVAL, backing off up to SYNC_MAX_BACKOFF while the
backend is unreachable or cycles fail. With ENABLE_MCP the MCP control
surface and /metrics are served on MCP_LISTEN_ADDR. Stops on SIGINT or
SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), rootOpts, fullFirst)
		},
	}

	cmd.Flags().BoolVar(&fullFirst, "full-sync", false, "run a full sync before the first regular cycle")

	return cmd
}

func runDaemon(ctx context.Context, opts *RootOptions, fullFirst bool) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}

	var keys *auth.Keyring
	if cfg.EnableMCP {
		entries, err := cfg.ParseMCPAPIKeys()
		if err != nil {
			return fmt.Errorf("parsing MCP API keys: %w", err)
		}

		keys, err = auth.NewKeyring(entries)
		if err != nil {
			return fmt.Errorf("building keyring: %w", err)
		}
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel, cfg.LogFile)
	logger.Info("liftsync starting",
		slog.String("version", opts.Version),
		slog.String("transport", cfg.BackendTransport),
		slog.String("device", cfg.DeviceName),
		slog.String("state", cfg.StatePath),
		slog.Bool("mcp", cfg.EnableMCP),
	)

	a, err := openApp(ctx, cfg, logger, true)
	if err != nil {
		return err
	}
	defer a.Close()

	d, err := daemon.New(daemon.Options{
		Engine:        a.eng,
		Backend:       a.remote,
		Logger:        logger.With(slog.String("component", "daemon")),
		Interval:      cfg.SyncInterval,
		MaxBackoff:    cfg.SyncMaxBackoff,
		FullSyncFirst: fullFirst,
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return d.Run(gctx)
	})

	if cfg.EnableMCP {
		g.Go(func() error {
			return runMCP(gctx, a, keys, opts.Version)
		})
	}

	return g.Wait()
}

// runMCP starts the MCP HTTP server.
func runMCP(ctx context.Context, a *app, keys *auth.Keyring, version string) error {
	mcpLogger := a.logger.With(slog.String("service", "mcp"))

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "liftsync-mcp", Version: version},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, a.eng)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	mux := server.NewMux(server.MuxConfig{
		Keys:       keys,
		MCPHandler: mcpHandler,
		Metrics:    a.metrics.Handler(),
		Logger:     mcpLogger,
	})

	mcpLogger.Info("MCP auth configured", slog.Int("api_keys", keys.Len()))

	return server.Run(ctx, a.cfg.MCPListenAddr, mux, mcpLogger)
}
