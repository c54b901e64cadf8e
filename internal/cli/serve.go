package cli

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/alexjbarnes/liftsync/internal/backend"
	"github.com/alexjbarnes/liftsync/internal/logging"
	"github.com/alexjbarnes/liftsync/internal/server"
)

// NewServeMemoryCommand creates the serve-memory command.
func NewServeMemoryCommand(rootOpts *RootOptions) *cobra.Command {
	var listen, token, level string

	cmd := &cobra.Command{
		Use:   "serve-memory",
		Short: "Serve an in-memory backend over the HTTP API",
		Long: `Serve the backend JSON API from memory for local development. Point a
client at it with BACKEND_TRANSPORT=http and BACKEND_URL=http://<listen>.
All data is lost on exit.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logging.New(cmd.ErrOrStderr(), "development", level).
				With(slog.String("service", "memory-backend"))

			handler := backend.NewHandler(backend.NewMemory(), token, logger)

			return server.Run(cmd.Context(), listen, handler, logger)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "127.0.0.1:8091", "listen address")
	cmd.Flags().StringVar(&token, "token", "", "require this bearer token")
	cmd.Flags().StringVar(&level, "log-level", "info", "log level")

	return cmd
}
