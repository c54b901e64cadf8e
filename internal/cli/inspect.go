package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/alexjbarnes/liftsync/internal/models"
)

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the local sync state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLocalApp(cmd, rootOpts, func(a *app) error {
				return render(cmd.OutOrStdout(), rootOpts.Format, newStatusView(a.eng.State(), a.cfg.StatePath))
			})
		},
	}
}

// NewQueueCommand creates the queue command.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	var status, kind string

	cmd := &cobra.Command{
		Use:   "queue",
		Short: "List queued local mutations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			switch models.QueueStatus(status) {
			case "", models.QueuePending, models.QueueFailed:
			default:
				return fmt.Errorf("invalid --status %q: want pending or failed", status)
			}

			var filter models.EntityType
			if kind != "" {
				k, err := models.ParseEntityType(kind)
				if err != nil {
					return err
				}
				filter = k
			}

			return withLocalApp(cmd, rootOpts, func(a *app) error {
				items, err := a.eng.QueueItems()
				if err != nil {
					return err
				}

				views := []queueItemView{}
				for _, it := range items {
					if status != "" && it.Status != models.QueueStatus(status) {
						continue
					}
					if filter != "" && it.EntityType != filter {
						continue
					}
					views = append(views, newQueueItemView(it))
				}

				return render(cmd.OutOrStdout(), rootOpts.Format, views)
			})
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "only items with this status (pending|failed)")
	cmd.Flags().StringVar(&kind, "type", "", "only items of this entity type")

	return cmd
}

// NewMappingsCommand creates the mappings command.
func NewMappingsCommand(rootOpts *RootOptions) *cobra.Command {
	var kind string

	cmd := &cobra.Command{
		Use:   "mappings",
		Short: "List local to backend id mappings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var filter models.EntityType
			if kind != "" {
				k, err := models.ParseEntityType(kind)
				if err != nil {
					return err
				}
				filter = k
			}

			return withLocalApp(cmd, rootOpts, func(a *app) error {
				mappings, err := a.eng.Mappings(filter)
				if err != nil {
					return err
				}

				views := make([]mappingView, 0, len(mappings))
				for _, m := range mappings {
					views = append(views, newMappingView(m))
				}

				return render(cmd.OutOrStdout(), rootOpts.Format, views)
			})
		},
	}

	cmd.Flags().StringVar(&kind, "type", "", "only mappings of this entity type")

	return cmd
}

// NewRetryFailedCommand creates the retry-failed command.
func NewRetryFailedCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry-failed",
		Short: "Reset queue items parked at the retry ceiling",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLocalApp(cmd, rootOpts, func(a *app) error {
				n, err := a.eng.RetryFailed()
				if err != nil {
					return err
				}

				return render(cmd.OutOrStdout(), rootOpts.Format, map[string]int{"reset": n})
			})
		},
	}
}

// withLocalApp opens the local database without contacting the backend.
func withLocalApp(cmd *cobra.Command, opts *RootOptions, fn func(a *app) error) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	a, err := openApp(ctx, cfg, commandLogger(cfg, cmd.ErrOrStderr()), false)
	if err != nil {
		return err
	}
	defer a.Close()

	return fn(a)
}
