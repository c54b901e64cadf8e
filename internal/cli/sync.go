package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/alexjbarnes/liftsync/internal/models"
)

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one push-then-pull cycle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCycle(cmd, rootOpts, "sync")
		},
	}
}

// NewFullSyncCommand creates the full-sync command.
func NewFullSyncCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "full-sync",
		Short: "Push every never-synced entity, drain the queue and pull everything",
		Long: `Reconcile the local database with the backend from scratch.

Every local entity without an id mapping is created remotely in
dependency order, pending queue items are pushed, and every remote entity
is pulled. Use after first sign-in.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCycle(cmd, rootOpts, "full")
		},
	}
}

func runCycle(cmd *cobra.Command, opts *RootOptions, mode string) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	a, err := openApp(ctx, cfg, commandLogger(cfg, cmd.ErrOrStderr()), true)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.remote.Ping(ctx); err != nil {
		a.eng.SetOffline(true)
	}

	var res models.SyncResult
	if mode == "full" {
		res, err = a.eng.FullSync(ctx)
	} else {
		res, err = a.eng.Sync(ctx)
	}
	if err != nil {
		return err
	}

	return render(cmd.OutOrStdout(), opts.Format, newResultView(mode, res))
}
