// Package cli implements the liftsync command tree. Every command takes
// the shared RootOptions so tests can inject configuration and capture
// output.
package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/alexjbarnes/liftsync/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Format  string // "yaml" | "json"
	Version string

	// LoadConfig defaults to config.Load.
	LoadConfig func() (*config.Config, error)
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"yaml", "json"}

// NewRootCommand creates the root command for the liftsync CLI.
func NewRootCommand(version string) *cobra.Command {
	opts := &RootOptions{Version: version, LoadConfig: config.Load}

	cmd := &cobra.Command{
		Use:           "liftsync",
		Short:         "Offline-first sync for workout plans and logs",
		Long:          "liftsync keeps a local workout database in step with a remote backend: local edits are queued and pushed in dependency order, remote changes are pulled with last-write-wins.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Format, "format", "yaml", "output format (yaml|json)")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewFullSyncCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewQueueCommand(opts))
	cmd.AddCommand(NewMappingsCommand(opts))
	cmd.AddCommand(NewRetryFailedCommand(opts))
	cmd.AddCommand(NewHashKeyCommand(opts))
	cmd.AddCommand(NewDemoCommand(opts))
	cmd.AddCommand(NewServeMemoryCommand(opts))

	return cmd
}

func (o *RootOptions) loadConfig() (*config.Config, error) {
	load := o.LoadConfig
	if load == nil {
		load = config.Load
	}

	cfg, err := load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	return cfg, nil
}
