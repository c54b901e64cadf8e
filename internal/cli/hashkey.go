package cli

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/alexjbarnes/liftsync/internal/auth"
)

type hashKeyView struct {
	Key  string `json:"key,omitempty" yaml:"key,omitempty"`
	Hash string `json:"hash" yaml:"hash"`
}

// NewHashKeyCommand creates the hash-key command.
func NewHashKeyCommand(rootOpts *RootOptions) *cobra.Command {
	var generate bool

	cmd := &cobra.Command{
		Use:   "hash-key",
		Short: "Hash an MCP API key for MCP_API_KEYS",
		Long: `Read an API key from stdin and print its bcrypt hash. With --generate a
new random key is created and printed alongside its hash. Configure the
hash as MCP_API_KEYS=<user>:<hash> and hand the key to the client.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var key string
			if generate {
				key = auth.GenerateAPIKey()
			} else {
				fmt.Fprint(cmd.ErrOrStderr(), "Enter API key: ")
				scanner := bufio.NewScanner(cmd.InOrStdin())
				if !scanner.Scan() {
					return fmt.Errorf("no input")
				}
				key = strings.TrimSpace(scanner.Text())
			}

			hash, err := auth.HashAPIKey(key)
			if err != nil {
				return err
			}

			view := hashKeyView{Hash: hash}
			if generate {
				view.Key = key
			}

			return render(cmd.OutOrStdout(), rootOpts.Format, view)
		},
	}

	cmd.Flags().BoolVar(&generate, "generate", false, "generate a new key instead of reading one")

	return cmd
}
