package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/ledgerd/internal/config"
	"github.com/roach88/ledgerd/internal/engine"
)

// ConfigResult summarizes a valid configuration.
type ConfigResult struct {
	Path    string        `json:"path"`
	Genesis int           `json:"genesis"`
	Config  config.Config `json:"config"`
}

func (r ConfigResult) String() string {
	return fmt.Sprintf("✓ %s is valid (%s store, %d genesis accounts)", r.Path, r.Config.Store.Driver, r.Genesis)
}

// NewConfigCommand creates the config command group.
func NewConfigCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a config file",
		Long: `Load a config file the way run does (file, then LEDGERD_* environment
overrides), validate it against the schema and check the genesis block.

Exit codes:
  0 - config valid
  2 - config invalid or unreadable`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigValidate(rootOpts, args[0], cmd)
		},
	})
	return cmd
}

func runConfigValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	out := opts.formatter(cmd)
	cfg, err := config.Load(path)
	if err != nil {
		var verrs config.ValidationErrors
		if errors.As(err, &verrs) {
			if opts.Format != "json" {
				for _, v := range verrs {
					fmt.Fprintf(out.Writer, "✗ %s\n", v.Error())
				}
			}
			return out.fail(ExitCommandError, CodeConfig, fmt.Sprintf("%s is invalid", path), verrs)
		}
		return out.fail(ExitCommandError, CodeConfig, fmt.Sprintf("failed to load %s", path), err)
	}
	accounts, err := engine.GenesisAccounts(cfg.Genesis)
	if err != nil {
		return out.fail(ExitCommandError, CodeConfig, "invalid genesis", err)
	}
	return out.Success(ConfigResult{Path: path, Genesis: len(accounts), Config: cfg})
}
