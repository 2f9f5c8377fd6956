package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/ledgerd/internal/config"
	"github.com/roach88/ledgerd/internal/engine"
	"github.com/roach88/ledgerd/internal/ledger"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"
	Config  string
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the ledgerd CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "ledgerd",
		Short: "ledgerd - actor-based settlement node",
		Long: `ledgerd admits signed transactions, executes them in sandboxed runners,
seals the results into batches, publishes batches to a DA network and
settles them against an external oracle.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return NewExitError(ExitCommandError,
					fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats))
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVarP(&opts.Config, "config", "c", "", "config file (.yaml, .cue or .json)")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewBatchesCommand(opts))
	cmd.AddCommand(NewVerifyCommand(opts))
	cmd.AddCommand(NewProgramCommand(opts))
	cmd.AddCommand(NewConfigCommand(opts))
	cmd.AddCommand(NewScenarioCommand(opts))

	return cmd
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

// loadConfig loads --config, or the defaults plus environment when unset.
func (o *RootOptions) loadConfig() (config.Config, error) {
	cfg, err := config.Load(o.Config)
	if err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	return cfg, nil
}

// openLedger opens the configured store for offline inspection. db, when
// set, replaces the configured store path.
func (o *RootOptions) openLedger(db string) (*ledger.Ledger, config.Config, func(), error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, config.Config{}, nil, err
	}
	if db != "" {
		cfg.Store.Path = db
		cfg.Store.InMemory = false
	}
	if cfg.Store.InMemory {
		return nil, cfg, nil, NewExitError(ExitCommandError, "store is in-memory; pass --db or configure store.path")
	}
	kv, err := engine.OpenBackend(cfg.Store)
	if err != nil {
		return nil, cfg, nil, WrapExitError(ExitCommandError, "failed to open store", err)
	}
	closer := func() { _ = kv.Close() }
	return ledger.New(kv), cfg, closer, nil
}

// storeFlag registers the --db flag shared by offline commands.
func storeFlag(cmd *cobra.Command, db *string) {
	cmd.Flags().StringVar(db, "db", "", "store path (overrides store.path)")
}
