package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/ledgerd/internal/engine"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions

	// Deps overrides external systems (for testing). Unset fields fall
	// back to the endpoints in the config.
	Deps engine.Deps
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	return &cobra.Command{
		Use:   "run",
		Short: "Start the node",
		Long: `Start the settlement node.

The node opens the configured store (creating it if needed), writes genesis
balances on first start and runs every actor until SIGINT or SIGTERM. On
shutdown the open batch is sealed and actors stop in dependency order.

Example:
  ledgerd run --config ./ledgerd.yaml
  LEDGERD_STORE_PATH=/var/lib/ledgerd.db ledgerd run --verbose`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(opts, cmd)
		},
	}
}

func runNode(opts *RunOptions, cmd *cobra.Command) error {
	logLevel := slog.LevelInfo
	if opts.Verbose {
		logLevel = slog.LevelDebug
	}
	handler := slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: logLevel})
	slog.SetDefault(slog.New(handler))

	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	slog.Info("config loaded", "path", opts.Config, "store", cfg.Store.Driver, "genesis", len(cfg.Genesis))

	node, err := engine.New(cfg, opts.Deps)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to start node", err)
	}
	defer func() {
		if closeErr := node.Close(); closeErr != nil {
			slog.Error("error closing store", "error", closeErr)
		}
	}()

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Fprintln(cmd.OutOrStdout(), "Node started. Press Ctrl-C to stop.")
	if err := node.Run(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return WrapExitError(ExitFailure, "node error", err)
	}
	slog.Info("node stopped gracefully")
	return nil
}
