package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/roach88/ledgerd/internal/engine"
	"github.com/roach88/ledgerd/internal/ir"
	"github.com/roach88/ledgerd/internal/runner"
)

// ProgramOptions holds flags for program add.
type ProgramOptions struct {
	*RootOptions
	Database string
	Kind     string
	Address  string
	Name     string
}

// ProgramResult describes a registered image.
type ProgramResult struct {
	Program string       `json:"program"`
	Kind    ir.ImageKind `json:"kind"`
	Hash    string       `json:"hash"`
	Name    string       `json:"name,omitempty"`
	Path    string       `json:"path"`
}

func (r ProgramResult) String() string {
	return fmt.Sprintf("✓ %s bound to %s image %s\n  stored at %s", r.Program, r.Kind, r.Hash, r.Path)
}

// NewProgramCommand creates the program command group.
func NewProgramCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "program",
		Short: "Manage program images",
	}
	cmd.AddCommand(newProgramAddCommand(rootOpts))
	return cmd
}

func newProgramAddCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ProgramOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "add <file>",
		Short: "Store an image and bind it to a program address",
		Long: `Store an image in the content-addressed artifact directory and bind it
to a program address. Rebinding an address to a different image fails.

For container programs the file holds the image reference to run; the
runner passes it to the configured container command.

Examples:
  ledgerd program add --address 0x00...2a --kind lua token.lua
  ledgerd program add --address 0x00...2b --kind container --name ghcr.io/acme/swap:1 swap.ref`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProgramAdd(opts, args[0], cmd)
		},
	}
	storeFlag(cmd, &opts.Database)
	cmd.Flags().StringVar(&opts.Kind, "kind", string(ir.ImageLua), "image kind (lua|container)")
	cmd.Flags().StringVar(&opts.Address, "address", "", "program address (required)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "image name; defaults to the file name")
	_ = cmd.MarkFlagRequired("address")
	return cmd
}

func runProgramAdd(opts *ProgramOptions, file string, cmd *cobra.Command) error {
	out := opts.formatter(cmd)
	kind := ir.ImageKind(opts.Kind)
	if kind != ir.ImageLua && kind != ir.ImageContainer {
		return out.fail(ExitCommandError, CodeConfig, fmt.Sprintf("unknown image kind %q", opts.Kind), nil)
	}
	program, err := ir.ParseAddress(opts.Address)
	if err != nil {
		return out.fail(ExitCommandError, CodeConfig, "invalid program address", err)
	}
	code, err := os.ReadFile(file)
	if err != nil {
		return out.fail(ExitCommandError, CodeNotFound, "failed to read image", err)
	}

	l, cfg, closer, err := opts.openLedger(opts.Database)
	if err != nil {
		return err
	}
	defer closer()
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	name := opts.Name
	if name == "" {
		name = filepath.Base(file)
	}
	fetcher := runner.DirFetcher{Dir: cfg.Runner.ArtifactDir}
	ref, err := engine.Deploy(ctx, l, fetcher, program, kind, name, code)
	if err != nil {
		return out.fail(ExitCommandError, CodeStore, "failed to register program", err)
	}
	out.VerboseLog("stored %d bytes", len(code))
	return out.Success(ProgramResult{
		Program: ref.Program.String(),
		Kind:    ref.Kind,
		Hash:    ref.Hash,
		Name:    ref.Name,
		Path:    filepath.Join(cfg.Runner.ArtifactDir, ref.Hash),
	})
}
