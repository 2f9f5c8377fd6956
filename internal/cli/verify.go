package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// VerifyOptions holds flags for the verify command.
type VerifyOptions struct {
	*RootOptions
	Database string
}

// VerifyResult reports digest verification over every sealed batch.
type VerifyResult struct {
	Batches    int      `json:"batches"`
	Entries    int      `json:"entries"`
	Mismatches []string `json:"mismatches,omitempty"`
}

func (r VerifyResult) String() string {
	if len(r.Mismatches) == 0 {
		return fmt.Sprintf("✓ %d batches (%d entries) verified", r.Batches, r.Entries)
	}
	s := fmt.Sprintf("✗ %d of %d batches failed verification", len(r.Mismatches), r.Batches)
	for _, m := range r.Mismatches {
		s += "\n  " + m
	}
	return s
}

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &VerifyOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Recompute every batch digest from stored entries",
		Long: `Recompute the digest of every sealed batch from its stored entries and
compare it with the sealed value.

Exit codes:
  0 - every batch verified
  1 - at least one digest mismatch
  2 - command error

Example:
  ledgerd verify --db ./ledgerd.db`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(opts, cmd)
		},
	}
	storeFlag(cmd, &opts.Database)
	return cmd
}

func runVerify(opts *VerifyOptions, cmd *cobra.Command) error {
	out := opts.formatter(cmd)
	l, _, closer, err := opts.openLedger(opts.Database)
	if err != nil {
		return err
	}
	defer closer()
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	var result VerifyResult
	for h, err := range l.Headers(ctx) {
		if err != nil {
			return out.fail(ExitCommandError, CodeStore, "failed to list batches", err)
		}
		b, err := l.Batch(ctx, h.Number)
		if err != nil {
			return out.fail(ExitCommandError, CodeStore, fmt.Sprintf("failed to read batch %d", h.Number), err)
		}
		result.Batches++
		result.Entries += len(b.Entries)
		out.VerboseLog("batch %d: %d entries", b.Number, len(b.Entries))
		if err := b.Verify(); err != nil {
			result.Mismatches = append(result.Mismatches, err.Error())
		}
	}

	if len(result.Mismatches) > 0 {
		if opts.Format == "json" {
			if err := out.Error(CodeVerify, "digest mismatch", result); err != nil {
				return err
			}
		} else {
			fmt.Fprintln(out.Writer, result)
		}
		return NewExitError(ExitFailure, fmt.Sprintf("%d batches failed verification", len(result.Mismatches)))
	}
	return out.Success(result)
}
