package cli

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/ledgerd/internal/ir"
	"github.com/roach88/ledgerd/internal/ledger"
)

// BatchesOptions holds flags for the batches command.
type BatchesOptions struct {
	*RootOptions
	Database string
}

// BatchSummary is one sealed batch with its settlement and DA state.
type BatchSummary struct {
	Number     uint64             `json:"number"`
	Digest     string             `json:"digest"`
	Count      int                `json:"count"`
	Settlement ir.SettlementState `json:"settlement"`
	Published  ir.PublishState    `json:"published,omitempty"`
	Handle     string             `json:"handle,omitempty"`
}

// BatchList renders as a table in text mode.
type BatchList []BatchSummary

func (l BatchList) String() string {
	if len(l) == 0 {
		return "No sealed batches."
	}
	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "BATCH\tENTRIES\tSETTLEMENT\tDA\tDIGEST")
	for _, s := range l {
		fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\n", s.Number, s.Count, s.Settlement, s.Published, short(s.Digest))
	}
	w.Flush()
	return strings.TrimRight(b.String(), "\n")
}

// BatchDetail is one batch with its entries.
type BatchDetail struct {
	BatchSummary
	Entries []ir.BatchEntry `json:"entries"`
}

func (d BatchDetail) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "batch %d  digest %s\nsettlement %s  da %s", d.Number, d.Digest, d.Settlement, d.Published)
	if d.Handle != "" {
		fmt.Fprintf(&b, " (%s)", d.Handle)
	}
	for i, e := range d.Entries {
		fmt.Fprintf(&b, "\n%4d  %-12s %s#%d  %s", i, e.Kind, short(e.Sender.String()), e.Nonce, e.Status)
		if e.Reason != "" {
			fmt.Fprintf(&b, "  %s", e.Reason)
		}
	}
	return b.String()
}

func short(s string) string {
	if len(s) <= 14 {
		return s
	}
	return s[:14]
}

// NewBatchesCommand creates the batches command.
func NewBatchesCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &BatchesOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "batches [number]",
		Short: "List sealed batches or show one",
		Long: `List sealed batches with their settlement and DA state, or show the
entries of one batch.

Examples:
  ledgerd batches --db ./ledgerd.db
  ledgerd batches --db ./ledgerd.db 12 --format json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBatches(opts, args, cmd)
		},
	}
	storeFlag(cmd, &opts.Database)
	return cmd
}

func runBatches(opts *BatchesOptions, args []string, cmd *cobra.Command) error {
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

	if len(args) == 1 {
		n, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil || n == 0 {
			return out.fail(ExitCommandError, CodeNotFound, fmt.Sprintf("invalid batch number %q", args[0]), err)
		}
		b, err := l.Batch(ctx, n)
		if errors.Is(err, ledger.ErrNotFound) {
			return out.fail(ExitCommandError, CodeNotFound, fmt.Sprintf("batch %d not found", n), nil)
		}
		if err != nil {
			return out.fail(ExitCommandError, CodeStore, "failed to read batch", err)
		}
		h := ledger.Header{Number: b.Number, Digest: b.Digest, Count: len(b.Entries)}
		sum, err := summarize(ctx, l, h)
		if err != nil {
			return out.fail(ExitCommandError, CodeStore, "failed to read batch state", err)
		}
		return out.Success(BatchDetail{BatchSummary: sum, Entries: b.Entries})
	}

	list := BatchList{}
	for h, err := range l.Headers(ctx) {
		if err != nil {
			return out.fail(ExitCommandError, CodeStore, "failed to list batches", err)
		}
		sum, err := summarize(ctx, l, h)
		if err != nil {
			return out.fail(ExitCommandError, CodeStore, "failed to read batch state", err)
		}
		list = append(list, sum)
	}
	return out.Success(list)
}

func summarize(ctx context.Context, l *ledger.Ledger, h ledger.Header) (BatchSummary, error) {
	s := BatchSummary{Number: h.Number, Digest: h.Digest, Count: h.Count}
	rec, err := l.Settlement(ctx, h.Number)
	switch {
	case err == nil:
		s.Settlement = rec.State
	case errors.Is(err, ledger.ErrNotFound):
		s.Settlement = ir.SettlementSealed
	default:
		return s, err
	}
	pub, err := l.Publication(ctx, h.Number)
	switch {
	case err == nil:
		s.Published, s.Handle = pub.State, pub.Handle
	case errors.Is(err, ledger.ErrNotFound):
	default:
		return s, err
	}
	return s, nil
}
