// Package runner executes program invocations in isolation.
//
// A Runner receives an image, the transaction, a read-only snapshot of the
// accounts it may read and resource limits. All effects are returned as a
// proposed delta; runners never touch account state. A returned error is a
// sandbox crash and is terminal for the transaction.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/ledgerd/internal/ir"
)

var (
	// ErrStepLimit is returned when a program exhausts its step budget.
	ErrStepLimit = errors.New("step limit exceeded")
	// ErrMemoryLimit is returned when a program exhausts its memory budget.
	ErrMemoryLimit = errors.New("memory limit exceeded")
)

// Limits bounds one invocation.
type Limits struct {
	// Steps caps interpreter instructions. 0 means unlimited.
	Steps uint64 `json:"steps"`
	// Memory caps sandbox memory in bytes. 0 means unlimited. Container
	// runners pass it to the runtime. The Lua runner charges its code, the
	// strings it hands to the program and the bytes the program hands back.
	Memory int64 `json:"memory"`
	// Timeout is the hard wall-clock bound. Callers also set it on ctx.
	Timeout time.Duration `json:"timeout"`
}

// Invocation is the input envelope of one run.
type Invocation struct {
	TxID     string                    `json:"tx_id"`
	Tx       ir.Transaction            `json:"tx"`
	Image    ir.ProgramImage           `json:"-"`
	Snapshot map[ir.Address]ir.Account `json:"snapshot"`
	Limits   Limits                    `json:"limits"`
}

// Outcome is the output envelope of one run.
type Outcome struct {
	// Status is StatusSuccess or StatusReverted. A program that reverts
	// produces no delta.
	Status ir.Status `json:"status"`
	Delta  ir.Delta  `json:"delta,omitempty"`
	Logs   []string  `json:"logs,omitempty"`
	Reason string    `json:"reason,omitempty"`
	Steps  uint64    `json:"steps"`
}

// Runner executes one invocation.
type Runner interface {
	Run(ctx context.Context, inv Invocation) (Outcome, error)
}

// Func adapts a function to Runner.
type Func func(ctx context.Context, inv Invocation) (Outcome, error)

// Run calls f.
func (f Func) Run(ctx context.Context, inv Invocation) (Outcome, error) {
	return f(ctx, inv)
}

// Set routes call invocations by image kind and built-in kinds to Native.
type Set struct {
	Native Runner
	ByKind map[ir.ImageKind]Runner
}

// Run dispatches inv to the runner for its kind.
func (s Set) Run(ctx context.Context, inv Invocation) (Outcome, error) {
	if inv.Tx.Kind != ir.KindCall {
		if s.Native == nil {
			return Outcome{}, fmt.Errorf("no native runner for %s", inv.Tx.Kind)
		}
		return s.Native.Run(ctx, inv)
	}
	r, ok := s.ByKind[inv.Image.Ref.Kind]
	if !ok {
		return Outcome{}, fmt.Errorf("no runner for %s images", inv.Image.Ref.Kind)
	}
	return r.Run(ctx, inv)
}

// NeedsImage reports whether executing tx requires resolving a program
// image.
func NeedsImage(tx ir.Transaction) bool {
	return tx.Kind == ir.KindCall
}

func reverted(reason string, steps uint64, logs []string) Outcome {
	return Outcome{Status: ir.StatusReverted, Reason: reason, Steps: steps, Logs: logs}
}
