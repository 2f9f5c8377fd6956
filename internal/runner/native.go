package runner

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/roach88/ledgerd/internal/ir"
)

// Native executes the built-in transaction kinds. Its deltas are pure
// functions of the transaction.
type Native struct{}

// Run implements Runner.
func (Native) Run(_ context.Context, inv Invocation) (Outcome, error) {
	tx := inv.Tx
	delta := make(ir.Delta)
	switch tx.Kind {
	case ir.KindTransfer:
		if err := delta.Debit(tx.From, tx.Program, tx.Value); err != nil {
			return Outcome{}, err
		}
		if err := delta.Credit(tx.To, tx.Program, tx.Value); err != nil {
			return Outcome{}, err
		}
	case ir.KindDeposit:
		var p ir.DepositPayload
		if err := json.Unmarshal(tx.Payload, &p); err != nil {
			return Outcome{}, fmt.Errorf("deposit payload: %w", err)
		}
		if err := delta.Credit(p.Account, p.Asset, p.Amount); err != nil {
			return Outcome{}, err
		}
	case ir.KindCompensation:
		var p ir.CompensationPayload
		if err := json.Unmarshal(tx.Payload, &p); err != nil {
			return Outcome{}, fmt.Errorf("compensation payload: %w", err)
		}
		delta = p.Delta
	default:
		return Outcome{}, fmt.Errorf("native runner cannot execute %s", tx.Kind)
	}
	return Outcome{Status: ir.StatusSuccess, Delta: delta}, nil
}
