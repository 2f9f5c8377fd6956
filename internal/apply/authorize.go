package apply

import (
	"fmt"
	"maps"
	"slices"

	"github.com/roach88/ledgerd/internal/ir"
)

// authorize checks that a user result only proposes writes its sender may
// make:
//   - debits only on the sender
//   - state only under the called program
//   - every asset conserved, except a program's own asset which it may
//     mint and burn
//
// Synthetic results are produced by the node itself and always pass.
func authorize(r ir.ExecutionResult) error {
	if r.Kind.Synthetic() {
		return nil
	}
	credits := map[ir.Address]ir.Amount{}
	debits := map[ir.Address]ir.Amount{}
	for _, addr := range r.Delta.Addresses() {
		m := r.Delta[addr]
		if len(m.Debits) > 0 && addr != r.Sender {
			return fmt.Errorf("debit of %s not authorized by %s", addr, r.Sender)
		}
		for program := range m.State {
			if r.Kind != ir.KindCall || program != r.Program {
				return fmt.Errorf("state of program %s on %s is not writable by this call", program, addr)
			}
		}
		if err := accumulate(credits, m.Credits); err != nil {
			return err
		}
		if err := accumulate(debits, m.Debits); err != nil {
			return err
		}
	}

	assets := slices.Collect(maps.Keys(credits))
	for asset := range debits {
		if _, ok := credits[asset]; !ok {
			assets = append(assets, asset)
		}
	}
	slices.SortFunc(assets, ir.Address.Compare)
	for _, asset := range assets {
		if r.Kind == ir.KindCall && asset == r.Program {
			continue
		}
		if credits[asset].Cmp(debits[asset]) != 0 {
			return fmt.Errorf("asset %s not conserved: credits %s, debits %s", asset, credits[asset], debits[asset])
		}
	}
	return nil
}

func accumulate(into, from map[ir.Address]ir.Amount) error {
	for asset, amt := range from {
		sum, err := into[asset].Add(amt)
		if err != nil {
			return fmt.Errorf("asset %s: %w", asset, err)
		}
		into[asset] = sum
	}
	return nil
}
