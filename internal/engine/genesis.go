package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/ledgerd/internal/actor"
	"github.com/roach88/ledgerd/internal/config"
	"github.com/roach88/ledgerd/internal/ir"
	"github.com/roach88/ledgerd/internal/ledger"
	"github.com/roach88/ledgerd/internal/store"
)

const genesisKey = "initialized"

// seed writes the configured genesis accounts once per store.
func (n *Node) seed(ctx context.Context) error {
	done, _, err := ledger.GetMeta[bool](ctx, n.ledger, genesisKey)
	if err != nil || done {
		return err
	}
	accts, err := GenesisAccounts(n.cfg.Genesis)
	if err != nil {
		return err
	}
	if err := WriteGenesis(ctx, store.NewAccounts(n.backend), accts); err != nil {
		return err
	}
	if err := ledger.SetMeta(ctx, n.ledger, genesisKey, true); err != nil {
		return err
	}
	n.log.Info("genesis written", "accounts", len(accts))
	return nil
}

// GenesisAccounts converts configured genesis entries to accounts.
func GenesisAccounts(entries []config.Genesis) ([]ir.Account, error) {
	out := make([]ir.Account, 0, len(entries))
	seen := make(map[ir.Address]bool, len(entries))
	for i, g := range entries {
		addr, err := ir.ParseAddress(g.Address)
		if err != nil {
			return nil, fmt.Errorf("genesis[%d]: %w", i, err)
		}
		if seen[addr] {
			return nil, fmt.Errorf("genesis[%d]: duplicate account %s", i, addr)
		}
		seen[addr] = true

		acct := ir.NewAccount(addr)
		acct.Finality = ir.FinalityConfirmed
		for asset, amount := range g.Balances {
			a, err := ir.ParseAddress(asset)
			if err != nil {
				return nil, fmt.Errorf("genesis[%d] asset %q: %w", i, asset, err)
			}
			v, err := ir.ParseAmount(amount)
			if err != nil {
				return nil, fmt.Errorf("genesis[%d] amount %q: %w", i, amount, err)
			}
			if acct.Balances == nil {
				acct.Balances = make(map[ir.Address]ir.Amount)
			}
			acct.Balances[a] = v
		}
		out = append(out, acct)
	}
	return out, nil
}

// WriteGenesis creates every account. Accounts that already exist are
// left untouched, so an interrupted seed can be rerun.
func WriteGenesis(ctx context.Context, accts *store.Accounts, genesis []ir.Account) error {
	for _, acct := range genesis {
		_, err := accts.Save(ctx, acct, 0)
		if err != nil && !errors.Is(err, store.ErrVersionConflict) {
			return fmt.Errorf("genesis %s: %w", acct.Address, err)
		}
	}
	return nil
}

// resumeClock continues intake sequence numbers past every entry already
// in the ledger, so batch order stays monotonic across restarts.
func resumeClock(ctx context.Context, l *ledger.Ledger) (*actor.Clock, error) {
	last, err := l.LastBatch(ctx)
	if err != nil {
		return nil, err
	}
	var top int64
	for _, n := range []uint64{last, last + 1} {
		if n == 0 {
			continue
		}
		entries, err := l.Entries(ctx, n)
		if err != nil {
			return nil, fmt.Errorf("resume sequence: %w", err)
		}
		for _, e := range entries {
			top = max(top, e.Seq)
		}
	}
	return actor.NewClockAt(top), nil
}
