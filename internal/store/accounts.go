package store

import (
	"context"
	"iter"

	"github.com/roach88/ledgerd/internal/ir"
)

// AccountPrefix is the key prefix of account records.
const AccountPrefix = "acct/"

// AccountKey returns the storage key of addr.
func AccountKey(addr ir.Address) string {
	return AccountPrefix + addr.String()
}

// Accounts reads and writes ir.Account records. The returned version is the
// backend's compare-and-set version of the record, not Account.Version.
type Accounts struct {
	kv Backend
}

// NewAccounts wraps kv.
func NewAccounts(kv Backend) *Accounts {
	return &Accounts{kv: kv}
}

// Load reads addr. Returns ErrNotFound for an account never written.
func (a *Accounts) Load(ctx context.Context, addr ir.Address) (ir.Account, uint64, error) {
	return GetJSON[ir.Account](ctx, a.kv, AccountKey(addr))
}

// Save writes acct if the stored version equals expected.
func (a *Accounts) Save(ctx context.Context, acct ir.Account, expected uint64) (uint64, error) {
	return PutJSON(ctx, a.kv, AccountKey(acct.Address), acct, expected)
}

// AccountSave is one account record of SaveAll.
type AccountSave struct {
	Account  ir.Account
	Expected uint64
}

// SaveAll writes every account together with records in one atomic Write.
// It returns the new account versions in order.
func (a *Accounts) SaveAll(ctx context.Context, saves []AccountSave, records []Op) ([]uint64, error) {
	ops := make([]Op, 0, len(saves)+len(records))
	for _, sv := range saves {
		op, err := JSONOp(AccountKey(sv.Account.Address), sv.Account, sv.Expected)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	ops = append(ops, records...)
	versions, err := a.kv.Write(ctx, ops)
	if err != nil {
		return nil, err
	}
	return versions[:len(saves)], nil
}

// Scan yields every stored account in address order.
func (a *Accounts) Scan(ctx context.Context) iter.Seq2[ir.Account, error] {
	return ScanJSON[ir.Account](ctx, a.kv, AccountPrefix)
}
