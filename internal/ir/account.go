package ir

import (
	"encoding/hex"
	"fmt"
	"maps"
	"slices"
)

// Finality is the settlement status of an account's latest committed state.
type Finality string

const (
	FinalityPending   Finality = "pending"
	FinalityConfirmed Finality = "confirmed"
	FinalityReverted  Finality = "reverted"
)

// Account is the authoritative state of one address.
//
// Version counts commits and backs the optimistic lease check. Batch is the
// number of the last batch that committed to the account; finality markers
// for older batches never overwrite the state of a newer one.
type Account struct {
	Address  Address            `json:"address"`
	Nonce    uint64             `json:"nonce"`
	Balances map[Address]Amount `json:"balances,omitempty"`
	Programs map[Address][]byte `json:"programs,omitempty"`
	Finality Finality           `json:"finality"`
	Version  uint64             `json:"version"`
	Batch    uint64             `json:"batch"`
}

// NewAccount returns the empty state of addr.
func NewAccount(addr Address) Account {
	return Account{Address: addr, Finality: FinalityPending}
}

// Balance returns the holding of asset, zero if absent.
func (a Account) Balance(asset Address) Amount {
	return a.Balances[asset]
}

// Clone returns a deep copy safe to hand to another actor.
func (a Account) Clone() Account {
	out := a
	out.Balances = maps.Clone(a.Balances)
	if a.Programs != nil {
		out.Programs = make(map[Address][]byte, len(a.Programs))
		for k, v := range a.Programs {
			out.Programs[k] = slices.Clone(v)
		}
	}
	return out
}

// Mutation is the proposed change to a single account.
// An empty State blob deletes the program binding.
type Mutation struct {
	Credits map[Address]Amount `json:"credits,omitempty"`
	Debits  map[Address]Amount `json:"debits,omitempty"`
	State   map[Address][]byte `json:"state,omitempty"`
}

// IsEmpty reports whether m changes nothing.
func (m Mutation) IsEmpty() bool {
	return len(m.Credits) == 0 && len(m.Debits) == 0 && len(m.State) == 0
}

// Apply returns a copy of acct with m applied. Credits are applied before
// debits. A debit larger than the resulting balance fails with
// ErrInsufficientBalance and leaves acct untouched.
func (m Mutation) Apply(acct Account) (Account, error) {
	out := acct.Clone()
	if out.Balances == nil {
		out.Balances = make(map[Address]Amount)
	}
	for _, asset := range sortedKeys(m.Credits) {
		sum, err := out.Balances[asset].Add(m.Credits[asset])
		if err != nil {
			return acct, fmt.Errorf("credit %s on %s: %w", asset, acct.Address, err)
		}
		out.Balances[asset] = sum
	}
	for _, asset := range sortedKeys(m.Debits) {
		rest, err := out.Balances[asset].Sub(m.Debits[asset])
		if err != nil {
			return acct, fmt.Errorf("debit %s %s on %s: %w", m.Debits[asset], asset, acct.Address, err)
		}
		out.Balances[asset] = rest
	}
	for asset, bal := range out.Balances {
		if bal.IsZero() {
			delete(out.Balances, asset)
		}
	}
	if len(out.Balances) == 0 {
		out.Balances = nil
	}
	for program, blob := range m.State {
		if len(blob) == 0 {
			delete(out.Programs, program)
			continue
		}
		if out.Programs == nil {
			out.Programs = make(map[Address][]byte)
		}
		out.Programs[program] = slices.Clone(blob)
	}
	if len(out.Programs) == 0 {
		out.Programs = nil
	}
	return out, nil
}

// Clamp returns m with every debit reduced to what acct can cover after
// credits, plus the uncovered remainder per asset.
func (m Mutation) Clamp(acct Account) (Mutation, map[Address]Amount) {
	out := Mutation{Credits: maps.Clone(m.Credits), State: m.State}
	var shortfall map[Address]Amount
	for asset, debit := range m.Debits {
		avail, err := acct.Balance(asset).Add(m.Credits[asset])
		if err != nil {
			avail = acct.Balance(asset)
		}
		take := debit.Min(avail)
		if take.Cmp(debit) < 0 {
			if shortfall == nil {
				shortfall = make(map[Address]Amount)
			}
			shortfall[asset], _ = debit.Sub(take)
		}
		if take.IsZero() {
			continue
		}
		if out.Debits == nil {
			out.Debits = make(map[Address]Amount)
		}
		out.Debits[asset] = take
	}
	return out, shortfall
}

func (m Mutation) canonical() map[string]any {
	obj := map[string]any{}
	if len(m.Credits) > 0 {
		obj["credits"] = amountsCanonical(m.Credits)
	}
	if len(m.Debits) > 0 {
		obj["debits"] = amountsCanonical(m.Debits)
	}
	if len(m.State) > 0 {
		state := make(map[string]any, len(m.State))
		for k, v := range m.State {
			state[k.String()] = hex.EncodeToString(v)
		}
		obj["state"] = state
	}
	return obj
}

// Delta is the set of per-account mutations produced by one execution.
type Delta map[Address]Mutation

// Addresses returns the touched accounts in lease order.
func (d Delta) Addresses() []Address {
	return sortedKeys(d)
}

// Credit merges a credit of amount of asset on addr into d.
func (d Delta) Credit(addr, asset Address, amount Amount) error {
	m := d[addr]
	if m.Credits == nil {
		m.Credits = make(map[Address]Amount)
	}
	sum, err := m.Credits[asset].Add(amount)
	if err != nil {
		return err
	}
	m.Credits[asset] = sum
	d[addr] = m
	return nil
}

// Debit merges a debit of amount of asset on addr into d.
func (d Delta) Debit(addr, asset Address, amount Amount) error {
	m := d[addr]
	if m.Debits == nil {
		m.Debits = make(map[Address]Amount)
	}
	sum, err := m.Debits[asset].Add(amount)
	if err != nil {
		return err
	}
	m.Debits[asset] = sum
	d[addr] = m
	return nil
}

// SetState records a program state write on addr.
func (d Delta) SetState(addr, program Address, blob []byte) {
	m := d[addr]
	if m.State == nil {
		m.State = make(map[Address][]byte)
	}
	m.State[program] = slices.Clone(blob)
	d[addr] = m
}

func (d Delta) canonical() map[string]any {
	obj := make(map[string]any, len(d))
	for addr, m := range d {
		obj[addr.String()] = m.canonical()
	}
	return obj
}

func amountsCanonical(m map[Address]Amount) map[string]any {
	obj := make(map[string]any, len(m))
	for k, v := range m {
		obj[k.String()] = v.String()
	}
	return obj
}

func sortedKeys[V any](m map[Address]V) []Address {
	keys := slices.Collect(maps.Keys(m))
	slices.SortFunc(keys, Address.Compare)
	return keys
}
