package ir

import (
	"encoding/hex"
	"fmt"
	"slices"
	"time"
)

// BatchEntry is one committed transaction inside a batch. Failed
// transactions are entries too: they consume their nonce.
//
// Prior holds the program blobs each state write replaced, keyed by account
// then program. It feeds compensation and is excluded from the digest.
type BatchEntry struct {
	TxID   string                         `json:"tx_id"`
	Seq    int64                          `json:"seq"`
	Kind   TxKind                         `json:"kind"`
	Sender Address                        `json:"sender"`
	Nonce  uint64                         `json:"nonce"`
	Status Status                         `json:"status"`
	Reason string                         `json:"reason,omitempty"`
	Delta  Delta                          `json:"delta,omitempty"`
	Prior  map[Address]map[Address][]byte `json:"prior,omitempty"`
}

func (e BatchEntry) canonical() map[string]any {
	return map[string]any{
		"tx_id":  e.TxID,
		"sender": e.Sender.String(),
		"nonce":  e.Nonce,
		"status": string(e.Status),
		"delta":  e.Delta.canonical(),
	}
}

// Batch is a sealed, ordered group of committed transactions.
type Batch struct {
	Number   uint64       `json:"number"`
	Entries  []BatchEntry `json:"entries"`
	Digest   string       `json:"digest"`
	SealedAt time.Time    `json:"sealed_at"`
}

// TxIDs returns the ordered transaction ids.
func (b Batch) TxIDs() []string {
	ids := make([]string, len(b.Entries))
	for i, e := range b.Entries {
		ids[i] = e.TxID
	}
	return ids
}

// Touched returns every account whose state the batch changed: senders
// (nonce) and delta targets, in lease order.
func (b Batch) Touched() []Address {
	var addrs []Address
	for _, e := range b.Entries {
		addrs = append(addrs, e.Sender)
		addrs = append(addrs, e.Delta.Addresses()...)
	}
	return SortAddresses(addrs)
}

// DigestChain accumulates the cumulative batch digest:
//
//	acc_0 = 0^32
//	acc_i = SHA256(DomainBatch || 0x00 || acc_{i-1} || canonical(entry_i))
//
// The digest is a deterministic function of the ordered entries.
type DigestChain struct {
	acc [32]byte
	n   int
}

// Append folds e into the chain.
func (c *DigestChain) Append(e BatchEntry) error {
	canonical, err := MarshalCanonical(e.canonical())
	if err != nil {
		return fmt.Errorf("digest entry %s: %w", e.TxID, err)
	}
	c.acc = hashWithDomain(DomainBatch, c.acc[:], canonical)
	c.n++
	return nil
}

// Len returns the number of appended entries.
func (c *DigestChain) Len() int {
	return c.n
}

// Sum returns the hex digest of everything appended so far.
func (c *DigestChain) Sum() string {
	return hex.EncodeToString(c.acc[:])
}

// ComputeDigest recomputes the digest of an ordered entry list.
func ComputeDigest(entries []BatchEntry) (string, error) {
	var c DigestChain
	for _, e := range entries {
		if err := c.Append(e); err != nil {
			return "", err
		}
	}
	return c.Sum(), nil
}

// Verify recomputes the digest and compares it with the sealed value.
func (b Batch) Verify() error {
	got, err := ComputeDigest(b.Entries)
	if err != nil {
		return err
	}
	if got != b.Digest {
		return fmt.Errorf("batch %d: digest mismatch: sealed %s, recomputed %s", b.Number, b.Digest, got)
	}
	return nil
}

// Compensation builds the delta that undoes every successful entry of b.
// Credits and debits are netted per account and asset; program state is
// restored to the earliest prior value seen in the batch.
func (b Batch) Compensation() (Delta, error) {
	type key struct{ acct, asset Address }
	credited := map[key]Amount{}
	debited := map[key]Amount{}
	var order []key
	seen := map[key]bool{}
	track := func(k key) {
		if !seen[k] {
			seen[k] = true
			order = append(order, k)
		}
	}

	restore := map[Address]map[Address][]byte{}
	for _, e := range b.Entries {
		if e.Status != StatusSuccess {
			continue
		}
		for _, addr := range e.Delta.Addresses() {
			m := e.Delta[addr]
			for asset, amt := range m.Credits {
				k := key{addr, asset}
				track(k)
				sum, err := credited[k].Add(amt)
				if err != nil {
					return nil, err
				}
				credited[k] = sum
			}
			for asset, amt := range m.Debits {
				k := key{addr, asset}
				track(k)
				sum, err := debited[k].Add(amt)
				if err != nil {
					return nil, err
				}
				debited[k] = sum
			}
			for program := range m.State {
				if restore[addr] == nil {
					restore[addr] = map[Address][]byte{}
				}
				if _, done := restore[addr][program]; done {
					continue
				}
				restore[addr][program] = slices.Clone(e.Prior[addr][program])
				if restore[addr][program] == nil {
					restore[addr][program] = []byte{}
				}
			}
		}
	}

	out := Delta{}
	for _, k := range order {
		c, d := credited[k], debited[k]
		switch c.Cmp(d) {
		case 1:
			net, _ := c.Sub(d)
			if err := out.Debit(k.acct, k.asset, net); err != nil {
				return nil, err
			}
		case -1:
			net, _ := d.Sub(c)
			if err := out.Credit(k.acct, k.asset, net); err != nil {
				return nil, err
			}
		}
	}
	for addr, programs := range restore {
		for program, blob := range programs {
			out.SetState(addr, program, blob)
		}
	}
	return out, nil
}
