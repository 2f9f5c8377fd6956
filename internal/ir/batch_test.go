package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func transferEntry(id string, nonce uint64, from, to Address, amt uint64) BatchEntry {
	d := Delta{}
	_ = d.Debit(from, gold, NewAmount(amt))
	_ = d.Credit(to, gold, NewAmount(amt))
	return BatchEntry{TxID: id, Sender: from, Nonce: nonce, Status: StatusSuccess, Delta: d}
}

func TestDigestDeterministic(t *testing.T) {
	entries := []BatchEntry{
		transferEntry("t1", 0, alice, bob, 5),
		{TxID: "t2", Sender: alice, Nonce: 1, Status: StatusSandboxFault, Reason: "timeout"},
		transferEntry("t3", 0, bob, alice, 1),
	}

	d1, err := ComputeDigest(entries)
	require.NoError(t, err)
	d2, err := ComputeDigest(entries)
	require.NoError(t, err)
	assert.Equal(t, d1, d2)

	// Reason, seq and priors do not participate.
	entries[1].Reason = "crash"
	entries[1].Seq = 99
	d3, err := ComputeDigest(entries)
	require.NoError(t, err)
	assert.Equal(t, d1, d3)

	// Order does.
	swapped := []BatchEntry{entries[2], entries[1], entries[0]}
	d4, err := ComputeDigest(swapped)
	require.NoError(t, err)
	assert.NotEqual(t, d1, d4)

	empty, err := ComputeDigest(nil)
	require.NoError(t, err)
	assert.Equal(t, "0000000000000000000000000000000000000000000000000000000000000000", empty)
}

func TestBatchVerify(t *testing.T) {
	b := Batch{Number: 1, Entries: []BatchEntry{transferEntry("t1", 0, alice, bob, 5)}}
	digest, err := ComputeDigest(b.Entries)
	require.NoError(t, err)
	b.Digest = digest
	require.NoError(t, b.Verify())

	b.Entries[0].Nonce = 1
	assert.Error(t, b.Verify())
}

func TestBatchTouched(t *testing.T) {
	b := Batch{Entries: []BatchEntry{
		transferEntry("t1", 0, bob, alice, 5),
		{TxID: "t2", Sender: prog, Status: StatusReverted},
	}}
	assert.Equal(t, []Address{alice, bob, prog}, b.Touched())
}

func TestBatchCompensationRestoresPreBatchState(t *testing.T) {
	a := NewAccount(alice)
	a.Balances = map[Address]Amount{gold: NewAmount(10)}
	a.Programs = map[Address][]byte{prog: []byte("old")}
	b := NewAccount(bob)

	e1 := transferEntry("t1", 0, alice, bob, 4)
	e2 := transferEntry("t2", 0, bob, alice, 1)
	e3 := BatchEntry{TxID: "t3", Sender: alice, Nonce: 1, Status: StatusSuccess, Delta: Delta{}}
	e3.Delta.SetState(alice, prog, []byte("new"))
	e3.Prior = map[Address]map[Address][]byte{alice: {prog: []byte("old")}}
	e4 := BatchEntry{TxID: "t4", Sender: alice, Nonce: 2, Status: StatusSandboxFault}
	batch := Batch{Entries: []BatchEntry{e1, e2, e3, e4}}

	// Play the batch forward.
	for _, e := range batch.Entries {
		for _, addr := range e.Delta.Addresses() {
			var err error
			if addr == alice {
				a, err = e.Delta[addr].Apply(a)
			} else {
				b, err = e.Delta[addr].Apply(b)
			}
			require.NoError(t, err)
		}
	}
	assert.Equal(t, NewAmount(7), a.Balance(gold))
	assert.Equal(t, NewAmount(3), b.Balance(gold))

	comp, err := batch.Compensation()
	require.NoError(t, err)

	a, err = comp[alice].Apply(a)
	require.NoError(t, err)
	b, err = comp[bob].Apply(b)
	require.NoError(t, err)

	assert.Equal(t, NewAmount(10), a.Balance(gold))
	assert.True(t, b.Balance(gold).IsZero())
	assert.Equal(t, []byte("old"), a.Programs[prog])
}
