package accounts

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ledgerd/internal/ir"
	"github.com/roach88/ledgerd/internal/metrics"
	"github.com/roach88/ledgerd/internal/store"
	"github.com/roach88/ledgerd/internal/testutil"
)

var (
	alice = ir.MustParseAddress("0x00000000000000000000000000000000000000a1")
	bob   = ir.MustParseAddress("0x00000000000000000000000000000000000000b0")
	carol = ir.MustParseAddress("0x00000000000000000000000000000000000000c0")
	dave  = ir.MustParseAddress("0x00000000000000000000000000000000000000d0")
	gold  = ir.MustParseAddress("0x0000000000000000000000000000000000000901")
)

type fixture struct {
	cache   *Cache
	kv      *store.Store
	accts   *store.Accounts
	metrics *metrics.Metrics
	clock   *testutil.ManualClock
}

func newFixture(t *testing.T, capacity int) *fixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "accounts.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	f := &fixture{
		kv:      s,
		accts:   store.NewAccounts(s),
		metrics: metrics.NewNop(),
		clock:   testutil.NewManualClock(time.Unix(1000, 0)),
	}
	f.cache = New(f.accts, Config{Capacity: capacity, LeaseTTL: time.Second, CallTimeout: 5 * time.Second},
		WithMetrics(f.metrics), WithClock(f.clock.Now))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.cache.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return f
}

func credit(asset ir.Address, n uint64) ir.Mutation {
	return ir.Mutation{Credits: map[ir.Address]ir.Amount{asset: ir.NewAmount(n)}}
}

func debit(asset ir.Address, n uint64) ir.Mutation {
	return ir.Mutation{Debits: map[ir.Address]ir.Amount{asset: ir.NewAmount(n)}}
}

func TestGetReadThrough(t *testing.T) {
	f := newFixture(t, 8)
	ctx := context.Background()

	seeded := ir.NewAccount(alice)
	seeded.Nonce = 3
	_, err := f.accts.Save(ctx, seeded, 0)
	require.NoError(t, err)

	acct, err := f.cache.Get(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), acct.Nonce)

	_, err = f.cache.Get(ctx, alice)
	require.NoError(t, err)

	fresh, err := f.cache.Get(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), fresh.Nonce)
	assert.Equal(t, ir.FinalityPending, fresh.Finality)

	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.CacheMisses))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.CacheHits))
}

func TestCommitWritesThrough(t *testing.T) {
	f := newFixture(t, 8)
	ctx := context.Background()

	lease, err := f.cache.ReserveWrite(ctx, alice)
	require.NoError(t, err)

	acct, err := f.cache.Commit(ctx, lease, credit(gold, 10), CommitOptions{AdvanceNonce: true, FromNonce: 0, Batch: 1})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), acct.Nonce)
	assert.Equal(t, uint64(1), acct.Version)
	assert.Equal(t, uint64(1), acct.Batch)

	stored, _, err := f.accts.Load(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stored.Nonce, "commit returns only after the store has the write")
	assert.Equal(t, ir.NewAmount(10), stored.Balance(gold))

	// The lease was consumed.
	_, err = f.cache.Commit(ctx, lease, credit(gold, 1), CommitOptions{})
	assert.True(t, IsConflict(err))
}

func TestCommitAllIsAtomic(t *testing.T) {
	f := newFixture(t, 8)
	ctx := context.Background()

	la, err := f.cache.ReserveWrite(ctx, alice)
	require.NoError(t, err)
	lb, err := f.cache.ReserveWrite(ctx, bob)
	require.NoError(t, err)

	record, err := store.JSONOp("entry/1", "first", 0)
	require.NoError(t, err)
	accts, err := f.cache.CommitAll(ctx, []Write{
		{Lease: la, Mutation: credit(gold, 3), Options: CommitOptions{AdvanceNonce: true, FromNonce: 0, Batch: 1}},
		{Lease: lb, Mutation: credit(gold, 4), Options: CommitOptions{Batch: 1}},
	}, []store.Op{record})
	require.NoError(t, err)
	require.Len(t, accts, 2)
	assert.Equal(t, uint64(1), accts[0].Nonce)
	assert.Equal(t, ir.NewAmount(4), accts[1].Balance(gold))

	stored, err := f.kv.Get(ctx, "entry/1")
	require.NoError(t, err)
	assert.JSONEq(t, `"first"`, string(stored.Value))

	// A record that already exists fails the whole write: neither account
	// moves in the store or in the cache.
	la, err = f.cache.ReserveWrite(ctx, alice)
	require.NoError(t, err)
	lb, err = f.cache.ReserveWrite(ctx, bob)
	require.NoError(t, err)
	_, err = f.cache.CommitAll(ctx, []Write{
		{Lease: la, Mutation: debit(gold, 1), Options: CommitOptions{AdvanceNonce: true, FromNonce: 1}},
		{Lease: lb, Mutation: credit(gold, 1)},
	}, []store.Op{record})
	assert.True(t, IsConflict(err))

	for addr, want := range map[ir.Address]uint64{alice: 3, bob: 4} {
		acct, _, err := f.accts.Load(ctx, addr)
		require.NoError(t, err)
		assert.Equal(t, ir.NewAmount(want), acct.Balance(gold), "store %s", addr)

		cached, err := f.cache.Get(ctx, addr)
		require.NoError(t, err)
		assert.Equal(t, ir.NewAmount(want), cached.Balance(gold), "cache %s", addr)
	}
	acct, err := f.cache.Get(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), acct.Nonce)

	// Both leases were consumed with the dropped slots.
	_, err = f.cache.ReserveWrite(ctx, alice)
	assert.NoError(t, err)
	_, err = f.cache.ReserveWrite(ctx, bob)
	assert.NoError(t, err)
}

func TestCommitAllRejectsBadMutationWithoutWriting(t *testing.T) {
	f := newFixture(t, 8)
	ctx := context.Background()

	la, err := f.cache.ReserveWrite(ctx, alice)
	require.NoError(t, err)
	lb, err := f.cache.ReserveWrite(ctx, bob)
	require.NoError(t, err)

	_, err = f.cache.CommitAll(ctx, []Write{
		{Lease: la, Mutation: credit(gold, 5)},
		{Lease: lb, Mutation: debit(gold, 1)},
	}, nil)
	require.Error(t, err)
	assert.False(t, IsConflict(err))

	_, _, err = f.accts.Load(ctx, alice)
	assert.ErrorIs(t, err, store.ErrNotFound, "the first account must not be written")

	// Leases stay held until released.
	_, err = f.cache.ReserveWrite(ctx, alice)
	assert.True(t, IsBusy(err))
	require.NoError(t, f.cache.Release(ctx, la))
	require.NoError(t, f.cache.Release(ctx, lb))
}

func TestReserveWriteIsExclusive(t *testing.T) {
	f := newFixture(t, 8)
	ctx := context.Background()

	lease, err := f.cache.ReserveWrite(ctx, alice)
	require.NoError(t, err)

	_, err = f.cache.ReserveWrite(ctx, alice)
	assert.True(t, IsBusy(err))

	require.NoError(t, f.cache.Release(ctx, lease))
	require.NoError(t, f.cache.Release(ctx, lease), "double release is a no-op")

	_, err = f.cache.ReserveWrite(ctx, alice)
	assert.NoError(t, err)
}

func TestCommitRejectsExpiredLease(t *testing.T) {
	f := newFixture(t, 8)
	ctx := context.Background()

	lease, err := f.cache.ReserveWrite(ctx, alice)
	require.NoError(t, err)
	f.clock.Advance(2 * time.Second)

	_, err = f.cache.Commit(ctx, lease, credit(gold, 1), CommitOptions{})
	var ce *ConflictError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "lease expired", ce.Reason)

	_, err = f.cache.ReserveWrite(ctx, alice)
	assert.NoError(t, err, "expired lease does not block new leases")
}

func TestCommitInsufficientBalanceKeepsLease(t *testing.T) {
	f := newFixture(t, 8)
	ctx := context.Background()

	lease, err := f.cache.ReserveWrite(ctx, alice)
	require.NoError(t, err)

	_, err = f.cache.Commit(ctx, lease, debit(gold, 1), CommitOptions{})
	assert.ErrorIs(t, err, ir.ErrInsufficientBalance)

	_, err = f.cache.ReserveWrite(ctx, alice)
	assert.True(t, IsBusy(err))
	require.NoError(t, f.cache.Release(ctx, lease))
}

func TestCommitDetectsOutOfBandWrite(t *testing.T) {
	f := newFixture(t, 8)
	ctx := context.Background()

	lease, err := f.cache.ReserveWrite(ctx, alice)
	require.NoError(t, err)
	_, err = f.cache.Commit(ctx, lease, credit(gold, 5), CommitOptions{})
	require.NoError(t, err)

	// Write behind the cache's back.
	acct, version, err := f.accts.Load(ctx, alice)
	require.NoError(t, err)
	acct.Balances[gold] = ir.NewAmount(50)
	_, err = f.accts.Save(ctx, acct, version)
	require.NoError(t, err)

	lease, err = f.cache.ReserveWrite(ctx, alice)
	require.NoError(t, err)
	_, err = f.cache.Commit(ctx, lease, credit(gold, 1), CommitOptions{})
	assert.True(t, IsConflict(err))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.CacheConflicts))

	reloaded, err := f.cache.Get(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, ir.NewAmount(50), reloaded.Balance(gold))
}

func TestCommitNonceMustMatch(t *testing.T) {
	f := newFixture(t, 8)
	ctx := context.Background()

	lease, err := f.cache.ReserveWrite(ctx, alice)
	require.NoError(t, err)
	_, err = f.cache.Commit(ctx, lease, ir.Mutation{}, CommitOptions{AdvanceNonce: true, FromNonce: 4})
	assert.True(t, IsConflict(err))
}

func TestEvictionSkipsLeasedAccounts(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	lease, err := f.cache.ReserveWrite(ctx, alice)
	require.NoError(t, err)
	for _, addr := range []ir.Address{bob, carol, dave} {
		_, err := f.cache.Get(ctx, addr)
		require.NoError(t, err)
	}

	stats, err := f.cache.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Entries)
	assert.Equal(t, 1, stats.Leases)

	// alice survived eviction and her lease is still usable.
	_, err = f.cache.Commit(ctx, lease, credit(gold, 1), CommitOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.CacheEvictions))
}

func TestMarkFinalityRespectsNewerBatches(t *testing.T) {
	f := newFixture(t, 8)
	ctx := context.Background()

	commit := func(addr ir.Address, batch uint64) {
		lease, err := f.cache.ReserveWrite(ctx, addr)
		require.NoError(t, err)
		_, err = f.cache.Commit(ctx, lease, credit(gold, 1), CommitOptions{Batch: batch})
		require.NoError(t, err)
	}
	commit(alice, 1)
	commit(bob, 1)
	commit(bob, 2)

	require.NoError(t, f.cache.MarkFinality(ctx, []ir.Address{alice, bob}, ir.FinalityConfirmed, 1))

	a, err := f.cache.Get(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, ir.FinalityConfirmed, a.Finality)

	b, err := f.cache.Get(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, ir.FinalityPending, b.Finality, "batch 2 state is not final")

	stored, _, err := f.accts.Load(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, ir.FinalityConfirmed, stored.Finality)

	// A lease issued before marking stays valid.
	lease, err := f.cache.ReserveWrite(ctx, alice)
	require.NoError(t, err)
	require.NoError(t, f.cache.MarkFinality(ctx, []ir.Address{alice}, ir.FinalityReverted, 1))
	_, err = f.cache.Commit(ctx, lease, credit(gold, 1), CommitOptions{Batch: 3})
	assert.NoError(t, err)
}

// Concurrent writers on overlapping accounts never hold a lease on the same
// account at once, and every sender's committed nonces stay gapless.
func TestLeaseExclusivityUnderLoad(t *testing.T) {
	f := newFixture(t, 4)
	ctx := context.Background()
	addrs := []ir.Address{alice, bob, carol}

	var inFlight [3]atomic.Int32
	var commits [3]atomic.Int32
	var wg sync.WaitGroup
	for w := 0; w < 12; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			k := w % len(addrs)
			for n := 0; n < 10; n++ {
				var lease Lease
				for {
					var err error
					lease, err = f.cache.ReserveWrite(ctx, addrs[k])
					if err == nil {
						break
					}
					if !IsBusy(err) {
						t.Errorf("reserve: %v", err)
						return
					}
					time.Sleep(time.Millisecond)
				}
				if inFlight[k].Add(1) != 1 {
					t.Errorf("two leases on %s", addrs[k])
				}
				_, err := f.cache.Commit(ctx, lease, credit(gold, 1),
					CommitOptions{AdvanceNonce: true, FromNonce: lease.Snapshot.Nonce})
				inFlight[k].Add(-1)
				if err != nil {
					t.Errorf("commit: %v", err)
					return
				}
				commits[k].Add(1)
			}
		}(w)
	}
	wg.Wait()

	for k, addr := range addrs {
		stored, _, err := f.accts.Load(ctx, addr)
		require.NoError(t, err)
		assert.Equal(t, uint64(commits[k].Load()), stored.Nonce)
		assert.Equal(t, ir.NewAmount(uint64(commits[k].Load())), stored.Balance(gold))
	}
}

func TestArenaLRUOrder(t *testing.T) {
	a := newArena(4)
	for _, addr := range []ir.Address{alice, bob, carol} {
		a.insert(ir.NewAccount(addr), 0)
	}
	assert.Equal(t, []ir.Address{carol, bob, alice}, a.order())

	a.lookup(alice)
	assert.Equal(t, []ir.Address{alice, carol, bob}, a.order())

	i, _ := a.lookup(carol)
	a.remove(i)
	assert.Equal(t, []ir.Address{alice, bob}, a.order())

	j := a.insert(ir.NewAccount(dave), 0)
	assert.Equal(t, i, j, "free slot is recycled")
	assert.Equal(t, []ir.Address{dave, alice, bob}, a.order())
}
