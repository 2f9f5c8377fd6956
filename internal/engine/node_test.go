package engine

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ledgerd/internal/actor"
	"github.com/roach88/ledgerd/internal/config"
	"github.com/roach88/ledgerd/internal/intake"
	"github.com/roach88/ledgerd/internal/ir"
	"github.com/roach88/ledgerd/internal/ledger"
	"github.com/roach88/ledgerd/internal/store"
	"github.com/roach88/ledgerd/internal/testutil"
)

var (
	alice = testutil.Address("alice")
	bob   = testutil.Address("bob")
	gold  = testutil.Asset("gold")
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Store.Path = filepath.Join(t.TempDir(), "node.db")
	cfg.Runner.ArtifactDir = t.TempDir()
	cfg.Apply.BatchInterval = 0
	cfg.Apply.ReorderWindow = config.Duration(time.Second)
	cfg.Scheduler.Timeout = config.Duration(200 * time.Millisecond)
	cfg.DA.Backoff = config.Duration(time.Millisecond)
	cfg.Settlement.SubmitBackoff = config.Duration(time.Millisecond)
	cfg.Settlement.ReconnectBackoff = config.Duration(time.Millisecond)
	cfg.Supervisor.Backoff = config.Duration(time.Millisecond)
	cfg.Genesis = []config.Genesis{{
		Address:  alice.String(),
		Balances: map[string]string{gold.String(): "100"},
	}}
	return cfg
}

type harness struct {
	node    *Node
	da      *testutil.FakeDA
	settler *testutil.FakeSettler
	oracle  *testutil.ManualOracle
	stop    func()
}

func startNode(t *testing.T, cfg config.Config) *harness {
	t.Helper()
	h := &harness{
		da:      testutil.NewFakeDA(),
		settler: testutil.NewFakeSettler(),
		oracle:  testutil.NewManualOracle(),
	}
	n, err := New(cfg, Deps{DA: h.da, Settler: h.settler, Source: h.oracle})
	require.NoError(t, err)
	h.node = n

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()

	var stopped bool
	h.stop = func() {
		if stopped {
			return
		}
		stopped = true
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Fatal("node did not stop")
		}
		require.NoError(t, n.Close())
	}
	t.Cleanup(h.stop)
	return h
}

func (h *harness) submit(t *testing.T, tx ir.Transaction) string {
	t.Helper()
	ticket, err := h.node.Submit(context.Background(), tx)
	require.NoError(t, err)
	return ticket.ID
}

func (h *harness) outcome(t *testing.T, txID string) ir.Outcome {
	t.Helper()
	var out ir.Outcome
	require.Eventually(t, func() bool {
		o, err := h.node.Outcome(context.Background(), txID)
		if errors.Is(err, ledger.ErrNotFound) {
			return false
		}
		require.NoError(t, err)
		out = o
		return true
	}, 5*time.Second, 5*time.Millisecond, "no outcome for %s", txID)
	return out
}

func (h *harness) balance(t *testing.T, addr ir.Address) ir.Amount {
	t.Helper()
	acct, err := h.node.Account(context.Background(), addr)
	require.NoError(t, err)
	return acct.Balance(gold)
}

func (h *harness) seal(t *testing.T) ir.Batch {
	t.Helper()
	b, ok, err := h.node.Seal(context.Background())
	require.NoError(t, err)
	require.True(t, ok, "open batch was empty")
	return b
}

func TestTransferSettlesEndToEnd(t *testing.T) {
	h := startNode(t, testConfig(t))

	id := h.submit(t, testutil.Transfer(t, "alice", 0, bob, gold, 30))
	out := h.outcome(t, id)
	assert.Equal(t, ir.StatusSuccess, out.Status)
	assert.Equal(t, uint64(1), out.Batch)

	b := h.seal(t)
	assert.Equal(t, []string{id}, b.TxIDs())
	require.NoError(t, b.Verify())

	require.Eventually(t, func() bool {
		_, ok := h.da.Handle(b.Digest)
		return ok && len(h.settler.Submitted()) == 1
	}, 5*time.Second, 5*time.Millisecond)

	h.oracle.Emit(ir.SettlementEvent{ID: "ev-1", Kind: ir.EventFinalityConfirmed, BatchDigest: b.Digest})
	require.Eventually(t, func() bool {
		rec, err := h.node.Ledger().Settlement(context.Background(), b.Number)
		return err == nil && rec.State == ir.SettlementConfirmed
	}, 5*time.Second, 5*time.Millisecond)

	acct, err := h.node.Account(context.Background(), alice)
	require.NoError(t, err)
	assert.Equal(t, ir.FinalityConfirmed, acct.Finality)
	assert.Equal(t, uint64(1), acct.Nonce)
	assert.Equal(t, ir.NewAmount(70), acct.Balance(gold))
	assert.Equal(t, ir.NewAmount(30), h.balance(t, bob))

	pub, err := h.node.Ledger().Publication(context.Background(), b.Number)
	require.NoError(t, err)
	assert.Equal(t, ir.PublishAcked, pub.State)
}

func TestReversionRestoresBalances(t *testing.T) {
	h := startNode(t, testConfig(t))

	first := h.submit(t, testutil.Transfer(t, "alice", 0, bob, gold, 30))
	second := h.submit(t, testutil.Transfer(t, "alice", 1, bob, gold, 20))
	h.outcome(t, first)
	h.outcome(t, second)
	b := h.seal(t)
	assert.Equal(t, ir.NewAmount(50), h.balance(t, alice))

	h.oracle.Emit(ir.SettlementEvent{ID: "ev-revert", Kind: ir.EventReverted, BatchDigest: b.Digest})

	require.Eventually(t, func() bool {
		return h.balance(t, alice) == ir.NewAmount(100) && h.balance(t, bob).IsZero()
	}, 5*time.Second, 5*time.Millisecond)

	rec, err := h.node.Ledger().Settlement(context.Background(), b.Number)
	require.NoError(t, err)
	assert.Equal(t, ir.SettlementReverted, rec.State)

	acct, err := h.node.Account(context.Background(), alice)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), acct.Nonce, "nonces are never rolled back")

	comp := h.seal(t)
	require.Len(t, comp.Entries, 1)
	assert.Equal(t, ir.KindCompensation, comp.Entries[0].Kind)
	assert.Equal(t, ir.SystemAddress, comp.Entries[0].Sender)
}

func TestBridgedDepositCredits(t *testing.T) {
	h := startNode(t, testConfig(t))

	h.oracle.Emit(ir.SettlementEvent{
		ID:      "dep-1",
		Kind:    ir.EventBridgedDeposit,
		Account: bob,
		Asset:   gold,
		Amount:  ir.NewAmount(45),
	})
	require.Eventually(t, func() bool {
		return h.balance(t, bob) == ir.NewAmount(45)
	}, 5*time.Second, 5*time.Millisecond)

	// Redelivery after a reconnect must not credit twice.
	h.oracle.Drop()
	require.Eventually(t, func() bool { return h.oracle.Subscriptions() >= 2 }, 5*time.Second, 5*time.Millisecond)
	h.oracle.Emit(ir.SettlementEvent{
		ID:       "dep-1",
		Position: 2,
		Kind:     ir.EventBridgedDeposit,
		Account:  bob,
		Asset:    gold,
		Amount:   ir.NewAmount(45),
	})
	require.Eventually(t, func() bool {
		health, err := h.node.Health(context.Background())
		return err == nil && health.Settlement != nil && health.Settlement.Cursor == 2
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, ir.NewAmount(45), h.balance(t, bob))
}

func TestRejectsBadNonce(t *testing.T) {
	h := startNode(t, testConfig(t))

	_, err := h.node.Submit(context.Background(), testutil.Transfer(t, "alice", 3, bob, gold, 1))
	require.Error(t, err)
	assert.True(t, intake.IsNonceMismatch(err), "got %v", err)
}

func TestSandboxTimeoutConsumesNonce(t *testing.T) {
	cfg := testConfig(t)
	cfg.Scheduler.Steps = 1 << 62
	h := startNode(t, cfg)

	loop := testutil.Asset("loop")
	_, err := h.node.Deploy(context.Background(), loop, ir.ImageLua, "loop", []byte(`while true do end`))
	require.NoError(t, err)

	id := h.submit(t, testutil.Call(t, "alice", 0, loop, nil))
	out := h.outcome(t, id)
	assert.Equal(t, ir.StatusSandboxFault, out.Status)

	next := h.submit(t, testutil.Transfer(t, "alice", 1, bob, gold, 5))
	assert.Equal(t, ir.StatusSuccess, h.outcome(t, next).Status)

	b := h.seal(t)
	assert.Equal(t, []string{id, next}, b.TxIDs())
}

func TestLuaProgramMovesOwnAsset(t *testing.T) {
	h := startNode(t, testConfig(t))

	token := testutil.Asset("token")
	code := `
credit(ctx.sender, ctx.program, ctx.payload)
set_state(ctx.sender, "minted=" .. ctx.payload)
`
	_, err := h.node.Deploy(context.Background(), token, ir.ImageLua, "token", []byte(code))
	require.NoError(t, err)

	id := h.submit(t, testutil.Call(t, "alice", 0, token, []byte("12")))
	out := h.outcome(t, id)
	require.Equal(t, ir.StatusSuccess, out.Status, out.Reason)

	acct, err := h.node.Account(context.Background(), alice)
	require.NoError(t, err)
	assert.Equal(t, ir.NewAmount(12), acct.Balance(token))
	assert.Equal(t, []byte("minted=12"), acct.Programs[token])
}

func TestRestartPreservesLedger(t *testing.T) {
	cfg := testConfig(t)
	h := startNode(t, cfg)
	id := h.submit(t, testutil.Transfer(t, "alice", 0, bob, gold, 10))
	h.outcome(t, id)
	h.stop()

	h = startNode(t, cfg)
	last, err := h.node.Ledger().LastBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), last, "shutdown seals the open batch")
	assert.Equal(t, ir.NewAmount(90), h.balance(t, alice))

	next := h.submit(t, testutil.Transfer(t, "alice", 1, bob, gold, 10))
	assert.Equal(t, ir.StatusSuccess, h.outcome(t, next).Status)
	assert.Equal(t, ir.NewAmount(20), h.balance(t, bob))

	b := h.seal(t)
	assert.Equal(t, uint64(2), b.Number)
	assert.Greater(t, b.Entries[0].Seq, int64(1), "sequence numbers continue across restarts")
}

func TestGenesisWrittenOnce(t *testing.T) {
	cfg := testConfig(t)
	h := startNode(t, cfg)
	id := h.submit(t, testutil.Transfer(t, "alice", 0, bob, gold, 60))
	h.outcome(t, id)
	h.stop()

	h = startNode(t, cfg)
	assert.Equal(t, ir.NewAmount(40), h.balance(t, alice))
}

func TestHealth(t *testing.T) {
	h := startNode(t, testConfig(t))

	require.Eventually(t, func() bool {
		health, err := h.node.Health(context.Background())
		require.NoError(t, err)
		for _, name := range []string{ActorAccounts, ActorIntake, ActorScheduler, ActorApply, ActorDA, ActorSettlement} {
			if health.Actors[name] != actor.StateRunning {
				return false
			}
		}
		return true
	}, 5*time.Second, 5*time.Millisecond)

	health, err := h.node.Health(context.Background())
	require.NoError(t, err)
	assert.False(t, health.Halted)
	require.NotNil(t, health.DA)
	assert.False(t, health.DA.Degraded)
	require.NotNil(t, health.Settlement)
}

func TestEscalationHaltsIntake(t *testing.T) {
	h := startNode(t, testConfig(t))

	h.node.escalate(ActorApply, errors.New("boom"))
	_, err := h.node.Submit(context.Background(), testutil.Transfer(t, "alice", 0, bob, gold, 1))
	assert.True(t, intake.IsHalted(err), "got %v", err)

	health, err := h.node.Health(context.Background())
	require.NoError(t, err)
	assert.True(t, health.Halted)
	assert.Contains(t, health.HaltReason, "apply")

	h.node.Resume()
	id := h.submit(t, testutil.Transfer(t, "alice", 0, bob, gold, 1))
	assert.Equal(t, ir.StatusSuccess, h.outcome(t, id).Status)
}

func TestNodeWithoutExternalSystems(t *testing.T) {
	cfg := testConfig(t)
	n, err := New(cfg, Deps{})
	require.NoError(t, err)
	t.Cleanup(func() { n.Close() })

	health, err := n.Health(context.Background())
	require.NoError(t, err)
	assert.Nil(t, health.DA)
	assert.Nil(t, health.Settlement)
}

func TestOpenBackend(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.Store
	}{
		{"sqlite file", config.Store{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "a.db")}},
		{"sqlite memory", config.Store{Driver: "sqlite", InMemory: true}},
		{"badger memory", config.Store{Driver: "badger", InMemory: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kv, err := OpenBackend(tt.cfg)
			require.NoError(t, err)
			defer kv.Close()

			_, err = kv.Put(context.Background(), "k", []byte("v"), 0)
			require.NoError(t, err)
			e, err := kv.Get(context.Background(), "k")
			require.NoError(t, err)
			assert.Equal(t, []byte("v"), e.Value)
		})
	}

	_, err := OpenBackend(config.Store{Driver: "etcd"})
	assert.ErrorContains(t, err, "unknown store driver")
}

func TestGenesisAccounts(t *testing.T) {
	accts, err := GenesisAccounts([]config.Genesis{{
		Address:  alice.String(),
		Balances: map[string]string{gold.String(): "1000000000000000000000"},
	}})
	require.NoError(t, err)
	require.Len(t, accts, 1)
	assert.Equal(t, ir.MustParseAmount("1000000000000000000000"), accts[0].Balance(gold))

	_, err = GenesisAccounts([]config.Genesis{{Address: alice.String()}, {Address: alice.String()}})
	assert.ErrorContains(t, err, "duplicate")

	_, err = GenesisAccounts([]config.Genesis{{Address: "nope"}})
	assert.Error(t, err)
}

func TestWriteGenesisSkipsExisting(t *testing.T) {
	kv, err := store.Open(filepath.Join(t.TempDir(), "g.db"))
	require.NoError(t, err)
	defer kv.Close()
	accts := store.NewAccounts(kv)

	a := ir.NewAccount(alice)
	a.Balances = map[ir.Address]ir.Amount{gold: ir.NewAmount(5)}
	require.NoError(t, WriteGenesis(context.Background(), accts, []ir.Account{a}))

	a.Balances[gold] = ir.NewAmount(500)
	require.NoError(t, WriteGenesis(context.Background(), accts, []ir.Account{a}))

	got, _, err := accts.Load(context.Background(), alice)
	require.NoError(t, err)
	assert.Equal(t, ir.NewAmount(5), got.Balance(gold))
}
