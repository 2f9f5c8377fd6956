package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ledgerd/internal/ir"
	"github.com/roach88/ledgerd/internal/runner"
)

var (
	alice = ir.MustParseAddress("0x00000000000000000000000000000000000000a1")
	bob   = ir.MustParseAddress("0x00000000000000000000000000000000000000b0")
	prog  = ir.MustParseAddress("0x0000000000000000000000000000000000000c0d")
)

type chanSink chan ir.ExecutionResult

func (c chanSink) Deliver(r ir.ExecutionResult) { c <- r }

type snapshots struct{}

func (snapshots) Snapshot(_ context.Context, addrs []ir.Address) (map[ir.Address]ir.Account, error) {
	out := make(map[ir.Address]ir.Account, len(addrs))
	for _, a := range addrs {
		out[a] = ir.NewAccount(a)
	}
	return out, nil
}

type resolverFunc func(ctx context.Context, program ir.Address) (ir.ProgramImage, error)

func (f resolverFunc) Resolve(ctx context.Context, program ir.Address) (ir.ProgramImage, error) {
	return f(ctx, program)
}

var okResolver = resolverFunc(func(context.Context, ir.Address) (ir.ProgramImage, error) {
	return ir.ProgramImage{Ref: ir.ImageRef{Program: prog, Kind: ir.ImageLua}}, nil
})

func succeed(context.Context, runner.Invocation) (runner.Outcome, error) {
	return runner.Outcome{Status: ir.StatusSuccess}, nil
}

func ticket(seq int64, kind ir.TxKind) ir.Ticket {
	tx := ir.Transaction{Kind: kind, From: alice, Nonce: uint64(seq), Program: prog}
	if kind == ir.KindTransfer {
		tx.To = bob
		tx.Value = ir.NewAmount(1)
	}
	return ir.Ticket{ID: tx.MustID(), Seq: seq, Tx: tx}
}

func start(t *testing.T, s *Scheduler) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()
	stopped := false
	stop = func() {
		if !stopped {
			stopped = true
			cancel()
			<-done
		}
	}
	t.Cleanup(stop)
	return stop
}

func receive(t *testing.T, sink chanSink) ir.ExecutionResult {
	t.Helper()
	select {
	case r := <-sink:
		return r
	case <-time.After(10 * time.Second):
		t.Fatal("no result")
		return ir.ExecutionResult{}
	}
}

func config() Config {
	return Config{Concurrency: 1, Timeout: time.Second, FetchAttempts: 3, FetchBackoff: time.Millisecond}
}

func TestRunsInSequenceOrder(t *testing.T) {
	sink := make(chanSink, 8)
	var mu sync.Mutex
	var order []int64
	r := runner.Func(func(_ context.Context, inv runner.Invocation) (runner.Outcome, error) {
		mu.Lock()
		order = append(order, int64(inv.Tx.Nonce))
		mu.Unlock()
		return runner.Outcome{Status: ir.StatusSuccess}, nil
	})
	s := New(r, okResolver, snapshots{}, sink, config())

	for _, seq := range []int64{3, 1, 2} {
		require.NoError(t, s.Dispatch(ticket(seq, ir.KindCall)))
	}
	assert.Equal(t, 3, s.QueueDepth())
	start(t, s)

	for range 3 {
		receive(t, sink)
	}
	assert.Equal(t, []int64{1, 2, 3}, order)
	assert.Equal(t, 0, s.QueueDepth())
}

func TestConcurrencyCeiling(t *testing.T) {
	sink := make(chanSink, 8)
	release := make(chan struct{})
	var running, peak atomic.Int32
	r := runner.Func(func(context.Context, runner.Invocation) (runner.Outcome, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		running.Add(-1)
		return runner.Outcome{Status: ir.StatusSuccess}, nil
	})
	cfg := config()
	cfg.Concurrency = 2
	cfg.Timeout = 10 * time.Second
	s := New(r, okResolver, snapshots{}, sink, cfg)
	start(t, s)

	for seq := int64(1); seq <= 5; seq++ {
		require.NoError(t, s.Dispatch(ticket(seq, ir.KindCall)))
	}
	require.Eventually(t, func() bool { return s.Active() == 2 && s.QueueDepth() == 3 },
		5*time.Second, 5*time.Millisecond)

	close(release)
	for range 5 {
		receive(t, sink)
	}
	assert.Equal(t, int32(2), peak.Load())
}

func TestTimeoutIsSandboxFault(t *testing.T) {
	sink := make(chanSink, 1)
	r := runner.Func(func(ctx context.Context, _ runner.Invocation) (runner.Outcome, error) {
		<-ctx.Done()
		return runner.Outcome{}, ctx.Err()
	})
	cfg := config()
	cfg.Timeout = 20 * time.Millisecond
	s := New(r, okResolver, snapshots{}, sink, cfg)
	start(t, s)

	tk := ticket(1, ir.KindCall)
	require.NoError(t, s.Dispatch(tk))
	res := receive(t, sink)
	assert.Equal(t, tk.ID, res.TxID)
	assert.Equal(t, ir.StatusSandboxFault, res.Status)
	assert.Contains(t, res.Reason, "timeout")
	assert.Equal(t, uint64(1), res.Nonce)
}

func TestCrashIsNotRetried(t *testing.T) {
	sink := make(chanSink, 1)
	var calls atomic.Int32
	r := runner.Func(func(context.Context, runner.Invocation) (runner.Outcome, error) {
		calls.Add(1)
		return runner.Outcome{}, errors.New("exit status 139")
	})
	s := New(r, okResolver, snapshots{}, sink, config())
	start(t, s)

	require.NoError(t, s.Dispatch(ticket(1, ir.KindCall)))
	res := receive(t, sink)
	assert.Equal(t, ir.StatusSandboxFault, res.Status)
	assert.Contains(t, res.Reason, "exit status 139")
	assert.Equal(t, int32(1), calls.Load())
}

func TestPanicIsSandboxFault(t *testing.T) {
	sink := make(chanSink, 1)
	r := runner.Func(func(context.Context, runner.Invocation) (runner.Outcome, error) {
		panic("runner bug")
	})
	s := New(r, okResolver, snapshots{}, sink, config())
	start(t, s)

	require.NoError(t, s.Dispatch(ticket(1, ir.KindCall)))
	res := receive(t, sink)
	assert.Equal(t, ir.StatusSandboxFault, res.Status)
	assert.Contains(t, res.Reason, "runner bug")
}

func TestImageFetchRetries(t *testing.T) {
	tests := []struct {
		name         string
		failures     int
		wantStatus   ir.Status
		wantAttempts int
	}{
		{"recovers", 2, ir.StatusSuccess, 3},
		{"exhausted", 5, ir.StatusSandboxFault, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			resolver := resolverFunc(func(ctx context.Context, p ir.Address) (ir.ProgramImage, error) {
				if int(calls.Add(1)) <= tt.failures {
					return ir.ProgramImage{}, errors.New("artifact store unavailable")
				}
				return okResolver(ctx, p)
			})
			sink := make(chanSink, 1)
			s := New(runner.Func(succeed), resolver, snapshots{}, sink, config())
			start(t, s)

			require.NoError(t, s.Dispatch(ticket(1, ir.KindCall)))
			res := receive(t, sink)
			assert.Equal(t, tt.wantStatus, res.Status)
			assert.Equal(t, tt.wantAttempts, res.Usage.Attempts)
		})
	}
}

func TestUnknownProgramFailsFast(t *testing.T) {
	var calls atomic.Int32
	resolver := resolverFunc(func(context.Context, ir.Address) (ir.ProgramImage, error) {
		calls.Add(1)
		return ir.ProgramImage{}, runner.ErrUnknownProgram
	})
	sink := make(chanSink, 1)
	s := New(runner.Func(succeed), resolver, snapshots{}, sink, config())
	start(t, s)

	require.NoError(t, s.Dispatch(ticket(1, ir.KindCall)))
	res := receive(t, sink)
	assert.Equal(t, ir.StatusSandboxFault, res.Status)
	assert.Equal(t, int32(1), calls.Load())
}

func TestNativeKindsSkipResolution(t *testing.T) {
	resolver := resolverFunc(func(context.Context, ir.Address) (ir.ProgramImage, error) {
		t.Error("resolver called for a transfer")
		return ir.ProgramImage{}, nil
	})
	var seen []ir.Address
	r := runner.Func(func(_ context.Context, inv runner.Invocation) (runner.Outcome, error) {
		for a := range inv.Snapshot {
			seen = append(seen, a)
		}
		return runner.Outcome{Status: ir.StatusSuccess}, nil
	})
	sink := make(chanSink, 1)
	s := New(r, resolver, snapshots{}, sink, config())
	start(t, s)

	require.NoError(t, s.Dispatch(ticket(1, ir.KindTransfer)))
	assert.Equal(t, ir.StatusSuccess, receive(t, sink).Status)
	assert.ElementsMatch(t, []ir.Address{alice, bob}, seen)
}

func TestShutdownWaitsForInFlight(t *testing.T) {
	sink := make(chanSink, 4)
	entered := make(chan struct{})
	r := runner.Func(func(context.Context, runner.Invocation) (runner.Outcome, error) {
		close(entered)
		time.Sleep(50 * time.Millisecond)
		return runner.Outcome{Status: ir.StatusSuccess}, nil
	})
	s := New(r, okResolver, snapshots{}, sink, config())
	stop := start(t, s)

	require.NoError(t, s.Dispatch(ticket(1, ir.KindCall)))
	require.NoError(t, s.Dispatch(ticket(2, ir.KindCall)))
	<-entered
	stop()

	// The in-flight ticket completed; the queued one waits for the next run.
	require.Len(t, sink, 1)
	assert.Equal(t, ir.StatusSuccess, (<-sink).Status)
	assert.Equal(t, 1, s.QueueDepth())
}

func TestStopDrainsQueue(t *testing.T) {
	sink := make(chanSink, 4)
	s := New(runner.Func(succeed), okResolver, snapshots{}, sink, config())
	require.NoError(t, s.Dispatch(ticket(1, ir.KindCall)))
	s.Stop()
	assert.ErrorIs(t, s.Dispatch(ticket(2, ir.KindCall)), ErrStopped)

	require.NoError(t, s.Run(context.Background()))
	assert.Len(t, sink, 1)
}
