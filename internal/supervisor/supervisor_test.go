package supervisor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/ledgerd/internal/actor"
)

func blockUntilDone(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func runSupervisor(t *testing.T, s *Supervisor) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()
	var once sync.Once
	stop = func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
	t.Cleanup(stop)
	return stop
}

func TestChildrenRunning(t *testing.T) {
	s := New()
	s.Add("a", blockUntilDone, Policy{})
	s.Add("b", blockUntilDone, Policy{})
	stop := runSupervisor(t, s)

	require.Eventually(t, func() bool {
		st := s.States()
		return st["a"] == actor.StateRunning && st["b"] == actor.StateRunning
	}, time.Second, time.Millisecond)

	stop()
	assert.Equal(t, map[string]actor.State{"a": actor.StateStopped, "b": actor.StateStopped}, s.States())
}

func TestRestartsFailedChild(t *testing.T) {
	var runs atomic.Int32
	s := New()
	s.Add("flaky", func(ctx context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("transient")
		}
		return blockUntilDone(ctx)
	}, Policy{MaxRestarts: 5, Window: time.Minute, Backoff: time.Millisecond})
	runSupervisor(t, s)

	require.Eventually(t, func() bool {
		return runs.Load() == 3 && s.State("flaky") == actor.StateRunning
	}, time.Second, time.Millisecond)
}

func TestPanicIsRecoveredAsFailure(t *testing.T) {
	var runs atomic.Int32
	s := New()
	s.Add("panicky", func(ctx context.Context) error {
		if runs.Add(1) == 1 {
			panic("lease double-acquired")
		}
		return blockUntilDone(ctx)
	}, Policy{MaxRestarts: 1, Window: time.Minute})
	runSupervisor(t, s)

	require.Eventually(t, func() bool {
		return runs.Load() == 2 && s.State("panicky") == actor.StateRunning
	}, time.Second, time.Millisecond)
}

func TestEscalatesWhenBudgetExhausted(t *testing.T) {
	escalated := make(chan string, 1)
	s := New(WithEscalation(func(name string, err error) {
		assert.True(t, IsFatal(err))
		escalated <- name
	}))
	var runs atomic.Int32
	s.Add("apply", func(context.Context) error {
		runs.Add(1)
		return Fatal(errors.New("conflict after retry"))
	}, Policy{MaxRestarts: 2, Window: time.Minute})
	runSupervisor(t, s)

	select {
	case name := <-escalated:
		assert.Equal(t, "apply", name)
	case <-time.After(5 * time.Second):
		t.Fatal("no escalation")
	}
	assert.Equal(t, int32(3), runs.Load())
	assert.Equal(t, actor.StateFailed, s.State("apply"))
}

func TestStopOrder(t *testing.T) {
	var mu sync.Mutex
	var stopped []string
	child := func(name string) RunFunc {
		return func(ctx context.Context) error {
			<-ctx.Done()
			mu.Lock()
			stopped = append(stopped, name)
			mu.Unlock()
			return ctx.Err()
		}
	}

	s := New(WithStopOrder("intake", "scheduler"))
	for _, name := range []string{"cache", "apply", "scheduler", "intake"} {
		s.Add(name, child(name), Policy{})
	}
	stop := runSupervisor(t, s)
	require.Eventually(t, func() bool { return s.State("cache") == actor.StateRunning }, time.Second, time.Millisecond)
	stop()

	assert.Equal(t, []string{"intake", "scheduler", "apply", "cache"}, stopped)
}

func TestCleanExitIsNotRestarted(t *testing.T) {
	var runs atomic.Int32
	s := New()
	s.Add("oneshot", func(context.Context) error {
		runs.Add(1)
		return nil
	}, Policy{MaxRestarts: 3, Window: time.Minute})
	runSupervisor(t, s)

	require.Eventually(t, func() bool { return s.State("oneshot") == actor.StateStopped && runs.Load() == 1 },
		time.Second, time.Millisecond)
}
