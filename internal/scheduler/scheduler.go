// Package scheduler implements the scheduler actor: it queues admitted
// tickets in intake order, runs them on a bounded pool of runner slots and
// forwards every result to the applier in completion order.
package scheduler

import (
	"container/heap"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"

	"github.com/roach88/ledgerd/internal/actor"
	"github.com/roach88/ledgerd/internal/ir"
	"github.com/roach88/ledgerd/internal/metrics"
	"github.com/roach88/ledgerd/internal/runner"
)

// ErrStopped is returned by Dispatch once the scheduler no longer accepts
// tickets.
var ErrStopped = errors.New("scheduler stopped")

// Snapshotter provides read-only account snapshots.
type Snapshotter interface {
	Snapshot(ctx context.Context, addrs []ir.Address) (map[ir.Address]ir.Account, error)
}

// Resolver turns a program address into a verified image.
type Resolver interface {
	Resolve(ctx context.Context, program ir.Address) (ir.ProgramImage, error)
}

// Sink receives execution results. Deliver must not block.
type Sink interface {
	Deliver(r ir.ExecutionResult)
}

// Config tunes the scheduler.
type Config struct {
	// Concurrency is the number of runner slots.
	Concurrency int
	// Timeout is the hard wall-clock bound of one invocation.
	Timeout time.Duration
	// FetchAttempts bounds image resolution attempts.
	FetchAttempts int
	// FetchBackoff is the initial delay between attempts; it doubles.
	FetchBackoff time.Duration
	// Steps and Memory are passed to runners as limits.
	Steps  uint64
	Memory int64
}

// Scheduler is the scheduler actor.
type Scheduler struct {
	cfg      Config
	runner   runner.Runner
	resolver Resolver
	accounts Snapshotter
	sink     Sink
	mailbox  *actor.Mailbox[ir.Ticket]
	metrics  *metrics.Metrics
	log      *slog.Logger

	depth  atomic.Int64
	active atomic.Int64
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithMetrics sets the collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// New creates a scheduler.
func New(r runner.Runner, resolver Resolver, accounts Snapshotter, sink Sink, cfg Config, opts ...Option) *Scheduler {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.FetchAttempts <= 0 {
		cfg.FetchAttempts = 1
	}
	s := &Scheduler{
		cfg:      cfg,
		runner:   r,
		resolver: resolver,
		accounts: accounts,
		sink:     sink,
		mailbox:  actor.NewMailbox[ir.Ticket](),
		log:      slog.Default().With("actor", "scheduler"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.metrics = metrics.OrNop(s.metrics)
	return s
}

// Dispatch queues t for execution. The result is delivered to the sink.
func (s *Scheduler) Dispatch(t ir.Ticket) error {
	s.depth.Add(1)
	if !s.mailbox.Send(t) {
		s.depth.Add(-1)
		return ErrStopped
	}
	s.metrics.QueueDepth.Set(float64(s.depth.Load()))
	return nil
}

// QueueDepth is the number of tickets waiting for a slot.
func (s *Scheduler) QueueDepth() int {
	return int(s.depth.Load())
}

// Active is the number of occupied slots.
func (s *Scheduler) Active() int {
	return int(s.active.Load())
}

// Stop refuses further tickets. Queued tickets still run.
func (s *Scheduler) Stop() {
	s.mailbox.Close()
}

// Run dispatches tickets until ctx is done or Stop was called and the
// queue drained. In-flight invocations always run to completion (bounded
// by their timeout) before Run returns; queued tickets survive a restart.
func (s *Scheduler) Run(ctx context.Context) error {
	sem := semaphore.NewWeighted(int64(s.cfg.Concurrency))
	freed := make(chan struct{}, 1)
	var wg sync.WaitGroup
	var queue ticketQueue

	defer func() {
		wg.Wait()
		// Hand waiting tickets to the next run, in order.
		for queue.Len() > 0 {
			s.mailbox.Send(heap.Pop(&queue).(ir.Ticket))
		}
	}()

	wake := s.mailbox.Wait()
	for {
		for {
			t, ok := s.mailbox.TryReceive()
			if !ok {
				break
			}
			heap.Push(&queue, t)
		}
		for queue.Len() > 0 && sem.TryAcquire(1) {
			t := heap.Pop(&queue).(ir.Ticket)
			s.depth.Add(-1)
			s.active.Add(1)
			s.metrics.QueueDepth.Set(float64(s.depth.Load()))
			s.metrics.ActiveSlots.Set(float64(s.active.Load()))

			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() {
					s.active.Add(-1)
					s.metrics.ActiveSlots.Set(float64(s.active.Load()))
					sem.Release(1)
					select {
					case freed <- struct{}{}:
					default:
					}
				}()
				s.sink.Deliver(s.execute(ctx, t))
			}()
		}

		if s.mailbox.Closed() {
			if queue.Len() == 0 && s.mailbox.Len() == 0 {
				return nil
			}
			wake = nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
		case <-freed:
		}
	}
}

// execute runs one ticket to a result. It never fails: every problem
// becomes a sandbox-fault result.
func (s *Scheduler) execute(ctx context.Context, t ir.Ticket) (res ir.ExecutionResult) {
	// Started work finishes even if the scheduler is shutting down.
	ctx = context.WithoutCancel(ctx)
	start := time.Now()
	res = ir.ResultFor(t, ir.StatusSandboxFault, "")

	defer func() {
		if r := recover(); r != nil {
			s.log.Error("runner panicked", "tx", t.ID, "panic", r)
			res = ir.ResultFor(t, ir.StatusSandboxFault, fmt.Sprintf("runner panic: %v", r))
		}
		res.Usage.Duration = time.Since(start)
		s.metrics.Executions.WithLabelValues(string(res.Status)).Inc()
		s.metrics.ExecutionSeconds.Observe(res.Usage.Duration.Seconds())
	}()

	var img ir.ProgramImage
	if runner.NeedsImage(t.Tx) {
		var attempts int
		var err error
		img, attempts, err = s.resolve(ctx, t.Tx.Program)
		res.Usage.Attempts = attempts
		if err != nil {
			s.log.Warn("image fetch failed", "tx", t.ID, "program", t.Tx.Program, "attempts", attempts, "error", err)
			res.Reason = "image fetch: " + err.Error()
			return res
		}
	}

	snapshot, err := s.accounts.Snapshot(ctx, readSet(t.Tx))
	if err != nil {
		res.Reason = "snapshot: " + err.Error()
		return res
	}

	inv := runner.Invocation{
		TxID:     t.ID,
		Tx:       t.Tx,
		Image:    img,
		Snapshot: snapshot,
		Limits:   runner.Limits{Steps: s.cfg.Steps, Memory: s.cfg.Memory, Timeout: s.cfg.Timeout},
	}
	runCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	out, err := s.runner.Run(runCtx, inv)
	res.Usage.Steps = out.Steps
	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			res.Reason = fmt.Sprintf("timeout after %s", s.cfg.Timeout)
		} else {
			res.Reason = "crash: " + err.Error()
		}
		s.log.Info("sandbox fault", "tx", t.ID, "reason", res.Reason)
		return res
	}

	res.Status = out.Status
	res.Delta = out.Delta
	res.Logs = out.Logs
	res.Reason = out.Reason
	return res
}

// resolve fetches an image with bounded exponential backoff. Unknown
// programs fail immediately.
func (s *Scheduler) resolve(ctx context.Context, program ir.Address) (ir.ProgramImage, int, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = s.cfg.FetchBackoff
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(s.cfg.FetchAttempts-1)), ctx)

	var img ir.ProgramImage
	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		var err error
		img, err = s.resolver.Resolve(ctx, program)
		switch {
		case err == nil:
			s.metrics.ImageFetches.WithLabelValues("ok").Inc()
			return nil
		case errors.Is(err, runner.ErrUnknownProgram):
			s.metrics.ImageFetches.WithLabelValues("unknown").Inc()
			return backoff.Permanent(err)
		default:
			s.metrics.ImageFetches.WithLabelValues("error").Inc()
			return err
		}
	}, b)
	return img, attempts, err
}

// readSet lists the accounts a transaction may read.
func readSet(tx ir.Transaction) []ir.Address {
	addrs := []ir.Address{tx.From}
	if !tx.To.IsZero() {
		addrs = append(addrs, tx.To)
	}
	switch tx.Kind {
	case ir.KindDeposit:
		var p ir.DepositPayload
		if json.Unmarshal(tx.Payload, &p) == nil {
			addrs = append(addrs, p.Account)
		}
	case ir.KindCompensation:
		var p ir.CompensationPayload
		if json.Unmarshal(tx.Payload, &p) == nil {
			addrs = append(addrs, p.Delta.Addresses()...)
		}
	}
	return ir.SortAddresses(addrs)
}
