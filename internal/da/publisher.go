// Package da publishes sealed batches to the data availability network.
//
// Every sealed batch gets its own worker; a slow or failing batch never
// holds up the next one or the ledger. A batch whose attempts run out is
// marked unpublished in the ledger and picked up again by the periodic
// retry pass, and by startup recovery after a restart.
package da

import (
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
	"github.com/roach88/ledgerd/internal/ledger"
	"github.com/roach88/ledgerd/internal/metrics"
)

// Config tunes publication.
type Config struct {
	// Workers bounds concurrent submissions.
	Workers int
	// MaxAttempts bounds submissions per batch per pass.
	MaxAttempts int
	// Backoff is the first retry delay; it doubles up to MaxBackoff.
	Backoff    time.Duration
	MaxBackoff time.Duration
	// RetryInterval is how often unpublished batches are retried.
	RetryInterval time.Duration
}

// Health is the publisher's externally visible status.
type Health struct {
	Degraded    bool   `json:"degraded"`
	Unpublished int    `json:"unpublished"`
	LastError   string `json:"last_error,omitempty"`
}

// Publisher is the DA publisher actor.
type Publisher struct {
	cfg     Config
	client  Client
	ledger  *ledger.Ledger
	sem     *semaphore.Weighted
	mailbox *actor.Mailbox[uint64]
	metrics *metrics.Metrics
	log     *slog.Logger

	mu          sync.Mutex
	inflight    map[uint64]bool
	unpublished map[uint64]bool
	lastErr     string
	degraded    atomic.Bool
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithMetrics sets the collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Publisher) { p.metrics = m }
}

// New creates a publisher.
func New(client Client, l *ledger.Ledger, cfg Config, opts ...Option) *Publisher {
	cfg.Workers = max(cfg.Workers, 1)
	cfg.MaxAttempts = max(cfg.MaxAttempts, 1)
	if cfg.Backoff <= 0 {
		cfg.Backoff = 100 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.Backoff {
		cfg.MaxBackoff = cfg.Backoff
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 30 * time.Second
	}
	p := &Publisher{
		cfg:         cfg,
		client:      client,
		ledger:      l,
		sem:         semaphore.NewWeighted(int64(cfg.Workers)),
		mailbox:     actor.NewMailbox[uint64](),
		log:         slog.Default().With("actor", "da"),
		inflight:    make(map[uint64]bool),
		unpublished: make(map[uint64]bool),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.metrics = metrics.OrNop(p.metrics)
	return p
}

// BatchSealed queues b for publication. It never blocks.
func (p *Publisher) BatchSealed(b ir.Batch) {
	p.mailbox.Send(b.Number)
}

// Health reports whether the DA network is currently failing.
func (p *Publisher) Health() Health {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Health{
		Degraded:    p.degraded.Load(),
		Unpublished: len(p.unpublished),
		LastError:   p.lastErr,
	}
}

// Run publishes queued batches until ctx is done, then waits for workers
// to stop. Batches still pending are found again by the next run.
func (p *Publisher) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	if err := p.recover(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(p.cfg.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.mailbox.Wait():
			for {
				n, ok := p.mailbox.TryReceive()
				if !ok {
					break
				}
				p.start(ctx, &wg, n)
			}
		case <-ticker.C:
			p.retryPass(ctx, &wg)
		}
	}
}

// recover queues every batch that was sealed but never acknowledged.
func (p *Publisher) recover(ctx context.Context) error {
	n := 0
	for r, err := range p.ledger.Publications(ctx) {
		if err != nil {
			return fmt.Errorf("recover publications: %w", err)
		}
		if r.State == ir.PublishAcked {
			continue
		}
		if r.State == ir.PublishUnpublished {
			p.markUnpublished(r.Batch, r.LastError)
		}
		p.mailbox.Send(r.Batch)
		n++
	}
	if n > 0 {
		p.log.Info("recovered pending publications", "count", n)
	}
	return nil
}

func (p *Publisher) retryPass(ctx context.Context, wg *sync.WaitGroup) {
	p.mu.Lock()
	due := make([]uint64, 0, len(p.unpublished))
	for n := range p.unpublished {
		due = append(due, n)
	}
	p.mu.Unlock()
	if len(due) == 0 {
		return
	}
	p.log.Info("retrying unpublished batches", "count", len(due))
	for _, n := range due {
		p.start(ctx, wg, n)
	}
}

// start spawns a worker for batch n unless one is already running.
func (p *Publisher) start(ctx context.Context, wg *sync.WaitGroup, n uint64) {
	p.mu.Lock()
	if p.inflight[n] {
		p.mu.Unlock()
		return
	}
	p.inflight[n] = true
	p.mu.Unlock()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() {
			p.mu.Lock()
			delete(p.inflight, n)
			p.mu.Unlock()
		}()
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return
		}
		defer p.sem.Release(1)

		b, err := p.ledger.Batch(ctx, n)
		if err != nil {
			if ctx.Err() == nil {
				p.log.Error("load batch for publication", "batch", n, "error", err)
			}
			return
		}
		if _, err := p.Publish(ctx, b); err != nil && ctx.Err() == nil {
			p.log.Warn("batch unpublished", "batch", n, "error", err)
		}
	}()
}

// Publish submits b, retrying transient failures with exponential backoff
// up to MaxAttempts, and records the result in the ledger. Publishing an
// acknowledged batch again returns the stored handle.
func (p *Publisher) Publish(ctx context.Context, b ir.Batch) (string, error) {
	rec, err := p.ledger.Publication(ctx, b.Number)
	if err == nil && rec.State == ir.PublishAcked {
		p.clearUnpublished(b.Number)
		return rec.Handle, nil
	}
	if err != nil && !errors.Is(err, ledger.ErrNotFound) {
		return "", err
	}

	payload, err := json.Marshal(b)
	if err != nil {
		return "", fmt.Errorf("encode batch %d: %w", b.Number, err)
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.cfg.Backoff
	eb.MaxInterval = p.cfg.MaxBackoff
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(p.cfg.MaxAttempts-1)), ctx)

	attempts := 0
	var handle string
	err = backoff.Retry(func() error {
		attempts++
		h, err := p.client.Submit(ctx, b.Digest, payload)
		if err == nil {
			handle = h
			return nil
		}
		p.metrics.DAFailures.Inc()
		p.log.Debug("da submission failed", "batch", b.Number, "attempt", attempts, "error", err)
		if IsPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)

	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		p.fail(ctx, b.Number, attempts, err)
		return "", err
	}
	p.acknowledge(ctx, b.Number, attempts, handle)
	return handle, nil
}

func (p *Publisher) acknowledge(ctx context.Context, n uint64, attempts int, handle string) {
	if _, err := p.ledger.UpdatePublication(ctx, n, func(r *ledger.PublishRecord) bool {
		r.State = ir.PublishAcked
		r.Handle = handle
		r.Attempts += attempts
		r.LastError = ""
		return true
	}); err != nil {
		p.log.Error("record publication", "batch", n, "error", err)
	}
	p.clearUnpublished(n)
	p.degraded.Store(false)
	p.metrics.DADegraded.Set(0)
	p.metrics.DAPublished.Inc()
	p.log.Info("batch published", "batch", n, "handle", handle, "attempts", attempts)
}

func (p *Publisher) fail(ctx context.Context, n uint64, attempts int, cause error) {
	if _, err := p.ledger.UpdatePublication(ctx, n, func(r *ledger.PublishRecord) bool {
		if r.State == ir.PublishAcked {
			return false
		}
		r.State = ir.PublishUnpublished
		r.Attempts += attempts
		r.LastError = cause.Error()
		return true
	}); err != nil {
		p.log.Error("record publication failure", "batch", n, "error", err)
	}
	p.markUnpublished(n, cause.Error())
	p.degraded.Store(true)
	p.metrics.DADegraded.Set(1)
}

func (p *Publisher) markUnpublished(n uint64, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unpublished[n] = true
	if reason != "" {
		p.lastErr = reason
	}
	p.metrics.DAUnpublished.Set(float64(len(p.unpublished)))
}

func (p *Publisher) clearUnpublished(n uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.unpublished, n)
	if len(p.unpublished) == 0 {
		p.lastErr = ""
	}
	p.metrics.DAUnpublished.Set(float64(len(p.unpublished)))
}
