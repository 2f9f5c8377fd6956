// Package settlement drives sealed batches through the external settlement
// path and applies the oracle's verdicts.
//
// Each batch moves Sealed -> Submitted -> Confirmed | Reverted and never
// moves back. Oracle events are keyed by id in the ledger's
// de-duplication records, so redelivery after a reconnect is a no-op.
// Deposits and compensations reach the accounts only as synthetic
// transactions through intake; the bridge never mutates an account
// directly.
package settlement

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/roach88/ledgerd/internal/actor"
	"github.com/roach88/ledgerd/internal/ir"
	"github.com/roach88/ledgerd/internal/ledger"
	"github.com/roach88/ledgerd/internal/metrics"
)

const (
	cursorKey = "oracle-cursor"
	parkedKey = "parked-events"
)

// Settler hands a sealed batch to the settlement path.
type Settler interface {
	Submit(ctx context.Context, b ir.Batch) error
}

// Source streams oracle events with Position greater than after. Subscribe
// blocks until ctx is done, the connection fails or handle returns an
// error.
type Source interface {
	Subscribe(ctx context.Context, after uint64, handle func(ir.SettlementEvent) error) error
}

// Admitter admits synthetic transactions.
type Admitter interface {
	AdmitSynthetic(ctx context.Context, kind ir.TxKind, payload []byte) (ir.Ticket, error)
}

// Finalizer marks settlement finality on accounts.
type Finalizer interface {
	MarkFinality(ctx context.Context, addrs []ir.Address, marker ir.Finality, batch uint64) error
}

// Config tunes the bridge.
type Config struct {
	// SubmitAttempts bounds settler calls per batch per pass.
	SubmitAttempts int
	SubmitBackoff  time.Duration
	// RetryInterval is how often batches still sealed are resubmitted.
	RetryInterval time.Duration
	// ReconnectBackoff is the first delay before resubscribing; it
	// doubles up to MaxReconnectBackoff.
	ReconnectBackoff    time.Duration
	MaxReconnectBackoff time.Duration
	// AdmitWait bounds how long a synthetic admission is retried before
	// the event is left for redelivery.
	AdmitWait time.Duration
}

// Health is the bridge's externally visible status.
type Health struct {
	OracleConnected bool   `json:"oracle_connected"`
	Parked          int    `json:"parked"`
	Cursor          uint64 `json:"cursor"`
}

// Bridge is the settlement bridge actor.
type Bridge struct {
	cfg       Config
	ledger    *ledger.Ledger
	settler   Settler
	source    Source
	admitter  Admitter
	finalizer Finalizer
	mailbox   *actor.Mailbox[message]
	metrics   *metrics.Metrics
	log       *slog.Logger

	connected atomic.Bool
	cursor    atomic.Uint64
	parkedN   atomic.Int64

	// Owned by the Run goroutine.
	parked     map[string][]ir.SettlementEvent
	submitting map[uint64]bool
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithMetrics sets the collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Bridge) { b.metrics = m }
}

// New creates a bridge.
func New(l *ledger.Ledger, settler Settler, source Source, admitter Admitter, finalizer Finalizer, cfg Config, opts ...Option) *Bridge {
	cfg.SubmitAttempts = max(cfg.SubmitAttempts, 1)
	if cfg.SubmitBackoff <= 0 {
		cfg.SubmitBackoff = 100 * time.Millisecond
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 30 * time.Second
	}
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = 100 * time.Millisecond
	}
	if cfg.MaxReconnectBackoff < cfg.ReconnectBackoff {
		cfg.MaxReconnectBackoff = 30 * time.Second
	}
	if cfg.AdmitWait <= 0 {
		cfg.AdmitWait = 5 * time.Second
	}
	b := &Bridge{
		cfg:       cfg,
		ledger:    l,
		settler:   settler,
		source:    source,
		admitter:  admitter,
		finalizer: finalizer,
		mailbox:   actor.NewMailbox[message](),
		log:       slog.Default().With("actor", "settlement"),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.metrics = metrics.OrNop(b.metrics)
	return b
}

type message struct {
	sealed    *ir.Batch
	submitted *uint64
	event     *ir.SettlementEvent
	reply     chan error
}

// BatchSealed queues b for submission. It never blocks.
func (b *Bridge) BatchSealed(batch ir.Batch) {
	b.mailbox.Send(message{sealed: &batch})
}

// Health reports the oracle connection and parked event count.
func (b *Bridge) Health() Health {
	return Health{
		OracleConnected: b.connected.Load(),
		Parked:          int(b.parkedN.Load()),
		Cursor:          b.cursor.Load(),
	}
}

// Run submits batches and consumes oracle events until ctx is done.
func (b *Bridge) Run(ctx context.Context) error {
	if err := b.recover(ctx); err != nil {
		return err
	}

	var wg sync.WaitGroup
	defer wg.Wait()
	streamCtx, stopStream := context.WithCancel(ctx)
	defer stopStream()
	if b.source != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.stream(streamCtx)
		}()
	}

	// Batches sealed before a restart are still waiting for submission.
	b.resubmit(ctx, &wg)

	ticker := time.NewTicker(b.cfg.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-b.mailbox.Wait():
			for {
				msg, ok := b.mailbox.TryReceive()
				if !ok {
					break
				}
				b.handle(ctx, &wg, msg)
			}
		case <-ticker.C:
			b.resubmit(ctx, &wg)
		}
	}
}

func (b *Bridge) recover(ctx context.Context) error {
	b.parked = make(map[string][]ir.SettlementEvent)
	b.submitting = make(map[uint64]bool)

	cursor, _, err := ledger.GetMeta[uint64](ctx, b.ledger, cursorKey)
	if err != nil {
		return fmt.Errorf("load oracle cursor: %w", err)
	}
	b.cursor.Store(cursor)

	parked, _, err := ledger.GetMeta[[]ir.SettlementEvent](ctx, b.ledger, parkedKey)
	if err != nil {
		return fmt.Errorf("load parked events: %w", err)
	}
	for _, ev := range parked {
		b.parked[ev.BatchDigest] = append(b.parked[ev.BatchDigest], ev)
	}
	b.updateParked()

	// Verdicts for batches sealed while their events sat parked are
	// replayed before anything else.
	for digest := range b.parked {
		if _, err := b.ledger.BatchByDigest(ctx, digest); err == nil {
			if err := b.replayParked(ctx, digest); err != nil {
				b.log.Error("replay parked events", "digest", digest, "error", err)
			}
		}
	}
	return nil
}

func (b *Bridge) handle(ctx context.Context, wg *sync.WaitGroup, msg message) {
	switch {
	case msg.sealed != nil:
		b.submit(ctx, wg, msg.sealed.Number)
		if _, ok := b.parked[msg.sealed.Digest]; ok {
			if err := b.replayParked(ctx, msg.sealed.Digest); err != nil {
				b.log.Error("replay parked events", "batch", msg.sealed.Number, "error", err)
			}
		}
	case msg.submitted != nil:
		delete(b.submitting, *msg.submitted)
	case msg.event != nil:
		err := b.process(ctx, *msg.event)
		if err == nil {
			err = b.advance(ctx, msg.event.Position)
		}
		msg.reply <- err
	}
}

// submit hands batch n to the settler in the background.
func (b *Bridge) submit(ctx context.Context, wg *sync.WaitGroup, n uint64) {
	if b.submitting[n] {
		return
	}
	b.submitting[n] = true
	wg.Add(1)
	go func() {
		defer wg.Done()
		err := b.Submit(ctx, n)
		if err != nil && ctx.Err() == nil {
			b.log.Warn("settlement submission failed", "batch", n, "error", err)
		}
		b.mailbox.Send(message{submitted: &n})
	}()
}

func (b *Bridge) resubmit(ctx context.Context, wg *sync.WaitGroup) {
	for r, err := range b.ledger.Settlements(ctx) {
		if err != nil {
			b.log.Error("scan settlements", "error", err)
			return
		}
		if r.State == ir.SettlementSealed {
			b.submit(ctx, wg, r.Batch)
		}
	}
}

// Submit hands sealed batch n to the settler, retrying with backoff, and
// moves it to Submitted. Batches already past Sealed are left alone.
func (b *Bridge) Submit(ctx context.Context, n uint64) error {
	rec, err := b.ledger.Settlement(ctx, n)
	if err != nil {
		return err
	}
	if rec.State != ir.SettlementSealed {
		return nil
	}
	batch, err := b.ledger.Batch(ctx, n)
	if err != nil {
		return err
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = b.cfg.SubmitBackoff
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(b.cfg.SubmitAttempts-1)), ctx)

	attempts := 0
	err = backoff.Retry(func() error {
		attempts++
		return b.settler.Submit(ctx, batch)
	}, policy)

	_, uerr := b.ledger.UpdateSettlement(ctx, n, func(r *ledger.SettlementRecord) bool {
		r.Attempts += attempts
		if err != nil {
			r.LastError = err.Error()
			return true
		}
		r.LastError = ""
		if r.State == ir.SettlementSealed {
			r.State = ir.SettlementSubmitted
		}
		return true
	})
	if err != nil {
		return err
	}
	if uerr != nil {
		return uerr
	}
	b.log.Info("batch submitted for settlement", "batch", n, "digest", batch.Digest, "attempts", attempts)
	return nil
}

// stream consumes the oracle until ctx is done, resubscribing from the
// persisted cursor with backoff after every disconnect.
func (b *Bridge) stream(ctx context.Context) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = b.cfg.ReconnectBackoff
	eb.MaxInterval = b.cfg.MaxReconnectBackoff
	eb.MaxElapsedTime = 0

	for ctx.Err() == nil {
		b.setConnected(true)
		delivered := false
		err := b.source.Subscribe(ctx, b.cursor.Load(), func(ev ir.SettlementEvent) error {
			delivered = true
			return b.deliver(ctx, ev)
		})
		b.setConnected(false)
		if ctx.Err() != nil {
			return
		}
		if delivered {
			eb.Reset()
		}
		wait := eb.NextBackOff()
		b.log.Warn("oracle disconnected", "error", err, "retry_in", wait)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (b *Bridge) setConnected(up bool) {
	b.connected.Store(up)
	if up {
		b.metrics.OracleConnected.Set(1)
	} else {
		b.metrics.OracleConnected.Set(0)
	}
}

// deliver hands ev to the actor loop and waits until it was processed.
func (b *Bridge) deliver(ctx context.Context, ev ir.SettlementEvent) error {
	reply := make(chan error, 1)
	if !b.mailbox.Send(message{event: &ev, reply: reply}) {
		return actor.ErrClosed
	}
	err, aerr := actor.Await(ctx, reply, 0)
	if aerr != nil {
		return aerr
	}
	return err
}

// process applies ev unless its id was seen before. The event is marked
// applied only after its effects are durable.
func (b *Bridge) process(ctx context.Context, ev ir.SettlementEvent) error {
	if err := ev.Validate(); err != nil {
		b.log.Error("dropping malformed oracle event", "position", ev.Position, "error", err)
		return nil
	}
	seen, err := b.ledger.EventApplied(ctx, ev.ID)
	if err != nil {
		return err
	}
	if seen {
		b.metrics.SettlementDuplicates.Inc()
		b.log.Debug("duplicate oracle event", "id", ev.ID, "kind", ev.Kind)
		return nil
	}

	switch ev.Kind {
	case ir.EventBridgedDeposit:
		err = b.deposit(ctx, ev)
	case ir.EventFinalityConfirmed, ir.EventReverted:
		var parked bool
		parked, err = b.verdict(ctx, ev)
		if err == nil && parked {
			return nil
		}
	}
	if err != nil {
		return fmt.Errorf("event %s: %w", ev.ID, err)
	}
	if _, err := b.ledger.MarkEvent(ctx, ev); err != nil {
		return err
	}
	b.metrics.SettlementEvents.WithLabelValues(string(ev.Kind)).Inc()
	return nil
}

func (b *Bridge) deposit(ctx context.Context, ev ir.SettlementEvent) error {
	payload, err := json.Marshal(ir.DepositPayload{
		EventID: ev.ID,
		Account: ev.Account,
		Asset:   ev.Asset,
		Amount:  ev.Amount,
	})
	if err != nil {
		return err
	}
	t, err := b.admit(ctx, ev.ID, ir.KindDeposit, payload)
	if err != nil {
		return err
	}
	b.log.Info("deposit admitted", "event", ev.ID, "account", ev.Account, "asset", ev.Asset, "amount", ev.Amount, "tx", t.ID)
	return nil
}

// verdict applies a confirmation or reversion. It reports true when the
// batch is not sealed locally yet and the event was parked.
func (b *Bridge) verdict(ctx context.Context, ev ir.SettlementEvent) (bool, error) {
	n, err := b.ledger.BatchByDigest(ctx, ev.BatchDigest)
	if errors.Is(err, ledger.ErrNotFound) {
		return true, b.park(ctx, ev)
	}
	if err != nil {
		return false, err
	}
	rec, err := b.ledger.Settlement(ctx, n)
	if err != nil {
		return false, err
	}
	if rec.State.Terminal() {
		if rec.State == ir.SettlementConfirmed && ev.Kind == ir.EventReverted {
			b.log.Error("reversion after confirmation ignored", "batch", n, "event", ev.ID)
		} else if rec.State != stateFor(ev.Kind) {
			b.log.Warn("verdict for settled batch ignored", "batch", n, "state", rec.State, "event", ev.ID, "kind", ev.Kind)
		}
		return false, nil
	}

	batch, err := b.ledger.Batch(ctx, n)
	if err != nil {
		return false, err
	}
	marker := ir.FinalityConfirmed
	if ev.Kind == ir.EventReverted {
		marker = ir.FinalityReverted
		if err := b.compensate(ctx, ev, batch); err != nil {
			return false, err
		}
	}

	if _, err := b.ledger.UpdateSettlement(ctx, n, func(r *ledger.SettlementRecord) bool {
		if r.State.Terminal() {
			return false
		}
		r.State = stateFor(ev.Kind)
		r.EventID = ev.ID
		return true
	}); err != nil {
		return false, err
	}
	if err := b.finalizer.MarkFinality(ctx, batch.Touched(), marker, n); err != nil {
		return false, err
	}
	b.log.Info("batch settled", "batch", n, "state", stateFor(ev.Kind), "event", ev.ID)
	return false, nil
}

func stateFor(k ir.EventKind) ir.SettlementState {
	if k == ir.EventReverted {
		return ir.SettlementReverted
	}
	return ir.SettlementConfirmed
}

// compensate admits the inverse of batch as one synthetic transaction.
func (b *Bridge) compensate(ctx context.Context, ev ir.SettlementEvent, batch ir.Batch) error {
	delta, err := batch.Compensation()
	if err != nil {
		return err
	}
	if len(delta) == 0 {
		b.log.Info("reverted batch changed no balances", "batch", batch.Number)
		return nil
	}
	payload, err := json.Marshal(ir.CompensationPayload{
		EventID: ev.ID,
		Batch:   batch.Number,
		Digest:  batch.Digest,
		Delta:   delta,
	})
	if err != nil {
		return err
	}
	t, err := b.admit(ctx, ev.ID, ir.KindCompensation, payload)
	if err != nil {
		return err
	}
	b.log.Warn("batch reverted, compensation admitted", "batch", batch.Number, "tx", t.ID, "accounts", len(delta))
	return nil
}

// admit retries a synthetic admission for up to AdmitWait; intake may be
// halted or restarting. Retries of an admission intake already accepted
// get the same ticket back, and an event the applier already claimed is
// not admitted again.
func (b *Bridge) admit(ctx context.Context, event string, kind ir.TxKind, payload []byte) (ir.Ticket, error) {
	by, err := b.ledger.Claim(ctx, event)
	if err == nil {
		b.log.Info("event already applied", "event", event, "tx", by)
		return ir.Ticket{ID: by}, nil
	}
	if !errors.Is(err, ledger.ErrNotFound) {
		return ir.Ticket{}, err
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 10 * time.Millisecond
	eb.MaxElapsedTime = b.cfg.AdmitWait

	var t ir.Ticket
	err = backoff.Retry(func() error {
		var err error
		t, err = b.admitter.AdmitSynthetic(ctx, kind, payload)
		return err
	}, backoff.WithContext(eb, ctx))
	return t, err
}

func (b *Bridge) park(ctx context.Context, ev ir.SettlementEvent) error {
	for _, p := range b.parked[ev.BatchDigest] {
		if p.ID == ev.ID {
			return nil
		}
	}
	b.parked[ev.BatchDigest] = append(b.parked[ev.BatchDigest], ev)
	if err := b.saveParked(ctx); err != nil {
		return err
	}
	b.log.Info("event parked until its batch seals", "event", ev.ID, "digest", ev.BatchDigest)
	return nil
}

func (b *Bridge) replayParked(ctx context.Context, digest string) error {
	events := b.parked[digest]
	delete(b.parked, digest)
	for i, ev := range events {
		if err := b.process(ctx, ev); err != nil {
			b.parked[digest] = events[i:]
			_ = b.saveParked(ctx)
			return err
		}
	}
	return b.saveParked(ctx)
}

func (b *Bridge) saveParked(ctx context.Context) error {
	var all []ir.SettlementEvent
	for _, events := range b.parked {
		all = append(all, events...)
	}
	slices.SortFunc(all, func(x, y ir.SettlementEvent) int {
		return cmp.Compare(x.Position, y.Position)
	})
	b.updateParked()
	return ledger.SetMeta(ctx, b.ledger, parkedKey, all)
}

func (b *Bridge) updateParked() {
	n := 0
	for _, events := range b.parked {
		n += len(events)
	}
	b.parkedN.Store(int64(n))
	b.metrics.SettlementParked.Set(float64(n))
}

// advance persists the oracle cursor.
func (b *Bridge) advance(ctx context.Context, position uint64) error {
	if position <= b.cursor.Load() {
		return nil
	}
	if err := ledger.SetMeta(ctx, b.ledger, cursorKey, position); err != nil {
		return err
	}
	b.cursor.Store(position)
	return nil
}
