package apply

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/roach88/ledgerd/internal/accounts"
	"github.com/roach88/ledgerd/internal/actor"
	"github.com/roach88/ledgerd/internal/ir"
	"github.com/roach88/ledgerd/internal/ledger"
	"github.com/roach88/ledgerd/internal/metrics"
	"github.com/roach88/ledgerd/internal/store"
	"github.com/roach88/ledgerd/internal/supervisor"
)

// Cache is the account cache surface the applier writes through.
type Cache interface {
	Get(ctx context.Context, addr ir.Address) (ir.Account, error)
	ReserveWrite(ctx context.Context, addr ir.Address) (accounts.Lease, error)
	CommitAll(ctx context.Context, writes []accounts.Write, records []store.Op) ([]ir.Account, error)
	Release(ctx context.Context, lease accounts.Lease) error
}

// BatchSink is notified of every sealed batch. BatchSealed must not block.
type BatchSink interface {
	BatchSealed(b ir.Batch)
}

// Disposition is what happened to a delivered result.
type Disposition string

const (
	// Committed: the result and any held successors were applied.
	Committed Disposition = "committed"
	// Deferred: the result waits for a smaller nonce of its sender.
	Deferred Disposition = "deferred"
	// Rejected: the result's nonce was already consumed.
	Rejected Disposition = "rejected"
)

// Config tunes the applier.
type Config struct {
	// ReorderWindow bounds how long a sender's held results wait for a
	// missing nonce.
	ReorderWindow time.Duration
	// BatchSize seals the open batch at this many entries.
	BatchSize int
	// BatchInterval seals a non-empty open batch this long after its first
	// entry. Zero disables age sealing.
	BatchInterval time.Duration
	// LeaseWait bounds how long a busy account lease is retried.
	LeaseWait time.Duration
}

// Applier is the state application actor.
type Applier struct {
	cfg     Config
	cache   Cache
	ledger  *ledger.Ledger
	feed    *ledger.Feed
	sinks   []BatchSink
	mailbox *actor.Mailbox[message]
	metrics *metrics.Metrics
	log     *slog.Logger
	now     func() time.Time

	// Owned by the Run goroutine.
	senders map[ir.Address]*senderQueue
	open    *openBatch
}

// Option configures an Applier.
type Option func(*Applier)

// WithMetrics sets the collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Applier) { a.metrics = m }
}

// WithFeed publishes recorded outcomes to f.
func WithFeed(f *ledger.Feed) Option {
	return func(a *Applier) { a.feed = f }
}

// WithSinks adds batch sinks.
func WithSinks(sinks ...BatchSink) Option {
	return func(a *Applier) { a.sinks = append(a.sinks, sinks...) }
}

// WithClock overrides wall-clock time (for testing).
func WithClock(now func() time.Time) Option {
	return func(a *Applier) { a.now = now }
}

// New creates an applier.
func New(cache Cache, l *ledger.Ledger, cfg Config, opts ...Option) *Applier {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.ReorderWindow <= 0 {
		cfg.ReorderWindow = time.Second
	}
	if cfg.LeaseWait <= 0 {
		cfg.LeaseWait = time.Second
	}
	a := &Applier{
		cfg:     cfg,
		cache:   cache,
		ledger:  l,
		mailbox: actor.NewMailbox[message](),
		log:     slog.Default().With("actor", "apply"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.metrics = metrics.OrNop(a.metrics)
	return a
}

type message struct {
	result *ir.ExecutionResult
	reply  chan applyReply
	seal   chan sealReply
}

type applyReply struct {
	disposition Disposition
	err         error
}

type sealReply struct {
	batch  ir.Batch
	sealed bool
	err    error
}

// Deliver queues r for application. Safe to call from any goroutine.
func (a *Applier) Deliver(r ir.ExecutionResult) {
	a.mailbox.Send(message{result: &r})
}

// Apply queues r and waits for its disposition.
func (a *Applier) Apply(ctx context.Context, r ir.ExecutionResult) (Disposition, error) {
	reply := make(chan applyReply, 1)
	if !a.mailbox.Send(message{result: &r, reply: reply}) {
		return "", actor.ErrClosed
	}
	res, err := actor.Await(ctx, reply, 0)
	if err != nil {
		return "", err
	}
	return res.disposition, res.err
}

// Seal seals the open batch now. It reports false if the batch was empty.
func (a *Applier) Seal(ctx context.Context) (ir.Batch, bool, error) {
	reply := make(chan sealReply, 1)
	if !a.mailbox.Send(message{seal: reply}) {
		return ir.Batch{}, false, actor.ErrClosed
	}
	res, err := actor.Await(ctx, reply, 0)
	if err != nil {
		return ir.Batch{}, false, err
	}
	return res.batch, res.sealed, res.err
}

// Run applies results until ctx is done. On the way out it drains results
// already delivered and seals the open batch. Started commits always
// complete: all store and cache work runs on a context that ignores
// cancellation.
func (a *Applier) Run(ctx context.Context) error {
	work := context.WithoutCancel(ctx)
	if err := a.resume(work); err != nil {
		return err
	}
	a.senders = make(map[ir.Address]*senderQueue)
	defer a.requeueHeld()

	ticker := time.NewTicker(a.tick())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return a.drain(work)
		case <-a.mailbox.Wait():
			for {
				msg, ok := a.mailbox.TryReceive()
				if !ok {
					break
				}
				if err := a.handle(work, msg); err != nil {
					return err
				}
			}
		case <-ticker.C:
			if err := a.expire(work); err != nil {
				return err
			}
			if err := a.sealIfDue(work); err != nil {
				return err
			}
		}
	}
}

func (a *Applier) tick() time.Duration {
	d := a.cfg.ReorderWindow
	if a.cfg.BatchInterval > 0 {
		d = min(d, a.cfg.BatchInterval)
	}
	return min(max(d/4, time.Millisecond), 250*time.Millisecond)
}

// resume loads the open batch from the ledger. A batch whose header was
// written but whose seal did not finish is completed first.
func (a *Applier) resume(ctx context.Context) error {
	last, err := a.ledger.LastBatch(ctx)
	if err != nil {
		return fmt.Errorf("resume: %w", err)
	}
	for n := last + 1; ; n++ {
		b, err := a.ledger.Batch(ctx, n)
		if errors.Is(err, ledger.ErrNotFound) {
			break
		}
		if err != nil {
			return fmt.Errorf("resume: %w", err)
		}
		a.log.Warn("finishing interrupted seal", "batch", n)
		if err := a.ledger.Seal(ctx, b); err != nil {
			return fmt.Errorf("resume: %w", err)
		}
		last = n
	}

	a.open = newOpenBatch(last + 1)
	entries, err := a.ledger.Entries(ctx, a.open.number)
	if err != nil {
		return fmt.Errorf("resume: %w", err)
	}
	for _, e := range entries {
		if err := a.open.add(e, a.now()); err != nil {
			return fmt.Errorf("resume: %w", err)
		}
	}
	if len(entries) > 0 {
		a.log.Info("resumed open batch", "batch", a.open.number, "entries", len(entries))
	}
	return nil
}

// drain applies results delivered before shutdown and seals.
func (a *Applier) drain(ctx context.Context) error {
	for n := a.mailbox.Len(); n > 0; n-- {
		msg, ok := a.mailbox.TryReceive()
		if !ok {
			break
		}
		if err := a.handle(ctx, msg); err != nil {
			return err
		}
	}
	_, _, err := a.seal(ctx)
	return err
}

// requeueHeld hands held results back to the mailbox for the next run.
func (a *Applier) requeueHeld() {
	n := 0
	for _, q := range a.senders {
		for _, r := range q.ordered() {
			a.mailbox.Send(message{result: &r})
			n++
		}
	}
	a.senders = nil
	a.metrics.Deferred.Set(0)
	if n > 0 {
		a.log.Info("requeued held results", "count", n)
	}
}

func (a *Applier) handle(ctx context.Context, msg message) error {
	if msg.seal != nil {
		b, sealed, err := a.seal(ctx)
		msg.seal <- sealReply{batch: b, sealed: sealed, err: err}
		return err
	}

	d, err := a.accept(ctx, *msg.result)
	if msg.reply != nil {
		msg.reply <- applyReply{disposition: d, err: err}
	}
	if err != nil {
		return err
	}
	return a.sealIfDue(ctx)
}

// accept routes one result by its nonce relative to the sender's next.
func (a *Applier) accept(ctx context.Context, r ir.ExecutionResult) (Disposition, error) {
	q, err := a.queue(ctx, r.Sender)
	if err != nil {
		return "", err
	}
	now := a.now()

	switch {
	case r.Nonce < q.next:
		return Rejected, a.stale(ctx, r, q.next)
	case r.Nonce > q.next:
		q.hold(r, now, a.cfg.ReorderWindow)
		a.updateDeferred()
		a.log.Debug("result deferred", "tx", r.TxID, "sender", r.Sender, "nonce", r.Nonce, "next", q.next)
		return Deferred, nil
	}

	// A result that failed to apply stays held so the next run retries it.
	if err := a.apply(ctx, r); err != nil {
		q.hold(r, now, a.cfg.ReorderWindow)
		return "", err
	}
	q.next++
	for {
		h, ok := q.take(q.next)
		if !ok {
			break
		}
		if err := a.apply(ctx, h); err != nil {
			q.hold(h, now, a.cfg.ReorderWindow)
			return "", err
		}
		q.next++
	}
	q.progressed(now, a.cfg.ReorderWindow)
	if q.empty() {
		delete(a.senders, r.Sender)
	}
	a.updateDeferred()
	return Committed, nil
}

func (a *Applier) queue(ctx context.Context, sender ir.Address) (*senderQueue, error) {
	if q, ok := a.senders[sender]; ok {
		return q, nil
	}
	acct, err := a.cache.Get(ctx, sender)
	if err != nil {
		return nil, fmt.Errorf("read nonce of %s: %w", sender, err)
	}
	q := newSenderQueue(acct.Nonce)
	a.senders[sender] = q
	return q, nil
}

func (a *Applier) updateDeferred() {
	n := 0
	for _, q := range a.senders {
		n += len(q.held)
	}
	a.metrics.Deferred.Set(float64(n))
}

// stale records a result whose nonce was already consumed, either by an
// ordering timeout or by a duplicate delivery.
func (a *Applier) stale(ctx context.Context, r ir.ExecutionResult, next uint64) error {
	a.log.Warn("result arrived after its nonce was consumed", "tx", r.TxID, "sender", r.Sender, "nonce", r.Nonce, "next", next)
	if _, err := a.ledger.Outcome(ctx, r.TxID); err == nil {
		return nil
	} else if !errors.Is(err, ledger.ErrNotFound) {
		return err
	}
	o := ir.Outcome{
		TxID:   r.TxID,
		Sender: r.Sender,
		Nonce:  r.Nonce,
		Status: ir.StatusOrderingTimeout,
		Reason: fmt.Sprintf("nonce %d was consumed before the result arrived", r.Nonce),
	}
	return a.publish(ctx, o)
}

// expire times out senders whose held results waited past the window.
func (a *Applier) expire(ctx context.Context) error {
	now := a.now()
	var due []ir.Address
	for sender, q := range a.senders {
		if q.expired(now) {
			due = append(due, sender)
		}
	}
	slices.SortFunc(due, ir.Address.Compare)

	for _, sender := range due {
		q := a.senders[sender]
		top := q.top()
		a.log.Warn("reorder window expired", "sender", sender, "next", q.next, "held", len(q.held), "through", top)
		missing := q.next
		for n := q.next; n <= top; n++ {
			r, ok := q.take(n)
			held := r
			if !ok {
				missing = n
				r = ir.ExecutionResult{Sender: sender, Nonce: n}
				r.Reason = "nonce never arrived"
			} else {
				r.Reason = fmt.Sprintf("waited %s for nonce %d", a.cfg.ReorderWindow, missing)
			}
			r.Status = ir.StatusOrderingTimeout
			if err := a.apply(ctx, r); err != nil {
				if ok {
					q.hold(held, now, a.cfg.ReorderWindow)
				}
				return err
			}
			q.next = n + 1
		}
		delete(a.senders, sender)
	}
	if len(due) > 0 {
		a.updateDeferred()
	}
	return a.sealIfDue(ctx)
}

// apply commits r and appends its entry to the open batch. The accounts,
// the entry, the outcome and any event claim are stored in one atomic
// write. A conflict is retried once with fresh leases; any other failure
// is fatal and leaves nothing behind.
func (a *Applier) apply(ctx context.Context, r ir.ExecutionResult) error {
	base := ir.BatchEntry{
		TxID:   r.TxID,
		Seq:    r.Seq,
		Kind:   r.Kind,
		Sender: r.Sender,
		Nonce:  r.Nonce,
		Status: r.Status,
		Reason: r.Reason,
	}
	if base.Status == ir.StatusSuccess {
		if err := authorize(r); err != nil {
			base.Status, base.Reason = ir.StatusReverted, err.Error()
		}
	}

	for attempt := 1; ; attempt++ {
		if base.Status == ir.StatusSuccess && r.Kind.Synthetic() && r.Event != "" {
			by, err := a.ledger.Claim(ctx, r.Event)
			switch {
			case err == nil:
				base.Status, base.Reason = ir.StatusReverted, fmt.Sprintf("event %s already applied by %s", r.Event, by)
			case !errors.Is(err, ledger.ErrNotFound):
				return supervisor.Fatal(fmt.Errorf("read claim of event %s: %w", r.Event, err))
			}
		}

		entry, err := a.commit(ctx, r, base)
		if err == nil {
			return a.record(entry)
		}
		if !accounts.IsConflict(err) {
			return supervisor.Fatal(fmt.Errorf("commit %s: %w", r.TxID, err))
		}
		if attempt == 2 {
			return supervisor.Fatal(fmt.Errorf("commit %s after retry: %w", r.TxID, err))
		}
		a.log.Warn("commit conflict, retrying", "tx", r.TxID, "error", err)
	}
}

// commit leases every account of r in ascending order, checks the delta
// against the lease snapshots and stores the result. A delta that does not
// fit turns the entry into a revert that only consumes the nonce.
func (a *Applier) commit(ctx context.Context, r ir.ExecutionResult, entry ir.BatchEntry) (ir.BatchEntry, error) {
	addrs := []ir.Address{r.Sender}
	if entry.Status == ir.StatusSuccess && len(r.Delta) > 0 {
		addrs = ir.SortAddresses(append(r.Delta.Addresses(), r.Sender))
	}
	leases := make(map[ir.Address]accounts.Lease, len(addrs))
	defer func() {
		for _, l := range leases {
			if err := a.cache.Release(ctx, l); err != nil {
				a.log.Warn("release lease", "address", l.Address, "error", err)
			}
		}
	}()
	for _, addr := range addrs {
		l, err := a.reserve(ctx, addr)
		if err != nil {
			return entry, err
		}
		leases[addr] = l
	}

	if entry.Status == ir.StatusSuccess && len(r.Delta) > 0 {
		delta, prior, reason := a.check(r, addrs, leases)
		if reason != "" {
			entry.Status, entry.Reason = ir.StatusReverted, reason
		} else {
			entry.Delta, entry.Prior = delta, prior
		}
	}

	var writes []accounts.Write
	for _, addr := range addrs {
		w := accounts.Write{Lease: leases[addr], Options: accounts.CommitOptions{Batch: a.open.number}}
		if addr == r.Sender {
			w.Options.AdvanceNonce, w.Options.FromNonce = true, r.Nonce
		} else if entry.Delta == nil {
			continue
		}
		w.Mutation = entry.Delta[addr]
		writes = append(writes, w)
	}

	records, err := a.records(r, entry)
	if err != nil {
		return entry, err
	}
	if _, err := a.cache.CommitAll(ctx, writes, records); err != nil {
		return entry, err
	}
	clear(leases)
	return entry, nil
}

// check applies every mutation of r to its lease snapshot. Compensation
// debits are clamped to the balance. A non-empty reason means the delta
// does not fit.
func (a *Applier) check(r ir.ExecutionResult, addrs []ir.Address, leases map[ir.Address]accounts.Lease) (ir.Delta, map[ir.Address]map[ir.Address][]byte, string) {
	delta := make(ir.Delta, len(r.Delta))
	var prior map[ir.Address]map[ir.Address][]byte
	for _, addr := range addrs {
		m, ok := r.Delta[addr]
		if !ok {
			continue
		}
		snap := leases[addr].Snapshot
		if r.Kind == ir.KindCompensation {
			var shortfall map[ir.Address]ir.Amount
			m, shortfall = m.Clamp(snap)
			for asset, amt := range shortfall {
				a.log.Error("compensation debit exceeds balance, clamped",
					"tx", r.TxID, "account", addr, "asset", asset, "shortfall", amt)
			}
		}
		if _, err := m.Apply(snap); err != nil {
			return nil, nil, err.Error()
		}
		delta[addr] = m
		for program := range m.State {
			if prior == nil {
				prior = make(map[ir.Address]map[ir.Address][]byte)
			}
			if prior[addr] == nil {
				prior[addr] = make(map[ir.Address][]byte)
			}
			prior[addr][program] = snap.Programs[program]
		}
	}
	return delta, prior, ""
}

// records builds the ledger writes that accompany entry.
func (a *Applier) records(r ir.ExecutionResult, entry ir.BatchEntry) ([]store.Op, error) {
	op, err := ledger.EntryOp(a.open.number, len(a.open.entries), entry)
	if err != nil {
		return nil, err
	}
	records := []store.Op{op}
	if entry.TxID != "" {
		op, err := ledger.OutcomeOp(a.outcome(entry))
		if err != nil {
			return nil, err
		}
		records = append(records, op)
	}
	if entry.Status == ir.StatusSuccess && r.Kind.Synthetic() && r.Event != "" {
		op, err := ledger.ClaimOp(r.Event, r.TxID)
		if err != nil {
			return nil, err
		}
		records = append(records, op)
	}
	return records, nil
}

func (a *Applier) outcome(entry ir.BatchEntry) ir.Outcome {
	return ir.Outcome{
		TxID:   entry.TxID,
		Sender: entry.Sender,
		Nonce:  entry.Nonce,
		Status: entry.Status,
		Reason: entry.Reason,
		Batch:  a.open.number,
	}
}

// reserve leases addr, waiting out leases left behind by a previous run.
func (a *Applier) reserve(ctx context.Context, addr ir.Address) (accounts.Lease, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = time.Millisecond
	eb.MaxInterval = 50 * time.Millisecond
	eb.MaxElapsedTime = a.cfg.LeaseWait

	var l accounts.Lease
	err := backoff.Retry(func() error {
		var err error
		l, err = a.cache.ReserveWrite(ctx, addr)
		if err != nil && !accounts.IsBusy(err) {
			return backoff.Permanent(err)
		}
		return err
	}, eb)
	if err != nil {
		return accounts.Lease{}, supervisor.Fatal(fmt.Errorf("lease %s: %w", addr, err))
	}
	return l, nil
}

// record adds a stored entry to the open batch and publishes its outcome.
func (a *Applier) record(entry ir.BatchEntry) error {
	index := len(a.open.entries)
	if err := a.open.add(entry, a.now()); err != nil {
		return err
	}
	a.metrics.Applied.WithLabelValues(string(entry.Status)).Inc()
	a.log.Debug("applied", "tx", entry.TxID, "sender", entry.Sender, "nonce", entry.Nonce,
		"status", entry.Status, "batch", a.open.number, "index", index)

	if entry.TxID != "" && a.feed != nil {
		a.feed.Publish(a.outcome(entry))
	}
	return nil
}

func (a *Applier) publish(ctx context.Context, o ir.Outcome) error {
	if err := a.ledger.PutOutcome(ctx, o); err != nil {
		return err
	}
	if a.feed != nil {
		a.feed.Publish(o)
	}
	return nil
}

func (a *Applier) sealIfDue(ctx context.Context) error {
	if !a.open.due(a.now(), a.cfg.BatchSize, a.cfg.BatchInterval) {
		return nil
	}
	_, _, err := a.seal(ctx)
	return err
}

// seal closes the open batch. Nothing can be appended to it afterwards:
// the next entry goes to a fresh batch.
func (a *Applier) seal(ctx context.Context) (ir.Batch, bool, error) {
	if len(a.open.entries) == 0 {
		return ir.Batch{}, false, nil
	}
	b := ir.Batch{
		Number:   a.open.number,
		Entries:  a.open.entries,
		Digest:   a.open.chain.Sum(),
		SealedAt: a.now().UTC(),
	}
	if err := a.ledger.Seal(ctx, b); err != nil {
		return ir.Batch{}, false, err
	}
	a.open = newOpenBatch(b.Number + 1)

	a.metrics.BatchesSealed.Inc()
	a.metrics.BatchEntries.Observe(float64(len(b.Entries)))
	a.log.Info("batch sealed", "batch", b.Number, "entries", len(b.Entries), "digest", b.Digest)
	for _, s := range a.sinks {
		s.BatchSealed(b)
	}
	return b, true, nil
}
