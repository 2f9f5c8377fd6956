package intake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/roach88/ledgerd/internal/actor"
	"github.com/roach88/ledgerd/internal/ir"
	"github.com/roach88/ledgerd/internal/metrics"
)

// AccountReader reads committed account state.
type AccountReader interface {
	Get(ctx context.Context, addr ir.Address) (ir.Account, error)
}

// Dispatcher accepts admitted tickets for execution.
type Dispatcher interface {
	Dispatch(t ir.Ticket) error
	QueueDepth() int
}

// Config tunes admission.
type Config struct {
	// HighWater is the scheduler queue depth at which user transactions
	// are rejected as overloaded.
	HighWater int
	// CallTimeout bounds every request to the actor.
	CallTimeout time.Duration
}

// Intake is the admission actor.
type Intake struct {
	cfg      Config
	accounts AccountReader
	sched    Dispatcher
	seq      *actor.Clock
	mailbox  *actor.Mailbox[admitRequest]
	metrics  *metrics.Metrics
	log      *slog.Logger
	now      func() time.Time

	halted atomic.Pointer[string]

	// Owned by the Run goroutine. Both outlive restarts of the loop:
	// tickets dispatched by an earlier run may still be executing.
	pending   map[ir.Address]uint64
	synthetic map[string]ir.Ticket
}

// Option configures an Intake.
type Option func(*Intake)

// WithMetrics sets the collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(in *Intake) { in.metrics = m }
}

// WithWallClock overrides the admission timestamp source (for testing).
func WithWallClock(now func() time.Time) Option {
	return func(in *Intake) { in.now = now }
}

// New creates an intake actor. seq issues intake sequence numbers and
// outlives restarts of the actor.
func New(accounts AccountReader, sched Dispatcher, seq *actor.Clock, cfg Config, opts ...Option) *Intake {
	if cfg.HighWater <= 0 {
		cfg.HighWater = 1
	}
	in := &Intake{
		cfg:      cfg,
		accounts: accounts,
		sched:    sched,
		seq:      seq,
		mailbox:  actor.NewMailbox[admitRequest](),
		log:      slog.Default().With("actor", "intake"),
		now:      time.Now,

		pending:   make(map[ir.Address]uint64),
		synthetic: make(map[string]ir.Ticket),
	}
	for _, opt := range opts {
		opt(in)
	}
	in.metrics = metrics.OrNop(in.metrics)
	return in
}

// Run processes admissions until ctx is done. Pending nonces carry over
// from the previous run and are dropped once committed state catches up.
func (in *Intake) Run(ctx context.Context) error {
	for {
		req, err := in.mailbox.Next(ctx)
		if err != nil {
			if errors.Is(err, actor.ErrClosed) {
				return nil
			}
			return err
		}
		t, err := in.admit(ctx, req.tx, req.synthetic)
		req.reply <- admitResult{ticket: t, err: err}
	}
}

// Admit validates a signed user transaction and, on acceptance, forwards
// it to the scheduler. Rejections are *AdmissionError.
func (in *Intake) Admit(ctx context.Context, tx ir.Transaction) (ir.Ticket, error) {
	t, err := in.submit(ctx, tx, false)
	in.record(err)
	return t, err
}

// AdmitSynthetic admits a system-originated transaction of a synthetic
// kind. Intake assigns the nonce; no signature is required and the
// overload check is skipped. A payload naming a settlement event that is
// still in flight returns the ticket already issued for it.
func (in *Intake) AdmitSynthetic(ctx context.Context, kind ir.TxKind, payload []byte) (ir.Ticket, error) {
	if !kind.Synthetic() {
		return ir.Ticket{}, reject(CodeMalformed, fmt.Sprintf("kind %q is not synthetic", kind))
	}
	tx := ir.Transaction{
		Kind:      kind,
		From:      ir.SystemAddress,
		Payload:   payload,
		Timestamp: in.now().UnixMilli(),
	}
	t, err := in.submit(ctx, tx, true)
	in.record(err)
	return t, err
}

func (in *Intake) submit(ctx context.Context, tx ir.Transaction, synthetic bool) (ir.Ticket, error) {
	if reason, ok := in.Halted(); ok {
		return ir.Ticket{}, reject(CodeHalted, reason)
	}
	if !synthetic && tx.Kind.Synthetic() {
		return ir.Ticket{}, reject(CodeMalformed, fmt.Sprintf("kind %q is reserved", tx.Kind))
	}
	if err := tx.Validate(); err != nil {
		return ir.Ticket{}, reject(CodeMalformed, err.Error())
	}
	if !synthetic {
		if err := tx.VerifySignature(); err != nil {
			return ir.Ticket{}, reject(CodeBadSignature, err.Error())
		}
	}

	reply := make(chan admitResult, 1)
	if !in.mailbox.Send(admitRequest{tx: tx, synthetic: synthetic, reply: reply}) {
		return ir.Ticket{}, actor.ErrClosed
	}
	r, err := actor.Await(ctx, reply, in.cfg.CallTimeout)
	if err != nil {
		return ir.Ticket{}, fmt.Errorf("intake: %w", err)
	}
	return r.ticket, r.err
}

func (in *Intake) record(err error) {
	switch code := CodeOf(err); {
	case err == nil:
		in.metrics.IntakeAdmitted.Inc()
	case code != "":
		in.metrics.IntakeRejected.WithLabelValues(string(code)).Inc()
	}
}

// Halt rejects every admission with CodeHalted until Resume.
func (in *Intake) Halt(reason string) {
	in.halted.Store(&reason)
	in.log.Error("intake halted", "reason", reason)
}

// Resume re-opens intake after Halt.
func (in *Intake) Resume() {
	if in.halted.Swap(nil) != nil {
		in.log.Info("intake resumed")
	}
}

// Halted reports whether intake is halted and why.
func (in *Intake) Halted() (string, bool) {
	if p := in.halted.Load(); p != nil {
		return *p, true
	}
	return "", false
}

type admitRequest struct {
	tx        ir.Transaction
	synthetic bool
	reply     chan admitResult
}

type admitResult struct {
	ticket ir.Ticket
	err    error
}

func (in *Intake) admit(ctx context.Context, tx ir.Transaction, synthetic bool) (ir.Ticket, error) {
	if !synthetic {
		if depth := in.sched.QueueDepth(); depth >= in.cfg.HighWater {
			return ir.Ticket{}, reject(CodeOverloaded, fmt.Sprintf("queue depth %d", depth))
		}
	}

	acct, err := in.accounts.Get(ctx, tx.From)
	if err != nil {
		return ir.Ticket{}, fmt.Errorf("read nonce of %s: %w", tx.From, err)
	}
	if synthetic {
		if t, ok := in.inFlight(tx, acct.Nonce); ok {
			in.log.Debug("synthetic event already admitted", "tx", t.ID, "event", tx.EventID())
			return t, nil
		}
	}
	expected := acct.Nonce
	if next, ok := in.pending[tx.From]; ok {
		if next <= acct.Nonce {
			delete(in.pending, tx.From)
		} else {
			expected = next
		}
	}
	if synthetic {
		tx.Nonce = expected
	} else if tx.Nonce != expected {
		return ir.Ticket{}, &AdmissionError{Code: CodeNonceMismatch, Expected: expected, Got: tx.Nonce}
	}

	id, err := tx.ID()
	if err != nil {
		return ir.Ticket{}, err
	}
	t := ir.Ticket{ID: id, Seq: in.seq.Next(), Tx: tx, AdmittedAt: in.now()}
	if err := in.sched.Dispatch(t); err != nil {
		return ir.Ticket{}, fmt.Errorf("dispatch %s: %w", id, err)
	}
	in.pending[tx.From] = tx.Nonce + 1
	if event := tx.EventID(); synthetic && event != "" {
		in.synthetic[event] = t
	}

	in.log.Debug("admitted", "tx", id, "seq", t.Seq, "sender", tx.From, "nonce", tx.Nonce, "kind", tx.Kind)
	return t, nil
}

// inFlight returns the ticket of an earlier admission of tx's event.
// Tickets whose nonce is already committed are forgotten; the applier
// refuses to apply an event twice from then on.
func (in *Intake) inFlight(tx ir.Transaction, committed uint64) (ir.Ticket, bool) {
	for event, t := range in.synthetic {
		if t.Tx.Nonce < committed {
			delete(in.synthetic, event)
		}
	}
	event := tx.EventID()
	if event == "" {
		return ir.Ticket{}, false
	}
	t, ok := in.synthetic[event]
	return t, ok
}
