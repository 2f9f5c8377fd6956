package testutil

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/roach88/ledgerd/internal/ir"
)

// ErrInjected is the default failure returned by fakes told to fail.
var ErrInjected = errors.New("injected failure")

// DASubmission is one call recorded by FakeDA.
type DASubmission struct {
	Digest  string
	Payload []byte
	Err     error
}

// FakeDA is an in-memory DA network. It collapses repeated submissions of
// the same digest onto one handle.
type FakeDA struct {
	mu          sync.Mutex
	fail        int
	err         error
	submissions []DASubmission
	handles     map[string]string
}

// NewFakeDA returns a DA network that accepts everything.
func NewFakeDA() *FakeDA {
	return &FakeDA{handles: make(map[string]string)}
}

// FailNext makes the next n submissions fail with err (ErrInjected if nil).
func (f *FakeDA) FailNext(n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = n
	f.err = cmpOr(err, ErrInjected)
}

// Submit implements da.Client.
func (f *FakeDA) Submit(ctx context.Context, digest string, payload []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.fail > 0 {
		f.fail--
		f.submissions = append(f.submissions, DASubmission{Digest: digest, Payload: payload, Err: f.err})
		return "", f.err
	}
	f.submissions = append(f.submissions, DASubmission{Digest: digest, Payload: payload})
	h, ok := f.handles[digest]
	if !ok {
		h = fmt.Sprintf("blob-%d", len(f.handles)+1)
		f.handles[digest] = h
	}
	return h, nil
}

// Submissions returns every recorded call in order.
func (f *FakeDA) Submissions() []DASubmission {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]DASubmission(nil), f.submissions...)
}

// Handle returns the handle stored for digest.
func (f *FakeDA) Handle(digest string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.handles[digest]
	return h, ok
}

// FakeSettler records batches handed to the settlement path.
type FakeSettler struct {
	mu      sync.Mutex
	fail    int
	err     error
	batches []ir.Batch
}

// NewFakeSettler returns a settler that accepts everything.
func NewFakeSettler() *FakeSettler {
	return &FakeSettler{}
}

// FailNext makes the next n submissions fail with err (ErrInjected if nil).
func (f *FakeSettler) FailNext(n int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = n
	f.err = cmpOr(err, ErrInjected)
}

// Submit implements settlement.Settler.
func (f *FakeSettler) Submit(ctx context.Context, b ir.Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail > 0 {
		f.fail--
		return f.err
	}
	f.batches = append(f.batches, b)
	return nil
}

// Submitted returns the numbers of accepted batches in order.
func (f *FakeSettler) Submitted() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]uint64, len(f.batches))
	for i, b := range f.batches {
		out[i] = b.Number
	}
	return out
}

// ManualOracle is a settlement event source driven by the test. Events are
// delivered in position order to the current subscriber; Drop severs the
// connection so the consumer has to resubscribe.
type ManualOracle struct {
	mu     sync.Mutex
	events []ir.SettlementEvent
	signal chan struct{}
	drop   chan struct{}
	subs   int
}

// NewManualOracle returns an oracle with no events.
func NewManualOracle() *ManualOracle {
	return &ManualOracle{
		signal: make(chan struct{}, 1),
		drop:   make(chan struct{}),
	}
}

// Emit appends ev to the stream. A zero Position is assigned the next one.
func (o *ManualOracle) Emit(ev ir.SettlementEvent) ir.SettlementEvent {
	o.mu.Lock()
	if ev.Position == 0 {
		ev.Position = uint64(len(o.events) + 1)
	}
	o.events = append(o.events, ev)
	o.mu.Unlock()

	select {
	case o.signal <- struct{}{}:
	default:
	}
	return ev
}

// Drop disconnects the current subscriber.
func (o *ManualOracle) Drop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	close(o.drop)
	o.drop = make(chan struct{})
}

// Subscriptions counts Subscribe calls so far.
func (o *ManualOracle) Subscriptions() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.subs
}

// Subscribe implements settlement.Source.
func (o *ManualOracle) Subscribe(ctx context.Context, after uint64, handle func(ir.SettlementEvent) error) error {
	o.mu.Lock()
	o.subs++
	drop := o.drop
	o.mu.Unlock()

	for {
		for _, ev := range o.pending(after) {
			if err := handle(ev); err != nil {
				return err
			}
			after = ev.Position
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-drop:
			return errors.New("oracle connection dropped")
		case <-o.signal:
		}
	}
}

func (o *ManualOracle) pending(after uint64) []ir.SettlementEvent {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []ir.SettlementEvent
	for _, ev := range o.events {
		if ev.Position > after {
			out = append(out, ev)
		}
	}
	return out
}

func cmpOr(err, fallback error) error {
	if err != nil {
		return err
	}
	return fallback
}
