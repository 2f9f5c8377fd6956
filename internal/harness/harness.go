package harness

import (
	"bytes"
	"cmp"
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"gopkg.in/yaml.v3"

	"github.com/roach88/ledgerd/internal/config"
	"github.com/roach88/ledgerd/internal/engine"
	"github.com/roach88/ledgerd/internal/intake"
	"github.com/roach88/ledgerd/internal/ir"
	"github.com/roach88/ledgerd/internal/ledger"
	"github.com/roach88/ledgerd/internal/testutil"
)

// scenarioTimestamp is stamped on every harness transaction so signatures
// and ids are identical across runs.
const scenarioTimestamp = 1_700_000_000_000

// Harness runs one scenario against a real in-process node. External
// systems are the testutil fakes.
type Harness struct {
	node    *engine.Node
	da      *testutil.FakeDA
	settler *testutil.FakeSettler
	oracle  *testutil.ManualOracle
	// quiet bounds how long the harness waits for the node to settle.
	quiet time.Duration

	next      map[ir.Address]uint64
	labels    map[string]string
	ids       map[string]string
	seen      map[string]bool
	admitted  int
	synthetic int

	mu       sync.Mutex
	outcomes map[string]ir.Outcome
	reported map[string]bool
}

// Run executes s on a fresh in-memory node and returns the trace and any
// failed expectations. The error is non-nil only when the scenario could
// not be executed.
func Run(ctx context.Context, s *Scenario) (*Result, error) {
	cfg, err := scenarioConfig(s)
	if err != nil {
		return nil, err
	}
	dir, err := os.MkdirTemp("", "ledgerd-scenario-*")
	if err != nil {
		return nil, fmt.Errorf("artifact dir: %w", err)
	}
	defer os.RemoveAll(dir)
	cfg.Runner.ArtifactDir = dir

	h := &Harness{
		da:       testutil.NewFakeDA(),
		settler:  testutil.NewFakeSettler(),
		oracle:   testutil.NewManualOracle(),
		quiet:    cfg.Apply.ReorderWindow.D() + 10*time.Second,
		next:     make(map[ir.Address]uint64),
		labels:   make(map[string]string),
		ids:      make(map[string]string),
		seen:     make(map[string]bool),
		outcomes: make(map[string]ir.Outcome),
		reported: make(map[string]bool),
	}
	n, err := engine.New(cfg, engine.Deps{DA: h.da, Settler: h.settler, Source: h.oracle})
	if err != nil {
		return nil, fmt.Errorf("build node: %w", err)
	}
	h.node = n

	outcomes, unsubscribe := n.Subscribe(4096)
	defer unsubscribe()
	go h.collect(outcomes)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- n.Run(runCtx) }()
	defer func() {
		cancel()
		<-done
		n.Close()
	}()

	for _, p := range s.Programs {
		if _, err := n.Deploy(ctx, testutil.Asset(p.Name), ir.ImageKind(p.Kind), p.Name, []byte(p.Code)); err != nil {
			return nil, fmt.Errorf("deploy %s: %w", p.Name, err)
		}
	}

	result := NewResult()
	for i, st := range s.Steps {
		if err := h.step(ctx, st, result); err != nil {
			return nil, fmt.Errorf("step %d: %w", i+1, err)
		}
	}
	if err := h.settle(ctx, result); err != nil {
		return nil, err
	}
	for _, msg := range h.evaluate(ctx, s.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

// scenarioConfig layers the scenario's overrides on the defaults. Batches
// seal only on request unless the scenario says otherwise.
func scenarioConfig(s *Scenario) (config.Config, error) {
	cfg := config.Default()
	cfg.Apply.BatchInterval = 0
	cfg.Apply.BatchSize = 10_000
	cfg.Apply.ReorderWindow = config.Duration(500 * time.Millisecond)
	cfg.DA.Backoff = config.Duration(time.Millisecond)
	cfg.DA.MaxBackoff = config.Duration(10 * time.Millisecond)
	cfg.Settlement.SubmitBackoff = config.Duration(time.Millisecond)
	cfg.Settlement.ReconnectBackoff = config.Duration(time.Millisecond)

	if !s.Config.IsZero() {
		raw, err := yaml.Marshal(&s.Config)
		if err != nil {
			return config.Config{}, err
		}
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return config.Config{}, fmt.Errorf("scenario config: %w", err)
		}
	}
	cfg.Store = config.Store{Driver: "sqlite", InMemory: true}
	cfg.Metrics.Listen = ""
	cfg.DA.Endpoint, cfg.Settlement.Endpoint, cfg.Settlement.OracleEndpoint = "", "", ""

	for _, name := range slices.Sorted(maps.Keys(s.Genesis)) {
		g := config.Genesis{Address: testutil.Address(name).String(), Balances: make(map[string]string)}
		for asset, amount := range s.Genesis[name] {
			g.Balances[testutil.Asset(asset).String()] = amount
		}
		cfg.Genesis = append(cfg.Genesis, g)
	}
	return cfg, config.Validate(cfg)
}

func (h *Harness) collect(ch <-chan ir.Outcome) {
	for o := range ch {
		h.mu.Lock()
		h.outcomes[o.TxID] = o
		h.mu.Unlock()
	}
}

func (h *Harness) outcome(id string) (ir.Outcome, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	o, ok := h.outcomes[id]
	return o, ok
}

func (h *Harness) step(ctx context.Context, st Step, r *Result) error {
	switch {
	case st.Submit != nil:
		return h.submit(ctx, st.Submit, r)
	case st.Seal:
		return h.seal(ctx, r)
	case st.Settle != nil:
		return h.verdict(ctx, st.Settle, r)
	case st.Deposit != nil:
		return h.deposit(ctx, st.Deposit, r)
	case st.Fail != nil:
		if st.Fail.DA > 0 {
			h.da.FailNext(st.Fail.DA, nil)
			r.add(EventFail, "da", strconv.Itoa(st.Fail.DA))
		}
		if st.Fail.Settler > 0 {
			h.settler.FailNext(st.Fail.Settler, nil)
			r.add(EventFail, "settler", strconv.Itoa(st.Fail.Settler))
		}
		return nil
	case st.Wait != "":
		d, _ := time.ParseDuration(st.Wait)
		r.add(EventWait, st.Wait, "")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d):
		}
		return h.settle(ctx, r)
	}
	return nil
}

func (h *Harness) submit(ctx context.Context, s *Submit, r *Result) error {
	from := testutil.Address(s.From)
	tx := ir.Transaction{
		From:      from,
		Nonce:     h.next[from],
		Timestamp: scenarioTimestamp,
	}
	if s.Nonce != nil {
		tx.Nonce = *s.Nonce
	}
	switch s.Kind {
	case "", "transfer":
		value, err := ir.ParseAmount(s.Value)
		if err != nil {
			return fmt.Errorf("submit value: %w", err)
		}
		tx.Kind, tx.To, tx.Program, tx.Value = ir.KindTransfer, testutil.Address(s.To), testutil.Asset(s.Asset), value
	case "call":
		tx.Kind, tx.Program, tx.Payload = ir.KindCall, testutil.Asset(s.Program), []byte(s.Payload)
		if s.To != "" {
			tx.To = testutil.Address(s.To)
		}
	}
	if err := tx.Sign(testutil.Key(s.From)); err != nil {
		return err
	}
	if s.Tamper {
		tx.Signature[0] ^= 0xff
	}

	label := cmp.Or(s.Label, fmt.Sprintf("%s#%d", s.From, tx.Nonce))
	ticket, err := h.node.Submit(ctx, tx)
	if err != nil {
		code := intake.CodeOf(err)
		if code == "" {
			return fmt.Errorf("submit %s: %w", label, err)
		}
		r.add(EventSubmit, label, "rejected "+string(code))
		if s.Expect == nil || s.Expect.Reject != string(code) {
			r.AddError(fmt.Sprintf("%s: unexpected rejection %v", label, err))
		}
		return nil
	}

	h.admitted++
	h.next[from] = max(h.next[from], tx.Nonce+1)
	h.labels[ticket.ID], h.ids[label] = label, ticket.ID
	r.add(EventSubmit, label, "admitted")

	if s.Expect == nil {
		return nil
	}
	if s.Expect.Reject != "" {
		r.AddError(fmt.Sprintf("%s: admitted, want rejection %s", label, s.Expect.Reject))
		return nil
	}
	if s.Expect.Status == "" {
		return nil
	}
	o, err := h.await(ctx, ticket.ID)
	if err != nil {
		return fmt.Errorf("%s: %w", label, err)
	}
	h.report(ctx, r)
	if string(o.Status) != s.Expect.Status {
		r.AddError(fmt.Sprintf("%s: status %s, want %s (%s)", label, o.Status, s.Expect.Status, o.Reason))
	}
	if s.Expect.Reason != "" && !strings.Contains(o.Reason, s.Expect.Reason) {
		r.AddError(fmt.Sprintf("%s: reason %q does not contain %q", label, o.Reason, s.Expect.Reason))
	}
	return nil
}

func (h *Harness) seal(ctx context.Context, r *Result) error {
	if err := h.settle(ctx, r); err != nil {
		return err
	}
	b, ok, err := h.node.Seal(ctx)
	if err != nil {
		return fmt.Errorf("seal: %w", err)
	}
	if !ok {
		r.add(EventSeal, "empty", "")
		return nil
	}
	entries := make([]string, len(b.Entries))
	for i, e := range b.Entries {
		entries[i] = h.entryLabel(e)
	}
	r.add(EventSeal, fmt.Sprintf("batch=%d", b.Number), strings.Join(entries, ","))
	return nil
}

func (h *Harness) verdict(ctx context.Context, s *Settle, r *Result) error {
	b, err := h.node.Ledger().Batch(ctx, s.Batch)
	if err != nil {
		return fmt.Errorf("settle batch %d: %w", s.Batch, err)
	}
	ev := ir.SettlementEvent{
		ID:          cmp.Or(s.ID, fmt.Sprintf("%s-%d", s.Verdict, s.Batch)),
		Kind:        ir.EventFinalityConfirmed,
		BatchDigest: b.Digest,
	}
	if s.Verdict == "reverted" {
		ev.Kind = ir.EventReverted
	}
	r.add(EventSettle, fmt.Sprintf("batch=%d", s.Batch), s.Verdict)

	fresh := !h.seen[ev.ID]
	if err := h.emit(ctx, ev); err != nil {
		return err
	}
	if !fresh || ev.Kind != ir.EventReverted {
		return nil
	}
	rec, err := h.node.Ledger().Settlement(ctx, s.Batch)
	if err != nil {
		return err
	}
	if rec.EventID != ev.ID {
		// Ignored: the batch already had a terminal verdict.
		return nil
	}
	delta, err := b.Compensation()
	if err != nil {
		return err
	}
	if len(delta) == 0 {
		return nil
	}
	h.synthetic++
	return h.settle(ctx, r)
}

func (h *Harness) deposit(ctx context.Context, d *Deposit, r *Result) error {
	amount, err := ir.ParseAmount(d.Amount)
	if err != nil {
		return fmt.Errorf("deposit amount: %w", err)
	}
	ev := ir.SettlementEvent{
		ID:      d.ID,
		Kind:    ir.EventBridgedDeposit,
		Account: testutil.Address(d.Account),
		Asset:   testutil.Asset(d.Asset),
		Amount:  amount,
	}
	r.add(EventDeposit, d.ID, fmt.Sprintf("%s %s %s", d.Account, d.Amount, d.Asset))
	if !h.seen[d.ID] {
		h.synthetic++
	}
	if err := h.emit(ctx, ev); err != nil {
		return err
	}
	return h.settle(ctx, r)
}

// emit publishes ev and waits until the bridge has processed it.
func (h *Harness) emit(ctx context.Context, ev ir.SettlementEvent) error {
	h.seen[ev.ID] = true
	ev = h.oracle.Emit(ev)
	return h.waitFor(ctx, func() error {
		health, err := h.node.Health(ctx)
		if err != nil {
			return backoff.Permanent(err)
		}
		if health.Settlement == nil || health.Settlement.Cursor < ev.Position {
			return fmt.Errorf("oracle event %s not processed", ev.ID)
		}
		return nil
	})
}

// settle waits until every admitted transaction, including synthetic ones
// the harness caused, has an outcome, then reports new outcomes.
func (h *Harness) settle(ctx context.Context, r *Result) error {
	want := h.admitted + h.synthetic
	err := h.waitFor(ctx, func() error {
		h.mu.Lock()
		got := len(h.outcomes)
		h.mu.Unlock()
		if got < want {
			return fmt.Errorf("%d of %d outcomes recorded", got, want)
		}
		return nil
	})
	h.report(ctx, r)
	return err
}

func (h *Harness) await(ctx context.Context, id string) (ir.Outcome, error) {
	var out ir.Outcome
	err := h.waitFor(ctx, func() error {
		o, ok := h.outcome(id)
		if !ok {
			return errors.New("no outcome yet")
		}
		out = o
		return nil
	})
	return out, err
}

// report adds trace lines for outcomes not reported yet, sorted by label.
func (h *Harness) report(ctx context.Context, r *Result) {
	h.mu.Lock()
	var fresh []ir.Outcome
	for id, o := range h.outcomes {
		if !h.reported[id] {
			h.reported[id] = true
			fresh = append(fresh, o)
		}
	}
	h.mu.Unlock()

	type line struct{ label, detail string }
	lines := make([]line, len(fresh))
	for i, o := range fresh {
		lines[i] = line{h.outcomeLabel(ctx, o), fmt.Sprintf("%s batch=%d", o.Status, o.Batch)}
	}
	slices.SortFunc(lines, func(a, b line) int { return cmp.Compare(a.label, b.label) })
	for _, l := range lines {
		r.add(EventOutcome, l.label, l.detail)
	}
}

func (h *Harness) outcomeLabel(ctx context.Context, o ir.Outcome) string {
	if label, ok := h.labels[o.TxID]; ok {
		return label
	}
	entries, err := h.node.Ledger().Entries(ctx, o.Batch)
	if err == nil {
		for _, e := range entries {
			if e.TxID == o.TxID {
				return h.entryLabel(e)
			}
		}
	}
	return "tx:" + o.TxID[:min(len(o.TxID), 8)]
}

func (h *Harness) entryLabel(e ir.BatchEntry) string {
	if label, ok := h.labels[e.TxID]; ok {
		return label
	}
	if e.TxID == "" {
		return fmt.Sprintf("gap#%d", e.Nonce)
	}
	return fmt.Sprintf("%s#%d", e.Kind, e.Nonce)
}

func (h *Harness) waitFor(ctx context.Context, check func() error) error {
	wctx, cancel := context.WithTimeout(ctx, h.quiet)
	defer cancel()
	var last error
	err := backoff.Retry(func() error {
		last = check()
		return last
	}, backoff.WithContext(backoff.NewConstantBackOff(2*time.Millisecond), wctx))
	if err != nil && wctx.Err() != nil && last != nil {
		return fmt.Errorf("timed out: %w", last)
	}
	return err
}

// txID returns the id of the transaction submitted under label.
func (h *Harness) txID(label string) (string, bool) {
	id, ok := h.ids[label]
	return id, ok
}

// batches counts sealed batches.
func (h *Harness) batches(ctx context.Context) (int, error) {
	n := 0
	for _, err := range h.node.Ledger().Headers(ctx) {
		if err != nil {
			return 0, err
		}
		n++
	}
	return n, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, ledger.ErrNotFound)
}
