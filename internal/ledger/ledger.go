package ledger

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/roach88/ledgerd/internal/ir"
	"github.com/roach88/ledgerd/internal/store"
)

// ErrNotFound is returned for missing records.
var ErrNotFound = store.ErrNotFound

// Header is the sealed summary of a batch.
type Header struct {
	Number   uint64    `json:"number"`
	Digest   string    `json:"digest"`
	Count    int       `json:"count"`
	SealedAt time.Time `json:"sealed_at"`
}

// SettlementRecord tracks a batch through the settlement state machine.
type SettlementRecord struct {
	Batch     uint64             `json:"batch"`
	Digest    string             `json:"digest"`
	State     ir.SettlementState `json:"state"`
	Attempts  int                `json:"attempts"`
	LastError string             `json:"last_error,omitempty"`
	EventID   string             `json:"event_id,omitempty"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// PublishRecord tracks a batch through DA publication.
type PublishRecord struct {
	Batch     uint64          `json:"batch"`
	Digest    string          `json:"digest"`
	State     ir.PublishState `json:"state"`
	Handle    string          `json:"handle,omitempty"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"last_error,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// EventRecord marks a settlement event as applied.
type EventRecord struct {
	ID        string       `json:"id"`
	Kind      ir.EventKind `json:"kind"`
	Position  uint64       `json:"position"`
	AppliedAt time.Time    `json:"applied_at"`
}

// Ledger reads and writes ledger records.
type Ledger struct {
	kv  store.Backend
	now func() time.Time
}

// New wraps kv.
func New(kv store.Backend) *Ledger {
	return &Ledger{kv: kv, now: time.Now}
}

// Backend returns the underlying key-value backend.
func (l *Ledger) Backend() store.Backend {
	return l.kv
}

func entryPrefix(batch uint64) string {
	return fmt.Sprintf("entry/%020d/", batch)
}

func entryKey(batch uint64, i int) string {
	return fmt.Sprintf("entry/%020d/%06d", batch, i)
}

func batchKey(n uint64) string {
	return fmt.Sprintf("batch/%020d", n)
}

func settleKey(n uint64) string {
	return fmt.Sprintf("settle/%020d", n)
}

func publishKey(n uint64) string {
	return fmt.Sprintf("da/%020d", n)
}

func digestKey(d string) string { return "digest/" + d }

func outcomeKey(id string) string { return "outcome/" + id }

func eventKey(id string) string { return "event/" + id }

func claimKey(event string) string { return "claim/" + event }

func programKey(a ir.Address) string { return "program/" + a.String() }

func metaKey(name string) string { return "meta/" + name }

// AppendEntry records the index-th entry of the open batch. Rewriting an
// existing entry is a no-op.
func (l *Ledger) AppendEntry(ctx context.Context, batch uint64, index int, e ir.BatchEntry) error {
	if _, err := store.InsertJSON(ctx, l.kv, entryKey(batch, index), e); err != nil {
		return fmt.Errorf("append entry %d/%d: %w", batch, index, err)
	}
	return nil
}

// EntryOp returns the write that appends e as the index-th entry of batch.
func EntryOp(batch uint64, index int, e ir.BatchEntry) (store.Op, error) {
	return store.JSONOp(entryKey(batch, index), e, 0)
}

// OutcomeOp returns the write that records o.
func OutcomeOp(o ir.Outcome) (store.Op, error) {
	return store.JSONOp(outcomeKey(o.TxID), o, 0)
}

// ClaimOp returns the write that claims settlement event for txID. A
// second claim of the same event fails the write it is part of.
func ClaimOp(event, txID string) (store.Op, error) {
	return store.JSONOp(claimKey(event), txID, 0)
}

// Claim returns the id of the transaction that applied event.
func (l *Ledger) Claim(ctx context.Context, event string) (string, error) {
	txID, _, err := store.GetJSON[string](ctx, l.kv, claimKey(event))
	return txID, err
}

// Entries returns the stored entries of batch in order. Used both for
// sealed batches and to recover the open batch after a restart.
func (l *Ledger) Entries(ctx context.Context, batch uint64) ([]ir.BatchEntry, error) {
	var out []ir.BatchEntry
	for e, err := range store.ScanJSON[ir.BatchEntry](ctx, l.kv, entryPrefix(batch)) {
		if err != nil {
			return nil, fmt.Errorf("entries of batch %d: %w", batch, err)
		}
		out = append(out, e)
	}
	return out, nil
}

// Seal writes the header, digest index and initial settlement and DA
// records for b. The entries must already be stored. Sealing twice is a
// no-op.
func (l *Ledger) Seal(ctx context.Context, b ir.Batch) error {
	h := Header{Number: b.Number, Digest: b.Digest, Count: len(b.Entries), SealedAt: b.SealedAt}
	if _, err := store.InsertJSON(ctx, l.kv, digestKey(b.Digest), b.Number); err != nil {
		return fmt.Errorf("seal batch %d: %w", b.Number, err)
	}
	// Records left by a seal interrupted before its header are replaced:
	// the batch may have grown since.
	if _, err := l.Header(ctx, b.Number); err == nil {
		return l.advanceLast(ctx, b.Number)
	}
	now := l.now()
	if _, err := store.UpdateJSON(ctx, l.kv, settleKey(b.Number), func(r *SettlementRecord, exists bool) bool {
		if exists && r.Digest == b.Digest {
			return false
		}
		*r = SettlementRecord{Batch: b.Number, Digest: b.Digest, State: ir.SettlementSealed, UpdatedAt: now}
		return true
	}); err != nil {
		return fmt.Errorf("seal batch %d: %w", b.Number, err)
	}
	if _, err := store.UpdateJSON(ctx, l.kv, publishKey(b.Number), func(r *PublishRecord, exists bool) bool {
		if exists && r.Digest == b.Digest {
			return false
		}
		*r = PublishRecord{Batch: b.Number, Digest: b.Digest, State: ir.PublishPending, UpdatedAt: now}
		return true
	}); err != nil {
		return fmt.Errorf("seal batch %d: %w", b.Number, err)
	}
	// The header goes last: its presence means the batch is fully sealed.
	if _, err := store.InsertJSON(ctx, l.kv, batchKey(b.Number), h); err != nil {
		return fmt.Errorf("seal batch %d: %w", b.Number, err)
	}
	return l.advanceLast(ctx, b.Number)
}

func (l *Ledger) advanceLast(ctx context.Context, n uint64) error {
	_, err := store.UpdateJSON(ctx, l.kv, metaKey("last-batch"), func(last *uint64, _ bool) bool {
		if *last >= n {
			return false
		}
		*last = n
		return true
	})
	return err
}

// Header returns the header of sealed batch n.
func (l *Ledger) Header(ctx context.Context, n uint64) (Header, error) {
	h, _, err := store.GetJSON[Header](ctx, l.kv, batchKey(n))
	return h, err
}

// Batch returns sealed batch n with its entries.
func (l *Ledger) Batch(ctx context.Context, n uint64) (ir.Batch, error) {
	h, err := l.Header(ctx, n)
	if err != nil {
		return ir.Batch{}, fmt.Errorf("batch %d: %w", n, err)
	}
	entries, err := l.Entries(ctx, n)
	if err != nil {
		return ir.Batch{}, err
	}
	if len(entries) != h.Count {
		return ir.Batch{}, fmt.Errorf("batch %d: header lists %d entries, found %d", n, h.Count, len(entries))
	}
	return ir.Batch{Number: n, Entries: entries, Digest: h.Digest, SealedAt: h.SealedAt}, nil
}

// BatchByDigest resolves a digest to its sealed batch number.
func (l *Ledger) BatchByDigest(ctx context.Context, digest string) (uint64, error) {
	n, _, err := store.GetJSON[uint64](ctx, l.kv, digestKey(digest))
	return n, err
}

// Headers yields every sealed batch header in number order.
func (l *Ledger) Headers(ctx context.Context) iter.Seq2[Header, error] {
	return store.ScanJSON[Header](ctx, l.kv, "batch/")
}

// LastBatch returns the number of the newest sealed batch, 0 if none.
func (l *Ledger) LastBatch(ctx context.Context) (uint64, error) {
	n, _, err := store.GetJSON[uint64](ctx, l.kv, metaKey("last-batch"))
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	return n, err
}

// PutOutcome records the final outcome of a transaction. The first write
// wins.
func (l *Ledger) PutOutcome(ctx context.Context, o ir.Outcome) error {
	if _, err := store.InsertJSON(ctx, l.kv, outcomeKey(o.TxID), o); err != nil {
		return fmt.Errorf("put outcome %s: %w", o.TxID, err)
	}
	return nil
}

// Outcome returns the recorded outcome of txID.
func (l *Ledger) Outcome(ctx context.Context, txID string) (ir.Outcome, error) {
	o, _, err := store.GetJSON[ir.Outcome](ctx, l.kv, outcomeKey(txID))
	return o, err
}

// Settlement returns the settlement record of batch n.
func (l *Ledger) Settlement(ctx context.Context, n uint64) (SettlementRecord, error) {
	r, _, err := store.GetJSON[SettlementRecord](ctx, l.kv, settleKey(n))
	return r, err
}

// UpdateSettlement applies fn to the settlement record of batch n.
// Returning false from fn skips the write.
func (l *Ledger) UpdateSettlement(ctx context.Context, n uint64, fn func(r *SettlementRecord) bool) (SettlementRecord, error) {
	return store.UpdateJSON(ctx, l.kv, settleKey(n), func(r *SettlementRecord, exists bool) bool {
		if !exists {
			return false
		}
		if !fn(r) {
			return false
		}
		r.UpdatedAt = l.now()
		return true
	})
}

// Settlements yields every settlement record in batch order.
func (l *Ledger) Settlements(ctx context.Context) iter.Seq2[SettlementRecord, error] {
	return store.ScanJSON[SettlementRecord](ctx, l.kv, "settle/")
}

// Publication returns the DA record of batch n.
func (l *Ledger) Publication(ctx context.Context, n uint64) (PublishRecord, error) {
	r, _, err := store.GetJSON[PublishRecord](ctx, l.kv, publishKey(n))
	return r, err
}

// UpdatePublication applies fn to the DA record of batch n.
func (l *Ledger) UpdatePublication(ctx context.Context, n uint64, fn func(r *PublishRecord) bool) (PublishRecord, error) {
	return store.UpdateJSON(ctx, l.kv, publishKey(n), func(r *PublishRecord, exists bool) bool {
		if !exists {
			return false
		}
		if !fn(r) {
			return false
		}
		r.UpdatedAt = l.now()
		return true
	})
}

// Publications yields every DA record in batch order.
func (l *Ledger) Publications(ctx context.Context) iter.Seq2[PublishRecord, error] {
	return store.ScanJSON[PublishRecord](ctx, l.kv, "da/")
}

// MarkEvent records ev in the de-duplication ledger. It reports false if
// the event id was already recorded.
func (l *Ledger) MarkEvent(ctx context.Context, ev ir.SettlementEvent) (bool, error) {
	first, err := store.InsertJSON(ctx, l.kv, eventKey(ev.ID), EventRecord{
		ID: ev.ID, Kind: ev.Kind, Position: ev.Position, AppliedAt: l.now(),
	})
	if err != nil {
		return false, fmt.Errorf("mark event %s: %w", ev.ID, err)
	}
	return first, nil
}

// EventApplied reports whether event id was already recorded.
func (l *Ledger) EventApplied(ctx context.Context, id string) (bool, error) {
	_, err := l.kv.Get(ctx, eventKey(id))
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// RegisterProgram binds a program address to an image. Re-registering the
// same image is a no-op; rebinding to a different one is an error.
func (l *Ledger) RegisterProgram(ctx context.Context, ref ir.ImageRef) error {
	if err := ref.Validate(); err != nil {
		return err
	}
	inserted, err := store.InsertJSON(ctx, l.kv, programKey(ref.Program), ref)
	if err != nil || inserted {
		return err
	}
	existing, err := l.Program(ctx, ref.Program)
	if err != nil {
		return err
	}
	if existing != ref {
		return fmt.Errorf("program %s already bound to %s image %s", ref.Program, existing.Kind, existing.Hash)
	}
	return nil
}

// Program resolves a program address to its image reference.
func (l *Ledger) Program(ctx context.Context, addr ir.Address) (ir.ImageRef, error) {
	ref, _, err := store.GetJSON[ir.ImageRef](ctx, l.kv, programKey(addr))
	return ref, err
}

// GetMeta reads a metadata value.
func GetMeta[T any](ctx context.Context, l *Ledger, name string) (T, bool, error) {
	v, _, err := store.GetJSON[T](ctx, l.kv, metaKey(name))
	if errors.Is(err, store.ErrNotFound) {
		return v, false, nil
	}
	return v, err == nil, err
}

// SetMeta overwrites a metadata value.
func SetMeta[T any](ctx context.Context, l *Ledger, name string, v T) error {
	_, err := store.UpdateJSON(ctx, l.kv, metaKey(name), func(cur *T, _ bool) bool {
		*cur = v
		return true
	})
	return err
}
