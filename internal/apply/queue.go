package apply

import (
	"maps"
	"slices"
	"time"

	"github.com/roach88/ledgerd/internal/ir"
)

// senderQueue holds one sender's results that arrived ahead of a missing
// nonce.
type senderQueue struct {
	next     uint64
	held     map[uint64]ir.ExecutionResult
	deadline time.Time
}

func newSenderQueue(next uint64) *senderQueue {
	return &senderQueue{next: next, held: make(map[uint64]ir.ExecutionResult)}
}

func (q *senderQueue) hold(r ir.ExecutionResult, now time.Time, window time.Duration) {
	if _, dup := q.held[r.Nonce]; dup {
		return
	}
	q.held[r.Nonce] = r
	if q.deadline.IsZero() {
		q.deadline = now.Add(window)
	}
}

func (q *senderQueue) take(nonce uint64) (ir.ExecutionResult, bool) {
	r, ok := q.held[nonce]
	if ok {
		delete(q.held, nonce)
	}
	return r, ok
}

// progressed restarts the window after the sender advanced.
func (q *senderQueue) progressed(now time.Time, window time.Duration) {
	if len(q.held) == 0 {
		q.deadline = time.Time{}
		return
	}
	q.deadline = now.Add(window)
}

func (q *senderQueue) expired(now time.Time) bool {
	return len(q.held) > 0 && !now.Before(q.deadline)
}

func (q *senderQueue) empty() bool {
	return len(q.held) == 0
}

// top returns the largest held nonce.
func (q *senderQueue) top() uint64 {
	return slices.Max(slices.Collect(maps.Keys(q.held)))
}

// ordered returns held results by nonce.
func (q *senderQueue) ordered() []ir.ExecutionResult {
	nonces := slices.Sorted(maps.Keys(q.held))
	out := make([]ir.ExecutionResult, len(nonces))
	for i, n := range nonces {
		out[i] = q.held[n]
	}
	return out
}

// openBatch is the batch entries are currently appended to.
type openBatch struct {
	number   uint64
	entries  []ir.BatchEntry
	chain    ir.DigestChain
	openedAt time.Time
}

func newOpenBatch(number uint64) *openBatch {
	return &openBatch{number: number}
}

func (b *openBatch) add(e ir.BatchEntry, now time.Time) error {
	if err := b.chain.Append(e); err != nil {
		return err
	}
	if len(b.entries) == 0 {
		b.openedAt = now
	}
	b.entries = append(b.entries, e)
	return nil
}

func (b *openBatch) due(now time.Time, size int, interval time.Duration) bool {
	if len(b.entries) == 0 {
		return false
	}
	if len(b.entries) >= size {
		return true
	}
	return interval > 0 && now.Sub(b.openedAt) >= interval
}
