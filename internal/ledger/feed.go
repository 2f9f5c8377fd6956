package ledger

import (
	"log/slog"
	"sync"

	"github.com/roach88/ledgerd/internal/ir"
)

// Feed fans recorded outcomes out to subscribers. Delivery is best effort:
// a subscriber whose buffer is full misses the outcome and can fall back to
// polling Ledger.Outcome.
type Feed struct {
	mu     sync.Mutex
	subs   map[int]chan ir.Outcome
	nextID int
}

// NewFeed creates a feed with no subscribers.
func NewFeed() *Feed {
	return &Feed{subs: make(map[int]chan ir.Outcome)}
}

// Subscribe returns a channel of outcomes and a cancel function that
// closes it.
func (f *Feed) Subscribe(buffer int) (<-chan ir.Outcome, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := f.nextID
	f.nextID++
	ch := make(chan ir.Outcome, buffer)
	f.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			delete(f.subs, id)
			close(ch)
		})
	}
}

// Publish delivers o to every subscriber without blocking.
func (f *Feed) Publish(o ir.Outcome) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for id, ch := range f.subs {
		select {
		case ch <- o:
		default:
			slog.Warn("outcome subscriber lagging, dropping", "subscriber", id, "tx_id", o.TxID)
		}
	}
}
