package accounts

import (
	"time"

	"github.com/roach88/ledgerd/internal/ir"
)

const nilSlot = -1

// slot is one arena cell.
type slot struct {
	acct ir.Account
	// storeVersion is the backend CAS version the account was read or
	// last written at; 0 means not yet stored.
	storeVersion uint64
	lease        *heldLease
	prev, next   int
}

type heldLease struct {
	token   string
	version uint64
	expires time.Time
}

func (l *heldLease) live(now time.Time) bool {
	return l != nil && now.Before(l.expires)
}

// arena owns the slots, the address index, the free list and the LRU
// order. Not safe for concurrent use; only the actor goroutine calls it.
type arena struct {
	slots      []slot
	index      map[ir.Address]int
	free       []int
	head, tail int
}

func newArena(capacity int) *arena {
	return &arena{
		slots: make([]slot, 0, capacity),
		index: make(map[ir.Address]int, capacity),
		head:  nilSlot,
		tail:  nilSlot,
	}
}

func (a *arena) len() int {
	return len(a.index)
}

// lookup returns the slot of addr and marks it most recently used.
func (a *arena) lookup(addr ir.Address) (int, bool) {
	i, ok := a.index[addr]
	if ok {
		a.touch(i)
	}
	return i, ok
}

// insert places acct in a free or new slot at the front of the LRU.
func (a *arena) insert(acct ir.Account, storeVersion uint64) int {
	var i int
	if n := len(a.free); n > 0 {
		i = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		a.slots = append(a.slots, slot{})
		i = len(a.slots) - 1
	}
	a.slots[i] = slot{acct: acct, storeVersion: storeVersion, prev: nilSlot, next: nilSlot}
	a.index[acct.Address] = i
	a.pushFront(i)
	return i
}

// remove drops slot i and recycles it.
func (a *arena) remove(i int) {
	a.unlink(i)
	delete(a.index, a.slots[i].acct.Address)
	a.slots[i] = slot{prev: nilSlot, next: nilSlot}
	a.free = append(a.free, i)
}

// evict removes least recently used slots until the arena fits budget.
// Slots holding a live lease and the keep slot are skipped.
// Returns the number of evicted slots and of expired leases they held.
func (a *arena) evict(budget int, now time.Time, keep int) (evicted, expired int) {
	i := a.tail
	for a.len() > budget && i != nilSlot {
		prev := a.slots[i].prev
		if i == keep || a.slots[i].lease.live(now) {
			i = prev
			continue
		}
		if a.slots[i].lease != nil {
			expired++
		}
		a.remove(i)
		evicted++
		i = prev
	}
	return evicted, expired
}

func (a *arena) touch(i int) {
	if a.head == i {
		return
	}
	a.unlink(i)
	a.pushFront(i)
}

func (a *arena) pushFront(i int) {
	s := &a.slots[i]
	s.prev = nilSlot
	s.next = a.head
	if a.head != nilSlot {
		a.slots[a.head].prev = i
	}
	a.head = i
	if a.tail == nilSlot {
		a.tail = i
	}
}

func (a *arena) unlink(i int) {
	s := &a.slots[i]
	if s.prev != nilSlot {
		a.slots[s.prev].next = s.next
	} else if a.head == i {
		a.head = s.next
	}
	if s.next != nilSlot {
		a.slots[s.next].prev = s.prev
	} else if a.tail == i {
		a.tail = s.prev
	}
	s.prev, s.next = nilSlot, nilSlot
}

// order returns addresses from most to least recently used.
func (a *arena) order() []ir.Address {
	var out []ir.Address
	for i := a.head; i != nilSlot; i = a.slots[i].next {
		out = append(out, a.slots[i].acct.Address)
	}
	return out
}
