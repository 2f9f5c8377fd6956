// Package accounts implements the account cache actor: the single owner
// of in-memory account state and the serialization point for writes.
//
// Accounts live in an arena of slots addressed through an index
// (address -> slot). A free list recycles evicted slots and an intrusive
// doubly linked list over slot indexes tracks recency for LRU eviction.
// Nothing outside the actor goroutine touches the arena; callers receive
// deep copies.
//
// Writes follow a lease protocol:
//
//	lease, _ := cache.ReserveWrite(ctx, addr)   // exclusive, time-bounded
//	acct, _ := cache.Commit(ctx, lease, mutation, opts)
//
// Commit fails with ErrConflict if the lease expired or the account version
// moved since the lease was issued, and does not return until the store
// has acknowledged the write. CommitAll does the same for several leases
// at once and stores the accounts, plus any extra records, in one atomic
// write.
package accounts
