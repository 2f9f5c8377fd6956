// Package store is the account store adapter: a transactional get/put/scan
// contract over a durable key-value backend, with no business logic.
//
// # Contract
//
//   - Get returns the value and its version, or ErrNotFound
//   - Put is compare-and-set: expected version 0 means "must not exist",
//     otherwise the stored version must match; a mismatch returns
//     ErrVersionConflict and writes nothing
//   - Scan yields entries under a prefix in key order, lazily, one page at a
//     time, so callers may write while iterating
//
// Versions start at 1 and increase by one on every successful Put.
//
// # Backends
//
// Open returns the SQLite backend:
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait on lock contention
//   - single connection: SQLite allows one writer
//
// The badgerkv subpackage provides the alternative Badger backend.
package store
