// Package ir defines the ledger data model shared by every actor: accounts,
// transactions, execution results, batches and settlement events.
//
// ir imports nothing internal. Identity hashes and batch digests are computed
// over RFC 8785 canonical JSON so they are stable across restarts and
// reconstruction.
//
// Key design constraints:
//   - Amounts are unsigned 256-bit integers, never floats
//   - Addresses are 20 bytes and ordered bytewise (the global lease order)
//   - All JSON tags use snake_case
package ir
