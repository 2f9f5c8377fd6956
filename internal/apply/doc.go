// Package apply implements the state application actor.
//
// Results arrive from the scheduler in completion order. The applier
// re-establishes per-sender order by nonce: a result is applied only when
// every smaller nonce of its sender has been applied, and held otherwise.
// Intake assigns nonces and sequence numbers together, so nonce order is
// intake order within a sender. A sender whose oldest held result waits
// longer than the reorder window is timed out: every missing nonce and
// every held result up to the newest held nonce is recorded as an
// ordering-timeout entry, consuming the nonce.
//
// Applying a result leases every account it touches in ascending address
// order, checks all mutations against the lease snapshots, then commits
// each account. A delta that does not fit (insufficient balance, overflow
// or a write the sender may not make) is recorded as reverted. Every
// applied result, successful or not, consumes its nonce and becomes an
// entry of the open batch.
//
// The open batch is sealed when it reaches the size threshold, when its
// first entry is older than the batch interval, on request, and on
// shutdown. Entries are stored as they are applied so a restarted applier
// resumes the open batch where it left off.
package apply
