// Package intake implements the validation and admission actor.
//
// Admission runs the checks in a fixed order and stops at the first
// failure:
//
//  1. halted: the supervisor stopped intake after repeated failures
//  2. well-formedness: kind, sizes, sender and per-kind fields
//  3. signature: must recover to the sender address
//  4. overload: scheduler queue depth at or past the high-water mark
//  5. nonce: must equal the next nonce for the sender
//
// The first three are stateless and run on the caller's goroutine. The
// last two run inside the actor loop, which is the single point that
// assigns nonces and intake sequence numbers.
//
// The next nonce for a sender is the larger of its committed nonce and the
// nonce after its last admitted transaction. Tracking admitted-but-not-yet
// committed nonces lets a resubmission be rejected immediately rather than
// after the first copy commits.
package intake
