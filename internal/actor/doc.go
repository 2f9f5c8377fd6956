// Package actor holds the primitives every actor in the node is built from:
// an unbounded mailbox drained by a single goroutine, a logical clock, and
// the lifecycle states reported to the supervisor.
//
// An actor owns its state exclusively. Other goroutines interact with it
// only by posting messages to its Mailbox; replies travel back on
// per-request channels and are awaited with Await.
package actor
