package ir

import "fmt"

// EventKind is the type of a settlement oracle event.
type EventKind string

const (
	EventFinalityConfirmed EventKind = "finality-confirmed"
	EventReverted          EventKind = "reverted"
	EventBridgedDeposit    EventKind = "bridged-deposit"
)

// SettlementEvent is an append-only record from the settlement oracle.
// ID is the idempotency key: a redelivered event carries the same ID.
type SettlementEvent struct {
	ID          string    `json:"id"`
	Position    uint64    `json:"position"`
	Kind        EventKind `json:"kind"`
	BatchDigest string    `json:"batch_digest,omitempty"`
	Account     Address   `json:"account"`
	Asset       Address   `json:"asset"`
	Amount      Amount    `json:"amount"`
}

// Validate checks that the fields required by Kind are present.
func (e SettlementEvent) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("settlement event without id")
	}
	switch e.Kind {
	case EventFinalityConfirmed, EventReverted:
		if e.BatchDigest == "" {
			return fmt.Errorf("event %s: %s without batch digest", e.ID, e.Kind)
		}
	case EventBridgedDeposit:
		if e.Account.IsZero() || e.Account == SystemAddress {
			return fmt.Errorf("event %s: deposit without account", e.ID)
		}
		if e.Amount.IsZero() {
			return fmt.Errorf("event %s: deposit of zero", e.ID)
		}
	default:
		return fmt.Errorf("event %s: unknown kind %q", e.ID, e.Kind)
	}
	return nil
}

// SettlementState is the per-batch settlement lifecycle:
// Sealed -> Submitted -> Confirmed | Reverted.
type SettlementState string

const (
	SettlementSealed    SettlementState = "sealed"
	SettlementSubmitted SettlementState = "submitted"
	SettlementConfirmed SettlementState = "confirmed"
	SettlementReverted  SettlementState = "reverted"
)

// Terminal reports whether no further transition is allowed.
func (s SettlementState) Terminal() bool {
	return s == SettlementConfirmed || s == SettlementReverted
}

// PublishState is the DA lifecycle of a batch.
type PublishState string

const (
	PublishPending     PublishState = "pending"
	PublishAcked       PublishState = "published"
	PublishUnpublished PublishState = "unpublished"
)
