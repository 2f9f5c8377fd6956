package ir

import "time"

// Status is the terminal outcome of an admitted transaction.
type Status string

const (
	StatusSuccess         Status = "success"
	StatusReverted        Status = "reverted"
	StatusSandboxFault    Status = "sandbox-fault"
	StatusOrderingTimeout Status = "ordering-timeout"
)

// Usage records the resources consumed by one execution.
type Usage struct {
	Steps    uint64        `json:"steps"`
	Duration time.Duration `json:"duration"`
	Attempts int           `json:"attempts"`
}

// ExecutionResult is produced once per admitted transaction and consumed
// exactly once by the applier.
type ExecutionResult struct {
	TxID    string   `json:"tx_id"`
	Seq     int64    `json:"seq"`
	Kind    TxKind   `json:"kind"`
	Sender  Address  `json:"sender"`
	Nonce   uint64   `json:"nonce"`
	Program Address  `json:"program"`
	Status  Status   `json:"status"`
	Delta   Delta    `json:"delta,omitempty"`
	Usage   Usage    `json:"usage"`
	Logs    []string `json:"logs,omitempty"`
	Reason  string   `json:"reason,omitempty"`
	Event   string   `json:"event,omitempty"` // settlement event of a synthetic tx
}

// ResultFor builds a result skeleton for t.
func ResultFor(t Ticket, status Status, reason string) ExecutionResult {
	return ExecutionResult{
		TxID:    t.ID,
		Seq:     t.Seq,
		Kind:    t.Tx.Kind,
		Sender:  t.Tx.From,
		Nonce:   t.Tx.Nonce,
		Program: t.Tx.Program,
		Status:  status,
		Reason:  reason,
		Event:   t.Tx.EventID(),
	}
}

// Outcome is the pollable final record of a transaction.
type Outcome struct {
	TxID   string  `json:"tx_id"`
	Sender Address `json:"sender"`
	Nonce  uint64  `json:"nonce"`
	Status Status  `json:"status"`
	Reason string  `json:"reason,omitempty"`
	Batch  uint64  `json:"batch"`
}
