// Package ledger persists everything the node records besides accounts:
// batch entries and headers, the digest index, per-transaction outcomes,
// settlement and DA progress, the settlement event de-duplication ledger,
// the program registry, and node metadata.
//
// All records are JSON values in the store.Backend key space:
//
//	entry/<batch>/<index>   ir.BatchEntry, written when the entry is applied
//	batch/<batch>           Header, written at seal
//	digest/<hex>            batch number
//	outcome/<tx id>         ir.Outcome
//	settle/<batch>          SettlementRecord
//	da/<batch>              PublishRecord
//	event/<id>              EventRecord
//	claim/<event id>        id of the synthetic tx that applied the event
//	program/<address>       ir.ImageRef
//	meta/<name>             node metadata
//
// An applied entry is written in the same atomic store write as the
// accounts it changed, its outcome and, for synthetic transactions, its
// event claim; EntryOp, OutcomeOp and ClaimOp build those records.
//
// Batch numbers are zero-padded so key order is numeric order.
package ledger
