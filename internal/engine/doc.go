// Package engine assembles a ledgerd node.
//
// A Node owns one instance of every actor and the supervisor that runs
// them:
//
//	intake -> scheduler -> apply -> (da, settlement)
//	                 \         \
//	                  accounts <+-- settlement (finality, synthetic txs)
//
// Intake admits signed transactions and stamps them with a sequence
// number. The scheduler runs them in parallel against account snapshots.
// The applier commits results in per-sender nonce order through the
// account cache and seals batches. Sealed batches fan out to the DA
// publisher and the settlement bridge; the bridge feeds oracle verdicts
// back as finality markers and compensation transactions.
//
// Construction wires everything from a config.Config. External systems
// (DA layer, settlement contract, oracle) come from Deps when set, or are
// dialed from the configured endpoints.
package engine
