// Package harness runs YAML scenarios against a real in-process node.
//
// Each scenario gets a fresh in-memory store, the fake DA layer, settler
// and oracle from testutil, and deterministic keys derived from account
// names. Steps run in order; the harness waits for the node to settle
// between steps that depend on earlier effects.
//
// # Scenario Format
//
//	name: transfer_then_revert
//	description: "A reverted batch restores balances"
//	config:
//	  apply:
//	    reorder_window: 200ms
//	genesis:
//	  alice: { gold: "100" }
//	programs:
//	  - name: counter
//	    kind: lua
//	    code: |
//	      set_state(ctx.sender, "1")
//	steps:
//	  - submit: { from: alice, to: bob, asset: gold, value: "30", expect: { status: success } }
//	  - seal: true
//	  - settle: { batch: 1, verdict: reverted }
//	  - fail: { da: 3 }
//	  - deposit: { id: dep-1, account: bob, asset: gold, amount: "5" }
//	  - wait: 100ms
//	assertions:
//	  - { type: balance, account: alice, asset: gold, equals: "100" }
//	  - { type: nonce, account: alice, equals: "1" }
//	  - { type: outcome, tx: "alice#0", equals: success }
//	  - { type: settlement, batch: 1, equals: reverted }
//	  - { type: published, batch: 1, equals: published }
//	  - { type: batches, equals: "2" }
//
// Account names map to testutil.Address(name) and asset and program names
// to testutil.Asset(name). Submissions are labeled from#nonce unless they
// carry a label; synthetic transactions appear as kind#nonce.
//
// # Traces
//
// Every run produces a symbolic trace, one line per submission, outcome,
// seal and oracle event. Outcomes observed together are listed by label,
// so traces are stable across runs and suitable for golden comparison.
package harness
