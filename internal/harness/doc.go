// Package harness runs conformance scenarios against persistence units.
//
// A scenario installs the units of a descriptor, starts them, runs a flow of
// statements inside the transaction interceptor and asserts on the resulting
// trace and the final database state.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: scenario_name
//	description: "What this scenario validates"
//	descriptor: shop.yaml        # relative to the scenario file
//	units: [orders, billing]     # optional, defaults to every unit
//	flow:
//	  - unit: orders
//	    exec: INSERT INTO orders(total) VALUES (42)
//	    expect:
//	      outcome: committed
//	      rows_affected: 1
//	  - unit: orders
//	    exec: INSERT INTO orders(total) VALUES (1)
//	    fail: true
//	    expect:
//	      outcome: rolled_back
//	  - unit: payments
//	    query: SELECT total FROM orders
//	    expect:
//	      rows: [["42"]]
//	assertions:
//	  - type: hook_order
//	    hooks: ["unit billing", "unit orders"]
//	  - type: tx_count
//	    outcome: rolled_back
//	    count: 1
//	  - type: final_state
//	    unit: orders
//	    table: orders
//	    where: { total: 42 }
//	    expect: { total: 42 }
//
// # Assertion Types
//
//   - hook_order: startup hooks ran in the listed order (gaps allowed)
//   - tx_count: exactly count flow steps ended with outcome
//   - final_state: exactly one row of table matches where and has the expected values
//
// # Deterministic Testing
//
// Every run gets a fresh data directory (the descriptor sees it as
// ${DATA_DIR}), sequential transaction IDs (tx-1, tx-2, ...) and a logical
// clock stamping trace events, so traces can be compared with golden files.
package harness
