// Package harness replays convergence scenarios against a set of in-process
// mesh nodes.
//
// Each scenario names its peers, a list of steps that connect, disconnect
// and write to them, and assertions over the resulting replicas. Every peer
// runs a real node.Node over a memnet hub with its own deterministic clock,
// so the same scenario always produces the same stamps and the same trace.
//
// # Scenario Format
//
//	name: partition_heal
//	description: "A partitioned peer rejoins and adopts the older writes"
//	peers: [alpha, beta, gamma]
//	duplicates: false
//	steps:
//	  - connect: [alpha, beta]
//	  - update: { peer: alpha, path: lights.hall, value: true }
//	  - update: { peer: beta, path: lights.hall, value: false, at: 10 }
//	  - disconnect: [alpha, beta]
//	assertions:
//	  - type: converged
//	  - type: value
//	    peer: beta
//	    path: lights.hall
//	    expect: true
//	  - type: absent
//	    peer: alpha
//	    path: lights.attic
//
// An update without "at" takes the next tick of the peer's clock, starting
// at 1. "at" moves the clock so the write is stamped exactly at that time,
// which is how scenarios script concurrent or stale writes.
//
// # Assertion Types
//
//   - converged: every listed peer (default all) reports the same digest
//   - value: the value at path on peer equals expect
//   - absent: nothing is stored at path on peer
//
// # Golden Files
//
// RunWithGolden compares the canonical JSON of the step trace and the
// stamped final tree of the first peer against testdata/golden/<name>.golden.
// Regenerate with:
//
//	go test ./internal/harness -update
package harness
