// Package store provides SQLite-backed persistence for a device's replica
// of the shared context and the peers it has met.
//
// The store is a cache, not the source of truth: on start a node merges
// the persisted snapshot into its in-memory replica with the ordinary
// merge rule, so a stale file can never override newer mesh state.
//
//   - context_nodes: one row per top-level key, stamped tree as JSON
//   - peers: connection history keyed by peer id
//
// Ordering uses the seq column (a logical write counter), never wall time.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
