// Package ctxstore holds the replicated context tree of one device.
//
// The tree is a tagged variant (Scalar, Object, Array). Every node carries a
// Stamp of write time and origin peer. Local writes go through Update; remote
// state is folded in through Merge, which is commutative, associative and
// idempotent:
//
//   - Object against Object is a recursive union
//   - leaf against leaf keeps the older Stamp; equal timestamps fall back to
//     the smaller origin id
//   - a leaf against an Object shows the older of the two and keeps the
//     other as the shown node's Shadow, so later merges into either are
//     not lost
//   - Arrays are atomic leaves and are never merged element-wise
//
// Locks are sharded per top-level key so that writes to unrelated subtrees
// do not contend.
package ctxstore
