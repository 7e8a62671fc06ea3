// Package ir provides the value representation shared by every mesh
// component: context scalars, capability descriptors, and query literals.
//
// This package contains type definitions and pure functions only. All other
// internal packages may import ir; ir imports nothing internal.
//
// Key design constraints:
//   - Value is a sealed interface; only the types in value.go implement it
//   - Floats are allowed (sensor readings) but NaN and ±Inf are rejected
//   - Object iteration is always through SortedKeys for deterministic output
//   - Canonical JSON (canonical.go) is the only encoding used for digests
package ir
