package ctxstore

import (
	"bytes"

	"github.com/roach88/meshsync/internal/ir"
)

// Every path holds at most one leaf (Scalar or Array) and one Object.
// Leaves merge by oldest-wins, Objects by union with the older stamp. The
// older of the two is shown and the other is kept as its Shadow, so an
// Object that loses to a leaf still collects children from later merges
// and a later, older Object can bring them back. Both halves are
// order-independent on their own, which makes the pair order-independent.

// mergeNode folds remote into local and returns the result. local may be
// mutated and returned; remote is never retained (adopted nodes are cloned).
// changed reports whether the result differs from local.
func mergeNode(local, remote *Node) (result *Node, changed bool) {
	if remote == nil {
		return local, false
	}
	if local == nil {
		return remote.Clone(), true
	}

	lleaf, lobj := split(local)
	rleaf, robj := split(remote)

	leaf, leafChanged := lleaf, false
	if rleaf != nil && (lleaf == nil || remoteWins(lleaf, rleaf)) {
		leaf, leafChanged = rleaf.Clone(), true
	}
	obj, objChanged := unionObject(lobj, robj)

	if !leafChanged && !objChanged {
		return local, false
	}
	return join(leaf, obj), true
}

// split separates n into its leaf and Object halves. The shown half is a
// shallow copy with Shadow cleared; the hidden half is n.Shadow itself.
func split(n *Node) (leaf, obj *Node) {
	shown := *n
	shown.Shadow = nil
	if n.Kind == KindObject {
		return n.Shadow, &shown
	}
	return &shown, n.Shadow
}

// join shows the older of leaf and obj and hides the other behind it.
func join(leaf, obj *Node) *Node {
	switch {
	case obj == nil:
		leaf.Shadow = nil
		return leaf
	case leaf == nil:
		obj.Shadow = nil
		return obj
	case objectShown(leaf, obj):
		leaf.Shadow = nil
		obj.Shadow = leaf
		return obj
	default:
		obj.Shadow = nil
		leaf.Shadow = obj
		return leaf
	}
}

// objectShown orders a leaf against an Object at the same path: the older
// stamp wins, and on equal stamps the kind order Scalar < Object < Array.
func objectShown(leaf, obj *Node) bool {
	if obj.Stamp != leaf.Stamp {
		return obj.Stamp.Older(leaf.Stamp)
	}
	return leaf.Kind > KindObject
}

// unionObject merges two Object halves child by child. l may be mutated.
func unionObject(l, r *Node) (*Node, bool) {
	switch {
	case r == nil:
		return l, false
	case l == nil:
		return r.Clone(), true
	}

	changed := false
	if r.Stamp.Older(l.Stamp) {
		l.Stamp = r.Stamp
		changed = true
	}
	for k, rchild := range r.Children {
		merged, c := mergeNode(l.Children[k], rchild)
		if c {
			l.Children[k] = merged
			changed = true
		}
	}
	return l, changed
}

// remoteWins decides between two competing leaves.
func remoteWins(local, remote *Node) bool {
	if local.Stamp != remote.Stamp {
		return remote.Stamp.Older(local.Stamp)
	}
	// Identical stamps normally mean the same write seen twice. If the
	// contents still differ, order by kind then canonical bytes so the
	// outcome does not depend on merge direction.
	if local.Kind != remote.Kind {
		return remote.Kind < local.Kind
	}
	lb, lerr := ir.MarshalCanonical(Encode(local))
	rb, rerr := ir.MarshalCanonical(Encode(remote))
	if lerr != nil || rerr != nil {
		return false
	}
	return bytes.Compare(rb, lb) < 0
}
