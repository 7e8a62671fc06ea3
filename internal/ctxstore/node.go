package ctxstore

import (
	"fmt"

	"github.com/roach88/meshsync/internal/ir"
)

// Kind tags a Node variant.
type Kind uint8

const (
	KindScalar Kind = iota
	KindObject
	KindArray
)

// String returns the wire name of the kind.
func (k Kind) String() string {
	switch k {
	case KindScalar:
		return "scalar"
	case KindObject:
		return "object"
	case KindArray:
		return "array"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Stamp is the last-write time and originating peer of a node.
type Stamp struct {
	TS     int64  `json:"ts"`
	Origin string `json:"origin"`
}

// Older reports whether s wins against o under oldest-wins: the earlier
// timestamp, then the lexicographically smaller origin.
func (s Stamp) Older(o Stamp) bool {
	if s.TS != o.TS {
		return s.TS < o.TS
	}
	return s.Origin < o.Origin
}

// Node is one vertex of the context tree. Exactly one of Value, Children or
// Items is meaningful, selected by Kind.
//
// Shadow is the competing node of the other class (an Object behind a
// Scalar or Array, or a leaf behind an Object) that lost at this path. It is
// never visible through Get but still takes part in merges.
type Node struct {
	Kind     Kind
	Value    ir.Value
	Children map[string]*Node
	Items    []*Node
	Stamp    Stamp
	Shadow   *Node
}

// NewObject returns an empty Object node.
func NewObject(st Stamp) *Node {
	return &Node{Kind: KindObject, Children: map[string]*Node{}, Stamp: st}
}

// FromValue builds a subtree from v with every node stamped st.
func FromValue(v ir.Value, st Stamp) *Node {
	switch val := v.(type) {
	case ir.Object:
		n := NewObject(st)
		for k, child := range val {
			n.Children[k] = FromValue(child, st)
		}
		return n
	case ir.Array:
		n := &Node{Kind: KindArray, Items: make([]*Node, len(val)), Stamp: st}
		for i, item := range val {
			n.Items[i] = FromValue(item, st)
		}
		return n
	default:
		return &Node{Kind: KindScalar, Value: v, Stamp: st}
	}
}

// ToValue converts the subtree to a plain value, dropping stamps.
func (n *Node) ToValue() ir.Value {
	if n == nil {
		return ir.Null{}
	}
	switch n.Kind {
	case KindObject:
		obj := make(ir.Object, len(n.Children))
		for k, child := range n.Children {
			obj[k] = child.ToValue()
		}
		return obj
	case KindArray:
		arr := make(ir.Array, len(n.Items))
		for i, item := range n.Items {
			arr[i] = item.ToValue()
		}
		return arr
	default:
		if n.Value == nil {
			return ir.Null{}
		}
		return ir.Clone(n.Value)
	}
}

// Clone returns a deep copy.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	out := &Node{Kind: n.Kind, Stamp: n.Stamp, Shadow: n.Shadow.Clone()}
	switch n.Kind {
	case KindObject:
		out.Children = make(map[string]*Node, len(n.Children))
		for k, child := range n.Children {
			out.Children[k] = child.Clone()
		}
	case KindArray:
		out.Items = make([]*Node, len(n.Items))
		for i, item := range n.Items {
			out.Items[i] = item.Clone()
		}
	default:
		out.Value = ir.Clone(n.Value)
	}
	return out
}

// Equal reports whether two subtrees are identical, stamps and shadows
// included.
func (n *Node) Equal(o *Node) bool {
	if n == nil || o == nil {
		return n == o
	}
	if n.Kind != o.Kind || n.Stamp != o.Stamp || !n.Shadow.Equal(o.Shadow) {
		return false
	}
	switch n.Kind {
	case KindObject:
		if len(n.Children) != len(o.Children) {
			return false
		}
		for k, child := range n.Children {
			if !child.Equal(o.Children[k]) {
				return false
			}
		}
		return true
	case KindArray:
		if len(n.Items) != len(o.Items) {
			return false
		}
		for i := range n.Items {
			if !n.Items[i].Equal(o.Items[i]) {
				return false
			}
		}
		return true
	default:
		return ir.Equal(n.Value, o.Value)
	}
}

// lookup walks segs below n. Array segments must be in-range indices.
func (n *Node) lookup(segs []string) (*Node, bool) {
	cur := n
	for _, seg := range segs {
		if cur == nil {
			return nil, false
		}
		switch cur.Kind {
		case KindObject:
			cur = cur.Children[seg]
		case KindArray:
			idx, ok := arrayIndex(seg, len(cur.Items))
			if !ok {
				return nil, false
			}
			cur = cur.Items[idx]
		default:
			return nil, false
		}
	}
	return cur, cur != nil
}
