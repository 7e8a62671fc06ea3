package ctxstore

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/meshsync/internal/ir"
)

// Stamped encoding of a node, used on the peer wire, in persistence and for
// digests:
//
//	scalar {"ts":1,"o":"peer-a","v":21.5}
//	object {"ts":1,"o":"peer-a","c":{"temp":{...}}}
//	array  {"ts":1,"o":"peer-a","a":[{...}]}
//
// A node with a Shadow carries it under "s" in the same form.
const (
	fieldTS       = "ts"
	fieldOrigin   = "o"
	fieldValue    = "v"
	fieldChildren = "c"
	fieldItems    = "a"
	fieldShadow   = "s"
)

// Encode converts a node to its stamped ir form.
func Encode(n *Node) ir.Value {
	obj := ir.Object{
		fieldTS:     ir.Int(n.Stamp.TS),
		fieldOrigin: ir.String(n.Stamp.Origin),
	}
	switch n.Kind {
	case KindObject:
		children := make(ir.Object, len(n.Children))
		for k, child := range n.Children {
			children[k] = Encode(child)
		}
		obj[fieldChildren] = children
	case KindArray:
		items := make(ir.Array, len(n.Items))
		for i, item := range n.Items {
			items[i] = Encode(item)
		}
		obj[fieldItems] = items
	default:
		v := n.Value
		if v == nil {
			v = ir.Null{}
		}
		obj[fieldValue] = v
	}
	if n.Shadow != nil {
		obj[fieldShadow] = Encode(n.Shadow)
	}
	return obj
}

// Decode parses the stamped ir form produced by Encode. A shadow must be of
// the other class than its node; whichever of the two is older is shown.
func Decode(v ir.Value) (*Node, error) {
	n, err := decodeShown(v)
	if err != nil {
		return nil, err
	}
	raw, ok := v.(ir.Object)[fieldShadow]
	if !ok {
		return n, nil
	}
	shadow, err := decodeShown(raw)
	if err != nil {
		return nil, fmt.Errorf("shadow: %w", err)
	}
	if _, nested := raw.(ir.Object)[fieldShadow]; nested {
		return nil, fmt.Errorf("decode node: shadow has a shadow")
	}
	if (n.Kind == KindObject) == (shadow.Kind == KindObject) {
		return nil, fmt.Errorf("decode node: %s shadowed by %s", n.Kind, shadow.Kind)
	}
	if n.Kind == KindObject {
		return join(shadow, n), nil
	}
	return join(n, shadow), nil
}

func decodeShown(v ir.Value) (*Node, error) {
	obj, ok := v.(ir.Object)
	if !ok {
		return nil, fmt.Errorf("decode node: expected object, got %s", ir.Kind(v))
	}
	ts, ok := obj[fieldTS].(ir.Int)
	if !ok {
		return nil, fmt.Errorf("decode node: missing %q", fieldTS)
	}
	origin, ok := obj[fieldOrigin].(ir.String)
	if !ok {
		return nil, fmt.Errorf("decode node: missing %q", fieldOrigin)
	}
	st := Stamp{TS: int64(ts), Origin: string(origin)}

	if raw, ok := obj[fieldChildren]; ok {
		children, ok := raw.(ir.Object)
		if !ok {
			return nil, fmt.Errorf("decode node: %q is %s", fieldChildren, ir.Kind(raw))
		}
		n := NewObject(st)
		for k, child := range children {
			cn, err := Decode(child)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			n.Children[k] = cn
		}
		return n, nil
	}
	if raw, ok := obj[fieldItems]; ok {
		items, ok := raw.(ir.Array)
		if !ok {
			return nil, fmt.Errorf("decode node: %q is %s", fieldItems, ir.Kind(raw))
		}
		n := &Node{Kind: KindArray, Items: make([]*Node, len(items)), Stamp: st}
		for i, item := range items {
			in, err := Decode(item)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			n.Items[i] = in
		}
		return n, nil
	}
	val, ok := obj[fieldValue]
	if !ok {
		return nil, fmt.Errorf("decode node: no value, children or items")
	}
	if !ir.IsScalar(val) {
		return nil, fmt.Errorf("decode node: scalar holds %s", ir.Kind(val))
	}
	return &Node{Kind: KindScalar, Value: val, Stamp: st}, nil
}

// MarshalJSON implements json.Marshaler using the stamped form.
func (n *Node) MarshalJSON() ([]byte, error) {
	return ir.Marshal(Encode(n))
}

// UnmarshalJSON implements json.Unmarshaler using the stamped form.
func (n *Node) UnmarshalJSON(data []byte) error {
	v, err := ir.Unmarshal(data)
	if err != nil {
		return err
	}
	decoded, err := Decode(v)
	if err != nil {
		return err
	}
	*n = *decoded
	return nil
}

var (
	_ json.Marshaler   = (*Node)(nil)
	_ json.Unmarshaler = (*Node)(nil)
)
