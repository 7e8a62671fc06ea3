package ctxstore

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/meshsync/internal/ir"
)

func TestNode_JSONWireForm(t *testing.T) {
	n := object(1, "peer-a", map[string]*Node{
		"temp": leaf(ir.Float(21.5), 2, "peer-b"),
	})

	data, err := json.Marshal(n)
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"ts":1,"o":"peer-a","c":{"temp":{"ts":2,"o":"peer-b","v":21.5}}}`,
		string(data))

	var back Node
	require.NoError(t, json.Unmarshal(data, &back))
	assert.True(t, n.Equal(&back))
}

func TestDecode_Rejects(t *testing.T) {
	tests := []struct {
		name string
		in   ir.Value
	}{
		{"not object", ir.Int(1)},
		{"no ts", ir.Object{"o": ir.String("p"), "v": ir.Int(1)}},
		{"no origin", ir.Object{"ts": ir.Int(1), "v": ir.Int(1)}},
		{"no body", ir.Object{"ts": ir.Int(1), "o": ir.String("p")}},
		{"object value", ir.Object{"ts": ir.Int(1), "o": ir.String("p"), "v": ir.Object{}}},
		{"bad child", ir.Object{"ts": ir.Int(1), "o": ir.String("p"), "c": ir.Object{"k": ir.Int(1)}}},
		{"same class shadow", ir.Object{
			"ts": ir.Int(1), "o": ir.String("p"), "v": ir.Int(1),
			"s": ir.Object{"ts": ir.Int(2), "o": ir.String("p"), "a": ir.Array{}},
		}},
		{"nested shadow", ir.Object{
			"ts": ir.Int(1), "o": ir.String("p"), "v": ir.Int(1),
			"s": ir.Object{
				"ts": ir.Int(2), "o": ir.String("p"), "c": ir.Object{},
				"s": ir.Object{"ts": ir.Int(3), "o": ir.String("p"), "v": ir.Int(2)},
			},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.in)
			assert.Error(t, err)
		})
	}
}

func TestNode_ShadowWireForm(t *testing.T) {
	subtree := object(1, "peer-a", map[string]*Node{"k": leaf(ir.Int(2), 1, "peer-a")})
	n := merged(leaf(ir.Int(7), 4, "peer-b"), subtree)
	require.NotNil(t, n.Shadow)

	data, err := json.Marshal(n)
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"ts":1,"o":"peer-a","c":{"k":{"ts":1,"o":"peer-a","v":2}},"s":{"ts":4,"o":"peer-b","v":7}}`,
		string(data))

	var back Node
	require.NoError(t, json.Unmarshal(data, &back))
	assert.True(t, n.Equal(&back))
}

func TestDecode_ShowsOlderOfShadowPair(t *testing.T) {
	// Written with the newer leaf in front; decoding puts the older Object
	// in front.
	n, err := Decode(ir.Object{
		"ts": ir.Int(9), "o": ir.String("peer-b"), "v": ir.Int(7),
		"s": ir.Object{"ts": ir.Int(1), "o": ir.String("peer-a"), "c": ir.Object{}},
	})
	require.NoError(t, err)
	assert.Equal(t, KindObject, n.Kind)
	require.NotNil(t, n.Shadow)
	assert.Equal(t, ir.Int(7), n.Shadow.Value)
}
