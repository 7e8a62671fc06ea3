package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCanonicalBasic(t *testing.T) {
	tests := []struct {
		name     string
		input    Value
		expected string
	}{
		{"string", String("hello"), `"hello"`},
		{"empty string", String(""), `""`},
		{"int", Int(42), "42"},
		{"negative int", Int(-100), "-100"},
		{"min int64", Int(-9223372036854775808), "-9223372036854775808"},
		{"float", Float(21.5), "21.5"},
		{"integral float", Float(3), "3.0"},
		{"small float", Float(1e-7), "1e-7"},
		{"null", Null{}, "null"},
		{"bool", Bool(false), "false"},
		{"empty array", Array{}, "[]"},
		{"empty object", Object{}, "{}"},
		{"array", Array{Int(1), Float(2.5), Null{}}, "[1,2.5,null]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := MarshalCanonical(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(result))
		})
	}
}

func TestMarshalCanonicalNestedSortedKeys(t *testing.T) {
	obj := Object{
		"z": Object{"b": Int(1), "a": Int(2)},
		"a": Int(3),
	}

	result, err := MarshalCanonical(obj)
	require.NoError(t, err)
	assert.Equal(t, `{"a":3,"z":{"a":2,"b":1}}`, string(result))
}

func TestMarshalCanonicalNoHTMLEscape(t *testing.T) {
	result, err := MarshalCanonical(Object{"html": String("<b> & </b>")})
	require.NoError(t, err)
	assert.Equal(t, `{"html":"<b> & </b>"}`, string(result))
}

func TestMarshalCanonicalLineSeparators(t *testing.T) {
	result, err := MarshalCanonical(String("a\u2028b\u2029c"))
	require.NoError(t, err)
	assert.Equal(t, "\"a\u2028b\u2029c\"", string(result))
	assert.NotContains(t, string(result), `\u2028`)

	// A literal backslash followed by the text u2028 stays escaped.
	result, err = MarshalCanonical(String(`x\u2028`))
	require.NoError(t, err)
	assert.Equal(t, `"x\\u2028"`, string(result))
}

func TestMarshalCanonicalNFC(t *testing.T) {
	composed := "caf\u00E9"
	decomposed := "cafe\u0301"

	a, err := MarshalCanonical(Object{composed: String(decomposed)})
	require.NoError(t, err)
	b, err := MarshalCanonical(Object{decomposed: String(composed)})
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

func TestMarshalCanonicalRejectsInvalid(t *testing.T) {
	_, err := MarshalCanonical(nil)
	require.Error(t, err)

	_, err = MarshalCanonical(Object{"bad": Array{nil}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `object["bad"]`)
}

func TestMarshalCanonicalIdempotent(t *testing.T) {
	values := []Value{
		String("hello"),
		Float(0.1),
		Object{"sensors": Object{"temp": Float(21.5), "ids": Array{Int(1), Int(2)}}},
	}

	for _, v := range values {
		first, err := MarshalCanonical(v)
		require.NoError(t, err)

		decoded, err := Unmarshal(first)
		require.NoError(t, err)

		second, err := MarshalCanonical(decoded)
		require.NoError(t, err)
		assert.Equal(t, string(first), string(second))
	}
}
