package proto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	type body struct {
		ID uint64 `json:"id"`
	}
	data, err := Encode(KindStreamAccept, "peer-a", body{ID: 3})
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"stream.accept","from":"peer-a","body":{"id":3}}`, string(data))

	env, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, KindStreamAccept, env.Kind)
	assert.Equal(t, "peer-a", env.From)
	assert.Equal(t, "stream", env.Kind.Family())

	var b body
	require.NoError(t, env.UnmarshalBody(&b))
	assert.Equal(t, uint64(3), b.ID)
}

func TestDecode_Errors(t *testing.T) {
	_, err := Decode([]byte("not json"))
	assert.Error(t, err)

	_, err = Decode([]byte(`{"from":"x"}`))
	assert.Error(t, err)

	env, err := Decode([]byte(`{"kind":"ctx.diff","from":"x"}`))
	require.NoError(t, err)
	var v map[string]any
	assert.Error(t, env.UnmarshalBody(&v))
}

func TestIsReservedTopic(t *testing.T) {
	assert.True(t, IsReservedTopic(TopicContext))
	assert.True(t, IsReservedTopic(TopicCapability))
	assert.False(t, IsReservedTopic("mesh/device_1/button"))
}
