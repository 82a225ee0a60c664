package json

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalSortedKeys(t *testing.T) {
	data, err := Marshal(map[string]any{"b": 1, "a": "x"})
	require.NoError(t, err)
	assert.Equal(t, `{"a":"x","b":1}`, string(data))
}

func TestUnmarshalObject(t *testing.T) {
	obj, err := UnmarshalObject([]byte(`{"state":{"status":"idle"},"messages":[]}`))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"status": "idle"}, obj["state"])
	assert.Equal(t, []any{}, obj["messages"])

	_, err = UnmarshalObject([]byte(`[1,2]`))
	assert.Error(t, err)

	_, err = UnmarshalObject([]byte(`{`))
	assert.Error(t, err)

	_, err = UnmarshalObject([]byte(`null`))
	assert.ErrorIs(t, err, ErrNotObject)

	obj, err = UnmarshalObject([]byte(` {} `))
	require.NoError(t, err)
	assert.Empty(t, obj)
}

func TestEncoderDecoder(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewEncoder(&buf).Encode(map[string]int{"size": 3}))

	var out map[string]int
	require.NoError(t, NewDecoder(&buf).Decode(&out))
	assert.Equal(t, 3, out["size"])
	assert.True(t, Valid([]byte(`{"ok":true}`)))
}
