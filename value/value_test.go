package value

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromAnyToAnyRoundTrip(t *testing.T) {
	in := map[string]any{
		"name":  "alice",
		"count": float64(3),
		"ok":    true,
		"tags":  []any{"a", "b"},
		"nil":   nil,
	}
	v := FromAny(in)
	require.Equal(t, KindMap, v.Kind())

	out := v.ToAny()
	outMap, ok := out.(map[string]any)
	require.True(t, ok, "expected map[string]any, got %T", out)
	assert.Equal(t, "alice", outMap["name"])
	assert.Equal(t, float64(3), outMap["count"])
	assert.Equal(t, true, outMap["ok"])
}

func TestAccessorsRejectWrongKind(t *testing.T) {
	v := String("hi")
	_, ok := v.AsNumber()
	assert.False(t, ok, "AsNumber should fail on a string Value")

	s, ok := v.AsString()
	require.True(t, ok)
	assert.Equal(t, "hi", s)
}

func TestJSONRoundTrip(t *testing.T) {
	orig := Map(map[string]Value{
		"a": Number(42),
		"b": List([]Value{String("x"), Bool(false)}),
	})
	data, err := json.Marshal(orig)
	require.NoError(t, err)

	var got Value
	require.NoError(t, json.Unmarshal(data, &got))

	m, ok := got.AsMap()
	require.True(t, ok, "expected map after round trip")
	n, ok := m["a"].AsNumber()
	require.True(t, ok)
	assert.Equal(t, float64(42), n)
}

func TestJSONRoundTripInsideStruct(t *testing.T) {
	type wrapper struct {
		Params map[string]Value `json:"params"`
		Result *Value           `json:"result"`
	}
	res := String("done")
	w := wrapper{
		Params: map[string]Value{"x": Number(1)},
		Result: &res,
	}
	data, err := json.Marshal(w)
	require.NoError(t, err)

	var got wrapper
	require.NoError(t, json.Unmarshal(data, &got))

	n, ok := got.Params["x"].AsNumber()
	require.True(t, ok)
	assert.Equal(t, float64(1), n)

	require.NotNil(t, got.Result)
	s, ok := got.Result.AsString()
	require.True(t, ok)
	assert.Equal(t, "done", s)
}

func TestFromStringMapToStringMap(t *testing.T) {
	in := map[string]any{"k": "v", "n": float64(7)}
	vm := FromStringMap(in)
	back := ToStringMap(vm)
	assert.Equal(t, "v", back["k"])
	assert.Equal(t, float64(7), back["n"])
}
