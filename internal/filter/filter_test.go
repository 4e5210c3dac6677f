package filter

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLeaf_RoundTrip(t *testing.T) {
	n := Eq("region", "us-east")
	raw, err := json.Marshal(n)
	require.NoError(t, err)
	assert.JSONEq(t, `{"op":"eq","key":"region","val":"us-east"}`, string(raw))

	var decoded Node
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, n, decoded)
}

func TestIn_RoundTrip(t *testing.T) {
	n := In("tier", "gold", "platinum")
	raw, err := json.Marshal(n)
	require.NoError(t, err)
	assert.JSONEq(t, `{"op":"in","key":"tier","val":["gold","platinum"]}`, string(raw))

	var decoded Node
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, n, decoded)
}

func TestExists_RoundTrip(t *testing.T) {
	n := Exists("premium")
	raw, err := json.Marshal(n)
	require.NoError(t, err)

	var decoded Node
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, n.Op, decoded.Op)
	assert.Equal(t, n.Key, decoded.Key)
}

func TestCompound_RoundTrip(t *testing.T) {
	n := And(Eq("region", "us-east"), Or(Gte("level", "5"), Exists("vip")))
	raw, err := json.Marshal(n)
	require.NoError(t, err)

	var decoded Node
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, n, decoded)
}

func TestFromJSON_EscapeHatch(t *testing.T) {
	n, err := FromJSON([]byte(`{"op":"lt","key":"price","val":"100"}`))
	require.NoError(t, err)
	assert.Equal(t, OpLt, n.Op)
	assert.Equal(t, "price", n.Key)
	assert.Equal(t, []string{"100"}, n.Val)
}
