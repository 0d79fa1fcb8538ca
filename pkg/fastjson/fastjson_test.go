package fastjson

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	ID     int                    `json:"id"`
	Name   string                 `json:"name"`
	Active bool                   `json:"active"`
	Meta   map[string]interface{} `json:"meta"`
	Tags   []string               `json:"tags"`
}

func TestJSONCompatibility(t *testing.T) {
	data := record{
		ID:     123,
		Name:   "Huey",
		Active: true,
		Meta:   map[string]interface{}{"role": "admin", "score": 95.5},
		Tags:   []string{"a", "b"},
	}

	stdJSON, err := json.Marshal(data)
	require.NoError(t, err)
	fastJSON, err := Marshal(data)
	require.NoError(t, err)
	assert.JSONEq(t, string(stdJSON), string(fastJSON))

	var got record
	require.NoError(t, Unmarshal(fastJSON, &got))
	assert.Equal(t, data, got)
}

func TestUnmarshalNumber(t *testing.T) {
	var v interface{}
	require.NoError(t, UnmarshalNumber([]byte(`{"i": 3, "f": 1.5, "big": 1e3, "list": [1, 2.0]}`), &v))

	m := v.(map[string]interface{})
	assert.Equal(t, int64(3), m["i"])
	assert.Equal(t, 1.5, m["f"])
	assert.Equal(t, 1000.0, m["big"])
	assert.Equal(t, []interface{}{int64(1), 2.0}, m["list"])
}
