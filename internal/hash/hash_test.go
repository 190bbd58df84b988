package hash

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTextDeterministic(t *testing.T) {
	a := Text("hello")
	b := Text("hello")
	c := Text("world")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}

func TestInventoryChangesWithSchema(t *testing.T) {
	tools := []InventoryEntry{
		{Name: "current_time_by_timezone", Description: "Returns the current time", InputSchema: map[string]any{"type": "object"}},
	}

	h1, err := Inventory("/currenttime", tools)
	require.NoError(t, err)

	tools[0].InputSchema = map[string]any{"type": "object", "required": []string{"tz_name"}}
	h2, err := Inventory("/currenttime", tools)
	require.NoError(t, err)

	assert.NotEqual(t, h1, h2)
}

func TestInventorySensitiveToServicePath(t *testing.T) {
	tools := []InventoryEntry{{Name: "t", Description: "d"}}

	h1, err := Inventory("/a", tools)
	require.NoError(t, err)
	h2, err := Inventory("/b", tools)
	require.NoError(t, err)

	assert.NotEqual(t, h1, h2)
}

func TestInventoryEmpty(t *testing.T) {
	h, err := Inventory("/svc", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, h)
}
