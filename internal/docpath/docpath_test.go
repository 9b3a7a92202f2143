package docpath

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLookup(t *testing.T) {
	doc := map[string]any{
		"name": "web-01",
		"data": map[string]any{
			"vm": map[string]any{"vm_id": "i-123"},
		},
	}

	v, ok := Lookup(doc, "data.vm.vm_id")
	require.True(t, ok)
	require.Equal(t, "i-123", v)

	_, ok = Lookup(doc, "data.vm.missing")
	require.False(t, ok)

	_, ok = Lookup(doc, "name.first")
	require.False(t, ok, "scalar on the path is absent")
}

func TestSetCreatesIntermediateMaps(t *testing.T) {
	doc := map[string]any{}
	require.NoError(t, Set(doc, "collection_info.service_account_id", "sa-1"))
	v, ok := Lookup(doc, "collection_info.service_account_id")
	require.True(t, ok)
	require.Equal(t, "sa-1", v)

	doc["name"] = "x"
	require.Error(t, Set(doc, "name.first", "y"))
}

func TestString(t *testing.T) {
	require.Equal(t, "2", String(float64(2)))
	require.Equal(t, "2.5", String(2.5))
	require.Equal(t, "true", String(true))
	require.Equal(t, "", String(nil))
}
