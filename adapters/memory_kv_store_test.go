package adapters

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryKeyValueStore(t *testing.T) {
	t.Parallel()

	store := NewMemoryKeyValueStore()

	_, ok, err := store.Get("a")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Set("a", "1"))
	v, ok, err := store.Get("a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "1", v)

	require.NoError(t, store.Delete("a"))
	_, ok, _ = store.Get("a")
	assert.False(t, ok)

	require.NoError(t, store.Set("b", "2"))
	require.NoError(t, store.Clear())
	_, ok, _ = store.Get("b")
	assert.False(t, ok)
}
