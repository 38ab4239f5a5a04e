package deviceserver

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.db")
	store, err := OpenStore(path)
	require.NoError(t, err)

	_, ok, err := store.LoadSettings("cam")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.SaveSettings("cam", map[string]any{"gain": 4, "image pattern": 1}))
	assert.Error(t, store.SaveSettings("", map[string]any{"gain": 4}))
	require.NoError(t, store.Close())

	// settings survive a reopen
	store, err = OpenStore(path)
	require.NoError(t, err)
	defer store.Close()

	saved, ok, err := store.LoadSettings("cam")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"gain": 4.0, "image pattern": 1.0}, saved)

	require.NoError(t, store.DeleteSettings("cam"))
	_, ok, err = store.LoadSettings("cam")
	require.NoError(t, err)
	assert.False(t, ok)
}
