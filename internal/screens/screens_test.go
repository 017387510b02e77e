package screens_test

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentconsole/agentconsole/internal/screens"
)

func TestSaveAndLoadRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "sess", "workers", "w1")

	data := bytes.Repeat([]byte("screen contents\x1b[0m\n"), 500)
	require.NoError(t, screens.Save(dir, data))

	got, err := screens.Load(dir)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestLoadMissingIsNil(t *testing.T) {
	got, err := screens.Load(t.TempDir())
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSaveEmptyRemoves(t *testing.T) {
	dir := t.TempDir()

	require.NoError(t, screens.Save(dir, []byte("something")))
	require.NoError(t, screens.Save(dir, nil))

	got, err := screens.Load(dir)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRemoveIdempotent(t *testing.T) {
	dir := t.TempDir()
	assert.NoError(t, screens.Remove(dir))
	require.NoError(t, screens.Save(dir, []byte("x")))
	assert.NoError(t, screens.Remove(dir))
	assert.NoError(t, screens.Remove(dir))
}
