package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "busd", cfg.BusName)
	assert.True(t, cfg.IsPrivileged(0))
	assert.False(t, cfg.IsPrivileged(1000))
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "busd.ini")
	contents := []byte("[bus]\nname = testbus\npool_size = 4096\nqueue_ceiling = 16\nreply_ceiling = 4\n\n[privileged]\nuids = 0,1000\n")
	require.NoError(t, os.WriteFile(path, contents, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "testbus", cfg.BusName)
	assert.EqualValues(t, 4096, cfg.DefaultPoolSize)
	assert.Equal(t, 16, cfg.QueueCeiling)
	assert.Equal(t, 4, cfg.ReplyCeiling)
	assert.True(t, cfg.IsPrivileged(1000))
}
