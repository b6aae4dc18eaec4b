package setup

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/overseer-dev/overseer/internal/yaml"
)

func TestInitScaffoldsStateDirectory(t *testing.T) {
	root := t.TempDir()
	require.False(t, IsInitialized(root))

	paths, err := Init(root)
	require.NoError(t, err)
	assert.True(t, IsInitialized(root))

	for _, dir := range []string{paths.Root, paths.Logs, paths.Approvals} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}

	cfg, err := LoadConfig(paths)
	require.NoError(t, err)
	assert.Equal(t, filepath.Base(root), cfg.Project.Name)
	assert.Equal(t, "claude", cfg.Worker.Command)
	assert.Equal(t, 3, cfg.Sessions.MaxConcurrent)
}

func TestInitIsIdempotent(t *testing.T) {
	root := t.TempDir()
	paths, err := Init(root)
	require.NoError(t, err)

	// Customize the config, then re-init: the customization survives.
	cfg, err := LoadConfig(paths)
	require.NoError(t, err)
	cfg.Sessions.MaxConcurrent = 7
	require.NoError(t, yaml.AtomicWrite(paths.Config, cfg))

	_, err = Init(root)
	require.NoError(t, err)

	cfg, err = LoadConfig(paths)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Sessions.MaxConcurrent)
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	paths := ProjectPaths(t.TempDir())
	cfg, err := LoadConfig(paths)
	require.NoError(t, err)
	assert.Equal(t, "claude", cfg.Worker.Command)
	assert.Equal(t, 300, cfg.Verify.TimeoutSec)
}
