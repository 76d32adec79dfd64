package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverlaysOntoDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gpusched.yaml")

	contents := `
gpu_indices: [0, 1]
base_dir: /tmp/gpusched
policy:
  static_util_threshold: 70
`

	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, []int{0, 1}, cfg.GPUIndices)
	assert.Equal(t, "/tmp/gpusched", cfg.BaseDir)
	assert.Equal(t, 70.0, cfg.Policy.StaticUtilThreshold)
	// Untouched fields keep their defaults.
	assert.Equal(t, 80.0, cfg.Policy.StaticMemThreshold)
	assert.Equal(t, 0.01, cfg.Policy.AgingFactor)
}

func TestLoadRejectsEmptyGpuIndices(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gpusched.yaml")

	require.NoError(t, os.WriteFile(path, []byte("gpu_indices: []\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/gpusched.yaml")
	assert.Error(t, err)
}

func TestLoadMalformedYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gpusched.yaml")

	require.NoError(t, os.WriteFile(path, []byte("gpu_indices: [0\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}
