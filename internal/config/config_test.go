package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	f := Defaults()
	assert.True(t, f.PackEnabled)
	assert.True(t, f.ShapeUniforms)
	assert.Equal(t, 128, f.CPUHandoffSizeThreshold)
	assert.Equal(t, FenceAuto, f.Fence)
}

func TestFromEnvJSONOverride(t *testing.T) {
	t.Setenv(EnvFlags, `{"pack_enabled": false, "cpu_handoff_size_threshold": 7}`)
	t.Setenv(EnvConfigFile, "")

	f, err := FromEnv()
	require.NoError(t, err)
	assert.False(t, f.PackEnabled)
	assert.Equal(t, 7, f.CPUHandoffSizeThreshold)
	// Untouched flags keep defaults.
	assert.True(t, f.ShapeUniforms)
}

func TestFromEnvInvalidJSON(t *testing.T) {
	t.Setenv(EnvFlags, `{not json`)
	t.Setenv(EnvConfigFile, "")

	_, err := FromEnv()
	assert.Error(t, err)
}

func TestLoadFileYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flags.yaml")
	require.NoError(t, os.WriteFile(path, []byte("debug: true\nfence: none\n"), 0o644))

	f, err := LoadFile(path)
	require.NoError(t, err)
	assert.True(t, f.Debug)
	assert.Equal(t, FenceNone, f.Fence)
}

func TestFromEnvFileThenJSONLayering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flags.yaml")
	require.NoError(t, os.WriteFile(path, []byte("lazy_unpack: false\nmax_batch_size: 16\n"), 0o644))
	t.Setenv(EnvConfigFile, path)
	t.Setenv(EnvFlags, `{"max_batch_size": 32}`)

	f, err := FromEnv()
	require.NoError(t, err)
	assert.False(t, f.LazyUnpack)
	// JSON overrides win over the file.
	assert.Equal(t, 32, f.MaxBatchSize)
}
