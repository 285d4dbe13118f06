package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv unsets a variable for the test, restoring it afterwards.
func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, key := range keys {
		t.Setenv(key, "")
		require.NoError(t, os.Unsetenv(key))
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) { //nolint:paralleltest // env
	clearEnv(t, "PBMCP_HOST", "PBMCP_PORT", "PB_GATEWAY_HOST")

	cfg, err := Load(filepath.Join(t.TempDir(), "gateway.json"))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", cfg.Host)
	assert.Equal(t, 8155, cfg.Port)
	assert.Equal(t, "dual", cfg.AuthMode)
	assert.Equal(t, "standard", cfg.Sandbox.Profile)
}

func TestSaveAndLoadRoundTrip(t *testing.T) { //nolint:paralleltest // env
	clearEnv(t, "PBMCP_HOST", "PBMCP_PORT", "PBMCP_AUTH_MODE")

	path := filepath.Join(t.TempDir(), "config", "gateway.json")
	cfg := Default()
	cfg.Port = 9000
	cfg.Sandbox.Profile = "locked-down"
	require.NoError(t, Save(path, cfg))

	// Pretty-printed JSON on disk.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "\n  \"port\": 9000")

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9000, loaded.Port)
	assert.Equal(t, "locked-down", loaded.Sandbox.Profile)
}

func TestSaveBacksUpExisting(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "gateway.json")
	require.NoError(t, Save(path, Default()))

	cfg := Default()
	cfg.Port = 1234
	require.NoError(t, Save(path, cfg))

	matches, err := filepath.Glob(path + ".backup.*.json")
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestEnvOverrides(t *testing.T) { //nolint:paralleltest // env
	t.Setenv("PBMCP_HOST", "0.0.0.0")
	t.Setenv("PBMCP_PORT", "7777")
	t.Setenv("PBMCP_AUTH_MODE", "external-secure")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, 7777, cfg.Port)
	assert.Equal(t, "external-secure", cfg.AuthMode)
}

func TestLegacyEnvAlias(t *testing.T) { //nolint:paralleltest // env
	clearEnv(t, "PBMCP_HOST")
	t.Setenv("PB_GATEWAY_HOST", "10.0.0.5")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", cfg.Host)
}
