package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// envSnapshot clears STORAGE_BACKEND_ env vars for the duration of a test.
func envSnapshot(t *testing.T) func() {
	t.Helper()
	saved := make(map[string]string)
	for _, env := range os.Environ() {
		if strings.HasPrefix(env, "STORAGE_BACKEND_") {
			parts := strings.SplitN(env, "=", 2)
			saved[parts[0]] = os.Getenv(parts[0])
			os.Unsetenv(parts[0])
		}
	}
	return func() {
		for key, val := range saved {
			os.Setenv(key, val)
		}
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	defer envSnapshot(t)()
	os.Setenv("STORAGE_BACKEND_JWT_SECRET", "s3cr3t")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "./data", cfg.DataDir)
	assert.Equal(t, ":8080", cfg.RESTListenAddr)
	assert.Equal(t, ":5432", cfg.PGWireListenAddr)
	assert.Equal(t, 5*time.Minute, cfg.StatementTimeout)
	assert.Equal(t, time.Hour, cfg.IdleTimeout)
	assert.Equal(t, 24*time.Hour, cfg.WorkspaceTTL)
}

func TestLoadRejectsMissingJWTSecret(t *testing.T) {
	defer envSnapshot(t)()

	_, err := Load("")
	require.Error(t, err)
}

func TestLoadMergesProjectFileOverDefaults(t *testing.T) {
	defer envSnapshot(t)()
	os.Setenv("STORAGE_BACKEND_JWT_SECRET", "s3cr3t")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("data_dir: /srv/storage-backend\nrest_listen_addr: \":9090\"\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/srv/storage-backend", cfg.DataDir)
	assert.Equal(t, ":9090", cfg.RESTListenAddr)
}

func TestLoadEnvOverridesProjectFile(t *testing.T) {
	defer envSnapshot(t)()
	os.Setenv("STORAGE_BACKEND_JWT_SECRET", "s3cr3t")
	os.Setenv("STORAGE_BACKEND_DATA_DIR", "/from/env")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("data_dir: /from/file\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/from/env", cfg.DataDir)
}

func TestWriteExampleProducesLoadableConfig(t *testing.T) {
	defer envSnapshot(t)()
	os.Setenv("STORAGE_BACKEND_JWT_SECRET", "s3cr3t")

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, WriteExample(path))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.RESTListenAddr)
	assert.Equal(t, "./data", cfg.DataDir)

	require.Error(t, WriteExample(path), "init-server must refuse to overwrite an existing config")
}

func TestLoadRejectsMissingConfigFile(t *testing.T) {
	defer envSnapshot(t)()
	os.Setenv("STORAGE_BACKEND_JWT_SECRET", "s3cr3t")

	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
