package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeProfiles(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "profiles.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadProfileDefaultsToDefaultName(t *testing.T) {
	path := writeProfiles(t, "[profiles.default]\nserver_addr = \"https://sb.example.com\"\nadmin_token = \"tok\"\n")

	p, err := LoadProfile(path, "")
	require.NoError(t, err)
	assert.Equal(t, "https://sb.example.com", p.ServerAddr)
	assert.Equal(t, "tok", p.AdminToken)
}

func TestLoadProfileNamedProfile(t *testing.T) {
	path := writeProfiles(t, "[profiles.staging]\nserver_addr = \"https://staging.example.com\"\nadmin_token = \"stok\"\n")

	p, err := LoadProfile(path, "staging")
	require.NoError(t, err)
	assert.Equal(t, "https://staging.example.com", p.ServerAddr)
}

func TestLoadProfileUnknownNameErrors(t *testing.T) {
	path := writeProfiles(t, "[profiles.default]\nserver_addr = \"https://sb.example.com\"\n")

	_, err := LoadProfile(path, "nope")
	require.Error(t, err)
}

func TestLoadProfileMissingFileErrors(t *testing.T) {
	_, err := LoadProfile(filepath.Join(t.TempDir(), "missing.toml"), "default")
	require.Error(t, err)
}
