package config

import (
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/keboola/storage-backend/internal/errs"
)

// Profile is one named storagectl connection target, the CLI analogue of
// a per-project config file but scoped to "which server do I
// talk to", not issue-tracker settings.
type Profile struct {
	ServerAddr string `toml:"server_addr"`
	AdminToken string `toml:"admin_token"`
}

type profileFile struct {
	Profiles map[string]Profile `toml:"profiles"`
}

// DefaultProfilesPath returns ~/.storage-backend/profiles.toml.
func DefaultProfilesPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errs.Wrap(errs.Internal, "resolving home directory", err)
	}
	return filepath.Join(home, ".storage-backend", "profiles.toml"), nil
}

// LoadProfile reads the named profile from a TOML profiles file. An empty
// name resolves to "default".
func LoadProfile(path, name string) (*Profile, error) {
	if name == "" {
		name = "default"
	}
	var pf profileFile
	if _, err := toml.DecodeFile(path, &pf); err != nil {
		if os.IsNotExist(err) {
			return nil, errs.New(errs.NotFound, "no profiles file at "+path)
		}
		return nil, errs.Wrap(errs.Internal, "parsing profiles file", err)
	}
	p, ok := pf.Profiles[name]
	if !ok {
		return nil, errs.New(errs.NotFound, "no profile named "+name)
	}
	return &p, nil
}
