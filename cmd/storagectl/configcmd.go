package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/keboola/storage-backend/internal/config"
	"github.com/keboola/storage-backend/internal/errs"
	"github.com/keboola/storage-backend/internal/layout"
)

// configCmd manages storagectl's own connection profiles (~/.storage-
// backend/profiles.toml), the CLI-side half of the "config"
// command group — the server-side config (internal/config.Config) is a
// separate concern loaded by "serve", not edited through this group.
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "manage storagectl connection profiles",
}

// profilesFile mirrors config.Profile's TOML shape for writing; the loader
// side (config.LoadProfile) already parses this exact layout.
type profilesFile struct {
	Profiles map[string]config.Profile `toml:"profiles"`
}

func loadProfilesFile(path string) (profilesFile, error) {
	var pf profilesFile
	if _, err := os.Stat(path); os.IsNotExist(err) {
		pf.Profiles = map[string]config.Profile{}
		return pf, nil
	}
	if _, err := toml.DecodeFile(path, &pf); err != nil {
		return pf, errs.Wrap(errs.Internal, "parsing profiles file", err)
	}
	if pf.Profiles == nil {
		pf.Profiles = map[string]config.Profile{}
	}
	return pf, nil
}

func saveProfilesFile(path string, pf profilesFile) error {
	if err := os.MkdirAll(filepath.Dir(path), layout.DirPerm); err != nil {
		return errs.Wrap(errs.IOFailure, "creating profile directory", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return errs.Wrap(errs.IOFailure, "creating profiles file", err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(pf); err != nil {
		return errs.Wrap(errs.Internal, "writing profiles file", err)
	}
	return nil
}

var (
	configSetServerAddr string
	configSetAdminToken string
)

func init() {
	setProfile := &cobra.Command{
		Use:   "set-profile <name>",
		Short: "create or update a named connection profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if configSetServerAddr == "" {
				return configErrorf("--server-addr is required")
			}
			path, err := config.DefaultProfilesPath()
			if err != nil {
				return err
			}
			pf, err := loadProfilesFile(path)
			if err != nil {
				return err
			}
			pf.Profiles[args[0]] = config.Profile{ServerAddr: configSetServerAddr, AdminToken: configSetAdminToken}
			if err := saveProfilesFile(path, pf); err != nil {
				return err
			}
			printResult(map[string]string{"status": "saved", "profile": args[0], "path": path})
			return nil
		},
	}
	setProfile.Flags().StringVar(&configSetServerAddr, "server-addr", "", "server base URL, e.g. http://localhost:8080")
	setProfile.Flags().StringVar(&configSetAdminToken, "admin-token", "", "API key or admin key for this profile")

	listProfiles := &cobra.Command{
		Use:   "list-profiles",
		Short: "list saved connection profiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.DefaultProfilesPath()
			if err != nil {
				return err
			}
			pf, err := loadProfilesFile(path)
			if err != nil {
				return err
			}
			names := make([]string, 0, len(pf.Profiles))
			for name := range pf.Profiles {
				names = append(names, name)
			}
			printResult(names)
			return nil
		},
	}

	removeProfile := &cobra.Command{
		Use:   "remove-profile <name>",
		Short: "delete a saved connection profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.DefaultProfilesPath()
			if err != nil {
				return err
			}
			pf, err := loadProfilesFile(path)
			if err != nil {
				return err
			}
			if _, ok := pf.Profiles[args[0]]; !ok {
				return fmt.Errorf("no profile named %q", args[0])
			}
			delete(pf.Profiles, args[0])
			if err := saveProfilesFile(path, pf); err != nil {
				return err
			}
			printResult(map[string]string{"status": "removed"})
			return nil
		},
	}

	initServer := &cobra.Command{
		Use:   "init-server [path]",
		Short: "write a starter server config.yaml with every recognised key",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "config.yaml"
			if len(args) == 1 {
				path = args[0]
			}
			if err := config.WriteExample(path); err != nil {
				return err
			}
			printResult(map[string]string{"status": "written", "path": path})
			return nil
		},
	}

	configCmd.AddCommand(setProfile, listProfiles, removeProfile, initServer)
}
