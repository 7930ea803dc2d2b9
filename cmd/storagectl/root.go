package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/keboola/storage-backend/internal/debug"
	"github.com/keboola/storage-backend/internal/errs"
)

// Global flags, bound as package-level vars through the root command's
// PersistentFlags rather than per-subcommand flag structs.
var (
	flagJSON    bool
	flagFormat  string
	flagYes     bool
	flagDryRun  bool
	flagProfile string
	flagQuiet   bool
	flagVerbose bool
	flagNoColor bool

	flagServerAddr string
	flagAPIKey     string
)

var rootCmd = &cobra.Command{
	Use:           "storagectl",
	Short:         "CLI for the on-premise multi-tenant storage backend",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		debug.SetVerbose(flagVerbose)
		debug.SetQuiet(flagQuiet)
	},
}

// errConfig marks a cobra RunE failure as a configuration error (exit 2),
//'s "Exit codes: 0 success; 1 runtime failure; 2
// configuration error".
type errConfig struct{ err error }

func (e errConfig) Error() string { return e.err.Error() }
func (e errConfig) Unwrap() error { return e.err }

func configErrorf(format string, a ...any) error {
	return errConfig{err: errs.New(errs.InvalidArgument, fmt.Sprintf(format, a...))}
}

func exitCodeFor(err error) int {
	var ce errConfig
	if errors.As(err, &ce) {
		return 2
	}
	return 1
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "emit machine-readable JSON output")
	rootCmd.PersistentFlags().StringVar(&flagFormat, "format", "table", "output format: table|json|csv")
	rootCmd.PersistentFlags().BoolVar(&flagYes, "yes", false, "assume yes for confirmation prompts")
	rootCmd.PersistentFlags().BoolVar(&flagDryRun, "dry-run", false, "print the request that would be sent without sending it")
	rootCmd.PersistentFlags().StringVar(&flagProfile, "profile", "", "named connection profile from ~/.storage-backend/profiles.toml")
	rootCmd.PersistentFlags().BoolVar(&flagQuiet, "quiet", false, "suppress non-essential output")
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "print diagnostic detail to stderr")
	rootCmd.PersistentFlags().BoolVar(&flagNoColor, "no-color", false, "disable ANSI color in table output")
	rootCmd.PersistentFlags().StringVar(&flagServerAddr, "server", "", "server base URL (overrides profile/STORAGE_BACKEND_URL)")
	rootCmd.PersistentFlags().StringVar(&flagAPIKey, "api-key", "", "API key (overrides profile/STORAGE_BACKEND_API_KEY)")

	rootCmd.AddCommand(
		projectsCmd,
		branchesCmd,
		bucketsCmd,
		tablesCmd,
		schemaCmd,
		dataCmd,
		filesCmd,
		snapshotsCmd,
		workspacesCmd,
		configCmd,
		serveCmd,
	)
}
