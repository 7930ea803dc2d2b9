// Command storagectl is the non-interactive CLI surface for the backend
// (project/branch/bucket/table/schema/data/files/snapshot/workspace
// management, plus the server's own "serve" entrypoint), built on
// github.com/spf13/cobra rather than hand-rolled flag/dispatch plumbing.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCodeFor(err))
	}
}
