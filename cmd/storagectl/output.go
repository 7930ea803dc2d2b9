package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/keboola/storage-backend/internal/debug"
)

// printResult renders v as indented JSON when --json is set or --format is
// "json". Any other --format value (table, csv) prints Go's %+v rendering of
// v on one line; there is no dedicated table or CSV layout. Nothing is
// printed under --quiet.
func printResult(v any) {
	if flagQuiet {
		return
	}
	if flagJSON || flagFormat == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(v)
		return
	}
	debug.PrintlnNormal(fmt.Sprintf("%+v", v))
}

func confirmOrAbort(prompt string) error {
	if flagYes {
		return nil
	}
	fmt.Fprintf(os.Stderr, "%s [y/N]: ", prompt)
	var resp string
	_, _ = fmt.Scanln(&resp)
	if resp != "y" && resp != "Y" && resp != "yes" {
		return fmt.Errorf("aborted: pass --yes to skip this confirmation")
	}
	return nil
}
