package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var dataCmd = &cobra.Command{
	Use:   "data",
	Short: "row-level data operations (delete, import, export)",
}

var (
	dataBranch      string
	dataPredicate   string
	dataImportFile  string
	dataImportMode  string
	dataImportDedup string
	dataExportOut   string
	dataExportComp  string
)

func init() {
	deleteRows := &cobra.Command{
		Use:   "delete-rows <project_id> <bucket> <table>",
		Short: "delete rows matching a SQL WHERE predicate",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			if dataPredicate == "" {
				return configErrorf("--where is required (use 1=1 to match every row)")
			}
			if err := confirmOrAbort(fmt.Sprintf("delete rows from %s.%s matching %q?", args[1], args[2], dataPredicate)); err != nil {
				return err
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			var out map[string]any
			body := map[string]string{"predicate": dataPredicate}
			path := tablePath(args[0], dataBranch, args[1], args[2], "/rows")
			if err := c.do(cmd.Context(), "POST", path, body, &out); err != nil {
				return err
			}
			printResult(out)
			return nil
		},
	}
	deleteRows.Flags().StringVar(&dataPredicate, "where", "", "SQL WHERE predicate (required); 1=1 or TRUE matches every row")

	importCmd := &cobra.Command{
		Use:   "import <project_id> <bucket> <table>",
		Short: "stage and transform a CSV file into a table (STAGING -> TRANSFORM -> CLEANUP)",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			if dataImportFile == "" {
				return configErrorf("--file is required")
			}
			f, err := os.Open(dataImportFile)
			if err != nil {
				return err
			}
			defer f.Close()

			c, err := newClient()
			if err != nil {
				return err
			}
			query := fmt.Sprintf("?mode=%s&dedup=%s", dataImportMode, dataImportDedup)
			path := tablePath(args[0], dataBranch, args[1], args[2], "/import"+query)
			if flagDryRun {
				printResult(map[string]string{"status": "dry-run", "path": path})
				return nil
			}
			var out map[string]any
			if err := c.postReader(cmd.Context(), path, f, &out); err != nil {
				return err
			}
			printResult(out)
			return nil
		},
	}
	importCmd.Flags().StringVar(&dataImportFile, "file", "", "local CSV file to import")
	importCmd.Flags().StringVar(&dataImportMode, "mode", "full", "full|incremental")
	importCmd.Flags().StringVar(&dataImportDedup, "dedup", "", "update_duplicates|insert_duplicates|fail_on_duplicates (incremental only)")

	exportCmd := &cobra.Command{
		Use:   "export <project_id> <bucket> <table>",
		Short: "export a table to CSV",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			query := ""
			if dataExportComp != "" {
				query = "?compression=" + dataExportComp
			}
			path := tablePath(args[0], dataBranch, args[1], args[2], "/export"+query)
			rc, err := c.getReader(cmd.Context(), path)
			if err != nil {
				return err
			}
			defer rc.Close()

			out := os.Stdout
			if dataExportOut != "" {
				f, err := os.Create(dataExportOut)
				if err != nil {
					return err
				}
				defer f.Close()
				out = f
			}
			_, err = copyAll(out, rc)
			return err
		},
	}
	exportCmd.Flags().StringVar(&dataExportOut, "out", "", "destination file (defaults to stdout)")
	exportCmd.Flags().StringVar(&dataExportComp, "compression", "", "gzip (CSV) or leave empty")

	for _, sub := range []*cobra.Command{deleteRows, importCmd, exportCmd} {
		sub.Flags().StringVar(&dataBranch, "branch", "default", "branch id (default is the main line)")
	}

	dataCmd.AddCommand(deleteRows, importCmd, exportCmd)
}
