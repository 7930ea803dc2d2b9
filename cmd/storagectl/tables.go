package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/keboola/storage-backend/internal/registry"
)

var tablesCmd = &cobra.Command{
	Use:   "tables",
	Short: "manage tables (create/drop/preview/profile)",
}

var (
	tableColumns     []string
	tablePrimaryKey  []string
	tablePreviewLim  int
	tablePreviewOff  int
	tableProfileMode string
	branchFlag       string
)

// parseColumn turns "name:type[:nullable]" into a registry.Column, the CLI's
// compact notation for the JSON body createTable's REST handler expects.
func parseColumn(spec string) (registry.Column, error) {
	parts := strings.Split(spec, ":")
	if len(parts) < 2 {
		return registry.Column{}, configErrorf("invalid --column %q: expected name:type[:nullable]", spec)
	}
	col := registry.Column{Name: parts[0], Type: parts[1]}
	if len(parts) >= 3 {
		nullable, err := strconv.ParseBool(parts[2])
		if err != nil {
			return registry.Column{}, configErrorf("invalid nullable flag in --column %q", spec)
		}
		col.Nullable = nullable
	}
	return col, nil
}

func init() {
	create := &cobra.Command{
		Use:   "create <project_id> <bucket> <table>",
		Short: "create a table",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			cols := make([]registry.Column, 0, len(tableColumns))
			for _, spec := range tableColumns {
				col, err := parseColumn(spec)
				if err != nil {
					return err
				}
				cols = append(cols, col)
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			body := map[string]any{"columns": cols, "primary_key": tablePrimaryKey}
			path := tablePath(args[0], branchFlag, args[1], args[2], "")
			if err := c.do(cmd.Context(), "PUT", path, body, nil); err != nil {
				return err
			}
			printResult(map[string]string{"status": "created"})
			return nil
		},
	}
	create.Flags().StringArrayVar(&tableColumns, "column", nil, "name:type[:nullable], repeatable")
	create.Flags().StringSliceVar(&tablePrimaryKey, "primary-key", nil, "comma-separated primary key column names")

	drop := &cobra.Command{
		Use:   "drop <project_id> <bucket> <table>",
		Short: "drop a table (auto-snapshots first if the drop_table trigger is enabled)",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := confirmOrAbort(fmt.Sprintf("drop table %s.%s?", args[1], args[2])); err != nil {
				return err
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			path := tablePath(args[0], branchFlag, args[1], args[2], "")
			if err := c.do(cmd.Context(), "DELETE", path, nil, nil); err != nil {
				return err
			}
			printResult(map[string]string{"status": "dropped"})
			return nil
		},
	}

	preview := &cobra.Command{
		Use:   "preview <project_id> <bucket> <table>",
		Short: "preview rows",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			var out map[string]any
			path := tablePath(args[0], branchFlag, args[1], args[2],
				fmt.Sprintf("/preview?limit=%d&offset=%d", tablePreviewLim, tablePreviewOff))
			if err := c.do(cmd.Context(), "GET", path, nil, &out); err != nil {
				return err
			}
			printResult(out)
			return nil
		},
	}
	preview.Flags().IntVar(&tablePreviewLim, "limit", 100, "max rows to return")
	preview.Flags().IntVar(&tablePreviewOff, "offset", 0, "row offset")

	profile := &cobra.Command{
		Use:   "profile <project_id> <bucket> <table>",
		Short: "compute column statistics (basic or quality mode)",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			var out map[string]any
			path := tablePath(args[0], branchFlag, args[1], args[2], "/profile?mode="+tableProfileMode)
			if err := c.do(cmd.Context(), "GET", path, nil, &out); err != nil {
				return err
			}
			printResult(out)
			return nil
		},
	}
	profile.Flags().StringVar(&tableProfileMode, "mode", "basic", "basic|quality")

	for _, sub := range []*cobra.Command{create, drop, preview, profile} {
		sub.Flags().StringVar(&branchFlag, "branch", "default", "branch id (default is the main line)")
	}

	tablesCmd.AddCommand(create, drop, preview, profile)
}
