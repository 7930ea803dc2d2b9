package main

import (
	"strings"

	"github.com/spf13/cobra"
)

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "mutate table schema (columns, primary key)",
}

var (
	schemaBranch    string
	schemaNullable  bool
	schemaNewName   string
	schemaNewType   string
	schemaPKColumns []string
)

func init() {
	addColumn := &cobra.Command{
		Use:   "add-column <project_id> <bucket> <table> <name:type>",
		Short: "append a column",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			col, err := parseColumn(args[3])
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("nullable") || strings.Count(args[3], ":") < 2 {
				col.Nullable = schemaNullable
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			path := tablePath(args[0], schemaBranch, args[1], args[2], "/columns")
			if err := c.do(cmd.Context(), "POST", path, col, nil); err != nil {
				return err
			}
			printResult(map[string]string{"status": "added"})
			return nil
		},
	}
	addColumn.Flags().BoolVar(&schemaNullable, "nullable", true, "whether the new column accepts NULL")

	dropColumn := &cobra.Command{
		Use:   "drop-column <project_id> <bucket> <table> <column>",
		Short: "drop a column (auto-snapshots first if the drop_column trigger is enabled)",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			path := tablePath(args[0], schemaBranch, args[1], args[2], "/columns/"+args[3])
			if err := c.do(cmd.Context(), "DELETE", path, nil, nil); err != nil {
				return err
			}
			printResult(map[string]string{"status": "dropped"})
			return nil
		},
	}

	alterColumn := &cobra.Command{
		Use:   "alter-column <project_id> <bucket> <table> <column>",
		Short: "rename a column and/or change its type",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			if schemaNewName == "" && schemaNewType == "" {
				return configErrorf("at least one of --new-name or --new-type is required")
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			body := map[string]string{"new_name": schemaNewName, "new_type": schemaNewType}
			path := tablePath(args[0], schemaBranch, args[1], args[2], "/columns/"+args[3])
			if err := c.do(cmd.Context(), "PATCH", path, body, nil); err != nil {
				return err
			}
			printResult(map[string]string{"status": "altered"})
			return nil
		},
	}
	alterColumn.Flags().StringVar(&schemaNewName, "new-name", "", "rename the column to this")
	alterColumn.Flags().StringVar(&schemaNewType, "new-type", "", "change the column's type")

	addPK := &cobra.Command{
		Use:   "add-primary-key <project_id> <bucket> <table>",
		Short: "declare a primary key",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(schemaPKColumns) == 0 {
				return configErrorf("--columns is required")
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			body := map[string][]string{"columns": schemaPKColumns}
			path := tablePath(args[0], schemaBranch, args[1], args[2], "/primary-key")
			if err := c.do(cmd.Context(), "POST", path, body, nil); err != nil {
				return err
			}
			printResult(map[string]string{"status": "added"})
			return nil
		},
	}
	addPK.Flags().StringSliceVar(&schemaPKColumns, "columns", nil, "comma-separated primary key column names")

	dropPK := &cobra.Command{
		Use:   "drop-primary-key <project_id> <bucket> <table>",
		Short: "remove the primary key (data unchanged)",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			path := tablePath(args[0], schemaBranch, args[1], args[2], "/primary-key")
			if err := c.do(cmd.Context(), "DELETE", path, nil, nil); err != nil {
				return err
			}
			printResult(map[string]string{"status": "dropped"})
			return nil
		},
	}

	for _, sub := range []*cobra.Command{addColumn, dropColumn, alterColumn, addPK, dropPK} {
		sub.Flags().StringVar(&schemaBranch, "branch", "default", "branch id (default is the main line)")
	}

	schemaCmd.AddCommand(addColumn, dropColumn, alterColumn, addPK, dropPK)
}
