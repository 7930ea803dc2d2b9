package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var branchesCmd = &cobra.Command{
	Use:   "branches",
	Short: "manage copy-on-write development branches",
}

func init() {
	create := &cobra.Command{
		Use:   "create <project_id> <branch_id> <name>",
		Short: "create a development branch",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			body := map[string]string{"branch_id": args[1], "name": args[2]}
			if err := c.do(cmd.Context(), "POST", "/projects/"+args[0]+"/branches/", body, nil); err != nil {
				return err
			}
			printResult(map[string]string{"status": "created"})
			return nil
		},
	}

	del := &cobra.Command{
		Use:   "delete <project_id> <branch_id>",
		Short: "delete a development branch and its branch-local tables",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := confirmOrAbort(fmt.Sprintf("delete branch %s of project %s?", args[1], args[0])); err != nil {
				return err
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			if err := c.do(cmd.Context(), "DELETE", "/projects/"+args[0]+"/branches/"+args[1], nil, nil); err != nil {
				return err
			}
			printResult(map[string]string{"status": "deleted"})
			return nil
		},
	}

	branchesCmd.AddCommand(create, del)
}
