package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var workspacesCmd = &cobra.Command{
	Use:   "workspaces",
	Short: "per-user analytic workspaces (PG-wire sessions)",
}

var (
	workspaceTTLSeconds     int64
	workspaceSizeLimitBytes int64
	workspaceBranch         string
)

func init() {
	create := &cobra.Command{
		Use:   "create <project_id>",
		Short: "create a workspace with read-only attachments of project tables",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			body := map[string]any{
				"ttl_seconds":      workspaceTTLSeconds,
				"size_limit_bytes": workspaceSizeLimitBytes,
			}
			if workspaceBranch != "" {
				body["branch_id"] = workspaceBranch
			}
			var out map[string]any
			if err := c.do(cmd.Context(), "POST", "/projects/"+args[0]+"/workspaces/", body, &out); err != nil {
				return err
			}
			printResult(out)
			return nil
		},
	}
	create.Flags().Int64Var(&workspaceTTLSeconds, "ttl-seconds", 0, "workspace lifetime in seconds (defaults to 24h server-side)")
	create.Flags().Int64Var(&workspaceSizeLimitBytes, "size-limit-bytes", 0, "workspace size cap (defaults to 10 GiB server-side)")
	create.Flags().StringVar(&workspaceBranch, "branch", "", "attach this branch's tables instead of the default line")

	resetCreds := &cobra.Command{
		Use:   "reset-credentials <project_id> <workspace_id>",
		Short: "rotate a workspace's password; existing sessions keep working until disconnect",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			var out map[string]string
			path := fmt.Sprintf("/projects/%s/workspaces/%s/reset-credentials", args[0], args[1])
			if err := c.do(cmd.Context(), "POST", path, nil, &out); err != nil {
				return err
			}
			printResult(out)
			return nil
		},
	}

	del := &cobra.Command{
		Use:   "delete <project_id> <workspace_id>",
		Short: "delete a workspace",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := confirmOrAbort("delete workspace " + args[1] + "?"); err != nil {
				return err
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			if err := c.do(cmd.Context(), "DELETE", fmt.Sprintf("/projects/%s/workspaces/%s", args[0], args[1]), nil, nil); err != nil {
				return err
			}
			printResult(map[string]string{"status": "deleted"})
			return nil
		},
	}

	workspacesCmd.AddCommand(create, resetCreds, del)
}
