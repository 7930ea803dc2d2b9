package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var projectsCmd = &cobra.Command{
	Use:   "projects",
	Short: "manage projects",
}

var (
	projectCreateDescription string
	projectKeyDescription    string
	projectKeyScopes         string
	projectKeyRevoke         string
)

func init() {
	create := &cobra.Command{
		Use:   "create <name>",
		Short: "create a project (admin key required)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			var out map[string]any
			body := map[string]string{"name": args[0], "description": projectCreateDescription}
			if err := c.do(cmd.Context(), "POST", "/projects/", body, &out); err != nil {
				return err
			}
			printResult(out)
			return nil
		},
	}
	create.Flags().StringVar(&projectCreateDescription, "description", "", "project description")

	del := &cobra.Command{
		Use:   "delete <project_id>",
		Short: "delete a project and everything under it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := confirmOrAbort(fmt.Sprintf("delete project %s and all its buckets/tables/snapshots/files/workspaces?", args[0])); err != nil {
				return err
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			if err := c.do(cmd.Context(), "DELETE", "/projects/"+args[0], nil, nil); err != nil {
				return err
			}
			printResult(map[string]string{"status": "deleted"})
			return nil
		},
	}

	createKey := &cobra.Command{
		Use:   "create-key <project_id>",
		Short: "mint a project-scoped API key (admin key required)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			var out map[string]string
			body := map[string]string{"description": projectKeyDescription, "scopes": projectKeyScopes}
			if err := c.do(cmd.Context(), "POST", "/projects/"+args[0]+"/api-keys", body, &out); err != nil {
				return err
			}
			printResult(out)
			return nil
		},
	}
	createKey.Flags().StringVar(&projectKeyDescription, "description", "", "key description")
	createKey.Flags().StringVar(&projectKeyScopes, "scopes", "", "scopes carried by the key")

	revokeKey := &cobra.Command{
		Use:   "revoke-key <project_id>",
		Short: "revoke a project API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if projectKeyRevoke == "" {
				return configErrorf("--api-key-to-revoke is required")
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			body := map[string]string{"api_key": projectKeyRevoke}
			if err := c.do(cmd.Context(), "DELETE", "/projects/"+args[0]+"/api-keys", body, nil); err != nil {
				return err
			}
			printResult(map[string]string{"status": "revoked"})
			return nil
		},
	}
	revokeKey.Flags().StringVar(&projectKeyRevoke, "api-key-to-revoke", "", "plaintext of the key to revoke")

	projectsCmd.AddCommand(create, del, createKey, revokeKey)
}
