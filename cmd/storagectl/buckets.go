package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var bucketsCmd = &cobra.Command{
	Use:   "buckets",
	Short: "manage buckets (in/out-stage schemas)",
}

func init() {
	create := &cobra.Command{
		Use:   "create <project_id> <stage:in|out> <name>",
		Short: "create a bucket",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			var out map[string]any
			body := map[string]string{"stage": args[1], "name": args[2]}
			if err := c.do(cmd.Context(), "POST", "/projects/"+args[0]+"/buckets", body, &out); err != nil {
				return err
			}
			printResult(out)
			return nil
		},
	}

	del := &cobra.Command{
		Use:   "delete <project_id> <stage> <name>",
		Short: "delete a bucket and every table in it",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := confirmOrAbort(fmt.Sprintf("delete bucket %s_c_%s and all its tables?", args[1], args[2])); err != nil {
				return err
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			path := fmt.Sprintf("/projects/%s/buckets/%s/%s", args[0], args[1], args[2])
			if err := c.do(cmd.Context(), "DELETE", path, nil, nil); err != nil {
				return err
			}
			printResult(map[string]string{"status": "deleted"})
			return nil
		},
	}

	share := &cobra.Command{
		Use:   "share <project_id> <bucket> <target_project_id>",
		Short: "share a bucket with another project so it can be linked",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			body := map[string]string{"bucket": args[1], "target_project": args[2]}
			if err := c.do(cmd.Context(), "POST", "/projects/"+args[0]+"/shares", body, nil); err != nil {
				return err
			}
			printResult(map[string]string{"status": "shared"})
			return nil
		},
	}

	unshare := &cobra.Command{
		Use:   "unshare <project_id> <bucket> <target_project_id>",
		Short: "revoke a previously granted share",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			path := fmt.Sprintf("/projects/%s/shares/%s/%s", args[0], args[1], args[2])
			if err := c.do(cmd.Context(), "DELETE", path, nil, nil); err != nil {
				return err
			}
			printResult(map[string]string{"status": "unshared"})
			return nil
		},
	}

	link := &cobra.Command{
		Use:   "link <target_project_id> <bucket> <src_project_id> <src_bucket>",
		Short: "make a bucket shared by another project appear in this project",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			body := map[string]string{"bucket": args[1], "src_project_id": args[2], "src_bucket": args[3]}
			if err := c.do(cmd.Context(), "POST", "/projects/"+args[0]+"/links", body, nil); err != nil {
				return err
			}
			printResult(map[string]string{"status": "linked"})
			return nil
		},
	}

	unlink := &cobra.Command{
		Use:   "unlink <project_id> <bucket>",
		Short: "remove a link, hiding the linked bucket again",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			path := fmt.Sprintf("/projects/%s/links/%s", args[0], args[1])
			if err := c.do(cmd.Context(), "DELETE", path, nil, nil); err != nil {
				return err
			}
			printResult(map[string]string{"status": "unlinked"})
			return nil
		},
	}

	bucketsCmd.AddCommand(create, del, share, unshare, link, unlink)
}
