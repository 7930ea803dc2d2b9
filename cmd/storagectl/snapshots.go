package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var snapshotsCmd = &cobra.Command{
	Use:   "snapshots",
	Short: "manual/auto snapshots and restore",
}

var (
	snapshotBranch      string
	snapshotSettingKey  string
	snapshotSettingVal  string
	restoreBucket       string
	restoreTable        string
	snapshotSettingID   string
)

func init() {
	create := &cobra.Command{
		Use:   "create <project_id> <bucket> <table>",
		Short: "take a manual snapshot of a table",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			var out map[string]any
			path := tablePath(args[0], snapshotBranch, args[1], args[2], "/snapshots")
			if err := c.do(cmd.Context(), "POST", path, nil, &out); err != nil {
				return err
			}
			printResult(out)
			return nil
		},
	}
	create.Flags().StringVar(&snapshotBranch, "branch", "default", "branch id (default is the main line)")

	get := &cobra.Command{
		Use:   "get <project_id> <snapshot_id>",
		Short: "show a snapshot's metadata",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient()
			if err != nil {
				return err
			}
			var out map[string]any
			if err := c.do(cmd.Context(), "GET", fmt.Sprintf("/projects/%s/snapshots/%s", args[0], args[1]), nil, &out); err != nil {
				return err
			}
			printResult(out)
			return nil
		},
	}

	restore := &cobra.Command{
		Use:   "restore <project_id> <snapshot_id>",
		Short: "restore a table from a snapshot, swapping it in place",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if restoreBucket == "" || restoreTable == "" {
				return configErrorf("--bucket and --table are required")
			}
			if err := confirmOrAbort(fmt.Sprintf("restore %s.%s from snapshot %s, overwriting the current table?", restoreBucket, restoreTable, args[1])); err != nil {
				return err
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			body := map[string]string{"bucket": restoreBucket, "table": restoreTable}
			path := fmt.Sprintf("/projects/%s/snapshots/%s/restore", args[0], args[1])
			if err := c.do(cmd.Context(), "POST", path, body, nil); err != nil {
				return err
			}
			printResult(map[string]string{"status": "restored"})
			return nil
		},
	}
	restore.Flags().StringVar(&restoreBucket, "bucket", "", "bucket the snapshot belongs to")
	restore.Flags().StringVar(&restoreTable, "table", "", "table to restore")

	setSetting := &cobra.Command{
		Use:   "set-setting <project_id> <scope:system|project|bucket|table>",
		Short: "configure hierarchical auto-snapshot triggers/retention",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if snapshotSettingKey == "" || snapshotSettingVal == "" {
				return configErrorf("--key and --value are required (key: auto_snapshot_triggers|manual_retention_days|auto_retention_days)")
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			body := map[string]string{
				"scope":    args[1],
				"scope_id": snapshotSettingID,
				"key":      snapshotSettingKey,
				"value":    snapshotSettingVal,
			}
			if err := c.do(cmd.Context(), "POST", "/projects/"+args[0]+"/snapshot-settings", body, nil); err != nil {
				return err
			}
			printResult(map[string]string{"status": "set"})
			return nil
		},
	}
	setSetting.Flags().StringVar(&snapshotSettingID, "scope-id", "", "bucket name, or \"bucket/table\" for table scope; ignored for system/project scope")
	setSetting.Flags().StringVar(&snapshotSettingKey, "key", "", "auto_snapshot_triggers|manual_retention_days|auto_retention_days")
	setSetting.Flags().StringVar(&snapshotSettingVal, "value", "", "setting value (comma-separated trigger names for auto_snapshot_triggers)")

	snapshotsCmd.AddCommand(create, get, restore, setSetting)
}
