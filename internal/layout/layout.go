// Package layout maps logical identifiers (project, branch, bucket, table)
// onto filesystem paths under a single data root. It owns the directory
// invariant and nothing else: no I/O, no locking.
package layout

import (
	"fmt"
	"path/filepath"
)

// DefaultBranch is the sentinel branch id identifying a project's main line.
// It is never stored as a registry row.
const DefaultBranch = "default"

// Kind selects which path_of variant to compute.
type Kind int

const (
	// KindTable is the per-table ADE file under a project/branch/bucket.
	KindTable Kind = iota
	// KindProjectRoot is a project's (or project+branch's) root directory.
	KindProjectRoot
	// KindBucket is a bucket directory within a project/branch.
	KindBucket
	// KindStaging is the import/export staging file, always under data_root
	// regardless of project/branch (staging is process-global, not per-project).
	KindStaging
	// KindSnapshotDir is a snapshot artifact directory for one table snapshot.
	KindSnapshotDir
	// KindFilesStaging is the per-project file-upload staging directory.
	KindFilesStaging
	// KindFileObject is a registered file's permanent storage path.
	KindFileObject
)

// Root is a configured data root plus the pure mapping functions over it.
type Root struct {
	DataRoot string
}

// New returns a Root rooted at dataRoot. dataRoot must already exist and be
// writable; Root itself performs no I/O.
func New(dataRoot string) *Root {
	return &Root{DataRoot: dataRoot}
}

// MetadataDBPath is the single registry ADE file.
func (r *Root) MetadataDBPath() string {
	return filepath.Join(r.DataRoot, "metadata.db")
}

// ProjectDir returns a project's root directory for the given branch.
// branch == DefaultBranch maps to the bare project directory; any other
// branch maps to a sibling "_branch_<B>" directory, never a subdirectory of
// the default line (branch isolation must hold at the filesystem level too).
func (r *Root) ProjectDir(project, branch string) string {
	if branch == DefaultBranch || branch == "" {
		return filepath.Join(r.DataRoot, fmt.Sprintf("project_%s", project))
	}
	return filepath.Join(r.DataRoot, fmt.Sprintf("project_%s_branch_%s", project, branch))
}

// BucketSchemaName returns the conventional schema/directory name for a
// bucket, e.g. stage="in", name="c-s" -> "in_c_s".
func BucketSchemaName(stage, name string) string {
	return fmt.Sprintf("%s_c_%s", stage, name)
}

// BucketDir returns a bucket's directory within a project/branch.
func (r *Root) BucketDir(project, branch, bucketSchema string) string {
	return filepath.Join(r.ProjectDir(project, branch), bucketSchema)
}

// TablePath returns the per-table ADE file path.
func (r *Root) TablePath(project, branch, bucketSchema, table string) string {
	return filepath.Join(r.BucketDir(project, branch, bucketSchema), table+".db")
}

// StagingPath returns an import staging file's path. Staging is always
// rooted directly under the data root, independent of any project/branch.
func (r *Root) StagingPath(stagingID string) string {
	return filepath.Join(r.DataRoot, "_staging", stagingID+".db")
}

// SnapshotDir returns a snapshot artifact's directory.
func (r *Root) SnapshotDir(project, table, snapshotID string) string {
	return filepath.Join(r.DataRoot, "snapshots", fmt.Sprintf("project_%s", project),
		fmt.Sprintf("snap_%s_%s", table, snapshotID))
}

// FilesStagingDir returns a project's file-upload staging directory.
func (r *Root) FilesStagingDir(project string) string {
	return filepath.Join(r.DataRoot, "files", fmt.Sprintf("project_%s", project), "staging")
}

// FilesStagingPath returns the staging path for one upload key.
func (r *Root) FilesStagingPath(project, uploadKey string) string {
	return filepath.Join(r.FilesStagingDir(project), uploadKey)
}

// FileObjectPath returns a registered file's permanent storage path, dated by
// year/month/day
func (r *Root) FileObjectPath(project string, year, month, day int, fileID, origName string) string {
	return filepath.Join(r.DataRoot, "files", fmt.Sprintf("project_%s", project),
		fmt.Sprintf("%04d", year), fmt.Sprintf("%02d", month), fmt.Sprintf("%02d", day),
		fmt.Sprintf("%s.%s", fileID, origName))
}

// WorkspaceDBPath returns a workspace's own ADE file path.
func (r *Root) WorkspaceDBPath(workspaceID string) string {
	return filepath.Join(r.DataRoot, "workspaces", fmt.Sprintf("workspace_%s.db", workspaceID))
}

// DirPerm is the permission mode every directory layout.go creates is opened
// with: owner-only
const DirPerm = 0700
