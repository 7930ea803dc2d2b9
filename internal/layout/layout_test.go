package layout

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProjectDirDefaultBranch(t *testing.T) {
	r := New("/data")
	assert.Equal(t, "/data/project_p1", r.ProjectDir("p1", DefaultBranch))
	assert.Equal(t, "/data/project_p1", r.ProjectDir("p1", ""))
}

func TestProjectDirDevBranchIsASibling(t *testing.T) {
	r := New("/data")
	assert.Equal(t, "/data/project_p1_branch_dev", r.ProjectDir("p1", "dev"))
}

func TestBucketSchemaName(t *testing.T) {
	assert.Equal(t, "in_c_s", BucketSchemaName("in", "s"))
	assert.Equal(t, "out_c_transformed", BucketSchemaName("out", "transformed"))
}

func TestTablePath(t *testing.T) {
	r := New("/data")
	got := r.TablePath("p1", DefaultBranch, "in_c_s", "orders")
	assert.Equal(t, "/data/project_p1/in_c_s/orders.db", got)
}

func TestTablePathOnBranchDoesNotTouchDefault(t *testing.T) {
	r := New("/data")
	main := r.TablePath("p1", DefaultBranch, "in_c_s", "orders")
	branch := r.TablePath("p1", "dev", "in_c_s", "orders")
	assert.NotEqual(t, main, branch)
}

func TestStagingPathIsRootedUnderDataRootNotProject(t *testing.T) {
	r := New("/data")
	got := r.StagingPath("abc-123")
	assert.Equal(t, "/data/_staging/abc-123.db", got)
}

func TestSnapshotDir(t *testing.T) {
	r := New("/data")
	got := r.SnapshotDir("p1", "orders", "20260729T000000Z")
	assert.Equal(t, "/data/snapshots/project_p1/snap_orders_20260729T000000Z", got)
}

func TestFileObjectPath(t *testing.T) {
	r := New("/data")
	got := r.FileObjectPath("p1", 2026, 7, 29, "f1", "a.csv")
	assert.Equal(t, "/data/files/project_p1/2026/07/29/f1.a.csv", got)
}

func TestMetadataDBPath(t *testing.T) {
	r := New("/data")
	assert.Equal(t, "/data/metadata.db", r.MetadataDBPath())
}
