package resolver

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keboola/storage-backend/internal/layout"
	"github.com/keboola/storage-backend/internal/lockmgr"
	"github.com/keboola/storage-backend/internal/registry"
)

type fakeBranchStore struct {
	rows map[string]*registry.BranchTable
}

func newFakeBranchStore() *fakeBranchStore {
	return &fakeBranchStore{rows: make(map[string]*registry.BranchTable)}
}

func key(project, branch, bucket, table string) string {
	return project + "/" + branch + "/" + bucket + "/" + table
}

func (f *fakeBranchStore) GetBranchTable(ctx context.Context, project, branch, bucket, table string) (*registry.BranchTable, error) {
	return f.rows[key(project, branch, bucket, table)], nil
}

func (f *fakeBranchStore) InsertBranchTable(ctx context.Context, bt registry.BranchTable) error {
	f.rows[key(bt.ProjectID, bt.BranchID, bt.Bucket, bt.Name)] = &bt
	return nil
}

type noopIdem struct{}

func (noopIdem) GetIdempotent(ctx context.Context, key string) (string, string, int, bool, error) {
	return "", "", 0, false, nil
}
func (noopIdem) PutIdempotent(ctx context.Context, key, fingerprint, body string, status int, now time.Time) error {
	return nil
}

func newResolver(t *testing.T) (*Resolver, string) {
	dir := t.TempDir()
	root := layout.New(dir)
	store := newFakeBranchStore()
	locks := lockmgr.New(noopIdem{})
	return New(root, store, locks), dir
}

func TestResolveDefaultBranchAlwaysReturnsMain(t *testing.T) {
	res, dir := newResolver(t)
	r, err := res.Resolve(context.Background(), "p1", layout.DefaultBranch, "in_c_s", "orders", IntentRead)
	require.NoError(t, err)
	assert.Equal(t, SourceMain, r.Source)
	assert.Equal(t, filepath.Join(dir, "project_p1", "in_c_s", "orders.db"), r.Path)
}

func TestResolveNonDefaultReadOnLiveViewIsMainReadOnly(t *testing.T) {
	res, dir := newResolver(t)
	mainPath := filepath.Join(dir, "project_p1", "in_c_s", "orders.db")
	require.NoError(t, os.MkdirAll(filepath.Dir(mainPath), 0o755))
	require.NoError(t, os.WriteFile(mainPath, []byte("data"), 0o644))

	r, err := res.Resolve(context.Background(), "p1", "dev", "in_c_s", "orders", IntentRead)
	require.NoError(t, err)
	assert.Equal(t, SourceMain, r.Source)
	assert.True(t, r.ReadOnly)
	assert.Equal(t, mainPath, r.Path)
}

func TestResolveWriteOnLiveViewTriggersCopyOnWrite(t *testing.T) {
	res, dir := newResolver(t)
	mainPath := filepath.Join(dir, "project_p1", "in_c_s", "orders.db")
	require.NoError(t, os.MkdirAll(filepath.Dir(mainPath), 0o755))
	require.NoError(t, os.WriteFile(mainPath, []byte("data"), 0o644))

	r, err := res.Resolve(context.Background(), "p1", "dev", "in_c_s", "orders", IntentWrite)
	require.NoError(t, err)
	assert.Equal(t, SourceBranch, r.Source)

	branchPath := filepath.Join(dir, "project_p1_branch_dev", "in_c_s", "orders.db")
	assert.Equal(t, branchPath, r.Path)
	contents, err := os.ReadFile(branchPath)
	require.NoError(t, err)
	assert.Equal(t, "data", string(contents))
}

func TestResolveSecondWriteUsesExistingBranchRow(t *testing.T) {
	res, dir := newResolver(t)
	mainPath := filepath.Join(dir, "project_p1", "in_c_s", "orders.db")
	require.NoError(t, os.MkdirAll(filepath.Dir(mainPath), 0o755))
	require.NoError(t, os.WriteFile(mainPath, []byte("data"), 0o644))

	_, err := res.Resolve(context.Background(), "p1", "dev", "in_c_s", "orders", IntentWrite)
	require.NoError(t, err)

	// Mutate main after CoW to prove the second resolve doesn't re-copy.
	require.NoError(t, os.WriteFile(mainPath, []byte("changed"), 0o644))

	r, err := res.Resolve(context.Background(), "p1", "dev", "in_c_s", "orders", IntentWrite)
	require.NoError(t, err)
	assert.Equal(t, SourceBranch, r.Source)
	contents, err := os.ReadFile(r.Path)
	require.NoError(t, err)
	assert.Equal(t, "data", string(contents))
}

func TestResolveCreateOnNonexistentTableIsBranchOnly(t *testing.T) {
	res, _ := newResolver(t)
	r, err := res.Resolve(context.Background(), "p1", "dev", "in_c_s", "new_table", IntentCreate)
	require.NoError(t, err)
	assert.Equal(t, SourceBranchOnly, r.Source)
}

func TestResolveReadOnNonexistentTableIsNotFound(t *testing.T) {
	res, _ := newResolver(t)
	_, err := res.Resolve(context.Background(), "p1", "dev", "in_c_s", "missing", IntentRead)
	require.Error(t, err)
}
