package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keboola/storage-backend/internal/errs"
)

func openTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := Open(context.Background(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestCreateAndGetProject(t *testing.T) {
	r := openTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.CreateProject(ctx, Project{ID: "p1", Name: "Proj One", CreatedAt: time.Now()}))

	p, err := r.GetProject(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "Proj One", p.Name)
}

func TestCreateProjectDuplicateIsConflict(t *testing.T) {
	r := openTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.CreateProject(ctx, Project{ID: "p1", Name: "A", CreatedAt: time.Now()}))
	err := r.CreateProject(ctx, Project{ID: "p1", Name: "B", CreatedAt: time.Now()})
	require.Error(t, err)
	assert.Equal(t, errs.Conflict, errs.CodeOf(err))
}

func TestGetProjectMissingIsNotFound(t *testing.T) {
	r := openTestRegistry(t)
	_, err := r.GetProject(context.Background(), "nope")
	require.Error(t, err)
	assert.Equal(t, errs.NotFound, errs.CodeOf(err))
}

func TestDeleteProjectCascadesBuckets(t *testing.T) {
	r := openTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.CreateProject(ctx, Project{ID: "p1", Name: "A", CreatedAt: time.Now()}))
	require.NoError(t, r.CreateBucket(ctx, Bucket{ProjectID: "p1", Stage: "in", Name: "s1", CreatedAt: time.Now()}))

	require.NoError(t, r.DeleteProject(ctx, "p1"))

	_, err := r.GetBucket(ctx, "p1", "in", "s1")
	require.Error(t, err)
	assert.Equal(t, errs.NotFound, errs.CodeOf(err))
}

func TestAPIKeyLookupAndRevoke(t *testing.T) {
	r := openTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.CreateProject(ctx, Project{ID: "p1", Name: "A", CreatedAt: time.Now()}))
	require.NoError(t, r.CreateAPIKey(ctx, APIKey{KeyHash: "h1", ProjectID: "p1", CreatedAt: time.Now()}))

	k, err := r.LookupAPIKey(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, "p1", k.ProjectID)

	require.NoError(t, r.RevokeAPIKey(ctx, "h1"))
	_, err = r.LookupAPIKey(ctx, "h1")
	require.Error(t, err)
	assert.Equal(t, errs.NotFound, errs.CodeOf(err))
}

func TestTableMetaRoundTripsSchema(t *testing.T) {
	r := openTestRegistry(t)
	ctx := context.Background()

	tm := TableMeta{
		ProjectID: "p1", Bucket: "in_c_s", Name: "orders",
		Columns:    []Column{{Name: "id", Type: "INT"}, {Name: "total", Type: "DECIMAL", Nullable: true}},
		PrimaryKey: []string{"id"},
		CreatedAt:  time.Now(),
	}
	require.NoError(t, r.CreateTableMeta(ctx, tm))

	got, err := r.GetTableMeta(ctx, "p1", "in_c_s", "orders")
	require.NoError(t, err)
	assert.Equal(t, tm.Columns, got.Columns)
	assert.Equal(t, tm.PrimaryKey, got.PrimaryKey)

	require.NoError(t, r.UpdateTableCaches(ctx, "p1", "in_c_s", "orders", 42, 1024))
	got, err = r.GetTableMeta(ctx, "p1", "in_c_s", "orders")
	require.NoError(t, err)
	assert.EqualValues(t, 42, got.RowCountCache)
	assert.EqualValues(t, 1024, got.SizeBytesCache)
}

func TestBranchTableAbsentReturnsNilNotError(t *testing.T) {
	r := openTestRegistry(t)
	bt, err := r.GetBranchTable(context.Background(), "p1", "dev", "in_c_s", "orders")
	require.NoError(t, err)
	assert.Nil(t, bt)
}

func TestBranchTableInsertAndLookup(t *testing.T) {
	r := openTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.InsertBranchTable(ctx, BranchTable{
		ProjectID: "p1", BranchID: "dev", Bucket: "in_c_s", Name: "orders", Source: "branch",
	}))

	bt, err := r.GetBranchTable(ctx, "p1", "dev", "in_c_s", "orders")
	require.NoError(t, err)
	require.NotNil(t, bt)
	assert.Equal(t, "branch", bt.Source)
}

func TestSnapshotSettingScopeWalk(t *testing.T) {
	r := openTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.SetSnapshotSetting(ctx, SnapshotScope{Scope: "system", ScopeID: "global"}, "retention_days", "30"))
	require.NoError(t, r.SetSnapshotSetting(ctx, SnapshotScope{Scope: "project", ScopeID: "p1"}, "retention_days", "7"))

	scopes := []SnapshotScope{
		{Scope: "table", ScopeID: "p1/in_c_s/orders"},
		{Scope: "bucket", ScopeID: "p1/in_c_s"},
		{Scope: "project", ScopeID: "p1"},
		{Scope: "system", ScopeID: "global"},
	}
	v, found, err := r.ResolveSnapshotSetting(ctx, scopes, "retention_days")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "7", v)
}

func TestSnapshotSettingFallsBackToSystemScope(t *testing.T) {
	r := openTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.SetSnapshotSetting(ctx, SnapshotScope{Scope: "system", ScopeID: "global"}, "retention_days", "30"))

	scopes := []SnapshotScope{
		{Scope: "project", ScopeID: "p2"},
		{Scope: "system", ScopeID: "global"},
	}
	v, found, err := r.ResolveSnapshotSetting(ctx, scopes, "retention_days")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "30", v)
}

func TestFileQuotaExcludesStagedFiles(t *testing.T) {
	r := openTestRegistry(t)
	ctx := context.Background()

	now := time.Now()
	later := now.Add(time.Hour)
	require.NoError(t, r.CreateFile(ctx, File{ID: "f1", ProjectID: "p1", SizeBytes: 100, SHA256: "aaa", StoragePath: "/x", CreatedAt: now}))
	require.NoError(t, r.CreateFile(ctx, File{ID: "f2", ProjectID: "p1", SizeBytes: 200, SHA256: "bbb", StoragePath: "/y", CreatedAt: now, StagedUntil: &later}))

	count, bytes, err := r.FileQuota(ctx, "p1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
	assert.EqualValues(t, 100, bytes)
}

func TestWorkspaceCreateGetResetCredentials(t *testing.T) {
	r := openTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.CreateWorkspace(ctx, Workspace{
		ID: "w1", ProjectID: "p1", DBPath: "/data/workspaces/w1.db",
		SizeLimitBytes: 1 << 30, ExpiresAt: time.Now().Add(time.Hour), Status: "active",
	}, "user_w1", "hash1"))

	w, err := r.GetWorkspace(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, "active", w.Status)

	user, hash, err := r.GetWorkspaceCredentials(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, "user_w1", user)
	assert.Equal(t, "hash1", hash)

	require.NoError(t, r.ResetWorkspaceCredentials(ctx, "w1", "hash2"))
	_, hash, err = r.GetWorkspaceCredentials(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, "hash2", hash)

	require.NoError(t, r.DeleteWorkspace(ctx, "w1"))
	_, err = r.GetWorkspace(ctx, "w1")
	require.Error(t, err)
}

func TestIdempotencyCacheHitAndMiss(t *testing.T) {
	r := openTestRegistry(t)
	ctx := context.Background()

	_, _, _, found, err := r.GetIdempotent(ctx, "key1")
	require.NoError(t, err)
	assert.False(t, found)

	now := time.Now()
	require.NoError(t, r.PutIdempotent(ctx, "key1", "fp1", `{"ok":true}`, 200, now))

	fp, body, status, found, err := r.GetIdempotent(ctx, "key1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "fp1", fp)
	assert.Equal(t, `{"ok":true}`, body)
	assert.Equal(t, 200, status)
}

func TestSweepExpiredIdempotencyEvictsOldRows(t *testing.T) {
	r := openTestRegistry(t)
	ctx := context.Background()

	old := time.Now().Add(-idempotencyTTL - time.Minute)
	require.NoError(t, r.PutIdempotent(ctx, "stale", "fp", "{}", 200, old))

	n, err := r.SweepExpiredIdempotency(ctx, time.Now())
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, _, _, found, err := r.GetIdempotent(ctx, "stale")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestExpiredSnapshotsListsOnlyPastExpiry(t *testing.T) {
	r := openTestRegistry(t)
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, r.CreateSnapshot(ctx, Snapshot{
		ID: "s1", ProjectID: "p1", Bucket: "in_c_s", Name: "before-drop", Kind: "auto",
		Trigger: "drop_table", CreatedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour),
		ArtifactPath: "/data/snapshots/s1",
	}))
	require.NoError(t, r.CreateSnapshot(ctx, Snapshot{
		ID: "s2", ProjectID: "p1", Bucket: "in_c_s", Name: "still-live", Kind: "manual",
		Trigger: "manual", CreatedAt: now, ExpiresAt: now.Add(time.Hour),
		ArtifactPath: "/data/snapshots/s2",
	}))

	expired, err := r.ExpiredSnapshots(ctx, now)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "s1", expired[0].ID)
}

func TestShareAndLinkLifecycle(t *testing.T) {
	r := openTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.CreateShare(ctx, Share{SrcProjectID: "p1", Bucket: "out_c_catalog", TargetProject: "p2"}))

	has, err := r.HasShare(ctx, "p1", "out_c_catalog", "p2")
	require.NoError(t, err)
	assert.True(t, has)

	has, err = r.HasShare(ctx, "p1", "out_c_catalog", "p3")
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, r.CreateLink(ctx, Link{TargetProject: "p2", Bucket: "catalog", SrcProjectID: "p1", SrcBucket: "out_c_catalog"}))

	link, err := r.GetLink(ctx, "p2", "catalog")
	require.NoError(t, err)
	require.NotNil(t, link)
	assert.Equal(t, "p1", link.SrcProjectID)
	assert.Equal(t, "out_c_catalog", link.SrcBucket)

	link, err = r.GetLink(ctx, "p2", "not-linked")
	require.NoError(t, err)
	assert.Nil(t, link)

	require.NoError(t, r.DeleteLink(ctx, "p2", "catalog"))
	err = r.DeleteLink(ctx, "p2", "catalog")
	assert.Equal(t, errs.NotFound, errs.CodeOf(err))

	require.NoError(t, r.DeleteShare(ctx, "p1", "out_c_catalog", "p2"))
	err = r.DeleteShare(ctx, "p1", "out_c_catalog", "p2")
	assert.Equal(t, errs.NotFound, errs.CodeOf(err))
}
