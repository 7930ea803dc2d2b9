package core

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keboola/storage-backend/internal/config"
	"github.com/keboola/storage-backend/internal/errs"
	"github.com/keboola/storage-backend/internal/layout"
	"github.com/keboola/storage-backend/internal/registry"
)

func newTestCore(t *testing.T) *Core {
	t.Helper()
	cfg := &config.Config{
		DataDir:     t.TempDir(),
		AdminAPIKey: "test-admin-key",
		JWTSecret:   []byte("test-jwt-secret"),
	}
	c, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestCreateProjectThenDeleteRemovesDirectoryTree(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	p, err := c.CreateProject(ctx, "acme", "demo project")
	require.NoError(t, err)
	assert.NotEmpty(t, p.ID)
	assert.Equal(t, "acme", p.Name)

	_, err = c.CreateBucket(ctx, p.ID, "in", "main")
	require.NoError(t, err)

	require.NoError(t, c.DeleteProject(ctx, p.ID))

	_, err = c.Registry.GetProject(ctx, p.ID)
	assert.Equal(t, errs.NotFound, errs.CodeOf(err))

	_, statErr := os.Stat(c.Layout.ProjectDir(p.ID, layout.DefaultBranch))
	assert.True(t, os.IsNotExist(statErr), "project directory should be removed")
}

func TestCreateBranchRejectsDefaultName(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()
	p, err := c.CreateProject(ctx, "acme", "")
	require.NoError(t, err)

	err = c.CreateBranch(ctx, p.ID, "default", "Default")
	assert.Equal(t, errs.InvalidArgument, errs.CodeOf(err))
}

func TestCreateTableAndPreviewRoundTrip(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	p, err := c.CreateProject(ctx, "acme", "")
	require.NoError(t, err)
	_, err = c.CreateBucket(ctx, p.ID, "in", "main")
	require.NoError(t, err)

	cols := []registry.Column{
		{Name: "id", Type: "BIGINT"},
		{Name: "name", Type: "TEXT", Nullable: true},
	}
	require.NoError(t, c.CreateTable(ctx, p.ID, "default", "in_c_main", "widgets", cols, []string{"id"}))

	preview, err := c.Preview(ctx, p.ID, "default", "in_c_main", "widgets", nil, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, preview.Rows)

	require.NoError(t, c.DropTable(ctx, p.ID, "default", "in_c_main", "widgets"))
}

// TestFirstWriteOnLiveViewedBranchTableTriggersCopyOnWrite: the first write
// against a branch table that
// has never diverged from main must copy the main file into the branch and
// proceed, not hang. openTable holds the table lock across the call into
// Resolver.Resolve, and Resolve's copy-on-write path used to reacquire that
// same lock internally — a guaranteed self-deadlock on a non-reentrant
// mutex. The goroutine+timeout here turns that hang into a test failure
// instead of a test run that never returns.
func TestFirstWriteOnLiveViewedBranchTableTriggersCopyOnWrite(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	p, err := c.CreateProject(ctx, "acme", "")
	require.NoError(t, err)
	_, err = c.CreateBucket(ctx, p.ID, "in", "main")
	require.NoError(t, err)

	cols := []registry.Column{{Name: "id", Type: "BIGINT"}}
	require.NoError(t, c.CreateTable(ctx, p.ID, "default", "in_c_main", "widgets", cols, nil))
	require.NoError(t, c.CreateBranch(ctx, p.ID, "dev", "Dev"))

	done := make(chan error, 1)
	go func() {
		done <- c.AddColumn(ctx, p.ID, "dev", "in_c_main", "widgets",
			registry.Column{Name: "label", Type: "TEXT", Nullable: true})
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("first write on a live-viewed branch table deadlocked instead of copy-on-writing")
	}

	bt, err := c.Registry.GetBranchTable(ctx, p.ID, "dev", "in_c_main", "widgets")
	require.NoError(t, err)
	require.NotNil(t, bt)
	assert.Equal(t, "branch", bt.Source)

	// Main is untouched: it still has no "label" column.
	mainPreview, err := c.Preview(ctx, p.ID, "default", "in_c_main", "widgets", nil, 1, 0)
	require.NoError(t, err)
	assert.NotContains(t, mainPreview.Columns, "label")
}

func TestLinkRequiresShareAndReadsThroughToSource(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()

	src, err := c.CreateProject(ctx, "acme-src", "")
	require.NoError(t, err)
	target, err := c.CreateProject(ctx, "acme-target", "")
	require.NoError(t, err)

	_, err = c.CreateBucket(ctx, src.ID, "out", "catalog")
	require.NoError(t, err)
	cols := []registry.Column{{Name: "id", Type: "BIGINT"}}
	require.NoError(t, c.CreateTable(ctx, src.ID, "default", "out_c_catalog", "items", cols, []string{"id"}))

	// Linking before sharing is rejected.
	err = c.CreateLink(ctx, target.ID, "out_c_catalog", src.ID, "out_c_catalog")
	assert.Equal(t, errs.PermissionDenied, errs.CodeOf(err))

	require.NoError(t, c.CreateShare(ctx, src.ID, "out_c_catalog", target.ID))
	require.NoError(t, c.CreateLink(ctx, target.ID, "out_c_catalog", src.ID, "out_c_catalog"))

	// Reads against the linked bucket inside target transparently resolve to src.
	preview, err := c.Preview(ctx, target.ID, "default", "out_c_catalog", "items", nil, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, preview.Rows)

	// Writes against a linked bucket are denied
	err = c.AddColumn(ctx, target.ID, "default", "out_c_catalog", "items", registry.Column{Name: "label", Type: "TEXT", Nullable: true})
	assert.Equal(t, errs.PermissionDenied, errs.CodeOf(err))

	require.NoError(t, c.DeleteLink(ctx, target.ID, "out_c_catalog"))
	require.NoError(t, c.DeleteShare(ctx, src.ID, "out_c_catalog", target.ID))
}

func TestCreateAPIKeyCanBeRevoked(t *testing.T) {
	c := newTestCore(t)
	ctx := context.Background()
	p, err := c.CreateProject(ctx, "acme", "")
	require.NoError(t, err)

	plaintext, err := c.CreateAPIKey(ctx, p.ID, "ci key", "read,write")
	require.NoError(t, err)
	assert.NotEmpty(t, plaintext)

	require.NoError(t, c.RevokeAPIKey(ctx, plaintext))
}
