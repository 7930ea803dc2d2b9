package workspace

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keboola/storage-backend/internal/errs"
	"github.com/keboola/storage-backend/internal/layout"
	"github.com/keboola/storage-backend/internal/lockmgr"
	"github.com/keboola/storage-backend/internal/registry"
	"github.com/keboola/storage-backend/internal/resolver"
)

func newTestEngine(t *testing.T) (*Engine, *registry.Registry) {
	t.Helper()
	reg, err := registry.Open(context.Background(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })

	root := layout.New(t.TempDir())
	locks := lockmgr.New(reg)
	res := resolver.New(root, reg, locks)
	return New(root, reg, res), reg
}

func TestCreateGeneratesWorkingCredentials(t *testing.T) {
	e, reg := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, reg.CreateProject(ctx, registry.Project{ID: "p1", Name: "P1", CreatedAt: time.Now()}))

	created, err := e.Create(ctx, "p1", CreateOptions{})
	require.NoError(t, err)
	assert.Contains(t, created.Username, created.Workspace.ID)
	assert.NotEmpty(t, created.Password)
	assert.Equal(t, StatusActive, created.Workspace.Status)
	assert.EqualValues(t, defaultSizeLimitBytes, created.Workspace.SizeLimitBytes)

	require.NoError(t, e.Authenticate(ctx, created.Workspace.ID, created.Password))

	err = e.Authenticate(ctx, created.Workspace.ID, "wrong-password")
	require.Error(t, err)
	assert.Equal(t, errs.Unauthenticated, errs.CodeOf(err))
}

func TestResetCredentialsChangesPassword(t *testing.T) {
	e, reg := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, reg.CreateProject(ctx, registry.Project{ID: "p1", Name: "P1", CreatedAt: time.Now()}))

	created, err := e.Create(ctx, "p1", CreateOptions{})
	require.NoError(t, err)

	newPassword, err := e.ResetCredentials(ctx, created.Workspace.ID)
	require.NoError(t, err)
	assert.NotEqual(t, created.Password, newPassword)

	require.Error(t, e.Authenticate(ctx, created.Workspace.ID, created.Password))
	require.NoError(t, e.Authenticate(ctx, created.Workspace.ID, newPassword))
}

func TestAttachmentPlanResolvesProjectTables(t *testing.T) {
	e, reg := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, reg.CreateProject(ctx, registry.Project{ID: "p1", Name: "P1", CreatedAt: time.Now()}))
	require.NoError(t, reg.CreateTableMeta(ctx, registry.TableMeta{
		ProjectID: "p1", Bucket: "in_c_main", Name: "orders",
		Columns:   []registry.Column{{Name: "id", Type: "BIGINT"}},
		CreatedAt: time.Now(),
	}))

	created, err := e.Create(ctx, "p1", CreateOptions{})
	require.NoError(t, err)

	plan, err := e.AttachmentPlan(ctx, "p1", created.Workspace.BranchID)
	require.NoError(t, err)
	require.Len(t, plan, 1)
	assert.Equal(t, "in_c_main", plan[0].Schema)
	assert.Equal(t, "orders", plan[0].Table)
	assert.NotEmpty(t, plan[0].Path)
}

func TestExpireStaleMarksWorkspaceExpired(t *testing.T) {
	e, reg := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, reg.CreateProject(ctx, registry.Project{ID: "p1", Name: "P1", CreatedAt: time.Now()}))

	created, err := e.Create(ctx, "p1", CreateOptions{TTL: time.Millisecond})
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	n, err := e.ExpireStale(ctx, []string{created.Workspace.ID}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := reg.GetWorkspace(ctx, created.Workspace.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, got.Status)
}

func TestDeleteRemovesWorkspaceRow(t *testing.T) {
	e, reg := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, reg.CreateProject(ctx, registry.Project{ID: "p1", Name: "P1", CreatedAt: time.Now()}))

	created, err := e.Create(ctx, "p1", CreateOptions{})
	require.NoError(t, err)

	require.NoError(t, e.Delete(ctx, created.Workspace.ID))

	_, err = reg.GetWorkspace(ctx, created.Workspace.ID)
	require.Error(t, err)
	assert.Equal(t, errs.NotFound, errs.CodeOf(err))
}

func TestLimitsForUsesSpecDefaults(t *testing.T) {
	w := registry.Workspace{SizeLimitBytes: 123}
	limits := LimitsFor(w)
	assert.Equal(t, DefaultStatementTimeout, limits.StatementTimeout)
	assert.Equal(t, DefaultIdleTimeout, limits.IdleTimeout)
	assert.EqualValues(t, 123, limits.SizeLimitBytes)
}
