package snapshot

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keboola/storage-backend/internal/engine"
	"github.com/keboola/storage-backend/internal/errs"
	"github.com/keboola/storage-backend/internal/importexport"
	"github.com/keboola/storage-backend/internal/layout"
	"github.com/keboola/storage-backend/internal/lockmgr"
	"github.com/keboola/storage-backend/internal/registry"
)

type fakeSettingsStore struct {
	reg *registry.Registry
}

func (f *fakeSettingsStore) ResolveSnapshotSetting(ctx context.Context, scopes []registry.SnapshotScope, key string) (string, bool, error) {
	return f.reg.ResolveSnapshotSetting(ctx, scopes, key)
}
func (f *fakeSettingsStore) CreateSnapshot(ctx context.Context, s registry.Snapshot) error {
	return f.reg.CreateSnapshot(ctx, s)
}
func (f *fakeSettingsStore) GetSnapshot(ctx context.Context, id string) (*registry.Snapshot, error) {
	return f.reg.GetSnapshot(ctx, id)
}
func (f *fakeSettingsStore) DeleteSnapshot(ctx context.Context, id string) error {
	return f.reg.DeleteSnapshot(ctx, id)
}
func (f *fakeSettingsStore) ExpiredSnapshots(ctx context.Context, now time.Time) ([]registry.Snapshot, error) {
	return f.reg.ExpiredSnapshots(ctx, now)
}

func openTestEngine(t *testing.T, path string) *sql.DB {
	t.Helper()
	eng, err := engine.Open(context.Background(), engine.Config{
		Path: path, Database: "t", CommitterName: "test", CommitterEmail: "t@t",
		OpenTimeout: 5 * time.Second,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	return eng.DB()
}

// A snapshot whose expires_at has already passed is immediately eligible
// for the janitor.
func TestExpireRemovesArtifactAndRow(t *testing.T) {
	root := layout.New(t.TempDir())
	reg, err := registry.Open(context.Background(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })

	store := &fakeSettingsStore{reg: reg}
	locks := lockmgr.New(reg)
	eng := New(root, store, locks)

	dir := filepath.Join(t.TempDir(), "snap_orders_s1")
	require.NoError(t, os.MkdirAll(dir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "data.parquet"), []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "metadata.json"), []byte(`{"sha256":"bad"}`), 0o600))

	require.NoError(t, reg.CreateSnapshot(context.Background(), registry.Snapshot{
		ID: "s1", ProjectID: "p1", Bucket: "in_c_s", Name: "orders",
		Kind: "manual", CreatedAt: time.Now().Add(-time.Hour), ExpiresAt: time.Now().Add(-time.Minute),
		ArtifactPath: dir,
	}))

	n, err := eng.Expire(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err))

	_, err = reg.GetSnapshot(context.Background(), "s1")
	require.Error(t, err)
	assert.Equal(t, errs.NotFound, errs.CodeOf(err))
}

func TestShouldTriggerDefaultsDropTableEnabled(t *testing.T) {
	reg, err := registry.Open(context.Background(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })

	store := &fakeSettingsStore{reg: reg}
	eng := New(layout.New(t.TempDir()), store, lockmgr.New(reg))

	got, err := eng.ShouldTrigger(context.Background(), "p1", "in_c_s", "orders", TriggerDropTable)
	require.NoError(t, err)
	assert.True(t, got)

	got, err = eng.ShouldTrigger(context.Background(), "p1", "in_c_s", "orders", TriggerTruncate)
	require.NoError(t, err)
	assert.False(t, got)
}

func TestCreateAndRestoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	root := layout.New(t.TempDir())
	reg, err := registry.Open(ctx, t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })

	store := &fakeSettingsStore{reg: reg}
	locks := lockmgr.New(reg)
	eng := New(root, store, locks)

	tablePath := filepath.Join(t.TempDir(), "orders")
	db := openTestEngine(t, tablePath)
	_, err = db.ExecContext(ctx, "CREATE TABLE `orders` (`id` INT NOT NULL, `amt` DOUBLE NOT NULL, PRIMARY KEY (`id`))")
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, "INSERT INTO `orders` VALUES (1, 10), (2, 20)")
	require.NoError(t, err)

	pipeline := importexport.New(db)
	schema := []registry.Column{{Name: "id", Type: "INT"}, {Name: "amt", Type: "DOUBLE"}}

	snap, err := eng.Create(ctx, pipeline, "p1", "in_c_s", "orders", schema, []string{"id"}, "manual", "")
	require.NoError(t, err)
	assert.EqualValues(t, 2, snap.RowCount)

	meta, err := VerifyArtifact(snap.ArtifactPath)
	require.NoError(t, err)
	assert.Equal(t, "orders", meta.Table)
	assert.Equal(t, []string{"id"}, meta.PrimaryKey)

	// Restore into a fresh location and check the table comes back whole:
	// same rows, same columns, and a primary key that still rejects
	// duplicates.
	restorePath := filepath.Join(t.TempDir(), "orders-restored")
	openEngine := func(ctx context.Context, path string) (*sql.DB, func() error, error) {
		e, err := engine.Open(ctx, engine.Config{
			Path: path, Database: "t", CommitterName: "test", CommitterEmail: "t@t",
			OpenTimeout: 5 * time.Second,
		}, nil)
		if err != nil {
			return nil, nil, err
		}
		return e.DB(), e.Close, nil
	}
	require.NoError(t, Restore(ctx, snap.ArtifactPath, restorePath, openEngine))

	restored := openTestEngine(t, restorePath)

	var count int64
	require.NoError(t, restored.QueryRowContext(ctx, "SELECT COUNT(*) FROM `orders`").Scan(&count))
	assert.EqualValues(t, 2, count)

	rows, err := restored.QueryContext(ctx, "SELECT `id`, `amt` FROM `orders` ORDER BY `id`")
	require.NoError(t, err)
	var cols []string
	cols, err = rows.Columns()
	require.NoError(t, err)
	rows.Close()
	assert.Equal(t, []string{"id", "amt"}, cols)

	_, err = restored.ExecContext(ctx, "INSERT INTO `orders` VALUES (1, 99)")
	require.Error(t, err, "restored table must still enforce its primary key")
}
