package tableengine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keboola/storage-backend/internal/engine"
	"github.com/keboola/storage-backend/internal/registry"
)

func openTestEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := engine.Open(context.Background(), engine.Config{
		Path:           t.TempDir(),
		Database:       "test",
		CommitterName:  "tableengine-test",
		CommitterEmail: "tableengine-test@local",
		OpenTimeout:    5 * time.Second,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	return New(eng.DB())
}

func TestCreateAddDropColumnLifecycle(t *testing.T) {
	te := openTestEngine(t)
	ctx := context.Background()

	require.NoError(t, te.CreateTable(ctx, "orders", []registry.Column{
		{Name: "id", Type: "INT"},
		{Name: "total", Type: "DECIMAL(10,2)", Nullable: true},
	}, []string{"id"}))

	require.NoError(t, te.AddColumn(ctx, "orders", registry.Column{Name: "status", Type: "VARCHAR(32)", Nullable: true}))

	_, err := te.db.ExecContext(ctx, "INSERT INTO orders (id, total, status) VALUES (1, 9.99, 'paid')")
	require.NoError(t, err)

	require.NoError(t, te.DropColumn(ctx, "orders", "status"))
	require.NoError(t, te.DropTable(ctx, "orders"))
}

func TestDeleteRowsReturnsAffectedCount(t *testing.T) {
	te := openTestEngine(t)
	ctx := context.Background()

	require.NoError(t, te.CreateTable(ctx, "widgets", []registry.Column{{Name: "id", Type: "INT"}}, nil))
	_, err := te.db.ExecContext(ctx, "INSERT INTO widgets (id) VALUES (1), (2), (3)")
	require.NoError(t, err)

	n, err := te.DeleteRows(ctx, "widgets", "id = 2")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestDeleteRowsWithEmptyPredicateDeletesEverything(t *testing.T) {
	te := openTestEngine(t)
	ctx := context.Background()

	require.NoError(t, te.CreateTable(ctx, "widgets", []registry.Column{{Name: "id", Type: "INT"}}, nil))
	_, err := te.db.ExecContext(ctx, "INSERT INTO widgets (id) VALUES (1), (2), (3)")
	require.NoError(t, err)

	n, err := te.DeleteRows(ctx, "widgets", "")
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	n, err = te.DeleteRows(ctx, "widgets", "1=1")
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)
}

func TestIsMatchAllPredicate(t *testing.T) {
	assert.True(t, IsMatchAllPredicate(""))
	assert.True(t, IsMatchAllPredicate("  "))
	assert.True(t, IsMatchAllPredicate("TRUE"))
	assert.True(t, IsMatchAllPredicate("1 = 1"))
	assert.False(t, IsMatchAllPredicate("status = 'active'"))
}

func TestPreviewOrdersByPrimaryKey(t *testing.T) {
	te := openTestEngine(t)
	ctx := context.Background()

	require.NoError(t, te.CreateTable(ctx, "items", []registry.Column{{Name: "id", Type: "INT"}}, []string{"id"}))
	_, err := te.db.ExecContext(ctx, "INSERT INTO items (id) VALUES (3), (1), (2)")
	require.NoError(t, err)

	res, err := te.Preview(ctx, "items", nil, []string{"id"}, 10, 0)
	require.NoError(t, err)
	require.Len(t, res.Rows, 3)
	assert.EqualValues(t, int64(1), res.Rows[0][0])
	assert.EqualValues(t, int64(2), res.Rows[1][0])
	assert.EqualValues(t, int64(3), res.Rows[2][0])
}

func TestProfileNumericColumn(t *testing.T) {
	te := openTestEngine(t)
	ctx := context.Background()

	require.NoError(t, te.CreateTable(ctx, "measurements", []registry.Column{
		{Name: "id", Type: "INT"},
		{Name: "value", Type: "DOUBLE", Nullable: true},
	}, []string{"id"}))
	_, err := te.db.ExecContext(ctx, "INSERT INTO measurements (id, value) VALUES (1, 10), (2, 20), (3, 30), (4, NULL)")
	require.NoError(t, err)

	profile, err := te.Profile(ctx, "measurements", []string{"value"}, ProfileModeBasic)
	require.NoError(t, err)
	require.Len(t, profile.Columns, 1)

	cp := profile.Columns[0]
	assert.True(t, cp.IsNumeric)
	assert.EqualValues(t, 4, cp.Count)
	assert.InDelta(t, 0.25, cp.NullFraction, 0.001)
	assert.InDelta(t, 20, cp.Avg, 0.001)
}

func TestProfileDetectsEmailPattern(t *testing.T) {
	te := openTestEngine(t)
	ctx := context.Background()

	require.NoError(t, te.CreateTable(ctx, "users", []registry.Column{
		{Name: "id", Type: "INT"},
		{Name: "email", Type: "VARCHAR(255)"},
	}, []string{"id"}))
	_, err := te.db.ExecContext(ctx, `INSERT INTO users (id, email) VALUES
		(1, 'a@example.com'), (2, 'b@example.com'), (3, 'c@example.com')`)
	require.NoError(t, err)

	profile, err := te.Profile(ctx, "users", []string{"email"}, ProfileModeBasic)
	require.NoError(t, err)
	require.Len(t, profile.Columns, 1)
	assert.Equal(t, "email", profile.Columns[0].Pattern)
}

func TestQualityScoreLabels(t *testing.T) {
	score, label := qualityScore(nil)
	assert.Equal(t, 100, score)
	assert.Equal(t, "Excellent", label)

	score, label = qualityScore([]ColumnProfile{
		{NullFraction: 0.9}, {NullFraction: 0.9}, {NullFraction: 0.9},
	})
	assert.Equal(t, 85, score)
	assert.Equal(t, "Good", label)
}

func TestTopCorrelationsFiltersBelowThreshold(t *testing.T) {
	samples := map[string][]float64{
		"a": {1, 2, 3, 4, 5},
		"b": {2, 4, 6, 8, 10}, // perfectly correlated with a
		"c": {5, 1, 9, 2, 7},  // effectively uncorrelated
	}
	corrs := topCorrelations(samples, 20)
	require.Len(t, corrs, 1)
	assert.Equal(t, "a", corrs[0].ColumnA)
	assert.Equal(t, "b", corrs[0].ColumnB)
	assert.InDelta(t, 1.0, corrs[0].R, 0.001)
}
