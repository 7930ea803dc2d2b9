package importexport

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keboola/storage-backend/internal/engine"
)

func openTestDB(t *testing.T) *engine.Engine {
	t.Helper()
	eng, err := engine.Open(context.Background(), engine.Config{
		Path:           t.TempDir(),
		Database:       "test",
		CommitterName:  "importexport-test",
		CommitterEmail: "importexport-test@local",
		OpenTimeout:    5 * time.Second,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	return eng
}

func TestImportCSVFullLoad(t *testing.T) {
	dest := openTestDB(t)
	ctx := context.Background()

	_, err := dest.DB().ExecContext(ctx, "CREATE TABLE orders (id INT PRIMARY KEY, total VARCHAR(32))")
	require.NoError(t, err)

	staging := openTestDB(t)
	p := New(dest.DB())

	csvData := "id,total\n1,9.99\n2,19.99\n"
	res, err := p.ImportCSV(ctx, staging.DB(), "stg_orders", strings.NewReader(csvData), ImportOptions{
		DestinationTable: "orders",
		PrimaryKey:       []string{"id"},
		Mode:             ModeFull,
		Columns:          []string{"id", "total"},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 2, res.ImportedRows)
	assert.EqualValues(t, 2, res.TableRowsTotal)

	rows, err := staging.DB().QueryContext(ctx, "SELECT COUNT(*) FROM `stg_orders`")
	if rows != nil {
		rows.Close()
	}
	assert.Error(t, err, "staging table should have been dropped during cleanup")
}

func TestImportCSVIncrementalUpdateDuplicates(t *testing.T) {
	dest := openTestDB(t)
	ctx := context.Background()

	_, err := dest.DB().ExecContext(ctx, "CREATE TABLE orders (id INT PRIMARY KEY, total VARCHAR(32))")
	require.NoError(t, err)
	_, err = dest.DB().ExecContext(ctx, "INSERT INTO orders (id, total) VALUES (1, '1.00')")
	require.NoError(t, err)

	staging := openTestDB(t)
	p := New(dest.DB())

	csvData := "id,total\n1,5.00\n2,6.00\n"
	res, err := p.ImportCSV(ctx, staging.DB(), "stg_orders", strings.NewReader(csvData), ImportOptions{
		DestinationTable: "orders",
		PrimaryKey:       []string{"id"},
		Mode:             ModeIncremental,
		Dedup:            UpdateDuplicates,
		Columns:          []string{"id", "total"},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 2, res.ImportedRows)

	var total string
	row := dest.DB().QueryRowContext(ctx, "SELECT total FROM orders WHERE id = 1")
	require.NoError(t, row.Scan(&total))
	assert.Equal(t, "5.00", total)
}

func TestImportCSVFailOnDuplicatesErrors(t *testing.T) {
	dest := openTestDB(t)
	ctx := context.Background()

	_, err := dest.DB().ExecContext(ctx, "CREATE TABLE orders (id INT PRIMARY KEY, total VARCHAR(32))")
	require.NoError(t, err)
	_, err = dest.DB().ExecContext(ctx, "INSERT INTO orders (id, total) VALUES (1, '1.00')")
	require.NoError(t, err)

	staging := openTestDB(t)
	p := New(dest.DB())

	csvData := "id,total\n1,5.00\n"
	_, err = p.ImportCSV(ctx, staging.DB(), "stg_orders", strings.NewReader(csvData), ImportOptions{
		DestinationTable: "orders",
		PrimaryKey:       []string{"id"},
		Mode:             ModeIncremental,
		Dedup:            FailOnDuplicates,
		Columns:          []string{"id", "total"},
	})
	require.Error(t, err)
}

func TestExportCSVPlain(t *testing.T) {
	dest := openTestDB(t)
	ctx := context.Background()

	_, err := dest.DB().ExecContext(ctx, "CREATE TABLE items (id INT, name VARCHAR(32))")
	require.NoError(t, err)
	_, err = dest.DB().ExecContext(ctx, "INSERT INTO items (id, name) VALUES (1, 'a'), (2, 'b')")
	require.NoError(t, err)

	p := New(dest.DB())
	var buf bytes.Buffer
	require.NoError(t, p.ExportCSV(ctx, "items", ExportOptions{}, &buf))

	out := buf.String()
	assert.Contains(t, out, "id,name")
	assert.Contains(t, out, "1,a")
	assert.Contains(t, out, "2,b")
}

func TestExportCSVGzipCompressed(t *testing.T) {
	dest := openTestDB(t)
	ctx := context.Background()

	_, err := dest.DB().ExecContext(ctx, "CREATE TABLE items (id INT)")
	require.NoError(t, err)
	_, err = dest.DB().ExecContext(ctx, "INSERT INTO items (id) VALUES (1)")
	require.NoError(t, err)

	p := New(dest.DB())
	var buf bytes.Buffer
	require.NoError(t, p.ExportCSV(ctx, "items", ExportOptions{Compression: "gzip"}, &buf))

	gr, err := gzip.NewReader(&buf)
	require.NoError(t, err)
	decompressed, err := io.ReadAll(gr)
	require.NoError(t, err)
	assert.Contains(t, string(decompressed), "id")
}
