// Package importexport implements the import/export pipeline: a
// three-stage STAGING -> TRANSFORM -> CLEANUP flow for loading external data
// into a table, and the symmetric export path.
//
// Each run stages source rows into a private staging file, merges them into
// the destination under one transaction, and always cleans the staging
// table up, success or failure.
package importexport

import (
	"bufio"
	"compress/gzip"
	"context"
	"database/sql"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"

	"github.com/keboola/storage-backend/internal/errs"
)

// DedupStrategy selects TRANSFORM's behaviour for incremental loads.
type DedupStrategy string

const (
	UpdateDuplicates DedupStrategy = "update_duplicates"
	InsertDuplicates DedupStrategy = "insert_duplicates"
	FailOnDuplicates DedupStrategy = "fail_on_duplicates"
)

// Mode selects full-replace vs incremental-merge TRANSFORM behaviour.
type Mode string

const (
	ModeFull        Mode = "full"
	ModeIncremental Mode = "incremental"
)

// ImportOptions configures one import run.
type ImportOptions struct {
	DestinationTable string
	PrimaryKey       []string
	Mode             Mode
	Dedup            DedupStrategy
	Columns          []string // staging/destination column order, excluding system columns
}

// ImportResult carries the counts the pipeline reports on completion.
type ImportResult struct {
	ImportedRows   int64
	TableRowsTotal int64
	TableSizeBytes int64
	Columns        []string
}

// Pipeline runs the STAGING -> TRANSFORM -> CLEANUP stages against a
// destination ADE connection. stagingDB is a connection to the
// `_staging/<uuid>.db` file internal/layout and internal/engine opened for
// this one operation; the pipeline stages rows into it, reads them back to
// transform them into the destination, and drops the staging table
// regardless of outcome.
type Pipeline struct {
	dest *sql.DB
}

func New(dest *sql.DB) *Pipeline {
	return &Pipeline{dest: dest}
}

// ImportCSV stages r as CSV into a staging table named stagingTable (caller
// already created the staging ADE file and opened stagingDB against it),
// then transforms staged rows into the destination, then cleans up.
func (p *Pipeline) ImportCSV(ctx context.Context, stagingDB *sql.DB, stagingTable string, r io.Reader, opts ImportOptions) (*ImportResult, error) {
	dataCols, _ := splitSystemColumns(opts.Columns)
	if err := p.stageCSV(ctx, stagingDB, stagingTable, r, dataCols); err != nil {
		p.cleanup(ctx, stagingDB, stagingTable)
		return nil, err
	}

	imported, err := p.transform(ctx, stagingDB, stagingTable, opts)
	p.cleanup(ctx, stagingDB, stagingTable)
	if err != nil {
		return nil, err
	}

	total, size, err := p.destStats(ctx, opts.DestinationTable)
	if err != nil {
		return nil, err
	}
	return &ImportResult{
		ImportedRows:   imported,
		TableRowsTotal: total,
		TableSizeBytes: size,
		Columns:        opts.Columns,
	}, nil
}

// STAGING

func (p *Pipeline) stageCSV(ctx context.Context, stagingDB *sql.DB, stagingTable string, r io.Reader, columns []string) error {
	reader := csv.NewReader(bufio.NewReader(r))

	header, err := reader.Read()
	if err != nil {
		return errs.Wrap(errs.InvalidArgument, "reading csv header", err)
	}
	if len(columns) == 0 {
		columns = header
	}

	var colDefs []string
	for _, c := range columns {
		colDefs = append(colDefs, fmt.Sprintf("`%s` TEXT", c))
	}
	createStmt := fmt.Sprintf("CREATE TABLE `%s` (%s)", stagingTable, strings.Join(colDefs, ", "))
	if _, err := stagingDB.ExecContext(ctx, createStmt); err != nil {
		return errs.Wrap(errs.IOFailure, "creating staging table", err)
	}

	placeholders := strings.TrimRight(strings.Repeat("?,", len(columns)), ",")
	insertStmt := fmt.Sprintf("INSERT INTO `%s` VALUES (%s)", stagingTable, placeholders)

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errs.Wrap(errs.InvalidArgument, "reading csv row", err)
		}
		row := make([]any, len(columns))
		for i := range columns {
			if i < len(record) {
				row[i] = record[i]
			}
		}
		if _, err := stagingDB.ExecContext(ctx, insertStmt, row...); err != nil {
			return errs.Wrap(errs.IOFailure, "staging csv row", err)
		}
	}
	return nil
}

// TRANSFORM

// splitSystemColumns separates destination columns into data columns and
// system columns (leading underscore, notably _timestamp). System columns
// are never read from the source; insertOne sets them explicitly.
func splitSystemColumns(cols []string) (data, system []string) {
	for _, c := range cols {
		if strings.HasPrefix(c, "_") {
			system = append(system, c)
			continue
		}
		data = append(data, c)
	}
	return data, system
}

func (p *Pipeline) transform(ctx context.Context, stagingDB *sql.DB, stagingTable string, opts ImportOptions) (int64, error) {
	cols, _ := splitSystemColumns(opts.Columns)
	quotedCols := make([]string, len(cols))
	for i, c := range cols {
		quotedCols[i] = fmt.Sprintf("`%s`", c)
	}
	colList := strings.Join(quotedCols, ", ")

	rows, err := stagingDB.QueryContext(ctx, fmt.Sprintf("SELECT %s FROM `%s`", colList, stagingTable))
	if err != nil {
		return 0, errs.Wrap(errs.IOFailure, "reading staged rows", err)
	}
	defer rows.Close()

	tx, err := p.dest.BeginTx(ctx, nil)
	if err != nil {
		return 0, errs.Wrap(errs.IOFailure, "beginning transform transaction", err)
	}
	defer tx.Rollback()

	if opts.Mode == ModeFull {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM `%s`", opts.DestinationTable)); err != nil {
			return 0, errs.Wrap(errs.IOFailure, "truncating destination for full load", err)
		}
	}

	var imported int64
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return 0, errs.Wrap(errs.IOFailure, "scanning staged row", err)
		}

		if err := p.insertOne(ctx, tx, opts, cols, vals); err != nil {
			return 0, err
		}
		imported++
	}
	if err := rows.Err(); err != nil {
		return 0, errs.Wrap(errs.IOFailure, "iterating staged rows", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, errs.Wrap(errs.IOFailure, "committing transform", err)
	}
	return imported, nil
}

func (p *Pipeline) insertOne(ctx context.Context, tx *sql.Tx, opts ImportOptions, cols []string, vals []any) error {
	// System columns are set by the server, never from the source row.
	_, sysCols := splitSystemColumns(opts.Columns)

	quotedCols := make([]string, len(cols))
	placeholders := make([]string, len(cols))
	for i, c := range cols {
		quotedCols[i] = fmt.Sprintf("`%s`", c)
		placeholders[i] = "?"
	}
	for _, c := range sysCols {
		quotedCols = append(quotedCols, fmt.Sprintf("`%s`", c))
		placeholders = append(placeholders, "NOW()")
	}
	base := fmt.Sprintf("INSERT INTO `%s` (%s) VALUES (%s)", opts.DestinationTable, strings.Join(quotedCols, ", "), strings.Join(placeholders, ", "))

	if opts.Mode == ModeFull || len(opts.PrimaryKey) == 0 {
		_, err := tx.ExecContext(ctx, base, vals...)
		return wrapInsertErr(err)
	}

	switch opts.Dedup {
	case InsertDuplicates, "":
		_, err := tx.ExecContext(ctx, base, vals...)
		return wrapInsertErr(err)
	case UpdateDuplicates:
		var assignments []string
		for _, c := range cols {
			assignments = append(assignments, fmt.Sprintf("`%s` = VALUES(`%s`)", c, c))
		}
		for _, c := range sysCols {
			assignments = append(assignments, fmt.Sprintf("`%s` = NOW()", c))
		}
		stmt := base + " ON DUPLICATE KEY UPDATE " + strings.Join(assignments, ", ")
		_, err := tx.ExecContext(ctx, stmt, vals...)
		return wrapInsertErr(err)
	case FailOnDuplicates:
		_, err := tx.ExecContext(ctx, base, vals...)
		if err != nil {
			return errs.Wrap(errs.Conflict, "duplicate primary key on fail_on_duplicates import", err)
		}
		return nil
	default:
		return errs.New(errs.InvalidArgument, fmt.Sprintf("unknown dedup strategy %q", opts.Dedup))
	}
}

func wrapInsertErr(err error) error {
	if err == nil {
		return nil
	}
	return errs.Wrap(errs.IOFailure, "inserting transformed row", err)
}

// CLEANUP

func (p *Pipeline) cleanup(ctx context.Context, stagingDB *sql.DB, stagingTable string) {
	_, _ = stagingDB.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS `%s`", stagingTable))
}

func (p *Pipeline) destStats(ctx context.Context, table string) (rows int64, sizeBytes int64, err error) {
	row := p.dest.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM `%s`", table))
	if scanErr := row.Scan(&rows); scanErr != nil {
		return 0, 0, errs.Wrap(errs.Internal, "counting destination rows", scanErr)
	}
	// ADE embedded files don't expose a cheap per-table byte size, so the
	// size is always reported as 0.
	return rows, 0, nil
}

// CountRows returns the current row count of table on the destination
// connection — used by internal/snapshot to record a snapshot's row count at
// creation time without re-reading the artifact it just wrote.
func (p *Pipeline) CountRows(ctx context.Context, table string) (int64, error) {
	rows, _, err := p.destStats(ctx, table)
	return rows, err
}

// ExportOptions configures an export run.
type ExportOptions struct {
	Columns     []string
	Where       string
	Limit       int
	Compression string // "" | "gzip" | "zstd" | "snappy"
}

// ExportCSV writes the query result as CSV, optionally compressed, to w.
func (p *Pipeline) ExportCSV(ctx context.Context, table string, opts ExportOptions, w io.Writer) error {
	colList := "*"
	if len(opts.Columns) > 0 {
		quoted := make([]string, len(opts.Columns))
		for i, c := range opts.Columns {
			quoted[i] = fmt.Sprintf("`%s`", c)
		}
		colList = strings.Join(quoted, ", ")
	}
	stmt := fmt.Sprintf("SELECT %s FROM `%s`", colList, table)
	if opts.Where != "" {
		stmt += " WHERE " + opts.Where
	}
	if opts.Limit > 0 {
		stmt += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}

	rows, err := p.dest.QueryContext(ctx, stmt)
	if err != nil {
		return errs.Wrap(errs.InvalidArgument, "running export query", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return errs.Wrap(errs.Internal, "reading export columns", err)
	}

	compressed, closeFn, err := wrapCompression(w, opts.Compression)
	if err != nil {
		return err
	}
	defer closeFn()

	cw := csv.NewWriter(compressed)
	if err := cw.Write(cols); err != nil {
		return errs.Wrap(errs.IOFailure, "writing csv header", err)
	}

	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	record := make([]string, len(cols))
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return errs.Wrap(errs.Internal, "scanning export row", err)
		}
		for i, v := range vals {
			record[i] = fmt.Sprint(v)
		}
		if err := cw.Write(record); err != nil {
			return errs.Wrap(errs.IOFailure, "writing csv row", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// wrapCompression returns a writer that applies the requested compression
// codec and a close function that flushes/finalizes it. CSV export supports
// gzip, zstd and snappy here; columnar export (and so internal/snapshot's
// artifact writer) does not use this helper and maps the codec through
// parquetCompressionCodec instead.
func wrapCompression(w io.Writer, codec string) (io.Writer, func(), error) {
	switch codec {
	case "", "none":
		return w, func() {}, nil
	case "gzip":
		gw := gzip.NewWriter(w)
		return gw, func() { _ = gw.Close() }, nil
	case "zstd":
		zw, err := zstd.NewWriter(w)
		if err != nil {
			return nil, nil, errs.Wrap(errs.Internal, "creating zstd writer", err)
		}
		return zw, func() { _ = zw.Close() }, nil
	case "snappy":
		sw := snappy.NewBufferedWriter(w)
		return sw, func() { _ = sw.Close() }, nil
	default:
		return nil, nil, errs.New(errs.InvalidArgument, fmt.Sprintf("unsupported compression %q", codec))
	}
}

// OpenLocalFile is a small helper for CLI/REST callers that export to a
// local path rather than an io.Writer already in hand.
func OpenLocalFile(path string) (*os.File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, errs.Wrap(errs.IOFailure, "creating export output file", err)
	}
	return f, nil
}
