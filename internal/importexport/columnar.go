package importexport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/reader"
	"github.com/xitongsys/parquet-go/writer"

	"github.com/keboola/storage-backend/internal/errs"
)

// parquetCompressionCodec maps the export compression option to a parquet
// page codec: zstd, snappy and gzip map to their native parquet codecs, and
// any other value falls back to SNAPPY.
func parquetCompressionCodec(codec string) parquet.CompressionCodec {
	switch codec {
	case "zstd":
		return parquet.CompressionCodec_ZSTD
	case "snappy":
		return parquet.CompressionCodec_SNAPPY
	case "gzip":
		return parquet.CompressionCodec_GZIP
	default:
		return parquet.CompressionCodec_SNAPPY
	}
}

// NewColumnarDestination wraps an io.Writer as a parquet-go source file, for
// callers exporting to an open file handle or S3 multipart upload stream.
func NewColumnarDestination(w io.Writer) *writerfile.WriterFile {
	return writerfile.NewWriterFile(w).(*writerfile.WriterFile)
}

// parquetField mirrors the JSON schema shape xitongsys/parquet-go's dynamic
// writer.NewJSONWriter expects, letting the export path build a schema from
// whatever columns the query returns instead of a compile-time struct.
type parquetField struct {
	Tag string `json:"Tag"`
}

type parquetSchema struct {
	Tag    string         `json:"Tag"`
	Fields []parquetField `json:"Fields"`
}

func buildParquetSchema(columns []string) string {
	fields := make([]parquetField, len(columns))
	for i, c := range columns {
		fields[i] = parquetField{
			Tag: fmt.Sprintf("name=%s, type=BYTE_ARRAY, convertedtype=UTF8, repetitiontype=OPTIONAL", sanitizeFieldName(c)),
		}
	}
	schema := parquetSchema{
		Tag:    "name=parquet_go_root, repetitiontype=REQUIRED",
		Fields: fields,
	}
	b, _ := json.Marshal(schema)
	return string(b)
}

func sanitizeFieldName(name string) string {
	return strings.ReplaceAll(name, " ", "_")
}

// ExportColumnar writes the query result as a parquet file, every value
// widened to its string representation. internal/snapshot's artifact writer
// reuses this for snapshot dumps, which is why field widths are kept
// deliberately simple (string) rather than mirroring each column's ADE type.
func (p *Pipeline) ExportColumnar(ctx context.Context, table string, opts ExportOptions, dst *writerfile.WriterFile) error {
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
		return errs.Wrap(errs.InvalidArgument, "running columnar export query", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return errs.Wrap(errs.Internal, "reading columnar export columns", err)
	}

	pw, err := writer.NewJSONWriter(buildParquetSchema(cols), dst, 4)
	if err != nil {
		return errs.Wrap(errs.Internal, "creating parquet writer", err)
	}
	pw.CompressionType = parquetCompressionCodec(opts.Compression)

	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	record := make(map[string]string, len(cols))
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return errs.Wrap(errs.Internal, "scanning columnar export row", err)
		}
		for i, c := range cols {
			record[sanitizeFieldName(c)] = fmt.Sprint(vals[i])
		}
		rowJSON, err := json.Marshal(record)
		if err != nil {
			return errs.Wrap(errs.Internal, "marshaling parquet row", err)
		}
		if err := pw.Write(string(rowJSON)); err != nil {
			return errs.Wrap(errs.IOFailure, "writing parquet row", err)
		}
	}
	if err := rows.Err(); err != nil {
		return errs.Wrap(errs.IOFailure, "iterating columnar export rows", err)
	}
	if err := pw.WriteStop(); err != nil {
		return errs.Wrap(errs.IOFailure, "finalizing parquet file", err)
	}
	return nil
}

// ImportColumnar reads a parquet file written by ExportColumnar and inserts
// every row into destTable, which the caller must already have created with
// a matching column set. internal/snapshot's Restore is the caller: the
// snapshot artifact's data.parquet is this package's own output, so reading
// it back with the matching JSON reader round-trips cleanly.
func (p *Pipeline) ImportColumnar(ctx context.Context, srcPath string, destTable string, columns []string) (int64, error) {
	fr, err := local.NewLocalFileReader(srcPath)
	if err != nil {
		return 0, errs.Wrap(errs.IOFailure, "opening parquet artifact", err)
	}
	defer fr.Close()

	pr, err := reader.NewParquetColumnReader(fr, 4)
	if err != nil {
		return 0, errs.Wrap(errs.Internal, "creating parquet reader", err)
	}
	defer pr.ReadStop()

	total := int(pr.GetNumRows())
	quotedCols := make([]string, len(columns))
	for i, c := range columns {
		quotedCols[i] = fmt.Sprintf("`%s`", c)
	}
	placeholders := strings.TrimRight(strings.Repeat("?,", len(columns)), ",")
	stmt := fmt.Sprintf("INSERT INTO `%s` (%s) VALUES (%s)", destTable, strings.Join(quotedCols, ", "), placeholders)

	// parquet-go's column reader is column-major: read every column's full
	// run of values once, then zip them back into rows for insertion.
	columnValues := make([][]any, len(columns))
	for i, c := range columns {
		v, _, _, err := pr.ReadColumnByIndex(int64(i), int64(total))
		if err != nil {
			return 0, errs.Wrap(errs.IOFailure, "reading parquet column "+c, err)
		}
		columnValues[i] = v
	}

	var imported int64
	for row := 0; row < total; row++ {
		vals := make([]any, len(columns))
		for i := range columns {
			if row >= len(columnValues[i]) || columnValues[i][row] == nil {
				vals[i] = nil
				continue
			}
			vals[i] = fmt.Sprint(columnValues[i][row])
		}
		if _, err := p.dest.ExecContext(ctx, stmt, vals...); err != nil {
			return imported, errs.Wrap(errs.IOFailure, "restoring row into "+destTable, err)
		}
		imported++
	}
	return imported, nil
}
