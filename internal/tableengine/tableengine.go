// Package tableengine implements the table engine: schema mutation,
// row deletion, preview, and statistical profiling of per-table ADE files.
//
// DDL statements are built with fmt.Sprintf against identifiers that are
// already validated upstream (never against raw user input); only values
// are bound as placeholders.
package tableengine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/keboola/storage-backend/internal/errs"
	"github.com/keboola/storage-backend/internal/registry"
)

// Engine operates on one already-resolved table file's connection. Callers
// (internal/core) open the *sql.DB via internal/engine
// against the path internal/resolver returned, and pass it in here together
// with the table's registry metadata.
type Engine struct {
	db *sql.DB
}

func New(db *sql.DB) *Engine {
	return &Engine{db: db}
}

// CreateTable creates a new ADE table matching the given columns and
// optional primary key.
func (e *Engine) CreateTable(ctx context.Context, name string, columns []registry.Column, primaryKey []string) error {
	if len(columns) == 0 {
		return errs.New(errs.InvalidArgument, "create_table requires at least one column")
	}
	var colDefs []string
	for _, c := range columns {
		colDefs = append(colDefs, columnDDL(c))
	}
	if len(primaryKey) > 0 {
		colDefs = append(colDefs, fmt.Sprintf("PRIMARY KEY (%s)", strings.Join(quoteIdents(primaryKey), ", ")))
	}
	stmt := fmt.Sprintf("CREATE TABLE %s (%s)", quoteIdent(name), strings.Join(colDefs, ", "))
	if _, err := e.db.ExecContext(ctx, stmt); err != nil {
		return errs.Wrap(errs.Conflict, fmt.Sprintf("creating table %q", name), err)
	}
	return nil
}

// DropTable removes a table entirely. Auto-snapshot-before-drop is the
// caller's responsibility (internal/snapshot consults its own trigger
// config before calling this).
func (e *Engine) DropTable(ctx context.Context, name string) error {
	if _, err := e.db.ExecContext(ctx, fmt.Sprintf("DROP TABLE %s", quoteIdent(name))); err != nil {
		return errs.Wrap(errs.NotFound, fmt.Sprintf("dropping table %q", name), err)
	}
	return nil
}

// AddColumn appends a column to an existing table.
func (e *Engine) AddColumn(ctx context.Context, table string, col registry.Column) error {
	stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", quoteIdent(table), columnDDL(col))
	if _, err := e.db.ExecContext(ctx, stmt); err != nil {
		return errs.Wrap(errs.Conflict, fmt.Sprintf("adding column %q", col.Name), err)
	}
	return nil
}

// DropColumn removes a column. Callers must first verify it is not a
// primary key member; this package trusts the
// ADE's own constraint error to surface that as a Conflict if not.
func (e *Engine) DropColumn(ctx context.Context, table, column string) error {
	stmt := fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s", quoteIdent(table), quoteIdent(column))
	if _, err := e.db.ExecContext(ctx, stmt); err != nil {
		return errs.Wrap(errs.Conflict, fmt.Sprintf("dropping column %q", column), err)
	}
	return nil
}

// AlterColumn changes a column's type and/or renames it.
func (e *Engine) AlterColumn(ctx context.Context, table, column string, newName, newType string) error {
	if newType != "" {
		stmt := fmt.Sprintf("ALTER TABLE %s MODIFY COLUMN %s %s", quoteIdent(table), quoteIdent(column), newType)
		if _, err := e.db.ExecContext(ctx, stmt); err != nil {
			return errs.Wrap(errs.FailedPrecondition, fmt.Sprintf("altering column %q type", column), err)
		}
	}
	if newName != "" && newName != column {
		stmt := fmt.Sprintf("ALTER TABLE %s RENAME COLUMN %s TO %s", quoteIdent(table), quoteIdent(column), quoteIdent(newName))
		if _, err := e.db.ExecContext(ctx, stmt); err != nil {
			return errs.Wrap(errs.FailedPrecondition, fmt.Sprintf("renaming column %q", column), err)
		}
	}
	return nil
}

func (e *Engine) AddPrimaryKey(ctx context.Context, table string, columns []string) error {
	stmt := fmt.Sprintf("ALTER TABLE %s ADD PRIMARY KEY (%s)", quoteIdent(table), strings.Join(quoteIdents(columns), ", "))
	if _, err := e.db.ExecContext(ctx, stmt); err != nil {
		return errs.Wrap(errs.Conflict, "adding primary key", err)
	}
	return nil
}

func (e *Engine) DropPrimaryKey(ctx context.Context, table string) error {
	stmt := fmt.Sprintf("ALTER TABLE %s DROP PRIMARY KEY", quoteIdent(table))
	if _, err := e.db.ExecContext(ctx, stmt); err != nil {
		return errs.Wrap(errs.FailedPrecondition, "dropping primary key", err)
	}
	return nil
}

// DeleteRows deletes rows matching predicate (a raw SQL WHERE clause, e.g.
// "status = 'archived'"). Auto-snapshot-on-truncate is decided by the
// caller via IsMatchAllPredicate before invoking this. An empty predicate
// is a legal "delete all rows" input, not malformed SQL, so it is
// normalised to a literal "1=1" here so every transport gets a working
// DELETE rather than each having to guard against "" itself.
func (e *Engine) DeleteRows(ctx context.Context, table, predicate string) (int64, error) {
	if IsMatchAllPredicate(predicate) {
		predicate = "1=1"
	}
	stmt := fmt.Sprintf("DELETE FROM %s WHERE %s", quoteIdent(table), predicate)
	res, err := e.db.ExecContext(ctx, stmt)
	if err != nil {
		return 0, errs.Wrap(errs.InvalidArgument, "deleting rows", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errs.Wrap(errs.Internal, "reading rows affected", err)
	}
	return n, nil
}

// IsMatchAllPredicate implements the normalisation: lower-case,
// strip whitespace; a predicate is match-all iff it is empty, "true", or
// "1=1" after normalisation. No general tautology solver is attempted.
func IsMatchAllPredicate(predicate string) bool {
	normalized := strings.ToLower(strings.Join(strings.Fields(predicate), ""))
	switch normalized {
	case "", "true", "1=1":
		return true
	default:
		return false
	}
}

// PreviewResult holds a page of rows in column-major-agnostic form: each row
// is a slice of values ordered per Columns.
type PreviewResult struct {
	Columns []string
	Rows    [][]any
}

// Preview returns up to limit rows starting at offset. Ordering is by
// primaryKey if non-empty (stable), otherwise the ADE's natural order.
func (e *Engine) Preview(ctx context.Context, table string, columns []string, primaryKey []string, limit, offset int) (*PreviewResult, error) {
	colList := "*"
	if len(columns) > 0 {
		colList = strings.Join(quoteIdents(columns), ", ")
	}
	stmt := fmt.Sprintf("SELECT %s FROM %s", colList, quoteIdent(table))
	if len(primaryKey) > 0 {
		stmt += " ORDER BY " + strings.Join(quoteIdents(primaryKey), ", ")
	}
	stmt += fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset)

	rows, err := e.db.QueryContext(ctx, stmt)
	if err != nil {
		return nil, errs.Wrap(errs.InvalidArgument, "running preview query", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "reading preview columns", err)
	}

	result := &PreviewResult{Columns: cols}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, errs.Wrap(errs.Internal, "scanning preview row", err)
		}
		result.Rows = append(result.Rows, vals)
	}
	return result, rows.Err()
}

func columnDDL(c registry.Column) string {
	nullability := "NOT NULL"
	if c.Nullable {
		nullability = "NULL"
	}
	ddl := fmt.Sprintf("%s %s %s", quoteIdent(c.Name), c.Type, nullability)
	if c.Default != "" {
		ddl += " DEFAULT " + c.Default
	}
	return ddl
}

func quoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

func quoteIdents(names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = quoteIdent(n)
	}
	return out
}
