package importexport

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	// Registers the "mysql" driver used to reach an ADE running in server
	// mode (the wire protocol the engine speaks is MySQL-compatible).
	_ "github.com/go-sql-driver/mysql"

	"github.com/keboola/storage-backend/internal/errs"
)

// ImportFromServer runs the STAGING -> TRANSFORM -> CLEANUP pipeline with an
// ADE server-mode table as the source instead of a CSV stream: rows are read
// over the engine's MySQL-compatible wire protocol from dsn's srcTable and
// staged locally, then transformed into the destination exactly like a CSV
// import. This is the "direct URL" source shape for engine-native
// sources.
func (p *Pipeline) ImportFromServer(ctx context.Context, stagingDB *sql.DB, stagingTable, dsn, srcTable string, opts ImportOptions) (*ImportResult, error) {
	if err := p.stageFromServer(ctx, stagingDB, stagingTable, dsn, srcTable, opts); err != nil {
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

func (p *Pipeline) stageFromServer(ctx context.Context, stagingDB *sql.DB, stagingTable, dsn, srcTable string, opts ImportOptions) error {
	remote, err := sql.Open("mysql", dsn)
	if err != nil {
		return errs.Wrap(errs.InvalidArgument, "parsing source server dsn", err)
	}
	defer remote.Close()
	if err := remote.PingContext(ctx); err != nil {
		return errs.Wrap(errs.IOFailure, "connecting to source server", err)
	}

	cols, _ := splitSystemColumns(opts.Columns)
	if len(cols) == 0 {
		return errs.New(errs.InvalidArgument, "import from a server source requires an explicit column list")
	}
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = fmt.Sprintf("`%s`", c)
	}

	rows, err := remote.QueryContext(ctx,
		fmt.Sprintf("SELECT %s FROM `%s`", strings.Join(quoted, ", "), srcTable))
	if err != nil {
		return errs.Wrap(errs.InvalidArgument, "reading source server table", err)
	}
	defer rows.Close()

	var colDefs []string
	for _, c := range cols {
		colDefs = append(colDefs, fmt.Sprintf("`%s` TEXT", c))
	}
	if _, err := stagingDB.ExecContext(ctx,
		fmt.Sprintf("CREATE TABLE `%s` (%s)", stagingTable, strings.Join(colDefs, ", "))); err != nil {
		return errs.Wrap(errs.IOFailure, "creating staging table", err)
	}

	placeholders := strings.TrimRight(strings.Repeat("?,", len(cols)), ",")
	insertStmt := fmt.Sprintf("INSERT INTO `%s` VALUES (%s)", stagingTable, placeholders)

	for rows.Next() {
		cells := make([]sql.NullString, len(cols))
		ptrs := make([]any, len(cols))
		for i := range cells {
			ptrs[i] = &cells[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return errs.Wrap(errs.IOFailure, "scanning source server row", err)
		}
		vals := make([]any, len(cols))
		for i, c := range cells {
			if c.Valid {
				vals[i] = c.String
			}
		}
		if _, err := stagingDB.ExecContext(ctx, insertStmt, vals...); err != nil {
			return errs.Wrap(errs.IOFailure, "staging source server row", err)
		}
	}
	return rows.Err()
}
