package pgwire

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/keboola/storage-backend/internal/engine"
	"github.com/keboola/storage-backend/internal/errs"
	"github.com/keboola/storage-backend/internal/registry"
	"github.com/keboola/storage-backend/internal/workspace"
)

// attachmentResolver is the subset of the Workspace Engine a session needs.
type attachmentResolver interface {
	AttachmentPlan(ctx context.Context, projectID string, branchID *string) ([]workspace.Attachment, error)
	Authenticate(ctx context.Context, workspaceID, password string) error
}

type workspaceLookup interface {
	GetWorkspace(ctx context.Context, id string) (*registry.Workspace, error)
	CreatePGSession(ctx context.Context, s registry.PGSession) error
	TouchPGSession(ctx context.Context, sessionID string, now time.Time) error
	DeletePGSession(ctx context.Context, sessionID string) error
}

// session is one authenticated PG-wire connection bound to a single
// workspace
// workspace database".
type session struct {
	id         string
	ws         *registry.Workspace
	own        *engine.Engine
	attached   map[string]*engine.Engine // key: schema.table, lowercased
	limits     workspace.ResourceLimits
	lastActive time.Time
	log        zerolog.Logger

	reg workspaceLookup
}

func (s *session) close() {
	if s.reg != nil && s.id != "" {
		_ = s.reg.DeletePGSession(context.Background(), s.id)
	}
	if s.own != nil {
		_ = s.own.Close()
	}
	for _, e := range s.attached {
		_ = e.Close()
	}
}

// touch records query activity on the session's pg_sessions row, keeping
// last_activity_at current.
func (s *session) touch(ctx context.Context, now time.Time) {
	s.lastActive = now
	if s.reg == nil || s.id == "" {
		return
	}
	_ = s.reg.TouchPGSession(ctx, s.id, now)
}

var mutatingStatement = regexp.MustCompile(`(?i)^\s*(INSERT|UPDATE|DELETE|DROP|ALTER|TRUNCATE)\b`)
var schemaTableRef = regexp.MustCompile(`(?i)\b([A-Za-z_][A-Za-z0-9_]*)\.([A-Za-z_][A-Za-z0-9_]*)\b`)

// routeTarget decides which connection a query should run against: the
// session's own writable database, or a read-only attached table. A
// write naming an attached schema.table is rejected before it ever
// reaches the attached engine.
func (s *session) routeTarget(query string) (*sql.DB, error) {
	m := schemaTableRef.FindStringSubmatch(query)
	if m == nil {
		return s.own.DB(), nil
	}
	key := strings.ToLower(m[1]) + "." + strings.ToLower(m[2])
	attached, ok := s.attached[key]
	if !ok {
		return s.own.DB(), nil
	}
	if mutatingStatement.MatchString(query) {
		return nil, errs.New(errs.PermissionDenied, fmt.Sprintf("table %s is attached read-only", key))
	}
	return attached.DB(), nil
}

// execute runs query against the routed connection and renders results in
// the simple query protocol's shape. ctx is expected to already carry the
// session's statement timeout.
func (s *session) execute(ctx context.Context, query string) ([]column, [][]*string, string, error) {
	db, err := s.routeTarget(query)
	if err != nil {
		return nil, nil, "", err
	}

	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return nil, nil, "", nil
	}

	upper := strings.ToUpper(trimmed)
	if strings.HasPrefix(upper, "SELECT") || strings.HasPrefix(upper, "SHOW") || strings.HasPrefix(upper, "WITH") {
		return s.executeQuery(ctx, db, query)
	}

	res, err := db.ExecContext(ctx, query)
	if err != nil {
		return nil, nil, "", errs.Wrap(errs.IOFailure, "executing statement", err)
	}
	n, _ := res.RowsAffected()
	return nil, nil, fmt.Sprintf("%s %d", strings.Fields(upper)[0], n), nil
}

func (s *session) executeQuery(ctx context.Context, db *sql.DB, query string) ([]column, [][]*string, string, error) {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, nil, "", errs.Wrap(errs.IOFailure, "executing query", err)
	}
	defer rows.Close()

	names, err := rows.Columns()
	if err != nil {
		return nil, nil, "", errs.Wrap(errs.IOFailure, "reading result columns", err)
	}
	cols := make([]column, len(names))
	for i, n := range names {
		cols[i] = column{Name: n, OID: textOID}
	}

	var dataRows [][]*string
	for rows.Next() {
		cells := make([]sql.NullString, len(names))
		scanTargets := make([]interface{}, len(names))
		for i := range cells {
			scanTargets[i] = &cells[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return nil, nil, "", errs.Wrap(errs.IOFailure, "scanning result row", err)
		}
		rowVals := make([]*string, len(names))
		for i, c := range cells {
			if c.Valid {
				v := c.String
				rowVals[i] = &v
			}
		}
		dataRows = append(dataRows, rowVals)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, "", errs.Wrap(errs.IOFailure, "iterating result rows", err)
	}
	return cols, dataRows, fmt.Sprintf("SELECT %d", len(dataRows)), nil
}
