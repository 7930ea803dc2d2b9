// Package registry implements the metadata registry: the single ADE
// file metadata.db holding every relational entity of the system. It is the
// only writer of registry state; per-table ADE files are owned by the
// branch resolver and table engine instead.
//
// Migrations are forward-only and idempotent; internal/engine supplies the
// actual ADE connection.
package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/keboola/storage-backend/internal/engine"
	"github.com/keboola/storage-backend/internal/errs"
)

// Registry is the process-wide handle on metadata.db. All writes go through
// writeGuard, a process-wide file lock ("Registry writes are
// serialised by a process-wide writer guard; readers do not serialise.").
type Registry struct {
	eng        *engine.Engine
	writeGuard *flock.Flock
}

// Open opens (creating and migrating if needed) the metadata registry. The
// ADE lives in its own "_metadata" subdirectory of dataRoot, kept separate
// from per-project directories so a project named "metadata" can never
// collide with it.
func Open(ctx context.Context, dataRoot string) (*Registry, error) {
	metaDir := filepath.Join(dataRoot, "_metadata")
	eng, err := engine.Open(ctx, engine.Config{
		Path:           metaDir,
		Database:       "metadata",
		CommitterName:  "registry",
		CommitterEmail: "registry@storage-backend",
		OpenTimeout:    10 * time.Second,
	}, initSchema)
	if err != nil {
		return nil, err
	}
	return &Registry{
		eng:        eng,
		writeGuard: flock.New(filepath.Join(metaDir, ".registry-writer.lock")),
	}, nil
}

func (r *Registry) Close() error {
	return r.eng.Close()
}

// withWriter runs fn while holding the process-wide registry writer guard.
// fn's statements are not themselves wrapped in a SQL transaction beyond
// what the ADE driver does per-statement —, registry writes
// and per-table file writes cannot share one transaction, so callers that
// need registry+filesystem atomicity implement compensation instead.
func (r *Registry) withWriter(fn func(db *sql.DB) error) error {
	if err := r.writeGuard.Lock(); err != nil {
		return errs.Wrap(errs.IOFailure, "acquiring registry writer guard", err)
	}
	defer r.writeGuard.Unlock()
	return fn(r.eng.DB())
}

// DB exposes the underlying connection for read-only queries, which do not
// need the writer guard.
func (r *Registry) DB() *sql.DB {
	return r.eng.DB()
}

// ---- Projects ----

type Project struct {
	ID          string
	Name        string
	Description string
	CreatedAt   time.Time
}

func (r *Registry) CreateProject(ctx context.Context, p Project) error {
	return r.withWriter(func(db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			"INSERT INTO projects (id, name, description, created_at) VALUES (?, ?, ?, ?)",
			p.ID, p.Name, p.Description, p.CreatedAt)
		if err != nil {
			return errs.Wrap(errs.Conflict, fmt.Sprintf("project %q already exists", p.ID), err)
		}
		return nil
	})
}

func (r *Registry) GetProject(ctx context.Context, id string) (*Project, error) {
	row := r.DB().QueryRowContext(ctx,
		"SELECT id, name, description, created_at FROM projects WHERE id = ?", id)
	var p Project
	if err := row.Scan(&p.ID, &p.Name, &p.Description, &p.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.New(errs.NotFound, fmt.Sprintf("project %q not found", id))
		}
		return nil, errs.Wrap(errs.IOFailure, "reading project", err)
	}
	return &p, nil
}

// ListProjects returns every project row. Used by the staging-reap janitor,
// which walks each project's files staging directory.
func (r *Registry) ListProjects(ctx context.Context) ([]Project, error) {
	rows, err := r.DB().QueryContext(ctx, "SELECT id, name, description, created_at FROM projects")
	if err != nil {
		return nil, errs.Wrap(errs.IOFailure, "listing projects", err)
	}
	defer rows.Close()
	var out []Project
	for rows.Next() {
		var p Project
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.CreatedAt); err != nil {
			return nil, errs.Wrap(errs.IOFailure, "scanning project", err)
		}
		out = append(out, p)
	}
	return out, nil
}

// DeleteProject cascade-deletes buckets, tables, snapshots, files and
// workspaces's lifecycle rule. The caller (core) is responsible
// for deleting the corresponding directories/files on disk after this
// succeeds; on a registry-side failure nothing is removed.
func (r *Registry) DeleteProject(ctx context.Context, id string) error {
	return r.withWriter(func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return errs.Wrap(errs.IOFailure, "beginning project delete", err)
		}
		defer tx.Rollback()

		stmts := []string{
			"DELETE FROM workspaces WHERE project_id = ?",
			"DELETE FROM files WHERE project_id = ?",
			"DELETE FROM snapshots WHERE project_id = ?",
			"DELETE FROM tables_meta WHERE project_id = ?",
			"DELETE FROM branch_tables WHERE project_id = ?",
			"DELETE FROM branches WHERE project_id = ?",
			"DELETE FROM buckets WHERE project_id = ?",
			"DELETE FROM api_keys WHERE project_id = ?",
		}
		for _, s := range stmts {
			if _, err := tx.ExecContext(ctx, s, id); err != nil {
				return errs.Wrap(errs.IOFailure, "cascading project delete", err)
			}
		}
		if res, err := tx.ExecContext(ctx, "DELETE FROM projects WHERE id = ?", id); err != nil {
			return errs.Wrap(errs.IOFailure, "deleting project", err)
		} else if n, _ := res.RowsAffected(); n == 0 {
			return errs.New(errs.NotFound, fmt.Sprintf("project %q not found", id))
		}
		return tx.Commit()
	})
}

// ---- API Keys ----

type APIKey struct {
	KeyHash     string
	ProjectID   string
	Description string
	Scopes      string
	CreatedAt   time.Time
}

func (r *Registry) CreateAPIKey(ctx context.Context, k APIKey) error {
	return r.withWriter(func(db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			"INSERT INTO api_keys (key_hash, project_id, description, scopes, created_at) VALUES (?, ?, ?, ?, ?)",
			k.KeyHash, k.ProjectID, k.Description, k.Scopes, k.CreatedAt)
		if err != nil {
			return errs.Wrap(errs.Conflict, "api key hash collision", err)
		}
		return nil
	})
}

// LookupAPIKey resolves a project key's hash to its owning project. Returns
// NotFound if the hash does not match any row; the auth layer treats
// that as Unauthenticated.
func (r *Registry) LookupAPIKey(ctx context.Context, keyHash string) (*APIKey, error) {
	row := r.DB().QueryRowContext(ctx,
		"SELECT key_hash, project_id, description, scopes, created_at FROM api_keys WHERE key_hash = ?", keyHash)
	var k APIKey
	if err := row.Scan(&k.KeyHash, &k.ProjectID, &k.Description, &k.Scopes, &k.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.New(errs.NotFound, "api key not recognised")
		}
		return nil, errs.Wrap(errs.IOFailure, "reading api key", err)
	}
	return &k, nil
}

// LookupAPIKeyProjectID satisfies internal/auth.APIKeyStore: it resolves a key hash
// straight to its owning project id.
func (r *Registry) LookupAPIKeyProjectID(ctx context.Context, keyHash string) (string, error) {
	k, err := r.LookupAPIKey(ctx, keyHash)
	if err != nil {
		return "", err
	}
	return k.ProjectID, nil
}

// ListAPIKeyHashesForProject returns every stored key hash for a project.
// The S3 adapter's presigned-URL validation iterates these: a signature is
// accepted iff it verifies against any of the project's keys.
func (r *Registry) ListAPIKeyHashesForProject(ctx context.Context, projectID string) ([]string, error) {
	rows, err := r.DB().QueryContext(ctx, "SELECT key_hash FROM api_keys WHERE project_id = ?", projectID)
	if err != nil {
		return nil, errs.Wrap(errs.IOFailure, "listing api keys for project", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, errs.Wrap(errs.IOFailure, "scanning api key hash", err)
		}
		out = append(out, h)
	}
	return out, nil
}

func (r *Registry) RevokeAPIKey(ctx context.Context, keyHash string) error {
	return r.withWriter(func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, "DELETE FROM api_keys WHERE key_hash = ?", keyHash)
		if err != nil {
			return errs.Wrap(errs.IOFailure, "revoking api key", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errs.New(errs.NotFound, "api key not found")
		}
		return nil
	})
}

// ---- Buckets ----

type Bucket struct {
	ProjectID string
	Name      string
	Stage     string
	CreatedAt time.Time
}

func (r *Registry) CreateBucket(ctx context.Context, b Bucket) error {
	return r.withWriter(func(db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			"INSERT INTO buckets (project_id, stage, name, created_at) VALUES (?, ?, ?, ?)",
			b.ProjectID, b.Stage, b.Name, b.CreatedAt)
		if err != nil {
			return errs.Wrap(errs.Conflict, fmt.Sprintf("bucket %s_c_%s already exists", b.Stage, b.Name), err)
		}
		return nil
	})
}

func (r *Registry) GetBucket(ctx context.Context, projectID, stage, name string) (*Bucket, error) {
	row := r.DB().QueryRowContext(ctx,
		"SELECT project_id, stage, name, created_at FROM buckets WHERE project_id = ? AND stage = ? AND name = ?",
		projectID, stage, name)
	var b Bucket
	if err := row.Scan(&b.ProjectID, &b.Stage, &b.Name, &b.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.New(errs.NotFound, "bucket not found")
		}
		return nil, errs.Wrap(errs.IOFailure, "reading bucket", err)
	}
	return &b, nil
}

func (r *Registry) DeleteBucket(ctx context.Context, projectID, stage, name string) error {
	return r.withWriter(func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, "DELETE FROM buckets WHERE project_id = ? AND stage = ? AND name = ?",
			projectID, stage, name)
		if err != nil {
			return errs.Wrap(errs.IOFailure, "deleting bucket", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errs.New(errs.NotFound, "bucket not found")
		}
		return nil
	})
}

// ---- Tables ----

type Column struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
	Default  string `json:"default,omitempty"`
}

type TableMeta struct {
	ProjectID      string
	Bucket         string
	Name           string
	Columns        []Column
	PrimaryKey     []string
	RowCountCache  int64
	SizeBytesCache int64
	CreatedAt      time.Time
}

func (r *Registry) CreateTableMeta(ctx context.Context, t TableMeta) error {
	colsJSON, err := json.Marshal(t.Columns)
	if err != nil {
		return errs.Wrap(errs.Internal, "marshaling columns", err)
	}
	pkJSON, err := json.Marshal(t.PrimaryKey)
	if err != nil {
		return errs.Wrap(errs.Internal, "marshaling primary key", err)
	}
	return r.withWriter(func(db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`INSERT INTO tables_meta (project_id, bucket, name, columns_json, primary_key_json, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			t.ProjectID, t.Bucket, t.Name, string(colsJSON), string(pkJSON), t.CreatedAt)
		if err != nil {
			return errs.Wrap(errs.Conflict, fmt.Sprintf("table %s.%s already exists", t.Bucket, t.Name), err)
		}
		return nil
	})
}

func (r *Registry) GetTableMeta(ctx context.Context, projectID, bucket, name string) (*TableMeta, error) {
	row := r.DB().QueryRowContext(ctx,
		`SELECT project_id, bucket, name, columns_json, primary_key_json, row_count_cache, size_bytes_cache, created_at
		 FROM tables_meta WHERE project_id = ? AND bucket = ? AND name = ?`,
		projectID, bucket, name)
	var t TableMeta
	var colsJSON, pkJSON string
	if err := row.Scan(&t.ProjectID, &t.Bucket, &t.Name, &colsJSON, &pkJSON,
		&t.RowCountCache, &t.SizeBytesCache, &t.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.New(errs.NotFound, fmt.Sprintf("table %s.%s not found", bucket, name))
		}
		return nil, errs.Wrap(errs.IOFailure, "reading table metadata", err)
	}
	if err := json.Unmarshal([]byte(colsJSON), &t.Columns); err != nil {
		return nil, errs.Wrap(errs.Internal, "unmarshaling columns", err)
	}
	if err := json.Unmarshal([]byte(pkJSON), &t.PrimaryKey); err != nil {
		return nil, errs.Wrap(errs.Internal, "unmarshaling primary key", err)
	}
	return &t, nil
}

// ListTableMetaForProject returns every table registered under projectID,
// across all buckets. Used by the workspace engine to enumerate the
// tables a new session must attach read-only.
func (r *Registry) ListTableMetaForProject(ctx context.Context, projectID string) ([]TableMeta, error) {
	rows, err := r.DB().QueryContext(ctx,
		`SELECT project_id, bucket, name, columns_json, primary_key_json, row_count_cache, size_bytes_cache, created_at
		 FROM tables_meta WHERE project_id = ?`, projectID)
	if err != nil {
		return nil, errs.Wrap(errs.IOFailure, "listing tables for project", err)
	}
	defer rows.Close()
	var out []TableMeta
	for rows.Next() {
		var t TableMeta
		var colsJSON, pkJSON string
		if err := rows.Scan(&t.ProjectID, &t.Bucket, &t.Name, &colsJSON, &pkJSON,
			&t.RowCountCache, &t.SizeBytesCache, &t.CreatedAt); err != nil {
			return nil, errs.Wrap(errs.IOFailure, "scanning table metadata", err)
		}
		if err := json.Unmarshal([]byte(colsJSON), &t.Columns); err != nil {
			return nil, errs.Wrap(errs.Internal, "unmarshaling columns", err)
		}
		if err := json.Unmarshal([]byte(pkJSON), &t.PrimaryKey); err != nil {
			return nil, errs.Wrap(errs.Internal, "unmarshaling primary key", err)
		}
		out = append(out, t)
	}
	return out, nil
}

func (r *Registry) UpdateTableCaches(ctx context.Context, projectID, bucket, name string, rowCount, sizeBytes int64) error {
	return r.withWriter(func(db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`UPDATE tables_meta SET row_count_cache = ?, size_bytes_cache = ?
			 WHERE project_id = ? AND bucket = ? AND name = ?`,
			rowCount, sizeBytes, projectID, bucket, name)
		if err != nil {
			return errs.Wrap(errs.IOFailure, "updating table caches", err)
		}
		return nil
	})
}

func (r *Registry) UpdateTableSchema(ctx context.Context, projectID, bucket, name string, cols []Column, pk []string) error {
	colsJSON, err := json.Marshal(cols)
	if err != nil {
		return errs.Wrap(errs.Internal, "marshaling columns", err)
	}
	pkJSON, err := json.Marshal(pk)
	if err != nil {
		return errs.Wrap(errs.Internal, "marshaling primary key", err)
	}
	return r.withWriter(func(db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`UPDATE tables_meta SET columns_json = ?, primary_key_json = ?
			 WHERE project_id = ? AND bucket = ? AND name = ?`,
			string(colsJSON), string(pkJSON), projectID, bucket, name)
		if err != nil {
			return errs.Wrap(errs.IOFailure, "updating table schema", err)
		}
		return nil
	})
}

func (r *Registry) DeleteTableMeta(ctx context.Context, projectID, bucket, name string) error {
	return r.withWriter(func(db *sql.DB) error {
		res, err := db.ExecContext(ctx,
			"DELETE FROM tables_meta WHERE project_id = ? AND bucket = ? AND name = ?", projectID, bucket, name)
		if err != nil {
			return errs.Wrap(errs.IOFailure, "deleting table metadata", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errs.New(errs.NotFound, fmt.Sprintf("table %s.%s not found", bucket, name))
		}
		return nil
	})
}

// ---- Branches & Branch Tables ----

type Branch struct {
	ProjectID string
	BranchID  string
	Name      string
	CreatedAt time.Time
}

func (r *Registry) CreateBranch(ctx context.Context, b Branch) error {
	return r.withWriter(func(db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			"INSERT INTO branches (project_id, branch_id, name, created_at) VALUES (?, ?, ?, ?)",
			b.ProjectID, b.BranchID, b.Name, b.CreatedAt)
		if err != nil {
			return errs.Wrap(errs.Conflict, fmt.Sprintf("branch %q already exists", b.BranchID), err)
		}
		return nil
	})
}

func (r *Registry) DeleteBranch(ctx context.Context, projectID, branchID string) error {
	return r.withWriter(func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return errs.Wrap(errs.IOFailure, "beginning branch delete", err)
		}
		defer tx.Rollback()
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM branch_tables WHERE project_id = ? AND branch_id = ?", projectID, branchID); err != nil {
			return errs.Wrap(errs.IOFailure, "cascading branch table delete", err)
		}
		res, err := tx.ExecContext(ctx,
			"DELETE FROM branches WHERE project_id = ? AND branch_id = ?", projectID, branchID)
		if err != nil {
			return errs.Wrap(errs.IOFailure, "deleting branch", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errs.New(errs.NotFound, fmt.Sprintf("branch %q not found", branchID))
		}
		return tx.Commit()
	})
}

type BranchTable struct {
	ProjectID string
	BranchID  string
	Bucket    string
	Name      string
	Source    string // "main" | "branch" | "branch_only"
}

// GetBranchTable returns nil, nil (not an error) when no row exists — absence
// of a row is meaningful to the branch resolver (live view), not a fault.
func (r *Registry) GetBranchTable(ctx context.Context, projectID, branchID, bucket, name string) (*BranchTable, error) {
	row := r.DB().QueryRowContext(ctx,
		`SELECT project_id, branch_id, bucket, name, source FROM branch_tables
		 WHERE project_id = ? AND branch_id = ? AND bucket = ? AND name = ?`,
		projectID, branchID, bucket, name)
	var bt BranchTable
	if err := row.Scan(&bt.ProjectID, &bt.BranchID, &bt.Bucket, &bt.Name, &bt.Source); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, errs.Wrap(errs.IOFailure, "reading branch table", err)
	}
	return &bt, nil
}

func (r *Registry) InsertBranchTable(ctx context.Context, bt BranchTable) error {
	return r.withWriter(func(db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			"INSERT INTO branch_tables (project_id, branch_id, bucket, name, source) VALUES (?, ?, ?, ?, ?)",
			bt.ProjectID, bt.BranchID, bt.Bucket, bt.Name, bt.Source)
		if err != nil {
			return errs.Wrap(errs.Conflict, "branch table row already exists", err)
		}
		return nil
	})
}

func (r *Registry) DeleteBranchTable(ctx context.Context, projectID, branchID, bucket, name string) error {
	return r.withWriter(func(db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			"DELETE FROM branch_tables WHERE project_id = ? AND branch_id = ? AND bucket = ? AND name = ?",
			projectID, branchID, bucket, name)
		if err != nil {
			return errs.Wrap(errs.IOFailure, "deleting branch table row", err)
		}
		return nil
	})
}

// ---- Snapshots & settings ----

type Snapshot struct {
	ID           string
	ProjectID    string
	Bucket       string
	Name         string
	Kind         string // "manual" | "auto"
	Trigger      string
	CreatedAt    time.Time
	ExpiresAt    time.Time
	RowCount     int64
	SizeBytes    int64
	ArtifactPath string
}

func (r *Registry) CreateSnapshot(ctx context.Context, s Snapshot) error {
	return r.withWriter(func(db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`INSERT INTO snapshots (id, project_id, bucket, name, kind, trigger_name, created_at, expires_at, row_count, size_bytes, artifact_path)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			s.ID, s.ProjectID, s.Bucket, s.Name, s.Kind, s.Trigger, s.CreatedAt, s.ExpiresAt, s.RowCount, s.SizeBytes, s.ArtifactPath)
		if err != nil {
			return errs.Wrap(errs.IOFailure, "recording snapshot", err)
		}
		return nil
	})
}

func (r *Registry) GetSnapshot(ctx context.Context, id string) (*Snapshot, error) {
	row := r.DB().QueryRowContext(ctx,
		`SELECT id, project_id, bucket, name, kind, trigger_name, created_at, expires_at, row_count, size_bytes, artifact_path
		 FROM snapshots WHERE id = ?`, id)
	var s Snapshot
	if err := row.Scan(&s.ID, &s.ProjectID, &s.Bucket, &s.Name, &s.Kind, &s.Trigger,
		&s.CreatedAt, &s.ExpiresAt, &s.RowCount, &s.SizeBytes, &s.ArtifactPath); err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.New(errs.NotFound, "snapshot not found")
		}
		return nil, errs.Wrap(errs.IOFailure, "reading snapshot", err)
	}
	return &s, nil
}

// ExpiredSnapshots returns snapshots whose expires_at has passed, for the
// retention janitor.
func (r *Registry) ExpiredSnapshots(ctx context.Context, now time.Time) ([]Snapshot, error) {
	rows, err := r.DB().QueryContext(ctx,
		`SELECT id, project_id, bucket, name, kind, trigger_name, created_at, expires_at, row_count, size_bytes, artifact_path
		 FROM snapshots WHERE expires_at < ?`, now)
	if err != nil {
		return nil, errs.Wrap(errs.IOFailure, "listing expired snapshots", err)
	}
	defer rows.Close()
	var out []Snapshot
	for rows.Next() {
		var s Snapshot
		if err := rows.Scan(&s.ID, &s.ProjectID, &s.Bucket, &s.Name, &s.Kind, &s.Trigger,
			&s.CreatedAt, &s.ExpiresAt, &s.RowCount, &s.SizeBytes, &s.ArtifactPath); err != nil {
			return nil, errs.Wrap(errs.IOFailure, "scanning expired snapshot", err)
		}
		out = append(out, s)
	}
	return out, nil
}

func (r *Registry) DeleteSnapshot(ctx context.Context, id string) error {
	return r.withWriter(func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, "DELETE FROM snapshots WHERE id = ?", id)
		if err != nil {
			return errs.Wrap(errs.IOFailure, "deleting snapshot row", err)
		}
		return nil
	})
}

// SnapshotScope identifies one level of the settings scope walk.
type SnapshotScope struct {
	Scope   string // "system" | "project" | "bucket" | "table"
	ScopeID string
}

func (r *Registry) SetSnapshotSetting(ctx context.Context, scope SnapshotScope, key, value string) error {
	return r.withWriter(func(db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`REPLACE INTO snapshot_settings (scope, scope_id, setting_key, setting_value) VALUES (?, ?, ?, ?)`,
			scope.Scope, scope.ScopeID, key, value)
		if err != nil {
			return errs.Wrap(errs.IOFailure, "setting snapshot configuration", err)
		}
		return nil
	})
}

// ResolveSnapshotSetting walks scopes table -> bucket -> project -> system,
//, returning the first value found.
func (r *Registry) ResolveSnapshotSetting(ctx context.Context, scopes []SnapshotScope, key string) (string, bool, error) {
	for _, sc := range scopes {
		row := r.DB().QueryRowContext(ctx,
			"SELECT setting_value FROM snapshot_settings WHERE scope = ? AND scope_id = ? AND setting_key = ?",
			sc.Scope, sc.ScopeID, key)
		var v string
		err := row.Scan(&v)
		if err == nil {
			return v, true, nil
		}
		if err != sql.ErrNoRows {
			return "", false, errs.Wrap(errs.IOFailure, "resolving snapshot setting", err)
		}
	}
	return "", false, nil
}

// ---- Files ----

type File struct {
	ID          string
	ProjectID   string
	SizeBytes   int64
	SHA256      string
	MD5         string
	Tags        string
	StoragePath string
	CreatedAt   time.Time
	StagedUntil *time.Time
}

func (r *Registry) CreateFile(ctx context.Context, f File) error {
	return r.withWriter(func(db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`INSERT INTO files (id, project_id, size_bytes, sha256, md5, tags, storage_path, created_at, staged_until)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			f.ID, f.ProjectID, f.SizeBytes, f.SHA256, f.MD5, f.Tags, f.StoragePath, f.CreatedAt, f.StagedUntil)
		if err != nil {
			return errs.Wrap(errs.IOFailure, "recording file", err)
		}
		return nil
	})
}

func (r *Registry) GetFile(ctx context.Context, id string) (*File, error) {
	row := r.DB().QueryRowContext(ctx,
		"SELECT id, project_id, size_bytes, sha256, md5, tags, storage_path, created_at, staged_until FROM files WHERE id = ?", id)
	var f File
	if err := row.Scan(&f.ID, &f.ProjectID, &f.SizeBytes, &f.SHA256, &f.MD5, &f.Tags, &f.StoragePath, &f.CreatedAt, &f.StagedUntil); err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.New(errs.NotFound, "file not found")
		}
		return nil, errs.Wrap(errs.IOFailure, "reading file", err)
	}
	return &f, nil
}

func (r *Registry) DeleteFile(ctx context.Context, id string) error {
	return r.withWriter(func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, "DELETE FROM files WHERE id = ?", id)
		if err != nil {
			return errs.Wrap(errs.IOFailure, "deleting file row", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errs.New(errs.NotFound, "file not found")
		}
		return nil
	})
}

// ListByTag returns the first file row matching tags exactly for projectID,
// or nil, nil if none matches. Used by internal/s3api to resolve an S3 key
// (stored as a file tag) back to its Files Store row.
func (r *Registry) ListByTag(ctx context.Context, projectID, tags string) (*File, error) {
	row := r.DB().QueryRowContext(ctx,
		"SELECT id, project_id, size_bytes, sha256, md5, tags, storage_path, created_at, staged_until FROM files WHERE project_id = ? AND tags = ?",
		projectID, tags)
	var f File
	if err := row.Scan(&f.ID, &f.ProjectID, &f.SizeBytes, &f.SHA256, &f.MD5, &f.Tags, &f.StoragePath, &f.CreatedAt, &f.StagedUntil); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, errs.Wrap(errs.IOFailure, "looking up file by tag", err)
	}
	return &f, nil
}

// ListAllByProject returns every registered (non-staged) file for a project.
func (r *Registry) ListAllByProject(ctx context.Context, projectID string) ([]File, error) {
	rows, err := r.DB().QueryContext(ctx,
		"SELECT id, project_id, size_bytes, sha256, md5, tags, storage_path, created_at, staged_until FROM files WHERE project_id = ? AND staged_until IS NULL",
		projectID)
	if err != nil {
		return nil, errs.Wrap(errs.IOFailure, "listing files for project", err)
	}
	defer rows.Close()
	var out []File
	for rows.Next() {
		var f File
		if err := rows.Scan(&f.ID, &f.ProjectID, &f.SizeBytes, &f.SHA256, &f.MD5, &f.Tags, &f.StoragePath, &f.CreatedAt, &f.StagedUntil); err != nil {
			return nil, errs.Wrap(errs.IOFailure, "scanning file", err)
		}
		out = append(out, f)
	}
	return out, nil
}

// FileQuota reports the current count/bytes for a project. Quota counters
// are derived on demand, never cached as sole truth.
func (r *Registry) FileQuota(ctx context.Context, projectID string) (count int64, bytes int64, err error) {
	row := r.DB().QueryRowContext(ctx,
		"SELECT COUNT(*), COALESCE(SUM(size_bytes), 0) FROM files WHERE project_id = ? AND staged_until IS NULL",
		projectID)
	if scanErr := row.Scan(&count, &bytes); scanErr != nil {
		return 0, 0, errs.Wrap(errs.IOFailure, "computing file quota", scanErr)
	}
	return count, bytes, nil
}

// ---- Workspaces ----

type Workspace struct {
	ID             string
	ProjectID      string
	BranchID       *string
	DBPath         string
	SizeLimitBytes int64
	ExpiresAt      time.Time
	Status         string
}

func (r *Registry) CreateWorkspace(ctx context.Context, w Workspace, username, passwordHash string) error {
	return r.withWriter(func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return errs.Wrap(errs.IOFailure, "beginning workspace create", err)
		}
		defer tx.Rollback()
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO workspaces (id, project_id, branch_id, db_path, size_limit_bytes, expires_at, status)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			w.ID, w.ProjectID, w.BranchID, w.DBPath, w.SizeLimitBytes, w.ExpiresAt, w.Status); err != nil {
			return errs.Wrap(errs.IOFailure, "recording workspace", err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO workspace_credentials (workspace_id, username, password_hash) VALUES (?, ?, ?)",
			w.ID, username, passwordHash); err != nil {
			return errs.Wrap(errs.IOFailure, "recording workspace credentials", err)
		}
		return tx.Commit()
	})
}

func (r *Registry) GetWorkspace(ctx context.Context, id string) (*Workspace, error) {
	row := r.DB().QueryRowContext(ctx,
		"SELECT id, project_id, branch_id, db_path, size_limit_bytes, expires_at, status FROM workspaces WHERE id = ?", id)
	var w Workspace
	if err := row.Scan(&w.ID, &w.ProjectID, &w.BranchID, &w.DBPath, &w.SizeLimitBytes, &w.ExpiresAt, &w.Status); err != nil {
		if err == sql.ErrNoRows {
			return nil, errs.New(errs.NotFound, "workspace not found")
		}
		return nil, errs.Wrap(errs.IOFailure, "reading workspace", err)
	}
	return &w, nil
}

func (r *Registry) GetWorkspaceCredentials(ctx context.Context, workspaceID string) (username, passwordHash string, err error) {
	row := r.DB().QueryRowContext(ctx,
		"SELECT username, password_hash FROM workspace_credentials WHERE workspace_id = ?", workspaceID)
	if scanErr := row.Scan(&username, &passwordHash); scanErr != nil {
		if scanErr == sql.ErrNoRows {
			return "", "", errs.New(errs.NotFound, "workspace credentials not found")
		}
		return "", "", errs.Wrap(errs.IOFailure, "reading workspace credentials", scanErr)
	}
	return username, passwordHash, nil
}

func (r *Registry) ResetWorkspaceCredentials(ctx context.Context, workspaceID, newPasswordHash string) error {
	return r.withWriter(func(db *sql.DB) error {
		res, err := db.ExecContext(ctx,
			"UPDATE workspace_credentials SET password_hash = ? WHERE workspace_id = ?", newPasswordHash, workspaceID)
		if err != nil {
			return errs.Wrap(errs.IOFailure, "resetting workspace credentials", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errs.New(errs.NotFound, "workspace not found")
		}
		return nil
	})
}

// ExpiredWorkspaceIDs returns the ids of active workspaces whose expires_at
// has passed, for the expiry janitor.
func (r *Registry) ExpiredWorkspaceIDs(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := r.DB().QueryContext(ctx,
		"SELECT id FROM workspaces WHERE status = 'active' AND expires_at < ?", now)
	if err != nil {
		return nil, errs.Wrap(errs.IOFailure, "listing expired workspaces", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errs.Wrap(errs.IOFailure, "scanning workspace id", err)
		}
		out = append(out, id)
	}
	return out, nil
}

func (r *Registry) UpdateWorkspaceStatus(ctx context.Context, id, status string) error {
	return r.withWriter(func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, "UPDATE workspaces SET status = ? WHERE id = ?", status, id)
		if err != nil {
			return errs.Wrap(errs.IOFailure, "updating workspace status", err)
		}
		return nil
	})
}

func (r *Registry) DeleteWorkspace(ctx context.Context, id string) error {
	return r.withWriter(func(db *sql.DB) error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return errs.Wrap(errs.IOFailure, "beginning workspace delete", err)
		}
		defer tx.Rollback()
		if _, err := tx.ExecContext(ctx, "DELETE FROM workspace_credentials WHERE workspace_id = ?", id); err != nil {
			return errs.Wrap(errs.IOFailure, "deleting workspace credentials", err)
		}
		res, err := tx.ExecContext(ctx, "DELETE FROM workspaces WHERE id = ?", id)
		if err != nil {
			return errs.Wrap(errs.IOFailure, "deleting workspace", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errs.New(errs.NotFound, "workspace not found")
		}
		return tx.Commit()
	})
}

// ---- Shares & Links ----

// Share grants a target project read access to src_project's bucket. Link
// (below) is the consuming side: it makes the shared bucket appear inside
// the target project. Both rows must exist for a link to be meaningful, but
// the registry does not enforce that relationship — the REST/RPC layer does.
type Share struct {
	SrcProjectID  string
	Bucket        string
	TargetProject string
}

func (r *Registry) CreateShare(ctx context.Context, s Share) error {
	return r.withWriter(func(db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			"INSERT INTO shares (src_project, bucket, target_project) VALUES (?, ?, ?)",
			s.SrcProjectID, s.Bucket, s.TargetProject)
		if err != nil {
			return errs.Wrap(errs.Conflict, "share already exists", err)
		}
		return nil
	})
}

func (r *Registry) DeleteShare(ctx context.Context, srcProjectID, bucket, targetProject string) error {
	return r.withWriter(func(db *sql.DB) error {
		res, err := db.ExecContext(ctx,
			"DELETE FROM shares WHERE src_project = ? AND bucket = ? AND target_project = ?",
			srcProjectID, bucket, targetProject)
		if err != nil {
			return errs.Wrap(errs.IOFailure, "deleting share", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errs.New(errs.NotFound, "share not found")
		}
		return nil
	})
}

// Link is the target-project-side row: src_bucket from src_project appears
// as bucket inside target_project. Reads go through to the source; writes
// against a linked bucket are denied by the caller .
type Link struct {
	TargetProject string
	Bucket        string
	SrcProjectID  string
	SrcBucket     string
}

func (r *Registry) CreateLink(ctx context.Context, l Link) error {
	return r.withWriter(func(db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			"INSERT INTO links (target_project, bucket, src_project, src_bucket) VALUES (?, ?, ?, ?)",
			l.TargetProject, l.Bucket, l.SrcProjectID, l.SrcBucket)
		if err != nil {
			return errs.Wrap(errs.Conflict, "link already exists", err)
		}
		return nil
	})
}

// GetLink returns nil, nil when bucket is not a link inside targetProject —
// absence means the bucket is (or would be) a local bucket, not a fault.
func (r *Registry) GetLink(ctx context.Context, targetProject, bucket string) (*Link, error) {
	row := r.DB().QueryRowContext(ctx,
		"SELECT target_project, bucket, src_project, src_bucket FROM links WHERE target_project = ? AND bucket = ?",
		targetProject, bucket)
	var l Link
	if err := row.Scan(&l.TargetProject, &l.Bucket, &l.SrcProjectID, &l.SrcBucket); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, errs.Wrap(errs.IOFailure, "reading link", err)
	}
	return &l, nil
}

func (r *Registry) DeleteLink(ctx context.Context, targetProject, bucket string) error {
	return r.withWriter(func(db *sql.DB) error {
		res, err := db.ExecContext(ctx,
			"DELETE FROM links WHERE target_project = ? AND bucket = ?", targetProject, bucket)
		if err != nil {
			return errs.Wrap(errs.IOFailure, "deleting link", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errs.New(errs.NotFound, "link not found")
		}
		return nil
	})
}

// HasShare reports whether srcProject has shared bucket with targetProject —
// the access-control half of the link relationship.
func (r *Registry) HasShare(ctx context.Context, srcProject, bucket, targetProject string) (bool, error) {
	row := r.DB().QueryRowContext(ctx,
		"SELECT 1 FROM shares WHERE src_project = ? AND bucket = ? AND target_project = ?",
		srcProject, bucket, targetProject)
	var one int
	if err := row.Scan(&one); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, errs.Wrap(errs.IOFailure, "checking share", err)
	}
	return true, nil
}

// ---- PG-wire sessions ----

type PGSession struct {
	SessionID      string
	WorkspaceID    string
	ClientAddr     string
	ConnectedAt    time.Time
	LastActivityAt time.Time
}

func (r *Registry) CreatePGSession(ctx context.Context, s PGSession) error {
	return r.withWriter(func(db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`INSERT INTO pg_sessions (session_id, workspace_id, client_addr, connected_at, last_activity_at)
			 VALUES (?, ?, ?, ?, ?)`,
			s.SessionID, s.WorkspaceID, s.ClientAddr, s.ConnectedAt, s.LastActivityAt)
		if err != nil {
			return errs.Wrap(errs.IOFailure, "recording pg session", err)
		}
		return nil
	})
}

func (r *Registry) TouchPGSession(ctx context.Context, sessionID string, now time.Time) error {
	return r.withWriter(func(db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			"UPDATE pg_sessions SET last_activity_at = ? WHERE session_id = ?", now, sessionID)
		if err != nil {
			return errs.Wrap(errs.IOFailure, "touching pg session", err)
		}
		return nil
	})
}

func (r *Registry) DeletePGSession(ctx context.Context, sessionID string) error {
	return r.withWriter(func(db *sql.DB) error {
		_, err := db.ExecContext(ctx, "DELETE FROM pg_sessions WHERE session_id = ?", sessionID)
		if err != nil {
			return errs.Wrap(errs.IOFailure, "deleting pg session", err)
		}
		return nil
	})
}

func (r *Registry) ListPGSessionsForWorkspace(ctx context.Context, workspaceID string) ([]PGSession, error) {
	rows, err := r.DB().QueryContext(ctx,
		"SELECT session_id, workspace_id, client_addr, connected_at, last_activity_at FROM pg_sessions WHERE workspace_id = ?",
		workspaceID)
	if err != nil {
		return nil, errs.Wrap(errs.IOFailure, "listing pg sessions", err)
	}
	defer rows.Close()
	var out []PGSession
	for rows.Next() {
		var s PGSession
		if err := rows.Scan(&s.SessionID, &s.WorkspaceID, &s.ClientAddr, &s.ConnectedAt, &s.LastActivityAt); err != nil {
			return nil, errs.Wrap(errs.IOFailure, "scanning pg session", err)
		}
		out = append(out, s)
	}
	return out, nil
}

// ---- Idempotency cache ----

const idempotencyTTL = 10 * time.Minute

func (r *Registry) GetIdempotent(ctx context.Context, key string) (fingerprint, body string, status int, found bool, err error) {
	row := r.DB().QueryRowContext(ctx,
		"SELECT request_fingerprint, response_body, status_code, inserted_at FROM idempotency_cache WHERE idem_key = ?", key)
	var insertedAt time.Time
	if scanErr := row.Scan(&fingerprint, &body, &status, &insertedAt); scanErr != nil {
		if scanErr == sql.ErrNoRows {
			return "", "", 0, false, nil
		}
		return "", "", 0, false, errs.Wrap(errs.IOFailure, "reading idempotency cache", scanErr)
	}
	if time.Since(insertedAt) > idempotencyTTL {
		return "", "", 0, false, nil
	}
	return fingerprint, body, status, true, nil
}

func (r *Registry) PutIdempotent(ctx context.Context, key, fingerprint, body string, status int, now time.Time) error {
	return r.withWriter(func(db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`REPLACE INTO idempotency_cache (idem_key, request_fingerprint, response_body, status_code, inserted_at)
			 VALUES (?, ?, ?, ?, ?)`,
			key, fingerprint, body, status, now)
		if err != nil {
			return errs.Wrap(errs.IOFailure, "writing idempotency cache", err)
		}
		return nil
	})
}

// SweepExpiredIdempotency evicts cache rows past the 10-minute TTL. Intended
// to be called periodically by a single background eviction task.
func (r *Registry) SweepExpiredIdempotency(ctx context.Context, now time.Time) (int64, error) {
	var affected int64
	err := r.withWriter(func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, "DELETE FROM idempotency_cache WHERE inserted_at < ?", now.Add(-idempotencyTTL))
		if err != nil {
			return errs.Wrap(errs.IOFailure, "sweeping idempotency cache", err)
		}
		affected, _ = res.RowsAffected()
		return nil
	})
	return affected, err
}
