// Package snapshot implements the snapshot engine: trigger/retention
// configuration resolution, artifact creation, restore, and expiry.
//
// The compressed columnar dump reuses internal/importexport's parquet
// writer rather than reimplementing a serializer: a snapshot artifact is
// exactly what the export path already produces.
package snapshot

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/keboola/storage-backend/internal/errs"
	"github.com/keboola/storage-backend/internal/importexport"
	"github.com/keboola/storage-backend/internal/layout"
	"github.com/keboola/storage-backend/internal/lockmgr"
	"github.com/keboola/storage-backend/internal/registry"
)

const (
	defaultAutoRetentionDays   = 7
	defaultManualRetentionDays = 90
)

// Trigger names recognised by default; the configuration may define more.
const (
	TriggerDropTable   = "drop_table"
	TriggerDropColumn  = "drop_column"
	TriggerTruncate    = "truncate"
)

type settingsStore interface {
	ResolveSnapshotSetting(ctx context.Context, scopes []registry.SnapshotScope, key string) (string, bool, error)
}

type snapshotStore interface {
	CreateSnapshot(ctx context.Context, s registry.Snapshot) error
	GetSnapshot(ctx context.Context, id string) (*registry.Snapshot, error)
	DeleteSnapshot(ctx context.Context, id string) error
	ExpiredSnapshots(ctx context.Context, now time.Time) ([]registry.Snapshot, error)
}

// Engine coordinates snapshot creation, restore, and expiry against one
// project's table files.
type Engine struct {
	root  *layout.Root
	reg   interface {
		settingsStore
		snapshotStore
	}
	locks *lockmgr.Manager
}

func New(root *layout.Root, reg interface {
	settingsStore
	snapshotStore
}, locks *lockmgr.Manager) *Engine {
	return &Engine{root: root, reg: reg, locks: locks}
}

// scopesFor builds the table -> bucket -> project -> system scope walk
// used for configuration resolution.
func scopesFor(project, bucket, table string) []registry.SnapshotScope {
	return []registry.SnapshotScope{
		{Scope: "table", ScopeID: fmt.Sprintf("%s/%s/%s", project, bucket, table)},
		{Scope: "bucket", ScopeID: fmt.Sprintf("%s/%s", project, bucket)},
		{Scope: "project", ScopeID: project},
		{Scope: "system", ScopeID: "global"},
	}
}

// ShouldTrigger resolves whether an auto-snapshot trigger is enabled for
// this table, defaulting drop_table to enabled when unconfigured.
func (e *Engine) ShouldTrigger(ctx context.Context, project, bucket, table, trigger string) (bool, error) {
	v, found, err := e.reg.ResolveSnapshotSetting(ctx, scopesFor(project, bucket, table), "trigger:"+trigger)
	if err != nil {
		return false, err
	}
	if !found {
		return trigger == TriggerDropTable, nil
	}
	return v == "true" || v == "1", nil
}

func (e *Engine) retentionDays(ctx context.Context, project, bucket, table string, kind string) (int, error) {
	key := "manual_retention_days"
	def := defaultManualRetentionDays
	if kind == "auto" {
		key = "auto_retention_days"
		def = defaultAutoRetentionDays
	}
	v, found, err := e.reg.ResolveSnapshotSetting(ctx, scopesFor(project, bucket, table), key)
	if err != nil {
		return 0, err
	}
	if !found {
		return def, nil
	}
	var days int
	if _, err := fmt.Sscanf(v, "%d", &days); err != nil {
		return def, nil
	}
	return days, nil
}

// artifactMetadata is the metadata.json written alongside the columnar dump.
type artifactMetadata struct {
	Table      string            `json:"table"`
	Columns    []string          `json:"columns"`
	RowCount   int64             `json:"row_count"`
	Schema     []registry.Column `json:"schema"`
	PrimaryKey []string          `json:"primary_key,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	SHA256     string            `json:"sha256"` // of the data file, for restore-time verification
}

// Create dumps the table to a new artifact directory and records a
// Snapshots row. kind is "auto" or "manual"; trigger is the auto-trigger
// name (empty for manual).
func (e *Engine) Create(ctx context.Context, pipeline *importexport.Pipeline, project, bucket, table string, schema []registry.Column, primaryKey []string, kind, trigger string) (*registry.Snapshot, error) {
	id := uuid.NewString()
	dir := e.root.SnapshotDir(project, table, id)
	if err := os.MkdirAll(dir, layout.DirPerm); err != nil {
		return nil, errs.Wrap(errs.IOFailure, "creating snapshot artifact directory", err)
	}

	codec, found, err := e.reg.ResolveSnapshotSetting(ctx, scopesFor(project, bucket, table), "codec")
	if err != nil {
		return nil, err
	}
	if !found {
		codec = "zstd"
	}

	dataPath := filepath.Join(dir, "data.parquet")
	dataFile, err := os.Create(dataPath)
	if err != nil {
		return nil, errs.Wrap(errs.IOFailure, "creating snapshot data file", err)
	}
	dst := importexport.NewColumnarDestination(dataFile)
	if err := pipeline.ExportColumnar(ctx, table, importexport.ExportOptions{Compression: codec}, dst); err != nil {
		dataFile.Close()
		return nil, err
	}
	if err := dataFile.Close(); err != nil {
		return nil, errs.Wrap(errs.IOFailure, "closing snapshot data file", err)
	}

	sum, err := sha256File(dataPath)
	if err != nil {
		return nil, err
	}
	dataInfo, err := os.Stat(dataPath)
	if err != nil {
		return nil, errs.Wrap(errs.IOFailure, "sizing snapshot data file", err)
	}

	rowCount, err := pipeline.CountRows(ctx, table)
	if err != nil {
		return nil, err
	}

	meta := artifactMetadata{
		Table:      table,
		Schema:     schema,
		PrimaryKey: primaryKey,
		RowCount:   rowCount,
		CreatedAt:  time.Now(),
		SHA256:     sum,
	}
	metaBytes, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "marshaling snapshot metadata", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "metadata.json"), metaBytes, 0o644); err != nil {
		return nil, errs.Wrap(errs.IOFailure, "writing snapshot metadata", err)
	}

	days, err := e.retentionDays(ctx, project, bucket, table, kind)
	if err != nil {
		return nil, err
	}

	snap := registry.Snapshot{
		ID: id, ProjectID: project, Bucket: bucket, Name: table,
		Kind: kind, Trigger: trigger,
		CreatedAt: time.Now(), ExpiresAt: time.Now().AddDate(0, 0, days),
		RowCount: meta.RowCount, SizeBytes: dataInfo.Size(), ArtifactPath: dir,
	}
	if err := e.reg.CreateSnapshot(ctx, snap); err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	return &snap, nil
}

// Expire deletes artifact+registry rows past expiry. The
// artifact is removed before the registry row; a failed artifact removal
// leaves the row for the next cycle.
func (e *Engine) Expire(ctx context.Context, now time.Time) (int, error) {
	expired, err := e.reg.ExpiredSnapshots(ctx, now)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, s := range expired {
		if err := os.RemoveAll(s.ArtifactPath); err != nil {
			continue
		}
		if err := e.reg.DeleteSnapshot(ctx, s.ID); err != nil {
			continue
		}
		removed++
	}
	return removed, nil
}

func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errs.Wrap(errs.IOFailure, "opening file for checksum", err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", errs.Wrap(errs.IOFailure, "hashing file", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}


// Restore recreates table from the artifact at artifactDir and atomically
// swaps it in place of the table's current ADE file at targetPath:
// recreate the table from the artifact's schema, load the artifact data,
// swap atomically. Caller must already hold the table lock.
//
// newEngine opens an ADE file at a path, matching internal/engine.Open's
// signature loosely enough that this package doesn't import internal/engine
// directly (which would create an import cycle with internal/core, which
// wires both). internal/core supplies the closure.
func Restore(ctx context.Context, artifactDir, targetPath string, openEngine func(ctx context.Context, path string) (*sql.DB, func() error, error)) error {
	meta, err := VerifyArtifact(artifactDir)
	if err != nil {
		return err
	}

	tmpPath := targetPath + ".restore.tmp"
	if err := os.RemoveAll(tmpPath); err != nil {
		return errs.Wrap(errs.IOFailure, "clearing restore staging path", err)
	}

	db, closeFn, err := openEngine(ctx, tmpPath)
	if err != nil {
		return errs.Wrap(errs.IOFailure, "opening restore staging file", err)
	}

	restoreErr := func() error {
		var colDefs []string
		for _, c := range meta.Schema {
			nullability := "NOT NULL"
			if c.Nullable {
				nullability = "NULL"
			}
			colDefs = append(colDefs, fmt.Sprintf("`%s` %s %s", c.Name, c.Type, nullability))
		}
		if len(colDefs) == 0 {
			return errs.New(errs.FailedPrecondition, "snapshot artifact schema is empty")
		}
		if len(meta.PrimaryKey) > 0 {
			quoted := make([]string, len(meta.PrimaryKey))
			for i, c := range meta.PrimaryKey {
				quoted[i] = fmt.Sprintf("`%s`", c)
			}
			colDefs = append(colDefs, fmt.Sprintf("PRIMARY KEY (%s)", strings.Join(quoted, ", ")))
		}
		if _, err := db.ExecContext(ctx, fmt.Sprintf("CREATE TABLE `%s` (%s)", meta.Table, strings.Join(colDefs, ", "))); err != nil {
			return errs.Wrap(errs.IOFailure, "recreating table from snapshot schema", err)
		}

		columns := make([]string, len(meta.Schema))
		for i, c := range meta.Schema {
			columns[i] = c.Name
		}
		pipeline := importexport.New(db)
		if _, err := pipeline.ImportColumnar(ctx, filepath.Join(artifactDir, "data.parquet"), meta.Table, columns); err != nil {
			return err
		}
		return nil
	}()

	if closeErr := closeFn(); closeErr != nil && restoreErr == nil {
		restoreErr = errs.Wrap(errs.IOFailure, "closing restore staging file", closeErr)
	}
	if restoreErr != nil {
		os.RemoveAll(tmpPath)
		return restoreErr
	}

	if err := os.RemoveAll(targetPath); err != nil {
		os.RemoveAll(tmpPath)
		return errs.Wrap(errs.IOFailure, "removing current table file before restore swap", err)
	}
	if err := os.Rename(tmpPath, targetPath); err != nil {
		return errs.Wrap(errs.IOFailure, "swapping restored table file into place", err)
	}
	return nil
}

// VerifyArtifact checks the artifact's recorded checksum against the file
// on disk
// missing or corrupt (checksum must match)").
func VerifyArtifact(dir string) (*artifactMetadata, error) {
	metaBytes, err := os.ReadFile(filepath.Join(dir, "metadata.json"))
	if err != nil {
		return nil, errs.Wrap(errs.NotFound, "snapshot artifact metadata missing", err)
	}
	var meta artifactMetadata
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		return nil, errs.Wrap(errs.Internal, "parsing snapshot artifact metadata", err)
	}
	sum, err := sha256File(filepath.Join(dir, "data.parquet"))
	if err != nil {
		return nil, err
	}
	if sum != meta.SHA256 {
		return nil, errs.New(errs.FailedPrecondition, "snapshot artifact checksum mismatch")
	}
	return &meta, nil
}
