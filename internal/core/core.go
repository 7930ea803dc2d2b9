// Package core is the lifecycle-owned value that replaces global mutable
// state: every component (registry connection, lock table, resolver,
// engines) is constructed once at startup and held here, then passed
// explicitly to the transport adapters (REST, RPC bridge, PG-wire) instead
// of living behind package-level singletons.
//
// It also carries the operation-level glue between components (lock ->
// resolve -> act -> record): each exported method here acquires the right
// lock, resolves the right file, opens an internal/engine connection against
// it, calls the component that does the work, and updates the registry, in
// that order, so restapi and rpcbridge handlers don't each reimplement it.
package core

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/keboola/storage-backend/internal/auth"
	"github.com/keboola/storage-backend/internal/config"
	"github.com/keboola/storage-backend/internal/engine"
	"github.com/keboola/storage-backend/internal/errs"
	"github.com/keboola/storage-backend/internal/filesstore"
	"github.com/keboola/storage-backend/internal/importexport"
	"github.com/keboola/storage-backend/internal/layout"
	"github.com/keboola/storage-backend/internal/lockmgr"
	"github.com/keboola/storage-backend/internal/obslog"
	"github.com/keboola/storage-backend/internal/registry"
	"github.com/keboola/storage-backend/internal/resolver"
	"github.com/keboola/storage-backend/internal/rpcbridge"
	"github.com/keboola/storage-backend/internal/s3api"
	"github.com/keboola/storage-backend/internal/snapshot"
	"github.com/keboola/storage-backend/internal/tableengine"
	"github.com/keboola/storage-backend/internal/workspace"
)

// Core wires every component together behind one lifecycle-owned value.
type Core struct {
	Config *config.Config

	Registry   *registry.Registry
	Layout     *layout.Root
	Locks      *lockmgr.Manager
	Auth       *auth.Authenticator
	Resolver   *resolver.Resolver
	Snapshot   *snapshot.Engine
	Files      *filesstore.Store
	S3         *s3api.Adapter
	Workspaces *workspace.Engine
	RPCBridge  *rpcbridge.Bridge
}

// New opens the registry and wires every component against it. Callers
// (cmd/storagectl) are responsible for
// starting the REST and PG-wire transports against the returned Core and for
// calling Close on shutdown.
func New(ctx context.Context, cfg *config.Config) (*Core, error) {
	if err := os.MkdirAll(cfg.DataDir, layout.DirPerm); err != nil {
		return nil, errs.Wrap(errs.IOFailure, "creating data root", err)
	}

	reg, err := registry.Open(ctx, cfg.DataDir)
	if err != nil {
		return nil, err
	}

	root := layout.New(cfg.DataDir)
	locks := lockmgr.New(reg)
	authenticator := auth.New(cfg.AdminAPIKey, reg)
	res := resolver.New(root, reg, locks)
	snap := snapshot.New(root, reg, locks)
	files := filesstore.New(root, reg)
	s3 := s3api.New(files, reg)
	ws := workspace.New(root, reg, res)
	bridge := rpcbridge.New(cfg.JWTSecret)

	c := &Core{
		Config:     cfg,
		Registry:   reg,
		Layout:     root,
		Locks:      locks,
		Auth:       authenticator,
		Resolver:   res,
		Snapshot:   snap,
		Files:      files,
		S3:         s3,
		Workspaces: ws,
		RPCBridge:  bridge,
	}
	c.registerRPCHandlers()
	return c, nil
}

// Close releases the registry's ADE connection. Per-table connections are
// opened and closed within the lifetime of a single operation, so there is
// nothing else to release here.
func (c *Core) Close() error {
	return c.Registry.Close()
}

// ---- Projects / keys ----

func (c *Core) CreateProject(ctx context.Context, name, description string) (*registry.Project, error) {
	p := registry.Project{ID: uuid.NewString(), Name: name, Description: description, CreatedAt: time.Now()}
	if err := c.Registry.CreateProject(ctx, p); err != nil {
		return nil, err
	}
	return &p, nil
}

// DeleteProject cascade-deletes the registry rows then removes the
// project's directory tree (both branches) from disk.
func (c *Core) DeleteProject(ctx context.Context, projectID string) error {
	if err := c.Registry.DeleteProject(ctx, projectID); err != nil {
		return err
	}
	_ = os.RemoveAll(c.Layout.ProjectDir(projectID, layout.DefaultBranch))
	entries, _ := os.ReadDir(c.Config.DataDir)
	prefix := fmt.Sprintf("project_%s_branch_", projectID)
	for _, e := range entries {
		if e.IsDir() && len(e.Name()) >= len(prefix) && e.Name()[:len(prefix)] == prefix {
			_ = os.RemoveAll(filepath.Join(c.Config.DataDir, e.Name()))
		}
	}
	return nil
}

func (c *Core) CreateAPIKey(ctx context.Context, projectID, description, scopes string) (plaintext string, err error) {
	plaintext = "proj_" + projectID + "_admin_" + uuid.NewString()
	k := registry.APIKey{
		KeyHash: auth.HashKey(plaintext), ProjectID: projectID,
		Description: description, Scopes: scopes, CreatedAt: time.Now(),
	}
	if err := c.Registry.CreateAPIKey(ctx, k); err != nil {
		return "", err
	}
	return plaintext, nil
}

func (c *Core) RevokeAPIKey(ctx context.Context, plaintext string) error {
	return c.Registry.RevokeAPIKey(ctx, auth.HashKey(plaintext))
}

// ---- Buckets / branches ----

func (c *Core) CreateBucket(ctx context.Context, projectID, stage, name string) (*registry.Bucket, error) {
	b := registry.Bucket{ProjectID: projectID, Stage: stage, Name: name, CreatedAt: time.Now()}
	if err := c.Registry.CreateBucket(ctx, b); err != nil {
		return nil, err
	}
	dir := c.Layout.BucketDir(projectID, layout.DefaultBranch, layout.BucketSchemaName(stage, name))
	if err := os.MkdirAll(dir, layout.DirPerm); err != nil {
		_ = c.Registry.DeleteBucket(ctx, projectID, stage, name)
		return nil, errs.Wrap(errs.IOFailure, "creating bucket directory", err)
	}
	return &b, nil
}

func (c *Core) DeleteBucket(ctx context.Context, projectID, stage, name string) error {
	if err := c.Registry.DeleteBucket(ctx, projectID, stage, name); err != nil {
		return err
	}
	dir := c.Layout.BucketDir(projectID, layout.DefaultBranch, layout.BucketSchemaName(stage, name))
	_ = os.RemoveAll(dir)
	return nil
}

// ---- Shares & Links ----

// CreateShare grants targetProject read access to bucket inside
// srcProjectID. It does not by itself make the bucket visible anywhere —
// the target project still has to CreateLink to consume it.
func (c *Core) CreateShare(ctx context.Context, srcProjectID, bucket, targetProject string) error {
	return c.Registry.CreateShare(ctx, registry.Share{SrcProjectID: srcProjectID, Bucket: bucket, TargetProject: targetProject})
}

func (c *Core) DeleteShare(ctx context.Context, srcProjectID, bucket, targetProject string) error {
	return c.Registry.DeleteShare(ctx, srcProjectID, bucket, targetProject)
}

// CreateLink makes srcBucket from srcProjectID appear inside targetProject
// under bucket. Fails if srcProjectID has not shared srcBucket with
// targetProject first — linking without a share would otherwise let any
// project read any other project's data by guessing bucket names.
func (c *Core) CreateLink(ctx context.Context, targetProject, bucket, srcProjectID, srcBucket string) error {
	shared, err := c.Registry.HasShare(ctx, srcProjectID, srcBucket, targetProject)
	if err != nil {
		return err
	}
	if !shared {
		return errs.New(errs.PermissionDenied, "source project has not shared this bucket with the target project")
	}
	return c.Registry.CreateLink(ctx, registry.Link{
		TargetProject: targetProject, Bucket: bucket, SrcProjectID: srcProjectID, SrcBucket: srcBucket,
	})
}

func (c *Core) DeleteLink(ctx context.Context, targetProject, bucket string) error {
	return c.Registry.DeleteLink(ctx, targetProject, bucket)
}

func (c *Core) CreateBranch(ctx context.Context, projectID, branchID, name string) error {
	if branchID == layout.DefaultBranch {
		return errs.New(errs.InvalidArgument, `branch id "default" is reserved`)
	}
	return c.Registry.CreateBranch(ctx, registry.Branch{ProjectID: projectID, BranchID: branchID, Name: name, CreatedAt: time.Now()})
}

// DeleteBranch cascade-deletes the registry's branch_tables rows then
// removes the branch's entire directory tree
func (c *Core) DeleteBranch(ctx context.Context, projectID, branchID string) error {
	if err := c.Registry.DeleteBranch(ctx, projectID, branchID); err != nil {
		return err
	}
	_ = os.RemoveAll(c.Layout.ProjectDir(projectID, branchID))
	return nil
}

// ---- Table-scoped operation plumbing ----

// tableHandle is an opened ADE connection against a resolved table path,
// plus everything needed to release it and, for non-read intents, the
// table lock held for its duration.
type tableHandle struct {
	eng      *engine.Engine
	release  func()
	resolved resolver.Resolution
}

// openTable resolves (project, branch, bucket, table) and opens an engine
// connection against the result. For read intents this opens read-only and
// takes no lock (reads bypass the lock manager); for every other intent it
// acquires the table lock first and holds
// it until the caller calls the returned release func.
func (c *Core) openTable(ctx context.Context, project, branch, bucket, table string, intent resolver.Intent) (*tableHandle, error) {
	link, err := c.Registry.GetLink(ctx, project, bucket)
	if err != nil {
		return nil, err
	}
	if link != nil {
		if intent != resolver.IntentRead {
			return nil, errs.New(errs.PermissionDenied, "writes against a linked bucket are denied")
		}
		project, bucket = link.SrcProjectID, link.SrcBucket
		branch = layout.DefaultBranch
	}

	if intent == resolver.IntentRead {
		res, err := c.Resolver.Resolve(ctx, project, branch, bucket, table, intent)
		if err != nil {
			return nil, err
		}
		eng, err := engine.Open(ctx, engine.Config{
			Path: res.Path, Database: "main",
			CommitterName: "table-engine", CommitterEmail: "table-engine@localhost",
			ReadOnly: true,
		}, nil)
		if err != nil {
			return nil, err
		}
		return &tableHandle{eng: eng, release: func() { _ = eng.Close() }, resolved: res}, nil
	}

	release, err := c.Locks.Acquire(ctx, lockmgr.Key{Project: project, Branch: branch, Bucket: bucket, Table: table})
	if err != nil {
		return nil, err
	}

	res, err := c.Resolver.Resolve(ctx, project, branch, bucket, table, intent)
	if err != nil {
		release()
		return nil, err
	}

	eng, err := engine.Open(ctx, engine.Config{
		Path: res.Path, Database: "main",
		CommitterName: "table-engine", CommitterEmail: "table-engine@localhost",
	}, nil)
	if err != nil {
		release()
		return nil, err
	}

	return &tableHandle{
		eng: eng,
		release: func() {
			_ = eng.Close()
			release()
		},
		resolved: res,
	}, nil
}

func (h *tableHandle) Close() { h.release() }

// ---- Table engine ----

// CreateTable creates bucket.table with the given schema both in the ADE
// file and in the registry
func (c *Core) CreateTable(ctx context.Context, project, branch, bucket, table string, columns []registry.Column, primaryKey []string) error {
	h, err := c.openTable(ctx, project, branch, bucket, table, resolver.IntentCreate)
	if err != nil {
		return err
	}
	defer h.Close()

	te := tableengine.New(h.eng.DB())
	if err := te.CreateTable(ctx, table, columns, primaryKey); err != nil {
		return err
	}

	if branch == "" || branch == layout.DefaultBranch {
		return c.Registry.CreateTableMeta(ctx, registry.TableMeta{
			ProjectID: project, Bucket: bucket, Name: table,
			Columns: columns, PrimaryKey: primaryKey, CreatedAt: time.Now(),
		})
	}
	return nil
}

// DropTable auto-snapshots (if the drop_table trigger is enabled for this
// scope) before removing the table.
func (c *Core) DropTable(ctx context.Context, project, branch, bucket, table string) error {
	meta, err := c.Registry.GetTableMeta(ctx, project, bucket, table)
	if err != nil {
		return err
	}

	if ok, err := c.Snapshot.ShouldTrigger(ctx, project, bucket, table, snapshot.TriggerDropTable); err != nil {
		return err
	} else if ok {
		if _, err := c.createSnapshotLocked(ctx, project, branch, bucket, table, meta.Columns, meta.PrimaryKey, "auto", snapshot.TriggerDropTable); err != nil {
			return err
		}
	}

	h, err := c.openTable(ctx, project, branch, bucket, table, resolver.IntentDrop)
	if err != nil {
		return err
	}
	defer h.Close()

	if err := tableengine.New(h.eng.DB()).DropTable(ctx, table); err != nil {
		return err
	}
	return c.Registry.DeleteTableMeta(ctx, project, bucket, table)
}

func (c *Core) AddColumn(ctx context.Context, project, branch, bucket, table string, col registry.Column) error {
	h, err := c.openTable(ctx, project, branch, bucket, table, resolver.IntentWrite)
	if err != nil {
		return err
	}
	defer h.Close()

	if err := tableengine.New(h.eng.DB()).AddColumn(ctx, table, col); err != nil {
		return err
	}
	meta, err := c.Registry.GetTableMeta(ctx, project, bucket, table)
	if err != nil {
		return nil // branch-only table with no main-line registry row yet
	}
	return c.Registry.UpdateTableSchema(ctx, project, bucket, table, append(meta.Columns, col), meta.PrimaryKey)
}

// DropColumn auto-snapshots if drop_column triggers are configured, then
// removes the column from both the ADE file and the registry's schema
// record
func (c *Core) DropColumn(ctx context.Context, project, branch, bucket, table, column string) error {
	meta, err := c.Registry.GetTableMeta(ctx, project, bucket, table)
	if err == nil {
		for _, pk := range meta.PrimaryKey {
			if pk == column {
				return errs.New(errs.FailedPrecondition, fmt.Sprintf("column %q is a primary key member", column))
			}
		}
		if ok, triggerErr := c.Snapshot.ShouldTrigger(ctx, project, bucket, table, snapshot.TriggerDropColumn); triggerErr != nil {
			return triggerErr
		} else if ok {
			if _, err := c.createSnapshotLocked(ctx, project, branch, bucket, table, meta.Columns, meta.PrimaryKey, "auto", snapshot.TriggerDropColumn); err != nil {
				return err
			}
		}
	}

	h, err := c.openTable(ctx, project, branch, bucket, table, resolver.IntentWrite)
	if err != nil {
		return err
	}
	defer h.Close()

	if err := tableengine.New(h.eng.DB()).DropColumn(ctx, table, column); err != nil {
		return err
	}
	if meta == nil {
		return nil
	}
	remaining := make([]registry.Column, 0, len(meta.Columns))
	for _, col := range meta.Columns {
		if col.Name != column {
			remaining = append(remaining, col)
		}
	}
	return c.Registry.UpdateTableSchema(ctx, project, bucket, table, remaining, meta.PrimaryKey)
}

func (c *Core) AlterColumn(ctx context.Context, project, branch, bucket, table, column, newName, newType string) error {
	h, err := c.openTable(ctx, project, branch, bucket, table, resolver.IntentWrite)
	if err != nil {
		return err
	}
	defer h.Close()
	return tableengine.New(h.eng.DB()).AlterColumn(ctx, table, column, newName, newType)
}

func (c *Core) AddPrimaryKey(ctx context.Context, project, branch, bucket, table string, columns []string) error {
	h, err := c.openTable(ctx, project, branch, bucket, table, resolver.IntentWrite)
	if err != nil {
		return err
	}
	defer h.Close()

	if err := tableengine.New(h.eng.DB()).AddPrimaryKey(ctx, table, columns); err != nil {
		return err
	}
	meta, err := c.Registry.GetTableMeta(ctx, project, bucket, table)
	if err != nil {
		return nil
	}
	return c.Registry.UpdateTableSchema(ctx, project, bucket, table, meta.Columns, columns)
}

func (c *Core) DropPrimaryKey(ctx context.Context, project, branch, bucket, table string) error {
	h, err := c.openTable(ctx, project, branch, bucket, table, resolver.IntentWrite)
	if err != nil {
		return err
	}
	defer h.Close()

	if err := tableengine.New(h.eng.DB()).DropPrimaryKey(ctx, table); err != nil {
		return err
	}
	meta, err := c.Registry.GetTableMeta(ctx, project, bucket, table)
	if err != nil {
		return nil
	}
	return c.Registry.UpdateTableSchema(ctx, project, bucket, table, meta.Columns, nil)
}

// DeleteRows auto-snapshots first if predicate is match-all and the
// truncate trigger is enabled.
func (c *Core) DeleteRows(ctx context.Context, project, branch, bucket, table, predicate string) (int64, error) {
	if tableengine.IsMatchAllPredicate(predicate) {
		meta, err := c.Registry.GetTableMeta(ctx, project, bucket, table)
		if err == nil {
			if ok, triggerErr := c.Snapshot.ShouldTrigger(ctx, project, bucket, table, snapshot.TriggerTruncate); triggerErr != nil {
				return 0, triggerErr
			} else if ok {
				if _, err := c.createSnapshotLocked(ctx, project, branch, bucket, table, meta.Columns, meta.PrimaryKey, "auto", snapshot.TriggerTruncate); err != nil {
					return 0, err
				}
			}
		}
	}

	h, err := c.openTable(ctx, project, branch, bucket, table, resolver.IntentWrite)
	if err != nil {
		return 0, err
	}
	defer h.Close()

	n, err := tableengine.New(h.eng.DB()).DeleteRows(ctx, table, predicate)
	if err != nil {
		return 0, err
	}
	_ = c.Registry.UpdateTableCaches(ctx, project, bucket, table, -1, -1) // invalidate caches; recomputed on next read
	return n, nil
}

func (c *Core) Preview(ctx context.Context, project, branch, bucket, table string, columns []string, limit, offset int) (*tableengine.PreviewResult, error) {
	meta, err := c.Registry.GetTableMeta(ctx, project, bucket, table)
	var pk []string
	if err == nil {
		pk = meta.PrimaryKey
	}

	h, err := c.openTable(ctx, project, branch, bucket, table, resolver.IntentRead)
	if err != nil {
		return nil, err
	}
	defer h.Close()
	return tableengine.New(h.eng.DB()).Preview(ctx, table, columns, pk, limit, offset)
}

func (c *Core) Profile(ctx context.Context, project, branch, bucket, table string, columns []string, mode tableengine.ProfileMode) (*tableengine.Profile, error) {
	h, err := c.openTable(ctx, project, branch, bucket, table, resolver.IntentRead)
	if err != nil {
		return nil, err
	}
	defer h.Close()
	return tableengine.New(h.eng.DB()).Profile(ctx, table, columns, mode)
}

// ---- Import / export ----

// Import runs the STAGING -> TRANSFORM -> CLEANUP pipeline against the
// resolved destination table The staging file lives
// under layout's process-global _staging directory and is always removed,
// success or failure.
func (c *Core) Import(ctx context.Context, project, branch, bucket, table string, r io.Reader, opts importexport.ImportOptions) (*importexport.ImportResult, error) {
	h, err := c.openTable(ctx, project, branch, bucket, table, resolver.IntentWrite)
	if err != nil {
		return nil, err
	}
	defer h.Close()

	stagingID := uuid.NewString()
	stagingPath := c.Layout.StagingPath(stagingID)
	stagingEng, err := engine.Open(ctx, engine.Config{
		Path: stagingPath, Database: "staging",
		CommitterName: "importexport", CommitterEmail: "importexport@localhost",
	}, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = stagingEng.Close()
		_ = os.RemoveAll(stagingPath)
	}()

	opts.DestinationTable = table
	pipeline := importexport.New(h.eng.DB())
	result, err := pipeline.ImportCSV(ctx, stagingEng.DB(), "stage_"+stagingID[:8], r, opts)
	if err != nil {
		return nil, err
	}
	_ = c.Registry.UpdateTableCaches(ctx, project, bucket, table, result.TableRowsTotal, result.TableSizeBytes)
	return result, nil
}

func (c *Core) Export(ctx context.Context, project, branch, bucket, table string, opts importexport.ExportOptions, w io.Writer) error {
	h, err := c.openTable(ctx, project, branch, bucket, table, resolver.IntentRead)
	if err != nil {
		return err
	}
	defer h.Close()
	return importexport.New(h.eng.DB()).ExportCSV(ctx, table, opts, w)
}

// ExportToS3 exports to an external S3-compatible destination instead of an
// in-hand writer. destURL is s3://bucket/key; endpoint and credentials come
// from server configuration.
func (c *Core) ExportToS3(ctx context.Context, project, branch, bucket, table string, opts importexport.ExportOptions, destURL string) error {
	destBucket, destKey, err := importexport.ParseS3URL(destURL)
	if err != nil {
		return err
	}
	h, err := c.openTable(ctx, project, branch, bucket, table, resolver.IntentRead)
	if err != nil {
		return err
	}
	defer h.Close()
	return importexport.New(h.eng.DB()).ExportCSVToS3(ctx, table, opts, importexport.S3Destination{
		Endpoint:        c.Config.ExportS3Endpoint,
		Region:          c.Config.ExportS3Region,
		AccessKeyID:     c.Config.ExportS3AccessKey,
		SecretAccessKey: c.Config.ExportS3SecretKey,
		Bucket:          destBucket,
		Key:             destKey,
	})
}

// ImportFromServer runs the import pipeline with an ADE server-mode table as
// the source (the direct-URL source shape) instead of a CSV stream.
func (c *Core) ImportFromServer(ctx context.Context, project, branch, bucket, table, sourceDSN, sourceTable string, opts importexport.ImportOptions) (*importexport.ImportResult, error) {
	h, err := c.openTable(ctx, project, branch, bucket, table, resolver.IntentWrite)
	if err != nil {
		return nil, err
	}
	defer h.Close()

	stagingID := uuid.NewString()
	stagingPath := c.Layout.StagingPath(stagingID)
	stagingEng, err := engine.Open(ctx, engine.Config{
		Path: stagingPath, Database: "staging",
		CommitterName: "importexport", CommitterEmail: "importexport@localhost",
	}, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = stagingEng.Close()
		_ = os.RemoveAll(stagingPath)
	}()

	opts.DestinationTable = table
	pipeline := importexport.New(h.eng.DB())
	result, err := pipeline.ImportFromServer(ctx, stagingEng.DB(), "stage_"+stagingID[:8], sourceDSN, sourceTable, opts)
	if err != nil {
		return nil, err
	}
	_ = c.Registry.UpdateTableCaches(ctx, project, bucket, table, result.TableRowsTotal, result.TableSizeBytes)
	return result, nil
}

// ---- Snapshots ----

// createSnapshotLocked is shared by the manual CreateSnapshot entrypoint and
// every auto-trigger call site above; it holds the table lock for the
// duration of the dump (every caller calls it before taking that lock
// itself) and opens the table read-only, since a snapshot dump never
// mutates the source.
func (c *Core) createSnapshotLocked(ctx context.Context, project, branch, bucket, table string, schema []registry.Column, primaryKey []string, kind, trigger string) (*registry.Snapshot, error) {
	release, err := c.Locks.Acquire(ctx, lockmgr.Key{Project: project, Branch: branch, Bucket: bucket, Table: table})
	if err != nil {
		return nil, err
	}
	defer release()

	res, err := c.Resolver.Resolve(ctx, project, branch, bucket, table, resolver.IntentRead)
	if err != nil {
		return nil, err
	}
	eng, err := engine.Open(ctx, engine.Config{
		Path: res.Path, Database: "main",
		CommitterName: "snapshot-engine", CommitterEmail: "snapshot-engine@localhost",
		ReadOnly: true,
	}, nil)
	if err != nil {
		return nil, err
	}
	defer eng.Close()

	pipeline := importexport.New(eng.DB())
	return c.Snapshot.Create(ctx, pipeline, project, bucket, table, schema, primaryKey, kind, trigger)
}

// CreateSnapshot is the manual-trigger entrypoint (kind="manual").
func (c *Core) CreateSnapshot(ctx context.Context, project, branch, bucket, table string) (*registry.Snapshot, error) {
	meta, err := c.Registry.GetTableMeta(ctx, project, bucket, table)
	if err != nil {
		return nil, err
	}
	return c.createSnapshotLocked(ctx, project, branch, bucket, table, meta.Columns, meta.PrimaryKey, "manual", "")
}

// RestoreSnapshot holds the table lock for the duration of the restore,
// then atomically swaps the restored file into place.
func (c *Core) RestoreSnapshot(ctx context.Context, project, branch, bucket, table, snapshotID string) error {
	snap, err := c.Registry.GetSnapshot(ctx, snapshotID)
	if err != nil {
		return err
	}

	release, err := c.Locks.Acquire(ctx, lockmgr.Key{Project: project, Branch: branch, Bucket: bucket, Table: table})
	if err != nil {
		return err
	}
	defer release()

	res, err := c.Resolver.Resolve(ctx, project, branch, bucket, table, resolver.IntentWrite)
	if err != nil {
		return err
	}

	openEngine := func(ctx context.Context, path string) (*sql.DB, func() error, error) {
		eng, err := engine.Open(ctx, engine.Config{
			Path: path, Database: "main",
			CommitterName: "snapshot-restore", CommitterEmail: "snapshot-restore@localhost",
		}, nil)
		if err != nil {
			return nil, nil, err
		}
		return eng.DB(), eng.Close, nil
	}
	return snapshot.Restore(ctx, snap.ArtifactPath, res.Path, openEngine)
}

func (c *Core) SetSnapshotSetting(ctx context.Context, scope registry.SnapshotScope, key, value string) error {
	return c.Registry.SetSnapshotSetting(ctx, scope, key, value)
}

// ---- Files & S3 are thin enough that restapi/rpcbridge call
// c.Files / c.S3 directly; Core only wires their construction above.

// ---- Workspaces are likewise called directly via c.Workspaces.

// ---- Janitors ----

// RunJanitors starts the background sweepers: lock-map reaping,
// idempotency-cache TTL eviction, snapshot expiry, staged-upload reaping,
// and workspace expiry. It
// blocks until ctx is canceled, intended to run in its own goroutine from
// cmd/storagectl's server command.
func (c *Core) RunJanitors(ctx context.Context) {
	lockTicker := time.NewTicker(5 * time.Minute)
	snapshotTicker := time.NewTicker(time.Hour)
	idemTicker := time.NewTicker(time.Minute)
	stagingTicker := time.NewTicker(time.Hour)
	workspaceTicker := time.NewTicker(10 * time.Minute)
	defer lockTicker.Stop()
	defer snapshotTicker.Stop()
	defer idemTicker.Stop()
	defer stagingTicker.Stop()
	defer workspaceTicker.Stop()

	log := obslog.WithComponent("janitor")
	for {
		select {
		case <-ctx.Done():
			return
		case <-lockTicker.C:
			n := c.Locks.Reap(time.Now().Add(-10 * time.Minute))
			log.Debug().Int("reaped", n).Msg("swept idle table locks")
		case <-idemTicker.C:
			n, err := c.Registry.SweepExpiredIdempotency(ctx, time.Now())
			if err != nil {
				log.Warn().Err(err).Msg("idempotency sweep failed")
				continue
			}
			if n > 0 {
				log.Debug().Int64("swept", n).Msg("evicted expired idempotency cache entries")
			}
		case <-snapshotTicker.C:
			n, err := c.Snapshot.Expire(ctx, time.Now())
			if err != nil {
				log.Warn().Err(err).Msg("snapshot expiry sweep failed")
				continue
			}
			if n > 0 {
				log.Info().Int("expired", n).Msg("expired snapshots")
			}
		case <-stagingTicker.C:
			projects, err := c.Registry.ListProjects(ctx)
			if err != nil {
				log.Warn().Err(err).Msg("staging sweep could not list projects")
				continue
			}
			total := 0
			for _, p := range projects {
				n, err := c.Files.ReapExpiredStaging(p.ID, time.Now())
				if err != nil {
					log.Warn().Err(err).Str("project", p.ID).Msg("staging sweep failed")
					continue
				}
				total += n
			}
			if total > 0 {
				log.Info().Int("reaped", total).Msg("reaped expired staged uploads")
			}
		case <-workspaceTicker.C:
			ids, err := c.Registry.ExpiredWorkspaceIDs(ctx, time.Now())
			if err != nil {
				log.Warn().Err(err).Msg("workspace expiry sweep could not list workspaces")
				continue
			}
			if len(ids) == 0 {
				continue
			}
			n, err := c.Workspaces.ExpireStale(ctx, ids, time.Now())
			if err != nil {
				log.Warn().Err(err).Msg("workspace expiry sweep failed")
				continue
			}
			if n > 0 {
				log.Info().Int("expired", n).Msg("expired workspaces")
			}
		}
	}
}
