// Package resolver implements the branch resolver: it maps
// (project, branch, bucket, table, intent) to the physical ADE file a
// table-scoped operation should act on, and performs copy-on-write when a
// live-viewed table is first written on a non-default branch.
//
// Copy-on-write stages the copy next to its destination and renames it into
// place, so a crash mid-copy never leaves a half-written branch table.
package resolver

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/keboola/storage-backend/internal/errs"
	"github.com/keboola/storage-backend/internal/layout"
	"github.com/keboola/storage-backend/internal/lockmgr"
	"github.com/keboola/storage-backend/internal/registry"
)

// Intent is what the caller plans to do with the resolved table.
type Intent string

const (
	IntentRead   Intent = "read"
	IntentWrite  Intent = "write"
	IntentCreate Intent = "create"
	IntentDrop   Intent = "drop"
)

// Source reports where the resolved table file came from
type Source string

const (
	SourceMain       Source = "main"
	SourceBranch     Source = "branch"
	SourceBranchOnly Source = "branch_only"
)

// Resolution is the result of resolving a table-scoped operation.
type Resolution struct {
	Path     string
	Source   Source
	ReadOnly bool
}

type branchTableStore interface {
	GetBranchTable(ctx context.Context, projectID, branchID, bucket, name string) (*registry.BranchTable, error)
	InsertBranchTable(ctx context.Context, bt registry.BranchTable) error
}

type Resolver struct {
	root  *layout.Root
	reg   branchTableStore
	locks *lockmgr.Manager
}

func New(root *layout.Root, reg branchTableStore, locks *lockmgr.Manager) *Resolver {
	return &Resolver{root: root, reg: reg, locks: locks}
}

// Resolve maps (project, branch, bucket, table, intent) to the physical
// table file. For intent=="write" against a
// live-viewed table, it performs copy-on-write before returning.
//
// Callers MUST already hold the per-table lockmgr.Key{project,branch,bucket,
// table} lock before calling Resolve with any intent other than
// IntentRead — copyOnWrite below assumes that lock is held and does not
// reacquire it itself (lockmgr's per-key mutex is not reentrant, so a second
// acquire from the same goroutine would deadlock). core.Core.openTable and
// core.Core.RestoreSnapshot take the lock first and hold it for exactly
// this reason.
func (r *Resolver) Resolve(ctx context.Context, project, branch, bucket, table string, intent Intent) (Resolution, error) {
	if branch == "" || branch == layout.DefaultBranch {
		return Resolution{
			Path:   r.root.TablePath(project, layout.DefaultBranch, bucket, table),
			Source: SourceMain,
		}, nil
	}

	bt, err := r.reg.GetBranchTable(ctx, project, branch, bucket, table)
	if err != nil {
		return Resolution{}, err
	}

	mainPath := r.root.TablePath(project, layout.DefaultBranch, bucket, table)
	mainExists := fileExists(mainPath)

	if bt == nil {
		switch {
		case mainExists:
			// Live view: reads are free; writes/creates/drops trigger CoW.
			if intent == IntentRead {
				return Resolution{Path: mainPath, Source: SourceMain, ReadOnly: true}, nil
			}
			return r.copyOnWrite(ctx, project, branch, bucket, table, mainPath)
		case intent == IntentCreate:
			if err := r.reg.InsertBranchTable(ctx, registry.BranchTable{
				ProjectID: project, BranchID: branch, Bucket: bucket, Name: table, Source: string(SourceBranchOnly),
			}); err != nil {
				return Resolution{}, err
			}
			return Resolution{
				Path:   r.root.TablePath(project, branch, bucket, table),
				Source: SourceBranchOnly,
			}, nil
		default:
			return Resolution{}, errs.New(errs.NotFound, "table does not exist on this branch")
		}
	}

	switch src := Source(bt.Source); src {
	case SourceBranch, SourceBranchOnly:
		return Resolution{
			Path:   r.root.TablePath(project, branch, bucket, table),
			Source: src,
		}, nil
	default:
		return Resolution{}, errs.New(errs.Internal, "unrecognised branch table source "+bt.Source)
	}
}

// copyOnWrite copies mainPath into the branch directory atomically, records
// the Branch Tables row, and returns the branch-local resolution. The
// caller's already-held table lock (see Resolve's doc comment) guarantees no
// concurrent writer observes a half-copied file; copyOnWrite does not
// acquire the lock itself.
func (r *Resolver) copyOnWrite(ctx context.Context, project, branch, bucket, table, mainPath string) (Resolution, error) {
	branchPath := r.root.TablePath(project, branch, bucket, table)
	if err := atomicCopyFile(mainPath, branchPath); err != nil {
		_ = os.RemoveAll(branchPath)
		return Resolution{}, errs.Wrap(errs.IOFailure, "copy-on-write", err)
	}

	if err := r.reg.InsertBranchTable(ctx, registry.BranchTable{
		ProjectID: project, BranchID: branch, Bucket: bucket, Name: table, Source: string(SourceBranch),
	}); err != nil {
		_ = os.RemoveAll(branchPath)
		return Resolution{}, err
	}

	return Resolution{Path: branchPath, Source: SourceBranch}, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// atomicCopyFile copies src (a regular file, or an ADE engine directory
// tree) into a staging path alongside dst, then renames the staging path
// into place, so a crash mid-copy never leaves a half-written branch table
// that a subsequent resolve could mistake for a complete CoW. internal/engine
// opens every table path as a directory (its own files plus the access
// lock), so the common case here is the recursive directory copy; the plain
// file path only exists for callers (and tests) that model a table as a
// single opaque blob.
func atomicCopyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), layout.DirPerm); err != nil {
		return err
	}

	info, err := os.Stat(src)
	if err != nil {
		return err
	}

	tmpPath := filepath.Join(filepath.Dir(dst), ".cow-"+filepath.Base(dst)+".tmp")
	if err := os.RemoveAll(tmpPath); err != nil {
		return err
	}

	if info.IsDir() {
		if err := copyDirTree(src, tmpPath); err != nil {
			os.RemoveAll(tmpPath)
			return err
		}
	} else if err := copyRegularFile(src, tmpPath); err != nil {
		os.RemoveAll(tmpPath)
		return err
	}

	if err := os.RemoveAll(dst); err != nil {
		os.RemoveAll(tmpPath)
		return err
	}
	return os.Rename(tmpPath, dst)
}

// copyDirTree recursively copies src into a freshly created dst, preserving
// the directory's internal structure (the ADE engine's own files plus its
// ".access.lock", which is harmless to duplicate — the branch copy acquires
// its own lock on first open).
func copyDirTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, layout.DirPerm)
		}
		return copyRegularFile(path, target)
	})
}

func copyRegularFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), layout.DirPerm); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
