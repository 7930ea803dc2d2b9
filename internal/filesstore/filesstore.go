// Package filesstore implements the files store: content-addressed
// local file storage behind a three-stage prepare/upload/register workflow,
// SHA256 verification, and per-project quotas.
//
// The shape mirrors internal/importexport's STAGING/TRANSFORM/CLEANUP
// split: prepare/upload stages, register finalizes, and a janitor reaps
// staged uploads that never registered.
package filesstore

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/keboola/storage-backend/internal/errs"
	"github.com/keboola/storage-backend/internal/layout"
	"github.com/keboola/storage-backend/internal/registry"
)

const (
	// MaxFilesPerProject and MaxBytesPerProject are the per-project quotas.
	MaxFilesPerProject = 10_000
	MaxBytesPerProject = 1 << 40 // 1 TiB

	stagingTTL = 24 * time.Hour
)

// quotaFiles/quotaBytes are package vars defaulting to the constants
// above; tests override them to exercise the quota boundary without
// inserting ten thousand rows.
var (
	quotaFiles int64 = MaxFilesPerProject
	quotaBytes int64 = MaxBytesPerProject
)

type fileStore interface {
	CreateFile(ctx context.Context, f registry.File) error
	GetFile(ctx context.Context, id string) (*registry.File, error)
	DeleteFile(ctx context.Context, id string) error
	FileQuota(ctx context.Context, projectID string) (count int64, bytes int64, err error)
}

// Store coordinates uploads against the local filesystem and the registry's
// files table.
type Store struct {
	root *layout.Root
	reg  fileStore
}

func New(root *layout.Root, reg fileStore) *Store {
	return &Store{root: root, reg: reg}
}

// Prepared is the result of Prepare: where the client should upload to and
// until when that location stays valid.
type Prepared struct {
	UploadKey   string
	StagedUntil time.Time
}

// Prepare allocates a staging path for an upcoming upload
// step 1.
func (s *Store) Prepare(ctx context.Context, projectID string) (*Prepared, error) {
	uploadKey := uuid.NewString()
	stagingDir := s.root.FilesStagingDir(projectID)
	if err := os.MkdirAll(stagingDir, layout.DirPerm); err != nil {
		return nil, errs.Wrap(errs.IOFailure, "creating files staging directory", err)
	}
	return &Prepared{
		UploadKey:   uploadKey,
		StagedUntil: time.Now().Add(stagingTTL),
	}, nil
}

// Uploaded reports what the streaming hash pass over a staged upload saw.
// MD5 exists alongside SHA256 because the S3 surface's ETag contract is hex
// MD5 of the stored bytes; hashing once at write time beats re-reading the
// object on every HEAD/list.
type Uploaded struct {
	SHA256    string
	MD5       string
	SizeBytes int64
}

// Upload streams r into the staging location for uploadKey, computing its
// SHA256 and MD5 as it writes step 2.
func (s *Store) Upload(ctx context.Context, projectID, uploadKey string, r io.Reader) (*Uploaded, error) {
	path := s.root.FilesStagingPath(projectID, uploadKey)
	f, err := os.Create(path)
	if err != nil {
		return nil, errs.Wrap(errs.IOFailure, "creating staging file", err)
	}
	defer f.Close()

	sh := sha256.New()
	mh := md5.New()
	n, err := io.Copy(io.MultiWriter(f, sh, mh), r)
	if err != nil {
		os.Remove(path)
		return nil, errs.Wrap(errs.IOFailure, "writing staged upload", err)
	}
	return &Uploaded{
		SHA256:    hex.EncodeToString(sh.Sum(nil)),
		MD5:       hex.EncodeToString(mh.Sum(nil)),
		SizeBytes: n,
	}, nil
}

// RegisterOptions carries the client-declared facts Register cross-checks.
type RegisterOptions struct {
	OrigName       string
	Tags           string
	ClientSHA256   string // optional; verified if present
	RegisteredTime time.Time
}

// Register moves a staged upload into permanent content-addressed storage,
// records its Files row, verifies the client-supplied checksum if given, and
// enforces the project quota (no accepted upload leaves count/bytes over
// quota).
func (s *Store) Register(ctx context.Context, projectID, uploadKey string, up Uploaded, opts RegisterOptions) (*registry.File, error) {
	count, bytes, err := s.reg.FileQuota(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if count+1 > quotaFiles {
		return nil, errs.New(errs.ResourceExhausted, "project file count quota exceeded")
	}
	if bytes+up.SizeBytes > quotaBytes {
		return nil, errs.New(errs.ResourceExhausted, "project storage quota exceeded")
	}
	if opts.ClientSHA256 != "" && opts.ClientSHA256 != up.SHA256 {
		return nil, errs.New(errs.InvalidArgument, "uploaded content does not match client-supplied sha256")
	}

	stagingPath := s.root.FilesStagingPath(projectID, uploadKey)
	now := opts.RegisteredTime
	if now.IsZero() {
		now = time.Now()
	}

	id := uuid.NewString()
	finalPath := s.root.FileObjectPath(projectID, now.Year(), int(now.Month()), now.Day(), id, opts.OrigName)
	if err := os.MkdirAll(filepath.Dir(finalPath), layout.DirPerm); err != nil {
		return nil, errs.Wrap(errs.IOFailure, "creating permanent file directory", err)
	}
	if err := os.Rename(stagingPath, finalPath); err != nil {
		return nil, errs.Wrap(errs.IOFailure, "moving staged upload to permanent storage", err)
	}

	file := registry.File{
		ID: id, ProjectID: projectID, SizeBytes: up.SizeBytes, SHA256: up.SHA256, MD5: up.MD5,
		Tags: opts.Tags, StoragePath: finalPath, CreatedAt: now,
	}
	if err := s.reg.CreateFile(ctx, file); err != nil {
		os.Remove(finalPath)
		return nil, err
	}
	return &file, nil
}

// Download opens a registered file for reading.
func (s *Store) Download(ctx context.Context, fileID string) (*registry.File, io.ReadCloser, error) {
	f, err := s.reg.GetFile(ctx, fileID)
	if err != nil {
		return nil, nil, err
	}
	rc, err := os.Open(f.StoragePath)
	if err != nil {
		return nil, nil, errs.Wrap(errs.IOFailure, "opening stored file", err)
	}
	return f, rc, nil
}

// Delete removes the registry row then the underlying file; an orphan file
// left behind by a failed removal is tolerated
func (s *Store) Delete(ctx context.Context, fileID string) error {
	f, err := s.reg.GetFile(ctx, fileID)
	if err != nil {
		return err
	}
	if err := s.reg.DeleteFile(ctx, fileID); err != nil {
		return err
	}
	_ = os.Remove(f.StoragePath)
	return nil
}

// ReapExpiredStaging deletes projectID's staged uploads whose upload key has
// passed its staged_until (internal/core's janitor calls it once per
// project). It walks that project's staging directory directly — staged uploads that were never registered never get a
// registry row to drive expiry from, so the filesystem's own mtime is the
// only signal available.
func (s *Store) ReapExpiredStaging(projectID string, now time.Time) (int, error) {
	dir := s.root.FilesStagingDir(projectID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, errs.Wrap(errs.IOFailure, "listing files staging directory", err)
	}
	removed := 0
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) > stagingTTL {
			if err := os.Remove(filepath.Join(dir, e.Name())); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}
