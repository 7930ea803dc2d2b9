// Package workspace implements the workspace engine: a per-workspace
// ADE file, generated credentials, and a read-only attachment plan over a
// project's (or branch's) tables, consumed by the PG-wire front-end.
//
// Built on internal/engine for the workspace's own ADE file and on
// internal/resolver for resolving each attached table to its physical
// path; credentials are hashed with bcrypt.
package workspace

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/keboola/storage-backend/internal/engine"
	"github.com/keboola/storage-backend/internal/errs"
	"github.com/keboola/storage-backend/internal/layout"
	"github.com/keboola/storage-backend/internal/registry"
	"github.com/keboola/storage-backend/internal/resolver"
)

const (
	defaultTTL              = 24 * time.Hour
	defaultSizeLimitBytes   = 10 << 30 // 10 GiB
	DefaultStatementTimeout = 5 * time.Minute
	DefaultIdleTimeout      = time.Hour
)

const (
	StatusActive  = "active"
	StatusExpired = "expired"
	StatusError   = "error"
)

type workspaceStore interface {
	CreateWorkspace(ctx context.Context, w registry.Workspace, username, passwordHash string) error
	GetWorkspace(ctx context.Context, id string) (*registry.Workspace, error)
	GetWorkspaceCredentials(ctx context.Context, workspaceID string) (username, passwordHash string, err error)
	ResetWorkspaceCredentials(ctx context.Context, workspaceID, newPasswordHash string) error
	UpdateWorkspaceStatus(ctx context.Context, id, status string) error
	DeleteWorkspace(ctx context.Context, id string) error
	ListTableMetaForProject(ctx context.Context, projectID string) ([]registry.TableMeta, error)
}

// Engine manages workspace lifecycle: creation, credential reset, expiry,
// and deletion. It does not itself speak the PG wire protocol; the pgwire
// server opens sessions against what this package resolves.
type Engine struct {
	root *layout.Root
	reg  workspaceStore
	res  *resolver.Resolver
}

func New(root *layout.Root, reg workspaceStore, res *resolver.Resolver) *Engine {
	return &Engine{root: root, reg: reg, res: res}
}

// CreateOptions overrides the defaults for a new workspace.
type CreateOptions struct {
	TTL            time.Duration
	SizeLimitBytes int64
	BranchID       *string
}

// Created is returned once from Create; Password is never recoverable again
// (only its bcrypt hash survives) ("password shown once").
type Created struct {
	Workspace registry.Workspace
	Username  string
	Password  string
}

// Create allocates workspace_<id>.db, generates credentials, and records the
// workspace row
func (e *Engine) Create(ctx context.Context, projectID string, opts CreateOptions) (*Created, error) {
	id := uuid.NewString()

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	sizeLimit := opts.SizeLimitBytes
	if sizeLimit <= 0 {
		sizeLimit = defaultSizeLimitBytes
	}

	dbPath := e.root.WorkspaceDBPath(id)
	eng, err := engine.Open(ctx, engine.Config{
		Path:           dbPath,
		Database:       "workspace_" + id,
		CommitterName:  "workspace-engine",
		CommitterEmail: "workspace-engine@localhost",
	}, nil)
	if err != nil {
		return nil, err
	}
	if err := eng.Close(); err != nil {
		return nil, err
	}

	username, err := randomUsername(id)
	if err != nil {
		return nil, err
	}
	password, err := randomPassword()
	if err != nil {
		return nil, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "hashing workspace password", err)
	}

	now := time.Now()
	w := registry.Workspace{
		ID:             id,
		ProjectID:      projectID,
		BranchID:       opts.BranchID,
		DBPath:         dbPath,
		SizeLimitBytes: sizeLimit,
		ExpiresAt:      now.Add(ttl),
		Status:         StatusActive,
	}
	if err := e.reg.CreateWorkspace(ctx, w, username, string(hash)); err != nil {
		os.RemoveAll(dbPath)
		return nil, err
	}

	return &Created{Workspace: w, Username: username, Password: password}, nil
}

// Authenticate verifies a cleartext password against the stored hash, as
// the PG-wire auth step requires.
func (e *Engine) Authenticate(ctx context.Context, workspaceID, password string) error {
	_, hash, err := e.reg.GetWorkspaceCredentials(ctx, workspaceID)
	if err != nil {
		return err
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return errs.New(errs.Unauthenticated, "invalid workspace credentials")
	}
	return nil
}

// ResetCredentials rotates the password; existing
// sessions are unaffected until they disconnect, so this only touches the
// stored hash, never an open Session.
func (e *Engine) ResetCredentials(ctx context.Context, workspaceID string) (newPassword string, err error) {
	password, err := randomPassword()
	if err != nil {
		return "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", errs.Wrap(errs.Internal, "hashing workspace password", err)
	}
	if err := e.reg.ResetWorkspaceCredentials(ctx, workspaceID, string(hash)); err != nil {
		return "", err
	}
	return password, nil
}

// Attachment is one project (or branch) table resolved to a read-only
// physical path, ready for a PG-wire session to attach under alias
// Schema.Table.
type Attachment struct {
	Schema string // bucket ("alias derived from (bucket, table)")
	Table  string
	Path   string
}

// AttachmentPlan resolves every table of projectID (optionally pinned to a
// branch) into read-only Attachments
// initialisation, attach every table of the owning project (or branch)".
func (e *Engine) AttachmentPlan(ctx context.Context, projectID string, branchID *string) ([]Attachment, error) {
	tables, err := e.reg.ListTableMetaForProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	branch := layout.DefaultBranch
	if branchID != nil && *branchID != "" {
		branch = *branchID
	}

	plan := make([]Attachment, 0, len(tables))
	for _, t := range tables {
		res, err := e.res.Resolve(ctx, projectID, branch, t.Bucket, t.Name, resolver.IntentRead)
		if err != nil {
			return nil, err
		}
		plan = append(plan, Attachment{Schema: t.Bucket, Table: t.Name, Path: res.Path})
	}
	return plan, nil
}

// ResourceLimits is what a PG-wire session programs at connection start,
// enforced via the engine's configuration knobs.
type ResourceLimits struct {
	StatementTimeout time.Duration
	IdleTimeout      time.Duration
	SizeLimitBytes   int64
}

// LimitsFor returns the resource limits a session against ws must enforce.
func LimitsFor(ws registry.Workspace) ResourceLimits {
	return ResourceLimits{
		StatementTimeout: DefaultStatementTimeout,
		IdleTimeout:      DefaultIdleTimeout,
		SizeLimitBytes:   ws.SizeLimitBytes,
	}
}

// ExpireStale marks every workspace whose expires_at has passed as expired
// and removes its ADE file, mirroring the snapshot engine's expiry shape
// (registry row survives with status=expired; the PG-wire front-end refuses
// new connections for non-active workspaces).
func (e *Engine) ExpireStale(ctx context.Context, ids []string, now time.Time) (int, error) {
	expired := 0
	for _, id := range ids {
		w, err := e.reg.GetWorkspace(ctx, id)
		if err != nil {
			continue
		}
		if w.Status != StatusActive || now.Before(w.ExpiresAt) {
			continue
		}
		if err := e.reg.UpdateWorkspaceStatus(ctx, id, StatusExpired); err != nil {
			continue
		}
		_ = os.RemoveAll(w.DBPath)
		expired++
	}
	return expired, nil
}

// Delete removes a workspace's registry rows and its ADE file. This
// cascades from project deletion but may also be
// called directly against a single workspace.
func (e *Engine) Delete(ctx context.Context, id string) error {
	w, err := e.reg.GetWorkspace(ctx, id)
	if err != nil {
		return err
	}
	if err := e.reg.DeleteWorkspace(ctx, id); err != nil {
		return err
	}
	return os.RemoveAll(w.DBPath)
}

func randomUsername(workspaceID string) (string, error) {
	suffix, err := randomHex(4)
	if err != nil {
		return "", err
	}
	return "ws_" + workspaceID + "_" + suffix, nil
}

func randomPassword() (string, error) {
	return randomHex(24)
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", errs.Wrap(errs.Internal, "generating random bytes", err)
	}
	return hex.EncodeToString(buf), nil
}
