// Package engine wraps the embedded analytical database engine (ADE). Every
// component that opens an ADE file (the metadata registry, per-table files
// resolved by the branch resolver, the table engine, the snapshot engine,
// and workspace files) goes through here.
//
// Opening is an embedded.ParseDSN -> embedded.NewConnector ->
// sql.OpenDB(connector) chain, wrapped in exponential backoff, behind an
// OS-level advisory lock so two processes never race to open the same ADE
// directory.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	embedded "github.com/dolthub/driver"

	"github.com/keboola/storage-backend/internal/errs"
	"github.com/keboola/storage-backend/internal/lockfile"
)

const openMaxElapsed = 30 * time.Second

// Config describes one ADE file/directory to open.
type Config struct {
	// Path is the directory holding the ADE's on-disk files.
	Path string
	// Database is the logical database name inside the ADE instance.
	Database string
	// CommitterName/CommitterEmail are attributed to every write (the ADE's
	// branching model commits under the hood).
	CommitterName  string
	CommitterEmail string
	// ReadOnly opens the ADE without acquiring any access lock, so it can be
	// opened while a writer holds the exclusive one — used for read
	// requests and workspace read-only attachments.
	ReadOnly bool
	// OpenTimeout bounds how long the exclusive access lock is waited for.
	OpenTimeout time.Duration
}

// Engine is one open ADE connection plus the OS-level lock guarding it.
type Engine struct {
	db         *sql.DB
	connector  *embedded.Connector
	path       string
	lockFile   *os.File
	heldExclusive bool
}

func newBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = openMaxElapsed
	return bo
}

// Open opens (creating if absent) the ADE directory at cfg.Path, acquires
// the appropriate OS-level lock, and returns a ready connection with its
// database created and its migrations run by initSchema.
//
// initSchema is supplied by the caller (registry, table engine, workspace
// engine all have different schemas) and is invoked once, inside the same
// unit-of-work that creates the database if it doesn't already exist.
func Open(ctx context.Context, cfg Config, initSchema func(ctx context.Context, db *sql.DB) error) (*Engine, error) {
	if info, statErr := os.Stat(cfg.Path); statErr == nil && !info.IsDir() {
		return nil, errs.New(errs.InvalidArgument, fmt.Sprintf("ADE path %q is a file, not a directory", cfg.Path))
	}
	if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
		return nil, errs.Wrap(errs.IOFailure, "creating ADE directory", err)
	}

	absPath, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, errs.Wrap(errs.IOFailure, "resolving absolute ADE path", err)
	}

	var lf *os.File
	if !cfg.ReadOnly {
		lf, err = acquireAccessLock(absPath, true, cfg.OpenTimeout)
		if err != nil {
			return nil, errs.Wrap(errs.IOFailure, "acquiring ADE access lock", err)
		}
	}

	initDSN := fmt.Sprintf("file://%s?commitname=%s&commitemail=%s", absPath, cfg.CommitterName, cfg.CommitterEmail)
	dbDSN := fmt.Sprintf("file://%s?commitname=%s&commitemail=%s&database=%s", absPath, cfg.CommitterName, cfg.CommitterEmail, cfg.Database)

	if !cfg.ReadOnly {
		if err := withConnection(ctx, initDSN, func(ctx context.Context, db *sql.DB) error {
			_, err := db.ExecContext(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", cfg.Database))
			return err
		}); err != nil {
			releaseLock(lf)
			return nil, errs.Wrap(errs.IOFailure, "creating ADE database", err)
		}

		if initSchema != nil {
			if err := withConnection(ctx, dbDSN, initSchema); err != nil {
				releaseLock(lf)
				return nil, errs.Wrap(errs.IOFailure, "running ADE schema migrations", err)
			}
		}
	}

	db, connector, err := openConnection(dbDSN)
	if err != nil {
		releaseLock(lf)
		return nil, errs.Wrap(errs.IOFailure, "opening ADE connection", err)
	}

	// The first ping must not use a caller context that may be canceled
	// shortly after Open returns — the embedded driver derives its session
	// context from the connect call and reuses it for the connection's
	// lifetime.
	if err := db.PingContext(context.Background()); err != nil {
		_ = db.Close()
		_ = connector.Close()
		releaseLock(lf)
		return nil, errs.Wrap(errs.IOFailure, "pinging ADE database", err)
	}

	return &Engine{
		db:            db,
		connector:     connector,
		path:          absPath,
		lockFile:      lf,
		heldExclusive: !cfg.ReadOnly,
	}, nil
}

func openConnection(dsn string) (*sql.DB, *embedded.Connector, error) {
	openCfg, err := embedded.ParseDSN(dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing ADE dsn: %w", err)
	}
	openCfg.BackOff = newBackoff()

	connector, err := embedded.NewConnector(openCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("creating ADE connector: %w", err)
	}
	db := sql.OpenDB(connector)

	// Embedded mode is single-writer: one connection keeps the branch/commit
	// state coherent.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	return db, connector, nil
}

func withConnection(ctx context.Context, dsn string, fn func(context.Context, *sql.DB) error) error {
	db, connector, err := openConnection(dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	defer connector.Close()
	return fn(ctx, db)
}

func acquireAccessLock(absPath string, exclusive bool, timeout time.Duration) (*os.File, error) {
	lockPath := filepath.Join(absPath, ".access.lock")
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(timeout)
	for {
		var lockErr error
		if exclusive {
			lockErr = lockfile.FlockExclusiveNonBlocking(f)
		} else {
			lockErr = lockfile.FlockSharedNonBlock(f)
		}
		if lockErr == nil {
			return f, nil
		}
		if timeout <= 0 || time.Now().After(deadline) {
			f.Close()
			return nil, lockErr
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func releaseLock(f *os.File) {
	if f == nil {
		return
	}
	lockfile.FlockUnlock(f)
	f.Close()
}

// DB returns the underlying *sql.DB for callers that need to run queries
// directly (table engine, profiler).
func (e *Engine) DB() *sql.DB {
	return e.db
}

// Path is the absolute directory this engine was opened against.
func (e *Engine) Path() string {
	return e.path
}

// Close releases the connection and the access lock.
func (e *Engine) Close() error {
	var firstErr error
	if err := e.db.Close(); err != nil {
		firstErr = err
	}
	if err := e.connector.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	releaseLock(e.lockFile)
	return firstErr
}
