package registry

import (
	"context"
	"database/sql"
)

// currentSchemaVersion drives the forward-only, idempotent migration chain.
const currentSchemaVersion = 1

type migration struct {
	version int
	name    string
	fn      func(ctx context.Context, db *sql.DB) error
}

var migrations = []migration{
	{1, "create_base_tables", migrateCreateBaseTables},
}

// initSchema is passed to engine.Open. It creates schema_version if absent
// and runs every migration whose version is greater than the stored one, in
// order, committing the new version after each.
func initSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		id INT PRIMARY KEY,
		version INT NOT NULL
	)`); err != nil {
		return err
	}

	current := 0
	row := db.QueryRowContext(ctx, "SELECT version FROM schema_version WHERE id = 1")
	if err := row.Scan(&current); err != nil && err != sql.ErrNoRows {
		return err
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := m.fn(ctx, db); err != nil {
			return err
		}
		if _, err := db.ExecContext(ctx,
			"REPLACE INTO schema_version (id, version) VALUES (1, ?)", m.version); err != nil {
			return err
		}
	}
	return nil
}

func migrateCreateBaseTables(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS projects (
			id VARCHAR(64) PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			description TEXT,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS api_keys (
			key_hash VARCHAR(64) PRIMARY KEY,
			project_id VARCHAR(64) NOT NULL,
			description TEXT,
			scopes TEXT,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS buckets (
			project_id VARCHAR(64) NOT NULL,
			name VARCHAR(255) NOT NULL,
			stage VARCHAR(8) NOT NULL,
			created_at DATETIME NOT NULL,
			PRIMARY KEY (project_id, stage, name)
		)`,
		`CREATE TABLE IF NOT EXISTS tables_meta (
			project_id VARCHAR(64) NOT NULL,
			bucket VARCHAR(255) NOT NULL,
			name VARCHAR(255) NOT NULL,
			columns_json TEXT NOT NULL,
			primary_key_json TEXT NOT NULL,
			row_count_cache BIGINT NOT NULL DEFAULT 0,
			size_bytes_cache BIGINT NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL,
			PRIMARY KEY (project_id, bucket, name)
		)`,
		`CREATE TABLE IF NOT EXISTS branches (
			project_id VARCHAR(64) NOT NULL,
			branch_id VARCHAR(64) NOT NULL,
			name VARCHAR(255) NOT NULL,
			created_at DATETIME NOT NULL,
			PRIMARY KEY (project_id, branch_id)
		)`,
		`CREATE TABLE IF NOT EXISTS branch_tables (
			project_id VARCHAR(64) NOT NULL,
			branch_id VARCHAR(64) NOT NULL,
			bucket VARCHAR(255) NOT NULL,
			name VARCHAR(255) NOT NULL,
			source VARCHAR(16) NOT NULL,
			PRIMARY KEY (project_id, branch_id, bucket, name)
		)`,
		`CREATE TABLE IF NOT EXISTS shares (
			src_project VARCHAR(64) NOT NULL,
			bucket VARCHAR(255) NOT NULL,
			target_project VARCHAR(64) NOT NULL,
			PRIMARY KEY (src_project, bucket, target_project)
		)`,
		`CREATE TABLE IF NOT EXISTS links (
			target_project VARCHAR(64) NOT NULL,
			bucket VARCHAR(255) NOT NULL,
			src_project VARCHAR(64) NOT NULL,
			src_bucket VARCHAR(255) NOT NULL,
			PRIMARY KEY (target_project, bucket)
		)`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			id VARCHAR(64) PRIMARY KEY,
			project_id VARCHAR(64) NOT NULL,
			bucket VARCHAR(255) NOT NULL,
			name VARCHAR(255) NOT NULL,
			kind VARCHAR(16) NOT NULL,
			trigger_name VARCHAR(32) NOT NULL,
			created_at DATETIME NOT NULL,
			expires_at DATETIME NOT NULL,
			row_count BIGINT NOT NULL,
			size_bytes BIGINT NOT NULL,
			artifact_path TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS snapshot_settings (
			scope VARCHAR(16) NOT NULL,
			scope_id VARCHAR(128) NOT NULL,
			setting_key VARCHAR(64) NOT NULL,
			setting_value TEXT NOT NULL,
			PRIMARY KEY (scope, scope_id, setting_key)
		)`,
		`CREATE TABLE IF NOT EXISTS files (
			id VARCHAR(64) PRIMARY KEY,
			project_id VARCHAR(64) NOT NULL,
			size_bytes BIGINT NOT NULL,
			sha256 VARCHAR(64) NOT NULL,
			md5 VARCHAR(32) NOT NULL DEFAULT '',
			tags TEXT,
			storage_path TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			staged_until DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS workspaces (
			id VARCHAR(64) PRIMARY KEY,
			project_id VARCHAR(64) NOT NULL,
			branch_id VARCHAR(64),
			db_path TEXT NOT NULL,
			size_limit_bytes BIGINT NOT NULL,
			expires_at DATETIME NOT NULL,
			status VARCHAR(16) NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS workspace_credentials (
			workspace_id VARCHAR(64) PRIMARY KEY,
			username VARCHAR(128) NOT NULL,
			password_hash TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS pg_sessions (
			session_id VARCHAR(64) PRIMARY KEY,
			workspace_id VARCHAR(64) NOT NULL,
			client_addr VARCHAR(64) NOT NULL,
			connected_at DATETIME NOT NULL,
			last_activity_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS idempotency_cache (
			idem_key VARCHAR(255) PRIMARY KEY,
			request_fingerprint VARCHAR(64) NOT NULL,
			response_body LONGTEXT NOT NULL,
			status_code INT NOT NULL,
			inserted_at DATETIME NOT NULL
		)`,
	}
	for _, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return err
		}
	}
	return nil
}
