package store

import (
	"context"
	"fmt"
)

// migrations are applied in order, each exactly once, tracked in the
// schema_migrations table. Mirrors the numbered alembic revisions this
// schema was distilled from (original_source/backend/alembic/versions).
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username TEXT NOT NULL UNIQUE,
		role TEXT NOT NULL DEFAULT 'operator',
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS projects (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		git_url TEXT NOT NULL,
		credential_kind TEXT NOT NULL DEFAULT 'none',
		git_credential_secret TEXT,
		kind TEXT NOT NULL DEFAULT 'backend',
		build_command TEXT,
		install_command TEXT,
		auto_install BOOLEAN NOT NULL DEFAULT 0,
		output_dir TEXT,
		upload_path TEXT,
		restart_script_path TEXT,
		restart_only_script_path TEXT,
		environment TEXT NOT NULL DEFAULT 'development',
		health_check_enabled BOOLEAN NOT NULL DEFAULT 0,
		health_check_kind TEXT,
		health_check_url TEXT,
		health_check_port INTEGER,
		health_check_command TEXT,
		health_check_timeout_seconds INTEGER,
		health_check_retries INTEGER,
		health_check_interval_seconds INTEGER
	)`,
	`CREATE TABLE IF NOT EXISTS servers (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		host TEXT NOT NULL,
		port INTEGER NOT NULL DEFAULT 22,
		username TEXT NOT NULL,
		auth_kind TEXT NOT NULL DEFAULT 'key',
		auth_secret TEXT,
		key_algo TEXT,
		active BOOLEAN NOT NULL DEFAULT 1,
		reachability TEXT NOT NULL DEFAULT 'untested'
	)`,
	`CREATE TABLE IF NOT EXISTS server_groups (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		environment TEXT NOT NULL DEFAULT 'development'
	)`,
	`CREATE TABLE IF NOT EXISTS server_group_members (
		server_group_id INTEGER NOT NULL REFERENCES server_groups(id),
		server_id INTEGER NOT NULL REFERENCES servers(id),
		position INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (server_group_id, server_id)
	)`,
	`CREATE TABLE IF NOT EXISTS deployments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		project_id INTEGER NOT NULL REFERENCES projects(id),
		branch TEXT NOT NULL,
		kind TEXT NOT NULL,
		status TEXT NOT NULL,
		progress INTEGER NOT NULL DEFAULT 0,
		current_step TEXT,
		commit_hash TEXT,
		commit_message TEXT,
		environment TEXT NOT NULL,
		rollback_from INTEGER,
		error_message TEXT,
		created_at TIMESTAMP NOT NULL,
		created_by INTEGER
	)`,
	`CREATE TABLE IF NOT EXISTS deployment_server_mappings (
		deployment_id INTEGER NOT NULL REFERENCES deployments(id),
		server_group_id INTEGER NOT NULL REFERENCES server_groups(id),
		PRIMARY KEY (deployment_id, server_group_id)
	)`,
	`CREATE TABLE IF NOT EXISTS deployment_artifacts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		deployment_id INTEGER NOT NULL REFERENCES deployments(id),
		file_path TEXT NOT NULL,
		file_size INTEGER NOT NULL,
		checksum TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS deployment_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		deployment_id INTEGER NOT NULL REFERENCES deployments(id),
		level TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_deployment_logs_deployment_id ON deployment_logs(deployment_id, id)`,
	`CREATE TABLE IF NOT EXISTS audit_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER,
		action TEXT NOT NULL,
		detail TEXT,
		created_at TIMESTAMP NOT NULL
	)`,
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY)`); err != nil {
		return fmt.Errorf("store: creating schema_migrations: %w", err)
	}

	var applied int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&applied); err != nil {
		return fmt.Errorf("store: counting applied migrations: %w", err)
	}

	for i := applied; i < len(migrations); i++ {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("store: beginning migration %d: %w", i, err)
		}
		if _, err := tx.ExecContext(ctx, migrations[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("store: applying migration %d: %w", i, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES (?)`, i); err != nil {
			tx.Rollback()
			return fmt.Errorf("store: recording migration %d: %w", i, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("store: committing migration %d: %w", i, err)
		}
	}
	return nil
}
