// Package store is the relational persistence layer (spec.md §6
// "on-disk layout"): projects, servers, server groups, deployments,
// artifacts, logs, and users, backed by SQLite via database/sql and
// mattn/go-sqlite3. Schema evolves through the ordered migrations in
// migrations.go, mirroring the numbered alembic revisions under
// original_source/backend/alembic/versions.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/evsec-forge/deployctl/internal/ctlerr"
	"github.com/evsec-forge/deployctl/internal/model"
)

// Store owns the database/sql handle and exposes the queries the core
// needs. It satisfies logpipeline.LogWriter and reaper.ArtifactLister
// without either package importing it.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the SQLite database at path and
// applies any pending migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("store: opening database: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite: one writer at a time keeps this simple.

	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// InsertLogs implements logpipeline.LogWriter.
func (s *Store) InsertLogs(ctx context.Context, entries []model.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: beginning log insert transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO deployment_logs (deployment_id, level, content, created_at)
		VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("store: preparing log insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, e.DeploymentID, string(e.Level), e.Content, e.Timestamp.UTC()); err != nil {
			return fmt.Errorf("store: inserting log entry: %w", err)
		}
	}
	return tx.Commit()
}

// ArtifactPathsForProject implements reaper.ArtifactLister: resolves
// every artifact file path recorded against a deployment of projectID.
func (s *Store) ArtifactPathsForProject(ctx context.Context, projectID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.file_path
		FROM deployment_artifacts a
		JOIN deployments d ON d.id = a.deployment_id
		WHERE d.project_id = ?`, projectID)
	if err != nil {
		return nil, fmt.Errorf("store: querying artifact paths: %w", err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("store: scanning artifact path: %w", err)
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

// CreateDeployment inserts d and returns its assigned id.
func (s *Store) CreateDeployment(ctx context.Context, d model.Deployment) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO deployments
			(project_id, branch, kind, status, progress, current_step, environment, rollback_from, created_at, created_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ProjectID, d.Branch, string(d.Kind), string(d.Status), d.Progress, d.CurrentStep,
		string(d.Environment), d.RollbackFrom, d.CreatedAt.UTC(), d.CreatedBy)
	if err != nil {
		return 0, fmt.Errorf("store: inserting deployment: %w", err)
	}
	return res.LastInsertId()
}

// UpdateDeploymentStatus transitions a deployment's status (and derived
// progress), optionally recording an error message.
func (s *Store) UpdateDeploymentStatus(ctx context.Context, id int64, status model.Status, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE deployments
		SET status = ?, progress = ?, current_step = ?, error_message = ?
		WHERE id = ?`,
		string(status), status.Progress(), string(status), nullIfEmpty(errMsg), id)
	if err != nil {
		return fmt.Errorf("store: updating deployment status: %w", err)
	}
	return nil
}

// UpdateDeploymentCommit records the commit the Git Fetcher checked out.
func (s *Store) UpdateDeploymentCommit(ctx context.Context, id int64, hash, message string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE deployments SET commit_hash = ?, commit_message = ? WHERE id = ?`,
		hash, message, id)
	if err != nil {
		return fmt.Errorf("store: updating deployment commit: %w", err)
	}
	return nil
}

// GetDeployment fetches a single deployment by id.
func (s *Store) GetDeployment(ctx context.Context, id int64) (model.Deployment, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, branch, kind, status, progress, current_step,
		       COALESCE(commit_hash, ''), COALESCE(commit_message, ''),
		       environment, rollback_from, COALESCE(error_message, ''), created_at, created_by
		FROM deployments WHERE id = ?`, id)

	var d model.Deployment
	var kind, status, environment string
	var rollbackFrom sql.NullInt64
	var createdAt time.Time
	err := row.Scan(&d.ID, &d.ProjectID, &d.Branch, &kind, &status, &d.Progress, &d.CurrentStep,
		&d.CommitHash, &d.CommitMessage, &environment, &rollbackFrom, &d.ErrorMessage, &createdAt, &d.CreatedBy)
	if err == sql.ErrNoRows {
		return model.Deployment{}, fmt.Errorf("%w: deployment %d", ctlerr.ErrNotFound, id)
	}
	if err != nil {
		return model.Deployment{}, fmt.Errorf("store: fetching deployment: %w", err)
	}
	d.Kind = model.DeploymentKind(kind)
	d.Status = model.Status(status)
	d.Environment = model.Environment(environment)
	d.CreatedAt = createdAt
	if rollbackFrom.Valid {
		v := rollbackFrom.Int64
		d.RollbackFrom = &v
	}

	groupRows, err := s.db.QueryContext(ctx, `
		SELECT server_group_id FROM deployment_server_mappings WHERE deployment_id = ?`, id)
	if err != nil {
		return model.Deployment{}, fmt.Errorf("store: fetching deployment server groups: %w", err)
	}
	defer groupRows.Close()
	for groupRows.Next() {
		var gid int64
		if err := groupRows.Scan(&gid); err != nil {
			return model.Deployment{}, fmt.Errorf("store: scanning server group id: %w", err)
		}
		d.ServerGroupIDs = append(d.ServerGroupIDs, gid)
	}

	return d, groupRows.Err()
}

// ListDeployments returns up to 100 most recent deployments, optionally
// filtered by project id and/or environment (spec.md §6).
func (s *Store) ListDeployments(ctx context.Context, projectID int64, environment model.Environment) ([]model.Deployment, error) {
	query := `SELECT id FROM deployments WHERE 1=1`
	var args []interface{}
	if projectID != 0 {
		query += ` AND project_id = ?`
		args = append(args, projectID)
	}
	if environment != "" {
		query += ` AND environment = ?`
		args = append(args, string(environment))
	}
	query += ` ORDER BY id DESC LIMIT 100`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: listing deployments: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("store: scanning deployment id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	deployments := make([]model.Deployment, 0, len(ids))
	for _, id := range ids {
		d, err := s.GetDeployment(ctx, id)
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, d)
	}
	return deployments, nil
}

// AssignServerGroups records the groups a deployment targets.
func (s *Store) AssignServerGroups(ctx context.Context, deploymentID int64, groupIDs []int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: beginning server group assignment: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO deployment_server_mappings (deployment_id, server_group_id) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("store: preparing server group assignment: %w", err)
	}
	defer stmt.Close()

	for _, gid := range groupIDs {
		if _, err := stmt.ExecContext(ctx, deploymentID, gid); err != nil {
			return fmt.Errorf("store: assigning server group: %w", err)
		}
	}
	return tx.Commit()
}

// CreateArtifact records a build/upload artifact against a deployment.
func (s *Store) CreateArtifact(ctx context.Context, a model.Artifact) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO deployment_artifacts (deployment_id, file_path, file_size, checksum)
		VALUES (?, ?, ?, ?)`, a.DeploymentID, a.FilePath, a.FileSize, a.SHA256)
	if err != nil {
		return 0, fmt.Errorf("store: inserting artifact: %w", err)
	}
	return res.LastInsertId()
}

// ArtifactForDeployment fetches the artifact recorded for a deployment,
// used by the Rollback Driver to locate the source binary.
func (s *Store) ArtifactForDeployment(ctx context.Context, deploymentID int64) (model.Artifact, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, deployment_id, file_path, file_size, checksum
		FROM deployment_artifacts WHERE deployment_id = ? ORDER BY id DESC LIMIT 1`, deploymentID)

	var a model.Artifact
	err := row.Scan(&a.ID, &a.DeploymentID, &a.FilePath, &a.FileSize, &a.SHA256)
	if err == sql.ErrNoRows {
		return model.Artifact{}, fmt.Errorf("%w: no artifact for deployment %d", ctlerr.ErrNotFound, deploymentID)
	}
	if err != nil {
		return model.Artifact{}, fmt.Errorf("store: fetching artifact: %w", err)
	}
	return a, nil
}

// GetProject fetches a project by id.
func (s *Store) GetProject(ctx context.Context, id int64) (model.Project, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, git_url, credential_kind, COALESCE(git_credential_secret, ''), kind,
		       COALESCE(build_command, ''), COALESCE(install_command, ''), auto_install,
		       COALESCE(output_dir, ''), COALESCE(upload_path, ''),
		       COALESCE(restart_script_path, ''), COALESCE(restart_only_script_path, ''),
		       environment,
		       health_check_enabled, COALESCE(health_check_kind, ''), COALESCE(health_check_url, ''),
		       COALESCE(health_check_port, 0), COALESCE(health_check_command, ''),
		       COALESCE(health_check_timeout_seconds, 0), COALESCE(health_check_retries, 0),
		       COALESCE(health_check_interval_seconds, 0)
		FROM projects WHERE id = ?`, id)

	var p model.Project
	var credKind, kind, environment, hcKind string
	var hcTimeout, hcInterval int
	err := row.Scan(&p.ID, &p.Name, &p.GitURL, &credKind, &p.GitCredentialSecret, &kind,
		&p.BuildCommand, &p.InstallCommand, &p.AutoInstall, &p.OutputDir, &p.UploadPath,
		&p.RestartScriptPath, &p.RestartOnlyScriptPath, &environment,
		&p.HealthCheck.Enabled, &hcKind, &p.HealthCheck.URL, &p.HealthCheck.Port, &p.HealthCheck.Command,
		&hcTimeout, &p.HealthCheck.Retries, &hcInterval)
	if err == sql.ErrNoRows {
		return model.Project{}, fmt.Errorf("%w: project %d", ctlerr.ErrNotFound, id)
	}
	if err != nil {
		return model.Project{}, fmt.Errorf("store: fetching project: %w", err)
	}
	p.CredentialKind = model.CredentialKind(credKind)
	p.Kind = model.ProjectKind(kind)
	p.Environment = model.Environment(environment)
	p.HealthCheck.Kind = model.HealthCheckKind(hcKind)
	p.HealthCheck.Timeout = time.Duration(hcTimeout) * time.Second
	p.HealthCheck.Interval = time.Duration(hcInterval) * time.Second
	return p, nil
}

// ServerGroup fetches a server group and its member servers.
func (s *Store) ServerGroup(ctx context.Context, id int64) (model.ServerGroup, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, environment FROM server_groups WHERE id = ?`, id)
	var g model.ServerGroup
	var environment string
	if err := row.Scan(&g.ID, &g.Name, &environment); err != nil {
		if err == sql.ErrNoRows {
			return model.ServerGroup{}, fmt.Errorf("%w: server group %d", ctlerr.ErrNotFound, id)
		}
		return model.ServerGroup{}, fmt.Errorf("store: fetching server group: %w", err)
	}
	g.Environment = model.Environment(environment)

	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.name, s.host, s.port, s.username, s.auth_kind,
		       COALESCE(s.auth_secret, ''), COALESCE(s.key_algo, ''), s.active, s.reachability
		FROM servers s
		JOIN server_group_members m ON m.server_id = s.id
		WHERE m.server_group_id = ?
		ORDER BY m.position ASC, s.id ASC`, id)
	if err != nil {
		return model.ServerGroup{}, fmt.Errorf("store: fetching group servers: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var srv model.Server
		var authKind, reach string
		if err := rows.Scan(&srv.ID, &srv.Name, &srv.Host, &srv.Port, &srv.Username, &authKind,
			&srv.AuthSecret, &srv.KeyAlgo, &srv.Active, &reach); err != nil {
			return model.ServerGroup{}, fmt.Errorf("store: scanning server: %w", err)
		}
		srv.AuthKind = model.AuthKind(authKind)
		srv.Reachability = model.Reachability(reach)
		g.Servers = append(g.Servers, srv)
	}
	return g, rows.Err()
}

// UpdateServerReachability records the last known reachability of a server.
func (s *Store) UpdateServerReachability(ctx context.Context, id int64, reach model.Reachability) error {
	_, err := s.db.ExecContext(ctx, `UPDATE servers SET reachability = ? WHERE id = ?`, string(reach), id)
	if err != nil {
		return fmt.Errorf("store: updating server reachability: %w", err)
	}
	return nil
}

// RecordAudit appends an audit log row (spec.md §6 table list).
func (s *Store) RecordAudit(ctx context.Context, userID int64, action, detail string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (user_id, action, detail, created_at) VALUES (?, ?, ?, ?)`,
		userID, action, detail, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("store: recording audit entry: %w", err)
	}
	return nil
}

// NonTerminalDeploymentIDs returns every deployment left in a non-terminal
// status, for the reconciler to sweep on startup (SPEC_FULL.md §4.13).
func (s *Store) NonTerminalDeploymentIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM deployments
		WHERE status NOT IN (?, ?, ?)`,
		string(model.StatusSuccess), string(model.StatusFailed), string(model.StatusCancelled))
	if err != nil {
		return nil, fmt.Errorf("store: querying non-terminal deployments: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// LogsForDeployment implements the incremental-fetch contract of spec.md
// §6: if sinceID > 0, returns up to limit entries with id > sinceID; else
// returns up to limit most recent entries, both in id-ascending order. The
// second return value is the highest log id for the deployment (0 if it
// has none yet), for the caller's next poll.
func (s *Store) LogsForDeployment(ctx context.Context, deploymentID int64, sinceID int64, limit int) ([]model.LogEntry, int64, error) {
	var maxID int64
	row := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM deployment_logs WHERE deployment_id = ?`, deploymentID)
	if err := row.Scan(&maxID); err != nil {
		return nil, 0, fmt.Errorf("store: fetching max log id: %w", err)
	}

	var rows *sql.Rows
	var err error
	if sinceID > 0 {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, deployment_id, level, content, created_at
			FROM deployment_logs WHERE deployment_id = ? AND id > ?
			ORDER BY id ASC LIMIT ?`, deploymentID, sinceID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, deployment_id, level, content, created_at FROM (
				SELECT id, deployment_id, level, content, created_at
				FROM deployment_logs WHERE deployment_id = ?
				ORDER BY id DESC LIMIT ?
			) ORDER BY id ASC`, deploymentID, limit)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("store: querying logs: %w", err)
	}
	defer rows.Close()

	var entries []model.LogEntry
	for rows.Next() {
		var e model.LogEntry
		var level string
		if err := rows.Scan(&e.ID, &e.DeploymentID, &level, &e.Content, &e.Timestamp); err != nil {
			return nil, 0, fmt.Errorf("store: scanning log entry: %w", err)
		}
		e.Level = model.LogLevel(level)
		entries = append(entries, e)
	}
	return entries, maxID, rows.Err()
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
