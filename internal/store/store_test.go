package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/evsec-forge/deployctl/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("file::memory:?cache=shared")
	require.NoError(t, err, "opening test store")
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.migrate(context.Background()), "second migrate call should be a no-op")
}

func TestCreateAndFetchDeployment(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.db.ExecContext(ctx, `INSERT INTO projects (id, name, git_url) VALUES (1, 'demo', 'https://example.com/demo.git')`)
	require.NoError(t, err, "seeding project")

	id, err := s.CreateDeployment(ctx, model.Deployment{
		ProjectID:   1,
		Branch:      "main",
		Kind:        model.KindFull,
		Status:      model.StatusPending,
		Environment: model.EnvProduction,
		CreatedAt:   time.Now(),
	})
	require.NoError(t, err, "creating deployment")

	d, err := s.GetDeployment(ctx, id)
	require.NoError(t, err, "fetching deployment")
	require.Equal(t, "main", d.Branch)
	require.Equal(t, model.StatusPending, d.Status)
}

func TestUpdateDeploymentStatusDerivesProgress(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.db.ExecContext(ctx, `INSERT INTO projects (id, name, git_url) VALUES (1, 'demo', 'https://example.com/demo.git')`)

	id, err := s.CreateDeployment(ctx, model.Deployment{ProjectID: 1, Branch: "main", Kind: model.KindFull, Status: model.StatusPending, Environment: model.EnvProduction, CreatedAt: time.Now()})
	require.NoError(t, err, "creating deployment")

	require.NoError(t, s.UpdateDeploymentStatus(ctx, id, model.StatusBuilding, ""), "updating status")

	d, err := s.GetDeployment(ctx, id)
	require.NoError(t, err, "fetching deployment")
	require.Equal(t, model.StatusBuilding.Progress(), d.Progress)
}

func TestGetDeploymentNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetDeployment(context.Background(), 999)
	require.Error(t, err, "expected not-found error")
}

func TestArtifactPathsForProject(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.db.ExecContext(ctx, `INSERT INTO projects (id, name, git_url) VALUES (1, 'demo', 'https://example.com/demo.git')`)

	depID, _ := s.CreateDeployment(ctx, model.Deployment{ProjectID: 1, Branch: "main", Kind: model.KindFull, Status: model.StatusPending, Environment: model.EnvProduction, CreatedAt: time.Now()})
	s.CreateArtifact(ctx, model.Artifact{DeploymentID: depID, FilePath: "/artifacts/a.zip", FileSize: 10, SHA256: "abc"})
	s.CreateArtifact(ctx, model.Artifact{DeploymentID: depID, FilePath: "/artifacts/b.zip", FileSize: 20, SHA256: "def"})

	paths, err := s.ArtifactPathsForProject(ctx, 1)
	require.NoError(t, err, "listing artifact paths")
	require.Len(t, paths, 2)
}

func TestInsertLogsEmptyIsNoop(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.InsertLogs(context.Background(), nil), "expected nil error for empty batch")
}

func TestLogsForDeploymentSinceIDCursor(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.db.ExecContext(ctx, `INSERT INTO projects (id, name, git_url) VALUES (1, 'demo', 'https://example.com/demo.git')`)
	depID, _ := s.CreateDeployment(ctx, model.Deployment{ProjectID: 1, Branch: "main", Kind: model.KindFull, Status: model.StatusPending, Environment: model.EnvProduction, CreatedAt: time.Now()})

	require.NoError(t, s.InsertLogs(ctx, []model.LogEntry{
		{DeploymentID: depID, Level: model.LogInfo, Content: "first", Timestamp: time.Now()},
		{DeploymentID: depID, Level: model.LogInfo, Content: "second", Timestamp: time.Now()},
		{DeploymentID: depID, Level: model.LogInfo, Content: "third", Timestamp: time.Now()},
	}))

	all, maxID, err := s.LogsForDeployment(ctx, depID, 0, 500)
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Greater(t, maxID, int64(0))

	tail, _, err := s.LogsForDeployment(ctx, depID, all[0].ID, 500)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	require.Equal(t, "second", tail[0].Content)
}
