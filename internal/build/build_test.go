package build

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/evsec-forge/deployctl/internal/model"
)

func TestZipDirectoryAndSha256FileRoundTrip(t *testing.T) {
	src := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "a.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatalf("seeding file: %v", err)
	}
	if err := os.Mkdir(filepath.Join(src, "sub"), 0o755); err != nil {
		t.Fatalf("seeding subdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(src, "sub", "b.txt"), []byte("world"), 0o644); err != nil {
		t.Fatalf("seeding nested file: %v", err)
	}

	dst := filepath.Join(t.TempDir(), "artifact.zip")
	if err := zipDirectory(src, dst); err != nil {
		t.Fatalf("zipDirectory: %v", err)
	}

	info, err := os.Stat(dst)
	if err != nil {
		t.Fatalf("expected artifact to exist: %v", err)
	}
	if info.Size() == 0 {
		t.Fatal("expected non-empty zip artifact")
	}

	sum, size, err := sha256File(dst)
	if err != nil {
		t.Fatalf("sha256File: %v", err)
	}
	if size != info.Size() {
		t.Fatalf("expected digest size %d to match file size %d", size, info.Size())
	}
	if len(sum) != 64 {
		t.Fatalf("expected a 64-char hex sha256 digest, got %q", sum)
	}

	sum2, _, err := sha256File(dst)
	if err != nil {
		t.Fatalf("sha256File (second run): %v", err)
	}
	if sum != sum2 {
		t.Fatal("expected sha256File to be deterministic")
	}
}

func TestBuildFailsWithoutBuildCommand(t *testing.T) {
	b := &Builder{ArtifactsDir: t.TempDir()}
	result := b.Build(context.Background(), t.TempDir(), model.Project{ID: 1}, nil)
	if result.Status != StatusFailed {
		t.Fatalf("expected StatusFailed when no build command is configured, got %s", result.Status)
	}
}

func TestBuildFailsWhenOutputDirMissing(t *testing.T) {
	b := &Builder{ArtifactsDir: t.TempDir()}
	project := model.Project{ID: 1, BuildCommand: "true", OutputDir: "does-not-exist"}
	result := b.Build(context.Background(), t.TempDir(), project, nil)
	if result.Status != StatusFailed {
		t.Fatalf("expected StatusFailed when OutputDir is absent, got %s", result.Status)
	}
}

func TestBuildSucceedsAndInvokesReap(t *testing.T) {
	sourceDir := t.TempDir()
	outputDir := filepath.Join(sourceDir, "dist")
	if err := os.Mkdir(outputDir, 0o755); err != nil {
		t.Fatalf("seeding output dir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(outputDir, "app.bin"), []byte("binary"), 0o644); err != nil {
		t.Fatalf("seeding build output: %v", err)
	}

	b := &Builder{ArtifactsDir: t.TempDir()}
	project := model.Project{ID: 9, BuildCommand: "true", OutputDir: "dist"}

	var reapedProjectID int64
	var reapedKeep string
	reap := func(projectID int64, keep string) error {
		reapedProjectID = projectID
		reapedKeep = keep
		return nil
	}

	result := b.Build(context.Background(), sourceDir, project, reap)
	if result.Status != StatusSuccess {
		t.Fatalf("expected StatusSuccess, got %s: %s", result.Status, result.ErrorMessage)
	}
	if result.ArtifactPath == "" || result.SHA256 == "" || result.Size == 0 {
		t.Fatalf("expected populated result fields, got %+v", result)
	}
	if reapedProjectID != 9 || reapedKeep != result.ArtifactPath {
		t.Fatalf("expected reap to be called with (9, %s), got (%d, %s)", result.ArtifactPath, reapedProjectID, reapedKeep)
	}
}

func TestBuildFailsOnNonZeroExitCode(t *testing.T) {
	b := &Builder{ArtifactsDir: t.TempDir()}
	project := model.Project{ID: 1, BuildCommand: "false", OutputDir: "."}
	result := b.Build(context.Background(), t.TempDir(), project, nil)
	if result.Status != StatusFailed {
		t.Fatalf("expected StatusFailed for a non-zero build command exit, got %s", result.Status)
	}
}

func TestBuildRespectsAlreadyCancelledContext(t *testing.T) {
	b := &Builder{ArtifactsDir: t.TempDir()}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	project := model.Project{ID: 1, BuildCommand: "true", OutputDir: "."}
	result := b.Build(ctx, t.TempDir(), project, nil)
	if result.Status != StatusCancelled {
		t.Fatalf("expected StatusCancelled for a pre-cancelled context, got %s", result.Status)
	}
}
