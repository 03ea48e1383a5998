package reaper

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

type fakeLister struct {
	paths []string
	err   error
}

func (f fakeLister) ArtifactPathsForProject(ctx context.Context, projectID int64) ([]string, error) {
	return f.paths, f.err
}

func TestReapDeletesEverythingExceptKeep(t *testing.T) {
	dir := t.TempDir()
	keep := filepath.Join(dir, "keep.zip")
	stale1 := filepath.Join(dir, "stale1.zip")
	stale2 := filepath.Join(dir, "stale2.zip")
	for _, p := range []string{keep, stale1, stale2} {
		if err := os.WriteFile(p, []byte("artifact"), 0o640); err != nil {
			t.Fatalf("seeding %s: %v", p, err)
		}
	}

	err := Reap(context.Background(), fakeLister{paths: []string{keep, stale1, stale2}}, 1, keep)
	if err != nil {
		t.Fatalf("Reap returned error: %v", err)
	}

	if _, err := os.Stat(keep); err != nil {
		t.Fatalf("expected kept artifact to survive, got: %v", err)
	}
	for _, p := range []string{stale1, stale2} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Fatalf("expected %s to be removed, stat err=%v", p, err)
		}
	}
}

func TestReapToleratesAlreadyMissingFiles(t *testing.T) {
	dir := t.TempDir()
	missing := filepath.Join(dir, "already-gone.zip")
	keep := filepath.Join(dir, "keep.zip")
	if err := os.WriteFile(keep, []byte("artifact"), 0o640); err != nil {
		t.Fatalf("seeding keep: %v", err)
	}

	err := Reap(context.Background(), fakeLister{paths: []string{keep, missing}}, 1, keep)
	if err != nil {
		t.Fatalf("expected missing files to be tolerated, got: %v", err)
	}
}

func TestReapPropagatesListerError(t *testing.T) {
	boom := &listerError{"listing failed"}
	err := Reap(context.Background(), fakeLister{err: boom}, 1, "")
	if err != boom {
		t.Fatalf("expected lister error to propagate unchanged, got: %v", err)
	}
}

type listerError struct{ msg string }

func (e *listerError) Error() string { return e.msg }
