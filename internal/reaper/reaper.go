// Package reaper deletes superseded artifact files for a project
// (spec.md §4.9), grounded on original_source's cleanup_artifacts but
// re-scoped from a global size budget to a per-project "keep only the
// newest" policy, matching spec.md exactly.
package reaper

import (
	"context"
	"os"

	"github.com/evsec-forge/deployctl/internal/journal"
)

// ArtifactLister resolves every artifact file path currently recorded for
// a project, so the reaper can delete everything except the one just
// produced. store.Store satisfies this.
type ArtifactLister interface {
	ArtifactPathsForProject(ctx context.Context, projectID int64) ([]string, error)
}

// Reap removes every artifact belonging to projectID except keep. Errors
// deleting an individual file are logged and do not abort the sweep or
// propagate to the caller — a failed build must never result from a
// failed reap (spec.md §4.9).
func Reap(ctx context.Context, lister ArtifactLister, projectID int64, keep string) error {
	paths, err := lister.ArtifactPathsForProject(ctx, projectID)
	if err != nil {
		return err
	}

	for _, path := range paths {
		if path == keep {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			journal.Error("artifact reap: removing "+path, err)
		}
	}
	return nil
}
