package orchestrator

import (
	"context"
	"fmt"

	"github.com/evsec-forge/deployctl/internal/ctlerr"
	"github.com/evsec-forge/deployctl/internal/logpipeline"
	"github.com/evsec-forge/deployctl/internal/model"
)

// rollbackDeploy replays a prior deployment's stored artifact through the
// server fan-out, skipping clone/build entirely (spec.md §4.11). Failure
// to locate the source artifact is fatal; restart-script failures during
// the replay are logged as warnings rather than aborting the deployment,
// since the operator is replaying a binary already known to work.
func (o *Orchestrator) rollbackDeploy(ctx context.Context, d model.Deployment, logger *logpipeline.Logger) {
	if d.RollbackFrom == nil {
		o.fail(&d, logger, fmt.Errorf("%w: rollback deployment has no source reference", ctlerr.ErrValidation))
		return
	}

	project, err := o.store.GetProject(ctx, d.ProjectID)
	if err != nil {
		o.fail(&d, logger, err)
		return
	}

	artifact, err := o.store.ArtifactForDeployment(ctx, *d.RollbackFrom)
	if err != nil {
		o.fail(&d, logger, fmt.Errorf("%w: source deployment %d has no artifact on file: %v", ctlerr.ErrNotFound, *d.RollbackFrom, err))
		return
	}
	logger.Info(ctx, "rolling back %s to deployment #%d (%s)", project.Name, *d.RollbackFrom, artifact.FilePath)

	o.setStatus(ctx, &d, model.StatusDeploying, "")
	if err := o.deployToServersWithTransfer(ctx, d, project, artifact.FilePath, logger, false, true); err != nil {
		o.fail(&d, logger, err)
		return
	}
	if o.cancelled(ctx, &d, logger) {
		return
	}

	if project.HealthCheck.Enabled {
		o.setStatus(ctx, &d, model.StatusHealthChecking, "")
		if err := o.performHealthChecks(ctx, d, project, logger); err != nil {
			o.fail(&d, logger, err)
			return
		}
		if o.cancelled(ctx, &d, logger) {
			return
		}
	}

	o.setStatus(ctx, &d, model.StatusSuccess, "")
	logger.Info(ctx, "rollback completed successfully")
}
