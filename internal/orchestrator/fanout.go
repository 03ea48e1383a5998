package orchestrator

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/evsec-forge/deployctl/internal/ctlerr"
	"github.com/evsec-forge/deployctl/internal/health"
	"github.com/evsec-forge/deployctl/internal/logpipeline"
	"github.com/evsec-forge/deployctl/internal/model"
	"github.com/evsec-forge/deployctl/internal/scriptutil"
	"github.com/evsec-forge/deployctl/internal/sshexec"
)

// deployToServers fans out artifactPath across every selected server
// group, sequentially, halting on the first server failure (spec.md §4.8
// "halt-on-first-server-failure"). fatalRestart controls whether a
// non-zero restart-script exit aborts the deployment (FULL/UPLOAD) or is
// merely logged as a warning (rollback replay, spec.md §4.11).
func (o *Orchestrator) deployToServers(ctx context.Context, d model.Deployment, project model.Project, artifactPath string, logger *logpipeline.Logger, fatalRestart bool) error {
	return o.deployToServersWithTransfer(ctx, d, project, artifactPath, logger, fatalRestart, false)
}

// deployToServersWithTransfer is deployToServers with the transfer mode
// exposed: fastTransfer selects the go-scp fast path rollback replay uses
// (spec.md §4.11) over the progress-reporting SFTP upload every other
// deployment kind uses.
func (o *Orchestrator) deployToServersWithTransfer(ctx context.Context, d model.Deployment, project model.Project, artifactPath string, logger *logpipeline.Logger, fatalRestart, fastTransfer bool) error {
	if project.UploadPath == "" {
		return fmt.Errorf("%w: project %q has no upload_path configured", ctlerr.ErrValidation, project.Name)
	}
	if project.UploadPath == "/" {
		return fmt.Errorf("%w: refusing to deploy to root path /", ctlerr.ErrValidation)
	}

	return o.forEachActiveServer(ctx, d, func(server model.Server) error {
		logger.Info(ctx, "deploying to server: %s", server.Name)

		exec, err := o.connect(server)
		if err != nil {
			return fmt.Errorf("failed to deploy to %s: %w", server.Name, err)
		}
		defer exec.Close()

		if project.Kind == model.ProjectFrontend {
			if err := o.deployFrontendToServer(ctx, exec, project, artifactPath, logger, fastTransfer); err != nil {
				return fmt.Errorf("failed to deploy to %s: %w", server.Name, err)
			}
		} else {
			if err := o.deployBackendToServer(ctx, exec, project, artifactPath, logger, fastTransfer); err != nil {
				return fmt.Errorf("failed to deploy to %s: %w", server.Name, err)
			}
		}

		if project.RestartScriptPath != "" {
			exitCode, stderr, err := o.runScript(ctx, exec, project.RestartScriptPath, logger)
			if err != nil {
				if !fatalRestart {
					logger.Warning(ctx, "restart step errored on %s (replaying known-good artifact, continuing): %v", server.Name, err)
					return nil
				}
				return fmt.Errorf("failed to deploy to %s: %w", server.Name, err)
			}
			if exitCode != 0 {
				if !fatalRestart {
					logger.Warning(ctx, "restart script failed on %s (exit %d): %s", server.Name, exitCode, stderr)
					return nil
				}
				logger.Error(ctx, "restart script failed (exit %d): %s", exitCode, stderr)
				return fmt.Errorf("%w: restart script failed on %s: %s", ctlerr.ErrRemoteExec, server.Name, stderr)
			}
			logger.Info(ctx, "restart script executed successfully")
		} else {
			logger.Warning(ctx, "project has no restart script path configured, skipping restart")
		}

		logger.Info(ctx, "successfully deployed to %s", server.Name)
		return nil
	}, nil, logger)
}

// runScript resolves scriptPath into its "cd <dir> && bash ./<name>"
// invocation (spec.md §4.8, original_source's get_script_execution_info)
// and runs it on exec. In detailed verbosity, stdout/stderr stream into
// logger line by line with a "[stdout]"/"[stderr]" prefix as they arrive
// (original_source's execute_command_streaming); otherwise the command
// runs to completion and only the exit code/stderr are reported.
func (o *Orchestrator) runScript(ctx context.Context, exec *sshexec.Executor, scriptPath string, logger *logpipeline.Logger) (exitCode int, stderr string, err error) {
	info, err := scriptutil.Resolve(scriptPath)
	if err != nil {
		return 0, "", err
	}
	logger.Info(ctx, "working directory: %s", info.WorkDir)
	logger.Info(ctx, "executing script: %s", info.ScriptName)

	if !o.detailed {
		exitCode, _, stderr, err = exec.Exec(info.Command)
		return exitCode, stderr, err
	}

	logger.Info(ctx, "executing command: %s", info.Command)
	exitCode, _, stderr, err = exec.ExecStreaming(info.Command,
		func(line string) { logger.Info(ctx, "[stdout] %s", line) },
		func(line string) { logger.Info(ctx, "[stderr] %s", line) },
	)
	return exitCode, stderr, err
}

// uploadArtifact picks the transfer mechanism: progress-reporting SFTP for
// ordinary deployments, or the bare go-scp fast path for rollback replay.
func uploadArtifact(exec *sshexec.Executor, local, remote string, fastTransfer bool, onProgress func(string)) error {
	if fastTransfer {
		onProgress(fmt.Sprintf("fast-path upload (scp): %s -> %s", local, remote))
		return exec.UploadFileFast(local, remote)
	}
	return exec.UploadFileWithProgress(local, remote, onProgress)
}

// deployBackendToServer uploads the artifact and unzips it in place
// (spec.md §4.8 backend path): no backup, no atomic swap.
func (o *Orchestrator) deployBackendToServer(ctx context.Context, exec *sshexec.Executor, project model.Project, artifactPath string, logger *logpipeline.Logger, fastTransfer bool) error {
	remoteArtifact := path.Join(project.UploadPath, path.Base(artifactPath))

	if err := exec.Mkdir(project.UploadPath, 0o755); err != nil {
		return err
	}

	logger.Info(ctx, "uploading artifact to: %s", remoteArtifact)
	if err := uploadArtifact(exec, artifactPath, remoteArtifact, fastTransfer, func(msg string) { logger.Info(ctx, "%s", msg) }); err != nil {
		return err
	}

	logger.Info(ctx, "unpacking artifact into: %s", project.UploadPath)
	exitCode, _, stderr, err := exec.Exec(fmt.Sprintf("unzip -o %s -d %s", remoteArtifact, project.UploadPath))
	if err != nil {
		return err
	}
	if exitCode != 0 {
		return fmt.Errorf("%w: unzip failed: %s", ctlerr.ErrRemoteExec, stderr)
	}
	logger.Info(ctx, "unpack complete")
	return nil
}

// deployFrontendToServer performs the atomic-directory-swap deployment
// (spec.md §4.8 frontend path): upload to the parent directory, move the
// existing target aside as a timestamped backup, unzip into the target,
// restoring the backup on unzip failure.
func (o *Orchestrator) deployFrontendToServer(ctx context.Context, exec *sshexec.Executor, project model.Project, artifactPath string, logger *logpipeline.Logger, fastTransfer bool) error {
	uploadPath := project.UploadPath
	parentDir := path.Dir(uploadPath)
	targetName := path.Base(uploadPath)

	if parentDir == "" || parentDir == uploadPath {
		return fmt.Errorf("%w: upload_path %q needs a parent directory, e.g. /srv/web/admin", ctlerr.ErrValidation, uploadPath)
	}

	ts := time.Now().Format("0102-150405")
	backupPath := path.Join(parentDir, fmt.Sprintf("%s-%s", targetName, ts))

	logger.Info(ctx, "frontend deployment mode")
	logger.Info(ctx, "target path: %s", uploadPath)
	logger.Info(ctx, "parent directory: %s", parentDir)

	if err := exec.Mkdir(parentDir, 0o755); err != nil {
		return err
	}

	remoteArtifact := path.Join(parentDir, path.Base(artifactPath))
	logger.Info(ctx, "uploading artifact to parent directory: %s", remoteArtifact)
	if err := uploadArtifact(exec, artifactPath, remoteArtifact, fastTransfer, func(msg string) { logger.Info(ctx, "%s", msg) }); err != nil {
		return err
	}

	backupExists, err := exec.FileExists(uploadPath)
	if err != nil {
		return err
	}
	if backupExists {
		backupCmd := fmt.Sprintf(`mv "%s" "%s"`, uploadPath, backupPath)
		exitCode, _, stderr, err := exec.Exec(backupCmd)
		if err != nil {
			return err
		}
		if exitCode != 0 {
			logger.Warning(ctx, "backup failed, cleaning up uploaded artifact")
			exec.Exec(fmt.Sprintf("rm -f %s", remoteArtifact))
			return fmt.Errorf("%w: backup failed, deployment aborted: %s", ctlerr.ErrRemoteExec, stderr)
		}
		logger.Info(ctx, "backed up existing directory to: %s", backupPath)
	} else {
		logger.Info(ctx, "no existing directory found, skipping backup")
	}

	logger.Info(ctx, "unpacking artifact into: %s", uploadPath)
	unzipCmd := fmt.Sprintf("unzip -o %s -d %s", remoteArtifact, uploadPath)
	exitCode, _, stderr, err := exec.Exec(unzipCmd)
	if err != nil {
		return err
	}
	if exitCode != 0 {
		logger.Error(ctx, "unpack failed: %s", stderr)
		if backupExists {
			logger.Warning(ctx, "unpack failed, restoring backup: %s -> %s", backupPath, uploadPath)
			restoreCmd := fmt.Sprintf(`mv "%s" "%s"`, backupPath, uploadPath)
			restoreExit, _, restoreErr, rErr := exec.Exec(restoreCmd)
			if rErr == nil && restoreExit == 0 {
				logger.Info(ctx, "backup restored successfully")
			} else {
				logger.Error(ctx, "backup restore failed: %s", restoreErr)
				logger.Error(ctx, "manual recovery command: mv \"%s\" \"%s\"", backupPath, uploadPath)
			}
		} else {
			logger.Info(ctx, "no backup to restore")
		}
		logger.Warning(ctx, "cleaning up uploaded artifact")
		exec.Exec(fmt.Sprintf("rm -f %s", remoteArtifact))
		return fmt.Errorf("%w: unpack failed, deployment aborted: %s", ctlerr.ErrRemoteExec, stderr)
	}
	logger.Info(ctx, "unpack complete")

	logger.Info(ctx, "cleaning up artifact: %s", remoteArtifact)
	if exitCode, _, stderr, err := exec.Exec(fmt.Sprintf("rm -f %s", remoteArtifact)); err != nil || exitCode != 0 {
		logger.Warning(ctx, "artifact cleanup failed (does not affect deployment): %s", stderr)
	} else {
		logger.Info(ctx, "artifact cleanup complete")
	}

	return nil
}

// performHealthChecks probes every active server in every selected group;
// any failing probe is fatal to the deployment (spec.md §4.7).
func (o *Orchestrator) performHealthChecks(ctx context.Context, d model.Deployment, project model.Project, logger *logpipeline.Logger) error {
	var failed []string

	err := o.forEachActiveServer(ctx, d, func(server model.Server) error {
		var runner *sshexec.Executor
		if project.HealthCheck.Kind == model.HealthCommand {
			var err error
			runner, err = o.connect(server)
			if err != nil {
				return err
			}
			defer runner.Close()
		}

		ok, err := health.Check(project.HealthCheck, server, project.UploadPath, runner, o.detailed, func(format string, args ...interface{}) {
			logger.Warning(ctx, format, args...)
		})
		if err != nil {
			logger.Error(ctx, "health check on %s errored: %v", server.Name, err)
			failed = append(failed, server.Name)
			return nil
		}
		if !ok {
			logger.Error(ctx, "health check failed on %s", server.Name)
			failed = append(failed, server.Name)
		} else {
			logger.Info(ctx, "health check passed on %s", server.Name)
		}
		return nil
	}, nil, logger)
	if err != nil {
		return err
	}

	if len(failed) > 0 {
		return fmt.Errorf("%w: health check failed on: %s", ctlerr.ErrProbeFailed, strings.Join(failed, ", "))
	}
	return nil
}
