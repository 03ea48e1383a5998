// Package orchestrator is the deployment state machine (spec.md
// §4.7/§4.8/§4.10): it drives a Deployment through its stage sequence,
// fanning out sequentially across servers, and owns cooperative
// cancellation. Grounded on original_source's DeploymentService,
// expressed in the teacher's scoped-connection-per-host idiom
// (controller_src/ssh_deploy.go) but sequential rather than concurrent
// per spec.md §4.8's explicit design choice.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/evsec-forge/deployctl/internal/build"
	"github.com/evsec-forge/deployctl/internal/concurrency"
	"github.com/evsec-forge/deployctl/internal/ctlerr"
	"github.com/evsec-forge/deployctl/internal/gitfetch"
	"github.com/evsec-forge/deployctl/internal/journal"
	"github.com/evsec-forge/deployctl/internal/logpipeline"
	"github.com/evsec-forge/deployctl/internal/metrics"
	"github.com/evsec-forge/deployctl/internal/model"
	"github.com/evsec-forge/deployctl/internal/reaper"
	"github.com/evsec-forge/deployctl/internal/secret"
	"github.com/evsec-forge/deployctl/internal/sshexec"
)

// Store is the subset of store.Store the orchestrator depends on.
type Store interface {
	GetDeployment(ctx context.Context, id int64) (model.Deployment, error)
	GetProject(ctx context.Context, id int64) (model.Project, error)
	ServerGroup(ctx context.Context, id int64) (model.ServerGroup, error)
	UpdateDeploymentStatus(ctx context.Context, id int64, status model.Status, errMsg string) error
	UpdateDeploymentCommit(ctx context.Context, id int64, hash, message string) error
	CreateArtifact(ctx context.Context, a model.Artifact) (int64, error)
	ArtifactForDeployment(ctx context.Context, deploymentID int64) (model.Artifact, error)
	ArtifactPathsForProject(ctx context.Context, projectID int64) ([]string, error)
	NonTerminalDeploymentIDs(ctx context.Context) ([]int64, error)
}

// Orchestrator wires together every collaborator stage execution needs.
type Orchestrator struct {
	store     Store
	registry  *logpipeline.Registry
	gate      *concurrency.Gate
	decryptor secret.Decryptor

	artifactsDir string
	workDir      string
	sshTimeout   time.Duration
	buildTimeout time.Duration
	verbosity    build.Verbosity
	detailed     bool

	mu          sync.Mutex
	cancels     map[int64]context.CancelFunc
	stageStarts map[int64]time.Time
}

// New constructs an Orchestrator.
func New(st Store, registry *logpipeline.Registry, gate *concurrency.Gate, decryptor secret.Decryptor, artifactsDir, workDir string, sshTimeout, buildTimeout time.Duration, detailed bool) *Orchestrator {
	v := build.VerbosityMinimal
	if detailed {
		v = build.VerbosityDetailed
	}
	return &Orchestrator{
		store:        st,
		registry:     registry,
		gate:         gate,
		decryptor:    decryptor,
		artifactsDir: artifactsDir,
		workDir:      workDir,
		sshTimeout:   sshTimeout,
		buildTimeout: buildTimeout,
		verbosity:    v,
		detailed:     detailed,
		cancels:      make(map[int64]context.CancelFunc),
		stageStarts:  make(map[int64]time.Time),
	}
}

// Cancel cooperatively cancels deploymentID if it is currently running.
// Checked between stages; idempotent and safe if the deployment already
// finished.
func (o *Orchestrator) Cancel(deploymentID int64) {
	o.mu.Lock()
	cancel, ok := o.cancels[deploymentID]
	o.mu.Unlock()
	if ok {
		cancel()
	}
}

// TryStart attempts to admit deploymentID through the concurrency gate and,
// if admitted, runs it to completion on a background goroutine rooted in
// its own context (never the caller's request context — spec.md §5(c)).
// Returns false if the gate is at capacity; the caller (the API layer) is
// responsible for leaving the deployment in QUEUED in that case — this
// core does not auto-dispatch queued deployments (spec.md §4.6).
func (o *Orchestrator) TryStart(deploymentID int64) bool {
	if !o.gate.Acquire(deploymentID) {
		return false
	}
	metrics.InFlight.Set(float64(o.gate.InFlight()))
	go o.Run(context.Background(), deploymentID)
	return true
}

// Run executes deploymentID's stage sequence to completion, releasing the
// concurrency slot and per-deployment log pipeline on exit. The caller is
// expected to invoke this from a background goroutine after Acquire
// succeeds.
func (o *Orchestrator) Run(parent context.Context, deploymentID int64) {
	ctx, cancel := context.WithCancel(parent)
	o.mu.Lock()
	o.cancels[deploymentID] = cancel
	o.mu.Unlock()
	metrics.InFlight.Set(float64(o.gate.InFlight()))

	defer func() {
		cancel()
		o.mu.Lock()
		delete(o.cancels, deploymentID)
		o.mu.Unlock()
		o.gate.Release(deploymentID)
		metrics.InFlight.Set(float64(o.gate.InFlight()))
		logger := o.registry.Logger(deploymentID)
		logger.Flush(context.Background())
		o.registry.Remove(context.Background(), deploymentID)
	}()

	logger := o.registry.Logger(deploymentID)

	d, err := o.store.GetDeployment(ctx, deploymentID)
	if err != nil {
		journal.Error("orchestrator: loading deployment", err)
		return
	}

	switch {
	case d.RollbackFrom != nil:
		o.rollbackDeploy(ctx, d, logger)
	case d.Kind == model.KindRestartOnly:
		o.restartOnlyDeploy(ctx, d, logger)
	case d.Kind == model.KindUpload:
		o.uploadDeploy(ctx, d, logger)
	default:
		o.fullDeploy(ctx, d, logger)
	}
}

// ReconcileStartup fails over every deployment left in a non-terminal
// state by a prior process crash (SPEC_FULL.md §4.13). Call once, before
// accepting new submissions; the concurrency gate starts empty on
// restart, so no slots need releasing here.
func (o *Orchestrator) ReconcileStartup(ctx context.Context) error {
	ids, err := o.store.NonTerminalDeploymentIDs(ctx)
	if err != nil {
		return fmt.Errorf("orchestrator: listing non-terminal deployments: %w", err)
	}
	for _, id := range ids {
		if err := o.store.UpdateDeploymentStatus(ctx, id, model.StatusFailed, "orchestrator restarted while deployment was in flight"); err != nil {
			journal.Error("orchestrator: reconciling deployment", err)
			continue
		}
		metrics.DeploymentsTotal.WithLabelValues("", string(model.StatusFailed)).Inc()
	}
	return nil
}

func (o *Orchestrator) setStatus(ctx context.Context, d *model.Deployment, status model.Status, errMsg string) {
	o.mu.Lock()
	if start, ok := o.stageStarts[d.ID]; ok {
		metrics.ObserveStage(stageName(d.Status), start, stageOutcome(status))
	}
	if status.Terminal() {
		delete(o.stageStarts, d.ID)
	} else {
		o.stageStarts[d.ID] = time.Now()
	}
	o.mu.Unlock()

	d.Status = status
	d.Progress = status.Progress()
	if err := o.store.UpdateDeploymentStatus(ctx, d.ID, status, errMsg); err != nil {
		journal.Error("orchestrator: persisting status", err)
	}
	if status.Terminal() {
		metrics.DeploymentsTotal.WithLabelValues(string(d.Kind), string(status)).Inc()
	}
}

// stageName maps a non-terminal status to the metrics stage label it
// represents while active.
func stageName(status model.Status) string {
	switch status {
	case model.StatusCloning:
		return "clone"
	case model.StatusBuilding:
		return "build"
	case model.StatusUploading:
		return "upload"
	case model.StatusDeploying:
		return "deploy"
	case model.StatusRestarting:
		return "restart"
	case model.StatusHealthChecking:
		return "health_check"
	default:
		return "pending"
	}
}

func stageOutcome(next model.Status) string {
	switch next {
	case model.StatusFailed:
		return "failed"
	case model.StatusCancelled:
		return "cancelled"
	default:
		return "success"
	}
}

func (o *Orchestrator) cancelled(ctx context.Context, d *model.Deployment, logger *logpipeline.Logger) bool {
	if ctx.Err() == nil {
		return false
	}
	o.setStatus(context.Background(), d, model.StatusCancelled, "")
	logger.Warning(context.Background(), "deployment cancelled")
	return true
}

func (o *Orchestrator) fail(d *model.Deployment, logger *logpipeline.Logger, err error) {
	o.setStatus(context.Background(), d, model.StatusFailed, err.Error())
	logger.Error(context.Background(), "deployment failed: %v", err)
}

func (o *Orchestrator) fullDeploy(ctx context.Context, d model.Deployment, logger *logpipeline.Logger) {
	project, err := o.store.GetProject(ctx, d.ProjectID)
	if err != nil {
		o.fail(&d, logger, err)
		return
	}
	logger.Info(ctx, "starting full deployment: %s (%s)", project.Name, d.Branch)

	o.setStatus(ctx, &d, model.StatusCloning, "")
	workDir := filepath.Join(o.workDir, fmt.Sprintf("build_%d", d.ID))
	defer os.RemoveAll(workDir)

	info, err := o.cloneProject(project, d.Branch, workDir)
	if err != nil {
		o.fail(&d, logger, fmt.Errorf("%w: git operation failed: %v", ctlerr.ErrInternal, err))
		return
	}
	if err := o.store.UpdateDeploymentCommit(ctx, d.ID, info.CommitHash, info.CommitMessage); err != nil {
		journal.Error("orchestrator: recording commit", err)
	}
	logger.Info(ctx, "checked out branch: %s", info.Branch)
	logger.Info(ctx, "commit: %s", info.CommitHash)
	logger.Info(ctx, "message: %s", info.CommitMessage)

	if o.cancelled(ctx, &d, logger) {
		return
	}

	o.setStatus(ctx, &d, model.StatusBuilding, "")
	builder := &build.Builder{
		ArtifactsDir: o.artifactsDir,
		Verbosity:    o.verbosity,
		Timeout:      o.buildTimeout,
		OnOutput: func(_ model.LogLevel, line string) {
			logger.Info(ctx, "%s", line)
		},
	}
	buildCtx := ctx
	if o.buildTimeout > 0 {
		var buildCancel context.CancelFunc
		buildCtx, buildCancel = context.WithTimeout(ctx, o.buildTimeout)
		defer buildCancel()
	}
	result := builder.Build(buildCtx, workDir, project, func(projectID int64, keep string) error {
		return reaper.Reap(ctx, o.store, projectID, keep)
	})
	if result.Status == build.StatusCancelled {
		o.cancelled(ctx, &d, logger)
		return
	}
	if result.Status != build.StatusSuccess {
		o.fail(&d, logger, fmt.Errorf("%w: %s", ctlerr.ErrBuild, result.ErrorMessage))
		return
	}

	if _, err := o.store.CreateArtifact(ctx, model.Artifact{
		DeploymentID: d.ID,
		FilePath:     result.ArtifactPath,
		FileSize:     result.Size,
		SHA256:       result.SHA256,
	}); err != nil {
		o.fail(&d, logger, fmt.Errorf("%w: recording artifact: %v", ctlerr.ErrInternal, err))
		return
	}

	if o.cancelled(ctx, &d, logger) {
		return
	}

	o.setStatus(ctx, &d, model.StatusDeploying, "")
	if err := o.deployToServers(ctx, d, project, result.ArtifactPath, logger, true); err != nil {
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
	logger.Info(ctx, "deployment completed successfully")
}

func (o *Orchestrator) restartOnlyDeploy(ctx context.Context, d model.Deployment, logger *logpipeline.Logger) {
	project, err := o.store.GetProject(ctx, d.ProjectID)
	if err != nil {
		o.fail(&d, logger, err)
		return
	}
	if project.RestartOnlyScriptPath == "" {
		o.fail(&d, logger, fmt.Errorf("%w: project %q has no restart_only_script_path configured", ctlerr.ErrValidation, project.Name))
		return
	}
	logger.Info(ctx, "starting restart-only deployment: %s", project.Name)

	o.setStatus(ctx, &d, model.StatusRestarting, "")
	if o.cancelled(ctx, &d, logger) {
		return
	}

	var failedServers []string
	err = o.forEachActiveServer(ctx, d, func(server model.Server) error {
		exec, err := o.connect(server)
		if err != nil {
			return err
		}
		defer exec.Close()

		logger.Info(ctx, "restarting on server: %s (%s)", server.Name, server.Host)
		exitCode, stderr, err := o.runScript(ctx, exec, project.RestartOnlyScriptPath, logger)
		if err != nil {
			return err
		}
		if exitCode != 0 {
			return fmt.Errorf("%w: restart script failed: %s", ctlerr.ErrRemoteExec, stderr)
		}
		logger.Info(ctx, "successfully restarted %s", server.Name)
		return nil
	}, func(server model.Server, err error) {
		logger.Error(ctx, "failed to restart %s: %v", server.Name, err)
		failedServers = append(failedServers, server.Name)
	}, logger)
	if err != nil {
		o.fail(&d, logger, err)
		return
	}
	if len(failedServers) > 0 {
		o.fail(&d, logger, fmt.Errorf("%w: failed to restart servers: %s", ctlerr.ErrRemoteExec, strings.Join(failedServers, ", ")))
		return
	}

	if o.cancelled(ctx, &d, logger) {
		return
	}

	o.setStatus(ctx, &d, model.StatusSuccess, "")
	logger.Info(ctx, "restart-only deployment completed successfully")
}

func (o *Orchestrator) uploadDeploy(ctx context.Context, d model.Deployment, logger *logpipeline.Logger) {
	project, err := o.store.GetProject(ctx, d.ProjectID)
	if err != nil {
		o.fail(&d, logger, err)
		return
	}

	artifact, err := o.store.ArtifactForDeployment(ctx, d.ID)
	if err != nil {
		o.fail(&d, logger, fmt.Errorf("%w: uploaded artifact not recorded: %v", ctlerr.ErrValidation, err))
		return
	}

	o.setStatus(ctx, &d, model.StatusDeploying, "")
	if err := o.deployToServers(ctx, d, project, artifact.FilePath, logger, true); err != nil {
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
	logger.Info(ctx, "upload deployment completed successfully")
}

func (o *Orchestrator) cloneProject(project model.Project, branch, workDir string) (gitfetch.Info, error) {
	creds, err := o.resolveGitCredentials(project)
	if err != nil {
		return gitfetch.Info{}, err
	}
	return gitfetch.Fetch(project.GitURL, branch, creds, workDir)
}

func (o *Orchestrator) resolveGitCredentials(project model.Project) (gitfetch.Credentials, error) {
	var plain string
	if project.GitCredentialSecret != "" {
		var err error
		plain, err = o.decryptor.Decrypt(project.GitCredentialSecret)
		if err != nil {
			return gitfetch.Credentials{}, fmt.Errorf("%w: decrypting git credential: %v", ctlerr.ErrAuth, err)
		}
	}

	switch project.CredentialKind {
	case model.CredentialToken:
		return gitfetch.Credentials{Kind: model.CredentialToken, Token: plain}, nil
	case model.CredentialSSHKey:
		return gitfetch.Credentials{Kind: model.CredentialSSHKey, SSHKey: []byte(plain)}, nil
	case model.CredentialUserPass:
		parts := strings.SplitN(plain, ":", 2)
		creds := gitfetch.Credentials{Kind: model.CredentialUserPass}
		if len(parts) == 2 {
			creds.Username, creds.Password = parts[0], parts[1]
		}
		return creds, nil
	default:
		return gitfetch.Credentials{Kind: model.CredentialNone}, nil
	}
}

func (o *Orchestrator) connect(server model.Server) (*sshexec.Executor, error) {
	var plain string
	if server.AuthSecret != "" {
		var err error
		plain, err = o.decryptor.Decrypt(server.AuthSecret)
		if err != nil {
			return nil, fmt.Errorf("%w: decrypting server credential: %v", ctlerr.ErrAuth, err)
		}
	}

	creds := sshexec.Credentials{Kind: server.AuthKind}
	if server.AuthKind == model.AuthKey {
		creds.KeyPEM = []byte(plain)
	} else {
		creds.Password = plain
	}

	host, port, username := sshexec.ResolveHost(server.Host, server.Port, server.Username)
	return sshexec.Connect(host, port, username, creds, o.sshTimeout)
}

// forEachActiveServer traverses a deployment's selected server groups in
// selection order, servers in enumeration order, skipping inactive
// servers with a warning (spec.md §4.8). onFail receives a per-server
// failure without aborting the remaining servers (restart-only fan-out);
// onFail may be nil, in which case the first error aborts the sweep.
func (o *Orchestrator) forEachActiveServer(ctx context.Context, d model.Deployment, fn func(model.Server) error, onFail func(model.Server, error), logger *logpipeline.Logger) error {
	for _, groupID := range d.ServerGroupIDs {
		group, err := o.store.ServerGroup(ctx, groupID)
		if err != nil {
			return err
		}
		for _, server := range group.Servers {
			if !server.Active {
				logger.Warning(ctx, "skipping inactive server: %s", server.Name)
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			if err := fn(server); err != nil {
				if onFail != nil {
					onFail(server, err)
					continue
				}
				return err
			}
		}
	}
	return nil
}

