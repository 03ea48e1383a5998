// Package api is the thin HTTP adapter in front of the orchestrator
// (SPEC_FULL.md §4.12): each handler validates its input, makes the store
// calls it needs and at most one orchestrator call, and returns — all deployment
// execution happens on the background goroutine the orchestrator itself
// manages. Routing uses github.com/gorilla/mux, named in the domain stack
// as the broader pack's HTTP router.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/evsec-forge/deployctl/internal/audit"
	"github.com/evsec-forge/deployctl/internal/ctlerr"
	"github.com/evsec-forge/deployctl/internal/logpipeline"
	"github.com/evsec-forge/deployctl/internal/metrics"
	"github.com/evsec-forge/deployctl/internal/model"
)

// Store is the subset of store.Store the API layer depends on.
type Store interface {
	CreateDeployment(ctx context.Context, d model.Deployment) (int64, error)
	AssignServerGroups(ctx context.Context, deploymentID int64, groupIDs []int64) error
	GetDeployment(ctx context.Context, id int64) (model.Deployment, error)
	GetProject(ctx context.Context, id int64) (model.Project, error)
	ServerGroup(ctx context.Context, id int64) (model.ServerGroup, error)
	ListDeployments(ctx context.Context, projectID int64, environment model.Environment) ([]model.Deployment, error)
	CreateArtifact(ctx context.Context, a model.Artifact) (int64, error)
	ArtifactForDeployment(ctx context.Context, deploymentID int64) (model.Artifact, error)
	LogsForDeployment(ctx context.Context, deploymentID int64, sinceID int64, limit int) ([]model.LogEntry, int64, error)
	UpdateDeploymentStatus(ctx context.Context, id int64, status model.Status, errMsg string) error
}

// Orchestrator is the subset of orchestrator.Orchestrator the API layer
// depends on.
type Orchestrator interface {
	TryStart(deploymentID int64) bool
	Cancel(deploymentID int64)
}

// Handler wires the HTTP surface to its collaborators.
type Handler struct {
	Store        Store
	Orchestrator Orchestrator
	Registry     *logpipeline.Registry
	Audit        audit.Recorder
	ArtifactsDir string
}

// Router builds the mux.Router exposing every endpoint of spec.md §6.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/deployments", h.createDeployment).Methods(http.MethodPost)
	r.HandleFunc("/api/deployments/upload", h.uploadDeployment).Methods(http.MethodPost)
	r.HandleFunc("/api/deployments", h.listDeployments).Methods(http.MethodGet)
	r.HandleFunc("/api/deployments/{id}", h.getDeployment).Methods(http.MethodGet)
	r.HandleFunc("/api/deployments/{id}/logs", h.streamLogs).Methods(http.MethodGet)
	r.HandleFunc("/api/deployments/{id}/rollback", h.rollback).Methods(http.MethodPost)
	r.HandleFunc("/api/deployments/{id}", h.cancelDeployment).Methods(http.MethodDelete)
	return r
}

type createDeploymentRequest struct {
	ProjectID      int64   `json:"project_id"`
	Branch         string  `json:"branch"`
	ServerGroupIDs []int64 `json:"server_group_ids"`
	DeploymentType string  `json:"deployment_type"`
}

func (h *Handler) createDeployment(w http.ResponseWriter, r *http.Request) {
	var req createDeploymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: malformed request body", ctlerr.ErrValidation))
		return
	}
	if req.ProjectID == 0 || len(req.ServerGroupIDs) == 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: project_id and server_group_ids are required", ctlerr.ErrValidation))
		return
	}

	kind := model.DeploymentKind(req.DeploymentType)
	if kind == "" {
		kind = model.KindFull
	}
	if kind != model.KindFull && kind != model.KindRestartOnly {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: deployment_type must be full or restart_only", ctlerr.ErrValidation))
		return
	}
	branch := req.Branch
	if kind == model.KindRestartOnly {
		branch = "-"
	} else if branch == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: branch is required for a full deployment", ctlerr.ErrValidation))
		return
	}

	ctx := r.Context()
	project, err := h.Store.GetProject(ctx, req.ProjectID)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}

	if err := checkServerGroupEnvironments(ctx, h.Store, project.Environment, req.ServerGroupIDs); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	d := model.Deployment{
		ProjectID:      req.ProjectID,
		Branch:         branch,
		Kind:           kind,
		Status:         model.StatusPending,
		Environment:    project.Environment,
		ServerGroupIDs: req.ServerGroupIDs,
		CreatedAt:      time.Now(),
	}
	id, err := h.Store.CreateDeployment(ctx, d)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := h.Store.AssignServerGroups(ctx, id, req.ServerGroupIDs); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	h.dispatch(ctx, id)
	h.recordAudit(ctx, r, "deployment.create", "deployment", id, fmt.Sprintf("kind=%s branch=%s", kind, branch))

	d.ID = id
	writeJSON(w, http.StatusCreated, d)
}

func (h *Handler) uploadDeployment(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(64 << 20); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: malformed multipart body", ctlerr.ErrValidation))
		return
	}

	projectID, err := strconv.ParseInt(r.FormValue("project_id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: project_id is required", ctlerr.ErrValidation))
		return
	}
	groupIDs, err := parseIDList(r.Form["server_group_ids"])
	if err != nil || len(groupIDs) == 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: server_group_ids is required", ctlerr.ErrValidation))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: file is required", ctlerr.ErrValidation))
		return
	}
	defer file.Close()

	ctx := r.Context()
	project, err := h.Store.GetProject(ctx, projectID)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if ext := project.UploadExtension(); ext != "" && filepath.Ext(header.Filename) != ext {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: project %q requires a %s upload", ctlerr.ErrValidation, project.Name, ext))
		return
	}
	if err := checkServerGroupEnvironments(ctx, h.Store, project.Environment, groupIDs); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	d := model.Deployment{
		ProjectID:      projectID,
		Branch:         "-",
		Kind:           model.KindUpload,
		Status:         model.StatusPending,
		Environment:    project.Environment,
		ServerGroupIDs: groupIDs,
		CreatedAt:      time.Now(),
	}
	id, err := h.Store.CreateDeployment(ctx, d)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := h.Store.AssignServerGroups(ctx, id, groupIDs); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	destPath := filepath.Join(h.ArtifactsDir, fmt.Sprintf("upload_%d_%s", id, filepath.Base(header.Filename)))
	if err := saveUploadedFile(file, destPath); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("%w: storing uploaded artifact: %v", ctlerr.ErrInternal, err))
		return
	}
	info, err := os.Stat(destPath)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if _, err := h.Store.CreateArtifact(ctx, model.Artifact{DeploymentID: id, FilePath: destPath, FileSize: info.Size()}); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	h.dispatch(ctx, id)
	h.recordAudit(ctx, r, "deployment.upload", "deployment", id, header.Filename)

	d.ID = id
	writeJSON(w, http.StatusCreated, d)
}

func (h *Handler) listDeployments(w http.ResponseWriter, r *http.Request) {
	var projectID int64
	if v := r.URL.Query().Get("project_id"); v != "" {
		var err error
		if projectID, err = strconv.ParseInt(v, 10, 64); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("%w: invalid project_id", ctlerr.ErrValidation))
			return
		}
	}
	environment := model.Environment(r.URL.Query().Get("environment"))

	deployments, err := h.Store.ListDeployments(r.Context(), projectID, environment)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, deployments)
}

type deploymentDetailResponse struct {
	model.Deployment
	Logs     []model.LogEntry `json:"logs"`
	MaxLogID int64            `json:"max_log_id"`
}

func (h *Handler) getDeployment(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	ctx := r.Context()
	d, err := h.Store.GetDeployment(ctx, id)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}

	var sinceID int64
	limit := 500
	if v := r.URL.Query().Get("since_id"); v != "" {
		if sinceID, err = strconv.ParseInt(v, 10, 64); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("%w: invalid since_id", ctlerr.ErrValidation))
			return
		}
		limit = 100
	}

	logs, maxID, err := h.Store.LogsForDeployment(ctx, id, sinceID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, deploymentDetailResponse{Deployment: d, Logs: logs, MaxLogID: maxID})
}

func (h *Handler) streamLogs(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("%w: streaming unsupported by this connection", ctlerr.ErrInternal))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for event := range h.Registry.Stream(ctx, id) {
		if event.KeepAlive {
			fmt.Fprint(w, ": keepalive\n\n")
		} else {
			fmt.Fprintf(w, "data: %s %s %s\n\n", event.Entry.Level, event.Entry.Timestamp.UTC().Format(time.RFC3339Nano), event.Entry.Content)
		}
		flusher.Flush()
	}
}

type rollbackRequest struct {
	ServerGroupIDs []int64 `json:"server_group_ids"`
}

func (h *Handler) rollback(w http.ResponseWriter, r *http.Request) {
	sourceID, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var req rollbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.ServerGroupIDs) == 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: server_group_ids is required", ctlerr.ErrValidation))
		return
	}

	ctx := r.Context()
	source, err := h.Store.GetDeployment(ctx, sourceID)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if _, err := h.Store.ArtifactForDeployment(ctx, sourceID); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("%w: deployment %d has no artifact to roll back to", ctlerr.ErrValidation, sourceID))
		return
	}

	project, err := h.Store.GetProject(ctx, source.ProjectID)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err := checkServerGroupEnvironments(ctx, h.Store, project.Environment, req.ServerGroupIDs); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	d := model.Deployment{
		ProjectID:      source.ProjectID,
		Branch:         "-",
		Kind:           source.Kind,
		Status:         model.StatusPending,
		Environment:    source.Environment,
		ServerGroupIDs: req.ServerGroupIDs,
		RollbackFrom:   &sourceID,
		CreatedAt:      time.Now(),
	}
	id, err := h.Store.CreateDeployment(ctx, d)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := h.Store.AssignServerGroups(ctx, id, req.ServerGroupIDs); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	h.dispatch(ctx, id)
	h.recordAudit(ctx, r, "deployment.rollback", "deployment", id, fmt.Sprintf("source=%d", sourceID))

	d.ID = id
	writeJSON(w, http.StatusCreated, d)
}

func (h *Handler) cancelDeployment(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	h.Orchestrator.Cancel(id)
	h.recordAudit(r.Context(), r, "deployment.cancel", "deployment", id, "")
	w.WriteHeader(http.StatusNoContent)
}

// dispatch starts a deployment if the concurrency gate has room, else
// leaves it QUEUED for an external retry policy to pick up (spec.md §4.6).
func (h *Handler) dispatch(ctx context.Context, id int64) {
	if !h.Orchestrator.TryStart(id) {
		h.Store.UpdateDeploymentStatus(ctx, id, model.StatusQueued, "")
		metrics.Queued.Inc()
	}
}

func (h *Handler) recordAudit(ctx context.Context, r *http.Request, action, resourceKind string, resourceID int64, details string) {
	if h.Audit == nil {
		return
	}
	h.Audit.Record(ctx, 0, action, resourceKind, resourceID, details, r.RemoteAddr, r.UserAgent())
}

// checkServerGroupEnvironments enforces the Server Group invariant (spec.md
// §3 / §8 invariant 6): every selected server group's environment must
// match the project's, checked before the deployment row is created so a
// mismatch has no side effects.
func checkServerGroupEnvironments(ctx context.Context, st Store, projectEnv model.Environment, groupIDs []int64) error {
	for _, groupID := range groupIDs {
		group, err := st.ServerGroup(ctx, groupID)
		if err != nil {
			return err
		}
		if group.Environment != projectEnv {
			return fmt.Errorf("%w: server group %q is %s, project requires %s", ctlerr.ErrValidation, group.Name, group.Environment, projectEnv)
		}
	}
	return nil
}

func pathID(r *http.Request) (int64, error) {
	v := mux.Vars(r)["id"]
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid deployment id %q", ctlerr.ErrValidation, v)
	}
	return id, nil
}

func parseIDList(values []string) ([]int64, error) {
	ids := make([]int64, 0, len(values))
	for _, v := range values {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func saveUploadedFile(src io.Reader, destPath string) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return err
	}
	out, err := os.Create(destPath)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, src)
	return err
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
