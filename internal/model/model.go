// Package model holds the data types shared across the control plane: the
// entities of the deployment data model and their invariants. Persistence
// lives in internal/store; this package only carries shapes.
package model

import "time"

// CredentialKind tags which of the four mutually exclusive Git credential
// modes a project uses.
type CredentialKind string

const (
	CredentialNone     CredentialKind = "none"
	CredentialToken    CredentialKind = "token"
	CredentialUserPass CredentialKind = "userpass"
	CredentialSSHKey   CredentialKind = "ssh_key"
)

// ProjectKind selects the install/build conventions and upload validation
// rules for a project.
type ProjectKind string

const (
	ProjectFrontend ProjectKind = "frontend"
	ProjectBackend  ProjectKind = "backend"
	ProjectJava     ProjectKind = "java"
)

// Environment classifies a Project or ServerGroup into an isolation bucket.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvProduction  Environment = "production"
)

// HealthCheckKind selects which probe the Health Prober runs.
type HealthCheckKind string

const (
	HealthHTTP    HealthCheckKind = "http"
	HealthTCP     HealthCheckKind = "tcp"
	HealthCommand HealthCheckKind = "command"
)

// HealthCheckConfig is the health-check configuration block carried on a
// Project.
type HealthCheckConfig struct {
	Enabled  bool
	Kind     HealthCheckKind
	URL      string // http
	Port     int    // tcp
	Command  string // command
	Timeout  time.Duration
	Retries  int
	Interval time.Duration
}

// Project is a registered deployable unit.
type Project struct {
	ID                    int64
	Name                  string
	GitURL                string
	CredentialKind        CredentialKind
	GitCredentialSecret   string // opaque ciphertext; decrypted via secret.Decryptor
	Kind                  ProjectKind
	BuildCommand          string
	InstallCommand        string
	AutoInstall           bool
	OutputDir             string
	UploadPath            string
	RestartScriptPath     string
	RestartOnlyScriptPath string
	Environment           Environment
	HealthCheck           HealthCheckConfig
}

// EffectiveInstallCommand resolves the install command per spec.md §4.3:
// an explicit command wins; otherwise the default is chosen by project kind.
func (p Project) EffectiveInstallCommand() string {
	if p.InstallCommand != "" {
		return p.InstallCommand
	}
	switch p.Kind {
	case ProjectFrontend:
		return "npm install"
	case ProjectJava:
		return "mvn dependency:resolve"
	default:
		return ""
	}
}

// UploadExtension returns the file extension an UPLOAD deployment must
// carry for this project kind, or "" if uploads aren't validated by
// extension for this kind.
func (p Project) UploadExtension() string {
	switch p.Kind {
	case ProjectFrontend:
		return ".zip"
	case ProjectJava:
		return ".jar"
	default:
		return ""
	}
}

// Reachability is the last known reachability of a Server.
type Reachability string

const (
	ReachUntested Reachability = "untested"
	ReachOnline   Reachability = "online"
	ReachOffline  Reachability = "offline"
)

// AuthKind selects password or private-key SSH authentication.
type AuthKind string

const (
	AuthPassword AuthKind = "password"
	AuthKey      AuthKind = "key"
)

// Server is a single SSH target.
type Server struct {
	ID           int64
	Name         string
	Host         string
	Port         int
	Username     string
	AuthKind     AuthKind
	AuthSecret   string // opaque ciphertext
	KeyAlgo      string // optional negotiated host-key algorithm hint
	Active       bool
	Reachability Reachability
}

// ServerGroup is a named, environment-tagged set of servers.
type ServerGroup struct {
	ID          int64
	Name        string
	Environment Environment
	Servers     []Server
}

// DeploymentKind selects which stage sequence the orchestrator runs.
type DeploymentKind string

const (
	KindFull         DeploymentKind = "full"
	KindRestartOnly  DeploymentKind = "restart_only"
	KindUpload       DeploymentKind = "upload"
)

// Status is a Deployment's place in the state machine of spec.md §4.10.
type Status string

const (
	StatusPending         Status = "PENDING"
	StatusQueued          Status = "QUEUED"
	StatusCloning         Status = "CLONING"
	StatusBuilding        Status = "BUILDING"
	StatusUploading       Status = "UPLOADING"
	StatusDeploying       Status = "DEPLOYING"
	StatusRestarting      Status = "RESTARTING"
	StatusHealthChecking  Status = "HEALTH_CHECKING"
	StatusSuccess         Status = "SUCCESS"
	StatusFailed          Status = "FAILED"
	StatusCancelled       Status = "CANCELLED"
)

// Terminal reports whether a status is one of the state machine's terminal
// states: no further transitions are valid from it.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Progress maps a status to its fixed progress percentage, per spec.md
// §4.7: progress is a function of status, not of per-server progress.
func (s Status) Progress() int {
	switch s {
	case StatusPending:
		return 0
	case StatusCloning:
		return 10
	case StatusBuilding:
		return 30
	case StatusUploading:
		return 60
	case StatusDeploying:
		return 80
	case StatusRestarting:
		return 90
	case StatusHealthChecking:
		return 95
	case StatusSuccess:
		return 100
	default: // FAILED, CANCELLED, QUEUED
		return 0
	}
}

// Deployment is one run of the orchestrator against a Project.
type Deployment struct {
	ID             int64          `json:"id"`
	ProjectID      int64          `json:"project_id"`
	Branch         string         `json:"branch"` // "-" placeholder for restart-only
	Kind           DeploymentKind `json:"deployment_type"`
	Status         Status         `json:"status"`
	Progress       int            `json:"progress"`
	CurrentStep    string         `json:"current_step,omitempty"`
	CommitHash     string         `json:"commit_hash,omitempty"`
	CommitMessage  string         `json:"commit_message,omitempty"`
	ServerGroupIDs []int64        `json:"server_group_ids"`
	RollbackFrom   *int64         `json:"rollback_from,omitempty"`
	Environment    Environment    `json:"environment"`
	ErrorMessage   string         `json:"error_message,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	CreatedBy      int64          `json:"created_by,omitempty"`
}

// Artifact is the 1:1 build/upload output record for a Deployment.
type Artifact struct {
	ID           int64  `json:"id"`
	DeploymentID int64  `json:"deployment_id"`
	FilePath     string `json:"file_path"`
	FileSize     int64  `json:"file_size"`
	SHA256       string `json:"checksum"`
}

// LogLevel is advisory; persistence and ordering are unaffected by level.
type LogLevel string

const (
	LogDebug   LogLevel = "DEBUG"
	LogInfo    LogLevel = "INFO"
	LogWarning LogLevel = "WARNING"
	LogError   LogLevel = "ERROR"
)

// LogEntry is one append-only line in a deployment's log stream.
type LogEntry struct {
	ID           int64     `json:"id"`
	DeploymentID int64     `json:"deployment_id"`
	Level        LogLevel  `json:"level"`
	Content      string    `json:"content"`
	Timestamp    time.Time `json:"timestamp"`
}
