package store

import (
	"database/sql"
	"time"
)

// JobStatus is the scheduler state of a task. Values outside the five known
// ones are treated as non-terminal.
type JobStatus string

const (
	StatusQueued    JobStatus = "QUEUED"
	StatusAssigned  JobStatus = "ASSIGNED"
	StatusRunning   JobStatus = "RUNNING"
	StatusCompleted JobStatus = "COMPLETED"
	StatusFailed    JobStatus = "FAILED"
)

// Terminal is true only for COMPLETED and FAILED.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

const (
	FunctionDeploy        = "deploy"
	FunctionDeployLocally = "deploy_locally"

	ConnectionLocal  = "local"
	ConnectionRemote = "remote"

	// LocalScope is the lock scope shared by every local deployment.
	LocalScope = "local"
)

// JobArgs are the handler arguments persisted with a task.
type JobArgs struct {
	Playbook   string   `json:"playbook"`
	PrivateKey string   `json:"private_key,omitempty"`
	RemoteUser string   `json:"remote_user,omitempty"`
	Hosts      []string `json:"hosts"`
	OnlyTags   []string `json:"only_tags"`
	Connection string   `json:"connection,omitempty"`
}

type Job struct {
	ID             string
	TaskName       string
	Function       string
	Args           JobArgs
	Status         JobStatus
	Repeats        int
	TimesRun       int
	Timeout        time.Duration
	SyncOutput     time.Duration
	RunOutput      string
	Traceback      string
	AssignedWorker string
	CreatedAt      time.Time
	StartedAt      sql.NullTime
	FinishedAt     sql.NullTime
	UpdatedAt      time.Time
}

type Deployment struct {
	ID            int64
	Name          string
	Scope         string
	Host          string
	Connection    string
	WebServer     string
	DatabaseType  string
	DBPassword    string
	Distro        string
	Template      string
	Prepop        string
	PrepopOptions []string
	DemoPhase     string
	Hostname      string
	Sitename      string
	RemoteUser    string
	PrivateKey    string
	RepoURL       string
	JobID         string
	RefreshLock   int
	LastRefreshed sql.NullTime
	CreatedAt     time.Time

	// JobStatus is read from the linked task, never stored on the row.
	JobStatus JobStatus
}

type Package struct {
	ID           int64
	DeploymentID int64
	Name         string
	CV           string
	AV           string
	Type         string
}

type Upgrade struct {
	ID           int64
	DeploymentID int64
	JobID        string
	CreatedAt    time.Time
	JobStatus    JobStatus
}

// ScopeActivity reports which operations are in flight within a host scope.
type ScopeActivity struct {
	Refreshing bool
	Upgrading  bool
	Deploying  bool
}

func (a ScopeActivity) Busy() bool {
	return a.Refreshing || a.Upgrading || a.Deploying
}
