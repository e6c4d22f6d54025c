package ansible

import (
	"fmt"
	"strings"
	"time"
)

// Play is one play of a generated playbook. Vars is a closed set of typed
// variable bags so every key that reaches the YAML is known at compile time.
type Play struct {
	Hosts         string
	Connection    string // "local" or empty for SSH
	Become        bool
	BecomeKeyword string // "sudo" (legacy key) or "become"
	RemoteUser    string
	Vars          Vars
	Roles         []string
}

// Vars is implemented only by the variable bags in this package.
type Vars interface {
	playVars()
}

// DeploymentVars are the variables every deployment role reads.
type DeploymentVars struct {
	Password      string `yaml:"password"`
	Template      string `yaml:"template"`
	WebServer     string `yaml:"web_server"`
	Prepop        string `yaml:"type"`
	Distro        string `yaml:"distro"`
	PrepopOptions string `yaml:"prepop_options"`
	Hostname      string `yaml:"hostname"`
	Sitename      string `yaml:"sitename"`
	DemoType      string `yaml:"dtype"`
}

func (DeploymentVars) playVars() {}

// GitPackage is a checkout the upgrades role pulls in place.
type GitPackage struct {
	Name  string `yaml:"name"`
	Chdir string `yaml:"chdir"`
}

// UpgradeVars feed the single upgrades role.
type UpgradeVars struct {
	SystemPackages []string     `yaml:"system_packages"`
	PipPackages    []string     `yaml:"pip_packages"`
	GitPackages    []GitPackage `yaml:"git_packages"`
}

func (UpgradeVars) playVars() {}

// EventKind doubles as the category written to the execution log.
type EventKind string

const (
	EventOK          EventKind = "OK"
	EventFailed      EventKind = "FAILED"
	EventSkipped     EventKind = "SKIPPED"
	EventUnreachable EventKind = "UNREACHABLE"
	EventAsyncFailed EventKind = "ASYNC_FAILED"
	EventImported    EventKind = "IMPORTED"
	EventNotImported EventKind = "NOTIMPORTED"
	EventPlayStart   EventKind = "play_start"
	EventDebug       EventKind = "DEBUG"
	EventError       EventKind = "ERROR"
)

// Failing reports whether an event of this kind fails the run.
func (k EventKind) Failing() bool {
	return k == EventFailed || k == EventUnreachable || k == EventAsyncFailed
}

// ExecutionEvent is one callback from a playbook run.
type ExecutionEvent struct {
	Kind    EventKind
	Host    string
	Task    string
	Payload any
}

// EventSink receives events synchronously, in emission order. A returned
// error aborts the run.
type EventSink interface {
	Handle(ev ExecutionEvent) error
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(ev ExecutionEvent) error

func (f EventSinkFunc) Handle(ev ExecutionEvent) error { return f(ev) }

// RunOptions describe one playbook execution.
type RunOptions struct {
	Playbook   string
	Hosts      []string
	PrivateKey string
	RemoteUser string
	OnlyTags   []string
	Connection string
}

// RunSummary counts events per kind for the run.
type RunSummary struct {
	Counts   map[EventKind]int
	Duration time.Duration
}

// RenderError is returned when a playbook cannot be written.
type RenderError struct {
	Path string
	Err  error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("render playbook %s: %v", e.Path, e.Err)
}

func (e *RenderError) Unwrap() error { return e.Err }

// ExecutionError marks a run whose target reported failures or whose
// ansible process exited abnormally.
type ExecutionError struct {
	Failed      []string // "KIND host: task"
	ProcessErr  error
	SinkErr     error
	Unreachable bool
}

func (e *ExecutionError) Error() string {
	switch {
	case e.SinkErr != nil:
		return fmt.Sprintf("execution halted: event logging failed: %v", e.SinkErr)
	case len(e.Failed) > 0:
		return "execution failed: " + strings.Join(e.Failed, "; ")
	case e.ProcessErr != nil:
		return fmt.Sprintf("execution failed: %v", e.ProcessErr)
	default:
		return "execution failed"
	}
}

func (e *ExecutionError) Unwrap() error {
	if e.SinkErr != nil {
		return e.SinkErr
	}
	return e.ProcessErr
}
