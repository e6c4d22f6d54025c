package ansible

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/apenella/go-ansible/v2/pkg/adhoc"
	"github.com/apenella/go-ansible/v2/pkg/execute"
	"github.com/apenella/go-ansible/v2/pkg/playbook"

	"edensetup/pkg/logging"
)

// Executor is the part of go-ansible's DefaultExecute the runner depends on.
type Executor interface {
	Execute(ctx context.Context) error
}

// PlaybookExecutorFunc builds the executor for one playbook run.
type PlaybookExecutorFunc func(opts RunOptions, stdout, stderr io.Writer, env map[string]string) Executor

// ModuleExecutorFunc builds the executor for one ad-hoc module call.
type ModuleExecutorFunc func(opts ModuleOptions, stdout, stderr io.Writer, env map[string]string) Executor

// Runner drives ansible-playbook and ad-hoc ansible through go-ansible.
type Runner struct {
	logger        logging.Logger
	newPlaybook   PlaybookExecutorFunc
	newModuleCall ModuleExecutorFunc
}

// NewRunner creates a runner that shells out to the ansible binaries on PATH.
func NewRunner(logger logging.Logger) *Runner {
	return &Runner{
		logger:        logger,
		newPlaybook:   defaultPlaybookExecutor,
		newModuleCall: defaultModuleExecutor,
	}
}

// NewRunnerWithExecutors lets callers replace process execution.
func NewRunnerWithExecutors(logger logging.Logger, pb PlaybookExecutorFunc, mod ModuleExecutorFunc) *Runner {
	r := NewRunner(logger)
	if pb != nil {
		r.newPlaybook = pb
	}
	if mod != nil {
		r.newModuleCall = mod
	}
	return r
}

func playbookEnv() map[string]string {
	return map[string]string{
		"ANSIBLE_STDOUT_CALLBACK":     "ansible.posix.jsonl",
		"ANSIBLE_HOST_KEY_CHECKING":   "False",
		"ANSIBLE_RETRY_FILES_ENABLED": "False",
	}
}

func defaultPlaybookExecutor(opts RunOptions, stdout, stderr io.Writer, env map[string]string) Executor {
	pbOpts := &playbook.AnsiblePlaybookOptions{
		Inventory: InlineInventory(opts.Hosts),
		Tags:      strings.Join(opts.OnlyTags, ","),
	}
	if opts.Connection != "" {
		pbOpts.Connection = opts.Connection
	}
	if opts.PrivateKey != "" {
		pbOpts.PrivateKey = opts.PrivateKey
	}
	if opts.RemoteUser != "" {
		pbOpts.User = opts.RemoteUser
	}

	cmd := playbook.NewAnsiblePlaybookCmd(
		playbook.WithPlaybooks(opts.Playbook),
		playbook.WithPlaybookOptions(pbOpts),
	)

	return execute.NewDefaultExecute(
		execute.WithCmd(cmd),
		execute.WithErrorEnrich(playbook.NewAnsiblePlaybookErrorEnrich()),
		execute.WithWrite(stdout),
		execute.WithWriteError(stderr),
		execute.WithEnvVars(env),
	)
}

// Run executes the playbook, handing every callback event to sink before
// ansible continues. The run fails when any FAILED, UNREACHABLE or
// ASYNC_FAILED event is seen, when ansible exits non-zero, or when the sink
// refuses an event.
func (r *Runner) Run(ctx context.Context, opts RunOptions, sink EventSink) (*RunSummary, error) {
	if len(opts.Hosts) == 0 {
		return nil, fmt.Errorf("run %s: no hosts", opts.Playbook)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ew := newEventWriter(sink, cancel)
	stdout := ew.stream(false)
	stderr := ew.stream(true)

	start := time.Now()
	r.logger.WithFields(logging.Fields{
		"playbook": opts.Playbook,
		"hosts":    opts.Hosts,
		"tags":     opts.OnlyTags,
	}).Info("Running playbook")

	procErr := r.newPlaybook(opts, stdout, stderr, playbookEnv()).Execute(runCtx)
	_ = stdout.Flush()
	_ = stderr.Flush()

	ew.mu.Lock()
	summary := &RunSummary{Counts: ew.counts, Duration: time.Since(start)}
	failed := append([]string(nil), ew.failed...)
	sinkErr := ew.sinkErr
	ew.mu.Unlock()

	fields := logging.Fields{
		"playbook": opts.Playbook,
		"duration": summary.Duration,
		"ok":       summary.Counts[EventOK],
		"failed":   summary.Counts[EventFailed],
	}

	if sinkErr != nil || len(failed) > 0 || procErr != nil {
		execErr := &ExecutionError{
			Failed:      failed,
			ProcessErr:  procErr,
			SinkErr:     sinkErr,
			Unreachable: summary.Counts[EventUnreachable] > 0,
		}
		r.logger.WithFields(fields).WithError(execErr).Warn("Playbook run failed")
		return summary, execErr
	}

	r.logger.WithFields(fields).Info("Playbook run completed")
	return summary, nil
}

// ModuleOptions describe one ad-hoc module invocation against a single host.
type ModuleOptions struct {
	Host       string
	Module     string
	Args       string
	ModulePath string
	Local      bool
	RemoteUser string
	PrivateKey string
	Become     bool
}

func defaultModuleExecutor(opts ModuleOptions, stdout, stderr io.Writer, env map[string]string) Executor {
	adhocOpts := &adhoc.AnsibleAdhocOptions{
		Inventory:  InlineInventory([]string{opts.Host}),
		ModuleName: opts.Module,
		Args:       opts.Args,
		ModulePath: opts.ModulePath,
		Become:     opts.Become,
	}
	if opts.Local {
		adhocOpts.Connection = "local"
	}
	if opts.PrivateKey != "" {
		adhocOpts.PrivateKey = opts.PrivateKey
	}
	if opts.RemoteUser != "" {
		adhocOpts.User = opts.RemoteUser
	}

	cmd := adhoc.NewAnsibleAdhocCmd(
		adhoc.WithPattern(opts.Host),
		adhoc.WithAdhocOptions(adhocOpts),
	)

	return execute.NewDefaultExecute(
		execute.WithCmd(cmd),
		execute.WithWrite(stdout),
		execute.WithWriteError(stderr),
		execute.WithEnvVars(env),
	)
}

// RunModule runs one module ad hoc with the json stdout callback and returns
// the raw JSON document. A non-zero exit is not an error on its own: an
// unreachable host still yields a document the caller must inspect.
func (r *Runner) RunModule(ctx context.Context, opts ModuleOptions) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	env := map[string]string{
		"ANSIBLE_STDOUT_CALLBACK":       "json",
		"ANSIBLE_LOAD_CALLBACK_PLUGINS": "True",
		"ANSIBLE_HOST_KEY_CHECKING":     "False",
	}

	err := r.newModuleCall(opts, &stdout, &stderr, env).Execute(ctx)
	out := bytes.TrimSpace(stdout.Bytes())
	if len(out) == 0 {
		if err == nil {
			err = fmt.Errorf("no output")
		}
		return nil, fmt.Errorf("ansible %s on %s: %w: %s", opts.Module, opts.Host, err, strings.TrimSpace(stderr.String()))
	}
	if err != nil {
		r.logger.WithFields(logging.Fields{
			"host":   opts.Host,
			"module": opts.Module,
			"error":  err,
		}).Debug("Ad-hoc module exited non-zero")
	}
	return out, nil
}
