package setup

import (
	"context"

	"edensetup/internal/scheduler"
	"edensetup/internal/store"
	"edensetup/pkg/ansible"
	"edensetup/pkg/logging"
)

// PlaybookRunner executes a rendered playbook.
type PlaybookRunner interface {
	Run(ctx context.Context, opts ansible.RunOptions, sink ansible.EventSink) (*ansible.RunSummary, error)
}

// ExecutionLog is where a job's events are recorded.
type ExecutionLog interface {
	Append(job, category string, payload any) error
	Sink(job string) ansible.EventSink
}

// NewJobHandler runs the playbook named in a job's arguments, logging every
// event to the job's execution log before ansible moves on.
func NewJobHandler(runner PlaybookRunner, logs ExecutionLog, logger logging.Logger) scheduler.Handler {
	return func(ctx context.Context, job *store.Job) error {
		log := logger.WithFields(logging.Fields{"job_id": job.ID, "task": job.TaskName, "hosts": job.Args.Hosts})

		if err := logs.Append(job.TaskName, string(ansible.EventDebug), "running "+job.Args.Playbook); err != nil {
			return err
		}

		summary, err := runner.Run(ctx, ansible.RunOptions{
			Playbook:   job.Args.Playbook,
			Hosts:      job.Args.Hosts,
			PrivateKey: job.Args.PrivateKey,
			RemoteUser: job.Args.RemoteUser,
			OnlyTags:   job.Args.OnlyTags,
			Connection: job.Args.Connection,
		}, logs.Sink(job.TaskName))
		if err != nil {
			log.WithError(err).Warn("Playbook run failed")
			return err
		}

		log.WithFields(logging.Fields{
			"ok":       summary.Counts[ansible.EventOK],
			"skipped":  summary.Counts[ansible.EventSkipped],
			"duration": summary.Duration,
		}).Info("Playbook run finished")
		return nil
	}
}

// RegisterHandlers wires the deployment functions into a worker.
func RegisterHandlers(w *scheduler.Worker, h scheduler.Handler) {
	w.Handle(store.FunctionDeploy, h)
	w.Handle(store.FunctionDeployLocally, h)
}
