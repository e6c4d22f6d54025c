// Package scheduler runs deployment jobs in the background. Jobs are
// persisted in Postgres and dispatched to workers through a Redis list.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"edensetup/internal/store"
)

const (
	DefaultRepeats    = 1
	DefaultTimeout    = 3600 * time.Second
	DefaultSyncOutput = 300 * time.Second
)

type Args = store.JobArgs

// Task describes a unit of work to schedule. Name must be unique across all
// tasks ever scheduled; it also names the execution log.
type Task struct {
	Name       string
	Function   string
	Args       Args
	Repeats    int
	Timeout    time.Duration
	SyncOutput time.Duration
}

// Scheduler is the contract the admission layer depends on.
type Scheduler interface {
	Schedule(ctx context.Context, task Task) (*store.Job, error)
	Get(ctx context.Context, id string) (*store.Job, error)
}

// JobStore is the persistence the queue and worker need.
type JobStore interface {
	InsertJob(ctx context.Context, job *store.Job) error
	GetJob(ctx context.Context, id string) (*store.Job, error)
	ClaimJob(ctx context.Context, id, worker string) (bool, error)
	StartJob(ctx context.Context, id string) (bool, error)
	SyncJobOutput(ctx context.Context, id, output string) error
	FinishJob(ctx context.Context, id string, status store.JobStatus, output, traceback string) (bool, error)
	ExpireJobs(ctx context.Context, now time.Time, grace time.Duration) ([]string, error)
	StaleQueuedJobs(ctx context.Context, cutoff time.Time) ([]string, error)
}

var ErrInvalidTask = errors.New("invalid task")

// NewJob validates task and builds the QUEUED job row for it, applying the
// default repeats, timeout and sync interval.
func NewJob(task Task) (*store.Job, error) {
	if task.Name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidTask)
	}
	if task.Function == "" {
		return nil, fmt.Errorf("%w: function is required", ErrInvalidTask)
	}
	if task.Args.Playbook == "" || len(task.Args.Hosts) == 0 {
		return nil, fmt.Errorf("%w: playbook and hosts are required", ErrInvalidTask)
	}

	job := &store.Job{
		ID:         uuid.NewString(),
		TaskName:   task.Name,
		Function:   task.Function,
		Args:       task.Args,
		Status:     store.StatusQueued,
		Repeats:    task.Repeats,
		Timeout:    task.Timeout,
		SyncOutput: task.SyncOutput,
	}
	if job.Repeats <= 0 {
		job.Repeats = DefaultRepeats
	}
	if job.Timeout <= 0 {
		job.Timeout = DefaultTimeout
	}
	if job.SyncOutput <= 0 {
		job.SyncOutput = DefaultSyncOutput
	}
	return job, nil
}
