package scheduler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"edensetup/internal/store"
	"edensetup/pkg/logging"
	"edensetup/pkg/monitoring"
)

// Handler executes one job. It must return promptly once ctx is done.
type Handler func(ctx context.Context, job *store.Job) error

// OutputSource supplies the tail of a job's execution log.
type OutputSource interface {
	Tail(job string, n int) (string, error)
}

type WorkerConfig struct {
	ID          string
	Concurrency int
	// PollWait is how long one BRPOP blocks before re-checking ctx.
	PollWait  time.Duration
	TailLines int
	// LockGrace is added to a job's timeout to form the execution lock TTL.
	LockGrace time.Duration
}

type workerMetrics struct {
	jobs     *prometheus.CounterVec
	duration *prometheus.HistogramVec
	running  *prometheus.GaugeVec
}

func newWorkerMetrics(mc *monitoring.MetricsCollector) *workerMetrics {
	if mc == nil {
		return nil
	}
	return &workerMetrics{
		jobs:     mc.NewCounter("jobs_total", "Jobs finished by function and status", []string{"function", "status"}),
		duration: mc.NewHistogram("job_duration_seconds", "Job run time", []string{"function"}, []float64{10, 30, 60, 300, 600, 1800, 3600}),
		running:  mc.NewGauge("jobs_running", "Jobs currently executing", []string{"worker"}),
	}
}

// Worker pulls job ids off the queue and runs the registered handler for
// each job's function.
type Worker struct {
	queue    *Queue
	locker   *redislock.Client
	output   OutputSource
	cfg      WorkerConfig
	logger   logging.Logger
	metrics  *workerMetrics
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewWorker(queue *Queue, locker *redislock.Client, output OutputSource, cfg WorkerConfig, logger logging.Logger, mc *monitoring.MetricsCollector) *Worker {
	if cfg.ID == "" {
		host, _ := os.Hostname()
		cfg.ID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PollWait <= 0 {
		cfg.PollWait = 5 * time.Second
	}
	if cfg.TailLines <= 0 {
		cfg.TailLines = 200
	}
	if cfg.LockGrace <= 0 {
		cfg.LockGrace = time.Minute
	}
	return &Worker{
		queue:    queue,
		locker:   locker,
		output:   output,
		cfg:      cfg,
		logger:   logger,
		metrics:  newWorkerMetrics(mc),
		handlers: make(map[string]Handler),
	}
}

// Handle registers h for jobs whose function name is function.
func (w *Worker) Handle(function string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[function] = h
}

func (w *Worker) handler(function string) (Handler, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	h, ok := w.handlers[function]
	return h, ok
}

// Run starts Concurrency pollers and blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.WithFields(logging.Fields{
		"worker":      w.cfg.ID,
		"concurrency": w.cfg.Concurrency,
		"queue":       w.queue.key,
	}).Info("Worker started")

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.Concurrency; i++ {
		g.Go(func() error {
			for {
				if gctx.Err() != nil {
					return nil
				}
				id, err := w.queue.next(gctx, w.cfg.PollWait)
				if err != nil {
					if gctx.Err() != nil {
						return nil
					}
					w.logger.WithError(err).Warn("Queue poll failed")
					select {
					case <-gctx.Done():
						return nil
					case <-time.After(time.Second):
					}
					continue
				}
				if id != "" {
					w.Process(gctx, id)
				}
			}
		})
	}
	err := g.Wait()
	w.logger.WithField("worker", w.cfg.ID).Info("Worker stopped")
	return err
}

func lockKey(taskName string) string {
	return "edensetup:task:" + taskName
}

// Process runs a single job through ASSIGNED, RUNNING and a terminal status.
// Jobs that are not QUEUED, or whose task name is already executing
// elsewhere, are skipped.
func (w *Worker) Process(ctx context.Context, id string) {
	log := w.logger.WithFields(logging.Fields{"job_id": id, "worker": w.cfg.ID})

	job, err := w.queue.jobs.GetJob(ctx, id)
	if err != nil {
		log.WithError(err).Warn("Failed to load dispatched job")
		return
	}
	if job.Status != store.StatusQueued {
		log.WithField("status", job.Status).Debug("Skipping job that is no longer queued")
		return
	}
	log = log.WithFields(logging.Fields{"task": job.TaskName, "function": job.Function})

	ttl := job.Timeout + w.cfg.LockGrace
	lock, err := w.locker.Obtain(ctx, lockKey(job.TaskName), ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		log.Info("Task already executing elsewhere")
		return
	}
	if err != nil {
		log.WithError(err).Warn("Failed to obtain task lock")
		return
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			log.WithError(err).Warn("Failed to release task lock")
		}
	}()

	if ok, err := w.queue.jobs.ClaimJob(ctx, id, w.cfg.ID); err != nil || !ok {
		if err != nil {
			log.WithError(err).Warn("Failed to claim job")
		}
		return
	}

	h, ok := w.handler(job.Function)
	if !ok {
		w.finish(ctx, job, store.StatusFailed, "", fmt.Sprintf("no handler registered for function %q", job.Function), 0)
		return
	}

	if ok, err := w.queue.jobs.StartJob(ctx, id); err != nil || !ok {
		if err != nil {
			log.WithError(err).Warn("Failed to start job")
		}
		return
	}
	log.Info("Job running")
	if w.metrics != nil {
		w.metrics.running.WithLabelValues(w.cfg.ID).Inc()
		defer w.metrics.running.WithLabelValues(w.cfg.ID).Dec()
	}

	started := time.Now()
	runCtx, cancel := context.WithTimeout(ctx, job.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("handler panic: %v", r)
			}
		}()
		done <- h(runCtx, job)
	}()

	ticker := time.NewTicker(job.SyncOutput)
	defer ticker.Stop()

	var runErr error
wait:
	for {
		select {
		case runErr = <-done:
			break wait
		case <-ticker.C:
			w.syncOutput(runCtx, job, lock, ttl, log)
		}
	}

	output := w.tail(job)
	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		w.finish(ctx, job, store.StatusFailed, output, fmt.Sprintf("job timed out after %s", job.Timeout), time.Since(started))
	case runErr != nil:
		w.finish(ctx, job, store.StatusFailed, output, runErr.Error(), time.Since(started))
	default:
		w.finish(ctx, job, store.StatusCompleted, output, "", time.Since(started))
	}
}

func (w *Worker) syncOutput(ctx context.Context, job *store.Job, lock *redislock.Lock, ttl time.Duration, log logging.Entry) {
	if err := w.queue.jobs.SyncJobOutput(ctx, job.ID, w.tail(job)); err != nil {
		log.WithError(err).Warn("Failed to sync job output")
	}
	if err := lock.Refresh(ctx, ttl, nil); err != nil {
		log.WithError(err).Warn("Failed to refresh task lock")
	}
}

func (w *Worker) tail(job *store.Job) string {
	if w.output == nil {
		return ""
	}
	out, err := w.output.Tail(job.TaskName, w.cfg.TailLines)
	if err != nil {
		w.logger.WithError(err).WithField("task", job.TaskName).Warn("Failed to read job output")
	}
	return out
}

// finish writes the terminal status, retrying transient database errors.
// It runs on a context detached from shutdown so a stopping worker still
// records what happened.
func (w *Worker) finish(ctx context.Context, job *store.Job, status store.JobStatus, output, traceback string, took time.Duration) {
	log := w.logger.WithFields(logging.Fields{"job_id": job.ID, "task": job.TaskName, "status": status})

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	policy := retrypolicy.NewBuilder[bool]().
		WithBackoff(200*time.Millisecond, 5*time.Second).
		WithMaxRetries(4).
		OnRetry(func(e failsafe.ExecutionEvent[bool]) {
			log.WithError(e.LastError()).WithField("attempt", e.Attempts()).Warn("Retrying job status write")
		}).
		Build()

	changed, err := failsafe.With(policy).WithContext(wctx).Get(func() (bool, error) {
		return w.queue.jobs.FinishJob(wctx, job.ID, status, output, traceback)
	})
	if err != nil {
		log.WithError(err).Error("Failed to record job outcome")
		return
	}
	if !changed {
		log.Warn("Job was already terminal when its run ended")
		return
	}

	if w.metrics != nil {
		w.metrics.jobs.WithLabelValues(job.Function, string(status)).Inc()
		w.metrics.duration.WithLabelValues(job.Function).Observe(took.Seconds())
	}
	if status == store.StatusFailed {
		log.WithField("traceback", traceback).Warn("Job failed")
		return
	}
	log.WithField("duration", took).Info("Job completed")
}
