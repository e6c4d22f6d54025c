package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/bsm/redislock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"edensetup/pkg/logging"
	"edensetup/pkg/monitoring"
)

const reaperLockKey = "edensetup:reaper"

type ReaperConfig struct {
	Schedule string
	// Grace is how far past its timeout a job may run before it is failed.
	Grace time.Duration
	// StaleAfter is how long a job may sit QUEUED before it is dispatched again.
	StaleAfter time.Duration
	// LeaseTTL is how long a refresh lease may be held before it is treated
	// as abandoned. Zero disables lease reclaiming.
	LeaseTTL time.Duration
}

// LeaseReclaimer frees host leases acquired before cutoff and returns the
// scopes it freed.
type LeaseReclaimer interface {
	ReclaimStale(ctx context.Context, cutoff time.Time) ([]string, error)
}

// Reaper fails jobs whose worker died, re-dispatches jobs that never reached
// the queue and frees refresh leases whose holder died. Only one reaper acts
// per tick across all workers.
type Reaper struct {
	queue  *Queue
	locker *redislock.Client
	leases LeaseReclaimer
	cfg    ReaperConfig
	logger logging.Logger
	now    func() time.Time
	reaped *prometheus.CounterVec
	cron   *cron.Cron
}

// NewReaper creates a reaper. leases may be nil when no lease store is wired.
func NewReaper(queue *Queue, locker *redislock.Client, leases LeaseReclaimer, cfg ReaperConfig, logger logging.Logger, mc *monitoring.MetricsCollector) *Reaper {
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 1m"
	}
	if cfg.Grace <= 0 {
		cfg.Grace = time.Minute
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 5 * time.Minute
	}
	r := &Reaper{queue: queue, locker: locker, leases: leases, cfg: cfg, logger: logger, now: time.Now}
	if mc != nil {
		r.reaped = mc.NewCounter("reaped_total", "Jobs failed or re-dispatched and leases reclaimed by the reaper", []string{"action"})
	}
	return r
}

// Start schedules Reap on the configured cron schedule. The returned error is
// only for an invalid schedule.
func (r *Reaper) Start(ctx context.Context) error {
	r.cron = cron.New()
	if _, err := r.cron.AddFunc(r.cfg.Schedule, func() { r.Reap(ctx) }); err != nil {
		return err
	}
	r.cron.Start()
	r.logger.WithField("schedule", r.cfg.Schedule).Info("Reaper started")
	return nil
}

// Stop halts the cron and waits for a running Reap to return.
func (r *Reaper) Stop() {
	if r.cron == nil {
		return
	}
	<-r.cron.Stop().Done()
}

// Reap runs one pass.
func (r *Reaper) Reap(ctx context.Context) {
	lock, err := r.locker.Obtain(ctx, reaperLockKey, 30*time.Second, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return
	}
	if err != nil {
		r.logger.WithError(err).Warn("Reaper lock unavailable")
		return
	}
	defer func() { _ = lock.Release(context.WithoutCancel(ctx)) }()

	now := r.now()
	r.reclaimLeases(ctx, now)

	expired, err := r.queue.jobs.ExpireJobs(ctx, now, r.cfg.Grace)
	if err != nil {
		r.logger.WithError(err).Warn("Failed to expire timed out jobs")
	}
	for _, id := range expired {
		r.logger.WithField("job_id", id).Warn("Failed job that outlived its timeout")
	}
	r.count("expired", len(expired))

	stale, err := r.queue.jobs.StaleQueuedJobs(ctx, now.Add(-r.cfg.StaleAfter))
	if err != nil {
		r.logger.WithError(err).Warn("Failed to list stale queued jobs")
		return
	}
	requeued := 0
	for _, id := range stale {
		if err := r.queue.Dispatch(ctx, id); err != nil {
			r.logger.WithError(err).WithField("job_id", id).Warn("Failed to re-dispatch job")
			continue
		}
		requeued++
	}
	r.count("redispatched", requeued)
}

func (r *Reaper) reclaimLeases(ctx context.Context, now time.Time) {
	if r.leases == nil || r.cfg.LeaseTTL <= 0 {
		return
	}
	freed, err := r.leases.ReclaimStale(ctx, now.Add(-r.cfg.LeaseTTL))
	if err != nil {
		r.logger.WithError(err).Warn("Failed to reclaim refresh leases")
		return
	}
	r.count("lease_reclaimed", len(freed))
}

func (r *Reaper) count(action string, n int) {
	if r.reaped != nil && n > 0 {
		r.reaped.WithLabelValues(action).Add(float64(n))
	}
}
