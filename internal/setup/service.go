// Package setup admits, schedules and tracks Eden deployments, refreshes
// and upgrades against target hosts.
package setup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"edensetup/internal/probe"
	"edensetup/internal/store"
	"edensetup/pkg/ansible"
	"edensetup/pkg/logging"
	"edensetup/pkg/monitoring"
)

// Dispatcher hands a committed job to the worker queue.
type Dispatcher interface {
	Dispatch(ctx context.Context, id string) error
}

type Config struct {
	Render       ansible.RenderConfig
	PlaybookDir  string
	TemplatesDir string
	RepoURL      string
	// SingleOwner names packages that only the refreshed deployment owns.
	SingleOwner []string
	Timeout     time.Duration
	SyncOutput  time.Duration
	// ProbeTimeout bounds one package probe. It must stay below the lease
	// TTL the reaper reclaims abandoned refresh leases after.
	ProbeTimeout time.Duration
}

type Service struct {
	repo       Repository
	locks      *LockManager
	dispatcher Dispatcher
	prober     probe.Prober
	keys       *KeyStore
	cfg        Config
	logger     logging.Logger
	now        func() time.Time
	decisions  *prometheus.CounterVec
}

func NewService(repo Repository, dispatcher Dispatcher, prober probe.Prober, keys *KeyStore, cfg Config, logger logging.Logger, mc *monitoring.MetricsCollector) *Service {
	s := &Service{
		repo:       repo,
		locks:      NewLockManager(repo, logger),
		dispatcher: dispatcher,
		prober:     prober,
		keys:       keys,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
	if mc != nil {
		s.decisions = mc.NewCounter("admission_decisions_total", "Deploy, refresh and upgrade admission outcomes", []string{"operation", "outcome"})
	}
	return s
}

func (s *Service) record(operation string, err error) {
	if s.decisions == nil {
		return
	}
	outcome := "admitted"
	var ae *AdmissionError
	switch {
	case err == nil:
	case errors.As(err, &ae) && ae.Err == nil:
		outcome = "rejected"
	default:
		outcome = "error"
	}
	s.decisions.WithLabelValues(operation, outcome).Inc()
}

// dispatch pushes a committed job. A failure is logged only; the job stays
// QUEUED and the reaper dispatches it again.
func (s *Service) dispatch(ctx context.Context, jobID string) {
	if err := s.dispatcher.Dispatch(ctx, jobID); err != nil {
		s.logger.WithError(err).WithField("job_id", jobID).Warn("Dispatch failed, job left for the reaper")
	}
}

// Get returns a deployment with its job status projected.
func (s *Service) Get(ctx context.Context, id int64) (*store.Deployment, error) {
	return s.repo.GetDeployment(ctx, id)
}

func (s *Service) List(ctx context.Context) ([]store.Deployment, error) {
	return s.repo.ListDeployments(ctx)
}

// Status is a deployment together with its job, for failure detail.
type Status struct {
	Deployment *store.Deployment
	Job        *store.Job
}

func (s *Service) Status(ctx context.Context, id int64) (*Status, error) {
	d, err := s.repo.GetDeployment(ctx, id)
	if err != nil {
		return nil, err
	}
	job, err := s.repo.GetJob(ctx, d.JobID)
	if err != nil {
		return nil, err
	}
	return &Status{Deployment: d, Job: job}, nil
}

// Templates lists the installable templates.
func (s *Service) Templates() ([]string, error) {
	return Templates(s.cfg.TemplatesDir)
}

// PrepopOptions lists the prepopulate options a template offers.
func (s *Service) PrepopOptions(template string) ([]string, error) {
	return PrepopOptions(s.cfg.TemplatesDir, template)
}

// StoreKey saves an uploaded private key and returns the name to deploy with.
func (s *Service) StoreKey(name string, r io.Reader) (string, error) {
	if s.keys == nil {
		return "", fmt.Errorf("%w: key uploads are not configured", ErrInvalidRequest)
	}
	return s.keys.Store(name, r)
}
