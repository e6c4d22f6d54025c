package setup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"

	"edensetup/internal/probe"
	"edensetup/internal/scheduler"
	"edensetup/internal/store"
	"edensetup/pkg/ansible"
	"edensetup/pkg/logging"
)

const UpgradeCompleted = "Upgrade Completed!"

// ListUpgradable returns the packages of a deployment with a newer version
// available. A deployment that was never refreshed has nothing to offer yet.
func (s *Service) ListUpgradable(ctx context.Context, deploymentID int64) ([]store.Package, error) {
	d, err := s.repo.GetDeployment(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	if !d.LastRefreshed.Valid {
		return nil, ErrNotRefreshed
	}
	return s.repo.UpgradablePackages(ctx, deploymentID)
}

func (s *Service) singleOwner(name string) bool {
	for _, n := range s.cfg.SingleOwner {
		if n == name {
			return true
		}
	}
	return false
}

// upgradeRequest groups the selected packages by type. Only single-owner
// git checkouts are pulled; they live in the instance directory.
func (s *Service) upgradeRequest(d *store.Deployment, pkgs []store.Package) ansible.UpgradeRequest {
	req := ansible.UpgradeRequest{
		Host:  d.Host,
		Local: d.Connection == store.ConnectionLocal,
	}
	if !req.Local {
		req.RemoteUser = d.RemoteUser
	}
	for _, p := range pkgs {
		switch p.Type {
		case probe.TypeOS:
			req.System = append(req.System, p.Name)
		case probe.TypePip:
			req.Pip = append(req.Pip, p.Name)
		case probe.TypeGit:
			if s.singleOwner(p.Name) {
				req.Git = append(req.Git, ansible.GitPackage{Name: p.Name, Chdir: path.Join("/home", d.Prepop)})
			}
		}
	}
	return req
}

// SubmitUpgrade schedules an upgrade of the selected packages, subject to
// the same host exclusion as deployments.
func (s *Service) SubmitUpgrade(ctx context.Context, deploymentID int64, packageIDs []int64) (u *store.Upgrade, err error) {
	defer func() { s.record("upgrade", err) }()

	if len(packageIDs) == 0 {
		return nil, fmt.Errorf("%w: no packages selected", ErrInvalidRequest)
	}
	d, err := s.repo.GetDeployment(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	if d.JobStatus != store.StatusCompleted {
		return nil, fmt.Errorf("%w: deployment %d is %s, only completed deployments can be upgraded", ErrInvalidRequest, d.ID, d.JobStatus)
	}
	log := s.logger.WithFields(logging.Fields{"deployment_id": d.ID, "scope": d.Scope})

	var playbook string
	defer func() {
		if err != nil && playbook != "" {
			_ = os.Remove(playbook)
		}
	}()

	err = s.locks.BeginUpgrade(ctx, d.Scope, func(tx Repository) error {
		pkgs, err := tx.PackagesByID(ctx, d.ID, packageIDs)
		if err != nil {
			return cannotAdmit(err)
		}
		if len(pkgs) == 0 {
			return fmt.Errorf("%w: none of the selected packages belong to deployment %d", ErrInvalidRequest, d.ID)
		}

		play, tags := ansible.RenderUpgrade(s.cfg.Render, s.upgradeRequest(d, pkgs))
		playbook, err = ansible.WritePlaybook(s.cfg.PlaybookDir, "upgrade", []ansible.Play{play}, s.now())
		if err != nil {
			return err
		}

		local := d.Connection == store.ConnectionLocal
		function, _ := connectionFor(local)
		job, err := scheduler.NewJob(scheduler.Task{
			Name:       taskName(playbook),
			Function:   function,
			Args:       s.jobArgs(playbook, d.Host, d.RemoteUser, d.PrivateKey, local, tags),
			Timeout:    s.cfg.Timeout,
			SyncOutput: s.cfg.SyncOutput,
		})
		if err != nil {
			return err
		}
		if err := tx.InsertJob(ctx, job); err != nil {
			return fmt.Errorf("insert job: %w", err)
		}

		u = &store.Upgrade{DeploymentID: d.ID, JobID: job.ID, JobStatus: job.Status}
		if err := tx.InsertUpgrade(ctx, u); err != nil {
			return fmt.Errorf("insert upgrade: %w", err)
		}
		return nil
	})
	if err != nil {
		var ae *AdmissionError
		if errors.As(err, &ae) {
			log.WithField("reason", ae.Reason).Info("Upgrade rejected")
		}
		return nil, err
	}

	s.dispatch(ctx, u.JobID)
	log.WithField("job_id", u.JobID).Info("Upgrade queued")
	return u, nil
}

// UpgradeState is the latest upgrade of a deployment and a message for it.
type UpgradeState struct {
	Upgrade *store.Upgrade
	Message string
}

func (s *Service) UpgradeStatus(ctx context.Context, deploymentID int64) (*UpgradeState, error) {
	u, err := s.repo.LatestUpgrade(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	state := &UpgradeState{Upgrade: u}
	switch u.JobStatus {
	case store.StatusCompleted:
		state.Message = UpgradeCompleted
	case store.StatusFailed:
		state.Message = "Upgrade Failed"
	default:
		state.Message = "Upgrade in progress"
	}
	return state, nil
}
