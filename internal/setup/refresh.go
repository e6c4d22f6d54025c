package setup

import (
	"context"
	"fmt"
	"time"

	"edensetup/internal/probe"
	"edensetup/internal/reconcile"
	"edensetup/internal/store"
	"edensetup/pkg/logging"
)

// RefreshResult reports what a refresh changed.
type RefreshResult struct {
	DeploymentID int64
	Plan         reconcile.Plan
	RefreshedAt  time.Time
}

func (s *Service) target(d *store.Deployment) probe.Target {
	t := probe.Target{
		Host:   d.Host,
		Local:  d.Connection == store.ConnectionLocal,
		Prepop: d.Prepop,
	}
	if !t.Local {
		t.RemoteUser = d.RemoteUser
		if s.keys != nil {
			t.PrivateKey = s.keys.Path(d.PrivateKey)
		}
	}
	return t
}

// Refresh probes the deployment's host and reconciles the package records
// of every COMPLETED deployment sharing it. The refresh lease is released on
// every path, including probe failure.
func (s *Service) Refresh(ctx context.Context, deploymentID int64) (res *RefreshResult, err error) {
	defer func() { s.record("refresh", err) }()

	d, err := s.repo.GetDeployment(ctx, deploymentID)
	if err != nil {
		return nil, err
	}
	if d.JobStatus != store.StatusCompleted {
		return nil, fmt.Errorf("%w: deployment %d is %s, only completed deployments can be refreshed", ErrInvalidRequest, d.ID, d.JobStatus)
	}
	log := s.logger.WithFields(logging.Fields{"deployment_id": d.ID, "scope": d.Scope, "host": d.Host})

	lease, err := s.locks.BeginRefresh(ctx, d.Scope)
	if err != nil {
		return nil, err
	}
	defer func() {
		if endErr := lease.End(ctx); endErr != nil && err == nil {
			err = fmt.Errorf("release refresh lease: %w", endErr)
		}
	}()

	pctx := ctx
	if s.cfg.ProbeTimeout > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(ctx, s.cfg.ProbeTimeout)
		defer cancel()
	}
	resp, err := s.prober.Fetch(pctx, s.target(d))
	if err != nil {
		return nil, fmt.Errorf("probe %s: %w", d.Host, err)
	}
	fetched, err := resp.Packages(d.Host)
	if err != nil {
		log.WithError(err).Warn("Refresh aborted, host unreachable")
		return nil, err
	}

	res = &RefreshResult{DeploymentID: d.ID, RefreshedAt: s.now()}
	err = s.repo.InScope(ctx, d.Scope, func(tx Repository) error {
		old, err := tx.PackageNames(ctx, d.ID)
		if err != nil {
			return err
		}
		res.Plan = reconcile.Diff(old, fetched)

		coLocated, err := tx.CompletedInScope(ctx, d.Scope)
		if err != nil {
			return err
		}
		owners := reconcile.NewOwners(d.ID, deploymentIDs(d.ID, coLocated), s.cfg.SingleOwner)
		if err := applyPlan(ctx, tx, res.Plan, owners); err != nil {
			return err
		}
		return tx.SetLastRefreshed(ctx, d.ID, res.RefreshedAt)
	})
	if err != nil {
		return nil, fmt.Errorf("reconcile packages: %w", err)
	}

	log.WithFields(logging.Fields{
		"new":        len(res.Plan.New),
		"upgradable": len(res.Plan.Upgrade),
		"up_to_date": len(res.Plan.UpToDate),
	}).Info("Refresh completed")
	return res, nil
}

// deploymentIDs always includes the reference deployment.
func deploymentIDs(reference int64, ds []store.Deployment) []int64 {
	ids := []int64{reference}
	for _, d := range ds {
		if d.ID != reference {
			ids = append(ids, d.ID)
		}
	}
	return ids
}

func applyPlan(ctx context.Context, tx Repository, plan reconcile.Plan, owners reconcile.Owners) error {
	for _, pkg := range plan.New {
		for _, id := range owners.For(pkg.Name) {
			if err := tx.UpsertPackage(ctx, &store.Package{
				DeploymentID: id,
				Name:         pkg.Name,
				CV:           pkg.CV,
				AV:           pkg.AV,
				Type:         pkg.Type,
			}); err != nil {
				return fmt.Errorf("insert %s for deployment %d: %w", pkg.Name, id, err)
			}
		}
	}
	for _, pkg := range plan.Upgrade {
		for _, id := range owners.For(pkg.Name) {
			if err := tx.SetAvailableVersion(ctx, id, pkg.Name, pkg.AV); err != nil {
				return fmt.Errorf("update %s for deployment %d: %w", pkg.Name, id, err)
			}
		}
	}
	for _, name := range plan.UpToDate {
		for _, id := range owners.For(name) {
			if err := tx.MarkUpToDate(ctx, id, name); err != nil {
				return fmt.Errorf("mark %s up to date for deployment %d: %w", name, id, err)
			}
		}
	}
	return nil
}
