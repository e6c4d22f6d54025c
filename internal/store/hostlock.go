package store

import (
	"context"
	"fmt"
	"time"
)

// InScope runs fn in a transaction holding the advisory lock for scope, so
// every admission decision and the write that follows it are serialised per
// host. fn receives a Store bound to the transaction.
func (s *Store) InScope(ctx context.Context, scope string, fn func(tx *Store) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin scope %s: %w", scope, err)
	}

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "setup:"+scope); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("lock scope %s: %w", scope, err)
	}

	if err := fn(&Store{db: s.db, q: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit scope %s: %w", scope, err)
	}
	return nil
}

// ScopeActivity evaluates, in one statement, whether a refresh, upgrade or
// deployment is in flight for scope. Any job status other than COMPLETED or
// FAILED counts as in flight.
func (s *Store) ScopeActivity(ctx context.Context, scope string) (ScopeActivity, error) {
	var a ScopeActivity
	err := s.q.QueryRowContext(ctx, `
		SELECT
			EXISTS (SELECT 1 FROM setup.deployments WHERE scope = $1 AND refresh_lock <> 0)
				OR EXISTS (SELECT 1 FROM setup.host_leases WHERE scope = $1),
			EXISTS (
				SELECT 1 FROM setup.upgrades u
				JOIN setup.deployments d ON d.id = u.deployment_id
				JOIN setup.scheduler_tasks t ON t.id = u.job_id
				WHERE d.scope = $1 AND t.status NOT IN ('COMPLETED', 'FAILED')
			),
			EXISTS (
				SELECT 1 FROM setup.deployments d
				JOIN setup.scheduler_tasks t ON t.id = d.job_id
				WHERE d.scope = $1 AND t.status NOT IN ('COMPLETED', 'FAILED')
			)
	`, scope).Scan(&a.Refreshing, &a.Upgrading, &a.Deploying)
	return a, err
}

// AcquireRefreshLease takes the refresh lease for scope with a conditional
// insert and flags the scope's deployments. It reports false when another
// holder already owns the lease.
func (s *Store) AcquireRefreshLease(ctx context.Context, scope, holder string) (bool, error) {
	res, err := s.q.ExecContext(ctx, `
		INSERT INTO setup.host_leases (scope, operation, holder, acquired_at)
		VALUES ($1, 'refresh', $2, NOW())
		ON CONFLICT (scope) DO NOTHING
	`, scope, holder)
	if err != nil {
		return false, err
	}
	ok, err := affectedOne(res)
	if err != nil || !ok {
		return false, err
	}

	if _, err := s.q.ExecContext(ctx, `
		UPDATE setup.deployments SET refresh_lock = 1
		WHERE scope = $1 AND refresh_lock = 0
	`, scope); err != nil {
		return false, err
	}
	return true, nil
}

// ReleaseRefreshLease drops holder's lease and clears refresh_lock on every
// deployment in scope.
func (s *Store) ReleaseRefreshLease(ctx context.Context, scope, holder string) error {
	if _, err := s.q.ExecContext(ctx,
		`DELETE FROM setup.host_leases WHERE scope = $1 AND holder = $2`, scope, holder); err != nil {
		return err
	}
	_, err := s.q.ExecContext(ctx,
		`UPDATE setup.deployments SET refresh_lock = 0 WHERE scope = $1 AND refresh_lock <> 0`, scope)
	return err
}

// StaleLeases lists the scopes whose lease was acquired before cutoff.
func (s *Store) StaleLeases(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT scope FROM setup.host_leases WHERE acquired_at < $1 ORDER BY scope`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanIDs(rows)
}

// ReclaimLease drops the lease on scope whatever its holder, provided it was
// acquired before cutoff, and clears refresh_lock in scope. It reports false
// when no such lease exists, e.g. a new holder took the scope meanwhile.
func (s *Store) ReclaimLease(ctx context.Context, scope string, cutoff time.Time) (bool, error) {
	res, err := s.q.ExecContext(ctx,
		`DELETE FROM setup.host_leases WHERE scope = $1 AND acquired_at < $2`, scope, cutoff)
	if err != nil {
		return false, err
	}
	ok, err := affectedOne(res)
	if err != nil || !ok {
		return false, err
	}
	_, err = s.q.ExecContext(ctx,
		`UPDATE setup.deployments SET refresh_lock = 0 WHERE scope = $1 AND refresh_lock <> 0`, scope)
	return err == nil, err
}
