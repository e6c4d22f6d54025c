package setup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"edensetup/pkg/logging"
)

// LockManager serialises deploy, refresh and upgrade decisions per host
// scope. All co-located deployments share one scope, so the lock covers the
// machine rather than a single record.
type LockManager struct {
	repo   Repository
	logger logging.Logger
}

func NewLockManager(repo Repository, logger logging.Logger) *LockManager {
	return &LockManager{repo: repo, logger: logger}
}

// check evaluates the conflict predicate in its fixed order.
func (m *LockManager) check(ctx context.Context, tx Repository, scope string) error {
	activity, err := tx.ScopeActivity(ctx, scope)
	if err != nil {
		return cannotAdmit(err)
	}
	switch {
	case activity.Refreshing:
		return lockHeld(ReasonRefreshRunning)
	case activity.Upgrading:
		return lockHeld(ReasonUpgradeRunning)
	case activity.Deploying:
		return reject(ReasonDeploymentRunning)
	}
	return nil
}

// BeginDeploy runs rules, then the conflict predicate, then fn, all in one
// transaction under the scope lock. rules sees only COMPLETED state, so its
// rejection is reported ahead of any in-flight operation. rules may be nil.
// The job and record fn writes become visible atomically with the decision.
func (m *LockManager) BeginDeploy(ctx context.Context, scope string, rules, fn func(tx Repository) error) error {
	return m.repo.InScope(ctx, scope, func(tx Repository) error {
		if rules != nil {
			if err := rules(tx); err != nil {
				return err
			}
		}
		if err := m.check(ctx, tx, scope); err != nil {
			return err
		}
		return fn(tx)
	})
}

// BeginUpgrade uses the same predicate as BeginDeploy.
func (m *LockManager) BeginUpgrade(ctx context.Context, scope string, fn func(tx Repository) error) error {
	return m.BeginDeploy(ctx, scope, nil, fn)
}

// RefreshLease is held for the duration of one refresh. End must be called
// on every path.
type RefreshLease struct {
	repo   Repository
	scope  string
	holder string
	logger logging.Logger
	once   sync.Once
	err    error
}

// BeginRefresh takes the refresh lease for scope.
func (m *LockManager) BeginRefresh(ctx context.Context, scope string) (*RefreshLease, error) {
	holder := uuid.NewString()
	err := m.repo.InScope(ctx, scope, func(tx Repository) error {
		if err := m.check(ctx, tx, scope); err != nil {
			return err
		}
		ok, err := tx.AcquireRefreshLease(ctx, scope, holder)
		if err != nil {
			return cannotAdmit(err)
		}
		if !ok {
			return lockHeld(ReasonRefreshRunning)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.WithFields(logging.Fields{"scope": scope, "holder": holder}).Debug("Refresh lease acquired")
	return &RefreshLease{repo: m.repo, scope: scope, holder: holder, logger: m.logger}, nil
}

// End releases the lease. It is idempotent and ignores cancellation of ctx.
func (l *RefreshLease) End(ctx context.Context) error {
	l.once.Do(func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		l.err = l.repo.ReleaseRefreshLease(rctx, l.scope, l.holder)
		if l.err != nil {
			l.logger.WithError(l.err).WithField("scope", l.scope).Error("Failed to release refresh lease")
		}
	})
	return l.err
}

// ReclaimStale drops refresh leases acquired before cutoff, whose holder
// never ended them, and returns the scopes it freed. Each scope is reclaimed
// under its own scope lock.
func (m *LockManager) ReclaimStale(ctx context.Context, cutoff time.Time) ([]string, error) {
	scopes, err := m.repo.StaleLeases(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stale leases: %w", err)
	}
	var freed []string
	for _, scope := range scopes {
		var ok bool
		err := m.repo.InScope(ctx, scope, func(tx Repository) error {
			var err error
			ok, err = tx.ReclaimLease(ctx, scope, cutoff)
			return err
		})
		if err != nil {
			m.logger.WithError(err).WithField("scope", scope).Warn("Failed to reclaim refresh lease")
			continue
		}
		if ok {
			m.logger.WithFields(logging.Fields{"scope": scope, "cutoff": cutoff}).Warn("Reclaimed abandoned refresh lease")
			freed = append(freed, scope)
		}
	}
	return freed, nil
}
