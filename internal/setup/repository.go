package setup

import (
	"context"
	"time"

	"edensetup/internal/store"
)

// Repository is the persisted state the service reads and writes. InScope
// runs fn with exclusive access to a host scope; everything fn does through
// its Repository commits or rolls back together.
type Repository interface {
	InScope(ctx context.Context, scope string, fn func(tx Repository) error) error

	ScopeActivity(ctx context.Context, scope string) (store.ScopeActivity, error)
	AcquireRefreshLease(ctx context.Context, scope, holder string) (bool, error)
	ReleaseRefreshLease(ctx context.Context, scope, holder string) error
	StaleLeases(ctx context.Context, cutoff time.Time) ([]string, error)
	ReclaimLease(ctx context.Context, scope string, cutoff time.Time) (bool, error)

	InsertJob(ctx context.Context, job *store.Job) error
	GetJob(ctx context.Context, id string) (*store.Job, error)

	InsertDeployment(ctx context.Context, d *store.Deployment) error
	GetDeployment(ctx context.Context, id int64) (*store.Deployment, error)
	ListDeployments(ctx context.Context) ([]store.Deployment, error)
	CompletedInScope(ctx context.Context, scope string) ([]store.Deployment, error)
	CompletedPrepops(ctx context.Context, scope string) (map[string]bool, error)
	SetLastRefreshed(ctx context.Context, id int64, at time.Time) error

	PackageNames(ctx context.Context, deploymentID int64) ([]string, error)
	UpsertPackage(ctx context.Context, p *store.Package) error
	SetAvailableVersion(ctx context.Context, deploymentID int64, name, av string) error
	MarkUpToDate(ctx context.Context, deploymentID int64, name string) error
	UpgradablePackages(ctx context.Context, deploymentID int64) ([]store.Package, error)
	PackagesByID(ctx context.Context, deploymentID int64, ids []int64) ([]store.Package, error)

	InsertUpgrade(ctx context.Context, u *store.Upgrade) error
	LatestUpgrade(ctx context.Context, deploymentID int64) (*store.Upgrade, error)
}

type storeRepository struct {
	*store.Store
}

// NewRepository adapts a Postgres store.
func NewRepository(st *store.Store) Repository {
	return storeRepository{st}
}

func (r storeRepository) InScope(ctx context.Context, scope string, fn func(tx Repository) error) error {
	return r.Store.InScope(ctx, scope, func(tx *store.Store) error {
		return fn(storeRepository{tx})
	})
}
