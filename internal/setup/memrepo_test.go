package setup

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"edensetup/internal/store"
)

// memRepo is an in-memory Repository. InScope serialises callers per scope
// like the advisory lock does.
type memRepo struct {
	scopeMu sync.Mutex
	scopes  map[string]*sync.Mutex

	mu          sync.Mutex
	jobs        map[string]*store.Job
	deployments []*store.Deployment
	packages    []*store.Package
	upgrades    []*store.Upgrade
	leases      map[string]memLease

	failActivity error
	failPackages error
}

type memLease struct {
	holder string
	at     time.Time
}

func newMemRepo() *memRepo {
	return &memRepo{
		scopes: make(map[string]*sync.Mutex),
		jobs:   make(map[string]*store.Job),
		leases: make(map[string]memLease),
	}
}

func (m *memRepo) scopeLock(scope string) *sync.Mutex {
	m.scopeMu.Lock()
	defer m.scopeMu.Unlock()
	l, ok := m.scopes[scope]
	if !ok {
		l = &sync.Mutex{}
		m.scopes[scope] = l
	}
	return l
}

// InScope has no rollback; tests only rely on fn's error reaching the caller.
func (m *memRepo) InScope(_ context.Context, scope string, fn func(tx Repository) error) error {
	l := m.scopeLock(scope)
	l.Lock()
	defer l.Unlock()
	return fn(m)
}

func (m *memRepo) status(jobID string) store.JobStatus {
	if j, ok := m.jobs[jobID]; ok {
		return j.Status
	}
	return ""
}

func (m *memRepo) ScopeActivity(_ context.Context, scope string) (store.ScopeActivity, error) {
	if m.failActivity != nil {
		return store.ScopeActivity{}, m.failActivity
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var a store.ScopeActivity
	_, a.Refreshing = m.leases[scope]
	inScope := make(map[int64]bool)
	for _, d := range m.deployments {
		if d.Scope != scope {
			continue
		}
		inScope[d.ID] = true
		if d.RefreshLock != 0 {
			a.Refreshing = true
		}
		if !m.status(d.JobID).Terminal() {
			a.Deploying = true
		}
	}
	for _, u := range m.upgrades {
		if inScope[u.DeploymentID] && !m.status(u.JobID).Terminal() {
			a.Upgrading = true
		}
	}
	return a, nil
}

func (m *memRepo) AcquireRefreshLease(_ context.Context, scope, holder string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, held := m.leases[scope]; held {
		return false, nil
	}
	m.leases[scope] = memLease{holder: holder, at: time.Now()}
	for _, d := range m.deployments {
		if d.Scope == scope {
			d.RefreshLock = 1
		}
	}
	return true, nil
}

func (m *memRepo) ReleaseRefreshLease(_ context.Context, scope, holder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.leases[scope].holder == holder {
		delete(m.leases, scope)
	}
	for _, d := range m.deployments {
		if d.Scope == scope {
			d.RefreshLock = 0
		}
	}
	return nil
}

func (m *memRepo) StaleLeases(_ context.Context, cutoff time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var scopes []string
	for scope, l := range m.leases {
		if l.at.Before(cutoff) {
			scopes = append(scopes, scope)
		}
	}
	sort.Strings(scopes)
	return scopes, nil
}

func (m *memRepo) ReclaimLease(_ context.Context, scope string, cutoff time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.leases[scope]
	if !ok || !l.at.Before(cutoff) {
		return false, nil
	}
	delete(m.leases, scope)
	for _, d := range m.deployments {
		if d.Scope == scope {
			d.RefreshLock = 0
		}
	}
	return true, nil
}

func (m *memRepo) InsertJob(_ context.Context, job *store.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *memRepo) GetJob(_ context.Context, id string) (*store.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *memRepo) setStatus(jobID string, status store.JobStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[jobID].Status = status
}

func (m *memRepo) InsertDeployment(_ context.Context, d *store.Deployment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d.ID = int64(len(m.deployments) + 1)
	d.CreatedAt = time.Now()
	cp := *d
	m.deployments = append(m.deployments, &cp)
	return nil
}

func (m *memRepo) project(d *store.Deployment) store.Deployment {
	cp := *d
	cp.JobStatus = m.status(d.JobID)
	return cp
}

func (m *memRepo) GetDeployment(_ context.Context, id int64) (*store.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.deployments {
		if d.ID == id {
			cp := m.project(d)
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memRepo) ListDeployments(context.Context) ([]store.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Deployment
	for i := len(m.deployments) - 1; i >= 0; i-- {
		out = append(out, m.project(m.deployments[i]))
	}
	return out, nil
}

func (m *memRepo) CompletedInScope(_ context.Context, scope string) ([]store.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Deployment
	for _, d := range m.deployments {
		if d.Scope == scope && m.status(d.JobID) == store.StatusCompleted {
			out = append(out, m.project(d))
		}
	}
	return out, nil
}

func (m *memRepo) CompletedPrepops(ctx context.Context, scope string) (map[string]bool, error) {
	ds, _ := m.CompletedInScope(ctx, scope)
	kinds := make(map[string]bool)
	for _, d := range ds {
		kinds[d.Prepop] = true
	}
	return kinds, nil
}

func (m *memRepo) SetLastRefreshed(_ context.Context, id int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.deployments {
		if d.ID == id {
			d.LastRefreshed.Time, d.LastRefreshed.Valid = at, true
			return nil
		}
	}
	return store.ErrNotFound
}

func (m *memRepo) pkg(deploymentID int64, name string) *store.Package {
	for _, p := range m.packages {
		if p.DeploymentID == deploymentID && p.Name == name {
			return p
		}
	}
	return nil
}

func (m *memRepo) PackageNames(_ context.Context, deploymentID int64) ([]string, error) {
	if m.failPackages != nil {
		return nil, m.failPackages
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var names []string
	for _, p := range m.packages {
		if p.DeploymentID == deploymentID {
			names = append(names, p.Name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (m *memRepo) UpsertPackage(_ context.Context, p *store.Package) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing := m.pkg(p.DeploymentID, p.Name); existing != nil {
		existing.CV, existing.AV, existing.Type = p.CV, p.AV, p.Type
		p.ID = existing.ID
		return nil
	}
	p.ID = int64(len(m.packages) + 1)
	cp := *p
	m.packages = append(m.packages, &cp)
	return nil
}

func (m *memRepo) SetAvailableVersion(_ context.Context, deploymentID int64, name, av string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p := m.pkg(deploymentID, name); p != nil {
		p.AV = av
	}
	return nil
}

func (m *memRepo) MarkUpToDate(_ context.Context, deploymentID int64, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p := m.pkg(deploymentID, name); p != nil {
		p.AV = p.CV
	}
	return nil
}

func (m *memRepo) UpgradablePackages(_ context.Context, deploymentID int64) ([]store.Package, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Package
	for _, p := range m.packages {
		if p.DeploymentID == deploymentID && p.CV != p.AV {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (m *memRepo) PackagesByID(_ context.Context, deploymentID int64, ids []int64) ([]store.Package, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := make(map[int64]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []store.Package
	for _, p := range m.packages {
		if p.DeploymentID == deploymentID && want[p.ID] {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (m *memRepo) InsertUpgrade(_ context.Context, u *store.Upgrade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u.ID = int64(len(m.upgrades) + 1)
	cp := *u
	m.upgrades = append(m.upgrades, &cp)
	return nil
}

func (m *memRepo) LatestUpgrade(_ context.Context, deploymentID int64) (*store.Upgrade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.upgrades) - 1; i >= 0; i-- {
		if u := m.upgrades[i]; u.DeploymentID == deploymentID {
			cp := *u
			cp.JobStatus = m.status(u.JobID)
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *memRepo) refreshLocks(scope string) []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []int
	for _, d := range m.deployments {
		if d.Scope == scope {
			out = append(out, d.RefreshLock)
		}
	}
	return out
}

func (m *memRepo) packagesOf(deploymentID int64) map[string]store.Package {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]store.Package)
	for _, p := range m.packages {
		if p.DeploymentID == deploymentID {
			out[p.Name] = *p
		}
	}
	return out
}

type recordingDispatcher struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (r *recordingDispatcher) Dispatch(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
	return r.err
}

var errBoom = errors.New("boom")
