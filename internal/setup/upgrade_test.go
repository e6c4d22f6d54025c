package setup

import (
	"context"
	"errors"
	"testing"

	"edensetup/internal/probe"
	"edensetup/internal/store"
	"edensetup/pkg/ansible"
)

func refreshedWith(t *testing.T, f *fixture, pkgs ...probe.Package) *store.Deployment {
	t.Helper()
	d := f.deployed(t, remote(ansible.PrepopProd), store.StatusCompleted)
	f.prober.resp = contacted("10.0.0.5", pkgs...)
	if _, err := f.svc.Refresh(context.Background(), d.ID); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	return d
}

func TestListUpgradableRequiresRefresh(t *testing.T) {
	f := newFixture(t)
	d := f.deployed(t, remote(ansible.PrepopProd), store.StatusCompleted)

	if _, err := f.svc.ListUpgradable(context.Background(), d.ID); !errors.Is(err, ErrNotRefreshed) {
		t.Fatalf("expected ErrNotRefreshed, got %v", err)
	}
}

func TestSubmitUpgradeGroupsByType(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := refreshedWith(t, f,
		probe.Package{Name: "nginx", CV: "1.1", AV: "1.2", Type: probe.TypeOS},
		probe.Package{Name: "lxml", CV: "4.0", AV: "4.9", Type: probe.TypePip},
		probe.Package{Name: "web2py", CV: "abc", AV: "def", Type: probe.TypeGit},
	)

	pkgs, err := f.svc.ListUpgradable(ctx, d.ID)
	if err != nil {
		t.Fatalf("ListUpgradable: %v", err)
	}
	if len(pkgs) != 3 {
		t.Fatalf("expected 3 upgradable packages, got %d", len(pkgs))
	}
	ids := make([]int64, 0, len(pkgs))
	for _, p := range pkgs {
		ids = append(ids, p.ID)
	}

	u, err := f.svc.SubmitUpgrade(ctx, d.ID, ids)
	if err != nil {
		t.Fatalf("SubmitUpgrade: %v", err)
	}
	job, _ := f.repo.GetJob(ctx, u.JobID)
	if job.Function != store.FunctionDeploy || job.TaskName[:8] != "upgrade_" {
		t.Fatalf("unexpected upgrade job %s %s", job.Function, job.TaskName)
	}

	play := readPlay(t, job.Args.Playbook)
	roles := play["roles"].([]any)
	if len(roles) != 1 || roles[0] != ansible.DefaultRolesPath+"upgrades" {
		t.Fatalf("unexpected roles %v", roles)
	}
	vars := play["vars"].(map[string]any)
	if sys := vars["system_packages"].([]any); len(sys) != 1 || sys[0] != "nginx" {
		t.Fatalf("unexpected system packages %v", sys)
	}
	if pip := vars["pip_packages"].([]any); len(pip) != 1 || pip[0] != "lxml" {
		t.Fatalf("unexpected pip packages %v", pip)
	}
	git := vars["git_packages"].([]any)
	if len(git) != 1 {
		t.Fatalf("unexpected git packages %v", git)
	}
	entry := git[0].(map[string]any)
	if entry["name"] != "web2py" || entry["chdir"] != "/home/prod" {
		t.Fatalf("unexpected git entry %v", entry)
	}

	state, err := f.svc.UpgradeStatus(ctx, d.ID)
	if err != nil {
		t.Fatalf("UpgradeStatus: %v", err)
	}
	if state.Message != "Upgrade in progress" {
		t.Fatalf("unexpected message %q", state.Message)
	}
	f.repo.setStatus(u.JobID, store.StatusCompleted)
	state, _ = f.svc.UpgradeStatus(ctx, d.ID)
	if state.Message != UpgradeCompleted {
		t.Fatalf("unexpected message %q", state.Message)
	}
}

func TestUpgradeBlocksOtherOperations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := refreshedWith(t, f, probe.Package{Name: "nginx", CV: "1.1", AV: "1.2", Type: probe.TypeOS})
	pkgs, _ := f.svc.ListUpgradable(ctx, d.ID)

	if _, err := f.svc.SubmitUpgrade(ctx, d.ID, []int64{pkgs[0].ID}); err != nil {
		t.Fatalf("SubmitUpgrade: %v", err)
	}

	_, err := f.svc.SubmitUpgrade(ctx, d.ID, []int64{pkgs[0].ID})
	requireReason(t, err, ReasonUpgradeRunning)
	if !errors.Is(err, ErrLockHeld) {
		t.Fatalf("upgrade conflicts must match ErrLockHeld")
	}

	_, err = f.svc.Deploy(ctx, remote(ansible.PrepopDemo))
	requireReason(t, err, ReasonUpgradeRunning)

	_, err = f.svc.Refresh(ctx, d.ID)
	requireReason(t, err, ReasonUpgradeRunning)
}

func TestUpgradeRejectedDuringRefresh(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := refreshedWith(t, f, probe.Package{Name: "nginx", CV: "1.1", AV: "1.2", Type: probe.TypeOS})
	pkgs, _ := f.svc.ListUpgradable(ctx, d.ID)

	lease, err := f.svc.locks.BeginRefresh(ctx, d.Scope)
	if err != nil {
		t.Fatalf("BeginRefresh: %v", err)
	}
	defer func() { _ = lease.End(ctx) }()

	_, err = f.svc.SubmitUpgrade(ctx, d.ID, []int64{pkgs[0].ID})
	requireReason(t, err, ReasonRefreshRunning)
	if len(f.repo.upgrades) != 0 {
		t.Fatalf("rejected upgrade must not be recorded")
	}
}

func TestSubmitUpgradeValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := refreshedWith(t, f, probe.Package{Name: "nginx", CV: "1.1", AV: "1.2", Type: probe.TypeOS})

	if _, err := f.svc.SubmitUpgrade(ctx, d.ID, nil); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for empty selection, got %v", err)
	}
	if _, err := f.svc.SubmitUpgrade(ctx, d.ID, []int64{999}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for foreign ids, got %v", err)
	}
	if _, err := f.svc.UpgradeStatus(ctx, d.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound before any upgrade, got %v", err)
	}
}
