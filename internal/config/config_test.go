package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Scheduler.Timeout != time.Hour {
		t.Fatalf("expected 1h timeout, got %s", cfg.Scheduler.Timeout)
	}
	if len(cfg.Reconcile.SingleOwnerPackages) != 1 || cfg.Reconcile.SingleOwnerPackages[0] != "web2py" {
		t.Fatalf("unexpected single owner packages: %v", cfg.Reconcile.SingleOwnerPackages)
	}
	if cfg.Ansible.BecomeKeyword != "sudo" {
		t.Fatalf("expected sudo keyword, got %q", cfg.Ansible.BecomeKeyword)
	}
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := []byte(`
database:
  url: postgres://eden@db/eden
scheduler:
  sync_output: 30s
probe:
  mode: ssh
`)
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.URL != "postgres://eden@db/eden" {
		t.Fatalf("unexpected url %q", cfg.Database.URL)
	}
	if cfg.Scheduler.SyncOutput != 30*time.Second {
		t.Fatalf("unexpected sync output %s", cfg.Scheduler.SyncOutput)
	}
	if cfg.Scheduler.Timeout != time.Hour {
		t.Fatalf("default timeout lost: %s", cfg.Scheduler.Timeout)
	}
	if cfg.Probe.Mode != ProbeSSH {
		t.Fatalf("unexpected probe mode %q", cfg.Probe.Mode)
	}
}

func TestLoadRejectsUnknownProbeMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("probe:\n  mode: telnet\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestApplyOverridesFromEnv(t *testing.T) {
	t.Setenv("EDENSETUP_DATABASE_URL", "postgres://override/eden")
	t.Setenv("EDENSETUP_RECONCILE_SINGLE_OWNER_PACKAGES", "web2py,eden")
	t.Setenv("EDENSETUP_SCHEDULER_WORKERS", "4")
	t.Setenv("EDENSETUP_SCHEDULER_TIMEOUT", "10m")

	cfg := Default()
	if err := ApplyOverrides(&cfg, NewViper()); err != nil {
		t.Fatalf("ApplyOverrides: %v", err)
	}
	if cfg.Database.URL != "postgres://override/eden" {
		t.Fatalf("unexpected url %q", cfg.Database.URL)
	}
	if got := cfg.Reconcile.SingleOwnerPackages; len(got) != 2 || got[1] != "eden" {
		t.Fatalf("unexpected packages %v", got)
	}
	if cfg.Scheduler.Workers != 4 {
		t.Fatalf("unexpected workers %d", cfg.Scheduler.Workers)
	}
	if cfg.Scheduler.Timeout != 10*time.Minute {
		t.Fatalf("unexpected timeout %s", cfg.Scheduler.Timeout)
	}
	if cfg.Redis.Addrs[0] != "localhost:6379" {
		t.Fatalf("unset key should keep default, got %v", cfg.Redis.Addrs)
	}
}

func TestDerivedDirs(t *testing.T) {
	cfg := Default()
	cfg.Paths.WorkDir = "/srv/setup"
	if cfg.PlaybookDir() != "/srv/setup/playbooks" || cfg.LogDir() != "/srv/setup/logs" {
		t.Fatalf("unexpected dirs %s %s", cfg.PlaybookDir(), cfg.LogDir())
	}
}

func TestValidateKeepsProbeBelowLeaseTTL(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}

	cfg.Probe.Timeout = cfg.Reconcile.LeaseTTL
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected a probe timeout equal to the lease TTL to be rejected")
	}

	cfg.Reconcile.LeaseTTL = 0
	if err := cfg.Validate(); err != nil {
		t.Fatalf("lease reclaiming disabled must not constrain the probe: %v", err)
	}
}
