package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	ProbeAnsible = "ansible"
	ProbeSSH     = "ssh"
)

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".edensetup")
}

// Default returns the configuration used when no file is present.
func Default() Config {
	base := homeDir()
	return Config{
		Database: Database{
			URL:             "postgres://postgres@localhost:5432/eden?sslmode=disable",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: Redis{Addrs: []string{"localhost:6379"}},
		Paths: Paths{
			WorkDir:   filepath.Join(base, "work"),
			Uploads:   filepath.Join(base, "uploads"),
			Templates: filepath.Join(base, "templates"),
		},
		Ansible: Ansible{
			RolesPath:     "../private/playbook/roles/",
			ModulePath:    filepath.Join(base, "playbook", "library"),
			BecomeKeyword: "sudo",
		},
		Site: Site{
			PublicURL: "http://127.0.0.1:8000",
			RepoURL:   "https://github.com/flavour/eden",
		},
		Scheduler: Scheduler{
			Timeout:      3600 * time.Second,
			SyncOutput:   300 * time.Second,
			Workers:      2,
			QueueKey:     "edensetup:jobs",
			ReapSchedule: "@every 1m",
			TailLines:    200,
		},
		Reconcile: Reconcile{SingleOwnerPackages: []string{"web2py"}, LeaseTTL: 15 * time.Minute},
		Probe:     Probe{Mode: ProbeAnsible, SSHTimeout: 30 * time.Second, Timeout: 10 * time.Minute},
		HTTP:      HTTP{Port: "18090"},
	}
}

// ConfigPath returns ~/.edensetup/config.yaml.
func ConfigPath() string {
	return filepath.Join(homeDir(), "config.yaml")
}

// PlaybookDir is where rendered playbooks are written.
func (c Config) PlaybookDir() string { return filepath.Join(c.Paths.WorkDir, "playbooks") }

// LogDir is where per-job execution logs are written.
func (c Config) LogDir() string { return filepath.Join(c.Paths.WorkDir, "logs") }

// Load reads the YAML file at path (default path when empty) on top of
// Default(). A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = ConfigPath()
	}
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate rejects values the rest of the system cannot work with.
func (c Config) Validate() error {
	switch c.Probe.Mode {
	case ProbeAnsible, ProbeSSH:
	default:
		return fmt.Errorf("probe.mode must be %q or %q, got %q", ProbeAnsible, ProbeSSH, c.Probe.Mode)
	}
	switch c.Ansible.BecomeKeyword {
	case "sudo", "become":
	default:
		return fmt.Errorf("ansible.become_keyword must be sudo or become, got %q", c.Ansible.BecomeKeyword)
	}
	if c.Scheduler.Timeout <= 0 {
		return errors.New("scheduler.timeout must be positive")
	}
	if c.Scheduler.SyncOutput <= 0 {
		return errors.New("scheduler.sync_output must be positive")
	}
	if c.Scheduler.Workers < 1 {
		return errors.New("scheduler.workers must be at least 1")
	}
	if c.Reconcile.LeaseTTL > 0 && (c.Probe.Timeout <= 0 || c.Probe.Timeout >= c.Reconcile.LeaseTTL) {
		return fmt.Errorf("probe.timeout (%s) must be positive and below reconcile.lease_ttl (%s)", c.Probe.Timeout, c.Reconcile.LeaseTTL)
	}
	return nil
}

// NewViper returns a viper instance reading EDENSETUP_* variables, where a
// dotted key maps to an underscored name (database.url -> EDENSETUP_DATABASE_URL).
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("EDENSETUP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// ApplyOverrides copies every key set in v onto cfg and revalidates.
func ApplyOverrides(cfg *Config, v *viper.Viper) error {
	str := func(key string, dst *string) {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}
	list := func(key string, dst *[]string) {
		if v.IsSet(key) {
			var out []string
			for _, s := range v.GetStringSlice(key) {
				for _, part := range strings.Split(s, ",") {
					if part = strings.TrimSpace(part); part != "" {
						out = append(out, part)
					}
				}
			}
			*dst = out
		}
	}
	num := func(key string, dst *int) {
		if v.IsSet(key) {
			*dst = v.GetInt(key)
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v.IsSet(key) {
			*dst = v.GetDuration(key)
		}
	}

	str("database.url", &cfg.Database.URL)
	list("redis.addrs", &cfg.Redis.Addrs)
	str("redis.password", &cfg.Redis.Password)
	num("redis.db", &cfg.Redis.DB)
	str("paths.work_dir", &cfg.Paths.WorkDir)
	str("paths.uploads", &cfg.Paths.Uploads)
	str("paths.templates", &cfg.Paths.Templates)
	str("ansible.roles_path", &cfg.Ansible.RolesPath)
	str("ansible.module_path", &cfg.Ansible.ModulePath)
	str("ansible.become_keyword", &cfg.Ansible.BecomeKeyword)
	str("site.public_url", &cfg.Site.PublicURL)
	str("site.repo_url", &cfg.Site.RepoURL)
	dur("scheduler.timeout", &cfg.Scheduler.Timeout)
	dur("scheduler.sync_output", &cfg.Scheduler.SyncOutput)
	num("scheduler.workers", &cfg.Scheduler.Workers)
	str("scheduler.queue_key", &cfg.Scheduler.QueueKey)
	str("scheduler.reap_schedule", &cfg.Scheduler.ReapSchedule)
	list("reconcile.single_owner_packages", &cfg.Reconcile.SingleOwnerPackages)
	dur("reconcile.lease_ttl", &cfg.Reconcile.LeaseTTL)
	str("probe.mode", &cfg.Probe.Mode)
	dur("probe.timeout", &cfg.Probe.Timeout)
	str("http.port", &cfg.HTTP.Port)

	return cfg.Validate()
}
