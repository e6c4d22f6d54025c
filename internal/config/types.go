package config

import "time"

type Database struct {
	URL             string        `yaml:"url"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type Redis struct {
	Addrs    []string `yaml:"addrs"`
	Password string   `yaml:"password,omitempty"`
	DB       int      `yaml:"db"`
}

type Paths struct {
	WorkDir   string `yaml:"work_dir"`  // playbooks/ and logs/ live here
	Uploads   string `yaml:"uploads"`   // private keys, 0600
	Templates string `yaml:"templates"` // one dir per template, each with config.py
}

type Ansible struct {
	RolesPath     string `yaml:"roles_path"`
	ModulePath    string `yaml:"module_path"`
	BecomeKeyword string `yaml:"become_keyword"` // sudo | become
}

type Site struct {
	PublicURL string `yaml:"public_url"`
	RepoURL   string `yaml:"repo_url"`
}

type Scheduler struct {
	Timeout      time.Duration `yaml:"timeout"`
	SyncOutput   time.Duration `yaml:"sync_output"`
	Workers      int           `yaml:"workers"`
	QueueKey     string        `yaml:"queue_key"`
	ReapSchedule string        `yaml:"reap_schedule"`
	TailLines    int           `yaml:"tail_lines"`
}

type Reconcile struct {
	SingleOwnerPackages []string `yaml:"single_owner_packages"`
	// LeaseTTL after which the reaper frees a refresh lease whose holder died.
	LeaseTTL time.Duration `yaml:"lease_ttl"`
}

type Probe struct {
	Mode       string        `yaml:"mode"` // ansible | ssh
	SSHTimeout time.Duration `yaml:"ssh_timeout"`
	// Timeout bounds a whole probe; it must be below reconcile.lease_ttl.
	Timeout time.Duration `yaml:"timeout"`
}

type HTTP struct {
	Port string `yaml:"port"`
}

type Config struct {
	Database  Database  `yaml:"database"`
	Redis     Redis     `yaml:"redis"`
	Paths     Paths     `yaml:"paths"`
	Ansible   Ansible   `yaml:"ansible"`
	Site      Site      `yaml:"site"`
	Scheduler Scheduler `yaml:"scheduler"`
	Reconcile Reconcile `yaml:"reconcile"`
	Probe     Probe     `yaml:"probe"`
	HTTP      HTTP      `yaml:"http"`
}
