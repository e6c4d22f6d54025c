package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	goredis "github.com/redis/go-redis/v9"

	"edensetup/internal/config"
	"edensetup/internal/execlog"
	"edensetup/internal/probe"
	"edensetup/internal/scheduler"
	"edensetup/internal/setup"
	"edensetup/internal/store"
	"edensetup/pkg/ansible"
	"edensetup/pkg/database"
	"edensetup/pkg/logging"
	"edensetup/pkg/monitoring"
	"edensetup/pkg/redis"
	"edensetup/pkg/ssh"
	"edensetup/pkg/version"
)

// webPlatform is the package reported for the instance's git checkout.
const webPlatform = "web2py"

// pollWait bounds one blocking queue pop; the redis read timeout must exceed it.
const pollWait = 5 * time.Second

// app holds the connections shared by every command that touches state.
type app struct {
	cfg     config.Config
	logger  logging.Logger
	db      database.PostgresConn
	store   *store.Store
	rdb     goredis.UniversalClient
	queue   *scheduler.Queue
	logs    *execlog.Logger
	runner  *ansible.Runner
	metrics *monitoring.MetricsCollector
}

func openApp(ctx context.Context, service string) (*app, error) {
	logger := newLogger(service)
	cfg, err := loadConfig(logger)
	if err != nil {
		return nil, err
	}

	dbConfig := database.DefaultConfig()
	dbConfig.URL = cfg.Database.URL
	if cfg.Database.MaxOpenConns > 0 {
		dbConfig.MaxOpenConns = cfg.Database.MaxOpenConns
	}
	if cfg.Database.MaxIdleConns > 0 {
		dbConfig.MaxIdleConns = cfg.Database.MaxIdleConns
	}
	if cfg.Database.ConnMaxLifetime > 0 {
		dbConfig.ConnMaxLifetime = cfg.Database.ConnMaxLifetime
	}
	db, err := database.Connect(ctx, dbConfig, logger)
	if err != nil {
		return nil, err
	}

	rdb, err := redis.NewUniversalClient(ctx, redis.Config{
		Addrs:       cfg.Redis.Addrs,
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.DB,
		ReadTimeout: pollWait + 5*time.Second,
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	st := store.NewStore(db)
	return &app{
		cfg:     cfg,
		logger:  logger,
		db:      db,
		store:   st,
		rdb:     rdb,
		queue:   scheduler.NewQueue(st, rdb, cfg.Scheduler.QueueKey, logger),
		logs:    execlog.New(cfg.LogDir()),
		runner:  ansible.NewRunner(logger),
		metrics: monitoring.NewMetricsCollector(service, version.Version, version.GitCommit),
	}, nil
}

func (r *app) Close() {
	if err := r.rdb.Close(); err != nil {
		r.logger.WithError(err).Warn("Failed to close redis client")
	}
	if err := r.db.Close(); err != nil {
		r.logger.WithError(err).Warn("Failed to close database")
	}
}

func (r *app) locker() *redislock.Client {
	return redislock.New(r.rdb)
}

// service builds the setup service. mc may be nil for one-shot CLI commands.
func (r *app) service(mc *monitoring.MetricsCollector) (*setup.Service, error) {
	prober, err := newProber(r.cfg, r.runner, r.logger)
	if err != nil {
		return nil, err
	}
	return setup.NewService(
		setup.NewRepository(r.store),
		r.queue,
		prober,
		setup.NewKeyStore(r.cfg.Paths.Uploads),
		serviceConfig(r.cfg),
		r.logger,
		mc,
	), nil
}

func serviceConfig(cfg config.Config) setup.Config {
	return setup.Config{
		Render: ansible.RenderConfig{
			RolesPath:     cfg.Ansible.RolesPath,
			PublicURL:     cfg.Site.PublicURL,
			BecomeKeyword: cfg.Ansible.BecomeKeyword,
		},
		PlaybookDir:  cfg.PlaybookDir(),
		TemplatesDir: cfg.Paths.Templates,
		RepoURL:      cfg.Site.RepoURL,
		SingleOwner:  cfg.Reconcile.SingleOwnerPackages,
		Timeout:      cfg.Scheduler.Timeout,
		SyncOutput:   cfg.Scheduler.SyncOutput,
		ProbeTimeout: cfg.Probe.Timeout,
	}
}

// newProber selects the package probe named by probe.mode.
func newProber(cfg config.Config, runner probe.ModuleRunner, logger logging.Logger) (probe.Prober, error) {
	switch cfg.Probe.Mode {
	case config.ProbeAnsible:
		return probe.NewAnsibleProber(runner, cfg.Ansible.ModulePath, logger), nil
	case config.ProbeSSH:
		return probe.NewShellProber(ssh.NewPool(cfg.Probe.SSHTimeout), webPlatform, cfg.Probe.SSHTimeout, logger), nil
	default:
		return nil, fmt.Errorf("unknown probe mode %q", cfg.Probe.Mode)
	}
}
