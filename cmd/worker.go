package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"edensetup/internal/scheduler"
	"edensetup/internal/setup"
	"edensetup/pkg/monitoring"
	"edensetup/pkg/server"
	"edensetup/pkg/version"
)

// startWorker registers the deployment handlers and runs the worker pool and
// reaper until ctx ends.
func (a *app) startWorker(ctx context.Context, g *errgroup.Group) error {
	locker := a.locker()
	w := scheduler.NewWorker(a.queue, locker, a.logs, scheduler.WorkerConfig{
		Concurrency: a.cfg.Scheduler.Workers,
		PollWait:    pollWait,
		TailLines:   a.cfg.Scheduler.TailLines,
	}, a.logger, a.metrics)
	setup.RegisterHandlers(w, setup.NewJobHandler(a.runner, a.logs, a.logger))

	leases := setup.NewLockManager(setup.NewRepository(a.store), a.logger)
	reaper := scheduler.NewReaper(a.queue, locker, leases, scheduler.ReaperConfig{
		Schedule: a.cfg.Scheduler.ReapSchedule,
		LeaseTTL: a.cfg.Reconcile.LeaseTTL,
	}, a.logger, a.metrics)
	if err := reaper.Start(ctx); err != nil {
		return fmt.Errorf("start reaper: %w", err)
	}

	g.Go(func() error {
		defer reaper.Stop()
		return w.Run(ctx)
	})
	return nil
}

func (a *app) healthChecker(service string) *monitoring.HealthChecker {
	hc := monitoring.NewHealthChecker(service, version.Version)
	hc.AddCheck("database", monitoring.DatabaseHealthCheck(a.db))
	hc.AddCheck("redis", monitoring.PingHealthCheck("redis", redisPinger{a.rdb}))
	return hc
}

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run queued playbooks and reap stuck jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			a, err := openApp(ctx, "edensetup-worker")
			if err != nil {
				return err
			}
			defer a.Close()
			a.logger.WithField("version", version.String()).Info("Starting edensetup worker")

			g, gctx := errgroup.WithContext(ctx)
			if err := a.startWorker(gctx, g); err != nil {
				return err
			}

			router := server.SetupServiceRouter(a.logger, "edensetup-worker", a.healthChecker("edensetup-worker"), a.metrics)
			g.Go(func() error {
				defer cancel()
				return server.Start(gctx, server.DefaultConfig("edensetup-worker", a.cfg.HTTP.Port), router, a.logger)
			})
			return g.Wait()
		},
	}
}
