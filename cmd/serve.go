package cmd

import (
	"context"

	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"edensetup/internal/api"
	"edensetup/pkg/server"
	"edensetup/pkg/version"
)

type redisPinger struct {
	client goredis.UniversalClient
}

func (p redisPinger) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

func newServeCmd() *cobra.Command {
	var withWorker bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the deployment API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			a, err := openApp(ctx, "edensetup-api")
			if err != nil {
				return err
			}
			defer a.Close()
			a.logger.WithField("version", version.String()).Info("Starting edensetup API")

			svc, err := a.service(a.metrics)
			if err != nil {
				return err
			}

			g, gctx := errgroup.WithContext(ctx)
			if withWorker {
				if err := a.startWorker(gctx, g); err != nil {
					return err
				}
			}

			router := server.SetupServiceRouter(a.logger, "edensetup-api", a.healthChecker("edensetup-api"), a.metrics)
			api.NewHandlers(svc, a.logs, a.logger).Register(router)

			g.Go(func() error {
				defer cancel()
				return server.Start(gctx, server.DefaultConfig("edensetup-api", a.cfg.HTTP.Port), router, a.logger)
			})
			return g.Wait()
		},
	}
	cmd.Flags().BoolVar(&withWorker, "with-worker", false, "also run the playbook worker in this process")
	return cmd
}
