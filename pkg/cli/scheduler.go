package cli

import (
	"context"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/supporttools/dbsavr/pkg/adminserver"
	"github.com/supporttools/dbsavr/pkg/metrics"
	"github.com/supporttools/dbsavr/pkg/scheduler"
)

func newRunSchedulerCmd(a *app) *cobra.Command {
	var noMetrics bool

	cmd := &cobra.Command{
		Use:   "run-scheduler",
		Short: "Run scheduled backups in the foreground until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.setup(cmd); err != nil {
				return err
			}
			a.cfg.DisplayConfiguration(a.logger)

			ctx, stop := signalContext(cmd)
			defer stop()

			m, release := a.manager()
			defer release()

			sched := scheduler.NewScheduler(a.cfg, m, a.logger, scheduler.WithNotifier(a.notifier()))
			if err := sched.SetupJobs(); err != nil {
				return err
			}
			if upcoming, err := sched.Upcoming(); err == nil {
				for _, u := range upcoming {
					a.logger.Infof("Next backup of %s at %s", scopeName(u.DatabaseID, u.Prefix), u.Next.Format(timeLayout))
				}
			}

			admin := adminserver.NewServer(a.cfg, m, sched, a.logger)

			g, ctx := errgroup.WithContext(ctx)
			if !noMetrics {
				g.Go(func() error {
					return metrics.StartMetricsServer(ctx, a.cfg.Metrics.Port, a.logger, admin.RegisterRoutes)
				})
			}
			sched.Start()
			a.logger.Info("dbsavr scheduler is running. Press Ctrl+C to exit.")

			g.Go(func() error {
				<-ctx.Done()
				a.logger.Info("Shutting down...")
				stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Timeout())
				defer cancel()
				sched.Stop(stopCtx)
				admin.Wait()
				return nil
			})
			return g.Wait()
		},
	}

	cmd.Flags().BoolVar(&noMetrics, "no-metrics", false, "Do not serve metrics and the admin API")

	return cmd
}
