package countersigncmd

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newWorkerCmd(g *globals) *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Poll for approved approvals, dispatch them and expire stale ones",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			a, err := g.open(ctx)
			if err != nil {
				return err
			}
			defer func() {
				if cerr := a.Close(); cerr != nil {
					a.log.Warn("close", "error", cerr)
				}
			}()
			if migrate {
				if err := a.migrate(); err != nil {
					return err
				}
			}
			s := a.settings
			if err := a.telemetry.Metrics.ObservePending(a.approvals.CountPending); err != nil {
				a.log.Warn("pending gauge", "error", err)
			}
			if s.Policy.Watch && s.Policy.Path != "" {
				if _, err := a.policy.Watch(ctx, s.Policy.Path); err != nil {
					return err
				}
			}
			a.log.Info("worker started", "interval", s.Worker.Interval, "batch", s.Worker.BatchSize, "connectors", a.registry.Connectors())

			grp, gctx := errgroup.WithContext(ctx)
			grp.Go(func() error { return a.worker.Run(gctx) })
			if s.Worker.HealthAddr != "" {
				grp.Go(func() error { return a.worker.ServeHealth(gctx, s.Worker.HealthAddr) })
			}
			err = grp.Wait()
			if errors.Is(err, context.Canceled) {
				err = nil
			}
			a.log.Info("worker stopped", "stats", a.worker.Stats())
			return err
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply migrations before starting")
	return cmd
}
