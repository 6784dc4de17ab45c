package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"contextd/internal/api"
)

const shutdownGrace = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the REST API server with the background improvement ticker",
	RunE: func(cmd *cobra.Command, _ []string) error {
		rt, err := buildRuntime()
		if err != nil {
			return err
		}
		defer rt.close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		server := api.NewServer(api.Deps{
			Config:   rt.cfg,
			Store:    rt.store,
			Schema:   rt.schema,
			Observer: rt.obs,
			Analyzer: rt.analyzer,
			Model:    rt.model,
			Plane:    rt.plane,
			Logger:   rt.logger.Named("api"),
		})

		g, ctx := errgroup.WithContext(ctx)
		g.Go(server.ListenAndServe)

		if rt.cfg.Improver.TickEnabled {
			g.Go(func() error {
				runTicker(ctx, rt)
				return nil
			})
		} else {
			rt.logger.Info("improvement ticker disabled")
		}

		// Stop accepting work once the context ends, then drain.
		g.Go(func() error {
			<-ctx.Done()
			rt.logger.Info("shutting down")
			drainCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			return server.Shutdown(drainCtx)
		})

		return g.Wait()
	},
}

// runTicker drives the improvement loop until the context ends. The first
// tick runs after one full interval, not at startup, so a crash-looping
// daemon cannot hammer the store.
func runTicker(ctx context.Context, rt *runtime) {
	interval := rt.cfg.GetTickInterval()
	rt.logger.Info("improvement ticker started", zap.Duration("interval", interval))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			rt.logger.Info("improvement ticker stopped")
			return
		case <-ticker.C:
			if err := rt.improver.Tick(ctx); err != nil {
				rt.logger.Warn("improvement tick failed", zap.Error(err))
			}
		}
	}
}
