package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/pricewatch/internal/api"
	"github.com/sells-group/pricewatch/internal/monitoring"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler, ingest worker, alert checker and HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initApp(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		cat, err := env.loadCatalog(ctx, cfg.Catalog.Path)
		if err != nil {
			return err
		}
		p := env.newPipeline(cat)

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           api.NewRouter(env.Query, env.Registry, env.Metrics, cfg.Server.CORSOrigins),
			ReadHeaderTimeout: 10 * time.Second,
		}

		collector := monitoring.NewCollector(env.Store, env.Registry, cfg.Aggregation.StaleAfter())
		checker := monitoring.NewChecker(collector, monitoring.NewAlerter(cfg.Monitoring, env.Notifier), cfg.Monitoring)

		g, gctx := errgroup.WithContext(ctx)

		// The queue closes once the scheduler stops so the worker can drain
		// in-flight batches.
		g.Go(func() error {
			defer p.Queue.Close()
			return p.Scheduler.Run(gctx)
		})
		g.Go(func() error {
			return p.Worker.Run(context.WithoutCancel(gctx))
		})
		g.Go(func() error {
			interval := time.Duration(cfg.Aggregation.SweepIntervalMins) * time.Minute
			if interval <= 0 {
				return nil
			}
			return env.Engine.RunEvery(gctx, interval)
		})
		g.Go(func() error {
			checker.Run(gctx)
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 15*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
		g.Go(func() error {
			zap.L().Info("starting server",
				zap.Int("port", port),
				zap.Int("sources", len(env.Registry.List())),
				zap.Int("watchlist", len(cat.Watchlist)),
			)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return eris.Wrap(err, "server listen")
			}
			return nil
		})

		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "HTTP port (overrides server.port)")
	rootCmd.AddCommand(serveCmd)
}
