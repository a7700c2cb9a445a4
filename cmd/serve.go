package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/newshound/internal/api"
	"github.com/sells-group/newshound/internal/monitoring"
	"github.com/sells-group/newshound/internal/schedule"
	"github.com/sells-group/newshound/internal/store"
)

var (
	servePort   int
	serveWorker bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the read-only status API",
	Long:  "Serves run history, the source registry, dedup history, health and metrics over HTTP. With --worker the Temporal worker runs in the same process.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if servePort != 0 {
			cfg.Server.Port = servePort
		}
		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		var (
			st      store.Store
			metrics *monitoring.Metrics
		)
		if serveWorker {
			env, err := initPipeline(ctx, "worker", nil)
			if err != nil {
				return err
			}
			defer env.Close()
			st, metrics = env.Store, env.Metrics

			c, err := schedule.Dial(cfg.Temporal)
			if err != nil {
				return err
			}
			defer c.Close()

			w := schedule.NewWorker(c, cfg.Temporal, schedule.NewActivities(env.Pipeline))
			if err := w.Start(); err != nil {
				return eris.Wrap(err, "start worker")
			}
			defer w.Stop()
			zap.L().Info("temporal worker started", zap.String("task_queue", cfg.Temporal.TaskQueue))
		} else {
			s, err := initStore(ctx)
			if err != nil {
				return err
			}
			defer s.Close() //nolint:errcheck
			st, metrics = s, monitoring.NewMetrics()
		}

		checker := monitoring.NewChecker(
			monitoring.NewCollector(st),
			monitoring.NewAlerter(cfg.Monitoring),
			cfg.Monitoring,
		)
		go checker.Run(ctx)

		server := api.New(st,
			api.WithChecker(checker),
			api.WithMetrics(metrics.Handler()),
			api.WithAllowedOrigins(cfg.Server.AllowedOrigins),
			api.WithThresholds(cfg.Pipeline.ColdDays, cfg.Pipeline.ScoreThreshold),
		)

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           server.Routes(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				zap.L().Warn("server shutdown", zap.Error(err))
			}
		}()

		zap.L().Info("starting server", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().BoolVar(&serveWorker, "worker", false, "also run the Temporal worker in this process")
	rootCmd.AddCommand(serveCmd)
}
