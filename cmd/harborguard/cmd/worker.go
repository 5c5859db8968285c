package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/austindbirch/harborguard/internal/health"
	"github.com/austindbirch/harborguard/internal/metrics"
	"github.com/austindbirch/harborguard/internal/trigger"
)

// workerCmd consumes queued fan-out triggers
var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Consume queued events from NSQ and fan them out",
	Long: `Consume fan-out triggers published by "harborguard serve" and deliver
them to every subscribed destination. Each trigger is attempted once.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		concurrency, _ := cmd.Flags().GetInt("concurrency")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

		logger, err := newLogger(cfg, cfg.AppName+"-worker")
		if err != nil {
			return err
		}
		defer logger.Sync()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		shutdownTracing := initTracing(ctx, cfg, cfg.AppName+"-worker", logger)
		defer shutdownTracing()

		st, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		orch, err := newOrchestrator(cfg, st, logger)
		if err != nil {
			return err
		}

		// Prom metrics
		reg := prometheus.NewRegistry()
		metrics.MustRegister(reg)

		// HTTP health/metrics
		mux := http.NewServeMux()
		mux.HandleFunc("/healthz", health.HTTPHandler(st))
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		httpSrv := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			logger.Plain().WithField("addr", httpSrv.Addr).Info("worker HTTP server starting")
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Plain().WithError(err).Error("worker HTTP server failed")
			}
		}()

		if cfg.NSQ.NsqdHTTPAddr != "" {
			go trigger.NewBacklogMonitor(cfg.NSQ, logger).Run(ctx, 15*time.Second)
		}

		consumer, err := trigger.NewConsumer(cfg.NSQ, trigger.NewHandler(orch, logger), concurrency)
		if err != nil {
			return err
		}
		if err := trigger.Connect(consumer, cfg.NSQ); err != nil {
			return fmt.Errorf("nsq connect: %w", err)
		}
		logger.Plain().WithFields(map[string]any{
			"topic":       cfg.NSQ.EventsTopic,
			"channel":     cfg.NSQ.WorkerChannel,
			"concurrency": concurrency,
		}).Info("worker consuming")

		<-ctx.Done()
		logger.Plain().Info("worker shutting down")
		consumer.Stop()
		<-consumer.StopChan

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
	workerCmd.Flags().Int("concurrency", 16, "fan-outs processed concurrently")
	workerCmd.Flags().String("metrics-addr", ":8082", "listen address for /healthz and /metrics")
}
