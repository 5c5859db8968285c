package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/austindbirch/harborguard/internal/api"
	"github.com/austindbirch/harborguard/internal/auth"
	"github.com/austindbirch/harborguard/internal/metrics"
	"github.com/austindbirch/harborguard/internal/trigger"
)

// serveCmd runs the HTTP API
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Long: `Run the HTTP API: destination administration, event triggering,
inbound webhook verification, health and metrics.

When NSQD_TCP_ADDR is set, triggered events are queued for "harborguard worker";
otherwise fan-outs run inside this process.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
			cfg.HTTPAddr = addr
		}

		logger, err := newLogger(cfg, cfg.AppName+"-api")
		if err != nil {
			return err
		}
		defer logger.Sync()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		shutdownTracing := initTracing(ctx, cfg, cfg.AppName+"-api", logger)
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

		reg := prometheus.NewRegistry()
		metrics.MustRegister(reg)

		deps := api.Deps{
			Store:    st,
			Fanout:   orch,
			Gatherer: reg,
			Logger:   logger,
		}

		if cfg.Auth.PublicKeyPEM != "" {
			v, err := auth.NewJWTValidator(cfg.Auth.PublicKeyPEM, cfg.Auth.Issuer, cfg.Auth.Audience)
			if err != nil {
				return fmt.Errorf("jwt validator: %w", err)
			}
			deps.Auth = v
		} else {
			logger.Plain().Warn("JWT_PUBLIC_KEY_PEM not set, tenant routes will answer 503")
		}

		if cfg.NSQEnabled() {
			prod, err := nsq.NewProducer(cfg.NSQ.NsqdTCPAddr, nsq.NewConfig())
			if err != nil {
				return fmt.Errorf("nsq producer: %w", err)
			}
			defer prod.Stop()
			deps.Publisher = trigger.NewPublisher(prod, cfg.NSQ.EventsTopic)
		}

		srv := api.New(api.Config{
			Listen:        cfg.HTTPAddr,
			InboundSecret: cfg.Inbound.Secret,
			InboundHeader: cfg.Inbound.SignatureHeader,
		}, deps)
		return srv.Start(ctx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("addr", "", "listen address (overrides HTTP_ADDR)")
}
