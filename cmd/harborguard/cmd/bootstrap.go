package cmd

import (
	"context"
	"fmt"
	"net/netip"
	"strings"

	"github.com/austindbirch/harborguard/internal/config"
	"github.com/austindbirch/harborguard/internal/db"
	"github.com/austindbirch/harborguard/internal/delivery"
	"github.com/austindbirch/harborguard/internal/guard"
	"github.com/austindbirch/harborguard/internal/logging"
	"github.com/austindbirch/harborguard/internal/store"
	"github.com/austindbirch/harborguard/internal/tracing"
)

// loadConfig reads the environment and applies the global CLI overrides.
func loadConfig() config.Config {
	cfg := config.FromEnv()
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	return cfg
}

// newLogger builds the process logger and installs it as the package default.
func newLogger(cfg config.Config, service string) (*logging.Logger, error) {
	logger, err := logging.NewWithLevel(service, cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	logging.SetDefault(logger)
	return logger, nil
}

// initTracing starts the OTLP exporter when enabled. The returned func is
// always safe to call.
func initTracing(ctx context.Context, cfg config.Config, service string, logger *logging.Logger) func() {
	if !cfg.OTel {
		return func() {}
	}
	shutdown, err := tracing.InitTracing(ctx, tracing.ConfigFromEnv(service))
	if err != nil {
		logger.Plain().WithError(err).Warn("Failed to initialize tracing, continuing without it")
		return func() {}
	}
	return shutdown
}

// openStore connects the backend selected by DB_DRIVER.
func openStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	switch cfg.DB.Driver {
	case "postgres", "postgresql", "":
		pool, err := db.Connect(ctx, cfg.DSN())
		if err != nil {
			return nil, fmt.Errorf("db connect: %w", err)
		}
		return store.NewPostgres(pool), nil
	case "sqlite":
		return store.OpenSQLite(ctx, cfg.DB.SQLitePath)
	case "memory":
		return store.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown DB_DRIVER %q (want postgres, sqlite or memory)", cfg.DB.Driver)
	}
}

// newValidator builds the destination guard. allow holds CIDR prefixes
// exempted from the private-range checks.
func newValidator(cfg config.Config, allow []string) (*guard.Validator, error) {
	prefixes := make([]netip.Prefix, 0, len(allow))
	for _, a := range allow {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		p, err := netip.ParsePrefix(a)
		if err != nil {
			return nil, fmt.Errorf("invalid allow prefix %q: %w", a, err)
		}
		prefixes = append(prefixes, p)
	}
	return guard.New(guard.Config{Hardened: cfg.Delivery.Hardened, Allow: prefixes}), nil
}

// newOrchestrator wires validator, dispatcher and recorder over st.
func newOrchestrator(cfg config.Config, st store.Store, logger *logging.Logger) (*delivery.Orchestrator, error) {
	v, err := newValidator(cfg, cfg.Delivery.Allow)
	if err != nil {
		return nil, err
	}
	d := delivery.NewDispatcher(delivery.DispatcherConfig{
		Validator:    v,
		Recorder:     delivery.NewRecorder(st, logger),
		Logger:       logger,
		Timeout:      cfg.Delivery.Timeout,
		HeaderPrefix: cfg.Delivery.HeaderPrefix,
		PinHTTPS:     cfg.Delivery.PinHTTPS,
	})
	return delivery.NewOrchestrator(st, d, logger), nil
}
