package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mailflowd/mailflow/internal/agent"
	"github.com/mailflowd/mailflow/internal/antispam"
	"github.com/mailflowd/mailflow/internal/api"
	"github.com/mailflowd/mailflow/internal/bounce"
	"github.com/mailflowd/mailflow/internal/broker"
	"github.com/mailflowd/mailflow/internal/cache"
	"github.com/mailflowd/mailflow/internal/config"
	"github.com/mailflowd/mailflow/internal/gate"
	"github.com/mailflowd/mailflow/internal/logging"
	"github.com/mailflowd/mailflow/internal/metrics"
	"github.com/mailflowd/mailflow/internal/publisher"
	"github.com/mailflowd/mailflow/internal/reconciler"
	"github.com/mailflowd/mailflow/internal/service"
	"github.com/mailflowd/mailflow/internal/store"
)

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if hostname, _ := cmd.Flags().GetString("hostname"); hostname != "" {
		cfg.Server.Hostname = hostname
	}
	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		cfg.Server.Listen = listen
	}

	logger := logging.Initialize(cfg.Logging)
	logger.Info("Starting mailflow server", "hostname", cfg.Server.Hostname, "version", version)

	st, err := store.NewSQL(cfg.StoreConfig())
	if err != nil {
		return fmt.Errorf("failed to open message store: %w", err)
	}
	defer st.Close()

	b, err := openBroker(cfg)
	if err != nil {
		return fmt.Errorf("failed to connect broker: %w", err)
	}
	defer b.Close()

	c, err := openCache(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to connect cache: %w", err)
	}
	defer c.Close()

	registry := gate.NewRegistry(cfg.Gate.Domains, nil, logger)
	bounces := bounce.NewHistory(c, logger)

	gateConfig := cfg.GateConfig()
	var quota *gate.Quota
	if gateConfig.Quota.Enabled {
		quota = gate.NewQuota(c, gateConfig.Quota, logger)
	}

	var scanner antispam.Scanner
	if cfg.Antispam.Enabled {
		rspamd := antispam.NewRspamd(cfg.AntispamConfig())
		if err := rspamd.Connect(); err != nil {
			// The gate fails open on scanner outages; start anyway.
			logger.Warn("Spam scanner unreachable at startup", "error", err)
		}
		defer rspamd.Close()
		scanner = rspamd
	}

	g := gate.New(registry, quota, bounces, scanner, gateConfig, logger)

	stats := openStats(cfg, logger)
	var recorder metrics.StatsRecorder
	if stats != nil {
		defer stats.Close()
		recorder = stats
	}

	router := publisher.NewRouter(cfg.Publisher.Groups, logger)
	pub := publisher.New(st, b, router, cfg.PublisherConfig(), logger)
	rec := reconciler.New(st, b, c, bounces, recorder, cfg.ReconcilerConfig(), logger)

	svc := service.New(st, g, pub, recorder, logger)
	server := api.NewServer(api.Config{
		Listen:  cfg.Server.Listen,
		APIKeys: cfg.API.APIKeys,
	}, svc, stats, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error { return pub.Run(gctx) })
	if noReconciler, _ := cmd.Flags().GetBool("no-reconciler"); !noReconciler {
		group.Go(func() error { return rec.Run(gctx) })
	}
	group.Go(server.Start)
	group.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("Shutdown complete")
	return nil
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if group, _ := cmd.Flags().GetString("group"); group != "" {
		cfg.Agent.Group = group
	}
	if workers, _ := cmd.Flags().GetInt("workers"); workers > 0 {
		cfg.Agent.Workers = workers
	}

	logger := logging.Initialize(cfg.Logging)
	logger.Info("Starting mailflow agent", "name", cfg.Agent.Name, "group", cfg.Agent.Group, "version", version)

	b, err := openBroker(cfg)
	if err != nil {
		return fmt.Errorf("failed to connect broker: %w", err)
	}
	defer b.Close()

	transfer := agent.NewSMTPTransfer(cfg.TransferConfig(), logger)
	pool := agent.NewPool(b, transfer, cfg.AgentConfig(), logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := pool.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func runReconciler(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := logging.Initialize(cfg.Logging)
	logger.Info("Starting mailflow reconciler", "version", version)

	st, err := store.NewSQL(cfg.StoreConfig())
	if err != nil {
		return fmt.Errorf("failed to open message store: %w", err)
	}
	defer st.Close()

	b, err := openBroker(cfg)
	if err != nil {
		return fmt.Errorf("failed to connect broker: %w", err)
	}
	defer b.Close()

	c, err := openCache(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to connect cache: %w", err)
	}
	defer c.Close()

	stats := openStats(cfg, logger)
	var recorder metrics.StatsRecorder
	if stats != nil {
		defer stats.Close()
		recorder = stats
	}

	rec := reconciler.New(st, b, c, bounce.NewHistory(c, logger), recorder, cfg.ReconcilerConfig(), logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rec.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// openStats connects the shared statistics store, or returns nil when
// it is disabled or unreachable. Stats are best-effort everywhere.
func openStats(cfg *config.Config, logger *slog.Logger) *metrics.ValkeyStore {
	if !cfg.Metrics.Enabled || cfg.Metrics.ValkeyAddr == "" {
		return nil
	}
	stats, err := metrics.NewValkeyStore(cfg.Metrics.ValkeyAddr)
	if err != nil {
		logger.Warn("Stats store unavailable", "addr", cfg.Metrics.ValkeyAddr, "error", err)
		return nil
	}
	return stats
}

func openBroker(cfg *config.Config) (broker.Broker, error) {
	switch cfg.Broker.Type {
	case "memory":
		return broker.NewMemory(time.Duration(cfg.Broker.VisibilitySeconds) * time.Second), nil
	default:
		return broker.NewRedis(cfg.BrokerRedisConfig())
	}
}

func openCache(cfg *config.Config, logger *slog.Logger) (cache.Cache, error) {
	c, err := cache.Factory(cfg.Cache)
	if err != nil {
		return nil, err
	}
	if err := c.Connect(); err != nil {
		return nil, err
	}
	logger.Info("Cache connected", "type", c.Type())
	return c, nil
}
