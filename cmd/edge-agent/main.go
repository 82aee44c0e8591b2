package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/novatrade/edge/internal/agent"
	"github.com/novatrade/edge/internal/bus"
	"github.com/novatrade/edge/internal/config"
	"github.com/novatrade/edge/internal/ledger"
	"github.com/novatrade/edge/internal/logging"
	"github.com/novatrade/edge/internal/observability"
	"github.com/novatrade/edge/internal/policy"
	"github.com/novatrade/edge/internal/telemetry"
	"github.com/novatrade/edge/internal/venue"
)

func main() {
	// Load configuration
	cfg := config.LoadConfig("edge-agent")

	// Initialize logger
	logger, err := logging.NewLogger(cfg.ServiceName, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	logger.Info("starting edge-agent",
		zap.String("agent_id", cfg.AgentID),
		zap.String("bus", cfg.BaseURL),
		zap.String("mode", cfg.Mode),
		zap.Bool("hold", cfg.Hold),
		zap.Bool("live_armed", cfg.LiveArmed == policy.ArmedSentinel),
		zap.Duration("poll_interval", cfg.PollInterval),
	)

	// Create data directory
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		logger.Fatal("failed to create data directory", zap.Error(err))
	}

	// Open the execution ledger
	led, err := ledger.Open(cfg.LedgerPath)
	if err != nil {
		logger.Fatal("failed to open ledger", zap.Error(err))
	}
	defer led.Close()

	logger.Info("ledger opened", zap.String("path", cfg.LedgerPath))

	// Bus client
	busClient := bus.New(cfg.BaseURL, cfg.EdgeSecret, cfg.HTTPTimeout,
		cfg.HTTPRetries, cfg.HTTPBackoff, logger)

	// Optional Kafka telemetry mirror
	var mirror *telemetry.Mirror
	if cfg.KafkaBrokers != "" {
		brokers := strings.Split(cfg.KafkaBrokers, ",")
		for i := range brokers {
			brokers[i] = strings.TrimSpace(brokers[i])
		}
		mirror, err = telemetry.NewMirror(brokers, logger)
		if err != nil {
			logger.Fatal("failed to create telemetry mirror", zap.Error(err))
		}
		defer mirror.Close()
	}

	// Venue adapters and the order router
	router := venue.NewRouter(led, logger,
		venue.NewCoinbase(cfg.Coinbase, nil),
		venue.NewBinanceUS(cfg.BinanceUS),
		venue.NewKraken(cfg.Kraken),
		venue.NewMEXC(cfg.MEXC),
	)

	// Pre-trade policy
	enforcer := policy.NewEnforcer(policy.LoadRules(policy.RulesConfig{
		QuoteFloorsJSON: cfg.QuoteFloorsJSON,
		MinNotionalJSON: cfg.MinNotionalJSON,
		PrecisionJSON:   cfg.PrecisionJSON,
		ReserveUSD:      cfg.QuoteReserveUSD,
	}), logger)

	// Telemetry hub
	hub := telemetry.NewHub(cfg.AgentID, router, busClient, mirror,
		cfg.BalanceCachePath, cfg.HeartbeatInterval, cfg.SnapshotInterval, logger)

	// Health endpoint: not ready once pulls go stale for 3 intervals.
	health := observability.NewHealthChecker(logger, 3*cfg.PollInterval)

	a := agent.New(cfg, busClient, led, router, enforcer, hub, mirror, logger)
	a.SetHealth(health)
	drainer := agent.NewDrainer(led, busClient, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 4)
	go func() { errCh <- a.Run(ctx) }()
	go func() { errCh <- drainer.Run(ctx) }()
	go func() { errCh <- hub.Run(ctx) }()
	go func() { errCh <- health.Run(ctx, cfg.HealthAddr) }()

	err = <-errCh
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("component failed", zap.Error(err))
	}
	stop()

	// Let the remaining components observe cancellation.
	for i := 0; i < 3; i++ {
		<-errCh
	}

	logger.Info("edge-agent stopped")
}
