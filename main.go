package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"trading-agent/internal/api"
	"trading-agent/internal/engine"
	"trading-agent/internal/events"
	"trading-agent/internal/gateway"
	"trading-agent/internal/market"
	"trading-agent/internal/monitor"
	"trading-agent/internal/order"
	"trading-agent/internal/persistence"
	"trading-agent/internal/reconciliation"
	"trading-agent/internal/retry"
	"trading-agent/internal/risk"
	"trading-agent/internal/state"
	"trading-agent/internal/store"
	"trading-agent/internal/strategy"
	"trading-agent/pkg/config"
	"trading-agent/pkg/db"
	"trading-agent/pkg/logger"
	marketbinance "trading-agent/pkg/market/binance"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "trading agent:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load("")
	if err != nil {
		return err
	}

	log := logger.New(cfg.Monitoring.LogLevel, cfg.Monitoring.LogPretty)
	if logger.ParseLevel(cfg.Monitoring.LogLevel) > zerolog.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}
	log.Info().Str("venue", cfg.Exchange.Venue).Bool("testnet", cfg.Exchange.Testnet).
		Strs("symbols", cfg.Strategy.Symbols).Str("interval", cfg.Strategy.Interval).Msg("starting trading agent")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Core services
	bus := events.NewBus()
	metrics := monitor.NewMetrics()
	metrics.TrackBusDrops(bus.Dropped)
	health := monitor.NewHealth(cfg.Monitoring.HealthCheckInterval)

	alerts := monitor.NewAlerter(cfg.Monitoring.AlertWebhook, log)
	alertCtx, stopAlerts := context.WithCancel(context.Background())
	alerts.Start(alertCtx)
	defer func() {
		stopAlerts()
		alerts.Wait()
	}()

	gw, err := gateway.New(ctx, cfg.Exchange, metrics.SetQueueDepth, log)
	if err != nil {
		return err
	}

	feed := market.NewFeed(gw, cfg.Strategy.Interval, 2*cfg.Strategy.Lookback+10, bus, log)
	if cfg.Strategy.UseStream {
		feed.WithStream(marketbinance.NewStreamClient(cfg.Exchange.Testnet, log))
		feed.Start(ctx, cfg.Strategy.Symbols)
	}

	st, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()

	// The journal outlives the engine so shutdown fills are recorded.
	journalCtx, stopJournal := context.WithCancel(context.Background())
	defer stopJournal()
	if cfg.Database.URL != "" {
		database, err := db.Open(cfg.Database.URL)
		if err != nil {
			return err
		}
		defer database.Close()
		if err := db.ApplyMigrations(ctx, database); err != nil {
			return err
		}
		journal := persistence.NewJournal(database, bus, log)
		journal.Start(journalCtx)
		defer func() {
			stopJournal()
			if err := journal.Close(); err != nil {
				log.Error().Err(err).Msg("journal close failed")
			}
		}()
		log.Info().Str("dialect", string(database.Dialect)).Msg("trade journal enabled")
	}

	policy := retry.FromConfig(cfg.Execution)
	exec := order.NewExecutor(gw, order.Options{
		Policy:       policy,
		FillTimeout:  cfg.Execution.OrderFillTimeout,
		PollInterval: cfg.Execution.PollInterval,
		Bus:          bus,
		Metrics:      metrics,
		Alerts:       alerts,
	}, log)

	eng := engine.New(engine.Deps{
		Config:   cfg,
		Feed:     feed,
		Strategy: strategy.NewMeanReversion(cfg.Strategy),
		Risk:     risk.NewManager(risk.LimitsFromConfig(*cfg), log),
		Tracker:  state.NewPositionTracker(cfg.Reconciliation.Tolerance, log),
		Executor: exec,
		Store:    st,
		Bus:      bus,
		Metrics:  metrics,
		Health:   health,
		Alerts:   alerts,
	}, log)
	eng.Start()
	if err := eng.Restore(ctx); err != nil {
		eng.Shutdown()
		return fmt.Errorf("restore: %w", err)
	}

	recon := reconciliation.NewService(gw, eng, reconciliation.Options{
		Interval:    cfg.Monitoring.HealthCheckInterval,
		MaxFailures: cfg.Reconciliation.MaxFailures,
		Policy:      policy,
		Bus:         bus,
		Metrics:     metrics,
		Health:      health,
		Alerts:      alerts,
	}, log)
	// adopt exchange state before the first cycle
	if _, err := recon.Reconcile(ctx); err != nil {
		var mismatch *reconciliation.MismatchError
		if !errors.As(err, &mismatch) {
			log.Warn().Err(err).Msg("initial reconciliation failed")
		}
	}
	recon.Start(ctx)

	server := api.NewServer(api.Options{
		Engine:  eng,
		Health:  health,
		Metrics: metrics,
		Bus:     bus,
	}, log)
	go func() {
		if err := server.Start(fmt.Sprintf(":%d", cfg.Monitoring.MetricsPort)); err != nil {
			log.Error().Err(err).Msg("http server failed")
			stop()
		}
	}()

	runErr := eng.Run(ctx)
	recon.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http server shutdown")
	}
	if runErr != nil {
		log.Error().Err(runErr).Msg("shutdown incomplete")
		return runErr
	}
	log.Info().Msg("trading agent stopped")
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, log zerolog.Logger) (store.Store, error) {
	if cfg.Redis.URL == "" {
		log.Warn().Msg("redis.url not set, state will not survive a restart")
		return store.NewMemory(), nil
	}
	prefix := cfg.Redis.KeyPrefix
	if prefix == "" {
		prefix = store.DefaultPrefix
	}
	return store.OpenRedis(ctx, cfg.Redis.URL, prefix, log)
}
