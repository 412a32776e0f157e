package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/nathanyu/p2p-exchange/internal/config"
	"github.com/nathanyu/p2p-exchange/internal/custody"
	"github.com/nathanyu/p2p-exchange/internal/escrow"
	"github.com/nathanyu/p2p-exchange/internal/handler"
	"github.com/nathanyu/p2p-exchange/internal/lease"
	"github.com/nathanyu/p2p-exchange/internal/matching"
	"github.com/nathanyu/p2p-exchange/internal/middleware"
	"github.com/nathanyu/p2p-exchange/internal/notify"
	"github.com/nathanyu/p2p-exchange/internal/policy"
	"github.com/nathanyu/p2p-exchange/internal/store"
	"github.com/nathanyu/p2p-exchange/internal/telemetry"
	"github.com/nathanyu/p2p-exchange/internal/tradefeed"
)

const (
	serviceName = "p2p-exchange"
	leaseKey    = "p2p-exchange:sweeper"
)

func main() {
	if err := run(); err != nil {
		slog.Error("service failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		return err
	}

	logger := telemetry.InitLogger(serviceName, cfg.LogLevel)

	cleanup, err := telemetry.InitTracer(telemetry.TracingConfig{
		ServiceName: serviceName,
		Endpoint:    cfg.OTLPEndpoint,
		Environment: cfg.Environment,
	})
	if err != nil {
		logger.Warn("failed to initialize tracer", slog.String("error", err.Error()))
	} else {
		defer cleanup()
	}

	gin.SetMode(cfg.GinMode)
	logger.Info("starting P2P exchange service", slog.String("store", cfg.StoreDriver))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. Store
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	// 2. Collaborators
	var (
		notifier  notify.Notifier  = notify.Nop{}
		messenger notify.Messenger = notify.Nop{}
	)
	if cfg.NATSUrl != "" {
		pub, err := notify.Connect(cfg.NATSUrl, logger)
		if err != nil {
			return err
		}
		defer pub.Close()
		notifier, messenger = pub, pub
		logger.Info("connected to NATS", slog.String("url", cfg.NATSUrl))
	}

	var feed tradefeed.Publisher = tradefeed.Nop{}
	if len(cfg.KafkaBrokers) > 0 {
		feed = tradefeed.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		logger.Info("trade feed enabled", slog.String("topic", cfg.KafkaTopic))
	}
	defer feed.Close()

	// 3. Core
	pol := policy.New(policy.FeeSchedule{Rate: cfg.FeeRate, Min: cfg.FeeMin, Max: cfg.FeeMax})
	ledger := custody.NewLedger(st, logger)
	engine := matching.NewEngine(st, pol, feed, logger)
	escrowSvc := escrow.NewService(st, pol, escrow.Config{
		Timeout:    cfg.EscrowTimeout,
		QuoteAsset: cfg.QuoteAsset,
		FeeAccount: cfg.FeeAccount,
		Admins:     cfg.Admins,
	},
		escrow.WithNotifier(notifier),
		escrow.WithMessenger(messenger),
		escrow.WithFeed(feed),
		escrow.WithLogger(logger),
	)

	// 4. Expiry sweeper, one instance at a time when Redis is configured
	var l lease.Lease = lease.Local{}
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		l = lease.NewRedisLease(rdb, leaseKey, 3*cfg.SweepInterval)
	}
	sweeper := escrow.NewSweeper(l, cfg.SweepInterval, logger)
	sweeper.Register("escrow_expiry", escrowSvc.ExpireDue)
	sweeper.Register("order_expiry", engine.ExpireOrders)
	sweeper.Start(ctx)

	// 5. HTTP
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Tracing())
	router.Use(middleware.Metrics())
	handler.NewHandler(engine, escrowSvc, ledger, logger, cfg.BookDepth).RegisterRoutes(router)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// Metrics server (separate port for Prometheus scraping)
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler: metricsMux,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("HTTP server listening", slog.Int("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()
	go func() {
		logger.Info("metrics server listening", slog.Int("port", cfg.MetricsPort))
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics server error: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server forced to shutdown", slog.String("error", err.Error()))
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics server forced to shutdown", slog.String("error", err.Error()))
	}
	if err := sweeper.Stop(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("sweeper stopped with error", slog.String("error", err.Error()))
	}

	logger.Info("service stopped")
	return runErr
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.StoreDriver == "memory" {
		return store.NewMemoryStore(), nil
	}

	pg, err := store.OpenPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := pg.Migrate(ctx); err != nil {
		pg.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return pg, nil
}
