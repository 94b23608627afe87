package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/AfshinJalili/coinledger/libs/health"
	"github.com/AfshinJalili/coinledger/libs/httpmiddleware"
	"github.com/AfshinJalili/coinledger/libs/kafka"
	"github.com/AfshinJalili/coinledger/libs/logging"
	"github.com/AfshinJalili/coinledger/libs/metrics"
	"github.com/AfshinJalili/coinledger/libs/trace"
	"github.com/AfshinJalili/coinledger/services/ledger/internal/config"
	"github.com/AfshinJalili/coinledger/services/ledger/internal/consumer"
	"github.com/AfshinJalili/coinledger/services/ledger/internal/engine"
	"github.com/AfshinJalili/coinledger/services/ledger/internal/handlers"
	"github.com/AfshinJalili/coinledger/services/ledger/internal/service"
	"github.com/AfshinJalili/coinledger/services/ledger/internal/storage"
	"github.com/AfshinJalili/coinledger/services/ledger/migrations"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.App.LogLevel, cfg.App.ServiceName, cfg.App.Env)
	shutdownTracer, err := trace.InitTracer(cfg.App.ServiceName, cfg.App.Env)
	if err != nil {
		logger.Error("tracer init failed", "error", err)
	} else {
		defer func() {
			_ = shutdownTracer(context.Background())
		}()
	}

	if cfg.App.Env == "dev" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	registry := metrics.NewRegistry()
	ledgerMetrics := service.NewMetrics(registry)
	ready := health.NewManager(false)

	store, closeStore, err := openStore(cfg, logger)
	if err != nil {
		logger.Error("store init failed", "driver", cfg.Store.Driver, "error", err)
		os.Exit(1)
	}
	defer closeStore()
	ready.AddCheck("store", store.Ping)

	engineCfg := engine.DefaultConfig()
	engineCfg.FeeRate = cfg.Engine.FeeRate
	engineCfg.TxTimeout = cfg.Engine.TxTimeout
	ledgerEngine, err := engine.New(store, engineCfg)
	if err != nil {
		logger.Error("engine init failed", "error", err)
		os.Exit(1)
	}

	var publisher kafka.Publisher = kafka.NopPublisher{}
	var consumerGroup *kafka.Consumer
	if cfg.Kafka.Enabled {
		producer, err := kafka.NewSyncProducer(cfg.Kafka.Brokers, logger, kafka.NewProducerMetrics(registry))
		if err != nil {
			logger.Error("kafka producer init failed", "error", err)
			os.Exit(1)
		}
		defer producer.Close()
		publisher = producer
		if strings.TrimSpace(cfg.Kafka.Topics.DeadLetter) != "" {
			publisher = kafka.NewDLQPublisher(producer, producer, cfg.Kafka.Topics.DeadLetter, logger)
		}

		consumerGroup, err = kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.ConsumerGroup, logger)
		if err != nil {
			logger.Error("kafka consumer init failed", "error", err)
			os.Exit(1)
		}
		consumerGroup.WithDLQ(producer, cfg.Kafka.Topics.DeadLetter).WithMaxAttempts(cfg.Kafka.MaxAttempts)
		defer consumerGroup.Close()
	} else {
		logger.Info("kafka disabled, events are not published")
	}

	ledgerService := service.NewLedgerService(ledgerEngine, publisher, service.Topics{
		Transactions: cfg.Kafka.Topics.Transactions,
		Balances:     cfg.Kafka.Topics.Balances,
	}, logger, ledgerMetrics)

	httpServer := buildHTTPServer(cfg, ledgerService, ready, registry, logger)

	consumerCtx, consumerCancel := context.WithCancel(context.Background())
	defer consumerCancel()

	ready.SetReady(true)

	go func() {
		logger.Info("ledger http starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	if consumerGroup != nil {
		retry := consumer.DefaultRetryPolicy()
		if cfg.Kafka.RetryElapsed > 0 {
			retry.MaxElapsed = cfg.Kafka.RetryElapsed
		}
		commands := consumer.NewCommandConsumer(ledgerService, retry, logger)
		go func() {
			logger.Info("ledger consumer starting", "topic", cfg.Kafka.Topics.Commands)
			if err := consumerGroup.Consume(consumerCtx, []string{cfg.Kafka.Topics.Commands}, commands); err != nil {
				logger.Error("kafka consumer error", "error", err)
			}
		}()
	}

	waitForShutdown(httpServer, ready, consumerCancel, logger)
}

func openStore(cfg *config.Config, logger *slog.Logger) (storage.Store, func(), error) {
	if cfg.Store.Driver == config.DriverMemory {
		logger.Warn("using in-memory store, balances are lost on restart")
		return storage.NewMemory(), func() {}, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if cfg.DB.AutoMigrate {
		if err := migrations.Up(ctx, cfg.DB.DSN(), logger); err != nil {
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
	}

	pool, err := connectDB(ctx, cfg.DB.DSN())
	if err != nil {
		return nil, nil, err
	}
	store := storage.NewPostgres(pool, logger, storage.PostgresOptions{
		LockTimeout:      cfg.DB.LockTimeout,
		StatementTimeout: cfg.DB.StatementTimeout,
	})
	return store, pool.Close, nil
}

func connectDB(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(pingCtx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func buildHTTPServer(cfg *config.Config, svc handlers.LedgerService, ready *health.Manager, registry *prometheus.Registry, logger *slog.Logger) *http.Server {
	router := gin.New()
	router.Use(httpmiddleware.RequestID())
	router.Use(httpmiddleware.Logger(logger))
	router.Use(httpmiddleware.Recovery(logger))
	router.Use(httpmiddleware.CORS(cfg.Gateway.AllowOrigin))
	router.Use(trace.Middleware(cfg.App.ServiceName))

	router.GET("/healthz", health.LivenessHandler)
	router.GET("/readyz", health.ReadinessHandler(ready))
	router.GET(cfg.App.MetricsPath, gin.WrapH(metrics.Handler(registry)))

	api := router.Group("/")
	if cfg.Gateway.RateLimitRPS > 0 {
		api.Use(httpmiddleware.RateLimit(cfg.Gateway.RateLimitRPS, cfg.Gateway.RateLimitBurst))
	}
	handlers.New(svc, logger).Register(api)

	addr := fmt.Sprintf("%s:%d", cfg.App.HTTP.Host, cfg.App.HTTP.Port)
	return &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.App.HTTP.ReadTimeout,
		WriteTimeout: cfg.App.HTTP.WriteTimeout,
		IdleTimeout:  cfg.App.HTTP.IdleTimeout,
	}
}

func waitForShutdown(httpServer *http.Server, ready *health.Manager, cancel context.CancelFunc, logger *slog.Logger) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutdown started")
	ready.SetReady(false)
	cancel()

	ctx, cancelTimeout := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelTimeout()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
	logger.Info("shutdown complete")
}
