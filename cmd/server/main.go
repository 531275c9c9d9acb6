package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"dropshop/config"
	"dropshop/internal/api"
	"dropshop/internal/auth"
	"dropshop/internal/broker"
	"dropshop/internal/redisclient"
	"dropshop/internal/service"
	"dropshop/internal/store"
	"dropshop/internal/util"
	"dropshop/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env, cfg.Server.LogLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting dropshop",
		zap.String("env", cfg.Server.Env),
		zap.String("port", cfg.Server.Port))

	tp, err := util.InitTracer(util.ServiceName, cfg.Observ.JaegerEndpoint)
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Error("Error shutting down tracer", zap.Error(err))
		}
	}()

	tokens, err := auth.ParseTokens(cfg.Auth.OperatorTokens)
	if err != nil {
		logger.Fatal("Invalid OPERATOR_TOKENS", zap.Error(err))
	}
	if tokens.Len() == 0 {
		logger.Warn("No operator tokens configured; admin API is unreachable")
	}

	db, err := store.NewStore(cfg.Database.Driver, cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	logger.Info("Database connected", zap.String("dialect", string(db.Dialect())))

	if cfg.Database.AutoMigrate {
		if err := db.Migrate(cfg.Database.URL); err != nil {
			logger.Fatal("Failed to run migrations", zap.Error(err))
		}
		logger.Info("Migrations applied")
	}

	// The interface stays nil when Redis is disabled so services skip mirroring.
	var cache service.StockCache
	ready := map[string]api.Pinger{"database": db}
	if cfg.Redis.Addr != "" {
		redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.StockTTL)
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		defer redisClient.Close()
		cache = redisClient
		ready["redis"] = redisClient
		logger.Info("Redis connected", zap.String("addr", cfg.Redis.Addr))
	}

	retry := service.RetryPolicy{
		MaxRetries:      uint64(max(cfg.Business.FulfillMaxRetries, 0)),
		InitialInterval: cfg.Business.FulfillRetryInitial,
		MaxInterval:     cfg.Business.FulfillRetryMax,
	}

	inventoryService := service.NewInventoryService(db, cache)
	orderService := service.NewOrderService(db)
	fulfillmentService := service.NewFulfillmentService(db, cache, retry)
	reconciler := service.NewReconciler(db, cache)

	ctx := context.Background()
	if err := inventoryService.SyncStockToRedis(ctx); err != nil {
		logger.Warn("Failed to sync stock to Redis", zap.Error(err))
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	var workers sync.WaitGroup

	var intakeWorker *worker.IntakeWorker
	if cfg.Kafka.Enabled() {
		producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicEvents)
		defer producer.Close()

		relay := worker.NewOutboxRelay(db, broker.NewEventPublisher(producer), cfg.Business.OutboxBatchSize, cfg.Business.OutboxRetention)
		workers.Add(1)
		go func() {
			defer workers.Done()
			relay.Start(workerCtx, cfg.Business.OutboxPollInterval)
		}()

		intakeConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicIntake, cfg.Kafka.ConsumerGroup)
		intakeWorker = worker.NewIntakeWorker(intakeConsumer, inventoryService.HandleCredentialIntake)
		workers.Add(1)
		go func() {
			defer workers.Done()
			if err := intakeWorker.Start(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Intake worker error", zap.Error(err))
			}
		}()
		logger.Info("Kafka workers started",
			zap.Strings("brokers", cfg.Kafka.Brokers),
			zap.String("events_topic", cfg.Kafka.TopicEvents),
			zap.String("intake_topic", cfg.Kafka.TopicIntake))
	} else {
		logger.Info("Kafka disabled; outbox events stay in the database")
	}

	if cfg.Business.ReconcileInterval > 0 {
		workers.Add(1)
		go func() {
			defer workers.Done()
			reconciler.Start(workerCtx, cfg.Business.ReconcileInterval)
		}()
	}

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(api.Services{
		Orders:      orderService,
		Inventory:   inventoryService,
		Fulfillment: fulfillmentService,
		Reconciler:  reconciler,
	}, tokens, ready)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	workers.Wait()
	if intakeWorker != nil {
		if err := intakeWorker.Stop(); err != nil {
			logger.Warn("Error closing intake consumer", zap.Error(err))
		}
	}

	logger.Info("Server exited")
}
