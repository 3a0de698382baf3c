package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"order-routing/config"
	"order-routing/internal/api"
	"order-routing/internal/broker"
	"order-routing/internal/recovery"
	"order-routing/internal/redisclient"
	"order-routing/internal/routing"
	"order-routing/internal/store"
	"order-routing/internal/util"
	"order-routing/internal/worker"
	"order-routing/internal/workflow"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(util.LogOptions{
		Service: "order-routing",
		Env:     cfg.Server.Env,
		Level:   cfg.Observ.LogLevel,
	}); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting order routing service")

	tp, err := util.InitTracer("order-routing", cfg.Observ.JaegerEndpoint)
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

	var tunables config.TunablesSource = config.StaticTunables(cfg.Routing.Defaults)
	if cfg.Routing.TunablesFile != "" {
		watcher, err := config.WatchTunables(cfg.Routing.TunablesFile, cfg.Routing.Defaults, logger)
		if err != nil {
			logger.Fatal("Failed to load routing tunables", zap.String("file", cfg.Routing.TunablesFile), zap.Error(err))
		}
		tunables = watcher
		logger.Info("Watching routing tunables", zap.String("file", cfg.Routing.TunablesFile))
	}

	db, err := store.NewStore(cfg.Database.Driver, cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	applied, err := db.Migrate(context.Background())
	if err != nil {
		logger.Fatal("Failed to apply migrations", zap.Error(err))
	}
	logger.Info("Database connected", zap.String("driver", db.Driver()), zap.Int("schema_version", applied))

	// Redis only caches reliability and holds sweep leases, so the service runs without it.
	var reliability routing.ReliabilitySource
	var leaser worker.Leaser
	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Warn("Redis unavailable, running without cache and leases", zap.Error(err))
	} else {
		defer redisClient.Close()
		reliability = redisclient.NewReliabilityCache(redisClient, db, cfg.Redis.ReliabilityTTL)
		leaser = redisClient
		logger.Info("Redis connected")
	}

	notificationProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicNotifications)
	defer notificationProducer.Close()
	routingProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicRoutingEvents)
	defer routingProducer.Close()
	logger.Info("Kafka producers initialized")

	eventPublisher := broker.NewEventPublisher(notificationProducer, routingProducer)

	engine := workflow.NewEngine(db)
	notifier := routing.NewNotifier(db, eventPublisher, cfg.Routing.PhoneRegion)
	router := routing.NewRouter(db, reliability, engine, notifier, tunables)
	scanner := routing.NewScanner(db, router, cfg.Scanner.BatchSize, cfg.Scanner.Concurrency)

	processor := recovery.NewWebhookProcessor(db, cfg.Recovery.WebhookMaxRetries, cfg.Recovery.BatchSize)
	processor.HandleRouting(router)
	coordinator := recovery.NewCoordinator(db, router, engine, cfg.Recovery)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	// the first recovery pass runs before any traffic is accepted
	if _, err := coordinator.RunOnce(workerCtx); err != nil {
		logger.Error("Startup recovery finished with errors", zap.Error(err))
	}

	scanTask := worker.NewPeriodic("acceptance-timeout-scanner", cfg.Scanner.Interval, func(ctx context.Context) error {
		_, err := scanner.Sweep(ctx)
		return err
	})
	recoveryTask := worker.NewPeriodic("recovery-coordinator", cfg.Recovery.Interval, func(ctx context.Context) error {
		_, err := coordinator.RunOnce(ctx)
		return err
	})
	webhookTask := worker.NewPeriodic("webhook-processor", cfg.Recovery.WebhookPollInterval, func(ctx context.Context) error {
		_, err := processor.ProcessPending(ctx)
		return err
	})
	if leaser != nil {
		scanTask.WithLease(leaser, cfg.Scanner.LeaseTTL)
		recoveryTask.WithLease(leaser, cfg.Recovery.Interval)
	}

	var wg sync.WaitGroup
	for _, task := range []*worker.Periodic{scanTask, recoveryTask, webhookTask} {
		wg.Add(1)
		go func(p *worker.Periodic) {
			defer wg.Done()
			p.Run(workerCtx)
		}(task)
	}

	responseConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicVendorResponse, cfg.Kafka.ConsumerGroup)
	responseWorker := worker.NewResponseWorker(responseConsumer, processor)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := responseWorker.Start(workerCtx); err != nil {
			logger.Error("Vendor response worker error", zap.Error(err))
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	engineHTTP := gin.New()
	handler := api.NewHandler(router, processor, coordinator, cfg.Server.AllowedOrigins)
	handler.AddReadinessCheck("database", db.Ping)
	if redisClient != nil {
		handler.AddReadinessCheck("redis", redisClient.Ping)
	}
	handler.SetupRoutes(engineHTTP)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: engineHTTP,
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

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	if err := responseWorker.Stop(); err != nil {
		logger.Warn("Error closing consumer", zap.Error(err))
	}
	wg.Wait()
	router.Wait()

	logger.Info("Server exited")
}

