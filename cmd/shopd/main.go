package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"iap-coordinator/config"
	"iap-coordinator/internal/api"
	"iap-coordinator/internal/backend"
	_ "iap-coordinator/internal/backend/offline"
	"iap-coordinator/internal/backend/remote"
	"iap-coordinator/internal/broker"
	"iap-coordinator/internal/catalog"
	"iap-coordinator/internal/payload"
	"iap-coordinator/internal/redisclient"
	"iap-coordinator/internal/service"
	"iap-coordinator/internal/store"
	"iap-coordinator/internal/util"
	"iap-coordinator/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting shopd",
		zap.String("env", cfg.Server.Env),
		zap.String("port", cfg.Server.Port),
		zap.String("backend", cfg.Billing.Backend))
	for _, w := range cfg.Warnings {
		logger.Warn("Config value ignored", zap.String("reason", w))
	}

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

	ctx := context.Background()

	cat, err := loadCatalog(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to load catalog", zap.Error(err))
	}
	logger.Info("Catalog loaded", zap.Int("products", cat.Len()))

	registry, closeRegistry, err := openRegistry(cfg)
	if err != nil {
		logger.Fatal("Failed to open payload registry", zap.Error(err))
	}
	defer closeRegistry()

	deps := backend.Deps{Logger: util.Named("backend")}
	var commandProducer *broker.Producer
	if cfg.Billing.Backend == remote.Name {
		commandProducer = broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.CommandTopic)
		defer commandProducer.Close()
		deps.Commands = commandProducer
	}

	storeBackend, err := backend.Open(cfg.Billing.Backend, deps)
	if err != nil {
		logger.Fatal("Failed to open store backend", zap.Error(err))
	}

	coordinator := service.NewCoordinator(registry)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	var outcomeWorker *worker.OutcomeWorker
	if cfg.ForwardOutcomes() {
		outcomeProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.OutcomeTopic)
		defer outcomeProducer.Close()

		outcomeWorker = worker.NewOutcomeWorker(coordinator.Bus(), broker.NewOutcomePublisher(outcomeProducer), cfg.Kafka.OutcomeBuffer)
		go func() {
			if err := outcomeWorker.Start(workerCtx); err != nil && err != context.Canceled {
				logger.Error("Outcome worker error", zap.Error(err))
			}
		}()
		logger.Info("Forwarding outcomes", zap.String("topic", cfg.Kafka.OutcomeTopic))
	}

	var bridgeWorker *worker.BridgeWorker
	if rb, ok := storeBackend.(*remote.Backend); ok {
		eventConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.EventTopic, cfg.Kafka.ConsumerGroup)
		bridgeWorker = worker.NewBridgeWorker(eventConsumer, rb)
		go func() {
			if err := bridgeWorker.Start(workerCtx); err != nil && err != context.Canceled {
				logger.Error("Bridge worker error", zap.Error(err))
			}
		}()
	}

	if err := coordinator.Start(ctx, storeBackend, cat, cat.Mappings(), cfg.OptionsBuilder()); err != nil {
		logger.Fatal("Failed to start billing", zap.Error(err))
	}

	limiter := api.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst, util.Named("ratelimit"))
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C:
				limiter.Cleanup(10 * time.Minute)
			}
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Logger())
	handler := api.NewHandler(coordinator, registry, limiter)
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

	if err := coordinator.Dispose(); err != nil {
		logger.Error("Failed to dispose billing", zap.Error(err))
	}

	if outcomeWorker != nil {
		if err := outcomeWorker.Stop(shutdownCtx); err != nil {
			logger.Error("Outcome worker stopped before draining", zap.Error(err))
		}
	}
	workerCancel()
	if bridgeWorker != nil {
		bridgeWorker.Stop()
	}

	logger.Info("Server exited")
}

// loadCatalog reads the catalog from Postgres when DATABASE_URL is set and
// from the YAML file otherwise
func loadCatalog(ctx context.Context, cfg *config.Config) (*catalog.Catalog, error) {
	if cfg.Database.URL == "" {
		return catalog.LoadFile(cfg.Billing.CatalogFile)
	}

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	loadCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return db.LoadCatalog(loadCtx)
}

// openRegistry builds the developer payload registry named by the config
func openRegistry(cfg *config.Config) (payload.Registry, func(), error) {
	switch cfg.Payload.Store {
	case "redis":
		client, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, nil, err
		}
		return payload.NewRedisRegistry(client, cfg.Payload.TTL), func() { client.Close() }, nil
	case "memory":
		r := payload.NewMemoryRegistry(cfg.Payload.TTL)
		return r, r.Close, nil
	case "none":
		return payload.AcceptAll{}, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown payload store %q", cfg.Payload.Store)
	}
}
