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

	"escrow-service/config"
	"escrow-service/internal/api"
	"escrow-service/internal/broker"
	"escrow-service/internal/protocols"
	"escrow-service/internal/redisclient"
	"escrow-service/internal/resilience"
	"escrow-service/internal/service"
	"escrow-service/internal/store"
	"escrow-service/internal/strategy"
	"escrow-service/internal/util"
	"escrow-service/internal/worker"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting escrow service")

	tp, err := util.InitTracer("escrow-service", cfg.Observ.JaegerEndpoint)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Printf("Error shutting down tracer: %v", err)
		}
	}()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Println("Database connected")

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()
	log.Println("Redis connected")

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicEvents)
	defer producer.Close()
	log.Println("Kafka producer initialized")

	eventPublisher := broker.NewEventPublisher(producer)

	executor := resilience.NewExecutor(resilience.Settings{
		FailureThreshold: cfg.Resilience.FailureThreshold,
		OpenDuration:     cfg.Resilience.OpenDuration,
		MaxRetries:       cfg.Resilience.MaxRetries,
		RetryDelay:       cfg.Resilience.RetryDelay,
		CallTimeout:      cfg.Resilience.CallTimeout,
	})

	// Protocol integrations. The simulated clients stand in for the real
	// lending pools, settlement rails, and screening providers.
	aave := protocols.NewSimulatedYieldSource("aave", decimal.NewFromFloat(0.045), 0.02)
	noble := protocols.NewSimulatedYieldSource("noble", decimal.NewFromFloat(0.041), 0.01)
	resolv := protocols.NewSimulatedYieldSource("resolv", decimal.NewFromFloat(0.078), 0.05)
	settlement := protocols.NewSimulatedSettlement("settlement", 0.02)
	verifier := protocols.NewSimulatedVerifier("chain-rpc")
	compliance := protocols.NewSimulatedCompliance("screening")

	registry := strategy.NewRegistry(cfg.Allocation.MaxActiveStrategies)
	mustRegister(registry, strategy.Strategy{ID: "noble-usdc", Name: "Noble USDC", Protocol: "noble", RiskScore: 2, CapBp: 4000, Active: true})
	mustRegister(registry, strategy.Strategy{ID: "aave-usdc", Name: "Aave v3 USDC", Protocol: "aave", RiskScore: 3, CapBp: 4000, Active: true})
	mustRegister(registry, strategy.Strategy{ID: "resolv-usr", Name: "Resolv USR", Protocol: "resolv", RiskScore: 6, CapBp: 3000, Active: true})

	engine := strategy.NewEngine(registry, db, executor, redisClient,
		cfg.Allocation.RebalanceCooldown, cfg.Allocation.DriftThresholdBp)
	engine.BindSource("noble-usdc", noble)
	engine.BindSource("aave-usdc", aave)
	engine.BindSource("resolv-usr", resolv)

	ctx := context.Background()
	if err := engine.Restore(ctx); err != nil {
		log.Fatalf("Failed to restore allocations: %v", err)
	}

	paymentService := service.NewPaymentService(db, redisClient, eventPublisher, engine, executor,
		verifier, settlement, compliance,
		cfg.Escrow.SupportedAssets, cfg.Escrow.EscrowAddress, cfg.Escrow.PaymentCacheTTL)

	minAmount, err := decimal.NewFromString(cfg.Bridge.MinAmount)
	if err != nil {
		log.Fatalf("Invalid BRIDGE_MIN_AMOUNT: %v", err)
	}
	maxAmount, err := decimal.NewFromString(cfg.Bridge.MaxAmount)
	if err != nil {
		log.Fatalf("Invalid BRIDGE_MAX_AMOUNT: %v", err)
	}
	bridgeService := service.NewBridgeService(db, eventPublisher, engine, executor, settlement,
		cfg.Escrow.SupportedAssets, cfg.Escrow.EscrowAddress, service.BridgeLimits{
			FeeBasisPoints: cfg.Bridge.FeeBasisPoints,
			MinAmount:      minAmount,
			MaxAmount:      maxAmount,
		})

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	prober := worker.NewHealthProber(executor, []protocols.Client{aave, noble, resolv, settlement, verifier, compliance},
		cfg.Resilience.HealthCheckInterval)
	go prober.Start(workerCtx)

	harvestWorker := worker.NewHarvestWorker(engine, cfg.Allocation.HarvestInterval)
	go harvestWorker.Start(workerCtx)

	rebalanceWorker := worker.NewRebalanceWorker(engine, eventPublisher, strategy.RiskModerate, cfg.Allocation.RebalanceInterval)
	go rebalanceWorker.Start(workerCtx)

	expiryWorker := worker.NewExpiryWorker(paymentService, cfg.Escrow.ExpiryInterval)
	go expiryWorker.Start(workerCtx)

	notificationConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicEvents, cfg.Kafka.ConsumerGroup)
	notificationWorker := worker.NewNotificationWorker(notificationConsumer)
	go func() {
		if err := notificationWorker.Start(workerCtx); err != nil {
			log.Printf("Notification worker error: %v", err)
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.Default()
	handler := api.NewHandler(paymentService, bridgeService, registry, engine, executor)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.Printf("Starting HTTP server on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	workerCancel()
	notificationWorker.Stop()

	log.Println("Server exited")
}

func mustRegister(registry *strategy.Registry, s strategy.Strategy) {
	if err := registry.Register(s); err != nil {
		log.Fatalf("Failed to register strategy %s: %v", s.ID, err)
	}
}
