package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/frontdesklabs/call-engine/internal/broker"
	"github.com/frontdesklabs/call-engine/internal/config"
	"github.com/frontdesklabs/call-engine/internal/dispatch"
	"github.com/frontdesklabs/call-engine/internal/domain"
	"github.com/frontdesklabs/call-engine/internal/engine"
	"github.com/frontdesklabs/call-engine/internal/fallback"
	"github.com/frontdesklabs/call-engine/internal/handler"
	"github.com/frontdesklabs/call-engine/internal/ingress"
	"github.com/frontdesklabs/call-engine/internal/registry"
	"github.com/frontdesklabs/call-engine/internal/repository"
	"github.com/frontdesklabs/call-engine/internal/telephony"
	"github.com/frontdesklabs/call-engine/internal/tenant"
	"github.com/frontdesklabs/call-engine/pkg/logger"
	"github.com/frontdesklabs/call-engine/pkg/pubsub"
	redisSrv "github.com/frontdesklabs/call-engine/pkg/redis"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	// .env is optional; real deployments configure through the environment.
	_ = godotenv.Load()

	if _, err := logger.Init(os.Getenv("LOG_ENV")); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg := config.LoadFromEnv()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Redis backs event dedup, the session monitor, and the dispatch
	// reconciliation queue. The engine still runs without it, on in-process
	// fallbacks, for local development.
	var redisSvc redisSrv.RedisServiceInterface
	if svc, err := redisSrv.NewRedisService(&redisSrv.RedisConfig{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}); err != nil {
		logger.Base().Warn("Redis unavailable, using in-process fallbacks", zap.Error(err))
	} else {
		redisSvc = svc
	}

	var eventLog registry.EventLog
	if redisSvc != nil {
		eventLog = registry.NewRedisEventLog(redisSvc, cfg.EventRetention)
	} else {
		eventLog = registry.NewMemoryEventLog(cfg.EventRetention)
	}

	var store dispatch.CallStore
	if cfg.DatabaseDSN != "" {
		db, err := repository.NewDatabaseConnection(cfg.DatabaseDSN)
		if err != nil {
			logger.Base().Fatal("Failed to connect to call-log database", zap.Error(err))
		}
		if err := repository.AutoMigrate(db); err != nil {
			logger.Base().Fatal("Failed to migrate call-log schema", zap.Error(err))
		}
		store = repository.NewCallRepository(db)
	} else {
		logger.Base().Warn("DATABASE_DSN not set, call records will not be persisted")
	}

	var reporter *dispatch.PubSubReporter
	if cfg.PubSubProjectID != "" {
		ps, err := pubsub.NewPubSubService(ctx, &pubsub.PubSubConfig{
			ProjectID: cfg.PubSubProjectID,
			TopicName: cfg.PubSubTopic,
			PubID:     cfg.PubSubPubID,
		})
		if err != nil {
			logger.Base().Fatal("Failed to initialize Pub/Sub", zap.Error(err))
		}
		defer ps.Close()
		reporter = dispatch.NewPubSubReporter(ps)
	} else {
		logger.Base().Fatal("PUBSUB_PROJECT_ID is required for outcome dispatch")
	}

	dispatcher := dispatch.NewDispatcher(store, reporter, reporter, redisSvc)
	go dispatcher.RunReconciler(ctx, time.Minute)

	commander := telephony.NewTwilioCommander(cfg.TwilioAccountSID, cfg.TwilioAuthToken)
	recordingCallback := fmt.Sprintf("http://localhost:%s/webhooks/telephony/recording", cfg.Port)
	if base := os.Getenv("PUBLIC_BASE_URL"); base != "" {
		recordingCallback = base + "/webhooks/telephony/recording"
	}
	fallbackCtl := fallback.NewController(commander, dispatcher, "", recordingCallback)

	reg := registry.NewRegistry(cfg.EvictionGrace)
	defer reg.Close()

	tenants := tenant.NewHTTPConfigService(cfg.TenantConfigURL)

	var monitor *broker.Monitor
	if redisSvc != nil {
		monitor = broker.NewMonitor(redisSvc, cfg.InstanceID)
	}

	// The broker feeds session lifecycle events back into the engine; the
	// engine is created right after, so route through a late-bound closure.
	var eng *engine.Engine
	sink := func(ev *domain.CallEvent) { eng.Submit(ev) }

	brk := broker.New(broker.Config{
		BackendURL:        cfg.AIBackendURL,
		BackendToken:      cfg.AIBackendToken,
		ConnectTimeout:    cfg.ConnectTimeout,
		SilenceThreshold:  cfg.SilenceThreshold,
		ForceCloseAfter:   cfg.ForceCloseAfter,
		HeartbeatInterval: cfg.HeartbeatInterval,
	}, tenants, sink, monitor, cfg.FrameQueueSize)

	eng = engine.New(engine.Config{
		RingTimeout: cfg.RingTimeout,
		WorkerGrace: cfg.EvictionGrace,
	}, reg, brk, fallbackCtl, dispatcher)

	webhook := ingress.NewHandler(cfg.WebhookSecret, cfg.RateLimitPerMin, cfg.RateLimitBurst, eventLog, eng)
	recordingHook := ingress.NewRecordingHandler(cfg.TwilioAuthToken, recordingCallback, eventLog, eng)
	router := handler.SetupRoutes(cfg, webhook, recordingHook, reg, brk)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Base().Info("Starting call engine",
			zap.String("addr", server.Addr),
			zap.String("instance_id", cfg.InstanceID))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Base().Fatal("Server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Base().Info("Shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop intake first, then drain in-flight calls through the fallback
	// path so nobody is abandoned mid-session.
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Base().Warn("HTTP shutdown error", zap.Error(err))
	}
	eng.Shutdown(shutdownCtx)
	logger.Base().Info("Shutdown complete")
}
