package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chat-sla-tracker/pkg/breaker"
	"chat-sla-tracker/pkg/classify"
	"chat-sla-tracker/pkg/config"
	"chat-sla-tracker/pkg/ingest"
	"chat-sla-tracker/pkg/logging"
	"chat-sla-tracker/pkg/metrics"
	"chat-sla-tracker/pkg/notify"
	"chat-sla-tracker/pkg/redisclient"
	"chat-sla-tracker/pkg/scheduler"
	"chat-sla-tracker/pkg/server"
	"chat-sla-tracker/pkg/sla"
	"chat-sla-tracker/pkg/store"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel, cfg.LogFile)
	logger.WithField("pod_id", cfg.PodID).Info("Starting SLA tracker")

	m := metrics.New()

	rdb, err := redisclient.Connect(redisclient.DefaultOptions(cfg.RedisURL), logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to redis")
	}
	defer rdb.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pg, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to postgres")
	}
	defer pg.Close()

	// Classification cascade with circuit-broken AI dependency.
	brk := breaker.New(breaker.Config{
		FailureThreshold: cfg.BreakerFailureThreshold,
		SuccessThreshold: cfg.BreakerSuccessThreshold,
		OpenTimeout:      cfg.BreakerOpenTimeout(),
	}, logger)
	brk.OnStateChange(func(from, to breaker.State) {
		m.BreakerTransitions.WithLabelValues(from.String(), to.String()).Inc()
		m.BreakerState.Set(float64(to))
	})

	ai := classify.NewAIClient(cfg.AIEndpoint, cfg.AIAPIKey, cfg.AIModel, cfg.AITimeout())
	cascade := classify.NewCascade(classify.Config{
		AIConfidenceThreshold:  cfg.AIConfidenceThreshold,
		KeywordConfidenceFloor: cfg.KeywordConfidenceFloor,
		MaxAttempts:            cfg.AIMaxAttempts,
		CacheTTL:               cfg.CacheTTL(),
	}, rdb, ai, brk, logger, m)

	// Leader-elected delayed-job scheduler backing the SLA clocks.
	leader := scheduler.NewLeaderElection(rdb, cfg.PodID, cfg.LeaderElectionTTLDuration(), logger, m)
	sched := scheduler.New(rdb, scheduler.Config{
		CheckInterval: cfg.CheckInterval(),
		RatePerSecond: cfg.JobRatePerSecond,
		Workers:       cfg.JobWorkers,
		RetryDelay:    cfg.JobRetryDelay(),
	}, leader, logger, m)

	timer := sla.NewTimer(pg, sched, logger, m)

	var notifier sla.Notifier
	if cfg.TelegramBotToken != "" {
		tg, err := notify.NewTelegram(cfg.TelegramBotToken, cfg.TelegramRatePerSec, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to initialize telegram notifier")
		}
		notifier = tg
	} else {
		logger.Warn("TELEGRAM_BOT_TOKEN not set, alerts will only be logged")
		notifier = notify.LogOnly(logger)
	}

	engine := sla.NewEngine(sla.EngineConfig{
		MaxEscalations:     cfg.MaxEscalations,
		EscalationInterval: cfg.EscalationInterval(),
	}, pg, sched, notifier, logger, m)
	engine.RegisterHandlers(sched)

	leader.Start(ctx)
	sched.Start(ctx)

	pipeline := ingest.NewPipeline(pg, cascade, timer, cfg.DedupWindow(), logger)

	var consumer *ingest.Consumer
	if cfg.KafkaBroker != "" {
		consumer = ingest.NewConsumer(cfg.KafkaBroker, cfg.KafkaTopic, cfg.KafkaGroupID, pipeline, logger)
		go func() {
			if err := consumer.Run(ctx); err != nil {
				logger.WithError(err).Error("Kafka consumer stopped")
			}
		}()
	} else {
		logger.Warn("KAFKA_BROKER not set, ingesting over HTTP only")
	}

	handler := server.NewHandler(pipeline, timer, cascade, logger, leader.IsLeader, sched.PendingJobs)
	httpServer := server.NewHTTPServer(cfg.Port, handler, logger)

	go func() {
		logger.WithField("port", cfg.Port).Info("HTTP server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("HTTP server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	logger.Info("Received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Error during HTTP server shutdown")
	}
	if consumer != nil {
		if err := consumer.Close(); err != nil {
			logger.WithError(err).Error("Error closing kafka consumer")
		}
	}
	cancel()
	sched.Stop()
	leader.Stop()

	logger.Info("SLA tracker shutdown complete")
}
