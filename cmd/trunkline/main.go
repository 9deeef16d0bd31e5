// Trunkline server — hosts the call orchestration kernel, the delivery and
// notification worker pools, and the HMAC control-plane API.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/trunkline-io/trunkline/pkg/api"
	"github.com/trunkline-io/trunkline/pkg/cleanup"
	"github.com/trunkline-io/trunkline/pkg/config"
	"github.com/trunkline-io/trunkline/pkg/database"
	"github.com/trunkline-io/trunkline/pkg/delivery"
	"github.com/trunkline-io/trunkline/pkg/digits"
	"github.com/trunkline-io/trunkline/pkg/events"
	"github.com/trunkline-io/trunkline/pkg/masking"
	"github.com/trunkline-io/trunkline/pkg/metrics"
	"github.com/trunkline-io/trunkline/pkg/notify"
	"github.com/trunkline-io/trunkline/pkg/orchestrator"
	"github.com/trunkline-io/trunkline/pkg/providers"
	"github.com/trunkline-io/trunkline/pkg/services"
	"github.com/trunkline-io/trunkline/pkg/stream"
	"github.com/trunkline-io/trunkline/pkg/version"
)

// Exit codes: 0 clean shutdown, 1 configuration error, 2 fatal persistence
// init failure.
const (
	exitConfig      = 1
	exitPersistence = 2
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// resolvePodID determines the pod identifier for multi-replica claim
// coordination. Priority: POD_ID env > HOSTNAME env > "local"
func resolvePodID() string {
	if id := os.Getenv("POD_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	httpPort := getEnv("HTTP_PORT", "8080")
	podID := resolvePodID()

	slog.Info("Starting Trunkline",
		"version", version.Full(),
		"http_port", httpPort,
		"pod_id", podID,
		"config_dir", *configDir)

	ctx := context.Background()

	// 1. Initialize configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(exitConfig)
	}

	// 2. Initialize database (migrations run inside NewClient)
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(exitConfig)
	}

	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(exitPersistence)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to PostgreSQL database")

	// 3. Initialize domain services
	callService := services.NewCallService(dbClient)
	transcriptService := services.NewTranscriptService(dbClient)
	digitService := services.NewDigitService(dbClient)
	notificationService := services.NewNotificationService(dbClient)
	messageService := services.NewMessageService(dbClient)
	bulkJobService := services.NewBulkJobService(dbClient)
	suppressionService := services.NewSuppressionService(dbClient)
	metricService := services.NewMetricService(dbClient)
	eventService := services.NewEventService(dbClient)
	healthService := services.NewHealthService(dbClient)
	sessionService := services.NewSessionService(dbClient, cfg.Security.SessionTTL)
	webhookLogService := services.NewWebhookDeliveryService(dbClient, 0)
	slog.Info("Services initialized")

	// 3a. Requeue messages this pod claimed before a previous crash
	if n, err := messageService.RequeueByPod(ctx, podID); err != nil {
		slog.Error("Failed to requeue messages from previous run", "error", err)
		// Non-fatal — the orphan scanner picks them up by stale heartbeat
	} else if n > 0 {
		slog.Warn("Requeued messages claimed by a previous run", "count", n)
	}

	// 4. Start the event bus (publisher + hub + NOTIFY listener)
	publisher := events.NewPublisher(dbClient.DB())
	hub := events.NewHub()
	listener := events.NewNotifyListener(dbConfig.DSN(), hub)
	if err := listener.Start(ctx); err != nil {
		slog.Error("Failed to start NOTIFY listener", "error", err)
		os.Exit(exitPersistence)
	}
	defer listener.Stop(ctx)
	hub.SetListener(listener)
	slog.Info("Event bus started")

	// 5. Process metrics: registry, bus observer, pool gauges
	procMetrics := metrics.New()
	stopObserver, err := procMetrics.WatchBus(hub)
	if err != nil {
		slog.Error("Failed to start metrics bus observer", "error", err)
		os.Exit(exitPersistence)
	}
	defer stopObserver()
	procMetrics.Gauge("trunkline_sse_subscriptions",
		"Live event bus subscriptions on this pod.",
		func() float64 { return float64(hub.ActiveSubscriptions()) })
	procMetrics.Gauge("trunkline_bus_events_dropped",
		"Events dropped for slow local subscribers.",
		func() float64 { return float64(hub.Dropped()) })

	// 6. Provider adapter registry with restored health snapshots
	healthRelay := orchestrator.HealthChangeRelay(publisher, healthService, slog.Default())
	registry, err := providers.NewRegistry(cfg, healthRelay)
	if err != nil {
		slog.Error("Failed to build provider registry", "error", err)
		os.Exit(exitConfig)
	}
	if snapshots, err := healthService.LoadAll(ctx); err != nil {
		slog.Error("Failed to load provider health snapshots", "error", err)
		// Non-fatal — trackers start closed and relearn from live traffic
	} else {
		registry.RestoreHealth(snapshots)
	}

	// 7. Digit compliance codec (safe mode requires the encryption key)
	codec, err := digits.NewCodec(cfg.Digits)
	if err != nil {
		slog.Error("Failed to initialize digit codec", "error", err)
		os.Exit(exitConfig)
	}

	// 8. Streaming collaborators. Missing keys are fatal in production and
	// leave the voice path disabled in development.
	transcriber, synthesizer, responder, err := buildStreamClients(cfg)
	if err != nil {
		slog.Error("Failed to initialize stream clients", "error", err)
		os.Exit(exitConfig)
	}

	// 9. Call orchestration kernel
	manager := orchestrator.NewManager(orchestrator.Options{
		Config:        cfg,
		Registry:      registry,
		Calls:         callService,
		Digits:        digitService,
		Transcripts:   transcriptService,
		Webhooks:      webhookLogService,
		Notifications: notificationService,
		Bus:           publisher,
		Codec:         codec,
		Transcriber:   transcriber,
		Synthesizer:   synthesizer,
		Responder:     responder,
	})
	if err := manager.Start(ctx); err != nil {
		slog.Error("Failed to start call orchestrator", "error", err)
		os.Exit(exitPersistence)
	}
	procMetrics.Gauge("trunkline_active_calls",
		"Live call tasks on this pod.",
		func() float64 { return float64(manager.ActiveCalls()) })

	// 10. Notification fan-out pool
	notifyChannels := []notify.Channel{notify.NewWebhookChannel(nil)}
	if slackCfg := cfg.Notify.Slack; slackCfg != nil && slackCfg.Enabled {
		token := os.Getenv(slackCfg.TokenEnv)
		if token == "" {
			slog.Warn("Slack notifications enabled but token env is empty",
				"token_env", slackCfg.TokenEnv)
		} else {
			notifyChannels = append(notifyChannels,
				notify.NewSlackChannel(token, slackCfg.Channel, cfg.WebAppURL))
		}
	}
	notifyPool := notify.NewPool(notify.Options{
		Store:    notificationService,
		Metrics:  metrics.Tee(metricService, procMetrics.FanoutSink()),
		Masker:   masking.NewService(),
		Channels: notifyChannels,
		Notify:   cfg.Notify,
		Queue:    cfg.Queue,
	})
	notifyPool.Start(ctx)

	// 11. Delivery engine, worker pool, and provider-event reconciler
	deliveryMetrics := metrics.Tee(metricService, procMetrics.DeliverySink())
	engine := delivery.NewEngine(messageService, delivery.NewTemplateRegistry(), deliveryMetrics, nil)

	var senders []delivery.Sender
	if s := delivery.NewSMSSender(cfg.Delivery.SMS, nil); s != nil {
		senders = append(senders, s)
	}
	if s := delivery.NewEmailSender(cfg.Delivery.Email, nil); s != nil {
		senders = append(senders, s)
	}
	if len(senders) == 0 {
		slog.Warn("No delivery providers configured; sms/email queues will not drain")
	}
	deliveryPool := delivery.NewPool(delivery.PoolOptions{
		PodID:        podID,
		Store:        messageService,
		Suppressions: suppressionService,
		Metrics:      deliveryMetrics,
		Senders:      senders,
		Delivery:     cfg.Delivery,
		Queue:        cfg.Queue,
	})
	deliveryPool.Start(ctx)
	reconciler := delivery.NewReconciler(messageService, suppressionService, deliveryMetrics, nil)

	// 12. Retention cleanup loop
	janitor := cleanup.NewService(cleanup.Options{
		Retention:     cfg.Retention,
		Calls:         callService,
		Transcripts:   transcriptService,
		Digits:        digitService,
		Events:        eventService,
		WebhookLog:    webhookLogService,
		Notifications: notificationService,
		Messages:      messageService,
		Metrics:       metricService,
		Sessions:      sessionService,
	})
	janitor.Start(ctx)

	// 13. Control-plane HTTP server
	server := api.NewServer(api.Options{
		Config: cfg,
		Addr:   ":" + httpPort,

		Manager:    manager,
		Registry:   registry,
		Hub:        hub,
		Engine:     engine,
		Reconciler: reconciler,

		Calls:         callService,
		Transcripts:   transcriptService,
		Digits:        digitService,
		Messages:      messageService,
		BulkJobs:      bulkJobService,
		Suppressions:  suppressionService,
		Notifications: notificationService,
		Events:        eventService,
		Sessions:      sessionService,
		WebhookLog:    webhookLogService,

		DB:           dbClient,
		NotifyPool:   notifyPool,
		DeliveryPool: deliveryPool,

		Metrics: procMetrics.Handler(),
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	// 14. Wait for shutdown signal or server failure
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		slog.Error("HTTP server failed", "error", err)
	case sig := <-sigCh:
		slog.Info("Received shutdown signal", "signal", sig.String())
	}

	// 15. Graceful shutdown. Stop admission first, then drain the HTTP
	// surface, then the workers; in-flight calls stay in the database for
	// the next pod to resume.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown failed", "error", err)
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		slog.Error("Call orchestrator shutdown failed", "error", err)
	}
	janitor.Stop()
	notifyPool.Stop()
	deliveryPool.Stop()

	slog.Info("Trunkline stopped")
}

// buildStreamClients constructs the STT/TTS/LLM collaborators from the
// stream config. In development a missing key disables that collaborator;
// calls still connect, they just cannot hold a conversation.
func buildStreamClients(cfg *config.Config) (stream.Transcriber, stream.Synthesizer, stream.Responder, error) {
	var (
		transcriber stream.Transcriber
		synthesizer stream.Synthesizer
		responder   stream.Responder
	)

	sttKey := os.Getenv(cfg.Stream.STTKeyEnv)
	if sttKey == "" {
		if cfg.IsProduction() {
			return nil, nil, nil, config.NewValidationError("stream", cfg.Stream.STTKeyEnv, "", config.ErrMissingRequiredField)
		}
		slog.Warn("Speech key not set; transcription and synthesis disabled",
			"env", cfg.Stream.STTKeyEnv)
	} else {
		t, err := stream.NewDeepgramTranscriber(sttKey, cfg.Stream.STTModel)
		if err != nil {
			return nil, nil, nil, err
		}
		s, err := stream.NewDeepgramSynthesizer(sttKey, cfg.Stream.TTSVoice)
		if err != nil {
			return nil, nil, nil, err
		}
		transcriber, synthesizer = t, s
	}

	responderKey := os.Getenv(cfg.Stream.ResponderKeyEnv)
	if responderKey == "" {
		if cfg.IsProduction() {
			return nil, nil, nil, config.NewValidationError("stream", cfg.Stream.ResponderKeyEnv, "", config.ErrMissingRequiredField)
		}
		slog.Warn("Responder key not set; scripted replies disabled",
			"env", cfg.Stream.ResponderKeyEnv)
	} else {
		r, err := stream.NewOpenRouterResponder(responderKey, cfg.Stream.ResponderModel)
		if err != nil {
			return nil, nil, nil, err
		}
		responder = r
	}

	return transcriber, synthesizer, responder, nil
}
