// Package api is the control-plane HTTP surface: the HMAC-signed admin API,
// carrier webhook ingress, the media stream WebSocket, and the SSE gateway.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/trunkline-io/trunkline/pkg/config"
	"github.com/trunkline-io/trunkline/pkg/database"
	"github.com/trunkline-io/trunkline/pkg/delivery"
	"github.com/trunkline-io/trunkline/pkg/events"
	"github.com/trunkline-io/trunkline/pkg/notify"
	"github.com/trunkline-io/trunkline/pkg/orchestrator"
	"github.com/trunkline-io/trunkline/pkg/providers"
	"github.com/trunkline-io/trunkline/pkg/services"
	"github.com/trunkline-io/trunkline/pkg/session"
)

// originateKeyTTL is how long POST /calls idempotency keys are honoured.
const originateKeyTTL = 24 * time.Hour

// Options wires the control-plane server. Nil pool and metrics fields are
// tolerated; the matching endpoints degrade or disappear.
type Options struct {
	Config *config.Config
	Addr   string
	Logger *slog.Logger

	Manager    *orchestrator.Manager
	Registry   *providers.Registry
	Hub        *events.Hub
	Engine     *delivery.Engine
	Reconciler *delivery.Reconciler

	Calls         *services.CallService
	Transcripts   *services.TranscriptService
	Digits        *services.DigitService
	Messages      *services.MessageService
	BulkJobs      *services.BulkJobService
	Suppressions  *services.SuppressionService
	Notifications *services.NotificationService
	Events        *services.EventService
	Sessions      *services.SessionService
	WebhookLog    *services.WebhookDeliveryService

	DB           *database.Client
	NotifyPool   *notify.Pool
	DeliveryPool *delivery.Pool

	// Metrics serves GET /metrics; nil removes the route.
	Metrics http.Handler
}

// Server hosts the echo instance and its collaborators.
type Server struct {
	echo   *echo.Echo
	cfg    *config.Config
	logger *slog.Logger
	addr   string

	secret        []byte
	nonces        *session.NonceCache
	originateKeys *session.OriginateKeys

	manager    *orchestrator.Manager
	registry   *providers.Registry
	hub        *events.Hub
	engine     *delivery.Engine
	reconciler *delivery.Reconciler

	calls         *services.CallService
	transcripts   *services.TranscriptService
	digits        *services.DigitService
	messages      *services.MessageService
	bulkJobs      *services.BulkJobService
	suppressions  *services.SuppressionService
	notifications *services.NotificationService
	events        *services.EventService
	sessions      *services.SessionService
	webhookLog    *services.WebhookDeliveryService

	dbClient     *database.Client
	notifyPool   *notify.Pool
	deliveryPool *delivery.Pool

	metrics http.Handler

	httpServer *http.Server
}

// NewServer builds the server and registers every route. The HMAC secret is
// read from the env var named by Security.APISecretEnv; when it is empty the
// authenticated surface rejects everything.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	addr := opts.Addr
	if addr == "" {
		addr = ":8080"
	}
	sec := opts.Config.Security

	s := &Server{
		echo:   echo.New(),
		cfg:    opts.Config,
		logger: logger,
		addr:   addr,

		secret:        []byte(os.Getenv(sec.APISecretEnv)),
		nonces:        session.NewNonceCache(sec.NonceWindow),
		originateKeys: session.NewOriginateKeys(originateKeyTTL),

		manager:    opts.Manager,
		registry:   opts.Registry,
		hub:        opts.Hub,
		engine:     opts.Engine,
		reconciler: opts.Reconciler,

		calls:         opts.Calls,
		transcripts:   opts.Transcripts,
		digits:        opts.Digits,
		messages:      opts.Messages,
		bulkJobs:      opts.BulkJobs,
		suppressions:  opts.Suppressions,
		notifications: opts.Notifications,
		events:        opts.Events,
		sessions:      opts.Sessions,
		webhookLog:    opts.WebhookLog,

		dbClient:     opts.DB,
		notifyPool:   opts.NotifyPool,
		deliveryPool: opts.DeliveryPool,

		metrics: opts.Metrics,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	e := s.echo
	e.Use(securityHeaders())
	e.Use(requestLogger(s.logger))

	// Unauthenticated surface: probes, carrier callbacks, media, SSE.
	// Carrier webhooks authenticate with per-adapter signatures and the SSE
	// gateway with minted tokens; neither peer can sign HMAC headers.
	e.GET("/health", s.healthHandler)
	if s.metrics != nil {
		e.GET("/metrics", s.metricsHandler)
	}
	e.POST("/webhooks/:provider/calls/:call_sid/:kind", s.carrierWebhookHandler)
	e.POST("/webhooks/delivery/:provider", s.deliveryWebhookHandler)
	e.GET("/media/:call_sid", s.mediaStreamHandler)
	e.GET("/webapp/sse", s.sseHandler)

	api := e.Group("/api/v1")
	api.Use(s.hmacAuth())

	api.POST("/calls", s.originateCallHandler)
	api.GET("/calls", s.listCallsHandler)
	api.GET("/calls/:call_sid", s.getCallHandler)
	api.GET("/calls/:call_sid/events", s.listCallEventsHandler)
	api.GET("/calls/:call_sid/transcripts", s.listTranscriptsHandler)
	api.GET("/calls/:call_sid/digits", s.listDigitEventsHandler)
	api.GET("/calls/:call_sid/notifications", s.listCallNotificationsHandler)
	api.GET("/calls/:call_sid/webhooks", s.listCallWebhooksHandler)
	api.POST("/calls/:call_sid/script", s.updateScriptHandler)
	api.POST("/calls/:call_sid/end", s.endCallHandler)
	api.POST("/calls/:call_sid/plan", s.startPlanHandler)
	api.POST("/calls/:call_sid/stream/retry", s.retryStreamHandler)
	api.POST("/calls/:call_sid/stream/fallback", s.fallbackStreamHandler)
	api.POST("/inbound/:call_sid/answer", s.answerInboundHandler)
	api.POST("/inbound/:call_sid/decline", s.declineInboundHandler)

	api.POST("/sms", s.sendSMSHandler)
	api.POST("/sms/bulk", s.bulkSMSHandler)
	api.POST("/emails", s.sendEmailHandler)
	api.POST("/emails/bulk", s.bulkEmailHandler)
	api.GET("/messages", s.listMessagesHandler)
	api.GET("/messages/:id", s.getMessageHandler)
	api.GET("/bulk-jobs", s.listBulkJobsHandler)
	api.GET("/bulk-jobs/:id", s.getBulkJobHandler)
	api.GET("/suppressions", s.listSuppressionsHandler)
	api.POST("/suppressions", s.addSuppressionHandler)
	api.DELETE("/suppressions", s.removeSuppressionHandler)
	api.GET("/dead-letters", s.listDeadLettersHandler)

	api.POST("/subscribers", s.createSubscriberHandler)
	api.GET("/subscribers", s.listSubscribersHandler)
	api.DELETE("/subscribers/:id", s.deleteSubscriberHandler)

	api.POST("/webapp/sessions", s.createWebAppSessionHandler)
	api.GET("/system/providers", s.listProvidersHandler)
}

// metricsHandler delegates to the prometheus handler.
func (s *Server) metricsHandler(c *echo.Context) error {
	s.metrics.ServeHTTP(c.Response(), c.Request())
	return nil
}

// Start serves HTTP until Shutdown or a listener failure. It blocks; run it
// in a goroutine and watch the returned error.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:    s.addr,
		Handler: s.echo,
		// No write timeout: SSE responses and media streams stay open for
		// the life of the peer. Only header reads get a deadline.
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("control plane listening", "addr", s.addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown drains inflight requests until ctx expires. Stop the event hub
// first so SSE loops see their subscriptions close and return.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
