// FlowCatalyst Message Router
//
// Standalone message router binary for production deployments.
// Consumes messages from a queue (EMBEDDED/SQLite, SQS, SQS_FIFO, JMS/AMQP,
// or NATS) and delivers via HTTP mediation.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"go.flowcatalyst.tech/internal/common/health"
	"go.flowcatalyst.tech/internal/common/lifecycle"
	"go.flowcatalyst.tech/internal/common/secrets"
	"go.flowcatalyst.tech/internal/config"
	"go.flowcatalyst.tech/internal/queue"
	amqpqueue "go.flowcatalyst.tech/internal/queue/amqp"
	natsqueue "go.flowcatalyst.tech/internal/queue/nats"
	sqlitequeue "go.flowcatalyst.tech/internal/queue/sqlite"
	sqsqueue "go.flowcatalyst.tech/internal/queue/sqs"
	"go.flowcatalyst.tech/internal/router/api"
	"go.flowcatalyst.tech/internal/router/controlclient"
	routerhealth "go.flowcatalyst.tech/internal/router/health"
	"go.flowcatalyst.tech/internal/router/manager"
	"go.flowcatalyst.tech/internal/router/mediator"
	routermetrics "go.flowcatalyst.tech/internal/router/metrics"
	"go.flowcatalyst.tech/internal/router/standby"
	"go.flowcatalyst.tech/internal/router/warning"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	// Configure logging
	setupLogging()

	slog.Info("Starting FlowCatalyst Message Router",
		"version", version,
		"build_time", buildTime,
		"component", "router")

	ctx := context.Background()

	// ========================================
	// 1. INFRASTRUCTURE INITIALIZATION
	// ========================================
	app, cleanup, err := lifecycle.Initialize(ctx, lifecycle.AppOptions{})
	if err != nil {
		slog.Error("Failed to initialize", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	// ========================================
	// 2. QUEUE SETUP
	// ========================================
	queueConsumer, queueHealthCheck, err := setupQueue(ctx, app)
	if err != nil {
		slog.Error("Failed to setup queue", "error", err)
		os.Exit(1)
	}

	// ========================================
	// 3. COMPONENT WIRING
	// ========================================
	// Create components by passing ready infrastructure

	// Health checker
	healthChecker := health.NewChecker()
	healthChecker.AddReadinessCheck(queueHealthCheck)

	// Message router
	mediatorCfg := mediator.DefaultHTTPMediatorConfig()
	mediatorCfg.Timeout = app.Config.Mediator.Timeout
	if app.Config.Mediator.HTTPVersion == "HTTP_1_1" {
		mediatorCfg.HTTPVersion = mediator.HTTPVersion1
	}
	secretsProvider, err := secrets.NewProvider(&app.Config.Secrets)
	if err != nil {
		slog.Error("Failed to initialize secrets provider", "error", err)
		os.Exit(1)
	}
	mediatorCfg.SecretsProvider = secretsProvider
	messageRouter := manager.NewRouter(queueConsumer, mediatorCfg)

	if app.Config.ControlEndpoint.Enabled {
		controlClient := controlclient.NewClient(app.Config.ControlEndpoint.URL, app.Config.ControlEndpoint.Timeout)
		syncCfg := manager.DefaultConfigSyncConfig()
		syncCfg.Enabled = true
		syncCfg.Interval = app.Config.ControlEndpoint.SyncInterval
		messageRouter.Manager().WithConfigSync(controlClient, syncCfg)
	}

	routerService := manager.NewRouterService(messageRouter)

	// Standby service for leader election
	standbyService := setupStandbyService(app.Config, routerService)

	// Warning service
	warningService := warning.NewInMemoryService()
	warningHandler := warning.NewHandler(warningService)
	messageRouter.Manager().WithWarningService(warningService)

	// In-memory pool/queue stats, mirroring the Prometheus counters already
	// recorded by the pool and consumer, feed the monitoring API below.
	poolMetricsSvc := routermetrics.NewInMemoryPoolMetricsService()
	queueMetricsSvc := routermetrics.NewInMemoryQueueMetricsService()
	messageRouter.Manager().WithPoolMetrics(poolMetricsSvc)
	if consumer := messageRouter.Consumer(); consumer != nil {
		consumer.SetQueueMetrics(queueMetricsSvc, app.Config.Queue.Type)
	}

	monitoringHandler := setupMonitoringHandler(app.Config, poolMetricsSvc, queueMetricsSvc, warningService, messageRouter.Manager().Mediator(), standbyService, queueHealthCheck)

	// HTTP Router
	httpRouter := setupHTTPRouter(healthChecker, standbyService, warningHandler, monitoringHandler)

	// HTTP Server
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", app.Config.HTTP.Port),
		Handler:      httpRouter,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// ========================================
	// 4. SERVICE STARTUP
	// ========================================
	// Build the service list based on configuration
	var services []lifecycle.Service

	// HTTP service (always runs)
	httpService := lifecycle.NewHTTPService("http-server", httpServer)
	services = append(services, httpService)

	// Standby service wraps router lifecycle when leader election is enabled
	if app.Config.Leader.Enabled {
		standbyServiceWrapper := newStandbyServiceWrapper(standbyService)
		services = append(services, standbyServiceWrapper)
	} else {
		// No leader election - run router directly
		services = append(services, routerService)
	}

	slog.Info("Router ready",
		"port", app.Config.HTTP.Port,
		"queueType", app.Config.Queue.Type,
		"leaderElection", app.Config.Leader.Enabled)

	// ========================================
	// 5. RUN UNTIL SHUTDOWN
	// ========================================
	if err := lifecycle.Run(ctx, services...); err != nil {
		slog.Error("Service error", "error", err)
		os.Exit(1)
	}

	slog.Info("FlowCatalyst Message Router stopped")
}

// setupLogging configures the slog default logger.
func setupLogging() {
	logLevel := slog.LevelInfo
	if os.Getenv("FLOWCATALYST_DEV") == "true" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

// setupQueue initializes the queue consumer based on configuration.
// Returns the consumer, a health check function, and any error.
func setupQueue(ctx context.Context, app *lifecycle.App) (queue.Consumer, health.CheckFunc, error) {
	cfg := app.Config

	switch cfg.Queue.Type {
	case "nats":
		return setupNATSQueue(ctx, app)
	case "SQS", "SQS_FIFO":
		return setupSQSQueue(ctx, app)
	case "JMS":
		return setupAMQPQueue(ctx, app)
	case "EMBEDDED", "":
		return setupSQLiteQueue(ctx, app)
	default:
		return nil, nil, fmt.Errorf("unknown queue type: %s (use EMBEDDED, SQS, SQS_FIFO, JMS, or nats)", cfg.Queue.Type)
	}
}

func setupSQLiteQueue(ctx context.Context, app *lifecycle.App) (queue.Consumer, health.CheckFunc, error) {
	cfg := app.Config

	slog.Info("Opening embedded SQLite queue", "path", cfg.Queue.SQLite.Path)

	sqliteClient, err := sqlitequeue.NewClient(&sqlitequeue.Config{
		Path: cfg.Queue.SQLite.Path,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open embedded queue: %w", err)
	}

	app.AddCleanup(func() error {
		slog.Info("Closing embedded SQLite queue")
		return sqliteClient.Close()
	})

	consumer, err := sqliteClient.CreateConsumer(ctx, "router-consumer", "")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create embedded queue consumer: %w", err)
	}

	healthCheck := health.DatabaseCheck("EmbeddedQueue", func() error {
		checkCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return sqliteClient.HealthCheck(checkCtx)
	})

	return consumer, healthCheck, nil
}

func setupAMQPQueue(ctx context.Context, app *lifecycle.App) (queue.Consumer, health.CheckFunc, error) {
	cfg := app.Config

	slog.Info("Connecting to AMQP broker", "queue", cfg.Queue.AMQP.QueueName)

	amqpClient, err := amqpqueue.NewClient(ctx, &amqpqueue.Config{
		URL:       cfg.Queue.AMQP.URL,
		QueueName: cfg.Queue.AMQP.QueueName,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to AMQP broker: %w", err)
	}

	app.AddCleanup(func() error {
		slog.Info("Disconnecting from AMQP broker")
		return amqpClient.Close()
	})

	consumer, err := amqpClient.CreateConsumer(ctx, "router-consumer", "")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create AMQP consumer: %w", err)
	}

	healthCheck := health.AMQPCheck(func() error {
		checkCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return amqpClient.HealthCheck(checkCtx)
	})

	slog.Info("Connected to AMQP broker")
	return consumer, healthCheck, nil
}

func setupNATSQueue(ctx context.Context, app *lifecycle.App) (queue.Consumer, health.CheckFunc, error) {
	cfg := app.Config

	slog.Info("Connecting to NATS server", "url", cfg.Queue.NATS.URL)

	natsClient, err := natsqueue.NewClient(&queue.NATSConfig{
		URL:        cfg.Queue.NATS.URL,
		StreamName: "DISPATCH",
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	// Register cleanup
	app.AddCleanup(func() error {
		slog.Info("Disconnecting from NATS")
		return natsClient.Close()
	})

	consumer, err := natsClient.CreateConsumer(ctx, "router-consumer", "dispatch.>")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create NATS consumer: %w", err)
	}

	healthCheck := health.NATSCheck(func() bool {
		return true // NATS client doesn't expose connection state easily
	})

	slog.Info("Connected to NATS server")
	return consumer, healthCheck, nil
}

func setupSQSQueue(ctx context.Context, app *lifecycle.App) (queue.Consumer, health.CheckFunc, error) {
	cfg := app.Config

	slog.Info("Connecting to AWS SQS",
		"region", cfg.Queue.SQS.Region,
		"queueURL", cfg.Queue.SQS.QueueURL)

	sqsCfg := &queue.SQSConfig{
		QueueURL:            cfg.Queue.SQS.QueueURL,
		Region:              cfg.Queue.SQS.Region,
		WaitTimeSeconds:     int32(cfg.Queue.SQS.WaitTimeSeconds),
		VisibilityTimeout:   int32(cfg.Queue.SQS.VisibilityTimeout),
		MaxNumberOfMessages: 10,
	}

	sqsClient, err := sqsqueue.NewClient(ctx, sqsCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create SQS client: %w", err)
	}

	// Register cleanup
	app.AddCleanup(func() error {
		slog.Info("Disconnecting from SQS")
		return sqsClient.Close()
	})

	consumer, err := sqsClient.CreateConsumer(ctx, "router-consumer", "")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create SQS consumer: %w", err)
	}

	healthCheck := health.SQSCheck(func() error {
		checkCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return sqsClient.HealthCheck(checkCtx)
	})

	slog.Info("Connected to AWS SQS")
	return consumer, healthCheck, nil
}

// setupStandbyService configures leader election.
func setupStandbyService(cfg *config.Config, routerService *manager.RouterService) *standby.Service {
	standbyCfg := &standby.Config{
		Enabled:         cfg.Leader.Enabled,
		InstanceID:      cfg.Leader.InstanceID,
		LockKey:         "flowcatalyst:router:leader",
		LockTTL:         cfg.Leader.TTL,
		RefreshInterval: cfg.Leader.RefreshInterval,
	}

	callbacks := &standby.Callbacks{
		OnBecomePrimary: func() {
			slog.Info("Became PRIMARY - starting message processing")
			routerService.Resume()
		},
		OnBecomeStandby: func() {
			slog.Info("Became STANDBY - stopping message processing")
			routerService.Pause()
		},
	}

	return standby.NewService(standbyCfg, callbacks)
}

// setupHTTPRouter creates the HTTP router with health/metrics endpoints.
func setupHTTPRouter(healthChecker *health.Checker, standbyService *standby.Service, warningHandler *warning.Handler, monitoringHandler *api.MonitoringHandler) http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Health endpoints
	r.Get("/q/health", healthChecker.HandleHealth)
	r.Get("/q/health/live", healthChecker.HandleLive)
	r.Get("/q/health/ready", healthChecker.HandleReady)

	// Prometheus metrics
	r.Handle("/metrics", promhttp.Handler())
	r.Handle("/q/metrics", promhttp.Handler())

	// Standby status endpoint
	r.Get("/router/status", func(w http.ResponseWriter, req *http.Request) {
		status := standbyService.GetStatus()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"role":"%s","instanceId":"%s","standbyEnabled":%v}`,
			standbyService.GetRole(), standbyService.GetInstanceID(), status.StandbyEnabled)
	})

	// Warning endpoints
	warningHandler.RegisterRoutes(r)

	// Monitoring dashboard API. RegisterRoutes registers the full
	// "/monitoring/..." paths on its own mux; chi passes the original,
	// unmodified request path through a Mount, so mounting at "/monitoring"
	// here routes correctly without double-prefixing.
	monitoringMux := http.NewServeMux()
	monitoringHandler.RegisterRoutes(monitoringMux)
	r.Mount("/monitoring", monitoringMux)

	return r
}

// setupMonitoringHandler assembles the monitoring API's health, pool/queue
// stats, warning, circuit-breaker and standby data sources.
func setupMonitoringHandler(
	cfg *config.Config,
	poolMetricsSvc *routermetrics.InMemoryPoolMetricsService,
	queueMetricsSvc *routermetrics.InMemoryQueueMetricsService,
	warningService *warning.InMemoryService,
	httpMediator *mediator.HTTPMediator,
	standbyService *standby.Service,
	queueHealthCheck health.CheckFunc,
) *api.MonitoringHandler {
	poolAdapter := routermetrics.NewHealthPoolAdapter(poolMetricsSvc)
	queueAdapter := routermetrics.NewHealthQueueAdapter(queueMetricsSvc)
	warningAdapter := warning.NewHealthAdapter(warningService)

	infraHealth := routerhealth.NewInfrastructureHealthService(true, poolAdapter)
	infraHealth.SetQueueManagerStatus(true)

	brokerHealth := routerhealth.NewBrokerHealthService(true, routerQueueType(cfg.Queue.Type), &queueBrokerChecker{check: queueHealthCheck})

	healthStatus := routerhealth.NewHealthStatusService(infraHealth, brokerHealth, poolAdapter)
	healthStatus.SetCircuitBreakerGetter(httpMediator)
	healthStatus.SetWarningGetter(warningAdapter)
	healthStatus.SetQueueStatsGetter(queueAdapter)

	handler := api.NewMonitoringHandler(healthStatus, poolAdapter)
	handler.SetQueueMetrics(queueAdapter)
	handler.SetWarningService(warningAdapter, warningAdapter)
	handler.SetCircuitBreakerService(httpMediator, httpMediator)
	handler.SetStandbyService(standbyService)
	return handler
}

// routerQueueType maps the configured queue type to the health package's enum.
func routerQueueType(queueType string) routerhealth.QueueType {
	switch queueType {
	case "SQS", "SQS_FIFO":
		return routerhealth.QueueTypeSQS
	case "nats":
		return routerhealth.QueueTypeNATS
	case "JMS":
		return routerhealth.QueueTypeActiveMQ
	default:
		return routerhealth.QueueTypeEmbedded
	}
}

// queueBrokerChecker adapts the queue's existing lifecycle health check into
// the health package's broker connectivity interface, so the monitoring API
// reuses the same check the readiness probe already runs instead of a second
// broker-specific client.
type queueBrokerChecker struct {
	check health.CheckFunc
}

func (c *queueBrokerChecker) CheckConnectivity(ctx context.Context) error {
	if c.check == nil {
		return nil
	}
	if result := c.check(); result.Status != health.StatusUp {
		return fmt.Errorf("queue health check reported status %s", result.Status)
	}
	return nil
}

func (c *queueBrokerChecker) CheckQueueAccessible(ctx context.Context, queueName string) error {
	return c.CheckConnectivity(ctx)
}

// standbyServiceWrapper wraps standby.Service to implement lifecycle.Service.
type standbyServiceWrapper struct {
	service *standby.Service
}

func newStandbyServiceWrapper(svc *standby.Service) *standbyServiceWrapper {
	return &standbyServiceWrapper{service: svc}
}

func (s *standbyServiceWrapper) Name() string { return "standby-service" }

func (s *standbyServiceWrapper) Start(ctx context.Context) error {
	if err := s.service.Start(); err != nil {
		return err
	}
	// Block until context cancelled
	<-ctx.Done()
	return nil
}

func (s *standbyServiceWrapper) Stop(ctx context.Context) error {
	s.service.Stop()
	return nil
}

func (s *standbyServiceWrapper) Health() error {
	return nil
}
