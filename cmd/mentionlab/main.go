// Mentionlab orchestrator server — schedules and submits provider batches,
// routes change events, and serves the operational HTTP API.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/mentionlab/mentionlab/pkg/api"
	"github.com/mentionlab/mentionlab/pkg/batch"
	"github.com/mentionlab/mentionlab/pkg/cleanup"
	"github.com/mentionlab/mentionlab/pkg/config"
	"github.com/mentionlab/mentionlab/pkg/database"
	"github.com/mentionlab/mentionlab/pkg/entitlement"
	"github.com/mentionlab/mentionlab/pkg/jobs"
	"github.com/mentionlab/mentionlab/pkg/notify"
	"github.com/mentionlab/mentionlab/pkg/provider"
	"github.com/mentionlab/mentionlab/pkg/provider/openai"
	"github.com/mentionlab/mentionlab/pkg/provider/vertex"
	"github.com/mentionlab/mentionlab/pkg/ratelimit"
	"github.com/mentionlab/mentionlab/pkg/router"
	"github.com/mentionlab/mentionlab/pkg/scheduler"
	"github.com/mentionlab/mentionlab/pkg/services"
	"github.com/mentionlab/mentionlab/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// resolvePodID determines the pod identifier for multi-replica coordination.
// Priority: POD_ID env > HOSTNAME env > "local"
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
	// Parse command-line flags
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

	slog.Info("Starting mentionlab",
		"version", version.Full(),
		"http_port", httpPort,
		"pod_id", podID,
		"config_dir", *configDir)

	ctx := context.Background()

	// 1. Initialize configuration
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	// 2. Initialize database
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}

	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer closeCancel()
		if err := dbClient.Close(closeCtx); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()

	if err := dbClient.BootstrapSharedIndexes(ctx); err != nil {
		slog.Error("Failed to bootstrap shared indexes", "error", err)
		os.Exit(1)
	}
	slog.Info("Connected to MongoDB", "database", dbConfig.Database)

	// 3. Connect Redis (rate limiting, submission locks, health)
	redisOpts, err := redis.ParseURL(getEnv("REDIS_URL", "redis://localhost:6379"))
	if err != nil {
		slog.Error("Failed to parse REDIS_URL", "error", err)
		os.Exit(1)
	}
	redisClient := redis.NewClient(redisOpts)
	defer func() {
		if err := redisClient.Close(); err != nil {
			slog.Error("Error closing redis client", "error", err)
		}
	}()

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		pingCancel()
		slog.Error("Failed to connect to redis", "addr", redisOpts.Addr, "error", err)
		os.Exit(1)
	}
	pingCancel()
	slog.Info("Connected to Redis", "addr", redisOpts.Addr)

	// 4. Domain services
	workspaces := services.NewWorkspaceService(dbClient)
	billing := services.NewBillingService(dbClient)
	engine := entitlement.NewEngine(dbClient, slog.Default())
	prompts := services.NewPromptService(dbClient, engine)
	brands := services.NewBrandService(dbClient, engine)
	batches := services.NewBatchService(dbClient)
	answers := services.NewAnswerService(dbClient)
	notifications := services.NewNotificationService(dbClient)
	history := services.NewJobHistoryService(dbClient)
	slog.Info("Services initialized")

	// 5. Provider registry. A provider without credentials is skipped, not
	// fatal: deployments may run openai-only or vertex-only.
	registry := provider.NewRegistry()
	if cfg.Providers.OpenAI.Enabled() {
		registry.Register(openai.New(cfg.Providers.OpenAI))
		slog.Info("OpenAI provider registered")
	} else {
		slog.Warn("OpenAI provider disabled, no API key configured")
	}
	if cfg.Providers.Vertex.Enabled() {
		vertexProvider, err := vertex.New(ctx, cfg.Providers.Vertex)
		if err != nil {
			slog.Error("Failed to initialize Vertex provider", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := vertexProvider.Close(); err != nil {
				slog.Error("Error closing vertex provider", "error", err)
			}
		}()
		registry.Register(vertexProvider)
		slog.Info("Vertex provider registered",
			"project", cfg.Providers.Vertex.ProjectID,
			"region", cfg.Providers.Vertex.Region)
	} else {
		slog.Warn("Vertex provider disabled, project/region/bucket not configured")
	}
	if len(registry.Tags()) == 0 {
		slog.Warn("No providers configured; batches will not be submitted")
	}

	// 6. Scheduler, batch runner, job registration
	sched := scheduler.New(dbClient, cfg.Scheduler, podID)
	runner := batch.NewRunner(batch.Deps{
		Config:    cfg.Batch,
		Scheduler: sched,
		Providers: registry,
		Limiter:   ratelimit.NewLimiter(redisClient, cfg.RateLimits),
		Locker:    ratelimit.NewLocker(redisClient),
		Engine:    engine,

		Workspaces:    workspaces,
		Billing:       billing,
		Prompts:       prompts,
		Brands:        brands,
		Batches:       batches,
		Answers:       answers,
		Notifications: notifications,
		History:       history,
	})
	jobs.Register(sched, runner, cfg.Batch)
	if err := jobs.EnqueueRepeating(ctx, sched, cfg.Batch); err != nil {
		slog.Error("Failed to enqueue repeating jobs", "error", err)
		os.Exit(1)
	}

	// 7. Release locks a previous incarnation of this pod left behind, then
	// start the worker pool (before the router so routed events find workers)
	if err := scheduler.ReleaseStartupLocks(ctx, dbClient, podID); err != nil {
		slog.Error("Failed to release startup locks", "error", err)
		os.Exit(1)
	}

	pool := scheduler.NewPool(sched, cfg.Scheduler)
	if err := pool.Start(ctx); err != nil {
		slog.Error("Failed to start worker pool", "error", err)
		os.Exit(1)
	}

	// 8. Change stream router
	changeRouter := router.New(dbClient, sched, workspaces, cfg.Router, podID)
	if err := changeRouter.Bootstrap(ctx); err != nil {
		slog.Error("Failed to bootstrap listener rules", "error", err)
		os.Exit(1)
	}
	if err := changeRouter.Start(ctx); err != nil {
		slog.Error("Failed to start change router", "error", err)
		os.Exit(1)
	}

	// 9. Pub/Sub completion listener (vertex only)
	var listener *notify.Listener
	if cfg.Providers.Vertex.ListenerEnabled() {
		pubsubClient, err := pubsub.NewClient(ctx, cfg.Providers.Vertex.ProjectID)
		if err != nil {
			slog.Error("Failed to create pubsub client", "error", err)
			os.Exit(1)
		}
		defer func() {
			if err := pubsubClient.Close(); err != nil {
				slog.Error("Error closing pubsub client", "error", err)
			}
		}()

		listener = notify.New(
			pubsubClient.Subscription(cfg.Providers.Vertex.PubSubSubscription),
			notifications,
			cfg.Providers.Vertex,
		)
		listener.Start(ctx)
	} else {
		slog.Info("Pub/Sub completion listener disabled; relying on polling and webhooks")
	}

	// 10. Retention cleanup
	cleaner := cleanup.NewService(cleanup.Deps{
		Config:        cfg.Retention,
		Scheduler:     sched,
		Workspaces:    workspaces,
		Billing:       billing,
		Answers:       answers,
		Histories:     history,
		Notifications: notifications,
		Batches:       batches,
	})
	cleaner.Start(ctx)

	// 11. HTTP server (non-blocking)
	httpServer := api.New(api.Deps{
		DB:            dbClient,
		Redis:         redisClient,
		Scheduler:     sched,
		Pool:          pool,
		Notifications: notifications,
		WebhookToken:  os.Getenv("BATCH_WEBHOOK_TOKEN"),
	})

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + httpPort
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	stats := cfg.Stats()
	slog.Info("Mentionlab started successfully",
		"pod_id", podID,
		"workers", cfg.Scheduler.WorkerCount,
		"providers", registry.Tags(),
		"rate_limit_rules", stats.RateLimitRules)

	// 12. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 13. Graceful shutdown. Intake stops first so no new jobs are routed,
	// then workers drain, then the HTTP surface goes down.
	changeRouter.Stop()
	if listener != nil {
		listener.Stop()
	}
	cleaner.Stop()

	if pool.StopWithTimeout(cfg.Scheduler.GracefulShutdownTimeout) {
		slog.Info("Worker pool stopped gracefully")
	} else {
		slog.Warn("Shutdown timeout exceeded — abandoned locks will expire and jobs will be retried")
	}

	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
