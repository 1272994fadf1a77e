package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"storybook-server/internal/blobstore"
	"storybook-server/internal/cache"
	"storybook-server/internal/config"
	"storybook-server/internal/handler"
	"storybook-server/internal/illustration"
	"storybook-server/internal/logger"
	"storybook-server/internal/messaging"
	"storybook-server/internal/middleware"
	"storybook-server/internal/repository"
	"storybook-server/internal/service"
	"storybook-server/internal/storygen"
	"storybook-server/internal/taskmanager"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Logger)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	zap.ReplaceGlobals(log)
	log.Info("Configuration loaded", zap.String("env", cfg.AppEnv), zap.String("port", cfg.Port))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Storage ---
	pool, err := setupPostgres(ctx, cfg.Database, log)
	if err != nil {
		log.Fatal("Failed to connect to PostgreSQL", zap.Error(err))
	}
	defer pool.Close()

	if cfg.Database.MigrateOnStart {
		if err := repository.NewMigrator(pool, log).Up(ctx); err != nil {
			log.Fatal("Failed to apply migrations", zap.Error(err))
		}
	}

	storyRepo := repository.NewPgStoryRepository(pool, log)
	illustrationRepo := repository.NewPgIllustrationRepository(pool, log)

	var storyCache cache.StoryCache = cache.NoopStoryCache{}
	redisClient, err := setupRedis(ctx, cfg.Redis, log)
	if err != nil {
		log.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	if redisClient != nil {
		defer redisClient.Close()
		storyCache = cache.NewRedisStoryCache(redisClient, cfg.Redis.StoryTTL, log)
	}

	var publisher messaging.Publisher = messaging.NoopPublisher{}
	if cfg.RabbitMQ.URL != "" {
		conn, err := messaging.DialRabbitMQ(ctx, cfg.RabbitMQ.URL, 10, 3*time.Second, log)
		if err != nil {
			log.Fatal("Failed to connect to RabbitMQ", zap.Error(err))
		}
		defer conn.Close()
		rmq, err := messaging.NewRabbitMQPublisher(conn, cfg.RabbitMQ.Exchange, log)
		if err != nil {
			log.Fatal("Failed to create RabbitMQ publisher", zap.Error(err))
		}
		defer func() { _ = rmq.Close() }()
		publisher = rmq
	} else {
		log.Info("RABBITMQ_URL not set, story events are not published")
	}

	blobs, closeBlobs, err := setupBlobStore(ctx, cfg.Blob, log)
	if err != nil {
		log.Fatal("Failed to set up blob storage", zap.Error(err))
	}
	defer closeBlobs()

	// --- Pipeline ---
	var batches service.BatchRunner
	if orchestrator, err := setupOrchestrator(cfg, storyRepo, illustrationRepo, blobs, storyCache, publisher, log); err != nil {
		log.Warn("Image generation disabled, batch requests will answer 503", zap.Error(err))
	} else {
		batches = orchestrator
	}

	completer, err := setupTextBackend(cfg.Text)
	if err != nil {
		log.Fatal("Failed to set up story text backend", zap.Error(err))
	}
	writer := storygen.NewStoryWriter(completer, cfg.Text.Timeout, log)

	tasks := taskmanager.New(taskmanager.Config{MaxActive: cfg.Text.MaxActiveTasks}, log)
	go tasks.RunJanitor(ctx, 10*time.Minute, time.Hour)

	storyService := service.NewStoryService(storyRepo, illustrationRepo, writer, tasks, batches, storyCache, publisher, log)

	// --- HTTP ---
	gin.SetMode(gin.ReleaseMode)
	if cfg.AppEnv == "development" {
		gin.SetMode(gin.DebugMode)
	}
	verifier := middleware.NewTokenVerifier(cfg.Auth.JWTSecret, log)
	storyHandler := handler.NewStoryHandler(storyService, log)
	router := setupRouter(cfg, log, storyHandler, middleware.Auth(verifier), batchRateLimiter(redisClient, cfg.Redis.BatchRateLimit, log))

	writeTimeout := cfg.ServerWriteTimeout(service.MaxPages)
	if batchBound := cfg.BatchDuration(service.MaxPages); writeTimeout < batchBound {
		log.Warn("HTTP write timeout is shorter than the worst-case illustration batch",
			zap.Duration("write_timeout", writeTimeout),
			zap.Duration("batch_bound", batchBound),
		)
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		log.Info("Starting HTTP server", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server listen error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server forced to shutdown", zap.Error(err))
	}
	if err := tasks.Shutdown(shutdownCtx); err != nil {
		log.Warn("Background tasks did not finish in time", zap.Error(err))
	}
	log.Info("Server exited")
}

func setupOrchestrator(
	cfg *config.Config,
	stories repository.StoryRepository,
	variants repository.IllustrationRepository,
	blobs blobstore.Uploader,
	storyCache cache.StoryCache,
	publisher messaging.Publisher,
	log *zap.Logger,
) (*illustration.Orchestrator, error) {
	images, err := setupImageClient(cfg, log)
	if err != nil {
		return nil, err
	}
	policy, err := illustration.PolicyByName(cfg.Illustration.StatusPolicy)
	if err != nil {
		return nil, err
	}
	worker := illustration.NewWorker(images, blobs, variants, log)
	return illustration.NewOrchestrator(stories, worker, storyCache, publisher, policy, cfg.Illustration.Limit(), log), nil
}
