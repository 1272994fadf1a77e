package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	ratelimit "github.com/JGLTechnologies/gin-rate-limit"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"storybook-server/internal/blobstore"
	"storybook-server/internal/config"
	"storybook-server/internal/imagegen"
	"storybook-server/internal/middleware"
	"storybook-server/internal/models"
	"storybook-server/internal/remote"
	"storybook-server/internal/storygen"
)

const (
	connectAttempts = 20
	connectDelay    = 3 * time.Second
)

// setupPostgres opens the pool, retrying until the database answers a ping.
func setupPostgres(ctx context.Context, cfg config.DatabaseConfig, log *zap.Logger) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse postgres config: %w", err)
	}
	poolConfig.MaxConns = cfg.MaxConns
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	var lastErr error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
		if err == nil {
			err = pool.Ping(connectCtx)
			if err != nil {
				pool.Close()
			}
		}
		cancel()
		if err == nil {
			log.Info("Connected to PostgreSQL", zap.Int("attempt", attempt))
			return pool, nil
		}

		lastErr = err
		log.Warn("PostgreSQL not ready, retrying...", zap.Int("attempt", attempt), zap.Error(err))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(connectDelay):
		}
	}
	return nil, fmt.Errorf("failed to connect to postgres after %d attempts: %w", connectAttempts, lastErr)
}

// setupRedis returns nil when Redis is not configured.
func setupRedis(ctx context.Context, cfg config.RedisConfig, log *zap.Logger) (*redis.Client, error) {
	if cfg.Addr == "" {
		log.Info("REDIS_ADDR not set, story cache disabled and rate limits kept in memory")
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})

	var lastErr error
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		lastErr = client.Ping(pingCtx).Err()
		cancel()
		if lastErr == nil {
			log.Info("Connected to Redis", zap.String("addr", cfg.Addr), zap.Int("attempt", attempt))
			return client, nil
		}
		log.Warn("Redis not ready, retrying...", zap.Int("attempt", attempt), zap.Error(lastErr))
		select {
		case <-ctx.Done():
			_ = client.Close()
			return nil, ctx.Err()
		case <-time.After(connectDelay):
		}
	}
	_ = client.Close()
	return nil, fmt.Errorf("failed to connect to redis after %d attempts: %w", connectAttempts, lastErr)
}

func setupBlobStore(ctx context.Context, cfg config.BlobConfig, log *zap.Logger) (blobstore.Uploader, func(), error) {
	if cfg.Backend == "gcs" {
		store, err := blobstore.NewGCSStore(ctx, blobstore.GCSConfig{
			Bucket:          cfg.GCSBucket,
			CredentialsFile: cfg.GCSCredentialsFile,
			PublicBaseURL:   cfg.GCSPublicBaseURL,
		}, log)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	}
	store, err := blobstore.NewLocalStore(cfg.LocalPath, cfg.PublicBaseURL, log)
	if err != nil {
		return nil, nil, err
	}
	return store, func() {}, nil
}

// setupImageClient fails when the image service has no credentials.
func setupImageClient(cfg *config.Config, log *zap.Logger) (*imagegen.Client, error) {
	if !cfg.Image.Configured() {
		return nil, fmt.Errorf("%w: IMAGE_API_KEY is empty", imagegen.ErrNotConfigured)
	}
	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConnsPerHost: cfg.Illustration.Limit(),
			IdleConnTimeout:     90 * time.Second,
		},
	}
	caller := remote.New(httpClient, remote.Config{
		Timeout:     cfg.Image.RequestTimeout(),
		MaxAttempts: cfg.Image.Attempts(),
		BaseBackoff: cfg.Image.BaseBackoff(),
	}, log)
	log.Info("Image service configured",
		zap.String("model", cfg.Image.Model),
		zap.Duration("request_timeout", cfg.Image.RequestTimeout()),
		zap.Int("max_attempts", cfg.Image.Attempts()),
		zap.Duration("base_backoff", cfg.Image.BaseBackoff()),
		zap.Int("concurrency", cfg.Illustration.Limit()),
	)
	return imagegen.NewClient(caller, imagegen.Config{
		BaseURL:    cfg.Image.BaseURL,
		APIKey:     cfg.Image.APIKey,
		Model:      cfg.Image.Model,
		Quality:    cfg.Image.Quality,
		Moderation: cfg.Image.Moderation,
		Size:       cfg.Image.Size,
		StyleHint:  cfg.Image.StyleHint,
	}, log)
}

func setupTextBackend(cfg config.TextConfig) (storygen.Completer, error) {
	if cfg.Backend == "ollama" {
		return storygen.NewOllamaCompleter(cfg.OllamaURL, cfg.OllamaModel, cfg.Temperature, &http.Client{Timeout: cfg.Timeout})
	}
	return storygen.NewOpenAICompleter(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.OpenAIModel, cfg.Temperature)
}

// batchRateLimiter limits illustration batches per user per minute, in Redis
// when available.
func batchRateLimiter(client *redis.Client, perMinute int, log *zap.Logger) gin.HandlerFunc {
	if perMinute <= 0 {
		return nil
	}
	var store ratelimit.Store
	if client != nil {
		store = ratelimit.RedisStore(&ratelimit.RedisOptions{RedisClient: client, Rate: time.Minute, Limit: uint(perMinute)})
	} else {
		store = ratelimit.InMemoryStore(&ratelimit.InMemoryOptions{Rate: time.Minute, Limit: uint(perMinute)})
	}
	return ratelimit.RateLimiter(store, &ratelimit.Options{
		ErrorHandler: func(c *gin.Context, info ratelimit.Info) {
			log.Warn("Batch rate limit exceeded",
				zap.String("path", c.Request.URL.Path),
				zap.Time("reset_time", info.ResetTime),
			)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, models.ErrorResponse{
				Code:    models.ErrCodeTooManyRequests,
				Message: "Too many illustration batches. Try again in " + time.Until(info.ResetTime).Round(time.Second).String(),
			})
		},
		KeyFunc: func(c *gin.Context) string {
			if userID, ok := middleware.UserID(c); ok {
				return "batch:" + userID.String()
			}
			return "batch:" + strings.TrimSpace(c.ClientIP())
		},
	})
}
