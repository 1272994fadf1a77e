package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"

	"storybook-server/internal/logger"
	"storybook-server/internal/remote"
)

// Remote caller defaults, used when the env value is unset, non-numeric or non-positive.
const (
	DefaultRequestTimeout   = 120 * time.Second
	DefaultMaxAttempts      = 5
	DefaultBaseBackoff      = 1500 * time.Millisecond
	DefaultConcurrencyLimit = 5
)

// Config holds the whole server configuration.
type Config struct {
	AppEnv string `env:"APP_ENV" env-default:"development"`
	Port   string `env:"SERVER_PORT" env-default:"8080"`

	Logger       logger.Config
	Database     DatabaseConfig
	Redis        RedisConfig
	RabbitMQ     RabbitMQConfig
	Image        ImageConfig
	Illustration IllustrationConfig
	Blob         BlobConfig
	Text         TextConfig
	Auth         AuthConfig
	HTTP         HTTPConfig
}

// DatabaseConfig configures the PostgreSQL pool.
type DatabaseConfig struct {
	URL             string        `env:"DATABASE_URL" env-required:"true"`
	MaxConns        int32         `env:"DB_MAX_CONNS" env-default:"10"`
	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" env-default:"5m"`
	MigrateOnStart  bool          `env:"DB_MIGRATE_ON_START" env-default:"true"`
}

// RedisConfig is optional; an empty Addr disables caching and rate limiting.
type RedisConfig struct {
	Addr           string        `env:"REDIS_ADDR" env-default:""`
	Password       string        `env:"REDIS_PASSWORD" env-default:""`
	DB             int           `env:"REDIS_DB" env-default:"0"`
	StoryTTL       time.Duration `env:"REDIS_STORY_TTL" env-default:"30s"`
	BatchRateLimit int           `env:"BATCH_RATE_LIMIT_PER_MINUTE" env-default:"10"`
}

// RabbitMQConfig is optional; an empty URL disables event publishing.
type RabbitMQConfig struct {
	URL      string `env:"RABBITMQ_URL" env-default:""`
	Exchange string `env:"RABBITMQ_EVENTS_EXCHANGE" env-default:"story_events"`
}

// ImageConfig configures the image-generation service.
type ImageConfig struct {
	BaseURL    string `env:"IMAGE_API_BASE_URL" env-default:"https://api.openai.com"`
	APIKey     string `env:"IMAGE_API_KEY" env-default:""`
	Model      string `env:"IMAGE_MODEL" env-default:"gpt-image-1"`
	Quality    string `env:"IMAGE_QUALITY" env-default:"medium"`
	Moderation string `env:"IMAGE_MODERATION" env-default:"low"`
	Size       string `env:"IMAGE_SIZE" env-default:"1024x1536"`
	StyleHint  string `env:"IMAGE_PROMPT_STYLE_SUFFIX" env-default:", children's picture book illustration, soft watercolor textures, warm palette, consistent character design"`

	// Read as strings so that garbage falls back to defaults instead of failing startup.
	RequestTimeoutMS string `env:"IMAGE_REQUEST_TIMEOUT_MS" env-default:""`
	MaxAttempts      string `env:"IMAGE_MAX_ATTEMPTS" env-default:""`
	BaseBackoffMS    string `env:"IMAGE_RETRY_BASE_BACKOFF_MS" env-default:""`
}

// RequestTimeout returns the per-attempt deadline.
func (c ImageConfig) RequestTimeout() time.Duration {
	return millisOrDefault(c.RequestTimeoutMS, DefaultRequestTimeout)
}

// Attempts returns the total number of attempts per call.
func (c ImageConfig) Attempts() int {
	return positiveIntOrDefault(c.MaxAttempts, DefaultMaxAttempts)
}

// BaseBackoff returns the linear backoff unit.
func (c ImageConfig) BaseBackoff() time.Duration {
	return millisOrDefault(c.BaseBackoffMS, DefaultBaseBackoff)
}

// CallBudget is the longest a single image call may take through the remote
// caller: every attempt hitting its deadline plus every backoff with maximum
// jitter.
func (c ImageConfig) CallBudget() time.Duration {
	attempts := c.Attempts()
	total := time.Duration(attempts) * c.RequestTimeout()
	for a := 1; a < attempts; a++ {
		total += c.BaseBackoff()*time.Duration(a) + remote.DefaultMaxJitter
	}
	return total
}

// Configured reports whether credentials for the image service are present.
func (c ImageConfig) Configured() bool {
	return strings.TrimSpace(c.APIKey) != ""
}

// IllustrationConfig configures the batch pipeline.
type IllustrationConfig struct {
	Concurrency  string `env:"ILLUSTRATION_CONCURRENCY" env-default:""`
	StatusPolicy string `env:"STORY_STATUS_POLICY" env-default:"ternary"`
}

// Limit returns the dispatcher concurrency.
func (c IllustrationConfig) Limit() int {
	return positiveIntOrDefault(c.Concurrency, DefaultConcurrencyLimit)
}

// BlobConfig selects and configures the blob storage backend.
type BlobConfig struct {
	Backend string `env:"BLOB_BACKEND" env-default:"local"` // local | gcs

	LocalPath     string `env:"IMAGE_SAVE_PATH" env-default:"./data/images"`
	PublicBaseURL string `env:"IMAGE_PUBLIC_BASE_URL" env-default:"http://localhost:8080/images"`

	GCSBucket          string `env:"GCS_BUCKET" env-default:""`
	GCSCredentialsFile string `env:"GCS_CREDENTIALS_FILE" env-default:""`
	GCSPublicBaseURL   string `env:"GCS_PUBLIC_BASE_URL" env-default:"https://storage.googleapis.com"`
}

// TextConfig selects the story text generation backend.
type TextConfig struct {
	Backend        string        `env:"TEXT_BACKEND" env-default:"openai"` // openai | ollama
	OpenAIAPIKey   string        `env:"OPENAI_API_KEY" env-default:""`
	OpenAIBaseURL  string        `env:"OPENAI_BASE_URL" env-default:""`
	OpenAIModel    string        `env:"OPENAI_MODEL" env-default:"gpt-4o-mini"`
	OllamaURL      string        `env:"OLLAMA_URL" env-default:"http://localhost:11434"`
	OllamaModel    string        `env:"OLLAMA_MODEL" env-default:"llama3.1"`
	Temperature    float64       `env:"TEXT_TEMPERATURE" env-default:"0.8"`
	Timeout        time.Duration `env:"TEXT_TIMEOUT" env-default:"180s"`
	MaxActiveTasks int           `env:"TEXT_MAX_ACTIVE_TASKS" env-default:"20"`
}

// AuthConfig configures JWT verification.
type AuthConfig struct {
	JWTSecret string `env:"JWT_SECRET" env-required:"true"`
}

// HTTPConfig configures the HTTP server.
type HTTPConfig struct {
	ReadTimeout        time.Duration `env:"HTTP_READ_TIMEOUT" env-default:"15s"`
	WriteTimeout       time.Duration `env:"HTTP_WRITE_TIMEOUT" env-default:"0s"` // 0 derives it from the image knobs
	IdleTimeout        time.Duration `env:"HTTP_IDLE_TIMEOUT" env-default:"60s"`
	ShutdownTimeout    time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" env-default:"30s"`
	CORSAllowedOrigins []string      `env:"CORS_ALLOWED_ORIGINS" env-separator:"," env-default:"*"`
}

// pageSlack covers the upload and database writes of one page.
const pageSlack = 30 * time.Second

// BatchDuration bounds one synchronous illustration batch of maxPages pages:
// ceil(maxPages/limit) waves, each one image CallBudget plus pageSlack.
func (c *Config) BatchDuration(maxPages int) time.Duration {
	limit := c.Illustration.Limit()
	waves := (maxPages + limit - 1) / limit
	if waves < 1 {
		waves = 1
	}
	return time.Duration(waves) * (c.Image.CallBudget() + pageSlack)
}

// ServerWriteTimeout is HTTP_WRITE_TIMEOUT when set, else BatchDuration plus
// a minute so the batch response can still be written.
func (c *Config) ServerWriteTimeout(maxPages int) time.Duration {
	if c.HTTP.WriteTimeout > 0 {
		return c.HTTP.WriteTimeout
	}
	return c.BatchDuration(maxPages) + time.Minute
}

// Load reads .env (if present) and the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("error loading configuration: %w", err)
	}

	switch cfg.Illustration.StatusPolicy {
	case "ternary", "all_or_nothing":
	default:
		return nil, fmt.Errorf("invalid STORY_STATUS_POLICY %q", cfg.Illustration.StatusPolicy)
	}
	switch cfg.Blob.Backend {
	case "local":
	case "gcs":
		if cfg.Blob.GCSBucket == "" {
			return nil, fmt.Errorf("GCS_BUCKET is required when BLOB_BACKEND=gcs")
		}
	default:
		return nil, fmt.Errorf("invalid BLOB_BACKEND %q", cfg.Blob.Backend)
	}
	switch cfg.Text.Backend {
	case "openai", "ollama":
	default:
		return nil, fmt.Errorf("invalid TEXT_BACKEND %q", cfg.Text.Backend)
	}

	return &cfg, nil
}

func positiveIntOrDefault(raw string, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func millisOrDefault(raw string, def time.Duration) time.Duration {
	n := positiveIntOrDefault(raw, 0)
	if n == 0 {
		return def
	}
	return time.Duration(n) * time.Millisecond
}
