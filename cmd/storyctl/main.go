// Command storyctl drives the story API from a terminal: create a story,
// illustrate it and watch the progress.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"storybook-server/internal/logger"
	"storybook-server/internal/models"
	"storybook-server/internal/progress"
	"storybook-server/internal/remote"
)

const usage = `usage: storyctl <command> [flags]

commands:
  create      write a new story
  illustrate  generate illustrations for a story's pages
  watch       poll a story until its illustrations finish

environment:
  STORYBOOK_API_URL   API base URL (default http://localhost:8080)
  STORYBOOK_TOKEN     bearer token; when empty one is minted from JWT_SECRET and STORYBOOK_USER_ID
`

// env is the connection setup shared by every command.
type env struct {
	baseURL string
	token   string
	log     *zap.Logger
}

func main() {
	_ = godotenv.Load()
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	log, err := logger.New(logger.Config{Level: envOr("LOG_LEVEL", "warn"), Encoding: "console", Service: "storyctl"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	e, err := loadEnv(log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "storyctl: %v\n", err)
		os.Exit(1)
	}

	var run func(context.Context, *env, []string) error
	switch os.Args[1] {
	case "create":
		run = runCreate
	case "illustrate":
		run = runIllustrate
	case "watch":
		run = runWatch
	case "-h", "--help", "help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}

	if err := run(ctx, e, os.Args[2:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "storyctl %s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

func loadEnv(log *zap.Logger) (*env, error) {
	e := &env{
		baseURL: envOr("STORYBOOK_API_URL", "http://localhost:8080"),
		token:   os.Getenv("STORYBOOK_TOKEN"),
		log:     log,
	}
	if e.token != "" {
		return e, nil
	}

	secret := os.Getenv("JWT_SECRET")
	rawUser := os.Getenv("STORYBOOK_USER_ID")
	if secret == "" || rawUser == "" {
		return nil, errors.New("set STORYBOOK_TOKEN, or JWT_SECRET and STORYBOOK_USER_ID")
	}
	userID, err := uuid.Parse(rawUser)
	if err != nil {
		return nil, fmt.Errorf("invalid STORYBOOK_USER_ID: %w", err)
	}
	token, err := mintToken(secret, userID, time.Hour, time.Now())
	if err != nil {
		return nil, err
	}
	e.token = token
	return e, nil
}

// mintToken signs a short-lived HS256 access token for local use.
func mintToken(secret string, userID uuid.UUID, ttl time.Duration, now time.Time) (string, error) {
	claims := models.Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   userID.String(),
			Issuer:    "storyctl",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// client builds an API client whose single attempt may take up to timeout.
func (e *env) client(timeout time.Duration, attempts int) *progress.Client {
	caller := remote.New(&http.Client{}, remote.Config{
		Timeout:     timeout,
		MaxAttempts: attempts,
		BaseBackoff: 500 * time.Millisecond,
	}, e.log)
	return progress.NewClient(e.baseURL, e.token, caller)
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
