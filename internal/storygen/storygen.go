// Package storygen writes story text: a title plus per-page text and
// illustration prompts, produced by a chat model.
package storygen

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"storybook-server/internal/models"
)

// ErrGenerationFailed wraps every failure of a text backend.
var ErrGenerationFailed = errors.New("story text generation failed")

// Request describes the story to write.
type Request struct {
	Theme     string
	Language  string
	PageCount int
	Cast      []models.WorldElement
}

// Generator produces a story draft.
type Generator interface {
	Generate(ctx context.Context, req Request) (models.StoryDraft, error)
}

// Usage is the token usage reported (or estimated) for one completion.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// Completer is one chat-model backend.
type Completer interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, Usage, error)
	Model() string
}

// StoryWriter builds prompts, calls a Completer and validates its answer.
type StoryWriter struct {
	backend Completer
	timeout time.Duration
	logger  *zap.Logger
}

var _ Generator = (*StoryWriter)(nil)

// NewStoryWriter creates a StoryWriter. timeout bounds a single completion.
func NewStoryWriter(backend Completer, timeout time.Duration, logger *zap.Logger) *StoryWriter {
	return &StoryWriter{backend: backend, timeout: timeout, logger: logger.Named("StoryWriter")}
}

// Generate implements Generator.
func (w *StoryWriter) Generate(ctx context.Context, req Request) (models.StoryDraft, error) {
	system := systemPrompt(req.Language)
	user := userPrompt(req)
	model := w.backend.Model()

	log := w.logger.With(zap.String("model", model), zap.Int("pages", req.PageCount))
	estimate := EstimateTokens(model, system) + EstimateTokens(model, user)
	promptTokensEstimate.WithLabelValues(model).Observe(float64(estimate))
	log.Debug("Requesting story text", zap.Int("prompt_tokens_estimate", estimate))

	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}

	start := time.Now()
	raw, usage, err := w.backend.Complete(ctx, system, user)
	textRequestDuration.WithLabelValues(model).Observe(time.Since(start).Seconds())
	if err != nil {
		textRequestsTotal.WithLabelValues(model, "error").Inc()
		log.Error("Text backend call failed", zap.Error(err))
		return models.StoryDraft{}, fmt.Errorf("%w: %w", ErrGenerationFailed, err)
	}
	if usage.CompletionTokens > 0 {
		completionTokens.WithLabelValues(model).Observe(float64(usage.CompletionTokens))
	}

	draft, err := ParseDraft(raw, req.PageCount)
	if err != nil {
		textRequestsTotal.WithLabelValues(model, "invalid").Inc()
		log.Warn("Text backend returned an unusable draft", zap.Error(err), zap.Int("response_len", len(raw)))
		return models.StoryDraft{}, fmt.Errorf("%w: %w", ErrGenerationFailed, err)
	}

	textRequestsTotal.WithLabelValues(model, "success").Inc()
	log.Info("Story text generated",
		zap.String("title", draft.Title),
		zap.Int("prompt_tokens", usage.PromptTokens),
		zap.Int("completion_tokens", usage.CompletionTokens),
		zap.Duration("elapsed", time.Since(start)),
	)
	return draft, nil
}
