package illustration

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"storybook-server/internal/cache"
	"storybook-server/internal/dispatch"
	"storybook-server/internal/messaging"
	"storybook-server/internal/models"
	"storybook-server/internal/repository"
)

// ErrBatchInProgress is returned when a batch for the same story is already running in this process.
var ErrBatchInProgress = fmt.Errorf("%w: an illustration batch is already running for this story", models.ErrConflict)

// Batch is one illustration request for a story.
type Batch struct {
	UserID  uuid.UUID
	StoryID uuid.UUID
	// Items are dispatched to the worker.
	Items []models.GenerationRequestItem
	// Settled results were decided before dispatch (skipped or rejected
	// pages). They are returned and aggregated but never dispatched.
	Settled []models.GenerationResultItem
}

// Orchestrator runs batches through the dispatcher and writes the story's terminal status.
type Orchestrator struct {
	stories   repository.StoryRepository
	worker    PageIllustrator
	cache     cache.StoryCache
	publisher messaging.Publisher
	policy    StatusPolicy
	limit     int
	logger    *zap.Logger

	mu      sync.Mutex
	running map[uuid.UUID]struct{}
}

// NewOrchestrator creates an Orchestrator. limit caps concurrent page pipelines per batch.
func NewOrchestrator(
	stories repository.StoryRepository,
	worker PageIllustrator,
	storyCache cache.StoryCache,
	publisher messaging.Publisher,
	policy StatusPolicy,
	limit int,
	logger *zap.Logger,
) *Orchestrator {
	if storyCache == nil {
		storyCache = cache.NoopStoryCache{}
	}
	if publisher == nil {
		publisher = messaging.NoopPublisher{}
	}
	if policy == nil {
		policy = TernaryPolicy{}
	}
	if limit <= 0 {
		limit = dispatch.DefaultLimit
	}
	return &Orchestrator{
		stories:   stories,
		worker:    worker,
		cache:     storyCache,
		publisher: publisher,
		policy:    policy,
		limit:     limit,
		logger:    logger.Named("BatchOrchestrator"),
		running:   make(map[uuid.UUID]struct{}),
	}
}

// Run marks the story GENERATING, illustrates every item, and writes the
// status decided by the policy. It returns one result per item (dispatched
// items first, in input order, then settled ones) and blocks until all
// pages finish. Page failures never fail Run; only story-level writes do.
func (o *Orchestrator) Run(ctx context.Context, batch Batch) (*models.BatchResult, error) {
	if !o.acquire(batch.StoryID) {
		return nil, ErrBatchInProgress
	}
	defer o.release(batch.StoryID)

	log := o.logger.With(
		zap.String("story_id", batch.StoryID.String()),
		zap.Int("items", len(batch.Items)),
		zap.Int("settled", len(batch.Settled)),
		zap.Int("limit", o.limit),
	)
	start := time.Now()

	if err := o.writeStatus(ctx, batch.StoryID, models.StatusGenerating); err != nil {
		return nil, err
	}
	log.Info("Illustration batch started")

	dispatched := dispatch.Run(ctx, o.limit, batch.Items,
		func(ctx context.Context, item models.GenerationRequestItem) models.GenerationResultItem {
			res := o.worker.Illustrate(ctx, Job{UserID: batch.UserID, StoryID: batch.StoryID, Item: item})
			if res.Success {
				// pollers should see the new page before the batch ends
				o.invalidate(ctx, batch.StoryID)
			}
			return res
		},
		func(item models.GenerationRequestItem, err error) models.GenerationResultItem {
			log.Error("Page pipeline panicked", zap.String("page_id", item.PageID.String()), zap.Error(err))
			pageOutcomesTotal.WithLabelValues("failed", "panic").Inc()
			return models.FailedResult(item.PageID, "internal error while illustrating page")
		},
	)

	results := make([]models.GenerationResultItem, 0, len(dispatched)+len(batch.Settled))
	results = append(results, dispatched...)
	results = append(results, batch.Settled...)

	status := o.policy.Decide(results)
	res := &models.BatchResult{Status: status, Results: results}
	res.Success = res.SuccessCount() == len(results)

	if err := o.writeStatus(ctx, batch.StoryID, status); err != nil {
		return res, err
	}

	elapsed := time.Since(start)
	batchDuration.Observe(elapsed.Seconds())
	batchesTotal.WithLabelValues(string(status)).Inc()
	log.Info("Illustration batch finished",
		zap.String("status", string(status)),
		zap.Int("succeeded", res.SuccessCount()),
		zap.Int("total", len(results)),
		zap.Duration("elapsed", elapsed),
	)

	if err := o.publisher.Publish(ctx, messaging.StoryEvent{
		Type:       messaging.EventStoryIllustrationsFinished,
		StoryID:    batch.StoryID,
		UserID:     batch.UserID,
		Status:     status,
		Succeeded:  res.SuccessCount(),
		Total:      len(results),
		OccurredAt: time.Now().UTC(),
	}); err != nil {
		log.Warn("Failed to publish batch event", zap.Error(err))
	}
	return res, nil
}

func (o *Orchestrator) writeStatus(ctx context.Context, storyID uuid.UUID, status models.StoryStatus) error {
	if err := o.stories.UpdateStatus(ctx, storyID, status, nil); err != nil {
		return fmt.Errorf("set story status %s: %w", status, err)
	}
	o.invalidate(ctx, storyID)
	return nil
}

func (o *Orchestrator) invalidate(ctx context.Context, storyID uuid.UUID) {
	if err := o.cache.Invalidate(ctx, storyID); err != nil {
		o.logger.Warn("Failed to invalidate story cache", zap.String("story_id", storyID.String()), zap.Error(err))
	}
}

func (o *Orchestrator) acquire(storyID uuid.UUID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.running[storyID]; busy {
		return false
	}
	o.running[storyID] = struct{}{}
	return true
}

func (o *Orchestrator) release(storyID uuid.UUID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.running, storyID)
}
