package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"storybook-server/internal/cache"
	"storybook-server/internal/illustration"
	"storybook-server/internal/messaging"
	"storybook-server/internal/models"
	"storybook-server/internal/repository"
	"storybook-server/internal/storygen"
	"storybook-server/internal/taskmanager"
)

const (
	MaxPages         = 20
	DefaultLanguage  = "en"
	DefaultListLimit = 20
	MaxListLimit     = 100

	taskKindStoryText = "story_text"
)

// CreateStoryInput is the request to write a new story.
type CreateStoryInput struct {
	Theme     string                `json:"theme" binding:"required"`
	PageCount int                   `json:"pageCount" binding:"required"`
	Language  string                `json:"language"`
	Cast      []models.WorldElement `json:"cast"`
}

// CreateStoryResult is returned as soon as the story row exists.
type CreateStoryResult struct {
	StoryID uuid.UUID          `json:"storyId"`
	TaskID  uuid.UUID          `json:"taskId"`
	Status  models.StoryStatus `json:"status"`
}

// GenerateImagesInput is one batch illustration request.
type GenerateImagesInput struct {
	Prompts     []models.GenerationRequestItem `json:"prompts"`
	OnlyMissing bool                           `json:"onlyMissing"`
}

// BatchRunner runs an illustration batch; *illustration.Orchestrator satisfies it.
type BatchRunner interface {
	Run(ctx context.Context, batch illustration.Batch) (*models.BatchResult, error)
}

// TaskRunner runs detached tasks; *taskmanager.Manager satisfies it.
type TaskRunner interface {
	Submit(spec taskmanager.Spec, fn taskmanager.TaskFunc) (uuid.UUID, error)
	Get(id uuid.UUID) (taskmanager.Task, error)
	Cancel(id uuid.UUID) error
}

// StoryService is the business logic behind the story API.
type StoryService interface {
	CreateStory(ctx context.Context, userID uuid.UUID, in CreateStoryInput) (*CreateStoryResult, error)
	GetStory(ctx context.Context, userID, storyID uuid.UUID) (*models.Story, error)
	ListStories(ctx context.Context, userID uuid.UUID, statuses []models.StoryStatus, limit, offset int) ([]models.Story, error)
	GenerateImages(ctx context.Context, userID, storyID uuid.UUID, in GenerateImagesInput) (*models.BatchResult, error)
	ListVariants(ctx context.Context, userID, storyID, pageID uuid.UUID) ([]models.IllustrationVariant, error)
	GetTask(ctx context.Context, userID, taskID uuid.UUID) (taskmanager.Task, error)
	// CancelTask asks a running task of the user to stop. The task settles
	// asynchronously; the returned snapshot may still be running.
	CancelTask(ctx context.Context, userID, taskID uuid.UUID) (taskmanager.Task, error)
}

type storyServiceImpl struct {
	stories   repository.StoryRepository
	variants  repository.IllustrationRepository
	writer    storygen.Generator
	tasks     TaskRunner
	batches   BatchRunner // nil when the image service is not configured
	cache     cache.StoryCache
	publisher messaging.Publisher
	logger    *zap.Logger
}

// NewStoryService creates a StoryService. batches may be nil, in which case
// GenerateImages reports models.ErrServiceUnavailable.
func NewStoryService(
	stories repository.StoryRepository,
	variants repository.IllustrationRepository,
	writer storygen.Generator,
	tasks TaskRunner,
	batches BatchRunner,
	storyCache cache.StoryCache,
	publisher messaging.Publisher,
	logger *zap.Logger,
) StoryService {
	if storyCache == nil {
		storyCache = cache.NoopStoryCache{}
	}
	if publisher == nil {
		publisher = messaging.NoopPublisher{}
	}
	return &storyServiceImpl{
		stories:   stories,
		variants:  variants,
		writer:    writer,
		tasks:     tasks,
		batches:   batches,
		cache:     storyCache,
		publisher: publisher,
		logger:    logger.Named("StoryService"),
	}
}

func validateCreate(in *CreateStoryInput) error {
	in.Theme = strings.TrimSpace(in.Theme)
	if in.Theme == "" {
		return fmt.Errorf("%w: theme is required", models.ErrInvalidInput)
	}
	if in.PageCount < 1 || in.PageCount > MaxPages {
		return fmt.Errorf("%w: pageCount must be between 1 and %d", models.ErrInvalidInput, MaxPages)
	}
	in.Language = strings.ToLower(strings.TrimSpace(in.Language))
	if in.Language == "" {
		in.Language = DefaultLanguage
	}
	for i, el := range in.Cast {
		if !el.Kind.Valid() {
			return fmt.Errorf("%w: cast[%d] has unknown kind %q", models.ErrInvalidInput, i, el.Kind)
		}
		if strings.TrimSpace(el.Name) == "" {
			return fmt.Errorf("%w: cast[%d] name is required", models.ErrInvalidInput, i)
		}
	}
	return nil
}

// CreateStory stores a GENERATING story and writes its text in a detached task.
func (s *storyServiceImpl) CreateStory(ctx context.Context, userID uuid.UUID, in CreateStoryInput) (*CreateStoryResult, error) {
	if err := validateCreate(&in); err != nil {
		return nil, err
	}
	if in.Cast == nil {
		in.Cast = []models.WorldElement{}
	}

	now := time.Now().UTC()
	story := &models.Story{
		ID:        uuid.New(),
		UserID:    userID,
		Theme:     in.Theme,
		Language:  in.Language,
		Cast:      in.Cast,
		PageCount: in.PageCount,
		Status:    models.StatusGenerating,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.stories.Create(ctx, story); err != nil {
		return nil, fmt.Errorf("create story: %w", err)
	}
	log := s.logger.With(zap.String("story_id", story.ID.String()), zap.String("user_id", userID.String()))

	taskID, err := s.tasks.Submit(taskmanager.Spec{OwnerID: userID, Kind: taskKindStoryText, SubjectID: story.ID}, s.writeText(*story))
	if err != nil {
		log.Error("Failed to submit story text task", zap.Error(err))
		s.failText(ctx, *story, err)
		return nil, err
	}

	log.Info("Story accepted, text generation started", zap.String("task_id", taskID.String()))
	return &CreateStoryResult{StoryID: story.ID, TaskID: taskID, Status: story.Status}, nil
}

func (s *storyServiceImpl) writeText(story models.Story) taskmanager.TaskFunc {
	return func(ctx context.Context, report taskmanager.Reporter) error {
		report(10, "writing story text")
		draft, err := s.writer.Generate(ctx, storygen.Request{
			Theme:     story.Theme,
			Language:  story.Language,
			PageCount: story.PageCount,
			Cast:      story.Cast,
		})
		if err != nil {
			if ctx.Err() != nil {
				err = fmt.Errorf("text generation cancelled: %w", err)
			}
			s.failText(ctx, story, err)
			return err
		}

		report(80, "saving pages")
		pages, err := s.stories.SaveDraft(ctx, story.ID, draft)
		if err != nil {
			s.failText(ctx, story, err)
			return fmt.Errorf("save draft: %w", err)
		}
		s.invalidate(ctx, story.ID)

		s.publish(ctx, messaging.StoryEvent{
			Type:       messaging.EventStoryTextReady,
			StoryID:    story.ID,
			UserID:     story.UserID,
			Status:     models.StatusGenerating,
			Total:      len(pages),
			OccurredAt: time.Now().UTC(),
		})
		s.logger.Info("Story text ready", zap.String("story_id", story.ID.String()), zap.Int("pages", len(pages)))
		return nil
	}
}

// failText marks the story CANCELLED. It runs even when ctx is already cancelled.
func (s *storyServiceImpl) failText(ctx context.Context, story models.Story, cause error) {
	ctx = context.WithoutCancel(ctx)
	details := cause.Error()
	if err := s.stories.UpdateStatus(ctx, story.ID, models.StatusCancelled, &details); err != nil {
		s.logger.Error("Failed to mark story cancelled", zap.String("story_id", story.ID.String()), zap.Error(err))
	}
	s.invalidate(ctx, story.ID)
	s.publish(ctx, messaging.StoryEvent{
		Type:       messaging.EventStoryTextFailed,
		StoryID:    story.ID,
		UserID:     story.UserID,
		Status:     models.StatusCancelled,
		Error:      details,
		OccurredAt: time.Now().UTC(),
	})
}

// GetStory returns the story with pages, served from cache when possible.
func (s *storyServiceImpl) GetStory(ctx context.Context, userID, storyID uuid.UUID) (*models.Story, error) {
	cached, err := s.cache.Get(ctx, storyID)
	if err != nil {
		s.logger.Warn("Story cache read failed", zap.String("story_id", storyID.String()), zap.Error(err))
	}
	if cached != nil {
		if cached.UserID != userID {
			return nil, models.ErrForbidden
		}
		return cached, nil
	}

	story, err := s.ownedStory(ctx, userID, storyID)
	if err != nil {
		return nil, err
	}
	if err := s.cache.Set(ctx, story); err != nil {
		s.logger.Warn("Story cache write failed", zap.String("story_id", storyID.String()), zap.Error(err))
	}
	return story, nil
}

// ListStories returns the user's stories, newest first.
func (s *storyServiceImpl) ListStories(ctx context.Context, userID uuid.UUID, statuses []models.StoryStatus, limit, offset int) ([]models.Story, error) {
	for _, st := range statuses {
		if st != models.StatusGenerating && !st.IsTerminal() {
			return nil, fmt.Errorf("%w: unknown status %q", models.ErrInvalidInput, st)
		}
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return s.stories.ListByUser(ctx, userID, statuses, limit, offset)
}

// GenerateImages validates the batch, settles the pages that need no upstream
// call, and runs the rest through the orchestrator. It blocks until the batch
// ends. Results come back in request order.
func (s *storyServiceImpl) GenerateImages(ctx context.Context, userID, storyID uuid.UUID, in GenerateImagesInput) (*models.BatchResult, error) {
	if len(in.Prompts) == 0 {
		return nil, fmt.Errorf("%w: prompts must not be empty", models.ErrBadRequest)
	}
	order := make(map[uuid.UUID]int, len(in.Prompts))
	for i, item := range in.Prompts {
		if item.PageID == uuid.Nil {
			return nil, fmt.Errorf("%w: prompts[%d].pageId is required", models.ErrBadRequest, i)
		}
		if strings.TrimSpace(item.Prompt) == "" {
			return nil, fmt.Errorf("%w: prompts[%d].prompt is required", models.ErrBadRequest, i)
		}
		if _, dup := order[item.PageID]; dup {
			return nil, fmt.Errorf("%w: duplicate pageId %s", models.ErrBadRequest, item.PageID)
		}
		order[item.PageID] = i
	}
	if s.batches == nil {
		return nil, fmt.Errorf("%w: image generation is not configured", models.ErrServiceUnavailable)
	}

	story, err := s.ownedStory(ctx, userID, storyID)
	if err != nil {
		return nil, err
	}
	if len(story.Pages) == 0 {
		return nil, models.ErrStoryNotReadyYet
	}

	batch := splitBatch(story, in)
	log := s.logger.With(zap.String("story_id", storyID.String()))
	log.Info("Illustration batch requested",
		zap.Int("prompts", len(in.Prompts)),
		zap.Int("dispatched", len(batch.Items)),
		zap.Bool("only_missing", in.OnlyMissing),
	)

	// a client disconnect must not abort pages already in flight
	res, err := s.batches.Run(context.WithoutCancel(ctx), batch)
	if err != nil {
		if errors.Is(err, illustration.ErrBatchInProgress) {
			return nil, err
		}
		log.Error("Illustration batch failed", zap.Error(err))
		return nil, fmt.Errorf("illustration batch: %w", err)
	}

	sortByRequest(res.Results, order)
	return res, nil
}

// splitBatch decides which items are dispatched. Items for foreign pages
// fail and, with onlyMissing, already illustrated pages are reported with
// their current image; neither reaches the worker.
func splitBatch(story *models.Story, in GenerateImagesInput) illustration.Batch {
	pages := make(map[uuid.UUID]models.Page, len(story.Pages))
	for _, p := range story.Pages {
		pages[p.ID] = p
	}

	batch := illustration.Batch{UserID: story.UserID, StoryID: story.ID}
	for _, item := range in.Prompts {
		page, ok := pages[item.PageID]
		switch {
		case !ok:
			batch.Settled = append(batch.Settled, models.FailedResult(item.PageID, "page does not belong to story"))
		case in.OnlyMissing && page.Illustrated():
			batch.Settled = append(batch.Settled, existingResult(page))
		default:
			batch.Items = append(batch.Items, item)
		}
	}
	return batch
}

func existingResult(page models.Page) models.GenerationResultItem {
	res := models.GenerationResultItem{PageID: page.ID, Success: true, VariantID: page.ChosenVariantID}
	if page.ChosenImage != nil {
		res.ImageURL = page.ChosenImage.URL
		id := page.ChosenImage.ID
		res.VariantID = &id
	}
	return res
}

func sortByRequest(results []models.GenerationResultItem, order map[uuid.UUID]int) {
	slices.SortStableFunc(results, func(a, b models.GenerationResultItem) int {
		return order[a.PageID] - order[b.PageID]
	})
}

// ListVariants returns every illustration generated for a page, newest first.
func (s *storyServiceImpl) ListVariants(ctx context.Context, userID, storyID, pageID uuid.UUID) ([]models.IllustrationVariant, error) {
	story, err := s.ownedStory(ctx, userID, storyID)
	if err != nil {
		return nil, err
	}
	for _, p := range story.Pages {
		if p.ID == pageID {
			return s.variants.ListVariants(ctx, pageID)
		}
	}
	return nil, fmt.Errorf("%w: %s", models.ErrPageNotFound, pageID)
}

// GetTask returns a background task of the user.
func (s *storyServiceImpl) GetTask(_ context.Context, userID, taskID uuid.UUID) (taskmanager.Task, error) {
	task, err := s.tasks.Get(taskID)
	if err != nil {
		return taskmanager.Task{}, err
	}
	if task.OwnerID != userID {
		return taskmanager.Task{}, models.ErrForbidden
	}
	return task, nil
}

func (s *storyServiceImpl) CancelTask(ctx context.Context, userID, taskID uuid.UUID) (taskmanager.Task, error) {
	if _, err := s.GetTask(ctx, userID, taskID); err != nil {
		return taskmanager.Task{}, err
	}
	if err := s.tasks.Cancel(taskID); err != nil {
		return taskmanager.Task{}, err
	}
	s.logger.Info("Background task cancelled by owner", zap.String("task_id", taskID.String()), zap.String("user_id", userID.String()))
	return s.tasks.Get(taskID)
}

func (s *storyServiceImpl) ownedStory(ctx context.Context, userID, storyID uuid.UUID) (*models.Story, error) {
	story, err := s.stories.GetWithPages(ctx, storyID)
	if err != nil {
		return nil, err
	}
	if story.UserID != userID {
		s.logger.Warn("Access to foreign story denied", zap.String("story_id", storyID.String()), zap.String("user_id", userID.String()))
		return nil, models.ErrForbidden
	}
	return story, nil
}

func (s *storyServiceImpl) invalidate(ctx context.Context, storyID uuid.UUID) {
	if err := s.cache.Invalidate(ctx, storyID); err != nil {
		s.logger.Warn("Failed to invalidate story cache", zap.String("story_id", storyID.String()), zap.Error(err))
	}
}

func (s *storyServiceImpl) publish(ctx context.Context, event messaging.StoryEvent) {
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Warn("Failed to publish story event", zap.String("type", event.Type), zap.Error(err))
	}
}
