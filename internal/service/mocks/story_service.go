package mocks

import (
	"context"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	"storybook-server/internal/models"
	"storybook-server/internal/service"
	"storybook-server/internal/taskmanager"
)

var _ service.StoryService = (*StoryService)(nil)

// StoryService is a testify mock of service.StoryService.
type StoryService struct {
	mock.Mock
}

func (m *StoryService) CreateStory(ctx context.Context, userID uuid.UUID, in service.CreateStoryInput) (*service.CreateStoryResult, error) {
	args := m.Called(ctx, userID, in)
	r, _ := args.Get(0).(*service.CreateStoryResult)
	return r, args.Error(1)
}

func (m *StoryService) GetStory(ctx context.Context, userID, storyID uuid.UUID) (*models.Story, error) {
	args := m.Called(ctx, userID, storyID)
	s, _ := args.Get(0).(*models.Story)
	return s, args.Error(1)
}

func (m *StoryService) ListStories(ctx context.Context, userID uuid.UUID, statuses []models.StoryStatus, limit, offset int) ([]models.Story, error) {
	args := m.Called(ctx, userID, statuses, limit, offset)
	s, _ := args.Get(0).([]models.Story)
	return s, args.Error(1)
}

func (m *StoryService) GenerateImages(ctx context.Context, userID, storyID uuid.UUID, in service.GenerateImagesInput) (*models.BatchResult, error) {
	args := m.Called(ctx, userID, storyID, in)
	r, _ := args.Get(0).(*models.BatchResult)
	return r, args.Error(1)
}

func (m *StoryService) ListVariants(ctx context.Context, userID, storyID, pageID uuid.UUID) ([]models.IllustrationVariant, error) {
	args := m.Called(ctx, userID, storyID, pageID)
	v, _ := args.Get(0).([]models.IllustrationVariant)
	return v, args.Error(1)
}

func (m *StoryService) GetTask(ctx context.Context, userID, taskID uuid.UUID) (taskmanager.Task, error) {
	args := m.Called(ctx, userID, taskID)
	t, _ := args.Get(0).(taskmanager.Task)
	return t, args.Error(1)
}

func (m *StoryService) CancelTask(ctx context.Context, userID, taskID uuid.UUID) (taskmanager.Task, error) {
	args := m.Called(ctx, userID, taskID)
	t, _ := args.Get(0).(taskmanager.Task)
	return t, args.Error(1)
}
