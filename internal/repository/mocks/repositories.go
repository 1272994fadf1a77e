package mocks

import (
	"context"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	"storybook-server/internal/models"
	"storybook-server/internal/repository"
)

var (
	_ repository.StoryRepository        = (*StoryRepository)(nil)
	_ repository.IllustrationRepository = (*IllustrationRepository)(nil)
)

// StoryRepository is a testify mock of repository.StoryRepository.
type StoryRepository struct {
	mock.Mock
}

func (m *StoryRepository) Create(ctx context.Context, story *models.Story) error {
	args := m.Called(ctx, story)
	return args.Error(0)
}
func (m *StoryRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Story, error) {
	args := m.Called(ctx, id)
	s, _ := args.Get(0).(*models.Story)
	return s, args.Error(1)
}
func (m *StoryRepository) GetWithPages(ctx context.Context, id uuid.UUID) (*models.Story, error) {
	args := m.Called(ctx, id)
	s, _ := args.Get(0).(*models.Story)
	return s, args.Error(1)
}
func (m *StoryRepository) SaveDraft(ctx context.Context, storyID uuid.UUID, draft models.StoryDraft) ([]models.Page, error) {
	args := m.Called(ctx, storyID, draft)
	p, _ := args.Get(0).([]models.Page)
	return p, args.Error(1)
}
func (m *StoryRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status models.StoryStatus, errorDetails *string) error {
	args := m.Called(ctx, id, status, errorDetails)
	return args.Error(0)
}
func (m *StoryRepository) ListByUser(ctx context.Context, userID uuid.UUID, statuses []models.StoryStatus, limit, offset int) ([]models.Story, error) {
	args := m.Called(ctx, userID, statuses, limit, offset)
	s, _ := args.Get(0).([]models.Story)
	return s, args.Error(1)
}

// IllustrationRepository is a testify mock of repository.IllustrationRepository.
type IllustrationRepository struct {
	mock.Mock
}

func (m *IllustrationRepository) SaveChosenVariant(ctx context.Context, v *models.IllustrationVariant) error {
	args := m.Called(ctx, v)
	return args.Error(0)
}
func (m *IllustrationRepository) ListVariants(ctx context.Context, pageID uuid.UUID) ([]models.IllustrationVariant, error) {
	args := m.Called(ctx, pageID)
	v, _ := args.Get(0).([]models.IllustrationVariant)
	return v, args.Error(1)
}
