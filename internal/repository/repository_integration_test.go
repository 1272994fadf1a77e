//go:build integration

package repository_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"storybook-server/internal/models"
	"storybook-server/internal/repository"
)

type RepositorySuite struct {
	suite.Suite
	ctx         context.Context
	pgContainer *postgres.PostgresContainer
	pool        *pgxpool.Pool
	stories     repository.StoryRepository
	variants    repository.IllustrationRepository
}

func (s *RepositorySuite) SetupSuite() {
	s.ctx = context.Background()
	logger := zap.NewNop()

	var err error
	s.pgContainer, err = postgres.Run(s.ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("storybook_test"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(5*time.Minute),
		),
	)
	require.NoError(s.T(), err, "Failed to start postgres container")

	dsn, err := s.pgContainer.ConnectionString(s.ctx, "sslmode=disable")
	require.NoError(s.T(), err)
	s.pool, err = pgxpool.New(s.ctx, dsn)
	require.NoError(s.T(), err)

	require.NoError(s.T(), repository.NewMigrator(s.pool, logger).Up(s.ctx))

	s.stories = repository.NewPgStoryRepository(s.pool, logger)
	s.variants = repository.NewPgIllustrationRepository(s.pool, logger)
}

func (s *RepositorySuite) TearDownSuite() {
	if s.pool != nil {
		s.pool.Close()
	}
	if s.pgContainer != nil {
		_ = s.pgContainer.Terminate(s.ctx)
	}
}

func (s *RepositorySuite) newStory(pages int) (*models.Story, []models.Page) {
	story := &models.Story{
		UserID:    uuid.New(),
		Theme:     "a fox learns to share",
		Language:  "en",
		Cast:      []models.WorldElement{{Kind: models.ElementPet, Name: "Rusty", Description: "a small red fox"}},
		PageCount: pages,
		Status:    models.StatusGenerating,
	}
	s.Require().NoError(s.stories.Create(s.ctx, story))

	draft := models.StoryDraft{Title: "Rusty Shares"}
	for i := 0; i < pages; i++ {
		draft.Pages = append(draft.Pages, models.PageDraft{Text: "text", IllustrationPrompt: "prompt"})
	}
	saved, err := s.stories.SaveDraft(s.ctx, story.ID, draft)
	s.Require().NoError(err)
	return story, saved
}

func (s *RepositorySuite) TestCreateAndGet() {
	story, pages := s.newStory(3)

	got, err := s.stories.GetWithPages(s.ctx, story.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusGenerating, got.Status)
	s.Require().NotNil(got.Title)
	s.Equal("Rusty Shares", *got.Title)
	s.Equal(3, got.PageCount)
	s.Require().Len(got.Pages, 3)
	s.Equal(story.Cast, got.Cast)
	for i, p := range got.Pages {
		s.Equal(pages[i].ID, p.ID)
		s.Equal(i, p.Index)
		s.Nil(p.ChosenImage)
	}

	_, err = s.stories.GetByID(s.ctx, uuid.New())
	s.ErrorIs(err, models.ErrStoryNotFound)
}

func (s *RepositorySuite) TestUpdateStatus() {
	story, _ := s.newStory(1)
	details := "text generation failed"

	s.Require().NoError(s.stories.UpdateStatus(s.ctx, story.ID, models.StatusCancelled, &details))
	got, err := s.stories.GetByID(s.ctx, story.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusCancelled, got.Status)
	s.Require().NotNil(got.ErrorDetails)
	s.Equal(details, *got.ErrorDetails)

	s.ErrorIs(s.stories.UpdateStatus(s.ctx, uuid.New(), models.StatusReady, nil), models.ErrStoryNotFound)
}

func (s *RepositorySuite) TestSupersedeChosenVariant() {
	story, pages := s.newStory(1)
	pageID := pages[0].ID

	first := &models.IllustrationVariant{PageID: pageID, SourceURL: "http://x/1.png", PublicID: "1.png", Width: 1024, Height: 1536, Prompt: "p1"}
	s.Require().NoError(s.variants.SaveChosenVariant(s.ctx, first))
	s.True(first.IsChosen)

	second := &models.IllustrationVariant{PageID: pageID, SourceURL: "http://x/2.png", PublicID: "2.png", Width: 1024, Height: 1536, Prompt: "p2"}
	s.Require().NoError(s.variants.SaveChosenVariant(s.ctx, second))

	variants, err := s.variants.ListVariants(s.ctx, pageID)
	s.Require().NoError(err)
	s.Require().Len(variants, 2)
	chosen := 0
	for _, v := range variants {
		if v.IsChosen {
			chosen++
			s.Equal(second.ID, v.ID)
		}
	}
	s.Equal(1, chosen)

	got, err := s.stories.GetWithPages(s.ctx, story.ID)
	s.Require().NoError(err)
	s.Require().NotNil(got.Pages[0].ChosenImage)
	s.Equal(second.ID, got.Pages[0].ChosenImage.ID)
	s.Equal("http://x/2.png", got.Pages[0].ChosenImage.URL)
	s.Equal(1536, got.Pages[0].ChosenImage.Height)
	s.Equal("p2", got.Pages[0].IllustrationPrompt)

	missing := &models.IllustrationVariant{PageID: uuid.New(), SourceURL: "http://x/3.png", PublicID: "3.png", Width: 1, Height: 1}
	s.ErrorIs(s.variants.SaveChosenVariant(s.ctx, missing), models.ErrPageNotFound)
}

// A save that fails after the previous choice was demoted must leave that
// choice in place on both the variant row and the page.
func (s *RepositorySuite) TestFailedSaveKeepsPreviousChoice() {
	story, pages := s.newStory(1)
	pageID := pages[0].ID

	first := &models.IllustrationVariant{PageID: pageID, SourceURL: "http://x/1.png", PublicID: "1.png", Width: 1024, Height: 1536, Prompt: "p1"}
	s.Require().NoError(s.variants.SaveChosenVariant(s.ctx, first))

	// Same primary key: the insert fails inside the transaction.
	clash := &models.IllustrationVariant{ID: first.ID, PageID: pageID, SourceURL: "http://x/2.png", PublicID: "2.png", Width: 1024, Height: 1536, Prompt: "p2"}
	s.Require().Error(s.variants.SaveChosenVariant(s.ctx, clash))
	s.False(clash.IsChosen)

	variants, err := s.variants.ListVariants(s.ctx, pageID)
	s.Require().NoError(err)
	s.Require().Len(variants, 1)
	s.True(variants[0].IsChosen)
	s.Equal(first.ID, variants[0].ID)

	got, err := s.stories.GetWithPages(s.ctx, story.ID)
	s.Require().NoError(err)
	s.Require().NotNil(got.Pages[0].ChosenImage)
	s.Equal(first.ID, got.Pages[0].ChosenImage.ID)
	s.Equal("p1", got.Pages[0].IllustrationPrompt)
}

func (s *RepositorySuite) TestListByUser() {
	story, _ := s.newStory(1)
	s.Require().NoError(s.stories.UpdateStatus(s.ctx, story.ID, models.StatusPartial, nil))

	all, err := s.stories.ListByUser(s.ctx, story.UserID, nil, 10, 0)
	s.Require().NoError(err)
	s.Len(all, 1)

	partial, err := s.stories.ListByUser(s.ctx, story.UserID, []models.StoryStatus{models.StatusPartial, models.StatusFailed}, 10, 0)
	s.Require().NoError(err)
	s.Len(partial, 1)

	ready, err := s.stories.ListByUser(s.ctx, story.UserID, []models.StoryStatus{models.StatusReady}, 10, 0)
	s.Require().NoError(err)
	s.Empty(ready)
}

func TestRepositorySuite(t *testing.T) {
	suite.Run(t, new(RepositorySuite))
}
