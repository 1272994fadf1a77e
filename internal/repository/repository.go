// Package repository holds the PostgreSQL persistence of stories, pages and
// illustration variants.
package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"storybook-server/internal/models"
)

// DBTX is satisfied by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// StoryRepository persists stories and their pages.
type StoryRepository interface {
	Create(ctx context.Context, story *models.Story) error
	// GetByID returns the story without pages.
	GetByID(ctx context.Context, id uuid.UUID) (*models.Story, error)
	// GetWithPages returns the story with ordered pages and their chosen images.
	GetWithPages(ctx context.Context, id uuid.UUID) (*models.Story, error)
	// SaveDraft stores the generated title and replaces the story's pages.
	SaveDraft(ctx context.Context, storyID uuid.UUID, draft models.StoryDraft) ([]models.Page, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status models.StoryStatus, errorDetails *string) error
	// ListByUser returns the user's stories, newest first. Empty statuses means any.
	ListByUser(ctx context.Context, userID uuid.UUID, statuses []models.StoryStatus, limit, offset int) ([]models.Story, error)
}

// IllustrationRepository persists illustration variants and links them to pages.
type IllustrationRepository interface {
	// SaveChosenVariant stores v as the chosen variant of its page in one
	// transaction: the previous choice is demoted and the page is pointed at
	// v with v.Prompt as its illustration prompt. Nothing changes on error.
	SaveChosenVariant(ctx context.Context, v *models.IllustrationVariant) error
	ListVariants(ctx context.Context, pageID uuid.UUID) ([]models.IllustrationVariant, error)
}
