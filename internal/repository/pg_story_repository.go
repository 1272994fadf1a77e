package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"storybook-server/internal/models"
)

var _ StoryRepository = (*pgStoryRepository)(nil)

const (
	storyColumns = `id, user_id, title, theme, language, cast_elements, page_count, status, error_details, created_at, updated_at`

	createStoryQuery = `
        INSERT INTO stories (id, user_id, title, theme, language, cast_elements, page_count, status, error_details, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)`

	getStoryByIDQuery = `SELECT ` + storyColumns + ` FROM stories WHERE id = $1`

	listPagesWithChosenQuery = `
        SELECT p.id, p.story_id, p.page_index, p.text, p.illustration_prompt, p.chosen_variant_id,
               p.created_at, p.updated_at,
               v.source_url AS chosen_url, v.width AS chosen_width, v.height AS chosen_height
        FROM pages p
        LEFT JOIN illustration_variants v ON v.id = p.chosen_variant_id
        WHERE p.story_id = $1
        ORDER BY p.page_index`

	updateStoryTitleQuery = `UPDATE stories SET title = $2, page_count = $3, updated_at = NOW() WHERE id = $1`
	deletePagesQuery      = `DELETE FROM pages WHERE story_id = $1`
	insertPageQuery       = `
        INSERT INTO pages (id, story_id, page_index, text, illustration_prompt, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $6)`

	updateStoryStatusQuery = `UPDATE stories SET status = $2, error_details = $3, updated_at = NOW() WHERE id = $1`

	listStoriesByUserQuery = `SELECT ` + storyColumns + ` FROM stories
        WHERE user_id = $1 AND (cardinality($2::text[]) = 0 OR status = ANY($2::text[]))
        ORDER BY created_at DESC, id DESC
        LIMIT $3 OFFSET $4`
)

// pageRow is a page joined with its chosen variant.
type pageRow struct {
	models.Page
	ChosenURL    *string `db:"chosen_url"`
	ChosenWidth  *int    `db:"chosen_width"`
	ChosenHeight *int    `db:"chosen_height"`
}

func (r pageRow) toModel() models.Page {
	p := r.Page
	if p.ChosenVariantID != nil && r.ChosenURL != nil {
		img := &models.ChosenImage{ID: *p.ChosenVariantID, URL: *r.ChosenURL}
		if r.ChosenWidth != nil {
			img.Width = *r.ChosenWidth
		}
		if r.ChosenHeight != nil {
			img.Height = *r.ChosenHeight
		}
		p.ChosenImage = img
	}
	return p
}

type pgStoryRepository struct {
	db     DBTX
	logger *zap.Logger
}

// NewPgStoryRepository creates a StoryRepository backed by PostgreSQL.
func NewPgStoryRepository(db DBTX, logger *zap.Logger) StoryRepository {
	return &pgStoryRepository{
		db:     db,
		logger: logger.Named("PgStoryRepo"),
	}
}

func (r *pgStoryRepository) Create(ctx context.Context, story *models.Story) error {
	if story.ID == uuid.Nil {
		story.ID = uuid.New()
	}
	if story.CreatedAt.IsZero() {
		story.CreatedAt = time.Now().UTC()
	}
	story.UpdatedAt = story.CreatedAt
	if story.Cast == nil {
		story.Cast = []models.WorldElement{}
	}

	_, err := r.db.Exec(ctx, createStoryQuery,
		story.ID, story.UserID, story.Title, story.Theme, story.Language, story.Cast,
		story.PageCount, story.Status, story.ErrorDetails, story.CreatedAt,
	)
	if err != nil {
		r.logger.Error("Failed to create story", zap.String("story_id", story.ID.String()), zap.Error(err))
		return fmt.Errorf("database error creating story %s: %w", story.ID, err)
	}
	r.logger.Debug("Story created", zap.String("story_id", story.ID.String()), zap.String("user_id", story.UserID.String()))
	return nil
}

func (r *pgStoryRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Story, error) {
	var story models.Story
	if err := pgxscan.Get(ctx, r.db, &story, getStoryByIDQuery, id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", models.ErrStoryNotFound, id)
		}
		r.logger.Error("Failed to get story", zap.String("story_id", id.String()), zap.Error(err))
		return nil, fmt.Errorf("database error getting story %s: %w", id, err)
	}
	return &story, nil
}

func (r *pgStoryRepository) GetWithPages(ctx context.Context, id uuid.UUID) (*models.Story, error) {
	story, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	var rows []pageRow
	if err := pgxscan.Select(ctx, r.db, &rows, listPagesWithChosenQuery, id); err != nil {
		r.logger.Error("Failed to list pages", zap.String("story_id", id.String()), zap.Error(err))
		return nil, fmt.Errorf("database error listing pages of story %s: %w", id, err)
	}
	story.Pages = make([]models.Page, 0, len(rows))
	for _, row := range rows {
		story.Pages = append(story.Pages, row.toModel())
	}
	return story, nil
}

func (r *pgStoryRepository) SaveDraft(ctx context.Context, storyID uuid.UUID, draft models.StoryDraft) ([]models.Page, error) {
	log := r.logger.With(zap.String("story_id", storyID.String()), zap.Int("pages", len(draft.Pages)))
	pages := make([]models.Page, 0, len(draft.Pages))

	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, updateStoryTitleQuery, storyID, draft.Title, len(draft.Pages))
		if err != nil {
			return fmt.Errorf("update story title: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s", models.ErrStoryNotFound, storyID)
		}
		if _, err := tx.Exec(ctx, deletePagesQuery, storyID); err != nil {
			return fmt.Errorf("delete previous pages: %w", err)
		}

		now := time.Now().UTC()
		for i, d := range draft.Pages {
			p := models.Page{
				ID:                 uuid.New(),
				StoryID:            storyID,
				Index:              i,
				Text:               d.Text,
				IllustrationPrompt: d.IllustrationPrompt,
				CreatedAt:          now,
				UpdatedAt:          now,
			}
			if _, err := tx.Exec(ctx, insertPageQuery, p.ID, p.StoryID, p.Index, p.Text, p.IllustrationPrompt, now); err != nil {
				return fmt.Errorf("insert page %d: %w", i, err)
			}
			pages = append(pages, p)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, models.ErrStoryNotFound) {
			return nil, err
		}
		log.Error("Failed to save story draft", zap.Error(err))
		return nil, fmt.Errorf("database error saving draft of story %s: %w", storyID, err)
	}
	log.Info("Story draft saved")
	return pages, nil
}

func (r *pgStoryRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status models.StoryStatus, errorDetails *string) error {
	tag, err := r.db.Exec(ctx, updateStoryStatusQuery, id, status, errorDetails)
	if err != nil {
		r.logger.Error("Failed to update story status", zap.String("story_id", id.String()), zap.String("status", string(status)), zap.Error(err))
		return fmt.Errorf("database error updating status of story %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", models.ErrStoryNotFound, id)
	}
	r.logger.Debug("Story status updated", zap.String("story_id", id.String()), zap.String("status", string(status)))
	return nil
}

func (r *pgStoryRepository) ListByUser(ctx context.Context, userID uuid.UUID, statuses []models.StoryStatus, limit, offset int) ([]models.Story, error) {
	filter := make([]string, 0, len(statuses))
	for _, st := range statuses {
		filter = append(filter, string(st))
	}

	stories := make([]models.Story, 0)
	if err := pgxscan.Select(ctx, r.db, &stories, listStoriesByUserQuery, userID, pq.Array(filter), limit, offset); err != nil {
		r.logger.Error("Failed to list stories", zap.String("user_id", userID.String()), zap.Error(err))
		return nil, fmt.Errorf("database error listing stories of user %s: %w", userID, err)
	}
	return stories, nil
}
