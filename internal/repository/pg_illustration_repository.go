package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"storybook-server/internal/models"
)

var _ IllustrationRepository = (*pgIllustrationRepository)(nil)

const (
	lockPageQuery = `SELECT id FROM pages WHERE id = $1 FOR UPDATE`

	demoteChosenVariantQuery = `UPDATE illustration_variants SET is_chosen = FALSE WHERE page_id = $1 AND is_chosen`

	insertVariantQuery = `
        INSERT INTO illustration_variants (id, page_id, source_url, public_id, width, height, prompt, is_chosen, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE, $8)`

	attachVariantQuery = `
        UPDATE pages SET chosen_variant_id = $2, illustration_prompt = $3, updated_at = NOW()
        WHERE id = $1`

	listVariantsQuery = `
        SELECT id, page_id, source_url, public_id, width, height, prompt, is_chosen, created_at
        FROM illustration_variants WHERE page_id = $1 ORDER BY created_at DESC`
)

type pgIllustrationRepository struct {
	db     DBTX
	logger *zap.Logger
}

// NewPgIllustrationRepository creates an IllustrationRepository backed by PostgreSQL.
func NewPgIllustrationRepository(db DBTX, logger *zap.Logger) IllustrationRepository {
	return &pgIllustrationRepository{
		db:     db,
		logger: logger.Named("PgIllustrationRepo"),
	}
}

func (r *pgIllustrationRepository) SaveChosenVariant(ctx context.Context, v *models.IllustrationVariant) error {
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}

	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		// Concurrent saves for one page queue up behind this lock.
		var locked uuid.UUID
		if err := tx.QueryRow(ctx, lockPageQuery, v.PageID).Scan(&locked); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%w: %s", models.ErrPageNotFound, v.PageID)
			}
			return fmt.Errorf("lock page: %w", err)
		}
		if _, err := tx.Exec(ctx, demoteChosenVariantQuery, v.PageID); err != nil {
			return fmt.Errorf("demote previous variant: %w", err)
		}
		if _, err := tx.Exec(ctx, insertVariantQuery, v.ID, v.PageID, v.SourceURL, v.PublicID, v.Width, v.Height, v.Prompt, v.CreatedAt); err != nil {
			return fmt.Errorf("insert variant: %w", err)
		}
		if _, err := tx.Exec(ctx, attachVariantQuery, v.PageID, v.ID, v.Prompt); err != nil {
			return fmt.Errorf("attach variant to page: %w", err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, models.ErrPageNotFound) {
			return err
		}
		r.logger.Error("Failed to save chosen variant", zap.String("page_id", v.PageID.String()), zap.Error(err))
		return fmt.Errorf("database error saving variant for page %s: %w", v.PageID, err)
	}
	v.IsChosen = true
	r.logger.Debug("Chosen variant saved", zap.String("page_id", v.PageID.String()), zap.String("variant_id", v.ID.String()))
	return nil
}

func (r *pgIllustrationRepository) ListVariants(ctx context.Context, pageID uuid.UUID) ([]models.IllustrationVariant, error) {
	var variants []models.IllustrationVariant
	if err := pgxscan.Select(ctx, r.db, &variants, listVariantsQuery, pageID); err != nil {
		r.logger.Error("Failed to list variants", zap.String("page_id", pageID.String()), zap.Error(err))
		return nil, fmt.Errorf("database error listing variants of page %s: %w", pageID, err)
	}
	return variants, nil
}
