// Package illustration turns batches of page prompts into chosen illustrations.
package illustration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"storybook-server/internal/blobstore"
	"storybook-server/internal/imagegen"
	"storybook-server/internal/models"
	"storybook-server/internal/repository"
)

// Pipeline stages, used as the failure stage in metrics and logs.
const (
	stageGenerate = "generate"
	stageValidate = "validate"
	stageUpload   = "upload"
	stagePersist  = "persist"
)

// ImageGenerator produces one image for a prompt; *imagegen.Client satisfies it.
type ImageGenerator interface {
	Generate(ctx context.Context, prompt string) (*imagegen.Image, error)
}

// Job is one page to illustrate within a story owned by UserID.
type Job struct {
	UserID  uuid.UUID
	StoryID uuid.UUID
	Item    models.GenerationRequestItem
}

// PageIllustrator illustrates a single page. Illustrate never panics on
// pipeline failures; they come back as unsuccessful results.
type PageIllustrator interface {
	Illustrate(ctx context.Context, job Job) models.GenerationResultItem
}

var _ PageIllustrator = (*Worker)(nil)

// Worker runs generate -> validate -> upload -> persist for one page. The
// persist step stores the variant and points the page at it atomically.
type Worker struct {
	images   ImageGenerator
	blobs    blobstore.Uploader
	variants repository.IllustrationRepository
	now      func() time.Time
	logger   *zap.Logger
}

// NewWorker creates a Worker.
func NewWorker(images ImageGenerator, blobs blobstore.Uploader, variants repository.IllustrationRepository, logger *zap.Logger) *Worker {
	return &Worker{
		images:   images,
		blobs:    blobs,
		variants: variants,
		now:      time.Now,
		logger:   logger.Named("PageWorker"),
	}
}

// Illustrate implements PageIllustrator.
func (w *Worker) Illustrate(ctx context.Context, job Job) models.GenerationResultItem {
	pagesInFlight.Inc()
	defer pagesInFlight.Dec()

	log := w.logger.With(
		zap.String("story_id", job.StoryID.String()),
		zap.String("page_id", job.Item.PageID.String()),
	)
	fail := func(stage string, err error) models.GenerationResultItem {
		pageOutcomesTotal.WithLabelValues("failed", stage).Inc()
		log.Warn("Page illustration failed", zap.String("stage", stage), zap.Error(err))
		return models.FailedResult(job.Item.PageID, ErrorMessage(err))
	}

	img, err := w.images.Generate(ctx, job.Item.Prompt)
	if errors.Is(err, imagegen.ErrNoImageData) {
		return fail(stageValidate, err)
	}
	if err != nil {
		return fail(stageGenerate, err)
	}
	if img == nil || len(img.Data) == 0 {
		return fail(stageValidate, imagegen.ErrNoImageData)
	}

	dest := blobstore.PagePath(job.UserID, job.StoryID, job.Item.PageID, w.now())
	obj, err := w.blobs.Upload(ctx, img.Data, dest, blobstore.ResourceImage)
	if err != nil {
		return fail(stageUpload, fmt.Errorf("upload illustration: %w", err))
	}

	variant := &models.IllustrationVariant{
		ID:        uuid.New(),
		PageID:    job.Item.PageID,
		SourceURL: obj.URL,
		PublicID:  obj.PublicID,
		Width:     img.Width,
		Height:    img.Height,
		Prompt:    job.Item.Prompt,
	}
	// An uploaded blob whose row fails to persist is left orphaned.
	if err := w.variants.SaveChosenVariant(ctx, variant); err != nil {
		return fail(stagePersist, err)
	}

	pageOutcomesTotal.WithLabelValues("succeeded", "none").Inc()
	log.Info("Page illustrated", zap.String("variant_id", variant.ID.String()), zap.String("url", obj.URL))
	variantID := variant.ID
	return models.GenerationResultItem{
		PageID:    job.Item.PageID,
		Success:   true,
		ImageURL:  obj.URL,
		VariantID: &variantID,
	}
}

// ErrorMessage picks the most specific message for a failed page: the
// upstream API message if there is one, else the innermost wrapped error.
func ErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	var apiErr *imagegen.APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err.Error()
		}
		err = next
	}
}
