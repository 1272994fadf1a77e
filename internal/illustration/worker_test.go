package illustration

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"storybook-server/internal/blobstore"
	"storybook-server/internal/imagegen"
	"storybook-server/internal/models"
	"storybook-server/internal/remote"
	"storybook-server/internal/repository/mocks"
)

type fakeImages struct {
	img *imagegen.Image
	err error
}

func (f fakeImages) Generate(context.Context, string) (*imagegen.Image, error) { return f.img, f.err }

type failingUploader struct{ err error }

func (f failingUploader) Upload(context.Context, []byte, string, string) (*blobstore.Object, error) {
	return nil, f.err
}

func testJob() Job {
	return Job{
		UserID:  uuid.New(),
		StoryID: uuid.New(),
		Item:    models.GenerationRequestItem{PageID: uuid.New(), Prompt: "a fox under a mushroom"},
	}
}

func pngImage() *imagegen.Image {
	return &imagegen.Image{Data: []byte("png"), MimeType: "image/png", Width: 1024, Height: 1536}
}

func newLocalStore(t *testing.T) *blobstore.LocalStore {
	t.Helper()
	store, err := blobstore.NewLocalStore(t.TempDir(), "http://cdn.test/images", zap.NewNop())
	require.NoError(t, err)
	return store
}

func TestWorker_Success(t *testing.T) {
	repo := new(mocks.IllustrationRepository)
	job := testJob()
	store := newLocalStore(t)

	var inserted *models.IllustrationVariant
	repo.On("SaveChosenVariant", mock.Anything, mock.AnythingOfType("*models.IllustrationVariant")).
		Run(func(args mock.Arguments) { inserted = args.Get(1).(*models.IllustrationVariant) }).
		Return(nil).Once()

	w := NewWorker(fakeImages{img: pngImage()}, store, repo, zap.NewNop())
	w.now = func() time.Time { return time.Unix(0, 42) }

	res := w.Illustrate(context.Background(), job)

	require.True(t, res.Success, res.ErrorMessage)
	assert.Equal(t, job.Item.PageID, res.PageID)
	require.NotNil(t, res.VariantID)
	require.NotNil(t, inserted)
	assert.Equal(t, inserted.ID, *res.VariantID)
	assert.Equal(t, 1024, inserted.Width)
	assert.Equal(t, 1536, inserted.Height)
	assert.Equal(t, job.Item.Prompt, inserted.Prompt)
	assert.Equal(t, job.Item.PageID, inserted.PageID)

	wantKey := fmt.Sprintf("users/%s/stories/%s/pages/%s/42.png", job.UserID, job.StoryID, job.Item.PageID)
	assert.Equal(t, "http://cdn.test/images/"+wantKey, res.ImageURL)
	assert.Equal(t, wantKey, inserted.PublicID)
	_, err := os.Stat(filepath.Join(store.Root(), filepath.FromSlash(wantKey)))
	assert.NoError(t, err)

	repo.AssertExpectations(t)
}

func TestWorker_Failures(t *testing.T) {
	dbErr := errors.New("connection refused")

	tests := []struct {
		name    string
		images  ImageGenerator
		blobs   func(t *testing.T) blobstore.Uploader
		setup   func(repo *mocks.IllustrationRepository, job Job)
		wantMsg string
	}{
		{
			name:    "upstream api error message is preferred",
			images:  fakeImages{err: fmt.Errorf("generate: %w", &imagegen.APIError{StatusCode: 400, Message: "Your request was rejected by the safety system."})},
			wantMsg: "Your request was rejected by the safety system.",
		},
		{
			name:    "retries exhausted",
			images:  fakeImages{err: &remote.TransportError{Attempts: 5, Err: context.DeadlineExceeded}},
			wantMsg: "retries exhausted",
		},
		{
			name:    "empty payload",
			images:  fakeImages{img: &imagegen.Image{}},
			wantMsg: "no image data received",
		},
		{
			name:    "missing image",
			images:  fakeImages{},
			wantMsg: "no image data received",
		},
		{
			name:   "upload failure",
			images: fakeImages{img: pngImage()},
			blobs: func(*testing.T) blobstore.Uploader {
				return failingUploader{err: fmt.Errorf("bucket: %w", errors.New("quota exceeded"))}
			},
			wantMsg: "quota exceeded",
		},
		{
			name:   "variant save failure",
			images: fakeImages{img: pngImage()},
			setup: func(repo *mocks.IllustrationRepository, job Job) {
				repo.On("SaveChosenVariant", mock.Anything, mock.Anything).Return(fmt.Errorf("database error: %w", dbErr)).Once()
			},
			wantMsg: "connection refused",
		},
		{
			name:   "page missing",
			images: fakeImages{img: pngImage()},
			setup: func(repo *mocks.IllustrationRepository, job Job) {
				repo.On("SaveChosenVariant", mock.Anything, mock.Anything).
					Return(fmt.Errorf("%w: %s", models.ErrPageNotFound, job.Item.PageID)).Once()
			},
			wantMsg: "page not found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := new(mocks.IllustrationRepository)
			job := testJob()
			if tt.setup != nil {
				tt.setup(repo, job)
			}
			var blobs blobstore.Uploader = newLocalStore(t)
			if tt.blobs != nil {
				blobs = tt.blobs(t)
			}

			res := NewWorker(tt.images, blobs, repo, zap.NewNop()).Illustrate(context.Background(), job)

			assert.False(t, res.Success)
			assert.Equal(t, job.Item.PageID, res.PageID)
			assert.Nil(t, res.VariantID)
			assert.Empty(t, res.ImageURL)
			assert.True(t, strings.Contains(res.ErrorMessage, tt.wantMsg), "got %q", res.ErrorMessage)
			repo.AssertExpectations(t)
		})
	}
}

func TestWorker_UploadedBlobIsKeptWhenPersistFails(t *testing.T) {
	repo := new(mocks.IllustrationRepository)
	repo.On("SaveChosenVariant", mock.Anything, mock.Anything).Return(errors.New("db down")).Once()
	store := newLocalStore(t)

	res := NewWorker(fakeImages{img: pngImage()}, store, repo, zap.NewNop()).Illustrate(context.Background(), testJob())
	require.False(t, res.Success)

	var files int
	require.NoError(t, filepath.Walk(store.Root(), func(_ string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			files++
		}
		return err
	}))
	assert.Equal(t, 1, files)
}

func TestWorker_FailureStageLabels(t *testing.T) {
	tests := []struct {
		name   string
		images ImageGenerator
		stage  string
	}{
		{"empty payload from client", fakeImages{err: fmt.Errorf("generate: %w", imagegen.ErrNoImageData)}, stageValidate},
		{"nil image", fakeImages{}, stageValidate},
		{"upstream error", fakeImages{err: &imagegen.APIError{StatusCode: 500, Message: "boom"}}, stageGenerate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			counter := pageOutcomesTotal.WithLabelValues("failed", tt.stage)
			before := testutil.ToFloat64(counter)

			res := NewWorker(tt.images, newLocalStore(t), new(mocks.IllustrationRepository), zap.NewNop()).
				Illustrate(context.Background(), testJob())

			require.False(t, res.Success)
			assert.Equal(t, before+1, testutil.ToFloat64(counter))
		})
	}
}

func TestErrorMessage(t *testing.T) {
	assert.Equal(t, "", ErrorMessage(nil))
	assert.Equal(t, "root", ErrorMessage(fmt.Errorf("a: %w", fmt.Errorf("b: %w", errors.New("root")))))
	assert.Equal(t, "bad prompt", ErrorMessage(fmt.Errorf("x: %w", &imagegen.APIError{StatusCode: 400, Message: "bad prompt"})))
	assert.Contains(t, ErrorMessage(&remote.TransportError{Attempts: 5, Err: errors.New("timeout")}), "after 5 attempts")
}
