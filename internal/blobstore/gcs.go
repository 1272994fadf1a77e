package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// GCSConfig configures the Google Cloud Storage backend.
type GCSConfig struct {
	Bucket          string
	CredentialsFile string // empty: application default credentials
	PublicBaseURL   string // e.g. https://storage.googleapis.com or a CDN domain
}

// GCSStore uploads blobs to one bucket.
type GCSStore struct {
	client *storage.Client
	bucket *storage.BucketHandle
	cfg    GCSConfig
	logger *zap.Logger
}

// NewGCSStore opens a storage client.
func NewGCSStore(ctx context.Context, cfg GCSConfig, logger *zap.Logger) (*GCSStore, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("gcs bucket is not configured")
	}
	opts := []option.ClientOption{option.WithScopes(storage.ScopeReadWrite)}
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	if cfg.PublicBaseURL == "" {
		cfg.PublicBaseURL = "https://storage.googleapis.com"
	}
	return &GCSStore{
		client: client,
		bucket: client.Bucket(cfg.Bucket),
		cfg:    cfg,
		logger: logger.Named("GCSBlobStore"),
	}, nil
}

// Upload implements Uploader. The object is created only if it does not exist.
func (s *GCSStore) Upload(ctx context.Context, payload []byte, destination, resourceType string) (*Object, error) {
	key, err := cleanKey(destination)
	if err != nil {
		return nil, err
	}

	w := s.bucket.Object(key).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = contentTypeFor(key, resourceType)

	if _, err := io.Copy(w, bytes.NewReader(payload)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("failed to write data to gcs: %w", err)
	}
	if err := w.Close(); err != nil {
		if isPreconditionFailed(err) {
			s.logger.Warn("Object already exists, reusing it", zap.String("key", key))
			return s.object(key), nil
		}
		return nil, fmt.Errorf("failed to finalize gcs write: %w", err)
	}
	return s.object(key), nil
}

// Close releases the storage client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}

func (s *GCSStore) object(key string) *Object {
	return &Object{URL: s.publicURL(key), PublicID: key}
}

func (s *GCSStore) publicURL(key string) string {
	return joinURL(joinURL(s.cfg.PublicBaseURL, s.cfg.Bucket), key)
}

func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}
