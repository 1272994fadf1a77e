package blobstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// LocalStore writes blobs under a directory that is served at PublicBaseURL.
type LocalStore struct {
	root    string
	baseURL string
	logger  *zap.Logger
}

// NewLocalStore creates root if needed.
func NewLocalStore(root, publicBaseURL string, logger *zap.Logger) (*LocalStore, error) {
	if root == "" {
		return nil, fmt.Errorf("image save path is not configured")
	}
	if publicBaseURL == "" {
		return nil, fmt.Errorf("image public base URL is not configured")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create image directory: %w", err)
	}
	return &LocalStore{root: root, baseURL: publicBaseURL, logger: logger.Named("LocalBlobStore")}, nil
}

// Root is the directory blobs are written to.
func (s *LocalStore) Root() string {
	return s.root
}

// Upload implements Uploader.
func (s *LocalStore) Upload(ctx context.Context, payload []byte, destination, resourceType string) (*Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key, err := cleanKey(destination)
	if err != nil {
		return nil, err
	}

	filePath := filepath.Join(s.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return nil, fmt.Errorf("create blob directory: %w", err)
	}
	// O_EXCL: destinations are unique per invocation, never overwrite.
	f, err := os.OpenFile(filePath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open blob file: %w", err)
	}
	if _, err := f.Write(payload); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("write blob file: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("close blob file: %w", err)
	}

	s.logger.Debug("Blob saved", zap.String("path", filePath), zap.Int("size_bytes", len(payload)), zap.String("content_type", contentTypeFor(key, resourceType)))
	return &Object{URL: joinURL(s.baseURL, key), PublicID: key}, nil
}
