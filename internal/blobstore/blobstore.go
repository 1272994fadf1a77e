// Package blobstore uploads generated illustrations and returns their public URL.
package blobstore

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ResourceImage is the resource type for illustrations.
const ResourceImage = "image"

// Object is an uploaded blob.
type Object struct {
	URL      string
	PublicID string // backend key, stable for the life of the object
}

// Uploader stores payload under the caller-supplied destination path.
type Uploader interface {
	Upload(ctx context.Context, payload []byte, destination, resourceType string) (*Object, error)
}

// PagePath builds a per-invocation unique key for a page illustration:
// users/{user}/stories/{story}/pages/{page}/{unixnano}.png
func PagePath(userID, storyID, pageID uuid.UUID, at time.Time) string {
	return fmt.Sprintf("users/%s/stories/%s/pages/%s/%d.png", userID, storyID, pageID, at.UnixNano())
}

func contentTypeFor(key, resourceType string) string {
	switch strings.ToLower(path.Ext(key)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".webp":
		return "image/webp"
	}
	if resourceType == ResourceImage {
		return "image/png"
	}
	return "application/octet-stream"
}

func cleanKey(destination string) (string, error) {
	key := strings.TrimLeft(path.Clean("/"+destination), "/")
	if key == "" || key == "." || key != strings.TrimLeft(destination, "/") {
		return "", fmt.Errorf("invalid destination path %q", destination)
	}
	return key, nil
}

func joinURL(base, key string) string {
	return strings.TrimRight(base, "/") + "/" + key
}
