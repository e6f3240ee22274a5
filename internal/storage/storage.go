// Package storage persists uploaded media (attachments, custom emoji)
// and hands back the public URL each object is served at.
package storage

import (
	"context"
	"fmt"
	"io"

	"github.com/mkarls/soloist/internal/config"
)

// Store is an object store for uploaded files. Put returns the public
// URL the object is reachable at.
type Store interface {
	Put(ctx context.Context, key string, body io.Reader, contentType string) (string, error)
	Delete(ctx context.Context, key string) error
}

// New selects the backend from configuration.
func New(ctx context.Context, cfg *config.Config) (Store, error) {
	switch cfg.ObjectStore {
	case "s3":
		return NewS3(ctx, cfg.S3Region, cfg.S3Bucket, cfg.S3PublicBaseURL)
	case "local":
		return NewLocal(cfg.LocalFileBasePath, cfg.LocalFileBaseURL)
	default:
		return nil, fmt.Errorf("unknown object store %q", cfg.ObjectStore)
	}
}
