package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"dropcode-go/internal/config"

	"github.com/spf13/afero"
)

// ErrNotExist is returned by Open, Stat and Delete for unknown keys.
var ErrNotExist = errors.New("object does not exist")

type FileInfo struct {
	Key          string
	Size         int64
	ContentType  string
	ModifiedTime time.Time
}

// Provider is the content store holding primary files and derived artifacts
// (compressed variants, QR images, cached previews). Keys are slash separated.
type Provider interface {
	// Upload writes the object, replacing any previous content under key.
	Upload(ctx context.Context, r io.Reader, key, contentType string) error

	// Open returns a reader for the object.
	Open(ctx context.Context, key string) (io.ReadCloser, error)

	Stat(ctx context.Context, key string) (*FileInfo, error)

	Exists(ctx context.Context, key string) (bool, error)

	// Delete removes the object.
	Delete(ctx context.Context, key string) error

	// ListFiles returns every object whose key starts with prefix.
	ListFiles(ctx context.Context, prefix string) ([]FileInfo, error)

	// Close cleans up any resources
	Close() error
}

// NewProvider creates a storage provider based on configuration
func NewProvider(ctx context.Context, cfg config.StorageConfig) (Provider, error) {
	switch cfg.Provider {
	case "local":
		return NewLocalStorage(afero.NewOsFs(), cfg.LocalPath)
	case "gcs":
		return NewGCSStorage(ctx, cfg.ProjectID, cfg.BucketName)
	case "s3":
		return NewS3Storage(ctx, S3Options{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			UseSSL:    cfg.S3UseSSL,
		})
	default:
		return nil, fmt.Errorf("unsupported storage provider: %s", cfg.Provider)
	}
}

// DeleteIfExists treats a missing object as already deleted.
func DeleteIfExists(ctx context.Context, p Provider, key string) error {
	if err := p.Delete(ctx, key); err != nil && !errors.Is(err, ErrNotExist) {
		return err
	}
	return nil
}
