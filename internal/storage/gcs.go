package storage

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"

	"cloud.google.com/go/storage"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

type GCSStorageProvider struct {
	client     *storage.Client
	bucket     *storage.BucketHandle
	bucketName string
}

func NewGCSStorage(ctx context.Context, projectID, bucketName string) (*GCSStorageProvider, error) {
	var (
		client *storage.Client
		err    error
	)

	if emulatorHost := os.Getenv("STORAGE_EMULATOR_HOST"); emulatorHost != "" {
		log.Debug().
			Str("emulator_host", emulatorHost).
			Msg("using GCS emulator")
		client, err = storage.NewClient(
			ctx,
			option.WithEndpoint(fmt.Sprintf("http://%s/storage/v1/", emulatorHost)),
			option.WithoutAuthentication(),
		)
	} else if creds := os.Getenv("GOOGLE_CLOUD_CREDENTIALS"); creds != "" {
		decodedCreds, decodeErr := base64.StdEncoding.DecodeString(creds)
		if decodeErr != nil {
			return nil, fmt.Errorf("invalid base64 credentials: %w", decodeErr)
		}
		client, err = storage.NewClient(ctx, option.WithCredentialsJSON(decodedCreds))
	} else {
		client, err = storage.NewClient(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}

	bucket := client.Bucket(bucketName)

	_, err = bucket.Attrs(ctx)
	if errors.Is(err, storage.ErrBucketNotExist) {
		log.Info().
			Str("bucket", bucketName).
			Msg("bucket does not exist, creating...")
		if err := bucket.Create(ctx, projectID, &storage.BucketAttrs{Location: "EU"}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("failed to check bucket: %w", err)
	}

	return &GCSStorageProvider{
		client:     client,
		bucket:     bucket,
		bucketName: bucketName,
	}, nil
}

func mapGCSError(err error, key string) error {
	if errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("%w: %s", ErrNotExist, key)
	}
	return err
}

func (g *GCSStorageProvider) Upload(ctx context.Context, r io.Reader, key, contentType string) error {
	writer := g.bucket.Object(key).NewWriter(ctx)
	writer.ContentType = contentType

	if _, err := io.Copy(writer, r); err != nil {
		_ = writer.Close()
		return fmt.Errorf("failed to copy file to GCS: %w", err)
	}

	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close writer: %w", err)
	}
	return nil
}

func (g *GCSStorageProvider) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	reader, err := g.bucket.Object(key).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create reader: %w", mapGCSError(err, key))
	}
	return reader, nil
}

func (g *GCSStorageProvider) Stat(ctx context.Context, key string) (*FileInfo, error) {
	attrs, err := g.bucket.Object(key).Attrs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get object attributes: %w", mapGCSError(err, key))
	}
	return &FileInfo{
		Key:          attrs.Name,
		Size:         attrs.Size,
		ContentType:  attrs.ContentType,
		ModifiedTime: attrs.Updated,
	}, nil
}

func (g *GCSStorageProvider) Exists(ctx context.Context, key string) (bool, error) {
	_, err := g.bucket.Object(key).Attrs(ctx)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("error checking object existence: %w", err)
}

func (g *GCSStorageProvider) Delete(ctx context.Context, key string) error {
	if err := g.bucket.Object(key).Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete file: %w", mapGCSError(err, key))
	}
	return nil
}

func (g *GCSStorageProvider) ListFiles(ctx context.Context, prefix string) ([]FileInfo, error) {
	var files []FileInfo
	it := g.bucket.Objects(ctx, &storage.Query{Prefix: prefix})

	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			log.Error().
				Err(err).
				Str("prefix", prefix).
				Msg("error iterating objects")
			return nil, fmt.Errorf("error iterating objects: %w", err)
		}
		files = append(files, FileInfo{
			Key:          attrs.Name,
			Size:         attrs.Size,
			ContentType:  attrs.ContentType,
			ModifiedTime: attrs.Updated,
		})
	}

	log.Debug().
		Str("prefix", prefix).
		Int("count", len(files)).
		Msg("files listed")

	return files, nil
}

func (g *GCSStorageProvider) Close() error {
	return g.client.Close()
}
