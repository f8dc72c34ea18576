package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog/log"
)

type S3Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// S3StorageProvider talks to any S3 compatible endpoint (MinIO, Garage, AWS).
type S3StorageProvider struct {
	client *minio.Client
	bucket string
}

func NewS3Storage(ctx context.Context, opts S3Options) (*S3StorageProvider, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create s3 client: %w", err)
	}

	exists, err := client.BucketExists(ctx, opts.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		log.Info().
			Str("bucket", opts.Bucket).
			Msg("bucket does not exist, creating...")
		if err := client.MakeBucket(ctx, opts.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return &S3StorageProvider{client: client, bucket: opts.Bucket}, nil
}

func mapS3Error(err error, key string) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NotFound":
		return fmt.Errorf("%w: %s", ErrNotExist, key)
	}
	return err
}

func (s *S3StorageProvider) Upload(ctx context.Context, r io.Reader, key, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, r, -1, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("failed to put object: %w", err)
	}
	return nil
}

func (s *S3StorageProvider) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get object: %w", mapS3Error(err, key))
	}
	// GetObject is lazy; Stat surfaces a missing key before the caller starts reading.
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		return nil, fmt.Errorf("failed to get object: %w", mapS3Error(err, key))
	}
	return obj, nil
}

func (s *S3StorageProvider) Stat(ctx context.Context, key string) (*FileInfo, error) {
	info, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to stat object: %w", mapS3Error(err, key))
	}
	return &FileInfo{
		Key:          info.Key,
		Size:         info.Size,
		ContentType:  info.ContentType,
		ModifiedTime: info.LastModified,
	}, nil
}

func (s *S3StorageProvider) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.Stat(ctx, key)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrNotExist) {
		return false, nil
	}
	return false, err
}

// Delete succeeds for missing keys, matching S3 semantics.
func (s *S3StorageProvider) Delete(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to remove object: %w", mapS3Error(err, key))
	}
	return nil
}

func (s *S3StorageProvider) ListFiles(ctx context.Context, prefix string) ([]FileInfo, error) {
	var files []FileInfo
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("error listing objects: %w", obj.Err)
		}
		files = append(files, FileInfo{
			Key:          obj.Key,
			Size:         obj.Size,
			ContentType:  obj.ContentType,
			ModifiedTime: obj.LastModified,
		})
	}
	return files, nil
}

func (s *S3StorageProvider) Close() error {
	return nil
}
