// Package storage archives raw message bodies in S3-compatible object
// storage. Objects are content addressed by the BLAKE3 hash of the raw
// message, so a message delivered to several recipients is stored once.
//
// Archival is optional and best effort: when no bucket is configured the
// router skips it, and upload failures never affect message acceptance.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/migadu/hato/config"
	"github.com/migadu/hato/logger"
	"github.com/migadu/hato/pkg/metrics"
)

type S3Storage struct {
	Client     *minio.Client
	BucketName string
}

// New initializes the archive client from configuration.
func New(cfg *config.S3Config, debug bool) (*S3Storage, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: !cfg.DisableTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize S3 client: %w", err)
	}

	if debug {
		client.TraceOn(os.Stdout)
	}

	return &S3Storage{
		Client:     client,
		BucketName: cfg.Bucket,
	}, nil
}

// Exists checks whether an object with the given content hash is already
// archived.
func (s *S3Storage) Exists(ctx context.Context, hash string) (bool, error) {
	_, err := s.Client.StatObject(ctx, s.BucketName, hash, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}

	var minioErr minio.ErrorResponse
	if errors.As(err, &minioErr) && minioErr.StatusCode == 404 {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat object %s: %w", hash, err)
}

// Put archives one raw message under its content hash. An object that
// already exists is left untouched.
func (s *S3Storage) Put(ctx context.Context, hash string, body io.Reader, size int64) error {
	start := time.Now()

	exists, err := s.Exists(ctx, hash)
	if err != nil {
		logger.Warn("archive existence check failed", "hash", hash, "error", err)
	}
	if exists {
		metrics.ArchiveTotal.WithLabelValues("deduplicated").Inc()
		return nil
	}

	_, err = s.Client.PutObject(ctx, s.BucketName, hash, body, size,
		minio.PutObjectOptions{SendContentMd5: true})
	if err != nil {
		metrics.ArchiveTotal.WithLabelValues("failure").Inc()
		return fmt.Errorf("failed to archive object %s: %w", hash, err)
	}

	metrics.ArchiveTotal.WithLabelValues("success").Inc()
	logger.Debug("message archived", "hash", hash, "size", size, "duration", time.Since(start))
	return nil
}

// Get retrieves one archived raw message by its content hash.
func (s *S3Storage) Get(ctx context.Context, hash string) (io.ReadCloser, error) {
	object, err := s.Client.GetObject(ctx, s.BucketName, hash, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get object %s: %w", hash, err)
	}
	return object, nil
}

// Delete removes an archived message. Deleting an absent object is not
// an error.
func (s *S3Storage) Delete(ctx context.Context, hash string) error {
	exists, err := s.Exists(ctx, hash)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	if err := s.Client.RemoveObject(ctx, s.BucketName, hash, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to delete object %s: %w", hash, err)
	}
	return nil
}
