// Package minio mirrors exported COGs to S3-compatible object storage.
package minio

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/couchcryptid/urban-raster-service/internal/config"
)

// ContentType is the media type of uploaded artifacts.
const ContentType = "image/tiff; application=geotiff; profile=cloud-optimized"

// Mirror uploads artifacts to a bucket. It implements cog.ObjectMirror.
type Mirror struct {
	client *minio.Client
	bucket string
	logger *slog.Logger
}

// Options holds MinIO connection settings.
type Options struct {
	Endpoint  string // e.g. "localhost:9000"
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// OptionsFromConfig reads the mirror settings of cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Endpoint:  cfg.MinioEndpoint,
		AccessKey: cfg.MinioAccessKey,
		SecretKey: cfg.MinioSecretKey,
		Bucket:    cfg.MinioBucket,
		UseSSL:    cfg.MinioUseSSL,
	}
}

// NewMirror connects to MinIO and creates the bucket when it does not exist.
func NewMirror(ctx context.Context, opts Options, logger *slog.Logger) (*Mirror, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, opts.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", opts.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, opts.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", opts.Bucket, err)
		}
		logger.Info("artifact bucket created", "bucket", opts.Bucket)
	}
	return &Mirror{client: client, bucket: opts.Bucket, logger: logger}, nil
}

// Mirror uploads the file at path under key, replacing any previous object.
func (m *Mirror) Mirror(ctx context.Context, key, path string) error {
	info, err := m.client.FPutObject(ctx, m.bucket, key, path, minio.PutObjectOptions{
		ContentType: ContentType,
	})
	if err != nil {
		return fmt.Errorf("upload %s to %s: %w", key, m.bucket, err)
	}
	m.logger.Debug("artifact mirrored", "bucket", m.bucket, "key", key, "bytes", info.Size)
	return nil
}

// Remove deletes the object stored under key.
func (m *Mirror) Remove(ctx context.Context, key string) error {
	if err := m.client.RemoveObject(ctx, m.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove %s from %s: %w", key, m.bucket, err)
	}
	return nil
}
