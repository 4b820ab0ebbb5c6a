// Package minio implements storage.Backend with the MinIO client.
package minio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/Kek20703/CloudStorage/internal/logging"
	"github.com/Kek20703/CloudStorage/internal/metrics"
	"github.com/Kek20703/CloudStorage/internal/storage"
)

const backendType = "minio"

// Config holds MinIO connection settings.
type Config struct {
	// Endpoint is host:port without scheme, e.g. "localhost:9000".
	Endpoint  string `json:"endpoint" yaml:"endpoint"`
	Bucket    string `json:"bucket" yaml:"bucket"`
	AccessKey string `json:"access_key" yaml:"access_key"`
	SecretKey string `json:"secret_key" yaml:"secret_key"`
	Region    string `json:"region" yaml:"region"`
	UseSSL    bool   `json:"use_ssl" yaml:"use_ssl"`

	// Client is an optional pre-configured client. When set the connection
	// fields above are ignored.
	Client *minio.Client `json:"-" yaml:"-"`
}

func (c *Config) validate() error {
	if c.Bucket == "" {
		return fmt.Errorf("bucket is required")
	}
	if c.Client != nil {
		return nil
	}
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint is required when client is not provided")
	}
	if c.AccessKey == "" {
		return fmt.Errorf("access key is required when client is not provided")
	}
	if c.SecretKey == "" {
		return fmt.Errorf("secret key is required when client is not provided")
	}
	return nil
}

// Backend implements storage.Backend on a MinIO bucket.
type Backend struct {
	client *minio.Client
	bucket string
	region string
}

// New creates a MinIO backend.
func New(cfg Config) (*Backend, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	client := cfg.Client
	if client == nil {
		var err error
		client, err = minio.New(cfg.Endpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
			Secure: cfg.UseSSL,
			Region: cfg.Region,
		})
		if err != nil {
			return nil, fmt.Errorf("create minio client: %w", err)
		}
	}

	return &Backend{client: client, bucket: cfg.Bucket, region: cfg.Region}, nil
}

func record(op string, start time.Time, err error) {
	metrics.RecordStoreOperation(backendType, op, time.Since(start), err == nil)
}

// translate maps missing-object responses to storage.ErrNotExist.
func translate(op, key string, err error) error {
	if err == nil {
		return nil
	}
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NotFound":
		return fmt.Errorf("%s %s: %w", op, key, storage.ErrNotExist)
	}
	return fmt.Errorf("%s %s: %w", op, key, err)
}

// EnsureBucket creates the bucket if it does not exist yet.
func (b *Backend) EnsureBucket(ctx context.Context) (err error) {
	start := time.Now()
	defer func() { record("ensure_bucket", start, err) }()

	exists, err := b.client.BucketExists(ctx, b.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", b.bucket, err)
	}
	if exists {
		return nil
	}
	if err := b.client.MakeBucket(ctx, b.bucket, minio.MakeBucketOptions{Region: b.region}); err != nil {
		if minio.ToErrorResponse(err).Code == "BucketAlreadyOwnedByYou" {
			return nil
		}
		return fmt.Errorf("create bucket %s: %w", b.bucket, err)
	}
	logging.Info("created MinIO bucket", zap.String("bucket", b.bucket))
	return nil
}

// PutObject uploads body under key. A negative size streams with
// multipart upload.
func (b *Backend) PutObject(ctx context.Context, key string, body io.Reader, size int64) (err error) {
	start := time.Now()
	defer func() { record("put_object", start, err) }()

	_, err = b.client.PutObject(ctx, b.bucket, key, body, size, minio.PutObjectOptions{})
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	logging.Debug("MinIO put object", zap.String("key", key), zap.Int64("size", size))
	return nil
}

// GetObject opens key for streaming. minio.Object is lazy, so the object
// is stat'ed first to surface a missing key here rather than on Read.
func (b *Backend) GetObject(ctx context.Context, key string) (rc io.ReadCloser, err error) {
	start := time.Now()
	defer func() { record("get_object", start, err) }()

	obj, err := b.client.GetObject(ctx, b.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, translate("get object", key, err)
	}
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		return nil, translate("get object", key, err)
	}
	return obj, nil
}

// StatObject returns object metadata.
func (b *Backend) StatObject(ctx context.Context, key string) (oi storage.ObjectInfo, err error) {
	start := time.Now()
	defer func() { record("stat_object", start, err) }()

	info, err := b.client.StatObject(ctx, b.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return storage.ObjectInfo{}, translate("stat object", key, err)
	}
	return storage.ObjectInfo{Key: key, Size: info.Size, LastModified: info.LastModified}, nil
}

// ListObjects drains the client's listing channel into a sorted slice.
func (b *Backend) ListObjects(ctx context.Context, prefix string, recursive bool) (out []storage.ObjectInfo, err error) {
	start := time.Now()
	defer func() { record("list_objects", start, err) }()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for object := range b.client.ListObjects(ctx, b.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: recursive,
	}) {
		if object.Err != nil {
			return nil, fmt.Errorf("list objects %s: %w", prefix, object.Err)
		}
		out = append(out, storage.ObjectInfo{
			Key:          object.Key,
			Size:         object.Size,
			LastModified: object.LastModified,
		})
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })

	// a marker and the common prefix it sits under share one key
	deduped := out[:0]
	for i, oi := range out {
		if i > 0 && out[i-1].Key == oi.Key {
			continue
		}
		deduped = append(deduped, oi)
	}
	return deduped, nil
}

// CopyObject copies srcKey to dstKey server-side.
func (b *Backend) CopyObject(ctx context.Context, srcKey, dstKey string) (err error) {
	start := time.Now()
	defer func() { record("copy_object", start, err) }()

	_, err = b.client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: b.bucket, Object: dstKey},
		minio.CopySrcOptions{Bucket: b.bucket, Object: srcKey},
	)
	if err != nil {
		return translate("copy object", srcKey+" -> "+dstKey, err)
	}
	return nil
}

// RemoveObject deletes key.
func (b *Backend) RemoveObject(ctx context.Context, key string) (err error) {
	start := time.Now()
	defer func() { record("remove_object", start, err) }()

	if err := b.client.RemoveObject(ctx, b.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		if errors.Is(translate("remove object", key, err), storage.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("remove object %s: %w", key, err)
	}
	return nil
}

// Type returns "minio".
func (b *Backend) Type() string { return backendType }

// Close is a no-op; the MinIO client holds no closable resources.
func (b *Backend) Close() error { return nil }
