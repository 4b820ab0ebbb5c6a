// Package s3 implements storage.Backend on the AWS SDK for any
// S3-compatible endpoint.
package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/Kek20703/CloudStorage/internal/logging"
	"github.com/Kek20703/CloudStorage/internal/metrics"
	"github.com/Kek20703/CloudStorage/internal/storage"
)

const backendType = "s3"

// BackendConfig holds connection settings for an S3-compatible endpoint.
type BackendConfig struct {
	Endpoint  string `json:"endpoint" yaml:"endpoint"`
	Bucket    string `json:"bucket" yaml:"bucket"`
	AccessKey string `json:"access_key" yaml:"access_key"`
	SecretKey string `json:"secret_key" yaml:"secret_key"`
	Region    string `json:"region" yaml:"region"`
	UseSSL    bool   `json:"use_ssl" yaml:"use_ssl"`
}

// S3Backend implements storage.Backend using the AWS SDK.
type S3Backend struct {
	client *s3.Client
	bucket string
}

// endpointURL adds a scheme to bare host:port endpoints.
func endpointURL(endpoint string, useSSL bool) string {
	if endpoint == "" || strings.Contains(endpoint, "://") {
		return endpoint
	}
	if useSSL {
		return "https://" + endpoint
	}
	return "http://" + endpoint
}

// NewBackend creates a new S3 backend from a BackendConfig.
func NewBackend(ctx context.Context, cfg BackendConfig) (*S3Backend, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	endpoint := endpointURL(cfg.Endpoint, cfg.UseSSL)
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = true
	})

	return &S3Backend{
		client: client,
		bucket: cfg.Bucket,
	}, nil
}

// NewBackendFromJSON creates an S3Backend from raw JSON config.
func NewBackendFromJSON(ctx context.Context, raw json.RawMessage) (*S3Backend, error) {
	var cfg BackendConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse s3 config: %w", err)
	}
	return NewBackend(ctx, cfg)
}

func record(op string, start time.Time, err error) {
	metrics.RecordStoreOperation(backendType, op, time.Since(start), err == nil)
}

// isNotFound reports whether err is the service saying the key is absent.
// HeadObject carries no body, so its 404 only surfaces as "NotFound".
func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}

// translate maps not-found responses to storage.ErrNotExist.
func translate(op, key string, err error) error {
	if isNotFound(err) {
		return fmt.Errorf("%s %s: %w", op, key, storage.ErrNotExist)
	}
	return fmt.Errorf("%s %s: %w", op, key, err)
}

// EnsureBucket creates the bucket when HeadBucket fails.
func (b *S3Backend) EnsureBucket(ctx context.Context) error {
	start := time.Now()
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(b.bucket),
	})
	if err != nil {
		_, createErr := b.client.CreateBucket(ctx, &s3.CreateBucketInput{
			Bucket: aws.String(b.bucket),
		})
		record("create_bucket", start, createErr)
		if createErr != nil {
			return fmt.Errorf("bucket %s does not exist and cannot create: %w", b.bucket, createErr)
		}
		logging.Info("created S3 bucket", zap.String("bucket", b.bucket))
	}
	return nil
}

// PutObject uploads content to S3. Directory markers are stored as
// zero-byte objects.
func (b *S3Backend) PutObject(ctx context.Context, key string, body io.Reader, size int64) (err error) {
	start := time.Now()
	defer func() { record("put_object", start, err) }()

	if body == nil || size == 0 {
		body, size = bytes.NewReader(nil), 0
	}

	input := &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
		Body:   body,
	}
	if size > 0 {
		input.ContentLength = aws.Int64(size)
	}
	if _, err := b.client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}

	logging.Debug("S3 put object",
		zap.String("key", key),
		zap.Int64("size", size),
		zap.Duration("duration", time.Since(start)),
	)
	return nil
}

// GetObject opens an object for streaming.
func (b *S3Backend) GetObject(ctx context.Context, key string) (rc io.ReadCloser, err error) {
	start := time.Now()
	defer func() { record("get_object", start, err) }()

	result, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, translate("get object", key, err)
	}
	return result.Body, nil
}

// StatObject returns object metadata via HeadObject.
func (b *S3Backend) StatObject(ctx context.Context, key string) (oi storage.ObjectInfo, err error) {
	start := time.Now()
	defer func() { record("stat_object", start, err) }()

	result, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return storage.ObjectInfo{}, translate("stat object", key, err)
	}

	oi = storage.ObjectInfo{Key: key}
	if result.ContentLength != nil {
		oi.Size = *result.ContentLength
	}
	if result.LastModified != nil {
		oi.LastModified = *result.LastModified
	}
	return oi, nil
}

// ListObjects pages through ListObjectsV2. Non-recursive listings use "/"
// as delimiter and report common prefixes as directory entries.
func (b *S3Backend) ListObjects(ctx context.Context, prefix string, recursive bool) (out []storage.ObjectInfo, err error) {
	start := time.Now()
	defer func() { record("list_objects", start, err) }()

	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(prefix),
	}
	if !recursive {
		input.Delimiter = aws.String("/")
	}

	paginator := s3.NewListObjectsV2Paginator(b.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list objects %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			oi := storage.ObjectInfo{Key: aws.ToString(obj.Key)}
			if obj.Size != nil {
				oi.Size = *obj.Size
			}
			if obj.LastModified != nil {
				oi.LastModified = *obj.LastModified
			}
			out = append(out, oi)
		}
		for _, cp := range page.CommonPrefixes {
			out = append(out, storage.ObjectInfo{Key: aws.ToString(cp.Prefix)})
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return dedupe(out), nil
}

// dedupe drops a common prefix that repeats an explicit marker of the same key.
func dedupe(sorted []storage.ObjectInfo) []storage.ObjectInfo {
	out := sorted[:0]
	for i, oi := range sorted {
		if i > 0 && sorted[i-1].Key == oi.Key {
			continue
		}
		out = append(out, oi)
	}
	return out
}

// copySource builds the URL-encoded "bucket/key" CopySource value.
func copySource(bucket, key string) string {
	segments := strings.Split(key, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return bucket + "/" + strings.Join(segments, "/")
}

// CopyObject copies an object server-side within the bucket.
func (b *S3Backend) CopyObject(ctx context.Context, srcKey, dstKey string) (err error) {
	start := time.Now()
	defer func() { record("copy_object", start, err) }()

	_, err = b.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(b.bucket),
		CopySource: aws.String(copySource(b.bucket, srcKey)),
		Key:        aws.String(dstKey),
	})
	if err != nil {
		return translate("copy object", srcKey+" -> "+dstKey, err)
	}
	return nil
}

// RemoveObject deletes an object. S3 deletes are idempotent.
func (b *S3Backend) RemoveObject(ctx context.Context, key string) (err error) {
	start := time.Now()
	defer func() { record("remove_object", start, err) }()

	_, err = b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("remove object %s: %w", key, err)
	}
	return nil
}

// Type returns "s3".
func (b *S3Backend) Type() string { return backendType }

// Close is a no-op for S3 backends.
func (b *S3Backend) Close() error { return nil }
