package main

import (
	"context"
	"fmt"

	"github.com/Kek20703/CloudStorage/internal/config"
	"github.com/Kek20703/CloudStorage/internal/logging"
	"github.com/Kek20703/CloudStorage/internal/storage"
	"github.com/Kek20703/CloudStorage/internal/storage/local"
	"github.com/Kek20703/CloudStorage/internal/storage/minio"
	s3storage "github.com/Kek20703/CloudStorage/internal/storage/s3"
)

// newBackend builds the object store client selected by STORAGE_BACKEND.
func newBackend(ctx context.Context, cfg *config.Config) (storage.Backend, error) {
	switch cfg.StorageBackend {
	case config.BackendS3:
		return s3storage.NewBackend(ctx, s3storage.BackendConfig{
			Endpoint:  cfg.S3Endpoint,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Region:    cfg.S3Region,
			UseSSL:    cfg.S3UseSSL,
		})
	case config.BackendMinIO:
		return minio.New(minio.Config{
			Endpoint:  cfg.S3Endpoint,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Region:    cfg.S3Region,
			UseSSL:    cfg.S3UseSSL,
		})
	case config.BackendLocal:
		return local.New(local.Config{
			RootPath:   cfg.LocalStoragePath,
			CreateDirs: true,
		})
	case config.BackendMemory:
		logging.Warn("using in-memory storage; files are lost on restart")
		return local.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}
