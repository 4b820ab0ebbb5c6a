// CloudStorage Server
//
// Features:
// - Per-user file and directory storage on an S3-compatible object store
// - Folder uploads, zip downloads, move/rename and search
// - JWT sign-up/sign-in with PostgreSQL accounts
// - SSE change feed
// - Rate limiting & upload size cap
// - Prometheus metrics & structured logging (zap)
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Kek20703/CloudStorage/internal/api"
	"github.com/Kek20703/CloudStorage/internal/auth"
	"github.com/Kek20703/CloudStorage/internal/config"
	"github.com/Kek20703/CloudStorage/internal/events"
	"github.com/Kek20703/CloudStorage/internal/logging"
	"github.com/Kek20703/CloudStorage/internal/metrics"
	"github.com/Kek20703/CloudStorage/internal/quota"
	"github.com/Kek20703/CloudStorage/internal/resource"
	"github.com/Kek20703/CloudStorage/internal/users"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:          "cloudstorage",
		Short:        "CloudStorage - per-user file storage over an object store",
		SilenceUsage: true,
		RunE:         runServe,
	}
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "YAML config file (environment variables override it)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		RunE:  runServe,
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE:  runMigrate,
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setup loads configuration and initializes logging.
func setup() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}
	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		return nil, fmt.Errorf("logging init error: %w", err)
	}
	return cfg, nil
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := setup()
	if err != nil {
		return err
	}
	defer logging.Sync()

	if err := cfg.RequireDatabase(); err != nil {
		return err
	}

	store, err := users.New(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Migrate(cfg.MigrationsDir); err != nil {
		return err
	}
	logging.Info("migrations applied", zap.String("dir", cfg.MigrationsDir))
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := setup()
	if err != nil {
		return err
	}
	defer logging.Sync()

	if err := cfg.RequireServe(); err != nil {
		return err
	}

	logging.Info("CloudStorage server starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr),
		zap.String("backend", cfg.StorageBackend))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize PostgreSQL
	logging.Info("connecting to PostgreSQL...")
	userStore, err := users.New(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer userStore.Close()

	logging.Info("running migrations...", zap.String("dir", cfg.MigrationsDir))
	if err := userStore.Migrate(cfg.MigrationsDir); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	// Initialize object storage
	backend, err := newBackend(ctx, cfg)
	if err != nil {
		return fmt.Errorf("storage init failed: %w", err)
	}
	defer backend.Close()
	if err := backend.EnsureBucket(ctx); err != nil {
		return fmt.Errorf("storage init failed: %w", err)
	}

	// Initialize SSE broadcaster
	broadcaster := events.NewBroadcaster()

	resources := resource.NewService(backend,
		resource.WithCopyConcurrency(cfg.CopyConcurrency),
		resource.WithMaxPathLength(cfg.MaxPathLength),
		resource.WithEvents(broadcaster),
	)

	// Every new account gets its root directory once the row is committed
	userStore.OnRegistered(resources.CreateDefaultUserDirectory)

	authHandler := auth.New(userStore, cfg.JWTSecret, cfg.TokenTTL)
	rateLimiter := quota.NewRateLimiter(cfg.RequestsPerMinute)

	srv := api.NewServer(resources, authHandler, broadcaster, rateLimiter, cfg.MaxUploadSize)

	// Start metrics server
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start periodic metrics update
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				userStore.UpdateConnectionMetrics()
			}
		}
	}()

	// Start periodic cleanup (rate limiter buckets + expired revocations)
	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rateLimiter.Cleanup(24 * time.Hour)
				if n, err := userStore.PurgeExpiredRevocations(ctx); err != nil {
					logging.Error("revoked token cleanup failed", zap.Error(err))
				} else if n > 0 {
					logging.Info("purged expired token revocations", zap.Int64("count", n))
				}
			}
		}
	}()

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.ListenAddr, err)
	}
	defer metricsServer.Close()

	logging.Info("server listening (HTTP)", zap.String("addr", cfg.ListenAddr))
	return serve(ctx, httpServer, ln, shutdownTimeout)
}
