// deskfs server
//
// Features:
// - Per-owner virtual file systems on memory, PostgreSQL or MongoDB
// - Default file-system bootstrap for new owners
// - SSE change events
// - Rate limiting
// - Tree snapshots to S3
// - Prometheus metrics & structured logging (zap)
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/deskfs/internal/api"
	"github.com/fruitsalade/deskfs/internal/auth"
	"github.com/fruitsalade/deskfs/internal/backup"
	"github.com/fruitsalade/deskfs/internal/config"
	"github.com/fruitsalade/deskfs/internal/events"
	"github.com/fruitsalade/deskfs/internal/logging"
	"github.com/fruitsalade/deskfs/internal/metadata/factory"
	"github.com/fruitsalade/deskfs/internal/metadata/postgres"
	"github.com/fruitsalade/deskfs/internal/metrics"
	"github.com/fruitsalade/deskfs/internal/quota"
	"github.com/fruitsalade/deskfs/internal/vfs"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	// Initialize structured logging
	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("deskfs server starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr),
		zap.String("store", cfg.StoreBackend))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Node store
	store, err := factory.Open(ctx, cfg)
	if err != nil {
		logging.Fatal("node store init failed", zap.Error(err))
	}
	defer store.Close()

	// Engine and bootstrap
	broadcaster := events.NewBroadcaster()
	engine := vfs.New(store, vfs.Options{
		SearchLimit:    cfg.SearchLimit,
		MaxContentSize: cfg.MaxContentSize,
		Publisher:      broadcaster,
	})
	skeleton, err := vfs.LoadSkeleton(cfg.BootstrapSkeletonFile)
	if err != nil {
		logging.Fatal("bootstrap skeleton invalid", zap.Error(err))
	}
	bootstrapper := vfs.NewBootstrapper(engine, skeleton)

	authHandler := auth.New(cfg.JWTSecret)

	rateLimiter := quota.NewRateLimiter(cfg.RequestsPerMinute, cfg.RateBurst)
	if rateLimiter.Enabled() {
		logging.Info("rate limiter initialized",
			zap.Int("rpm", cfg.RequestsPerMinute), zap.Int("burst", cfg.RateBurst))
	}

	// Snapshots (optional)
	var snapshots api.Snapshotter
	if cfg.SnapshotsEnabled {
		client, err := backup.NewClient(ctx, backup.Config{
			Endpoint:  cfg.S3Endpoint,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Region:    cfg.S3Region,
		})
		if err != nil {
			logging.Fatal("S3 client init failed", zap.Error(err))
		}
		snapshots = backup.NewExporter(ctx, client, cfg.S3Bucket, engine)
		logging.Info("snapshot export enabled", zap.String("bucket", cfg.S3Bucket))
	}

	// Create API server
	srv := api.NewServer(engine, bootstrapper, authHandler, broadcaster, rateLimiter, snapshots, cfg)

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

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down...")
		cancel()

		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		httpServer.Shutdown(shutdownCtx)
		metricsServer.Close()
	}()

	// Periodic housekeeping
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if pg, ok := store.(*postgres.Store); ok {
					pg.UpdateConnectionMetrics()
				}
				rateLimiter.Cleanup(10 * time.Minute)
			}
		}
	}()

	logging.Info("server listening", zap.String("addr", cfg.ListenAddr))
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		logging.Fatal("server error", zap.Error(err))
	}
	logging.Info("server stopped")
}
