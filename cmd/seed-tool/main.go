// seed-tool prepares an owner's file system against the configured store.
//
// Usage:
//
//	seed-tool -owner alice -bootstrap -data ./testdata -target /Documents -token
//	seed-tool -owner alice -data ./notes -watch
//
// Store settings come from the same environment as the server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/deskfs/internal/auth"
	"github.com/fruitsalade/deskfs/internal/backup"
	"github.com/fruitsalade/deskfs/internal/config"
	"github.com/fruitsalade/deskfs/internal/logging"
	"github.com/fruitsalade/deskfs/internal/metadata/factory"
	"github.com/fruitsalade/deskfs/internal/seed"
	"github.com/fruitsalade/deskfs/internal/vfs"
)

func main() {
	owner := flag.String("owner", "", "Owner whose tree is seeded (required)")
	bootstrap := flag.Bool("bootstrap", false, "Create the default file system for the owner")
	dataDir := flag.String("data", "", "Local directory to import")
	target := flag.String("target", "/", "Folder the imported directory is placed in")
	overwrite := flag.Bool("overwrite", false, "Replace content of files that already exist")
	watch := flag.Bool("watch", false, "Keep mirroring changes under -data until interrupted")
	reconcile := flag.Bool("reconcile", false, "Check and repair the owner's tree")
	dryRun := flag.Bool("dry-run", false, "Report reconcile findings without writing")
	snapshot := flag.Bool("snapshot", false, "Export a tree snapshot to S3 when done")
	token := flag.Bool("token", false, "Print a signed token for the owner")
	admin := flag.Bool("admin", false, "Mark the printed token as admin")
	ttl := flag.Duration("ttl", 24*time.Hour, "Lifetime of the printed token")
	flag.Parse()

	if err := logging.Init(logging.Config{Level: "info", Format: "console"}); err != nil {
		fmt.Fprintf(os.Stderr, "logging init: %v\n", err)
		os.Exit(1)
	}
	defer logging.Sync()

	if *owner == "" {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		logging.Fatal("configuration error", zap.Error(err))
	}

	ctx := context.Background()
	store, err := factory.Open(ctx, cfg)
	if err != nil {
		logging.Fatal("node store init failed", zap.Error(err))
	}
	defer store.Close()

	engine := vfs.New(store, vfs.Options{
		SearchLimit:    cfg.SearchLimit,
		MaxContentSize: cfg.MaxContentSize,
	})

	if *bootstrap {
		skeleton, err := vfs.LoadSkeleton(cfg.BootstrapSkeletonFile)
		if err != nil {
			logging.Fatal("bootstrap skeleton invalid", zap.Error(err))
		}
		created, err := vfs.NewBootstrapper(engine, skeleton).EnsureDefaultFileSystem(ctx, *owner)
		if err != nil {
			logging.Fatal("bootstrap failed", zap.Error(err))
		}
		logging.Info("bootstrap done", logging.Owner(*owner), zap.Bool("created", created))
	}

	if *dataDir != "" {
		stats, err := seed.ImportDir(ctx, engine, *owner, *dataDir, seed.Options{
			Target:    *target,
			Overwrite: *overwrite,
		})
		if err != nil {
			logging.Fatal("import failed", zap.Error(err))
		}
		fmt.Printf("Imported %d folders and %d files (%d updated, %d skipped)\n",
			stats.Folders, stats.Files, stats.Updated, stats.Skipped)
	}

	if *reconcile {
		report, err := engine.Reconcile(ctx, *owner, *dryRun)
		if err != nil {
			logging.Fatal("reconcile failed", zap.Error(err))
		}
		fmt.Printf("Reconcile: scanned %d, removed %d, children fixed %d, paths fixed %d, unresolved %d\n",
			report.Scanned, report.RemovedNodes, report.DanglingChildren+report.MissingChildren,
			len(report.PathFixes), len(report.Unresolved))
	}

	if *snapshot {
		if !cfg.SnapshotsEnabled {
			logging.Fatal("snapshots are disabled; set SNAPSHOTS_ENABLED")
		}
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
		key, err := backup.NewExporter(ctx, client, cfg.S3Bucket, engine).Export(ctx, *owner)
		if err != nil {
			logging.Fatal("snapshot failed", zap.Error(err))
		}
		fmt.Printf("Snapshot written to s3://%s/%s\n", cfg.S3Bucket, key)
	}

	if *token {
		signed, expires, err := auth.New(cfg.JWTSecret).IssueToken(*owner, *owner, *admin, *ttl)
		if err != nil {
			logging.Fatal("token signing failed", zap.Error(err))
		}
		fmt.Printf("Token (expires %s):\n%s\n", expires.Format(time.RFC3339), signed)
	}

	if *watch && *dataDir != "" {
		ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		if err := seed.Watch(ctx, engine, *owner, *dataDir, seed.Options{Target: *target}); err != nil {
			logging.Fatal("watch failed", zap.Error(err))
		}
	}
}
