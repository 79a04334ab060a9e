// Package factory opens the node store selected by configuration.
package factory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/fruitsalade/deskfs/internal/config"
	"github.com/fruitsalade/deskfs/internal/logging"
	"github.com/fruitsalade/deskfs/internal/metadata"
	"github.com/fruitsalade/deskfs/internal/metadata/memory"
	"github.com/fruitsalade/deskfs/internal/metadata/mongo"
	"github.com/fruitsalade/deskfs/internal/metadata/postgres"
	"github.com/fruitsalade/deskfs/internal/retry"
)

func connectPolicy(name string) retry.Policy {
	p := retry.Connect()
	p.OnRetry = func(attempt int, wait time.Duration, err error) {
		logging.Info("waiting for "+name, zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
	}
	return p
}

// Open creates the store named by cfg.StoreBackend. PostgreSQL stores are
// migrated before they are returned.
func Open(ctx context.Context, cfg *config.Config) (metadata.Store, error) {
	switch cfg.StoreBackend {
	case config.BackendMemory:
		logging.Warn("using in-memory node store, data is lost on restart")
		return memory.New(), nil

	case config.BackendPostgres:
		store, err := retry.Do(ctx, connectPolicy("PostgreSQL"), func(context.Context) (*postgres.Store, error) {
			if strings.Contains(cfg.DatabaseURL, "://") {
				if _, err := pq.ParseURL(cfg.DatabaseURL); err != nil {
					return nil, retry.Permanent(fmt.Errorf("invalid DATABASE_URL: %w", err))
				}
			}
			return postgres.New(cfg.DatabaseURL)
		})
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		return store, nil

	case config.BackendMongo:
		if err := options.Client().ApplyURI(cfg.MongoURI).Validate(); err != nil {
			return nil, fmt.Errorf("invalid MONGO_URI: %w", err)
		}
		store, err := retry.Do(ctx, connectPolicy("MongoDB"), func(ctx context.Context) (*mongo.Store, error) {
			return mongo.New(ctx, mongo.Config{
				URI:          cfg.MongoURI,
				Database:     cfg.MongoDatabase,
				Transactions: cfg.MongoTransactions,
			})
		})
		if err != nil {
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		return store, nil

	default:
		return nil, fmt.Errorf("unknown store backend: %s", cfg.StoreBackend)
	}
}
