package repo

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/richardliu001/warehouse-outbox/internal/config"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// Open connects the backend selected by cfg.Storage.Driver and prepares its
// schema or indexes. The returned close func releases the connections.
func Open(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger) (Store, func(), error) {
	switch cfg.Storage.Driver {
	case "", "postgres":
		return openPostgres(ctx, cfg, log)
	case "mongo":
		return openMongo(ctx, cfg, log)
	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

func openPostgres(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger) (Store, func(), error) {
	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true})
	if err != nil {
		return nil, nil, fmt.Errorf("open postgres: %w", err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, nil, fmt.Errorf("open postgres: %w", err)
	}

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warnf("redis ping failed, change feed disabled: %v", err)
			_ = rdb.Close()
			rdb = nil
		}
	}

	store := NewGormStore(gdb, rdb, cfg.Redis.Channel, log)
	if err := store.Migrate(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, nil, err
	}
	closeFn := func() {
		if rdb != nil {
			_ = rdb.Close()
		}
		_ = sqlDB.Close()
	}
	return store, closeFn, nil
}

func openMongo(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger) (Store, func(), error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.Mongo.URI))
	if err != nil {
		return nil, nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, nil, fmt.Errorf("ping mongo: %w", err)
	}
	store := NewMongoStore(client.Database(cfg.Mongo.Database).Collection(cfg.Mongo.Collection), log)
	if err := store.EnsureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, nil, err
	}
	return store, func() { _ = client.Disconnect(context.Background()) }, nil
}
