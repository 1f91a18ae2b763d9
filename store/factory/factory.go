// Package factory opens the Store backend named in a credgate.StoreConfig.
package factory

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/credgate"
	"github.com/ineyio/credgate/store"
	storemongo "github.com/ineyio/credgate/store/mongo"
	storepg "github.com/ineyio/credgate/store/postgres"
	storeredis "github.com/ineyio/credgate/store/redis"
	storevalkey "github.com/ineyio/credgate/store/valkey"
)

// Defaults for the MongoDB backend when the config leaves them empty.
const (
	DefaultMongoDatabase   = "credgate"
	DefaultMongoCollection = "keys"
)

// Open connects the configured backend and prepares its schema. The returned
// close function releases the connection and is never nil.
func Open(ctx context.Context, cfg credgate.StoreConfig) (credgate.Store, func() error, error) {
	noop := func() error { return nil }

	switch cfg.Backend {
	case "", credgate.BackendMemory:
		return store.NewMemoryStore(), noop, nil

	case credgate.BackendRedis:
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Address,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, noop, fmt.Errorf("credgate/factory: redis at %s: %w", cfg.Address, err)
		}
		var opts []storeredis.Option
		if cfg.KeyPrefix != "" {
			opts = append(opts, storeredis.WithKeyPrefix(cfg.KeyPrefix))
		}
		return storeredis.New(client, opts...), client.Close, nil

	case credgate.BackendValkey:
		s, err := storevalkey.Open(storevalkey.Config{
			Address:   cfg.Address,
			Password:  cfg.Password,
			DB:        cfg.DB,
			KeyPrefix: cfg.KeyPrefix,
		})
		if err != nil {
			return nil, noop, fmt.Errorf("credgate/factory: %w", err)
		}
		return s, s.Close, nil

	case credgate.BackendPostgres:
		pool, err := pgxpool.New(ctx, cfg.DSN)
		if err != nil {
			return nil, noop, fmt.Errorf("credgate/factory: postgres: %w", err)
		}
		var opts []storepg.Option
		if cfg.KeyPrefix != "" {
			opts = append(opts, storepg.WithTablePrefix(cfg.KeyPrefix))
		}
		s := storepg.New(pool, opts...)
		if err := s.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, noop, err
		}
		return s, func() error { pool.Close(); return nil }, nil

	case credgate.BackendMongo:
		uri := cfg.DSN
		if uri == "" {
			uri = cfg.Address
		}
		database := cfg.Database
		if database == "" {
			database = DefaultMongoDatabase
		}
		collection := cfg.Collection
		if collection == "" {
			collection = DefaultMongoCollection
		}
		s, client, err := storemongo.Connect(ctx, uri, database, collection)
		if err != nil {
			return nil, noop, fmt.Errorf("credgate/factory: %w", err)
		}
		if err := s.EnsureIndexes(ctx); err != nil {
			_ = client.Disconnect(context.Background())
			return nil, noop, err
		}
		return s, func() error { return client.Disconnect(context.Background()) }, nil

	default:
		return nil, noop, fmt.Errorf("credgate/factory: unknown store backend %q", cfg.Backend)
	}
}
