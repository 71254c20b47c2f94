package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	goredis "github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/rbaliyan/mailstore/internal/config"
	"github.com/rbaliyan/mailstore/lock"
	lockmemory "github.com/rbaliyan/mailstore/lock/memory"
	locknats "github.com/rbaliyan/mailstore/lock/nats"
	lockredis "github.com/rbaliyan/mailstore/lock/redis"
	"github.com/rbaliyan/mailstore/store"
	"github.com/rbaliyan/mailstore/store/blob/cached"
	"github.com/rbaliyan/mailstore/store/blob/gcs"
	blobotel "github.com/rbaliyan/mailstore/store/blob/otel"
	"github.com/rbaliyan/mailstore/store/blob/s3"
	"github.com/rbaliyan/mailstore/store/memory"
	"github.com/rbaliyan/mailstore/store/mongo"
	"github.com/rbaliyan/mailstore/store/postgres"
)

// cleanup releases the clients opened while wiring, in reverse order.
type cleanup struct {
	fns []func(context.Context) error
}

func (c *cleanup) add(fn func(context.Context) error) {
	c.fns = append(c.fns, fn)
}

func (c *cleanup) run(ctx context.Context) error {
	var errs []error
	for i := len(c.fns) - 1; i >= 0; i-- {
		errs = append(errs, c.fns[i](ctx))
	}
	c.fns = nil
	return errors.Join(errs...)
}

// redisClient is opened lazily and shared by the lock and the event transport.
type redisClient struct {
	cfg    config.RedisConfig
	client *goredis.Client
}

func (r *redisClient) get(c *cleanup) *goredis.Client {
	if r.client == nil {
		r.client = goredis.NewClient(&goredis.Options{
			Addr:     r.cfg.Addr,
			Password: r.cfg.Password,
			DB:       r.cfg.DB,
		})
		c.add(func(context.Context) error { return r.client.Close() })
	}
	return r.client
}

func buildStore(ctx context.Context, cfg config.StoreConfig, logger *slog.Logger, c *cleanup) (store.Store, error) {
	var base store.Store
	switch cfg.Backend {
	case config.BackendPostgres:
		db, err := sqlx.Open("postgres", cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		c.add(func(context.Context) error { return db.Close() })
		base = postgres.New(db,
			postgres.WithTablePrefix(cfg.TablePrefix),
			postgres.WithTimeout(cfg.Timeout),
			postgres.WithLogger(logger),
		)
	default:
		base = memory.New()
	}

	if cfg.MongoURI == "" {
		return base, nil
	}

	client, err := mongodriver.Connect(mongooptions.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	c.add(client.Disconnect)
	m := mongo.New(client,
		mongo.WithDatabase(cfg.MongoDatabase),
		mongo.WithTimeout(cfg.Timeout),
		mongo.WithLogger(logger),
	)
	logger.InfoContext(ctx, "thread, annotation and subscription tables kept in MongoDB", "database", cfg.MongoDatabase)
	return store.Compose(base, store.Overrides{
		Subscriptions: m.Subscriptions(),
		Annotations:   m.Annotations(),
		Threads:       m.Threads(),
		ThreadLookup:  m.ThreadLookup(),
		Lifecycles:    []store.Lifecycle{m},
	}), nil
}

func buildBlobs(ctx context.Context, cfg *config.Config, logger *slog.Logger, c *cleanup) (store.BlobStore, error) {
	bc := cfg.Blob
	var blobs store.BlobStore
	switch bc.Backend {
	case config.BackendS3:
		opts := []s3.Option{
			s3.WithBucket(bc.Bucket),
			s3.WithPrefix(bc.Prefix),
			s3.WithPathStyle(bc.PathStyle),
			s3.WithLogger(logger),
		}
		if bc.Region != "" {
			opts = append(opts, s3.WithRegion(bc.Region))
		}
		if bc.Endpoint != "" {
			opts = append(opts, s3.WithEndpoint(bc.Endpoint))
		}
		st, err := s3.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("s3 blobs: %w", err)
		}
		blobs = st
	case config.BackendGCS:
		opts := []gcs.Option{
			gcs.WithBucket(bc.Bucket),
			gcs.WithPrefix(bc.Prefix),
			gcs.WithLogger(logger),
		}
		if bc.Endpoint != "" {
			opts = append(opts, gcs.WithEndpoint(bc.Endpoint))
		}
		st, err := gcs.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("gcs blobs: %w", err)
		}
		c.add(func(context.Context) error { return st.Close() })
		blobs = st
	default:
		blobs = memory.NewBlobStore()
	}

	if bc.CacheDir != "" {
		st, err := cached.New(blobs,
			cached.WithCacheDir(bc.CacheDir),
			cached.WithMaxSize(bc.CacheMaxSize),
			cached.WithTTL(bc.CacheTTL),
			cached.WithLogger(logger),
		)
		if err != nil {
			return nil, fmt.Errorf("blob cache: %w", err)
		}
		c.add(func(context.Context) error { return st.Close() })
		blobs = st
	}

	if cfg.OTel.Enabled {
		st, err := blobotel.New(blobs, blobotel.WithServiceName(cfg.OTel.ServiceName))
		if err != nil {
			return nil, fmt.Errorf("blob instrumentation: %w", err)
		}
		blobs = st
	}
	return blobs, nil
}

func buildLocker(ctx context.Context, cfg *config.Config, rc *redisClient, logger *slog.Logger, c *cleanup) (lock.Locker, error) {
	lc := cfg.Lock
	switch lc.Backend {
	case config.BackendRedis:
		return lockredis.New(rc.get(c),
			lockredis.WithTTL(lc.TTL),
			lockredis.WithWaitTimeout(lc.WaitTimeout),
			lockredis.WithKeyPrefix(lc.KeyPrefix),
			lockredis.WithLogger(logger),
		), nil
	case config.BackendNATS:
		nc, err := nats.Connect(cfg.NATS.URL, nats.Name("mailstored"))
		if err != nil {
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		c.add(func(context.Context) error { nc.Close(); return nil })
		js, err := jetstream.New(nc)
		if err != nil {
			return nil, fmt.Errorf("jetstream: %w", err)
		}
		kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{Bucket: lc.NATSBucket})
		if err != nil {
			return nil, fmt.Errorf("lock bucket %s: %w", lc.NATSBucket, err)
		}
		return locknats.New(kv,
			locknats.WithTTL(lc.TTL),
			locknats.WithWaitTimeout(lc.WaitTimeout),
			locknats.WithLogger(logger),
		), nil
	default:
		return lockmemory.New(), nil
	}
}
