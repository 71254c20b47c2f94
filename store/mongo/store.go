// Package mongo provides MongoDB implementations of the store mappers that
// fit a document model: the thread tables, annotations and subscriptions.
//
// It does not implement store.Store. Combine it with a full store through
// store.Compose:
//
//	m := mongo.New(client)
//	st := store.Compose(pg, store.Overrides{
//		Threads:      m.Threads(),
//		ThreadLookup: m.ThreadLookup(),
//		Annotations:  m.Annotations(),
//		Lifecycles:   []store.Lifecycle{m},
//	})
package mongo

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/rbaliyan/mailstore/store"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongoopts "go.mongodb.org/mongo-driver/v2/mongo/options"
)

// Compile-time checks
var (
	_ store.Lifecycle          = (*Store)(nil)
	_ store.ThreadDAO          = (*threadDAO)(nil)
	_ store.ThreadLookupDAO    = (*threadLookupDAO)(nil)
	_ store.AnnotationMapper   = (*annotationMapper)(nil)
	_ store.SubscriptionMapper = (*subscriptionMapper)(nil)
)

// Collection names, before the configured prefix.
const (
	collThreads       = "threads"
	collThreadLookup  = "thread_lookup"
	collAnnotations   = "annotations"
	collSubscriptions = "subscriptions"
)

// Store holds the MongoDB collections backing the mappers.
type Store struct {
	client    *mongo.Client
	db        *mongo.Database
	opts      *options
	connected int32
	logger    *slog.Logger

	threads       *mongo.Collection
	threadLookup  *mongo.Collection
	annotations   *mongo.Collection
	subscriptions *mongo.Collection
}

// New creates a new MongoDB store with the provided client.
// Call Connect() to initialize the collections and indexes.
func New(client *mongo.Client, opts ...Option) *Store {
	o := newOptions(opts...)
	s := &Store{
		client: client,
		opts:   o,
		logger: o.logger,
	}
	if client != nil {
		s.db = client.Database(o.database)
		s.threads = s.db.Collection(o.prefix + collThreads)
		s.threadLookup = s.db.Collection(o.prefix + collThreadLookup)
		s.annotations = s.db.Collection(o.prefix + collAnnotations)
		s.subscriptions = s.db.Collection(o.prefix + collSubscriptions)
	}
	return s
}

// Connect verifies the server is reachable and creates the indexes.
func (s *Store) Connect(ctx context.Context) error {
	if atomic.LoadInt32(&s.connected) == 1 {
		return store.ErrAlreadyConnected
	}
	if s.client == nil {
		return fmt.Errorf("mongo: client is required")
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	defer cancel()

	if err := s.client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("mongo ping: %w", err)
	}
	if err := s.ensureIndexes(ctx); err != nil {
		return fmt.Errorf("ensure indexes: %w", err)
	}

	atomic.StoreInt32(&s.connected, 1)
	s.logger.Info("connected to MongoDB", "database", s.opts.database, "prefix", s.opts.prefix)
	return nil
}

// Close marks the store as disconnected.
// The caller is responsible for closing the MongoDB client.
func (s *Store) Close(ctx context.Context) error {
	atomic.StoreInt32(&s.connected, 0)
	return nil
}

// ensureIndexes creates the unique keys every mapper upserts on.
func (s *Store) ensureIndexes(ctx context.Context) error {
	unique := func(keys ...string) mongo.IndexModel {
		d := make(bson.D, 0, len(keys))
		for _, k := range keys {
			d = append(d, bson.E{Key: k, Value: 1})
		}
		return mongo.IndexModel{Keys: d, Options: mongoopts.Index().SetUnique(true)}
	}

	indexes := []struct {
		coll   *mongo.Collection
		models []mongo.IndexModel
	}{
		{s.threads, []mongo.IndexModel{unique("user", "hash", "message_id")}},
		{s.threadLookup, []mongo.IndexModel{unique("thread_id", "message_id")}},
		{s.annotations, []mongo.IndexModel{unique("mailbox_id", "key")}},
		{s.subscriptions, []mongo.IndexModel{unique("user", "name")}},
	}
	for _, ix := range indexes {
		if _, err := ix.coll.Indexes().CreateMany(ctx, ix.models); err != nil {
			return fmt.Errorf("%s: %w", ix.coll.Name(), err)
		}
	}
	return nil
}

// begin checks the connection and applies the operation timeout.
func (s *Store) begin(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if atomic.LoadInt32(&s.connected) == 0 {
		return ctx, func() {}, store.ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.timeout)
	return ctx, cancel, nil
}

// Threads returns the thread table mapper.
func (s *Store) Threads() store.ThreadDAO { return &threadDAO{s: s} }

// ThreadLookup returns the thread lookup mapper.
func (s *Store) ThreadLookup() store.ThreadLookupDAO { return &threadLookupDAO{s: s} }

// Annotations returns the annotation mapper.
func (s *Store) Annotations() store.AnnotationMapper { return &annotationMapper{s: s} }

// Subscriptions returns the subscription mapper.
func (s *Store) Subscriptions() store.SubscriptionMapper { return &subscriptionMapper{s: s} }
