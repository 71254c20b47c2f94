// Package mailstore is a mailbox storage engine for mail servers.
//
// It manages mailboxes (create, delete, rename with sub-mailboxes, RFC 4314
// rights, annotations, subscriptions) and the association of messages with
// mailboxes (append, copy, move, flags, expunge, threads) on top of a
// non-transactional, denormalized backend. Consistency comes from unique
// paths, path locks for structural changes and an event-driven cleanup of
// everything a deletion leaves behind.
//
// # Basic Usage
//
//	// Create in-memory store for testing
//	st := memory.New()
//
//	svc, err := mailstore.NewService(
//	    mailstore.WithStore(st),
//	    mailstore.WithBlobStore(memory.NewBlobStore()),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Connect connects the store, the event bus and plugins
//	if err := svc.Connect(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer svc.Close(ctx)
//
//	// Get a client for a user
//	c := svc.Client("bob")
//	id, _, err := c.CreateMailbox(ctx, store.NewPath("bob", "work.reports"))
//
// # Storage Backends
//
// The store package defines one mapper per entity. Implementations:
//   - PostgreSQL (store/postgres) - accepts *sqlx.DB
//   - MongoDB (store/mongo) - thread tables, annotations and subscriptions
//   - In-memory (store/memory) - for testing
//
// store.Compose mixes them. Message content lives in a BlobStore
// (store/blob/s3, store/blob/gcs, or memory.NewBlobStore).
//
// # Events
//
// Every mutation publishes an event (see package events). By default the
// service creates a bus over github.com/rbaliyan/event/v3 during Connect,
// with a noop transport unless WithRedisClient or WithEventTransport is set.
// Listeners passed with WithListener are registered on it:
//
//	svc, err := mailstore.NewService(
//	    mailstore.WithStore(st),
//	    mailstore.WithRedisClient(redisClient),
//	    mailstore.WithListener(listener.New(st, blobs)),
//	)
//
// The cascading deletion listener removes message content, attachments,
// thread entries and per-mailbox projections once nothing references them.
// Deployments that consume events in another process run it there instead
// (see cmd/mailstored).
package mailstore
