// Package listener provides the cascading deletion listener. It removes
// message content, blobs, attachments and thread entries once no mailbox
// references a message any more, and clears every projection keyed by a
// deleted mailbox.
//
// Every step treats a missing row as already clean, so a redelivered event
// converges instead of failing.
package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/rbaliyan/mailstore/acl"
	"github.com/rbaliyan/mailstore/events"
	"github.com/rbaliyan/mailstore/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const instrumentationName = "github.com/rbaliyan/mailstore/listener"

// Name is the listener name.
const Name = "cascading-deletion"

// DefaultConcurrency bounds the per-message cascades of one mailbox deletion.
const DefaultConcurrency = 4

// DeletedMessage describes a message whose content is about to be removed.
type DeletedMessage struct {
	MessageID      store.MessageID
	MailboxID      store.MailboxID
	Owner          string
	InternalDate   time.Time
	Size           int64
	HasAttachments bool
	HeaderBlobID   store.BlobID
	BodyBlobID     store.BlobID
}

// DeletionCallback is told about every message before its content is
// deleted, e.g. to drop it from a search index.
type DeletionCallback interface {
	ForMessage(ctx context.Context, m DeletedMessage) error
}

// DeletionCallbackFunc adapts a function to DeletionCallback.
type DeletionCallbackFunc func(ctx context.Context, m DeletedMessage) error

func (f DeletionCallbackFunc) ForMessage(ctx context.Context, m DeletedMessage) error {
	return f(ctx, m)
}

type options struct {
	strongConsistency bool
	concurrency       int
	callbacks         []DeletionCallback
	tracerProvider    trace.TracerProvider
	logger            *slog.Logger
}

// Option configures the listener.
type Option func(*options)

// WithStrongWriteConsistency makes the reference check read at strong
// consistency.
func WithStrongWriteConsistency(strong bool) Option {
	return func(o *options) {
		o.strongConsistency = strong
	}
}

// WithConcurrency bounds the per-message cascades of a mailbox deletion.
func WithConcurrency(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// WithDeletionCallbacks adds callbacks, run in order.
func WithDeletionCallbacks(cbs ...DeletionCallback) Option {
	return func(o *options) {
		for _, cb := range cbs {
			if cb != nil {
				o.callbacks = append(o.callbacks, cb)
			}
		}
	}
}

// WithTracerProvider enables tracing.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		if tp != nil {
			o.tracerProvider = tp
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// CascadingDeletion handles Expunged and MailboxDeletion events.
type CascadingDeletion struct {
	store  store.Store
	blobs  store.BlobStore
	tracer trace.Tracer
	opts   options
}

var _ events.Listener = (*CascadingDeletion)(nil)

// New creates the listener.
func New(s store.Store, blobs store.BlobStore, opts ...Option) *CascadingDeletion {
	o := options{concurrency: DefaultConcurrency, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	tp := o.tracerProvider
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &CascadingDeletion{
		store:  s,
		blobs:  blobs,
		tracer: tp.Tracer(instrumentationName),
		opts:   o,
	}
}

func (l *CascadingDeletion) Name() string { return Name }

func (l *CascadingDeletion) IsHandling(ev events.Event) bool {
	switch ev.(type) {
	case events.Expunged, events.MailboxDeletion:
		return true
	}
	return false
}

func (l *CascadingDeletion) OnEvent(ctx context.Context, ev events.Event) (err error) {
	h := ev.EventHeader()
	ctx, span := l.tracer.Start(ctx, "listener."+string(ev.Kind()),
		trace.WithAttributes(
			attribute.String("event.id", h.EventID),
			attribute.String("mailbox.id", string(h.MailboxID)),
		))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	switch e := ev.(type) {
	case events.Expunged:
		return l.handleExpunged(ctx, e)
	case events.MailboxDeletion:
		return l.handleMailboxDeletion(ctx, e)
	}
	return nil
}

// handleExpunged cascades every expunged message in UID order.
func (l *CascadingDeletion) handleExpunged(ctx context.Context, e events.Expunged) error {
	uids := make([]store.UID, 0, len(e.Messages))
	for uid := range e.Messages {
		uids = append(uids, uid)
	}
	slices.Sort(uids)

	var errs []error
	for _, uid := range uids {
		if err := l.cascade(ctx, e.MailboxPath.User, e.Messages[uid], ""); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// handleMailboxDeletion runs every cleanup branch to completion and reports
// all their errors together.
func (l *CascadingDeletion) handleMailboxDeletion(ctx context.Context, e events.MailboxDeletion) error {
	id := e.MailboxID
	var c collector
	var g errgroup.Group

	g.Go(func() error {
		c.add(l.deleteMessages(ctx, e))
		return nil
	})
	g.Go(func() error {
		c.add(l.deleteACL(ctx, id, e.ACL))
		return nil
	})
	branch := func(name string, fn func(ctx context.Context, id store.MailboxID) error) {
		g.Go(func() error {
			if err := fn(ctx, id); err != nil {
				c.add(fmt.Errorf("delete %s of %s: %w", name, id, err))
			}
			return nil
		})
	}
	branch("applicable flags", l.store.ApplicableFlags().Delete)
	branch("first unseen", l.store.FirstUnseen().RemoveAll)
	branch("deleted markers", l.store.DeletedMarkers().RemoveAll)
	branch("counters", l.store.Counters().Delete)
	branch("recents", l.store.Recents().RemoveAll)
	branch("annotations", l.store.Annotations().DeleteAll)
	_ = g.Wait()

	if err := c.err(); err != nil {
		l.opts.logger.ErrorContext(ctx, "mailbox deletion cleanup failed",
			"mailbox_id", id, "path", e.MailboxPath.String(), "error", err)
		return err
	}
	l.opts.logger.DebugContext(ctx, "mailbox deletion cleaned up", "mailbox_id", id)
	return nil
}

func (l *CascadingDeletion) deleteMessages(ctx context.Context, e events.MailboxDeletion) error {
	rows, err := l.store.Messages().List(ctx, e.MailboxID, store.AllUIDs())
	if err != nil {
		return fmt.Errorf("list messages of %s: %w", e.MailboxID, err)
	}
	var c collector
	var g errgroup.Group
	g.SetLimit(l.opts.concurrency)
	for _, m := range rows {
		g.Go(func() error {
			if err := l.cascade(ctx, e.MailboxPath.User, m, e.MailboxID); err != nil {
				c.add(err)
				return nil
			}
			if err := l.store.Messages().Delete(ctx, m.ComposedID()); err != nil {
				c.add(fmt.Errorf("delete association %s/%d: %w", m.MailboxID, m.UID, err))
			}
			return nil
		})
	}
	_ = g.Wait()
	return c.err()
}

func (l *CascadingDeletion) deleteACL(ctx context.Context, id store.MailboxID, a acl.ACL) error {
	if err := l.store.UserRights().Apply(ctx, id, acl.ComputeDiff(a, acl.ACL{})); err != nil {
		return fmt.Errorf("revoke user rights of %s: %w", id, err)
	}
	if err := l.store.ACLs().Delete(ctx, id); err != nil {
		return fmt.Errorf("delete acl of %s: %w", id, err)
	}
	return nil
}

// cascade removes everything owned by a message once nothing references it.
// Rows of excluded are ignored by the reference check, as that mailbox is
// being deleted.
func (l *CascadingDeletion) cascade(ctx context.Context, owner string, m store.MessageMetadata, excluded store.MailboxID) error {
	mid := m.MessageID
	consistency := store.ConsistencyWeak
	if l.opts.strongConsistency {
		consistency = store.ConsistencyStrong
	}
	refs, err := l.store.Messages().FindByMessageID(ctx, mid, consistency)
	if err != nil {
		return fmt.Errorf("reference check of %s: %w", mid, err)
	}
	for _, r := range refs {
		if excluded == "" || r.MailboxID != excluded {
			return nil
		}
	}

	content, err := l.store.Contents().Get(ctx, mid)
	if store.IsNotFound(err) {
		// An earlier delivery got past the content row; finish the thread rows.
		return l.deleteThreadEntries(ctx, m.ThreadID, mid)
	}
	if err != nil {
		return fmt.Errorf("load content of %s: %w", mid, err)
	}

	deleted := DeletedMessage{
		MessageID:      mid,
		MailboxID:      m.MailboxID,
		Owner:          owner,
		InternalDate:   content.InternalDate,
		Size:           content.Size,
		HasAttachments: content.HasAttachments(),
		HeaderBlobID:   content.HeaderBlobID,
		BodyBlobID:     content.BodyBlobID,
	}
	for _, cb := range l.opts.callbacks {
		if err := cb.ForMessage(ctx, deleted); err != nil {
			return fmt.Errorf("deletion callback for %s: %w", mid, err)
		}
	}

	for _, ref := range content.Attachments {
		if err := l.deleteAttachment(ctx, ref.AttachmentID); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return l.deleteBlob(gctx, content.HeaderBlobID) })
	g.Go(func() error { return l.deleteBlob(gctx, content.BodyBlobID) })
	if err := g.Wait(); err != nil {
		return fmt.Errorf("delete blobs of %s: %w", mid, err)
	}

	if err := l.store.Contents().Delete(ctx, mid); err != nil {
		return fmt.Errorf("delete content of %s: %w", mid, err)
	}

	tid := content.ThreadID
	if tid == "" {
		tid = m.ThreadID
	}
	if err := l.deleteThreadEntries(ctx, tid, mid); err != nil {
		return err
	}
	l.opts.logger.DebugContext(ctx, "message content deleted", "message_id", mid, "owner", owner)
	return nil
}

func (l *CascadingDeletion) deleteAttachment(ctx context.Context, id store.AttachmentID) error {
	a, err := l.store.Attachments().Get(ctx, id)
	if store.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load attachment %s: %w", id, err)
	}
	if err := l.blobs.Delete(ctx, store.BucketAttachments, a.BlobID); err != nil {
		return fmt.Errorf("delete attachment blob %s: %w", a.BlobID, err)
	}
	if err := l.store.Attachments().Delete(ctx, id); err != nil {
		return fmt.Errorf("delete attachment %s: %w", id, err)
	}
	return nil
}

func (l *CascadingDeletion) deleteBlob(ctx context.Context, id store.BlobID) error {
	if id == "" {
		return nil
	}
	return l.blobs.Delete(ctx, store.BucketMessages, id)
}

func (l *CascadingDeletion) deleteThreadEntries(ctx context.Context, tid store.ThreadID, mid store.MessageID) error {
	if tid == "" {
		return nil
	}
	entry, err := l.store.ThreadLookup().SelectOne(ctx, tid, mid)
	if store.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("thread lookup of %s: %w", mid, err)
	}
	if err := l.store.Threads().DeleteSome(ctx, entry.User, entry.Hashes, mid); err != nil {
		return fmt.Errorf("delete thread rows of %s: %w", mid, err)
	}
	if err := l.store.ThreadLookup().DeleteOne(ctx, tid, mid); err != nil {
		return fmt.Errorf("delete thread lookup of %s: %w", mid, err)
	}
	return nil
}

// collector gathers errors from concurrent branches.
type collector struct {
	mu   sync.Mutex
	errs []error
}

func (c *collector) add(err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	c.errs = append(c.errs, err)
	c.mu.Unlock()
}

func (c *collector) err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return errors.Join(c.errs...)
}
