package mailstore

import (
	"context"
	"fmt"

	"github.com/rbaliyan/mailstore/acl"
	"github.com/rbaliyan/mailstore/events"
	"github.com/rbaliyan/mailstore/lock"
	"github.com/rbaliyan/mailstore/store"
	"go.opentelemetry.io/otel/attribute"
)

// DeleteMailbox deletes the mailbox at path and returns it as it was.
//
// Only the mailbox row is removed here. Messages, ACL and projections are
// cleaned up by the listener consuming the MailboxDeletion event.
func (c *userClient) DeleteMailbox(ctx context.Context, path store.MailboxPath) (*store.Mailbox, error) {
	return c.deleteMailbox(ctx, func(ctx context.Context) (*store.Mailbox, error) {
		return c.loadMailbox(ctx, path)
	})
}

// DeleteMailboxByID deletes the mailbox with id.
func (c *userClient) DeleteMailboxByID(ctx context.Context, id store.MailboxID) (*store.Mailbox, error) {
	return c.deleteMailbox(ctx, func(ctx context.Context) (*store.Mailbox, error) {
		return c.loadMailboxByID(ctx, id)
	})
}

// deletionSnapshot is what MailboxDeletion carries about the deleted mailbox.
type deletionSnapshot struct {
	quotaRoot string
	count     int64
	size      int64
	messages  []store.MessageMetadata
}

func (c *userClient) deleteMailbox(ctx context.Context, load func(context.Context) (*store.Mailbox, error)) (deleted *store.Mailbox, err error) {
	release, err := c.beginMutation(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	ctx, end := c.service.otel.instrument(ctx, opDelete, attribute.String("user", c.user))
	defer func() { end(err) }()

	mb, err := load(ctx)
	if err != nil {
		return nil, err
	}
	rights, err := c.rightsOn(ctx, mb)
	if err != nil {
		return nil, err
	}
	if !rights.Contains(acl.DeleteMailbox) {
		return nil, &RightsError{User: c.user, Path: mb.Path, Right: acl.DeleteMailbox}
	}

	snap, err := withRetry(ctx, c.service.opts.deleteRetry, func(ctx context.Context) (deletionSnapshot, error) {
		return c.snapshot(ctx, mb)
	})
	if err != nil {
		return nil, err
	}

	if err := c.service.plugins.beforeDeletion(ctx, DeletionRequest{
		Kind:     DeletionMailbox,
		User:     c.user,
		Mailbox:  mb.Clone(),
		Messages: snap.messages,
	}); err != nil {
		return nil, err
	}

	// The exclusive lock keeps a child creation from checking this mailbox
	// as its parent while the row goes away.
	err = lock.Do(ctx, c.service.locker, mb.Path.String(), lock.Exclusive, func(ctx context.Context) error {
		_, err := withRetry(ctx, c.service.opts.deleteRetry, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, c.service.store.Mailboxes().Delete(ctx, mb.ID)
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("delete mailbox %s: %w", mb.Path.Name, err)
	}
	c.logger().InfoContext(ctx, "mailbox deleted",
		"mailbox", mb.Path.String(), "id", mb.ID, "messages", snap.count, "size", snap.size)

	err = c.dispatch(ctx, events.MailboxDeletion{
		Header:     events.NewHeader(c.user, mb.ID, mb.Path),
		ACL:        mb.ACL.Clone(),
		QuotaRoot:  snap.quotaRoot,
		QuotaCount: snap.count,
		QuotaSize:  snap.size,
	})
	return mb.Clone(), err
}

// snapshot reads the quota root, the message count and the total size of mb.
func (c *userClient) snapshot(ctx context.Context, mb *store.Mailbox) (deletionSnapshot, error) {
	var snap deletionSnapshot
	root, err := c.service.opts.quotaRoot.QuotaRoot(ctx, mb.Path)
	if err != nil {
		return snap, fmt.Errorf("resolve quota root: %w", err)
	}
	counters, err := c.service.store.Counters().Get(ctx, mb.ID)
	if err != nil {
		return snap, fmt.Errorf("read counters: %w", err)
	}
	messages, err := c.service.store.Messages().List(ctx, mb.ID, store.AllUIDs())
	if err != nil {
		return snap, fmt.Errorf("list messages: %w", err)
	}
	snap.quotaRoot = root
	snap.count = counters.Count
	snap.messages = messages
	for _, m := range messages {
		snap.size += m.Size
	}
	return snap, nil
}
