package mailstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rbaliyan/mailstore/acl"
	"github.com/rbaliyan/mailstore/events"
	"github.com/rbaliyan/mailstore/store"
	"go.opentelemetry.io/otel/attribute"
)

// CopyMessages copies the messages of r from one mailbox to another and
// returns the UIDs they got in the destination. Content is shared, only
// association rows are written.
func (c *userClient) CopyMessages(ctx context.Context, r store.UIDRange, from, to store.MailboxPath) (uids []store.UIDRange, err error) {
	release, err := c.beginMutation(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	ctx, end := c.service.otel.instrument(ctx, opCopy, attribute.String("user", c.user))
	defer func() { end(err) }()

	src, dst, err := c.copyEnds(ctx, from, to, acl.Read)
	if err != nil {
		return nil, err
	}
	_, uids, err = c.copyRange(ctx, src, dst, r)
	return uids, err
}

// MoveMessages moves the messages of r from one mailbox to another. The
// source associations are removed after the copy succeeded.
func (c *userClient) MoveMessages(ctx context.Context, r store.UIDRange, from, to store.MailboxPath) (uids []store.UIDRange, err error) {
	release, err := c.beginMutation(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	ctx, end := c.service.otel.instrument(ctx, opMove, attribute.String("user", c.user))
	defer func() { end(err) }()

	src, dst, err := c.copyEnds(ctx, from, to, acl.Read, acl.DeleteMessages, acl.PerformExpunge)
	if err != nil {
		return nil, err
	}
	moved, uids, err := c.copyRange(ctx, src, dst, r)
	// A failed publish does not undo the copy, so the move still completes.
	if _, pubFailed := IsEventPublishError(err); err != nil && !pubFailed {
		return uids, err
	}
	if len(moved) == 0 {
		return uids, err
	}
	_, rmErr := c.removeAssociations(ctx, src, moved)
	return uids, errors.Join(err, rmErr)
}

// copyEnds loads both mailboxes and checks srcRights on the source and i on
// the destination.
func (c *userClient) copyEnds(ctx context.Context, from, to store.MailboxPath, srcRights ...acl.Right) (*store.Mailbox, *store.Mailbox, error) {
	src, err := c.loadMailbox(ctx, from)
	if err != nil {
		return nil, nil, err
	}
	if err := c.require(ctx, src, srcRights...); err != nil {
		return nil, nil, err
	}
	dst, err := c.loadMailbox(ctx, to)
	if err != nil {
		return nil, nil, err
	}
	if err := c.require(ctx, dst, acl.Insert); err != nil {
		return nil, nil, err
	}
	return src, dst, nil
}

// copyRange writes new associations in dst for the messages of r in src. It
// returns the copied source rows and the destination UIDs.
func (c *userClient) copyRange(ctx context.Context, src, dst *store.Mailbox, r store.UIDRange) ([]store.MessageMetadata, []store.UIDRange, error) {
	messages := c.service.store.Messages()
	rows, err := messages.List(ctx, src.ID, r)
	if err != nil {
		return nil, nil, fmt.Errorf("list messages: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil, nil
	}

	var (
		copied []store.MessageMetadata
		added  []store.MessageMetadata
		uids   []store.UID
	)
	now := time.Now()
	for _, m := range rows {
		uid, err := messages.NextUID(ctx, dst.ID)
		if err != nil {
			return copied, store.CompactUIDs(uids), fmt.Errorf("allocate uid: %w", err)
		}
		modseq, err := messages.NextModSeq(ctx, dst.ID)
		if err != nil {
			return copied, store.CompactUIDs(uids), fmt.Errorf("allocate modseq: %w", err)
		}
		row := m.Clone()
		row.MailboxID = dst.ID
		row.UID = uid
		row.ModSeq = modseq
		row.Flags = row.Flags.Union(store.Flags{System: store.FlagRecent})
		row.SaveDate = now
		if err := messages.Add(ctx, row); err != nil {
			return copied, store.CompactUIDs(uids), fmt.Errorf("add message: %w", err)
		}
		copied = append(copied, m)
		added = append(added, row)
		uids = append(uids, uid)
	}

	if err := c.indexAdded(ctx, dst.ID, added); err != nil {
		return copied, store.CompactUIDs(uids), err
	}
	c.logger().DebugContext(ctx, "messages copied",
		"from", src.Path.String(), "to", dst.Path.String(), "count", len(added))
	return copied, store.CompactUIDs(uids), c.dispatch(ctx, events.Added{
		Header:   events.NewHeader(c.user, dst.ID, dst.Path),
		Messages: events.MetadataByUID(added),
	})
}
