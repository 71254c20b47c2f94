package mailstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/rbaliyan/mailstore/acl"
	"github.com/rbaliyan/mailstore/events"
	"github.com/rbaliyan/mailstore/lock"
	"github.com/rbaliyan/mailstore/store"
	"go.opentelemetry.io/otel/attribute"
)

type createOptions struct {
	subscribe bool
}

// CreateOption configures CreateMailbox.
type CreateOption func(*createOptions)

// WithSubscription subscribes the user to every mailbox the call creates.
func WithSubscription() CreateOption {
	return func(o *createOptions) {
		o.subscribe = true
	}
}

// CreateMailbox creates the mailbox at path and any missing parent.
//
// Levels are created parent first, each under an exclusive path lock. A
// level created concurrently by someone else is skipped: the unique path
// guarantees a single row, and only the creator publishes MailboxAdded.
// An existing INBOX is only reported by the check before any lock is taken,
// so a caller racing another INBOX creation succeeds quietly.
// The returned id is the leaf's when this call created it.
func (c *userClient) CreateMailbox(ctx context.Context, path store.MailboxPath, opts ...CreateOption) (id store.MailboxID, created bool, err error) {
	release, err := c.beginMutation(ctx)
	if err != nil {
		return "", false, err
	}
	defer release()

	o := &createOptions{}
	for _, opt := range opts {
		opt(o)
	}

	ctx, end := c.service.otel.instrument(ctx, opCreate, attribute.String("user", c.user))
	defer func() { end(err) }()

	if err := c.checkCreateRights(ctx, path); err != nil {
		return "", false, err
	}
	if path.Name == "" {
		c.logger().WarnContext(ctx, "ignoring mailbox creation with an empty name", "user", c.user)
		return "", false, nil
	}
	path, err = ValidatePath(path, c.delim())
	if err != nil {
		return "", false, err
	}
	if _, err := c.service.store.Mailboxes().FindByPath(ctx, path); err == nil {
		if path.IsInbox() {
			return "", false, ErrInboxAlreadyCreated
		}
		return "", false, fmt.Errorf("%w: %s", ErrMailboxExists, path.Name)
	} else if !store.IsNotFound(err) {
		return "", false, fmt.Errorf("find mailbox: %w", err)
	}

	levels := path.HierarchyLevels(c.delim())
	for attempt := 0; ; attempt++ {
		id, created, err = c.createLevels(ctx, levels, o)
		if !errors.Is(err, errParentRemoved) || attempt == maxCreateWalks-1 {
			return id, created, err
		}
		c.logger().InfoContext(ctx, "parent removed during creation, walking again", "mailbox", path.String())
	}
}

// maxCreateWalks bounds how often a creation walks the hierarchy again after
// a concurrent rename or delete took away a parent.
const maxCreateWalks = 3

// errParentRemoved reports that a level's parent vanished before the level
// was inserted.
var errParentRemoved = fmt.Errorf("%w: parent removed concurrently", ErrMailboxNotFound)

func (c *userClient) createLevels(ctx context.Context, levels []store.MailboxPath, o *createOptions) (store.MailboxID, bool, error) {
	for i, level := range levels {
		leaf := i == len(levels)-1
		mb, err := c.createLevel(ctx, level)
		if err != nil {
			return "", false, err
		}
		if mb == nil {
			continue
		}
		if err := c.afterCreate(ctx, mb, o); err != nil {
			if leaf {
				return mb.ID, true, err
			}
			return "", false, err
		}
		if leaf {
			return mb.ID, true, nil
		}
	}
	return "", false, nil
}

// createLevel inserts one hierarchy level under an exclusive lock on the
// level and shared locks on its ancestors, so a rename or delete of an
// ancestor cannot interleave. It returns nil when the level already exists
// or a racer created it first.
func (c *userClient) createLevel(ctx context.Context, level store.MailboxPath) (*store.Mailbox, error) {
	mailboxes := c.service.store.Mailboxes()
	parents := level.Parents(c.delim())
	return withRetry(ctx, c.service.opts.createRetry, func(ctx context.Context) (*store.Mailbox, error) {
		var mb *store.Mailbox
		err := c.underAncestors(ctx, parents, func(ctx context.Context) error {
			return lock.Do(ctx, c.service.locker, level.String(), lock.Exclusive, func(ctx context.Context) error {
				if len(parents) > 0 {
					if _, err := mailboxes.FindByPath(ctx, parents[0]); store.IsNotFound(err) {
						return errParentRemoved
					} else if err != nil {
						return err
					}
				}
				if _, err := mailboxes.FindByPath(ctx, level); err == nil {
					return nil
				} else if !store.IsNotFound(err) {
					return err
				}
				created, err := mailboxes.Create(ctx, level, store.NewUidValidity())
				if store.IsMailboxExists(err) {
					c.logger().InfoContext(ctx, "mailbox created concurrently", "mailbox", level.String())
					return nil
				}
				mb = created
				return err
			})
		})
		return mb, err
	})
}

// underAncestors runs fn holding shared locks on every path of parents,
// which are nearest first. Locks are taken from the root down.
func (c *userClient) underAncestors(ctx context.Context, parents []store.MailboxPath, fn func(ctx context.Context) error) error {
	if len(parents) == 0 {
		return fn(ctx)
	}
	root := parents[len(parents)-1]
	return lock.Do(ctx, c.service.locker, root.String(), lock.Shared, func(ctx context.Context) error {
		return c.underAncestors(ctx, parents[:len(parents)-1], fn)
	})
}

// afterCreate publishes the creation, subscribes and inherits rights.
func (c *userClient) afterCreate(ctx context.Context, mb *store.Mailbox, o *createOptions) error {
	c.logger().DebugContext(ctx, "mailbox created", "mailbox", mb.Path.String(), "id", mb.ID)
	if err := c.dispatch(ctx, events.MailboxAdded{Header: events.NewHeader(c.user, mb.ID, mb.Path)}); err != nil {
		return err
	}
	if o.subscribe {
		if err := c.service.store.Subscriptions().Save(ctx, c.user, mb.Path.Escaped()); err != nil {
			return fmt.Errorf("subscribe to %s: %w", mb.Path.Name, err)
		}
	}
	return c.inheritRights(ctx, mb)
}

// inheritRights copies the ACL of the nearest existing ancestor.
func (c *userClient) inheritRights(ctx context.Context, mb *store.Mailbox) error {
	parent, err := c.nearestExisting(ctx, mb.Path)
	if err != nil || parent == nil {
		return err
	}
	inherited, err := c.service.store.ACLs().Get(ctx, parent.ID)
	if err != nil {
		return fmt.Errorf("load acl of %s: %w", parent.Path.Name, err)
	}
	if inherited.IsEmpty() {
		return nil
	}
	diff, err := c.service.store.ACLs().Set(ctx, mb.ID, inherited)
	if err != nil {
		return fmt.Errorf("inherit acl from %s: %w", parent.Path.Name, err)
	}
	mb.ACL = diff.New
	return c.applyRightsDiff(ctx, mb, diff)
}

// nearestExisting returns the closest existing proper ancestor of path, nil
// if none exists.
func (c *userClient) nearestExisting(ctx context.Context, path store.MailboxPath) (*store.Mailbox, error) {
	for _, parent := range path.Parents(c.delim()) {
		mb, err := c.service.store.Mailboxes().FindByPath(ctx, parent)
		if err == nil {
			return mb, nil
		}
		if !store.IsNotFound(err) {
			return nil, fmt.Errorf("find mailbox: %w", err)
		}
	}
	return nil, nil
}

// checkCreateRights allows the owner, or a user holding k on the nearest
// existing parent.
func (c *userClient) checkCreateRights(ctx context.Context, path store.MailboxPath) error {
	if path.BelongsTo(c.user) {
		return nil
	}
	parent, err := c.nearestExisting(ctx, path.Sanitize(c.delim()))
	if err != nil {
		return err
	}
	if parent == nil {
		return &RightsError{User: c.user, Path: path, Right: acl.CreateMailbox}
	}
	if parent, err = c.withACL(ctx, parent); err != nil {
		return err
	}
	rights, err := c.rightsOn(ctx, parent)
	if err != nil {
		return err
	}
	if !rights.Contains(acl.CreateMailbox) {
		return &RightsError{User: c.user, Path: path, Right: acl.CreateMailbox}
	}
	return nil
}
