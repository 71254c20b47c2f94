package mailstore

import (
	"context"
	"fmt"

	"github.com/rbaliyan/mailstore/acl"
	"github.com/rbaliyan/mailstore/events"
	"github.com/rbaliyan/mailstore/store"
	"go.opentelemetry.io/otel/attribute"
)

// loadMailbox finds the mailbox at path with its ACL.
func (c *userClient) loadMailbox(ctx context.Context, path store.MailboxPath) (*store.Mailbox, error) {
	path = path.Sanitize(c.delim())
	mb, err := c.service.store.Mailboxes().FindByPath(ctx, path)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrMailboxNotFound, path.Name)
		}
		return nil, fmt.Errorf("find mailbox: %w", err)
	}
	return c.withACL(ctx, mb)
}

// loadMailboxByID finds the mailbox with id with its ACL.
func (c *userClient) loadMailboxByID(ctx context.Context, id store.MailboxID) (*store.Mailbox, error) {
	if id == "" {
		return nil, fmt.Errorf("mailstore: %w: empty mailbox id", store.ErrInvalidID)
	}
	mb, err := c.service.store.Mailboxes().FindByID(ctx, id)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrMailboxNotFound, id)
		}
		return nil, fmt.Errorf("find mailbox: %w", err)
	}
	return c.withACL(ctx, mb)
}

func (c *userClient) withACL(ctx context.Context, mb *store.Mailbox) (*store.Mailbox, error) {
	a, err := c.service.store.ACLs().Get(ctx, mb.ID)
	if err != nil {
		return nil, fmt.Errorf("load acl of %s: %w", mb.ID, err)
	}
	mb.ACL = a
	return mb, nil
}

// rightsOn resolves the rights of the client's user on mb.
func (c *userClient) rightsOn(ctx context.Context, mb *store.Mailbox) (acl.Rights, error) {
	return c.service.resolver.Resolve(ctx, mb.ACL, c.user, mb.Owner())
}

// require returns a *RightsError for the first right the user lacks on mb.
// A user who cannot even look the mailbox up gets ErrMailboxNotFound.
func (c *userClient) require(ctx context.Context, mb *store.Mailbox, rights ...acl.Right) error {
	have, err := c.rightsOn(ctx, mb)
	if err != nil {
		return err
	}
	for _, r := range rights {
		if have.Contains(r) {
			continue
		}
		if !have.Contains(acl.Lookup) {
			return fmt.Errorf("%w: %s", ErrMailboxNotFound, mb.Path.Name)
		}
		return &RightsError{User: c.user, Path: mb.Path, Right: r}
	}
	return nil
}

// HasRight reports whether the user holds right on the mailbox at path.
func (c *userClient) HasRight(ctx context.Context, path store.MailboxPath, right acl.Right) (bool, error) {
	if err := c.checkAccess(); err != nil {
		return false, err
	}
	mb, err := c.loadMailbox(ctx, path)
	if err != nil {
		return false, err
	}
	return c.service.resolver.HasRight(ctx, mb.ACL, c.user, mb.Owner(), right)
}

// MyRights returns the rights of the user on the mailbox at path.
func (c *userClient) MyRights(ctx context.Context, path store.MailboxPath) (acl.Rights, error) {
	if err := c.checkAccess(); err != nil {
		return acl.NoRights, err
	}
	mb, err := c.loadMailbox(ctx, path)
	if err != nil {
		return acl.NoRights, err
	}
	return c.myRights(ctx, mb)
}

// MyRightsByID returns the rights of the user on the mailbox with id.
func (c *userClient) MyRightsByID(ctx context.Context, id store.MailboxID) (acl.Rights, error) {
	if err := c.checkAccess(); err != nil {
		return acl.NoRights, err
	}
	mb, err := c.loadMailboxByID(ctx, id)
	if err != nil {
		return acl.NoRights, err
	}
	return c.myRights(ctx, mb)
}

func (c *userClient) myRights(ctx context.Context, mb *store.Mailbox) (acl.Rights, error) {
	rights, err := c.rightsOn(ctx, mb)
	if err != nil {
		return acl.NoRights, err
	}
	// A user without any right cannot learn the mailbox exists.
	if rights.IsEmpty() {
		return acl.NoRights, fmt.Errorf("%w: %s", ErrMailboxNotFound, mb.Path.Name)
	}
	return rights, nil
}

// ListRights returns what may be granted to key (RFC 4314 LISTRIGHTS): the
// rights always granted first, then each optional right.
func (c *userClient) ListRights(ctx context.Context, path store.MailboxPath, key acl.EntryKey) ([]acl.Rights, error) {
	if err := c.checkAccess(); err != nil {
		return nil, err
	}
	mb, err := c.loadMailbox(ctx, path)
	if err != nil {
		return nil, err
	}
	if err := c.require(ctx, mb, acl.Administer); err != nil {
		return nil, err
	}
	required, optional := c.service.resolver.ListRights(key, mb.Owner())
	out := make([]acl.Rights, 0, len(optional)+1)
	out = append(out, required)
	for _, r := range optional {
		out = append(out, acl.NewRights(r))
	}
	return out, nil
}

// ListACL returns the ACL of the mailbox at path.
func (c *userClient) ListACL(ctx context.Context, path store.MailboxPath) (acl.ACL, error) {
	if err := c.checkAccess(); err != nil {
		return nil, err
	}
	mb, err := c.loadMailbox(ctx, path)
	if err != nil {
		return nil, err
	}
	if err := c.require(ctx, mb, acl.Administer); err != nil {
		return nil, err
	}
	return mb.ACL.Clone(), nil
}

// ApplyRightsCommand edits one ACL entry of the mailbox at path.
func (c *userClient) ApplyRightsCommand(ctx context.Context, path store.MailboxPath, cmd acl.Command) error {
	return c.editACL(ctx, func(ctx context.Context) (*store.Mailbox, error) {
		return c.loadMailbox(ctx, path)
	}, func(ctx context.Context, id store.MailboxID) (acl.Diff, error) {
		if err := c.checkGrantable(cmd.Rights); err != nil {
			return acl.Diff{}, err
		}
		return c.service.store.ACLs().Update(ctx, id, cmd)
	})
}

// ApplyRightsCommandByID edits one ACL entry of the mailbox with id.
func (c *userClient) ApplyRightsCommandByID(ctx context.Context, id store.MailboxID, cmd acl.Command) error {
	return c.editACL(ctx, func(ctx context.Context) (*store.Mailbox, error) {
		return c.loadMailboxByID(ctx, id)
	}, func(ctx context.Context, id store.MailboxID) (acl.Diff, error) {
		if err := c.checkGrantable(cmd.Rights); err != nil {
			return acl.Diff{}, err
		}
		return c.service.store.ACLs().Update(ctx, id, cmd)
	})
}

// SetRights replaces the ACL of the mailbox at path.
func (c *userClient) SetRights(ctx context.Context, path store.MailboxPath, a acl.ACL) error {
	return c.editACL(ctx, func(ctx context.Context) (*store.Mailbox, error) {
		return c.loadMailbox(ctx, path)
	}, c.replaceACL(a))
}

// SetRightsByID replaces the ACL of the mailbox with id.
func (c *userClient) SetRightsByID(ctx context.Context, id store.MailboxID, a acl.ACL) error {
	return c.editACL(ctx, func(ctx context.Context) (*store.Mailbox, error) {
		return c.loadMailboxByID(ctx, id)
	}, c.replaceACL(a))
}

func (c *userClient) replaceACL(a acl.ACL) func(context.Context, store.MailboxID) (acl.Diff, error) {
	return func(ctx context.Context, id store.MailboxID) (acl.Diff, error) {
		for _, rights := range a {
			if err := c.checkGrantable(rights); err != nil {
				return acl.Diff{}, err
			}
		}
		return c.service.store.ACLs().Set(ctx, id, a.Clone())
	}
}

func (c *userClient) checkGrantable(rights acl.Rights) error {
	if err := c.service.resolver.CheckGrantable(rights); err != nil {
		return fmt.Errorf("%w: %w", ErrUnsupportedRight, err)
	}
	return nil
}

// editACL runs an ACL write. The ACL row is written first, then the user
// rights index is brought in line with the diff.
func (c *userClient) editACL(ctx context.Context, load func(context.Context) (*store.Mailbox, error), write func(context.Context, store.MailboxID) (acl.Diff, error)) (err error) {
	release, err := c.beginMutation(ctx)
	if err != nil {
		return err
	}
	defer release()

	ctx, end := c.service.otel.instrument(ctx, opSetRights, attribute.String("user", c.user))
	defer func() { end(err) }()

	mb, err := load(ctx)
	if err != nil {
		return err
	}
	if err := c.require(ctx, mb, acl.Administer); err != nil {
		return err
	}
	diff, err := write(ctx, mb.ID)
	if err != nil {
		return err
	}
	return c.applyRightsDiff(ctx, mb, diff)
}

// applyRightsDiff updates the reverse index and publishes the change.
func (c *userClient) applyRightsDiff(ctx context.Context, mb *store.Mailbox, diff acl.Diff) error {
	if diff.IsEmpty() {
		return nil
	}
	if err := c.service.store.UserRights().Apply(ctx, mb.ID, diff); err != nil {
		return fmt.Errorf("update user rights index: %w", err)
	}
	c.logger().DebugContext(ctx, "acl updated", "mailbox", mb.Path.String(), "acl", diff.New.String())
	return c.dispatch(ctx, events.ACLUpdated{
		Header: events.NewHeader(c.user, mb.ID, mb.Path),
		Diff:   diff,
	})
}
