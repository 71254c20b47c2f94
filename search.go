package mailstore

import (
	"context"
	"fmt"
	"slices"

	"github.com/rbaliyan/mailstore/acl"
	"github.com/rbaliyan/mailstore/store"
	"github.com/rbaliyan/mailstore/thread"
	"go.opentelemetry.io/otel/attribute"
)

// FetchType selects how much SearchMailboxes loads per result.
type FetchType uint8

const (
	// FetchMinimal returns mailboxes, children flags and rights.
	FetchMinimal FetchType = iota
	// FetchCounters also loads message counters where the user may read.
	FetchCounters
)

// MailboxMetadata is one SearchMailboxes result.
type MailboxMetadata struct {
	Mailbox     *store.Mailbox
	HasChildren bool
	MyRights    acl.Rights
	// Counters is nil unless FetchCounters was requested and the user holds r.
	Counters *store.MailboxCounters
}

// GetMailbox returns the mailbox at path. The ACL is only included for
// users holding a.
func (c *userClient) GetMailbox(ctx context.Context, path store.MailboxPath) (*store.Mailbox, error) {
	if err := c.checkAccess(); err != nil {
		return nil, err
	}
	mb, err := c.loadMailbox(ctx, path)
	if err != nil {
		return nil, err
	}
	return c.visible(ctx, mb)
}

// GetMailboxByID returns the mailbox with id.
func (c *userClient) GetMailboxByID(ctx context.Context, id store.MailboxID) (*store.Mailbox, error) {
	if err := c.checkAccess(); err != nil {
		return nil, err
	}
	mb, err := c.loadMailboxByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return c.visible(ctx, mb)
}

func (c *userClient) visible(ctx context.Context, mb *store.Mailbox) (*store.Mailbox, error) {
	if err := c.require(ctx, mb, acl.Lookup); err != nil {
		return nil, err
	}
	rights, err := c.rightsOn(ctx, mb)
	if err != nil {
		return nil, err
	}
	if !rights.Contains(acl.Administer) {
		mb.ACL = nil
	}
	return mb, nil
}

// MailboxExists reports whether a mailbox the user can see exists at path.
func (c *userClient) MailboxExists(ctx context.Context, path store.MailboxPath) (bool, error) {
	if err := c.checkAccess(); err != nil {
		return false, err
	}
	mb, err := c.loadMailbox(ctx, path)
	if IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	rights, err := c.rightsOn(ctx, mb)
	if err != nil {
		return false, err
	}
	return rights.Contains(acl.Lookup), nil
}

// HasChildren reports whether a mailbox exists below path.
func (c *userClient) HasChildren(ctx context.Context, path store.MailboxPath) (bool, error) {
	if err := c.checkAccess(); err != nil {
		return false, err
	}
	path = path.Sanitize(c.delim())
	return c.service.store.Mailboxes().HasChildren(ctx, path, c.delim())
}

// delegationKeys are the ACL entries that can share a mailbox with user.
func delegationKeys(user string) []acl.EntryKey {
	return []acl.EntryKey{
		acl.UserKey(user),
		acl.AnyoneKey(),
		{Name: acl.SpecialAuthenticated, Type: acl.NameSpecial},
	}
}

// delegated returns the mailboxes of other users on which the user holds
// need. The reverse index only yields candidates, so each one is resolved
// against its full ACL.
func (c *userClient) delegated(ctx context.Context, need acl.Right) ([]*store.Mailbox, error) {
	seen := make(map[store.MailboxID]struct{})
	var out []*store.Mailbox
	for _, key := range delegationKeys(c.user) {
		candidates, err := c.service.store.UserRights().List(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("list delegated mailboxes: %w", err)
		}
		for id := range candidates {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			mb, err := c.loadMailboxByID(ctx, id)
			if IsNotFound(err) {
				continue
			}
			if err != nil {
				return nil, err
			}
			if mb.Owner() == c.user {
				continue
			}
			rights, err := c.rightsOn(ctx, mb)
			if err != nil {
				return nil, err
			}
			if rights.Contains(need) {
				out = append(out, mb)
			}
		}
	}
	return out, nil
}

// queryMatches reports whether q selects p. An empty namespace or user in q
// selects any.
func queryMatches(q store.MailboxQuery, p store.MailboxPath) bool {
	if q.Namespace != "" && q.Namespace != p.Namespace {
		return false
	}
	if q.User != "" && q.User != p.User {
		return false
	}
	return q.Expression == nil || q.Expression.Matches(p.Name)
}

// SearchMailboxes returns the mailboxes selected by q that the user can see:
// their own plus those shared with them, ordered by path.
func (c *userClient) SearchMailboxes(ctx context.Context, q store.MailboxQuery, fetch FetchType) (results []MailboxMetadata, err error) {
	if err := c.checkAccess(); err != nil {
		return nil, err
	}
	ctx, end := c.service.otel.instrument(ctx, opSearch, attribute.String("user", c.user), attribute.String("kind", "mailboxes"))
	defer func() { end(err) }()

	var found []*store.Mailbox
	if q.User == "" || q.User == c.user {
		own := q
		own.Namespace, own.User = store.NamespacePrivate, c.user
		if q.Namespace == "" || q.Namespace == store.NamespacePrivate {
			if found, err = c.service.store.Mailboxes().Find(ctx, own); err != nil {
				return nil, fmt.Errorf("find mailboxes: %w", err)
			}
		}
	}
	shared, err := c.delegated(ctx, acl.Lookup)
	if err != nil {
		return nil, err
	}
	for _, mb := range shared {
		if queryMatches(q, mb.Path) {
			found = append(found, mb)
		}
	}
	slices.SortFunc(found, func(a, b *store.Mailbox) int { return a.Path.Compare(b.Path) })

	results = make([]MailboxMetadata, 0, len(found))
	for _, mb := range found {
		md, err := c.describe(ctx, mb, fetch)
		if err != nil {
			return nil, err
		}
		results = append(results, md)
	}
	return results, nil
}

func (c *userClient) describe(ctx context.Context, mb *store.Mailbox, fetch FetchType) (MailboxMetadata, error) {
	if mb.ACL == nil {
		var err error
		if mb, err = c.withACL(ctx, mb); err != nil {
			return MailboxMetadata{}, err
		}
	}
	rights, err := c.rightsOn(ctx, mb)
	if err != nil {
		return MailboxMetadata{}, err
	}
	children, err := c.service.store.Mailboxes().HasChildren(ctx, mb.Path, c.delim())
	if err != nil {
		return MailboxMetadata{}, fmt.Errorf("check children of %s: %w", mb.Path.Name, err)
	}
	md := MailboxMetadata{Mailbox: mb, HasChildren: children, MyRights: rights}
	if fetch == FetchCounters && rights.Contains(acl.Read) {
		counters, err := c.service.store.Counters().Get(ctx, mb.ID)
		if err != nil {
			return MailboxMetadata{}, fmt.Errorf("read counters of %s: %w", mb.Path.Name, err)
		}
		md.Counters = &counters
	}
	if !rights.Contains(acl.Administer) {
		mb.ACL = nil
	}
	return md, nil
}

// readableMailboxes resolves the mailboxes a message search may look at.
func (c *userClient) readableMailboxes(ctx context.Context, q store.MessageQuery) ([]store.MailboxID, error) {
	var ids []store.MailboxID
	if len(q.InMailboxes) > 0 {
		for _, id := range q.InMailboxes {
			mb, err := c.loadMailboxByID(ctx, id)
			if IsNotFound(err) {
				continue
			}
			if err != nil {
				return nil, err
			}
			rights, err := c.rightsOn(ctx, mb)
			if err != nil {
				return nil, err
			}
			if rights.Contains(acl.Read) {
				ids = append(ids, mb.ID)
			}
		}
	} else {
		own, err := c.service.store.Mailboxes().Find(ctx, store.PrivateQuery(c.user, nil))
		if err != nil {
			return nil, fmt.Errorf("find mailboxes: %w", err)
		}
		for _, mb := range own {
			ids = append(ids, mb.ID)
		}
		if q.IncludeDelegated {
			shared, err := c.delegated(ctx, acl.Read)
			if err != nil {
				return nil, err
			}
			for _, mb := range shared {
				ids = append(ids, mb.ID)
			}
		}
	}
	ids = slices.DeleteFunc(ids, func(id store.MailboxID) bool {
		return slices.Contains(q.NotInMailboxes, id)
	})
	slices.Sort(ids)
	return slices.Compact(ids), nil
}

// SearchMessages returns messages matching q in the mailboxes the user may
// read, newest first. A limit of 0 uses the default limit; larger limits
// are capped.
func (c *userClient) SearchMessages(ctx context.Context, q store.MessageQuery, limit int) (results []store.MessageMetadata, err error) {
	if err := c.checkAccess(); err != nil {
		return nil, err
	}
	ctx, end := c.service.otel.instrument(ctx, opSearch, attribute.String("user", c.user), attribute.String("kind", "messages"))
	defer func() { end(err) }()

	opts := c.service.opts
	if limit <= 0 {
		limit = opts.defaultSearchLimit
	}
	if limit > opts.maxSearchLimit {
		limit = opts.maxSearchLimit
	}
	ids, err := c.readableMailboxes(ctx, q)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return c.service.index.Search(ctx, ids, q.Criteria, limit)
}

// threadFetcher loads thread members from the mailboxes the user may read.
func (c *userClient) threadFetcher(ctx context.Context) (thread.MessageFetcher, error) {
	ids, err := c.readableMailboxes(ctx, store.MessageQuery{IncludeDelegated: true})
	if err != nil {
		return nil, err
	}
	readable := make(map[store.MailboxID]struct{}, len(ids))
	for _, id := range ids {
		readable[id] = struct{}{}
	}
	return thread.FetcherFunc(func(ctx context.Context, mids []store.MessageID) ([]store.MessageMetadata, error) {
		var out []store.MessageMetadata
		for _, mid := range mids {
			rows, err := c.service.store.Messages().FindByMessageID(ctx, mid, store.ConsistencyWeak)
			if err != nil {
				return nil, fmt.Errorf("find message %s: %w", mid, err)
			}
			for _, m := range rows {
				if _, ok := readable[m.MailboxID]; ok {
					out = append(out, m)
				}
			}
		}
		return out, nil
	}), nil
}

// GetThread returns the messages of a thread the user may read, oldest first.
func (c *userClient) GetThread(ctx context.Context, tid store.ThreadID) ([]store.MessageID, error) {
	if err := c.checkAccess(); err != nil {
		return nil, err
	}
	f, err := c.threadFetcher(ctx)
	if err != nil {
		return nil, err
	}
	ids, err := c.service.threads.ListThread(ctx, tid, f)
	if err != nil {
		return nil, mapThreadErr(err)
	}
	return ids, nil
}

// GetLatestInThread returns up to limit of the most recent messages of a
// thread, newest first. A limit of 0 or less returns every message.
func (c *userClient) GetLatestInThread(ctx context.Context, tid store.ThreadID, limit int) ([]store.MessageID, error) {
	if err := c.checkAccess(); err != nil {
		return nil, err
	}
	f, err := c.threadFetcher(ctx)
	if err != nil {
		return nil, err
	}
	ids, err := c.service.threads.LatestInThread(ctx, tid, limit, f)
	if err != nil {
		return nil, mapThreadErr(err)
	}
	return ids, nil
}

func mapThreadErr(err error) error {
	if IsNotFound(err) {
		return fmt.Errorf("%w: %w", ErrThreadNotFound, err)
	}
	return err
}
