package mailstore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/rbaliyan/mailstore/acl"
	"github.com/rbaliyan/mailstore/events"
	"github.com/rbaliyan/mailstore/lock"
	"github.com/rbaliyan/mailstore/store"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"
)

type renameOptions struct {
	renameSubscriptions bool
}

// RenameOption configures RenameMailbox.
type RenameOption func(*renameOptions)

// WithSubscriptionRename moves the user's subscriptions along with the
// renamed mailboxes.
func WithSubscriptionRename() RenameOption {
	return func(o *renameOptions) {
		o.renameSubscriptions = true
	}
}

// RenameResult is one applied rename.
type RenameResult struct {
	MailboxID store.MailboxID
	From      store.MailboxPath
	To        store.MailboxPath
}

// RenameMailbox renames the mailbox at from, and every mailbox below it, to to.
//
// The root is renamed first. Sub-mailboxes are then renamed with bounded
// concurrency, each retried on its own. A failed sub-rename does not undo
// the others: the result lists what was applied and the error is a
// *PartialRenameError.
func (c *userClient) RenameMailbox(ctx context.Context, from, to store.MailboxPath, opts ...RenameOption) ([]RenameResult, error) {
	return c.renameMailbox(ctx, func(ctx context.Context) (*store.Mailbox, error) {
		return c.loadMailbox(ctx, from)
	}, to, opts)
}

// RenameMailboxByID renames the mailbox with id, and every mailbox below it, to to.
func (c *userClient) RenameMailboxByID(ctx context.Context, id store.MailboxID, to store.MailboxPath, opts ...RenameOption) ([]RenameResult, error) {
	return c.renameMailbox(ctx, func(ctx context.Context) (*store.Mailbox, error) {
		return c.loadMailboxByID(ctx, id)
	}, to, opts)
}

func (c *userClient) renameMailbox(ctx context.Context, load func(context.Context) (*store.Mailbox, error), to store.MailboxPath, opts []RenameOption) (results []RenameResult, err error) {
	release, err := c.beginMutation(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	o := &renameOptions{}
	for _, opt := range opts {
		opt(o)
	}

	ctx, end := c.service.otel.instrument(ctx, opRename, attribute.String("user", c.user))
	defer func() { end(err) }()

	mb, err := load(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.checkRenameSource(ctx, mb); err != nil {
		return nil, err
	}
	to, err = c.checkRenameTarget(ctx, mb.Path, to)
	if err != nil {
		return nil, err
	}

	var renameErr error
	err = lock.Do(ctx, c.service.locker, mb.Path.String(), lock.Exclusive, func(ctx context.Context) error {
		results, renameErr = c.renameTree(ctx, mb, to)
		return nil
	})
	if err != nil {
		return nil, mapStoreErr(err)
	}
	if len(results) == 0 {
		return nil, renameErr
	}

	errs := []error{renameErr}
	for _, r := range results {
		errs = append(errs, c.dispatch(ctx, events.MailboxRenamed{
			Header:  events.NewHeader(c.user, r.MailboxID, r.To),
			OldPath: r.From,
		}))
	}
	if o.renameSubscriptions {
		errs = append(errs, c.renameSubscriptions(ctx, results))
	}
	return results, errors.Join(errs...)
}

// checkRenameSource allows the owner or a holder of x. A user who cannot
// look the mailbox up is told it does not exist.
func (c *userClient) checkRenameSource(ctx context.Context, mb *store.Mailbox) error {
	rights, err := c.rightsOn(ctx, mb)
	if err != nil {
		return err
	}
	switch {
	case rights.Contains(acl.DeleteMailbox):
		return nil
	case !rights.Contains(acl.Lookup):
		return fmt.Errorf("%w: %s", ErrMailboxNotFound, mb.Path.Name)
	default:
		return &RightsError{User: c.user, Path: mb.Path, Right: acl.DeleteMailbox}
	}
}

// checkRenameTarget returns the sanitized target after checking it is free,
// creatable by the user and valid.
func (c *userClient) checkRenameTarget(ctx context.Context, from, to store.MailboxPath) (store.MailboxPath, error) {
	to = to.Sanitize(c.delim())
	if _, err := c.service.store.Mailboxes().FindByPath(ctx, to); err == nil {
		return to, fmt.Errorf("%w: %s", ErrMailboxExists, to.Name)
	} else if !store.IsNotFound(err) {
		return to, fmt.Errorf("find mailbox: %w", err)
	}
	if err := c.checkCreateRights(ctx, to); err != nil {
		return to, err
	}
	to, err := ValidatePath(to, c.delim())
	if err != nil {
		return to, err
	}
	if to.IsDescendantOf(from, c.delim()) {
		return to, mapStoreErr(&store.PathError{Path: to, Reason: "cannot move a mailbox below itself"})
	}
	return to, nil
}

// renameTree renames the root row, then its sub-mailboxes. It must run
// under the lock of the root path.
func (c *userClient) renameTree(ctx context.Context, root *store.Mailbox, to store.MailboxPath) ([]RenameResult, error) {
	mailboxes := c.service.store.Mailboxes()
	from := root.Path

	renamed, err := withRetry(ctx, c.service.opts.renameRetry, func(ctx context.Context) (*store.Mailbox, error) {
		return mailboxes.Rename(ctx, root.ID, to)
	})
	if err != nil {
		return nil, fmt.Errorf("rename %s: %w", from.Name, err)
	}
	results := []RenameResult{{MailboxID: root.ID, From: from, To: renamed.Path}}

	// INBOX is renamed alone: its children keep their names.
	if from.IsInbox() {
		return results, nil
	}

	prefix := from.ChildPrefix(c.delim())
	children, err := mailboxes.Find(ctx, store.MailboxQuery{
		Namespace:  from.Namespace,
		User:       from.User,
		Expression: store.PrefixedWildcard(prefix),
	})
	if err != nil {
		return results, &PartialRenameError{From: from, To: to, Failed: map[store.MailboxPath]error{from: err}}
	}

	var (
		wg     sync.WaitGroup
		sem    = semaphore.NewWeighted(int64(c.service.opts.renameConcurrency))
		done   = make([]*RenameResult, len(children))
		mu     sync.Mutex
		failed = make(map[store.MailboxPath]error)
	)
	for i, child := range children {
		if err := sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			failed[child.Path] = err
			mu.Unlock()
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			target := to.WithName(to.Name + strings.TrimPrefix(child.Path.Name, from.Name))
			mb, err := withRetry(ctx, c.service.opts.renameRetry, func(ctx context.Context) (*store.Mailbox, error) {
				return mailboxes.Rename(ctx, child.ID, target)
			})
			if err != nil {
				c.logger().WarnContext(ctx, "sub-mailbox rename failed",
					"from", child.Path.String(), "to", target.String(), "error", err)
				mu.Lock()
				failed[child.Path] = err
				mu.Unlock()
				return
			}
			done[i] = &RenameResult{MailboxID: child.ID, From: child.Path, To: mb.Path}
		}()
	}
	wg.Wait()

	for _, r := range done {
		if r != nil {
			results = append(results, *r)
		}
	}
	if len(failed) > 0 {
		return results, &PartialRenameError{From: from, To: to, Failed: failed}
	}
	return results, nil
}

// renameSubscriptions moves subscriptions of renamed mailboxes. Both the
// plain name and the escaped path form are recognized, and each keeps its
// form.
func (c *userClient) renameSubscriptions(ctx context.Context, results []RenameResult) error {
	subs := c.service.store.Subscriptions()
	current, err := subs.List(ctx, c.user)
	if err != nil {
		return fmt.Errorf("list subscriptions: %w", err)
	}
	var errs []error
	for _, r := range results {
		for _, form := range [][2]string{
			{r.From.Name, r.To.Name},
			{r.From.Escaped(), r.To.Escaped()},
		} {
			if !slices.Contains(current, form[0]) {
				continue
			}
			if err := subs.Save(ctx, c.user, form[1]); err != nil {
				errs = append(errs, fmt.Errorf("subscribe to %s: %w", form[1], err))
				continue
			}
			if err := subs.Delete(ctx, c.user, form[0]); err != nil {
				errs = append(errs, fmt.Errorf("unsubscribe from %s: %w", form[0], err))
			}
		}
	}
	return errors.Join(errs...)
}
