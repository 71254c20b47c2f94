package mailstore

import (
	"context"

	"github.com/rbaliyan/mailstore/store"
)

// QuotaRootResolver names the quota root a mailbox is accounted against
// (RFC 2087). The root travels with MailboxDeletion events so quota
// accounting can release the deleted usage.
type QuotaRootResolver interface {
	QuotaRoot(ctx context.Context, path store.MailboxPath) (string, error)
}

// QuotaRootFunc adapts a function to QuotaRootResolver.
type QuotaRootFunc func(ctx context.Context, path store.MailboxPath) (string, error)

// QuotaRoot calls f.
func (f QuotaRootFunc) QuotaRoot(ctx context.Context, path store.MailboxPath) (string, error) {
	return f(ctx, path)
}

// UserQuotaRoot puts every mailbox of a user under one root,
// "<namespace>&<user>".
type UserQuotaRoot struct{}

// QuotaRoot returns the user's root.
func (UserQuotaRoot) QuotaRoot(_ context.Context, path store.MailboxPath) (string, error) {
	return path.Namespace + "&" + path.User, nil
}
