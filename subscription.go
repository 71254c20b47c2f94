package mailstore

import (
	"context"
	"fmt"
	"strings"
)

func validSubscription(name string) error {
	if name == "" || strings.ContainsAny(name, "\r\n") {
		return fmt.Errorf("%w: subscription name %q", ErrInvalidPath, name)
	}
	return nil
}

// Subscribe adds name to the user's subscriptions. The mailbox need not
// exist (RFC 3501 SUBSCRIBE).
func (c *userClient) Subscribe(ctx context.Context, name string) error {
	if err := c.checkAccess(); err != nil {
		return err
	}
	if err := validSubscription(name); err != nil {
		return err
	}
	return c.service.store.Subscriptions().Save(ctx, c.user, name)
}

// Unsubscribe removes name from the user's subscriptions.
func (c *userClient) Unsubscribe(ctx context.Context, name string) error {
	if err := c.checkAccess(); err != nil {
		return err
	}
	return c.service.store.Subscriptions().Delete(ctx, c.user, name)
}

// Subscriptions returns the user's subscriptions.
func (c *userClient) Subscriptions(ctx context.Context) ([]string, error) {
	if err := c.checkAccess(); err != nil {
		return nil, err
	}
	return c.service.store.Subscriptions().List(ctx, c.user)
}
