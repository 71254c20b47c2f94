package store

import (
	"context"
	"errors"
	"fmt"
)

// Lifecycle is a backend that must be connected before use.
type Lifecycle interface {
	Connect(ctx context.Context) error
	Close(ctx context.Context) error
}

// Overrides replaces mappers of a base store. Nil fields keep the base mapper.
type Overrides struct {
	Subscriptions SubscriptionMapper
	Annotations   AnnotationMapper
	Threads       ThreadDAO
	ThreadLookup  ThreadLookupDAO

	// Lifecycles are connected after the base store and closed before it.
	Lifecycles []Lifecycle
}

// Compose returns a Store whose mappers come from base unless overridden,
// e.g. a postgres store with the thread tables kept in mongo.
func Compose(base Store, o Overrides) Store {
	return &composite{Store: base, o: o}
}

type composite struct {
	Store
	o Overrides
}

func (c *composite) Connect(ctx context.Context) error {
	if err := c.Store.Connect(ctx); err != nil {
		return err
	}
	for i, l := range c.o.Lifecycles {
		if err := l.Connect(ctx); err != nil {
			errs := []error{fmt.Errorf("store: connect component %d: %w", i, err)}
			for j := i - 1; j >= 0; j-- {
				errs = append(errs, c.o.Lifecycles[j].Close(ctx))
			}
			errs = append(errs, c.Store.Close(ctx))
			return errors.Join(errs...)
		}
	}
	return nil
}

func (c *composite) Close(ctx context.Context) error {
	var errs []error
	for i := len(c.o.Lifecycles) - 1; i >= 0; i-- {
		errs = append(errs, c.o.Lifecycles[i].Close(ctx))
	}
	errs = append(errs, c.Store.Close(ctx))
	return errors.Join(errs...)
}

func (c *composite) Subscriptions() SubscriptionMapper {
	if c.o.Subscriptions != nil {
		return c.o.Subscriptions
	}
	return c.Store.Subscriptions()
}

func (c *composite) Annotations() AnnotationMapper {
	if c.o.Annotations != nil {
		return c.o.Annotations
	}
	return c.Store.Annotations()
}

func (c *composite) Threads() ThreadDAO {
	if c.o.Threads != nil {
		return c.o.Threads
	}
	return c.Store.Threads()
}

func (c *composite) ThreadLookup() ThreadLookupDAO {
	if c.o.ThreadLookup != nil {
		return c.o.ThreadLookup
	}
	return c.Store.ThreadLookup()
}
