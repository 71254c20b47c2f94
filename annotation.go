package mailstore

import (
	"context"
	"fmt"

	"github.com/rbaliyan/mailstore/acl"
	"github.com/rbaliyan/mailstore/store"
	"go.opentelemetry.io/otel/attribute"
)

// GetAllAnnotations returns every annotation of the mailbox at path,
// ordered by key.
func (c *userClient) GetAllAnnotations(ctx context.Context, path store.MailboxPath) ([]store.Annotation, error) {
	if err := c.checkAccess(); err != nil {
		return nil, err
	}
	mb, err := c.loadMailbox(ctx, path)
	if err != nil {
		return nil, err
	}
	if err := c.require(ctx, mb, acl.Read); err != nil {
		return nil, err
	}
	return c.service.store.Annotations().GetAll(ctx, mb.ID)
}

// GetAnnotationsByKeys returns the annotations selected by keys at depth.
func (c *userClient) GetAnnotationsByKeys(ctx context.Context, path store.MailboxPath, keys []string, depth store.AnnotationDepth) ([]store.Annotation, error) {
	if err := c.checkAccess(); err != nil {
		return nil, err
	}
	for _, k := range keys {
		if err := store.ValidateAnnotationKey(k); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidAnnotation, err)
		}
	}
	mb, err := c.loadMailbox(ctx, path)
	if err != nil {
		return nil, err
	}
	if err := c.require(ctx, mb, acl.Read); err != nil {
		return nil, err
	}
	return c.service.store.Annotations().GetByKeys(ctx, mb.ID, keys, depth)
}

// UpdateAnnotations writes annotations. An empty value deletes the key.
// Every entry is checked before anything is written.
func (c *userClient) UpdateAnnotations(ctx context.Context, path store.MailboxPath, annotations []store.Annotation) (err error) {
	release, err := c.beginMutation(ctx)
	if err != nil {
		return err
	}
	defer release()

	ctx, end := c.service.otel.instrument(ctx, opAnnotation, attribute.String("user", c.user))
	defer func() { end(err) }()

	mb, err := c.loadMailbox(ctx, path)
	if err != nil {
		return err
	}
	if err := c.require(ctx, mb, acl.Write); err != nil {
		return err
	}

	am := c.service.store.Annotations()
	count, err := am.Count(ctx, mb.ID)
	if err != nil {
		return fmt.Errorf("count annotations: %w", err)
	}
	for _, a := range annotations {
		if err := validateAnnotation(a, c.service.opts.maxAnnotationSize); err != nil {
			return err
		}
		exists, err := am.Exists(ctx, mb.ID, a.Key)
		if err != nil {
			return fmt.Errorf("check annotation %s: %w", a.Key, err)
		}
		switch {
		case a.Value == "" && exists:
			count--
		case a.Value != "" && !exists:
			count++
		}
	}
	if count > c.service.opts.maxAnnotations {
		return fmt.Errorf("%w: %d annotations, limit %d", ErrAnnotationLimit, count, c.service.opts.maxAnnotations)
	}

	for _, a := range annotations {
		if a.Value == "" {
			err = am.Delete(ctx, mb.ID, a.Key)
		} else {
			err = am.InsertOrUpdate(ctx, mb.ID, a)
		}
		if err != nil {
			return fmt.Errorf("write annotation %s: %w", a.Key, err)
		}
	}
	return nil
}
