package acl

import (
	"context"
	"fmt"
)

// GroupResolver returns the groups a user belongs to.
type GroupResolver interface {
	Groups(ctx context.Context, user string) ([]string, error)
}

type noGroups struct{}

func (noGroups) Groups(context.Context, string) ([]string, error) { return nil, nil }

// Option configures a Resolver.
type Option func(*Resolver)

// WithGroupResolver sets the group membership source.
func WithGroupResolver(g GroupResolver) Option {
	return func(r *Resolver) {
		if g != nil {
			r.groups = g
		}
	}
}

// WithGrantable restricts the rights that may be stored in an ACL.
func WithGrantable(rights Rights) Option {
	return func(r *Resolver) {
		r.grantable = rights
	}
}

// Resolver computes the effective rights of a user on a mailbox.
type Resolver struct {
	groups    GroupResolver
	grantable Rights
}

// NewResolver creates a Resolver. By default every right is grantable and
// users belong to no group.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{groups: noGroups{}, grantable: AllRights}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Grantable returns the rights this deployment accepts in ACL writes.
func (r *Resolver) Grantable() Rights { return r.grantable }

// CheckGrantable returns ErrUnsupportedRight if rights holds a right that
// cannot be granted.
func (r *Resolver) CheckGrantable(rights Rights) error {
	if extra := rights.Except(r.grantable); !extra.IsEmpty() {
		return fmt.Errorf("%w: %s", ErrUnsupportedRight, extra)
	}
	return nil
}

// Resolve returns the rights of user on a mailbox owned by owner.
//
// The owner holds every right. For anyone else the result is the union of
// matching positive entries minus the union of matching negative entries.
func (r *Resolver) Resolve(ctx context.Context, a ACL, user, owner string) (Rights, error) {
	if user != "" && user == owner {
		return AllRights, nil
	}
	if a.IsEmpty() {
		return NoRights, nil
	}

	groups, err := r.groups.Groups(ctx, user)
	if err != nil {
		return NoRights, fmt.Errorf("acl: resolve groups of %s: %w", user, err)
	}
	member := make(map[string]struct{}, len(groups))
	for _, g := range groups {
		member[g] = struct{}{}
	}

	matches := func(k EntryKey) bool {
		switch k.Type {
		case NameUser:
			return k.Name == user
		case NameGroup:
			_, ok := member[k.Name]
			return ok
		case NameSpecial:
			switch k.Name {
			case SpecialAnyone:
				return true
			case SpecialAuthenticated:
				return user != ""
			case SpecialOwner:
				return user == owner
			}
		}
		return false
	}

	var granted, denied Rights
	for k, rights := range a {
		if !matches(k) {
			continue
		}
		if k.Negative {
			denied = denied.Union(rights)
		} else {
			granted = granted.Union(rights)
		}
	}
	return granted.Except(denied), nil
}

// HasRight reports whether user holds right on a mailbox owned by owner.
func (r *Resolver) HasRight(ctx context.Context, a ACL, user, owner string, right Right) (bool, error) {
	rights, err := r.Resolve(ctx, a, user, owner)
	if err != nil {
		return false, err
	}
	return rights.Contains(right), nil
}

// ListRights returns the rights that may be granted to key, as RFC 4314
// LISTRIGHTS does: the owner is always granted everything, others may be
// granted any grantable right.
func (r *Resolver) ListRights(key EntryKey, owner string) (required Rights, optional []Right) {
	if key.Type == NameUser && key.Name == owner {
		return AllRights, nil
	}
	return NoRights, r.grantable.List()
}
