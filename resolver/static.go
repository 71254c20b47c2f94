// Package resolver provides acl.GroupResolver implementations.
package resolver

import (
	"context"
	"slices"
)

// Static is a map-based group resolver for testing and simple deployments.
// Safe for concurrent use (read-only after creation).
type Static struct {
	groups map[string][]string
}

// NewStatic creates a Static resolver from a map of user to group names.
// The map is copied to prevent external mutation.
func NewStatic(groups map[string][]string) *Static {
	m := make(map[string][]string, len(groups))
	for user, g := range groups {
		m[user] = slices.Clone(g)
	}
	return &Static{groups: m}
}

// Groups returns the groups of user. Unknown users belong to no group.
func (s *Static) Groups(_ context.Context, user string) ([]string, error) {
	return slices.Clone(s.groups[user]), nil
}

