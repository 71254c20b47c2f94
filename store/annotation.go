package store

import (
	"fmt"
	"strings"
)

// AnnotationDepth selects how far below a requested key annotations are
// returned (RFC 5464 DEPTH).
type AnnotationDepth uint8

const (
	DepthZero AnnotationDepth = iota
	DepthOne
	DepthInfinity
)

const (
	annotationPrivatePrefix = "/private/"
	annotationSharedPrefix  = "/shared/"
)

// ValidateAnnotationKey checks that key is a well-formed RFC 5464 entry name
// under /private or /shared.
func ValidateAnnotationKey(key string) error {
	switch {
	case !strings.HasPrefix(key, annotationPrivatePrefix) && !strings.HasPrefix(key, annotationSharedPrefix):
		return fmt.Errorf("annotation key %q must start with /private/ or /shared/", key)
	case strings.HasSuffix(key, "/"):
		return fmt.Errorf("annotation key %q must not end with '/'", key)
	case strings.Contains(key, "//"):
		return fmt.Errorf("annotation key %q has an empty component", key)
	case strings.ContainsAny(key, "*%"):
		return fmt.Errorf("annotation key %q contains a wildcard", key)
	}
	for _, c := range key {
		if c < 0x20 || c > 0x7e {
			return fmt.Errorf("annotation key %q has a non printable character", key)
		}
	}
	return nil
}

// AnnotationKeyMatches reports whether key is selected by a request for
// requested at the given depth.
func AnnotationKeyMatches(key, requested string, depth AnnotationDepth) bool {
	if strings.EqualFold(key, requested) {
		return true
	}
	prefix := requested + "/"
	if len(key) <= len(prefix) || !strings.EqualFold(key[:len(prefix)], prefix) {
		return false
	}
	switch depth {
	case DepthOne:
		return !strings.Contains(key[len(prefix):], "/")
	case DepthInfinity:
		return true
	default:
		return false
	}
}
