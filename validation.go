package mailstore

import (
	"fmt"

	"github.com/rbaliyan/mailstore/store"
)

// MaxUserLength is the longest accepted user name, in bytes.
const MaxUserLength = 255

// isValidUser validates a user name.
// Returns false if empty, too long, or containing characters that would
// break lock keys and escaped subscription names.
func isValidUser(user string) bool {
	if user == "" || len(user) > MaxUserLength {
		return false
	}
	// Allow alphanumeric, hyphen, underscore, period, at-sign
	// Disallow: *, %, :, /, \, spaces, and control characters
	for _, c := range user {
		if c == '*' || c == '%' || c == ':' || c == '/' || c == '\\' ||
			c == ' ' || c == '\t' || c == '\n' || c == '\r' ||
			c < 32 || c == 127 {
			return false
		}
	}
	return true
}

// ValidatePath sanitizes path and checks it can name a mailbox.
// The returned error matches ErrInvalidPath, and also
// ErrMailboxNameTooLong when the name is too long.
func ValidatePath(path store.MailboxPath, delim rune) (store.MailboxPath, error) {
	path = path.Sanitize(delim)
	if err := path.Validate(delim); err != nil {
		return path, mapStoreErr(err)
	}
	return path, nil
}

// validateAnnotation checks one annotation write against the limits.
func validateAnnotation(a store.Annotation, maxSize int) error {
	if err := store.ValidateAnnotationKey(a.Key); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidAnnotation, err)
	}
	if a.Size() > maxSize {
		return fmt.Errorf("%w: value of %s is %d bytes, limit %d", ErrAnnotationLimit, a.Key, a.Size(), maxSize)
	}
	return nil
}
