package mailstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rbaliyan/mailstore/acl"
	"github.com/rbaliyan/mailstore/lock"
	"github.com/rbaliyan/mailstore/retry"
	"github.com/rbaliyan/mailstore/store"
	"github.com/rbaliyan/mailstore/thread"
)

// Sentinel errors for the mailstore package.
// Use errors.Is() to check for these errors.
//
// These errors wrap corresponding store-level errors where applicable,
// so errors.Is(err, mailstore.ErrMailboxNotFound) also matches
// store.ErrNotFound.
var (
	// ErrMailboxNotFound is returned when a mailbox cannot be found, or the
	// user may not see it.
	ErrMailboxNotFound = fmt.Errorf("mailstore: mailbox %w", store.ErrNotFound)

	// ErrThreadNotFound is returned when a thread has no visible member.
	ErrThreadNotFound = fmt.Errorf("mailstore: %w", thread.ErrNotFound)

	// ErrMailboxExists is returned when the target path is taken.
	ErrMailboxExists = fmt.Errorf("mailstore: %w", store.ErrMailboxExists)

	// ErrInboxAlreadyCreated is returned when INBOX is created twice.
	ErrInboxAlreadyCreated = errors.New("mailstore: inbox already created")

	// ErrInsufficientRights is returned when the user lacks a right.
	ErrInsufficientRights = errors.New("mailstore: insufficient rights")

	// ErrInvalidPath is returned for an unacceptable mailbox path.
	ErrInvalidPath = fmt.Errorf("mailstore: %w", store.ErrInvalidPath)

	// ErrMailboxNameTooLong is returned when a mailbox name is too long.
	ErrMailboxNameTooLong = fmt.Errorf("mailstore: %w", store.ErrNameTooLong)

	// ErrInvalidUser is returned when a user name contains invalid characters.
	ErrInvalidUser = errors.New("mailstore: invalid user")

	// ErrUnsupportedRight is returned for a right that cannot be granted.
	ErrUnsupportedRight = fmt.Errorf("mailstore: %w", acl.ErrUnsupportedRight)

	// ErrInvalidAnnotation is returned for a malformed annotation key.
	ErrInvalidAnnotation = errors.New("mailstore: invalid annotation")

	// ErrAnnotationLimit is returned when a mailbox would hold too many
	// annotations or a value is too large.
	ErrAnnotationLimit = errors.New("mailstore: annotation limit exceeded")

	// ErrInvalidMessage is returned when a message cannot be parsed.
	ErrInvalidMessage = errors.New("mailstore: invalid message")

	// ErrBlobStoreRequired is returned by message storage without a blob store.
	ErrBlobStoreRequired = errors.New("mailstore: blob store is required")

	// ErrStoreRequired is returned when no store is configured.
	ErrStoreRequired = errors.New("mailstore: store is required")

	// ErrNotConnected is returned when operations are attempted before Connect().
	ErrNotConnected = fmt.Errorf("mailstore: %w", store.ErrNotConnected)

	// ErrAlreadyConnected is returned when Connect() is called twice.
	ErrAlreadyConnected = fmt.Errorf("mailstore: %w", store.ErrAlreadyConnected)
)

// Error taxonomy helpers.

// IsNotFound reports whether err means something does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrMailboxNotFound) || errors.Is(err, store.ErrNotFound) || errors.Is(err, thread.ErrNotFound)
}

// IsConflict reports whether err is a uniqueness conflict.
func IsConflict(err error) bool {
	return errors.Is(err, store.ErrMailboxExists) || errors.Is(err, ErrInboxAlreadyCreated) ||
		errors.Is(err, store.ErrDuplicateEntry)
}

// IsForbidden reports whether err is a rights failure.
func IsForbidden(err error) bool {
	return errors.Is(err, ErrInsufficientRights)
}

// IsValidation reports whether err rejects the caller's input.
func IsValidation(err error) bool {
	for _, target := range []error{
		store.ErrInvalidPath, store.ErrNameTooLong, ErrInvalidUser, ErrInvalidAnnotation,
		ErrAnnotationLimit, ErrInvalidMessage, store.ErrInvalidID,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsUnsupported reports whether err names an unsupported right.
func IsUnsupported(err error) bool {
	return errors.Is(err, acl.ErrUnsupportedRight) || errors.Is(err, store.ErrNotSupported)
}

// IsRetryableError determines if an error is retryable.
// Domain errors (not found, conflicts, rights, validation) are permanent.
// Unknown errors are treated as transient storage failures.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if IsNotFound(err) || IsConflict(err) || IsForbidden(err) || IsValidation(err) || IsUnsupported(err) {
		return false
	}
	if errors.Is(err, ErrStoreRequired) || errors.Is(err, ErrBlobStoreRequired) || errors.Is(err, store.ErrNotConnected) {
		return false
	}
	return retry.DefaultIsRetryable(err)
}

// permanent marks domain errors so the retry loop stops on them.
func permanent(err error) error {
	if err != nil && !IsRetryableError(err) {
		return retry.MarkNotRetryable(err)
	}
	return err
}

// unwrapRetry returns the cause of a failed retry loop.
func unwrapRetry(err error) error {
	var re *retry.RetryError
	if errors.As(err, &re) && errors.Is(re.Err, retry.ErrNotRetryable) {
		return re.Cause
	}
	return err
}

// mapStoreErr translates store sentinels into package sentinels.
func mapStoreErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrMailboxExists), errors.Is(err, ErrInvalidPath), errors.Is(err, ErrMailboxNotFound):
		return err
	case errors.Is(err, store.ErrMailboxExists):
		return fmt.Errorf("%w: %w", ErrMailboxExists, err)
	case errors.Is(err, store.ErrNameTooLong):
		return fmt.Errorf("%w: %w", ErrInvalidPath, fmt.Errorf("%w: %w", ErrMailboxNameTooLong, err))
	case errors.Is(err, store.ErrInvalidPath):
		return fmt.Errorf("%w: %w", ErrInvalidPath, err)
	case errors.Is(err, lock.ErrNotAcquired):
		return retry.MarkRetryable(err)
	}
	return err
}

// RightsError reports a missing right.
type RightsError struct {
	User  string
	Path  store.MailboxPath
	Right acl.Right
}

func (e *RightsError) Error() string {
	return fmt.Sprintf("mailstore: %s lacks right %q on %s", e.User, string(e.Right), e.Path)
}

func (e *RightsError) Unwrap() error {
	return ErrInsufficientRights
}

// PathError is the store path error, re-exported so callers can inspect it
// without importing store.
type PathError = store.PathError

// PartialRenameError reports sub-mailboxes that could not be renamed. The
// renames listed in the result of RenameMailbox were applied and are not
// rolled back.
type PartialRenameError struct {
	From   store.MailboxPath
	To     store.MailboxPath
	Failed map[store.MailboxPath]error
}

func (e *PartialRenameError) Error() string {
	paths := make([]string, 0, len(e.Failed))
	for p := range e.Failed {
		paths = append(paths, p.Name)
	}
	sort.Strings(paths)
	return fmt.Sprintf("mailstore: rename %s to %s failed for %d sub-mailboxes (%s)",
		e.From.Name, e.To.Name, len(e.Failed), strings.Join(paths, ", "))
}

// Unwrap returns the individual failures.
func (e *PartialRenameError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failed))
	for _, err := range e.Failed {
		errs = append(errs, err)
	}
	return errs
}

// FailedPaths returns the paths that kept their old name.
func (e *PartialRenameError) FailedPaths() []store.MailboxPath {
	out := make([]store.MailboxPath, 0, len(e.Failed))
	for p := range e.Failed {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out
}

// IsPartialRename checks if the error is a partial rename error and returns details.
func IsPartialRename(err error) (*PartialRenameError, bool) {
	var pre *PartialRenameError
	if errors.As(err, &pre) {
		return pre, true
	}
	return nil, false
}

// EventPublishError is returned when event publishing fails but the operation succeeded.
type EventPublishError struct {
	Event     string          // The event kind
	MailboxID store.MailboxID // The mailbox the event was for
	Err       error           // The underlying publish error
}

func (e *EventPublishError) Error() string {
	return fmt.Sprintf("mailstore: event %s publish failed for mailbox %s: %v", e.Event, e.MailboxID, e.Err)
}

func (e *EventPublishError) Unwrap() error {
	return e.Err
}

// IsEventPublishError checks if the error is an event publish error and returns details.
func IsEventPublishError(err error) (*EventPublishError, bool) {
	var epe *EventPublishError
	if errors.As(err, &epe) {
		return epe, true
	}
	return nil, false
}

// withRetry runs fn under cfg. Domain errors stop the loop and are returned
// as they are.
func withRetry[T any](ctx context.Context, cfg retry.Config, fn func(ctx context.Context) (T, error)) (T, error) {
	if cfg.IsRetryable == nil {
		cfg.IsRetryable = IsRetryableError
	}
	out, err := retry.DoWithResult(ctx, cfg, func(ctx context.Context) (T, error) {
		v, err := fn(ctx)
		return v, permanent(mapStoreErr(err))
	})
	return out, unwrapRetry(err)
}
