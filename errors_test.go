package mailstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rbaliyan/mailstore/acl"
	"github.com/rbaliyan/mailstore/lock"
	"github.com/rbaliyan/mailstore/retry"
	"github.com/rbaliyan/mailstore/store"
	"github.com/rbaliyan/mailstore/thread"
)

func TestSentinelsWrapStoreErrors(t *testing.T) {
	tests := []struct {
		err    error
		target error
	}{
		{ErrMailboxNotFound, store.ErrNotFound},
		{ErrThreadNotFound, thread.ErrNotFound},
		{ErrMailboxExists, store.ErrMailboxExists},
		{ErrInvalidPath, store.ErrInvalidPath},
		{ErrMailboxNameTooLong, store.ErrNameTooLong},
		{ErrUnsupportedRight, acl.ErrUnsupportedRight},
		{ErrNotConnected, store.ErrNotConnected},
		{ErrAlreadyConnected, store.ErrAlreadyConnected},
	}
	for _, tt := range tests {
		if !errors.Is(tt.err, tt.target) {
			t.Errorf("%v should match %v", tt.err, tt.target)
		}
	}
}

func TestErrorTaxonomy(t *testing.T) {
	rightsErr := &RightsError{User: "alice", Path: store.NewPath("bob", "x"), Right: acl.Read}
	tests := []struct {
		name      string
		err       error
		check     func(error) bool
		retryable bool
	}{
		{"not found", fmt.Errorf("load: %w", ErrMailboxNotFound), IsNotFound, false},
		{"store not found", store.ErrNotFound, IsNotFound, false},
		{"thread not found", ErrThreadNotFound, IsNotFound, false},
		{"exists", ErrMailboxExists, IsConflict, false},
		{"inbox", ErrInboxAlreadyCreated, IsConflict, false},
		{"duplicate", store.ErrDuplicateEntry, IsConflict, false},
		{"rights", rightsErr, IsForbidden, false},
		{"path", &PathError{Path: store.NewPath("bob", ""), Reason: "empty name"}, IsValidation, false},
		{"user", ErrInvalidUser, IsValidation, false},
		{"annotation limit", ErrAnnotationLimit, IsValidation, false},
		{"message", ErrInvalidMessage, IsValidation, false},
		{"id", store.ErrInvalidID, IsValidation, false},
		{"unsupported right", ErrUnsupportedRight, IsUnsupported, false},
		{"not supported", store.ErrNotSupported, IsUnsupported, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !tt.check(tt.err) {
				t.Errorf("taxonomy check failed for %v", tt.err)
			}
			if got := IsRetryableError(tt.err); got != tt.retryable {
				t.Errorf("IsRetryableError = %v, want %v", got, tt.retryable)
			}
		})
	}
}

func TestIsRetryableError(t *testing.T) {
	if IsRetryableError(nil) {
		t.Error("nil is not retryable")
	}
	if !IsRetryableError(errors.New("connection reset")) {
		t.Error("unknown errors are transient")
	}
	for _, err := range []error{ErrStoreRequired, ErrBlobStoreRequired, ErrNotConnected, context.Canceled} {
		if IsRetryableError(err) {
			t.Errorf("%v should not be retryable", err)
		}
	}
	if !IsRetryableError(mapStoreErr(lock.ErrNotAcquired)) {
		t.Error("a busy lock is retryable")
	}
}

func TestMapStoreErr(t *testing.T) {
	if mapStoreErr(nil) != nil {
		t.Error("nil stays nil")
	}
	err := mapStoreErr(store.ErrMailboxExists)
	if !errors.Is(err, ErrMailboxExists) {
		t.Errorf("expected ErrMailboxExists, got %v", err)
	}
	if again := mapStoreErr(err); again != err {
		t.Error("mapped errors must not be wrapped twice")
	}

	long := store.NewPath("bob", strings.Repeat("a", store.MaxMailboxNameLength+1))
	err = mapStoreErr(long.Validate(DefaultPathDelimiter))
	if !errors.Is(err, ErrMailboxNameTooLong) || !errors.Is(err, ErrInvalidPath) {
		t.Errorf("expected ErrMailboxNameTooLong and ErrInvalidPath, got %v", err)
	}
	var pe *PathError
	if !errors.As(err, &pe) || pe.Path != long {
		t.Errorf("expected the PathError to survive, got %v", err)
	}
}

func TestWithRetryStopsOnDomainErrors(t *testing.T) {
	ctx := context.Background()
	cfg := retry.Config{MaxRetries: 3, InitialBackoff: time.Millisecond, Multiplier: 1}

	calls := 0
	_, err := withRetry(ctx, cfg, func(context.Context) (int, error) {
		calls++
		return 0, store.ErrMailboxExists
	})
	if calls != 1 {
		t.Errorf("domain error retried %d times", calls)
	}
	if !errors.Is(err, ErrMailboxExists) {
		t.Errorf("expected ErrMailboxExists, got %v", err)
	}

	calls = 0
	v, err := withRetry(ctx, cfg, func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("flaky")
		}
		return 7, nil
	})
	if err != nil || v != 7 || calls != 3 {
		t.Errorf("got %d, %v after %d calls", v, err, calls)
	}
}

func TestRightsError(t *testing.T) {
	err := &RightsError{User: "alice", Path: store.NewPath("bob", "x"), Right: acl.Insert}
	if !errors.Is(err, ErrInsufficientRights) {
		t.Error("RightsError should match ErrInsufficientRights")
	}
	if !strings.Contains(err.Error(), `"i"`) {
		t.Errorf("message should name the right: %s", err)
	}
}

func TestPartialRenameError(t *testing.T) {
	cause := errors.New("disk full")
	err := &PartialRenameError{
		From: store.NewPath("bob", "a"),
		To:   store.NewPath("bob", "b"),
		Failed: map[store.MailboxPath]error{
			store.NewPath("bob", "a.z"): cause,
			store.NewPath("bob", "a.c"): cause,
		},
	}

	if msg := err.Error(); !strings.Contains(msg, "a.c, a.z") || !strings.Contains(msg, "2 sub-mailboxes") {
		t.Errorf("unexpected message %q", msg)
	}
	paths := err.FailedPaths()
	if len(paths) != 2 || paths[0].Name != "a.c" {
		t.Errorf("unexpected failed paths %v", paths)
	}
	if !errors.Is(err, cause) {
		t.Error("PartialRenameError should unwrap to its causes")
	}
	wrapped := fmt.Errorf("rename: %w", err)
	if pre, ok := IsPartialRename(wrapped); !ok || pre != err {
		t.Error("IsPartialRename should find the wrapped error")
	}
	if _, ok := IsPartialRename(cause); ok {
		t.Error("IsPartialRename matched an unrelated error")
	}
}

func TestEventPublishError(t *testing.T) {
	cause := errors.New("bus down")
	err := &EventPublishError{Event: "added", MailboxID: "m1", Err: cause}
	if !errors.Is(err, cause) {
		t.Error("EventPublishError should unwrap to its cause")
	}
	if !strings.Contains(err.Error(), "m1") {
		t.Errorf("message should name the mailbox: %s", err)
	}
	if epe, ok := IsEventPublishError(fmt.Errorf("op: %w", err)); !ok || epe.Event != "added" {
		t.Error("IsEventPublishError should find the wrapped error")
	}
}

func TestIsValidUser(t *testing.T) {
	valid := []string{"bob", "alice@example.com", "first.last", "a-b_c"}
	for _, u := range valid {
		if !isValidUser(u) {
			t.Errorf("%q should be valid", u)
		}
	}
	invalid := []string{"", "a*b", "a%b", "a:b", "a/b", `a\b`, "a b", "a\tb", "a\nb", "a\x00b", "a\x7fb", strings.Repeat("u", MaxUserLength+1)}
	for _, u := range invalid {
		if isValidUser(u) {
			t.Errorf("%q should be invalid", u)
		}
	}
}

func TestValidatePath(t *testing.T) {
	delim := DefaultPathDelimiter

	p, err := ValidatePath(store.NewPath("bob", "inbox.Sub."), delim)
	if err != nil {
		t.Fatal(err)
	}
	if p.Name != "INBOX.Sub" {
		t.Errorf("sanitized name = %q", p.Name)
	}

	for _, name := range []string{"", ".a", "a..b", "a*", "a%b", "a\r\nb"} {
		if _, err := ValidatePath(store.NewPath("bob", name), delim); !errors.Is(err, ErrInvalidPath) {
			t.Errorf("%q: expected ErrInvalidPath, got %v", name, err)
		}
	}

	_, err = ValidatePath(store.NewPath("bob", strings.Repeat("n", store.MaxMailboxNameLength+1)), delim)
	if !errors.Is(err, ErrInvalidPath) || !errors.Is(err, ErrMailboxNameTooLong) {
		t.Errorf("expected ErrMailboxNameTooLong, got %v", err)
	}
}

func TestValidateAnnotation(t *testing.T) {
	if err := validateAnnotation(store.Annotation{Key: "/shared/comment", Value: "ok"}, 8); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := validateAnnotation(store.Annotation{Key: "/other/comment", Value: "ok"}, 8); !errors.Is(err, ErrInvalidAnnotation) {
		t.Errorf("expected ErrInvalidAnnotation, got %v", err)
	}
	if err := validateAnnotation(store.Annotation{Key: "/shared/comment", Value: "too long!"}, 8); !errors.Is(err, ErrAnnotationLimit) {
		t.Errorf("expected ErrAnnotationLimit, got %v", err)
	}
}
