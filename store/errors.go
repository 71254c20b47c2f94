package store

import "errors"

// Sentinel errors for the store package.
var (
	// ErrNotFound is returned when a row cannot be found.
	ErrNotFound = errors.New("store: not found")

	// ErrMailboxExists is returned when a mailbox path is already taken.
	ErrMailboxExists = errors.New("store: mailbox already exists")

	// ErrInvalidPath is returned for an unacceptable mailbox path.
	ErrInvalidPath = errors.New("store: invalid mailbox path")

	// ErrNameTooLong is returned when a mailbox name exceeds MaxMailboxNameLength.
	ErrNameTooLong = errors.New("store: mailbox name too long")

	// ErrInvalidID is returned when an invalid ID is provided.
	ErrInvalidID = errors.New("store: invalid id")

	// ErrDuplicateEntry is returned when a unique row already exists.
	ErrDuplicateEntry = errors.New("store: duplicate entry")

	// ErrNotConnected is returned when operations are attempted before Connect().
	ErrNotConnected = errors.New("store: not connected")

	// ErrAlreadyConnected is returned when Connect() is called twice.
	ErrAlreadyConnected = errors.New("store: already connected")

	// ErrNotSupported is returned by a composed store for a mapper no
	// component provides.
	ErrNotSupported = errors.New("store: not supported")
)

// Error checking helpers.

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsMailboxExists(err error) bool {
	return errors.Is(err, ErrMailboxExists)
}

func IsInvalidPath(err error) bool {
	return errors.Is(err, ErrInvalidPath)
}

func IsDuplicateEntry(err error) bool {
	return errors.Is(err, ErrDuplicateEntry)
}

func IsNotConnected(err error) bool {
	return errors.Is(err, ErrNotConnected)
}
