// Package store provides the data model and the per-entity mapper interfaces
// of the mailbox storage engine. Implementations are in store/memory,
// store/postgres and store/mongo; blob stores are under store/blob.
//
// # Storage Model
//
// The backend is assumed to be non-transactional and denormalized. Every
// entity has its own mapper and no write spans two mappers atomically.
// Consistency is kept by these rules:
//
//  1. Unique Constraints Over Locks: the mailbox path is unique. Create
//     returns ErrMailboxExists to the loser of a race instead of letting a
//     second row appear.
//
//  2. Existence-Based Reference Counting: a message content row lives as
//     long as at least one association row (MessageMapper) references its
//     MessageID. There is no counter to drift. The deletion listener asks
//     "is anything still referencing this?" and cleans up when nothing is.
//
//  3. Idempotent Deletes: deleting an absent row is not an error, so a
//     cleanup that is replayed after a partial failure converges.
//
//  4. Path Locks For Structure Only: create and rename serialize on the
//     mailbox path through the lock package. Reads never lock.
//
// Deleting a mailbox removes only the mailbox row. Everything keyed by the
// mailbox id is removed afterwards by the cascading deletion listener.
package store

import (
	"context"
	"io"

	"github.com/rbaliyan/mailstore/acl"
)

// Store bundles the mappers of one backend.
//
// All operations must be safe for concurrent use.
type Store interface {
	// Lifecycle
	Connect(ctx context.Context) error
	Close(ctx context.Context) error

	Mailboxes() MailboxMapper
	Messages() MessageMapper
	Contents() ContentMapper
	Attachments() AttachmentMapper
	ACLs() ACLMapper
	UserRights() UserRightsMapper
	Counters() CounterMapper
	ApplicableFlags() ApplicableFlagMapper
	FirstUnseen() UIDSetMapper
	DeletedMarkers() UIDSetMapper
	Recents() UIDSetMapper
	Subscriptions() SubscriptionMapper
	Annotations() AnnotationMapper
	Threads() ThreadDAO
	ThreadLookup() ThreadLookupDAO
}

// MailboxMapper stores mailbox rows. Paths are unique.
type MailboxMapper interface {
	// Create inserts a mailbox. Returns ErrMailboxExists if the path is taken.
	Create(ctx context.Context, path MailboxPath, uidValidity UidValidity) (*Mailbox, error)

	// Rename moves a mailbox to another path. Returns ErrMailboxExists if
	// the target is taken and ErrNotFound if the id is unknown.
	Rename(ctx context.Context, id MailboxID, to MailboxPath) (*Mailbox, error)

	// Delete removes a mailbox row.
	Delete(ctx context.Context, id MailboxID) error

	FindByPath(ctx context.Context, path MailboxPath) (*Mailbox, error)
	FindByID(ctx context.Context, id MailboxID) (*Mailbox, error)

	// Find returns the mailboxes selected by q, ordered by name.
	Find(ctx context.Context, q MailboxQuery) ([]*Mailbox, error)

	// HasChildren reports whether a mailbox exists below path.
	HasChildren(ctx context.Context, path MailboxPath, delim rune) (bool, error)

	// List returns every mailbox.
	List(ctx context.Context) ([]*Mailbox, error)
}

// MessageMapper stores association rows and indexes them by mailbox and by
// MessageID. It also allocates UIDs and modseqs.
type MessageMapper interface {
	// NextUID allocates the next UID of a mailbox.
	NextUID(ctx context.Context, id MailboxID) (UID, error)
	// LastUID returns the last allocated UID, 0 if none.
	LastUID(ctx context.Context, id MailboxID) (UID, error)
	// NextModSeq allocates the next modseq of a mailbox.
	NextModSeq(ctx context.Context, id MailboxID) (ModSeq, error)
	// HighestModSeq returns the last allocated modseq, 0 if none.
	HighestModSeq(ctx context.Context, id MailboxID) (ModSeq, error)

	// Add inserts an association row.
	Add(ctx context.Context, m MessageMetadata) error
	// UpdateFlags stores the flags and modseq of an existing row.
	UpdateFlags(ctx context.Context, m MessageMetadata) error
	// List returns the rows of a mailbox in r, ordered by UID.
	List(ctx context.Context, id MailboxID, r UIDRange) ([]MessageMetadata, error)
	// FindByMessageID returns every row referencing mid.
	FindByMessageID(ctx context.Context, mid MessageID, c Consistency) ([]MessageMetadata, error)
	// Delete removes an association row from both indexes.
	Delete(ctx context.Context, id ComposedMessageID) error
}

// ContentMapper stores message content rows.
type ContentMapper interface {
	Save(ctx context.Context, c MessageContent) error
	Get(ctx context.Context, id MessageID) (MessageContent, error)
	Delete(ctx context.Context, id MessageID) error
}

// AttachmentMapper stores attachment rows.
type AttachmentMapper interface {
	Save(ctx context.Context, a Attachment) error
	Get(ctx context.Context, id AttachmentID) (Attachment, error)
	Delete(ctx context.Context, id AttachmentID) error
}

// ACLMapper stores mailbox ACLs.
type ACLMapper interface {
	// Get returns the ACL of a mailbox, empty if none is stored.
	Get(ctx context.Context, id MailboxID) (acl.ACL, error)
	// Set replaces the ACL and returns the change.
	Set(ctx context.Context, id MailboxID, a acl.ACL) (acl.Diff, error)
	// Update applies one command and returns the change.
	Update(ctx context.Context, id MailboxID, cmd acl.Command) (acl.Diff, error)
	Delete(ctx context.Context, id MailboxID) error
}

// UserRightsMapper is the reverse index from positive ACL entries to the
// mailboxes they appear on. It only produces candidates: callers resolve the
// full ACL before trusting a result.
type UserRightsMapper interface {
	// Apply reflects an ACL change of mailbox id.
	Apply(ctx context.Context, id MailboxID, diff acl.Diff) error
	// List returns the mailboxes carrying an entry for key.
	List(ctx context.Context, key acl.EntryKey) (map[MailboxID]acl.Rights, error)
}

// CounterMapper stores message and unseen counts per mailbox.
type CounterMapper interface {
	// Get returns the counters, zero if none are stored.
	Get(ctx context.Context, id MailboxID) (MailboxCounters, error)
	Increment(ctx context.Context, id MailboxID, count, unseen int64) error
	Delete(ctx context.Context, id MailboxID) error
}

// ApplicableFlagMapper stores the union of user keywords ever used in a mailbox.
type ApplicableFlagMapper interface {
	Get(ctx context.Context, id MailboxID) (Flags, error)
	Add(ctx context.Context, id MailboxID, keywords []string) error
	Delete(ctx context.Context, id MailboxID) error
}

// UIDSetMapper stores a set of UIDs per mailbox. It backs the first-unseen,
// deleted-marker and recent projections.
type UIDSetMapper interface {
	Add(ctx context.Context, id MailboxID, uid UID) error
	Remove(ctx context.Context, id MailboxID, uid UID) error
	// List returns the UIDs in ascending order.
	List(ctx context.Context, id MailboxID) ([]UID, error)
	// First returns the lowest UID, ErrNotFound if the set is empty.
	First(ctx context.Context, id MailboxID) (UID, error)
	RemoveAll(ctx context.Context, id MailboxID) error
}

// SubscriptionMapper stores the mailbox names a user subscribed to.
type SubscriptionMapper interface {
	Save(ctx context.Context, user, name string) error
	Delete(ctx context.Context, user, name string) error
	List(ctx context.Context, user string) ([]string, error)
}

// AnnotationMapper stores mailbox annotations.
type AnnotationMapper interface {
	GetAll(ctx context.Context, id MailboxID) ([]Annotation, error)
	// GetByKeys returns annotations selected by keys at depth, ordered by key.
	GetByKeys(ctx context.Context, id MailboxID, keys []string, depth AnnotationDepth) ([]Annotation, error)
	InsertOrUpdate(ctx context.Context, id MailboxID, a Annotation) error
	Delete(ctx context.Context, id MailboxID, key string) error
	Exists(ctx context.Context, id MailboxID, key string) (bool, error)
	Count(ctx context.Context, id MailboxID) (int, error)
	DeleteAll(ctx context.Context, id MailboxID) error
}

// ThreadDAO is the thread table, partitioned by (user, hash).
type ThreadDAO interface {
	// InsertSome writes one row per hash.
	InsertSome(ctx context.Context, user string, hashes []int32, mid MessageID, tid ThreadID, subjectHash *int32) error
	// SelectSome returns every row of the given hashes.
	SelectSome(ctx context.Context, user string, hashes []int32) ([]ThreadRow, error)
	// DeleteSome removes the rows written for mid under the given hashes.
	DeleteSome(ctx context.Context, user string, hashes []int32, mid MessageID) error
}

// ThreadLookupDAO maps a thread member back to its thread table partitions.
type ThreadLookupDAO interface {
	Insert(ctx context.Context, e ThreadLookupEntry) error
	// SelectOne returns the entry of mid in tid, ErrNotFound if absent.
	SelectOne(ctx context.Context, tid ThreadID, mid MessageID) (ThreadLookupEntry, error)
	// SelectAll returns the members of tid.
	SelectAll(ctx context.Context, tid ThreadID) ([]MessageID, error)
	DeleteOne(ctx context.Context, tid ThreadID, mid MessageID) error
}

// Blob buckets.
const (
	BucketMessages    = "messages"
	BucketAttachments = "attachments"
)

// BlobStore stores opaque content. Implementations can support S3, GCS,
// local memory, etc.
type BlobStore interface {
	// Save stores content and returns its id.
	Save(ctx context.Context, bucket, contentType string, content io.Reader) (BlobID, error)

	// Read returns a reader for the content. Returns ErrNotFound if absent.
	// Caller is responsible for closing the reader.
	Read(ctx context.Context, bucket string, id BlobID) (io.ReadCloser, error)

	// Delete removes the content. Deleting an absent blob succeeds.
	Delete(ctx context.Context, bucket string, id BlobID) error
}
