package store

import (
	"math/rand/v2"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/rbaliyan/mailstore/acl"
)

// Identifiers.
type (
	MailboxID    string
	MessageID    string
	ThreadID     string
	AttachmentID string
	BlobID       string
)

// UID is a message identifier unique within one mailbox.
type UID uint32

// ModSeq is a per-mailbox modification sequence.
type ModSeq uint64

// UidValidity identifies one incarnation of a mailbox's UID space.
type UidValidity uint32

// NewMailboxID returns a random mailbox id.
func NewMailboxID() MailboxID { return MailboxID(uuid.NewString()) }

// NewMessageID returns a random message id.
func NewMessageID() MessageID { return MessageID(uuid.NewString()) }

// NewAttachmentID returns a random attachment id.
func NewAttachmentID() AttachmentID { return AttachmentID(uuid.NewString()) }

// NewUidValidity returns a random, non-zero UidValidity.
func NewUidValidity() UidValidity {
	return UidValidity(rand.Uint32N(1<<31-1) + 1)
}

// ThreadIDOf returns the thread id of a thread started by m.
func ThreadIDOf(m MessageID) ThreadID { return ThreadID(m) }

// BaseMessageID returns the message that started the thread.
func (t ThreadID) BaseMessageID() MessageID { return MessageID(t) }

// Mailbox is a mailbox row. ACL is loaded from the ACL mapper and is not
// persisted by MailboxMapper.
type Mailbox struct {
	ID          MailboxID   `json:"id" db:"id"`
	Path        MailboxPath `json:"path"`
	UidValidity UidValidity `json:"uid_validity" db:"uid_validity"`
	ACL         acl.ACL     `json:"acl,omitempty"`
}

// Clone returns a detached copy.
func (m *Mailbox) Clone() *Mailbox {
	if m == nil {
		return nil
	}
	c := *m
	c.ACL = m.ACL.Clone()
	return &c
}

// Owner returns the user owning the mailbox.
func (m *Mailbox) Owner() string { return m.Path.User }

// MessageMetadata associates a message with a mailbox.
type MessageMetadata struct {
	MailboxID    MailboxID `json:"mailbox_id"`
	UID          UID       `json:"uid"`
	MessageID    MessageID `json:"message_id"`
	ThreadID     ThreadID  `json:"thread_id"`
	Flags        Flags     `json:"flags"`
	ModSeq       ModSeq    `json:"modseq"`
	InternalDate time.Time `json:"internal_date"`
	SaveDate     time.Time `json:"save_date"`
	Size         int64     `json:"size"`
}

// Clone returns a detached copy.
func (m MessageMetadata) Clone() MessageMetadata {
	m.Flags = m.Flags.Clone()
	return m
}

// ComposedID returns the mailbox-scoped key of the row.
func (m MessageMetadata) ComposedID() ComposedMessageID {
	return ComposedMessageID{MailboxID: m.MailboxID, UID: m.UID, MessageID: m.MessageID}
}

// ComposedMessageID identifies one association row.
type ComposedMessageID struct {
	MailboxID MailboxID
	UID       UID
	MessageID MessageID
}

// MessageAttachment links a message to an attachment.
type MessageAttachment struct {
	AttachmentID AttachmentID `json:"attachment_id" bson:"attachment_id"`
	Name         string       `json:"name,omitempty" bson:"name,omitempty"`
	ContentType  string       `json:"content_type" bson:"content_type"`
	Inline       bool         `json:"inline,omitempty" bson:"inline,omitempty"`
}

// MessageContent is the immutable content row shared by every copy of a
// message.
type MessageContent struct {
	MessageID    MessageID           `json:"message_id"`
	ThreadID     ThreadID            `json:"thread_id"`
	HeaderBlobID BlobID              `json:"header_blob_id"`
	BodyBlobID   BlobID              `json:"body_blob_id"`
	Size         int64               `json:"size"`
	BodyStart    int64               `json:"body_start"`
	InternalDate time.Time           `json:"internal_date"`
	MIMEType     string              `json:"mime_type"`
	Attachments  []MessageAttachment `json:"attachments,omitempty"`
}

// HasAttachments reports whether the message references attachments.
func (c MessageContent) HasAttachments() bool { return len(c.Attachments) > 0 }

// Clone returns a detached copy.
func (c MessageContent) Clone() MessageContent {
	c.Attachments = slices.Clone(c.Attachments)
	return c
}

// Attachment is an attachment row.
type Attachment struct {
	ID          AttachmentID `json:"id" db:"id"`
	MessageID   MessageID    `json:"message_id" db:"message_id"`
	BlobID      BlobID       `json:"blob_id" db:"blob_id"`
	ContentType string       `json:"content_type" db:"content_type"`
	Size        int64        `json:"size" db:"size"`
}

// UIDRange is an inclusive range of UIDs.
type UIDRange struct {
	From UID `json:"from"`
	To   UID `json:"to"`
}

// MaxUID is the largest UID.
const MaxUID = UID(^uint32(0))

// AllUIDs returns the range covering every UID.
func AllUIDs() UIDRange { return UIDRange{From: 1, To: MaxUID} }

// OneUID returns the range holding only uid.
func OneUID(uid UID) UIDRange { return UIDRange{From: uid, To: uid} }

// Contains reports whether uid is in the range.
func (r UIDRange) Contains(uid UID) bool { return uid >= r.From && uid <= r.To }

// CompactUIDs groups sorted UIDs into contiguous ranges.
func CompactUIDs(uids []UID) []UIDRange {
	sorted := slices.Clone(uids)
	slices.Sort(sorted)
	var out []UIDRange
	for _, uid := range sorted {
		if n := len(out); n > 0 && out[n-1].To+1 == uid {
			out[n-1].To = uid
			continue
		}
		out = append(out, OneUID(uid))
	}
	return out
}

// MailboxCounters holds the message and unseen counts of a mailbox.
type MailboxCounters struct {
	MailboxID MailboxID `json:"mailbox_id" db:"mailbox_id"`
	Count     int64     `json:"count" db:"count"`
	Unseen    int64     `json:"unseen" db:"unseen"`
}

// Consistency is the read consistency requested from a mapper.
type Consistency uint8

const (
	// ConsistencyWeak accepts a local read.
	ConsistencyWeak Consistency = iota
	// ConsistencyStrong requires a read that observes every acknowledged write.
	ConsistencyStrong
)

// Annotation is a mailbox annotation (RFC 5464).
type Annotation struct {
	Key   string `json:"key" bson:"key" db:"key"`
	Value string `json:"value" bson:"value" db:"value"`
}

// Size returns the value length in bytes.
func (a Annotation) Size() int { return len(a.Value) }
