// Package events defines the mailbox events published by the storage engine
// and the boundary through which they are dispatched to listeners.
//
// Every payload is JSON serializable so it can cross a distributed
// transport. Dispatching is at-least-once: listeners must be idempotent.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rbaliyan/mailstore/acl"
	"github.com/rbaliyan/mailstore/store"
)

// Kind names an event type.
type Kind string

// Event kinds.
const (
	KindMailboxAdded    Kind = "mailstore.mailbox.added"
	KindMailboxDeletion Kind = "mailstore.mailbox.deletion"
	KindMailboxRenamed  Kind = "mailstore.mailbox.renamed"
	KindAdded           Kind = "mailstore.message.added"
	KindExpunged        Kind = "mailstore.message.expunged"
	KindFlagsUpdated    Kind = "mailstore.message.flags_updated"
	KindACLUpdated      Kind = "mailstore.mailbox.acl_updated"
)

// Kinds lists every event kind.
var Kinds = []Kind{
	KindMailboxAdded,
	KindMailboxDeletion,
	KindMailboxRenamed,
	KindAdded,
	KindExpunged,
	KindFlagsUpdated,
	KindACLUpdated,
}

// Event is a mailbox event.
type Event interface {
	Kind() Kind
	EventHeader() Header
}

// Header is carried by every event.
type Header struct {
	EventID     string            `json:"event_id"`
	User        string            `json:"user"`
	MailboxID   store.MailboxID   `json:"mailbox_id"`
	MailboxPath store.MailboxPath `json:"mailbox_path"`
	OccurredAt  time.Time         `json:"occurred_at"`
}

// NewHeader returns a header with a fresh event id.
func NewHeader(user string, id store.MailboxID, path store.MailboxPath) Header {
	return Header{
		EventID:     uuid.NewString(),
		User:        user,
		MailboxID:   id,
		MailboxPath: path,
		OccurredAt:  time.Now().UTC(),
	}
}

// EventHeader returns the header. Payloads embedding Header inherit it.
func (h Header) EventHeader() Header { return h }

// MailboxAdded is published when a mailbox is created.
type MailboxAdded struct {
	Header
}

func (MailboxAdded) Kind() Kind { return KindMailboxAdded }

// MailboxDeletion is published after a mailbox row was deleted. It carries
// what the cleanup needs, since the row itself is gone.
type MailboxDeletion struct {
	Header
	ACL        acl.ACL `json:"acl,omitempty"`
	QuotaRoot  string  `json:"quota_root"`
	QuotaCount int64   `json:"quota_count"`
	QuotaSize  int64   `json:"quota_size"`
}

func (MailboxDeletion) Kind() Kind { return KindMailboxDeletion }

// MailboxRenamed is published for each renamed path. MailboxPath holds the
// new path.
type MailboxRenamed struct {
	Header
	OldPath store.MailboxPath `json:"old_path"`
}

func (MailboxRenamed) Kind() Kind { return KindMailboxRenamed }

// Added is published when messages are appended, copied or moved into a
// mailbox.
type Added struct {
	Header
	Messages map[store.UID]store.MessageMetadata `json:"messages"`
}

func (Added) Kind() Kind { return KindAdded }

// Expunged is published when messages are removed from a mailbox.
type Expunged struct {
	Header
	Messages map[store.UID]store.MessageMetadata `json:"messages"`
}

func (Expunged) Kind() Kind { return KindExpunged }

// FlagsUpdated is published when message flags change.
type FlagsUpdated struct {
	Header
	Updates []FlagsUpdate `json:"updates"`
}

func (FlagsUpdated) Kind() Kind { return KindFlagsUpdated }

// FlagsUpdate is the flag change of one message.
type FlagsUpdate struct {
	UID       store.UID       `json:"uid"`
	MessageID store.MessageID `json:"message_id"`
	ModSeq    store.ModSeq    `json:"modseq"`
	OldFlags  store.Flags     `json:"old_flags"`
	NewFlags  store.Flags     `json:"new_flags"`
}

// ACLUpdated is published when a mailbox ACL changes.
type ACLUpdated struct {
	Header
	Diff acl.Diff `json:"diff"`
}

func (ACLUpdated) Kind() Kind { return KindACLUpdated }

// MetadataByUID indexes rows by UID.
func MetadataByUID(rows []store.MessageMetadata) map[store.UID]store.MessageMetadata {
	out := make(map[store.UID]store.MessageMetadata, len(rows))
	for _, m := range rows {
		out[m.UID] = m
	}
	return out
}

// Dispatcher publishes events.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev Event) error
}

// Listener consumes events. OnEvent may be called more than once for the
// same event.
type Listener interface {
	Name() string
	IsHandling(ev Event) bool
	OnEvent(ctx context.Context, ev Event) error
}

// Discard is a Dispatcher that drops every event.
var Discard Dispatcher = discard{}

type discard struct{}

func (discard) Dispatch(context.Context, Event) error { return nil }
