// Package memory provides an in-memory Store implementation for testing.
// This store is not suitable for production use - data is not persisted.
package memory

import (
	"context"
	"sync/atomic"

	"github.com/rbaliyan/mailstore/store"
)

// Store implements store.Store with in-memory storage.
// Thread-safe for concurrent use. Every read returns a copy.
type Store struct {
	connected int32

	mailboxes     *mailboxMapper
	messages      *messageMapper
	contents      *contentMapper
	attachments   *attachmentMapper
	acls          *aclMapper
	userRights    *userRightsMapper
	counters      *counterMapper
	flags         *applicableFlagMapper
	firstUnseen   *uidSetMapper
	deleted       *uidSetMapper
	recents       *uidSetMapper
	subscriptions *subscriptionMapper
	annotations   *annotationMapper
	threads       *threadDAO
	threadLookup  *threadLookupDAO
}

var _ store.Store = (*Store)(nil)

// New creates a new in-memory store.
func New() *Store {
	s := &Store{}
	s.mailboxes = newMailboxMapper(s)
	s.messages = newMessageMapper(s)
	s.contents = newContentMapper(s)
	s.attachments = newAttachmentMapper(s)
	s.acls = newACLMapper(s)
	s.userRights = newUserRightsMapper(s)
	s.counters = newCounterMapper(s)
	s.flags = newApplicableFlagMapper(s)
	s.firstUnseen = newUIDSetMapper(s)
	s.deleted = newUIDSetMapper(s)
	s.recents = newUIDSetMapper(s)
	s.subscriptions = newSubscriptionMapper(s)
	s.annotations = newAnnotationMapper(s)
	s.threads = newThreadDAO(s)
	s.threadLookup = newThreadLookupDAO(s)
	return s
}

// Connect marks the store as connected.
func (s *Store) Connect(_ context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.connected, 0, 1) {
		return store.ErrAlreadyConnected
	}
	return nil
}

// Close marks the store as disconnected.
func (s *Store) Close(_ context.Context) error {
	atomic.StoreInt32(&s.connected, 0)
	return nil
}

func (s *Store) checkConnected() error {
	if atomic.LoadInt32(&s.connected) == 0 {
		return store.ErrNotConnected
	}
	return nil
}

func (s *Store) Mailboxes() store.MailboxMapper             { return s.mailboxes }
func (s *Store) Messages() store.MessageMapper              { return s.messages }
func (s *Store) Contents() store.ContentMapper              { return s.contents }
func (s *Store) Attachments() store.AttachmentMapper        { return s.attachments }
func (s *Store) ACLs() store.ACLMapper                      { return s.acls }
func (s *Store) UserRights() store.UserRightsMapper         { return s.userRights }
func (s *Store) Counters() store.CounterMapper              { return s.counters }
func (s *Store) ApplicableFlags() store.ApplicableFlagMapper { return s.flags }
func (s *Store) FirstUnseen() store.UIDSetMapper            { return s.firstUnseen }
func (s *Store) DeletedMarkers() store.UIDSetMapper         { return s.deleted }
func (s *Store) Recents() store.UIDSetMapper                { return s.recents }
func (s *Store) Subscriptions() store.SubscriptionMapper    { return s.subscriptions }
func (s *Store) Annotations() store.AnnotationMapper        { return s.annotations }
func (s *Store) Threads() store.ThreadDAO                   { return s.threads }
func (s *Store) ThreadLookup() store.ThreadLookupDAO        { return s.threadLookup }
