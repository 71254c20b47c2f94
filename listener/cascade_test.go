package listener_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rbaliyan/mailstore/acl"
	"github.com/rbaliyan/mailstore/events"
	"github.com/rbaliyan/mailstore/listener"
	"github.com/rbaliyan/mailstore/store"
	"github.com/rbaliyan/mailstore/store/memory"
	"github.com/rbaliyan/mailstore/thread"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store *memory.Store
	blobs *memory.BlobStore
	index *thread.Index
}

func setup(t *testing.T) *fixture {
	t.Helper()
	s := memory.New()
	require.NoError(t, s.Connect(context.Background()))
	t.Cleanup(func() { s.Close(context.Background()) })
	return &fixture{store: s, blobs: memory.NewBlobStore(), index: thread.New(s.Threads(), s.ThreadLookup())}
}

// addMessage stores content, blobs, an attachment and thread entries for a
// new message and associates it with each mailbox.
func (f *fixture) addMessage(t *testing.T, boxes ...store.MailboxID) store.MessageID {
	t.Helper()
	ctx := context.Background()
	mid := store.NewMessageID()

	header, err := f.blobs.Save(ctx, store.BucketMessages, "text/plain", strings.NewReader("Subject: hi\r\n\r\n"))
	require.NoError(t, err)
	body, err := f.blobs.Save(ctx, store.BucketMessages, "text/plain", strings.NewReader("hello"))
	require.NoError(t, err)
	attBlob, err := f.blobs.Save(ctx, store.BucketAttachments, "application/pdf", strings.NewReader("%PDF"))
	require.NoError(t, err)

	att := store.Attachment{ID: store.NewAttachmentID(), MessageID: mid, BlobID: attBlob, ContentType: "application/pdf", Size: 4}
	require.NoError(t, f.store.Attachments().Save(ctx, att))

	tid, err := f.index.AssignThread(ctx, "bob", thread.Headers{MessageID: mid, MimeMessageID: "<" + string(mid) + "@x>", Subject: "hi"})
	require.NoError(t, err)

	require.NoError(t, f.store.Contents().Save(ctx, store.MessageContent{
		MessageID:    mid,
		ThreadID:     tid,
		HeaderBlobID: header,
		BodyBlobID:   body,
		Size:         20,
		InternalDate: time.Now(),
		Attachments:  []store.MessageAttachment{{AttachmentID: att.ID, ContentType: att.ContentType}},
	}))
	for _, box := range boxes {
		uid, err := f.store.Messages().NextUID(ctx, box)
		require.NoError(t, err)
		require.NoError(t, f.store.Messages().Add(ctx, store.MessageMetadata{
			MailboxID: box, UID: uid, MessageID: mid, ThreadID: tid, Size: 20,
		}))
	}
	return mid
}

func (f *fixture) rows(t *testing.T, mid store.MessageID) []store.MessageMetadata {
	t.Helper()
	rows, err := f.store.Messages().FindByMessageID(context.Background(), mid, store.ConsistencyStrong)
	require.NoError(t, err)
	return rows
}

func (f *fixture) contentExists(t *testing.T, mid store.MessageID) bool {
	t.Helper()
	_, err := f.store.Contents().Get(context.Background(), mid)
	if store.IsNotFound(err) {
		return false
	}
	require.NoError(t, err)
	return true
}

func expunge(t *testing.T, f *fixture, box store.MailboxID, mid store.MessageID) events.Expunged {
	t.Helper()
	var removed []store.MessageMetadata
	for _, r := range f.rows(t, mid) {
		if r.MailboxID == box {
			require.NoError(t, f.store.Messages().Delete(context.Background(), r.ComposedID()))
			removed = append(removed, r)
		}
	}
	return events.Expunged{
		Header:   events.NewHeader("bob", box, store.NewPath("bob", string(box))),
		Messages: events.MetadataByUID(removed),
	}
}

func TestIsHandling(t *testing.T) {
	l := listener.New(nil, nil)
	assert.Equal(t, listener.Name, l.Name())
	assert.True(t, l.IsHandling(events.Expunged{}))
	assert.True(t, l.IsHandling(events.MailboxDeletion{}))
	assert.False(t, l.IsHandling(events.MailboxAdded{}))
	assert.False(t, l.IsHandling(events.FlagsUpdated{}))
}

func TestExpungeOfLastReferenceDeletesEverything(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	var called []listener.DeletedMessage
	l := listener.New(f.store, f.blobs, listener.WithDeletionCallbacks(listener.DeletionCallbackFunc(
		func(_ context.Context, m listener.DeletedMessage) error {
			called = append(called, m)
			return nil
		})))

	mid := f.addMessage(t, "inbox")
	require.Equal(t, 3, f.blobs.Len())

	require.NoError(t, l.OnEvent(ctx, expunge(t, f, "inbox", mid)))

	assert.False(t, f.contentExists(t, mid))
	assert.Zero(t, f.blobs.Len(), "header, body and attachment blobs are deleted")
	require.Len(t, called, 1)
	assert.Equal(t, mid, called[0].MessageID)
	assert.Equal(t, "bob", called[0].Owner)
	assert.True(t, called[0].HasAttachments)

	_, err := f.store.ThreadLookup().SelectOne(ctx, store.ThreadIDOf(mid), mid)
	assert.True(t, store.IsNotFound(err))
	rows, err := f.store.Threads().SelectSome(ctx, "bob", []int32{thread.Hash("<" + string(mid) + "@x>")})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestExpungeKeepsReferencedMessage(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	l := listener.New(f.store, f.blobs, listener.WithStrongWriteConsistency(true))

	mid := f.addMessage(t, "inbox", "archive")
	require.NoError(t, l.OnEvent(ctx, expunge(t, f, "inbox", mid)))

	assert.True(t, f.contentExists(t, mid), "archive still references the message")
	assert.Equal(t, 3, f.blobs.Len())

	require.NoError(t, l.OnEvent(ctx, expunge(t, f, "archive", mid)))
	assert.False(t, f.contentExists(t, mid))
}

func TestRedeliveryIsNoop(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	calls := 0
	l := listener.New(f.store, f.blobs, listener.WithDeletionCallbacks(listener.DeletionCallbackFunc(
		func(context.Context, listener.DeletedMessage) error {
			calls++
			return nil
		})))

	mid := f.addMessage(t, "inbox")
	ev := expunge(t, f, "inbox", mid)
	require.NoError(t, l.OnEvent(ctx, ev))
	require.NoError(t, l.OnEvent(ctx, ev))
	assert.Equal(t, 1, calls, "content already gone on redelivery")
}

func TestRedeliveryFinishesThreadCleanup(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	l := listener.New(f.store, f.blobs)

	mid := f.addMessage(t, "inbox")
	ev := expunge(t, f, "inbox", mid)

	// A previous delivery removed the content row and failed before the
	// thread rows.
	require.NoError(t, f.store.Contents().Delete(ctx, mid))
	_, err := f.store.ThreadLookup().SelectOne(ctx, store.ThreadIDOf(mid), mid)
	require.NoError(t, err)

	require.NoError(t, l.OnEvent(ctx, ev))

	_, err = f.store.ThreadLookup().SelectOne(ctx, store.ThreadIDOf(mid), mid)
	assert.True(t, store.IsNotFound(err), "thread lookup entry removed")
	rows, err := f.store.Threads().SelectSome(ctx, "bob", []int32{thread.Hash("<" + string(mid) + "@x>")})
	require.NoError(t, err)
	assert.Empty(t, rows)

	require.NoError(t, l.OnEvent(ctx, ev), "a further redelivery stays clean")
}

func TestCallbackFailureStopsCascade(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	boom := errors.New("index unavailable")
	l := listener.New(f.store, f.blobs, listener.WithDeletionCallbacks(listener.DeletionCallbackFunc(
		func(context.Context, listener.DeletedMessage) error { return boom })))

	mid := f.addMessage(t, "inbox")
	err := l.OnEvent(ctx, expunge(t, f, "inbox", mid))
	require.ErrorIs(t, err, boom)
	assert.True(t, f.contentExists(t, mid), "content survives for the retry")
}

func TestMailboxDeletionClearsProjections(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	l := listener.New(f.store, f.blobs, listener.WithConcurrency(2))

	const box = store.MailboxID("work")
	shared := f.addMessage(t, box, "inbox")
	own1 := f.addMessage(t, box)
	own2 := f.addMessage(t, box)

	alice := acl.UserKey("alice")
	diff, err := f.store.ACLs().Update(ctx, box, acl.Grant(alice, acl.MustParseRights("lr")))
	require.NoError(t, err)
	require.NoError(t, f.store.UserRights().Apply(ctx, box, diff))
	require.NoError(t, f.store.Counters().Increment(ctx, box, 3, 1))
	require.NoError(t, f.store.ApplicableFlags().Add(ctx, box, []string{"todo"}))
	require.NoError(t, f.store.FirstUnseen().Add(ctx, box, 1))
	require.NoError(t, f.store.Recents().Add(ctx, box, 2))
	require.NoError(t, f.store.DeletedMarkers().Add(ctx, box, 3))
	require.NoError(t, f.store.Annotations().InsertOrUpdate(ctx, box, store.Annotation{Key: "/shared/comment", Value: "x"}))

	a, err := f.store.ACLs().Get(ctx, box)
	require.NoError(t, err)
	ev := events.MailboxDeletion{
		Header:     events.NewHeader("bob", box, store.NewPath("bob", "work")),
		ACL:        a,
		QuotaRoot:  "#private&bob",
		QuotaCount: 3,
	}
	require.NoError(t, l.OnEvent(ctx, ev))

	assert.True(t, f.contentExists(t, shared))
	assert.False(t, f.contentExists(t, own1))
	assert.False(t, f.contentExists(t, own2))
	assert.Len(t, f.rows(t, shared), 1)

	remaining, err := f.store.Messages().List(ctx, box, store.AllUIDs())
	require.NoError(t, err)
	assert.Empty(t, remaining)

	idx, err := f.store.UserRights().List(ctx, alice)
	require.NoError(t, err)
	assert.Empty(t, idx)
	got, err := f.store.ACLs().Get(ctx, box)
	require.NoError(t, err)
	assert.True(t, got.IsEmpty())

	c, err := f.store.Counters().Get(ctx, box)
	require.NoError(t, err)
	assert.Zero(t, c.Count)
	for _, set := range []store.UIDSetMapper{f.store.FirstUnseen(), f.store.Recents(), f.store.DeletedMarkers()} {
		uids, err := set.List(ctx, box)
		require.NoError(t, err)
		assert.Empty(t, uids)
	}
	n, err := f.store.Annotations().Count(ctx, box)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, l.OnEvent(ctx, ev), "redelivery converges")
}

// failingBlobs fails every delete.
type failingBlobs struct {
	*memory.BlobStore
	mu       sync.Mutex
	attempts int
}

func (b *failingBlobs) Delete(context.Context, string, store.BlobID) error {
	b.mu.Lock()
	b.attempts++
	b.mu.Unlock()
	return errors.New("blob store down")
}

func TestMailboxDeletionRunsEveryBranchBeforeFailing(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	blobs := &failingBlobs{BlobStore: f.blobs}
	l := listener.New(f.store, blobs)

	const box = store.MailboxID("work")
	mid1 := f.addMessage(t, box)
	mid2 := f.addMessage(t, box)
	require.NoError(t, f.store.Counters().Increment(ctx, box, 2, 0))

	err := l.OnEvent(ctx, events.MailboxDeletion{Header: events.NewHeader("bob", box, store.NewPath("bob", "work"))})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "blob store down")

	assert.True(t, f.contentExists(t, mid1))
	assert.True(t, f.contentExists(t, mid2))
	assert.Len(t, f.rows(t, mid1), 1, "association kept so the retry finds it")

	c, err := f.store.Counters().Get(ctx, box)
	require.NoError(t, err)
	assert.Zero(t, c.Count, "other branches completed")
	assert.Equal(t, 2, blobs.attempts)
}
