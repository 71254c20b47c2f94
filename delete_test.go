package mailstore

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/rbaliyan/mailstore/acl"
	"github.com/rbaliyan/mailstore/events"
	"github.com/rbaliyan/mailstore/listener"
	"github.com/rbaliyan/mailstore/store"
	"github.com/rbaliyan/mailstore/store/memory"
)

// hookPlugin records deletion requests and answers them with err.
type hookPlugin struct {
	err error

	mu   sync.Mutex
	seen []DeletionRequest
}

func (p *hookPlugin) Name() string                  { return "hook" }
func (p *hookPlugin) Init(ctx context.Context) error  { return nil }
func (p *hookPlugin) Close(ctx context.Context) error { return nil }

func (p *hookPlugin) BeforeDeletion(_ context.Context, req DeletionRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen = append(p.seen, req)
	return p.err
}

func (p *hookPlugin) requests() []DeletionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.seen)
}

func TestDeleteMailbox(t *testing.T) {
	ctx := context.Background()
	hook := &hookPlugin{}
	env := setupTestService(t, WithPlugin(hook))
	bob := env.svc.Client("bob")
	path := store.NewPath("bob", "old")
	id := env.mustCreate(t, "bob", "old")
	a := env.appendTo(t, "bob", "old")
	b := env.appendTo(t, "bob", "old")

	deleted, err := bob.DeleteMailbox(ctx, path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if deleted.ID != id || deleted.Path != path {
		t.Errorf("unexpected deleted mailbox %+v", deleted)
	}
	if ok, _ := bob.MailboxExists(ctx, path); ok {
		t.Error("mailbox still exists")
	}

	ev := env.recorder.OfKind(events.KindMailboxDeletion)
	if len(ev) != 1 {
		t.Fatalf("expected 1 MailboxDeletion event, got %d", len(ev))
	}
	del := ev[0].(events.MailboxDeletion)
	if del.QuotaRoot != "#private&bob" || del.QuotaCount != 2 || del.QuotaSize != a.Size+b.Size {
		t.Errorf("unexpected deletion payload %+v", del)
	}

	reqs := hook.requests()
	if len(reqs) != 1 || reqs[0].Kind != DeletionMailbox || len(reqs[0].Messages) != 2 {
		t.Errorf("unexpected hook calls %+v", reqs)
	}

	if _, err := bob.DeleteMailbox(ctx, path); !errors.Is(err, ErrMailboxNotFound) {
		t.Errorf("second delete: expected ErrMailboxNotFound, got %v", err)
	}
}

func TestDeleteMailboxByID(t *testing.T) {
	ctx := context.Background()
	env := setupTestService(t)
	bob := env.svc.Client("bob")
	id := env.mustCreate(t, "bob", "x")

	if _, err := bob.DeleteMailboxByID(ctx, ""); !IsValidation(err) {
		t.Errorf("empty id: expected a validation error, got %v", err)
	}
	if _, err := bob.DeleteMailboxByID(ctx, "missing"); !errors.Is(err, ErrMailboxNotFound) {
		t.Errorf("unknown id: expected ErrMailboxNotFound, got %v", err)
	}
	if _, err := bob.DeleteMailboxByID(ctx, id); err != nil {
		t.Fatal(err)
	}
}

func TestDeleteMailboxVeto(t *testing.T) {
	ctx := context.Background()
	hook := &hookPlugin{err: errors.New("legal hold")}
	env := setupTestService(t, WithPlugin(hook))
	env.mustCreate(t, "bob", "kept")

	_, err := env.svc.Client("bob").DeleteMailbox(ctx, store.NewPath("bob", "kept"))
	if !errors.Is(err, hook.err) {
		t.Fatalf("expected the hook error, got %v", err)
	}
	var pe *PluginError
	if !errors.As(err, &pe) {
		t.Errorf("expected a PluginError, got %T", err)
	}
	if ok, _ := env.svc.Client("bob").MailboxExists(ctx, store.NewPath("bob", "kept")); !ok {
		t.Error("vetoed mailbox was deleted")
	}
	if n := len(env.recorder.OfKind(events.KindMailboxDeletion)); n != 0 {
		t.Errorf("no event for a vetoed deletion, got %d", n)
	}
}

func TestDeleteMailboxRights(t *testing.T) {
	ctx := context.Background()
	env := setupTestService(t)
	bob, alice := env.svc.Client("bob"), env.svc.Client("alice")
	path := store.NewPath("bob", "shared")
	env.mustCreate(t, "bob", "shared")

	if err := bob.ApplyRightsCommand(ctx, path, acl.Grant(acl.UserKey("alice"), acl.MustParseRights("lr"))); err != nil {
		t.Fatal(err)
	}
	var re *RightsError
	if _, err := alice.DeleteMailbox(ctx, path); !errors.As(err, &re) || re.Right != acl.DeleteMailbox {
		t.Fatalf("expected RightsError on x, got %v", err)
	}

	if err := bob.ApplyRightsCommand(ctx, path, acl.Grant(acl.UserKey("alice"), acl.MustParseRights("x"))); err != nil {
		t.Fatal(err)
	}
	if _, err := alice.DeleteMailbox(ctx, path); err != nil {
		t.Fatalf("x allows deletion: %v", err)
	}
}

func TestDeletionCascade(t *testing.T) {
	ctx := context.Background()
	st, blobs := memory.New(), memory.NewBlobStore()
	rec := events.NewRecorder()
	svc, err := NewService(
		WithStore(st),
		WithBlobStore(blobs),
		WithDispatcher(rec),
		WithListener(listener.New(st, blobs, listener.WithLogger(discardLogger()))),
		WithLogger(discardLogger()),
	)
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	defer svc.Close(ctx)

	bob := svc.Client("bob")
	src, dst := store.NewPath("bob", "src"), store.NewPath("bob", "dst")
	for _, p := range []store.MailboxPath{src, dst} {
		if _, _, err := bob.CreateMailbox(ctx, p); err != nil {
			t.Fatal(err)
		}
	}
	res, err := bob.AppendMessage(ctx, src, AppendRequest{Message: strings.NewReader(multipartMessage)})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := bob.CopyMessages(ctx, store.AllUIDs(), src, dst); err != nil {
		t.Fatal(err)
	}
	if err := bob.UpdateAnnotations(ctx, src, []store.Annotation{{Key: "/private/comment", Value: "x"}}); err != nil {
		t.Fatal(err)
	}

	srcBox, _ := bob.GetMailbox(ctx, src)
	if _, err := bob.DeleteMailbox(ctx, src); err != nil {
		t.Fatalf("DeleteMailbox: %v", err)
	}
	if _, err := st.Contents().Get(ctx, res.MessageID); err != nil {
		t.Fatalf("content referenced by dst must survive: %v", err)
	}
	if rows, _ := st.Messages().List(ctx, srcBox.ID, store.AllUIDs()); len(rows) != 0 {
		t.Errorf("associations of the deleted mailbox remain: %d", len(rows))
	}
	if n, _ := st.Annotations().Count(ctx, srcBox.ID); n != 0 {
		t.Errorf("annotations of the deleted mailbox remain: %d", n)
	}
	if blobs.Len() != 3 {
		t.Fatalf("expected 3 blobs, got %d", blobs.Len())
	}

	if _, err := bob.SetFlags(ctx, dst, store.AllUIDs(), FlagChange{Mode: FlagsAdd, Flags: store.NewFlags(`\Deleted`)}); err != nil {
		t.Fatal(err)
	}
	if _, err := bob.Expunge(ctx, dst, store.AllUIDs()); err != nil {
		t.Fatalf("Expunge: %v", err)
	}
	if _, err := st.Contents().Get(ctx, res.MessageID); !store.IsNotFound(err) {
		t.Errorf("content should be gone, got %v", err)
	}
	if blobs.Len() != 0 {
		t.Errorf("expected every blob deleted, %d remain", blobs.Len())
	}
}
