package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rbaliyan/mailstore/acl"
	"github.com/rbaliyan/mailstore/store"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	s := New()
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { s.Close(context.Background()) })
	return s
}

func TestConnectLifecycle(t *testing.T) {
	ctx := context.Background()
	s := New()
	if _, err := s.Mailboxes().List(ctx); !errors.Is(err, store.ErrNotConnected) {
		t.Fatalf("List before Connect: %v, want ErrNotConnected", err)
	}
	if err := s.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.Connect(ctx); !errors.Is(err, store.ErrAlreadyConnected) {
		t.Fatalf("second Connect: %v", err)
	}
}

func TestMailboxUniquePath(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)
	mm := s.Mailboxes()

	work := store.NewPath("bob", "work")
	mb, err := mm.Create(ctx, work, 42)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if mb.ID == "" || mb.UidValidity != 42 {
		t.Fatalf("unexpected mailbox %+v", mb)
	}
	if _, err := mm.Create(ctx, work, 43); !errors.Is(err, store.ErrMailboxExists) {
		t.Fatalf("duplicate Create: %v", err)
	}

	got, err := mm.FindByPath(ctx, work)
	if err != nil || got.ID != mb.ID {
		t.Fatalf("FindByPath: %v %+v", err, got)
	}
	got.Path.Name = "mutated"
	again, _ := mm.FindByID(ctx, mb.ID)
	if again.Path.Name != "work" {
		t.Fatal("returned mailbox aliases stored row")
	}
}

func TestMailboxRenameAndFind(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)
	mm := s.Mailboxes()

	for _, name := range []string{"a", "a.b", "a.b.c", "ab", "z"} {
		if _, err := mm.Create(ctx, store.NewPath("bob", name), 1); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := mm.Create(ctx, store.NewPath("alice", "a.x"), 1); err != nil {
		t.Fatal(err)
	}

	found, err := mm.Find(ctx, store.PrivateQuery("bob", store.PrefixedWildcard("a.")))
	if err != nil {
		t.Fatal(err)
	}
	if len(found) != 2 || found[0].Path.Name != "a.b" || found[1].Path.Name != "a.b.c" {
		t.Fatalf("Find = %v", found)
	}

	has, _ := mm.HasChildren(ctx, store.NewPath("bob", "a"), '.')
	if !has {
		t.Fatal("a should have children")
	}
	has, _ = mm.HasChildren(ctx, store.NewPath("bob", "ab"), '.')
	if has {
		t.Fatal("ab has no children")
	}

	z, _ := mm.FindByPath(ctx, store.NewPath("bob", "z"))
	if _, err := mm.Rename(ctx, z.ID, store.NewPath("bob", "a")); !errors.Is(err, store.ErrMailboxExists) {
		t.Fatalf("rename onto existing: %v", err)
	}
	renamed, err := mm.Rename(ctx, z.ID, store.NewPath("bob", "y"))
	if err != nil || renamed.Path.Name != "y" {
		t.Fatalf("Rename: %v %+v", err, renamed)
	}
	if _, err := mm.FindByPath(ctx, store.NewPath("bob", "z")); !store.IsNotFound(err) {
		t.Fatalf("old path still resolves: %v", err)
	}
	if _, err := mm.Rename(ctx, "missing", store.NewPath("bob", "q")); !store.IsNotFound(err) {
		t.Fatalf("rename unknown id: %v", err)
	}

	if err := mm.Delete(ctx, z.ID); err != nil {
		t.Fatal(err)
	}
	if err := mm.Delete(ctx, z.ID); err != nil {
		t.Fatalf("Delete is idempotent: %v", err)
	}
}

func TestMessageIndexes(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)
	msgs := s.Messages()

	mid := store.NewMessageID()
	for _, box := range []store.MailboxID{"m1", "m2"} {
		uid, err := msgs.NextUID(ctx, box)
		if err != nil {
			t.Fatal(err)
		}
		modseq, _ := msgs.NextModSeq(ctx, box)
		row := store.MessageMetadata{MailboxID: box, UID: uid, MessageID: mid, ModSeq: modseq, InternalDate: time.Now()}
		if err := msgs.Add(ctx, row); err != nil {
			t.Fatal(err)
		}
		if err := msgs.Add(ctx, row); !errors.Is(err, store.ErrDuplicateEntry) {
			t.Fatalf("duplicate Add: %v", err)
		}
	}

	refs, _ := msgs.FindByMessageID(ctx, mid, store.ConsistencyStrong)
	if len(refs) != 2 {
		t.Fatalf("FindByMessageID = %d rows", len(refs))
	}

	row := refs[0]
	row.Flags = store.NewFlags(`\Seen`, "todo")
	row.ModSeq = 9
	if err := msgs.UpdateFlags(ctx, row); err != nil {
		t.Fatal(err)
	}
	listed, _ := msgs.List(ctx, row.MailboxID, store.AllUIDs())
	if len(listed) != 1 || !listed[0].Flags.Has(store.FlagSeen) || listed[0].ModSeq != 9 {
		t.Fatalf("List after UpdateFlags = %+v", listed)
	}

	if err := msgs.Delete(ctx, row.ComposedID()); err != nil {
		t.Fatal(err)
	}
	refs, _ = msgs.FindByMessageID(ctx, mid, store.ConsistencyWeak)
	if len(refs) != 1 {
		t.Fatalf("after Delete %d rows remain", len(refs))
	}
	if last, _ := msgs.LastUID(ctx, row.MailboxID); last != 1 {
		t.Fatalf("LastUID = %d, UIDs are never reused", last)
	}
}

func TestACLAndUserRights(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)

	alice := acl.UserKey("alice")
	diff, err := s.ACLs().Update(ctx, "m1", acl.Grant(alice, acl.MustParseRights("lr")))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.UserRights().Apply(ctx, "m1", diff); err != nil {
		t.Fatal(err)
	}
	idx, _ := s.UserRights().List(ctx, alice)
	if idx["m1"].String() != "lr" {
		t.Fatalf("index = %v", idx)
	}

	diff, _ = s.ACLs().Set(ctx, "m1", acl.ACL{})
	if err := s.UserRights().Apply(ctx, "m1", diff); err != nil {
		t.Fatal(err)
	}
	idx, _ = s.UserRights().List(ctx, alice)
	if len(idx) != 0 {
		t.Fatalf("index after revoke = %v", idx)
	}
	got, _ := s.ACLs().Get(ctx, "m1")
	if !got.IsEmpty() {
		t.Fatalf("ACL = %v", got)
	}
}

func TestUIDSetsAndCounters(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)
	fu := s.FirstUnseen()

	if _, err := fu.First(ctx, "m1"); !store.IsNotFound(err) {
		t.Fatalf("First of empty set: %v", err)
	}
	for _, uid := range []store.UID{7, 3, 5} {
		_ = fu.Add(ctx, "m1", uid)
	}
	if first, _ := fu.First(ctx, "m1"); first != 3 {
		t.Fatalf("First = %d", first)
	}
	_ = fu.Remove(ctx, "m1", 3)
	if uids, _ := fu.List(ctx, "m1"); len(uids) != 2 || uids[0] != 5 {
		t.Fatalf("List = %v", uids)
	}
	_ = fu.RemoveAll(ctx, "m1")
	if uids, _ := fu.List(ctx, "m1"); len(uids) != 0 {
		t.Fatalf("after RemoveAll = %v", uids)
	}

	_ = s.Counters().Increment(ctx, "m1", 3, 2)
	_ = s.Counters().Increment(ctx, "m1", -1, -1)
	c, _ := s.Counters().Get(ctx, "m1")
	if c.Count != 2 || c.Unseen != 1 {
		t.Fatalf("counters = %+v", c)
	}
}

func TestAnnotationsDepth(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)
	am := s.Annotations()

	for _, k := range []string{"/private/comment", "/private/comment/a", "/private/comment/a/b", "/shared/x"} {
		if err := am.InsertOrUpdate(ctx, "m1", store.Annotation{Key: k, Value: "v"}); err != nil {
			t.Fatal(err)
		}
	}
	cases := []struct {
		depth store.AnnotationDepth
		want  int
	}{
		{store.DepthZero, 1},
		{store.DepthOne, 2},
		{store.DepthInfinity, 3},
	}
	for _, tc := range cases {
		got, _ := am.GetByKeys(ctx, "m1", []string{"/private/comment"}, tc.depth)
		if len(got) != tc.want {
			t.Errorf("depth %d: got %d annotations, want %d", tc.depth, len(got), tc.want)
		}
	}
	if n, _ := am.Count(ctx, "m1"); n != 4 {
		t.Fatalf("Count = %d", n)
	}
	_ = am.DeleteAll(ctx, "m1")
	if ok, _ := am.Exists(ctx, "m1", "/shared/x"); ok {
		t.Fatal("annotation survived DeleteAll")
	}
}

func TestThreadTables(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t)
	subject := int32(7)

	if err := s.Threads().InsertSome(ctx, "bob", []int32{1, 2}, "m1", "t1", &subject); err != nil {
		t.Fatal(err)
	}
	rows, _ := s.Threads().SelectSome(ctx, "bob", []int32{2, 3})
	if len(rows) != 1 || rows[0].ThreadID != "t1" || !rows[0].SameSubject(&subject) {
		t.Fatalf("SelectSome = %+v", rows)
	}
	if rows, _ := s.Threads().SelectSome(ctx, "alice", []int32{1}); len(rows) != 0 {
		t.Fatal("thread rows leak across users")
	}

	entry := store.ThreadLookupEntry{ThreadID: "t1", MessageID: "m1", User: "bob", Hashes: []int32{1, 2}}
	_ = s.ThreadLookup().Insert(ctx, entry)
	got, err := s.ThreadLookup().SelectOne(ctx, "t1", "m1")
	if err != nil || len(got.Hashes) != 2 {
		t.Fatalf("SelectOne = %+v, %v", got, err)
	}

	_ = s.Threads().DeleteSome(ctx, "bob", got.Hashes, "m1")
	_ = s.ThreadLookup().DeleteOne(ctx, "t1", "m1")
	if rows, _ := s.Threads().SelectSome(ctx, "bob", []int32{1, 2}); len(rows) != 0 {
		t.Fatalf("rows remain: %+v", rows)
	}
	if _, err := s.ThreadLookup().SelectOne(ctx, "t1", "m1"); !store.IsNotFound(err) {
		t.Fatalf("SelectOne after delete: %v", err)
	}
}
