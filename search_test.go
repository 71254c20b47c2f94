package mailstore

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rbaliyan/mailstore/acl"
	"github.com/rbaliyan/mailstore/store"
)

func mailboxNames(results []MailboxMetadata) []string {
	out := make([]string, 0, len(results))
	for _, r := range results {
		out = append(out, r.Mailbox.Path.User+":"+r.Mailbox.Path.Name)
	}
	return out
}

func TestSearchMailboxes(t *testing.T) {
	ctx := context.Background()
	env := setupTestService(t)
	bob, alice := env.svc.Client("bob"), env.svc.Client("alice")
	env.mustCreate(t, "bob", "INBOX")
	env.mustCreate(t, "bob", "work.reports")
	env.mustCreate(t, "alice", "INBOX")
	env.mustCreate(t, "alice", "team")
	env.mustCreate(t, "alice", "private")
	env.appendTo(t, "alice", "team")

	if err := alice.ApplyRightsCommand(ctx, store.NewPath("alice", "team"), acl.Grant(acl.UserKey("bob"), acl.MustParseRights("lr"))); err != nil {
		t.Fatal(err)
	}

	t.Run("own and delegated", func(t *testing.T) {
		results, err := bob.SearchMailboxes(ctx, store.MailboxQuery{}, FetchMinimal)
		if err != nil {
			t.Fatal(err)
		}
		got := mailboxNames(results)
		want := []string{"alice:team", "bob:INBOX", "bob:work", "bob:work.reports"}
		if len(got) != len(want) {
			t.Fatalf("got %v, want %v", got, want)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Errorf("result %d: got %s, want %s", i, got[i], want[i])
			}
		}
		for _, r := range results {
			switch r.Mailbox.Path.Name {
			case "work":
				if !r.HasChildren {
					t.Error("work has children")
				}
			case "team":
				if r.MyRights.String() != "lr" || r.Mailbox.ACL != nil {
					t.Errorf("delegated result %+v", r)
				}
			}
			if r.Counters != nil {
				t.Error("counters only with FetchCounters")
			}
		}
	})

	t.Run("expression", func(t *testing.T) {
		results, err := bob.SearchMailboxes(ctx, store.PrivateQuery("bob", store.PrefixedWildcard("work")), FetchMinimal)
		if err != nil {
			t.Fatal(err)
		}
		if got := mailboxNames(results); len(got) != 2 || got[0] != "bob:work" {
			t.Errorf("unexpected results %v", got)
		}
	})

	t.Run("other user only", func(t *testing.T) {
		results, err := bob.SearchMailboxes(ctx, store.PrivateQuery("alice", nil), FetchCounters)
		if err != nil {
			t.Fatal(err)
		}
		if len(results) != 1 || results[0].Mailbox.Path.Name != "team" {
			t.Fatalf("unexpected results %v", mailboxNames(results))
		}
		if c := results[0].Counters; c == nil || c.Count != 1 || c.Unseen != 1 {
			t.Errorf("unexpected counters %+v", c)
		}
	})

	t.Run("revoked", func(t *testing.T) {
		if err := alice.ApplyRightsCommand(ctx, store.NewPath("alice", "team"), acl.Revoke(acl.UserKey("bob"), acl.MustParseRights("lr"))); err != nil {
			t.Fatal(err)
		}
		results, _ := bob.SearchMailboxes(ctx, store.PrivateQuery("alice", nil), FetchMinimal)
		if len(results) != 0 {
			t.Errorf("revoked mailbox still listed: %v", mailboxNames(results))
		}
	})
}

func TestHasChildren(t *testing.T) {
	ctx := context.Background()
	env := setupTestService(t)
	bob := env.svc.Client("bob")
	env.mustCreate(t, "bob", "a.b")
	env.mustCreate(t, "bob", "ab")

	if ok, err := bob.HasChildren(ctx, store.NewPath("bob", "a.")); err != nil || !ok {
		t.Errorf("a has children: %v %v", ok, err)
	}
	if ok, _ := bob.HasChildren(ctx, store.NewPath("bob", "ab")); ok {
		t.Error("ab has no children")
	}
}

func TestSearchMessages(t *testing.T) {
	ctx := context.Background()
	env := setupTestService(t, WithDefaultSearchLimit(2), WithMaxSearchLimit(3))
	bob, alice := env.svc.Client("bob"), env.svc.Client("alice")
	inbox := env.mustCreate(t, "bob", "INBOX")
	archive := env.mustCreate(t, "bob", "archive")
	env.mustCreate(t, "alice", "shared")
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	appendAt := func(user, name string, at time.Time, flags ...string) *AppendResult {
		t.Helper()
		res, err := env.svc.Client(user).AppendMessage(ctx, store.NewPath(user, name), AppendRequest{
			Message:      strings.NewReader(rawMessage("s", "", "")),
			Flags:        store.NewFlags(flags...),
			InternalDate: at,
		})
		if err != nil {
			t.Fatal(err)
		}
		return res
	}
	oldest := appendAt("bob", "INBOX", base)
	appendAt("bob", "INBOX", base.Add(time.Hour), `\Seen`)
	newest := appendAt("bob", "archive", base.Add(2*time.Hour))
	shared := appendAt("alice", "shared", base.Add(3*time.Hour))
	appendAt("bob", "archive", base.Add(-time.Hour), `\Seen`)

	t.Run("default limit, newest first", func(t *testing.T) {
		msgs, err := bob.SearchMessages(ctx, store.MessageQuery{}, 0)
		if err != nil {
			t.Fatal(err)
		}
		if len(msgs) != 2 || msgs[0].MessageID != newest.MessageID {
			t.Errorf("unexpected results %+v", msgs)
		}
	})

	t.Run("limit is capped", func(t *testing.T) {
		msgs, _ := bob.SearchMessages(ctx, store.MessageQuery{}, 100)
		if len(msgs) != 3 {
			t.Errorf("expected 3 results, got %d", len(msgs))
		}
	})

	t.Run("criteria", func(t *testing.T) {
		msgs, _ := bob.SearchMessages(ctx, store.MessageQuery{
			Criteria: store.MessageCriteria{NotFlags: store.NewFlags(`\Seen`)},
		}, 3)
		if len(msgs) != 2 {
			t.Errorf("expected 2 unseen messages, got %d", len(msgs))
		}
	})

	t.Run("mailbox filters", func(t *testing.T) {
		msgs, _ := bob.SearchMessages(ctx, store.MessageQuery{InMailboxes: []store.MailboxID{inbox}}, 3)
		if len(msgs) != 2 || msgs[1].MessageID != oldest.MessageID {
			t.Errorf("unexpected INBOX results %+v", msgs)
		}
		msgs, _ = bob.SearchMessages(ctx, store.MessageQuery{NotInMailboxes: []store.MailboxID{inbox}}, 3)
		for _, m := range msgs {
			if m.MailboxID != archive {
				t.Errorf("excluded mailbox searched: %+v", m)
			}
		}
	})

	t.Run("delegated", func(t *testing.T) {
		msgs, _ := bob.SearchMessages(ctx, store.MessageQuery{InMailboxes: []store.MailboxID{shared.MailboxID}}, 3)
		if len(msgs) != 0 {
			t.Error("unreadable mailbox searched")
		}
		if err := alice.ApplyRightsCommand(ctx, store.NewPath("alice", "shared"), acl.Grant(acl.UserKey("bob"), acl.MustParseRights("lr"))); err != nil {
			t.Fatal(err)
		}
		msgs, _ = bob.SearchMessages(ctx, store.MessageQuery{}, 3)
		for _, m := range msgs {
			if m.MessageID == shared.MessageID {
				t.Error("delegated mailboxes need IncludeDelegated")
			}
		}
		msgs, _ = bob.SearchMessages(ctx, store.MessageQuery{IncludeDelegated: true}, 3)
		if len(msgs) == 0 || msgs[0].MessageID != shared.MessageID {
			t.Errorf("delegated message should come first: %+v", msgs)
		}
	})
}
