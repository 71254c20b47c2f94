package acl_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rbaliyan/mailstore/acl"
	"github.com/rbaliyan/mailstore/resolver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRights(t *testing.T) {
	r, err := acl.ParseRights("rl")
	require.NoError(t, err)
	assert.Equal(t, "lr", r.String())
	assert.True(t, r.Contains(acl.Lookup, acl.Read))
	assert.False(t, r.Contains(acl.Insert))

	_, err = acl.ParseRights("lz")
	assert.True(t, errors.Is(err, acl.ErrUnsupportedRight))

	assert.Equal(t, "lrswipkxtea", acl.AllRights.String())
}

func TestEntryKeyRoundTrip(t *testing.T) {
	cases := []struct {
		in   string
		want acl.EntryKey
	}{
		{"bob", acl.EntryKey{Name: "bob", Type: acl.NameUser}},
		{"-bob", acl.EntryKey{Name: "bob", Type: acl.NameUser, Negative: true}},
		{"$staff", acl.EntryKey{Name: "staff", Type: acl.NameGroup}},
		{"-$staff", acl.EntryKey{Name: "staff", Type: acl.NameGroup, Negative: true}},
		{"anyone", acl.EntryKey{Name: "anyone", Type: acl.NameSpecial}},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			k, err := acl.ParseEntryKey(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, k)
			assert.Equal(t, tc.in, k.String())
		})
	}

	_, err := acl.ParseEntryKey("-")
	assert.ErrorIs(t, err, acl.ErrInvalidEntryKey)
}

func TestACLApply(t *testing.T) {
	bob := acl.UserKey("bob")
	a := acl.ACL{}.Apply(acl.Grant(bob, acl.MustParseRights("lr")))
	assert.Equal(t, "lr", a.Get(bob).String())

	a = a.Apply(acl.Grant(bob, acl.MustParseRights("i")))
	assert.Equal(t, "lri", a.Get(bob).String())

	a = a.Apply(acl.Revoke(bob, acl.MustParseRights("r")))
	assert.Equal(t, "li", a.Get(bob).String())

	a = a.Apply(acl.Replace(bob, acl.NoRights))
	assert.True(t, a.IsEmpty())
}

func TestACLJSON(t *testing.T) {
	a := acl.ACL{
		acl.UserKey("bob"):             acl.MustParseRights("lr"),
		acl.GroupKey("staff").Negate(): acl.MustParseRights("w"),
	}
	raw, err := json.Marshal(a)
	require.NoError(t, err)
	assert.JSONEq(t, `{"bob":"lr","-$staff":"w"}`, string(raw))

	var back acl.ACL
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, a, back)
}

func TestDiffChanges(t *testing.T) {
	bob, alice, carol := acl.UserKey("bob"), acl.UserKey("alice"), acl.UserKey("carol")
	before := acl.ACL{bob: acl.MustParseRights("lr"), alice: acl.MustParseRights("l")}
	after := acl.ACL{bob: acl.MustParseRights("lri"), carol: acl.MustParseRights("l")}

	changes := acl.ComputeDiff(before, after).Changes()
	require.Len(t, changes, 3)
	assert.Equal(t, acl.Change{Key: alice, Type: acl.ChangeRemoved, Old: acl.MustParseRights("l")}, changes[0])
	assert.Equal(t, acl.ChangeUpdated, changes[1].Type)
	assert.Equal(t, carol, changes[2].Key)
	assert.Equal(t, acl.ChangeAdded, changes[2].Type)

	assert.True(t, acl.ComputeDiff(before, before).IsEmpty())
}

func TestResolve(t *testing.T) {
	ctx := context.Background()
	groups := resolver.NewStatic(map[string][]string{"bob": {"staff"}})
	r := acl.NewResolver(acl.WithGroupResolver(groups))

	a := acl.ACL{
		acl.GroupKey("staff"):           acl.MustParseRights("lrsw"),
		acl.UserKey("bob").Negate():     acl.MustParseRights("w"),
		acl.AnyoneKey():                 acl.MustParseRights("l"),
		acl.UserKey("mallory").Negate(): acl.MustParseRights("l"),
	}

	t.Run("owner has everything", func(t *testing.T) {
		got, err := r.Resolve(ctx, a, "alice", "alice")
		require.NoError(t, err)
		assert.Equal(t, acl.AllRights, got)
	})

	t.Run("negative entry subtracts", func(t *testing.T) {
		got, err := r.Resolve(ctx, a, "bob", "alice")
		require.NoError(t, err)
		assert.Equal(t, "lrs", got.String())
	})

	t.Run("anyone", func(t *testing.T) {
		got, err := r.Resolve(ctx, a, "carol", "alice")
		require.NoError(t, err)
		assert.Equal(t, "l", got.String())
	})

	t.Run("negative beats anyone", func(t *testing.T) {
		ok, err := r.HasRight(ctx, a, "mallory", "alice", acl.Lookup)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestCheckGrantable(t *testing.T) {
	r := acl.NewResolver(acl.WithGrantable(acl.MustParseRights("lrs")))
	assert.NoError(t, r.CheckGrantable(acl.MustParseRights("lr")))
	assert.ErrorIs(t, r.CheckGrantable(acl.MustParseRights("la")), acl.ErrUnsupportedRight)

	required, optional := r.ListRights(acl.UserKey("bob"), "bob")
	assert.Equal(t, acl.AllRights, required)
	assert.Empty(t, optional)

	required, optional = r.ListRights(acl.UserKey("carol"), "bob")
	assert.Equal(t, acl.NoRights, required)
	assert.Equal(t, []acl.Right{acl.Lookup, acl.Read, acl.WriteSeenFlag}, optional)
}
