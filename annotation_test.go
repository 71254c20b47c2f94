package mailstore

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"

	"github.com/rbaliyan/mailstore/acl"
	"github.com/rbaliyan/mailstore/store"
)

func TestAnnotations(t *testing.T) {
	ctx := context.Background()
	env := setupTestService(t, WithMaxAnnotations(3), WithMaxAnnotationSize(8))
	bob := env.svc.Client("bob")
	path := store.NewPath("bob", "box")
	env.mustCreate(t, "bob", "box")

	t.Run("write and read", func(t *testing.T) {
		err := bob.UpdateAnnotations(ctx, path, []store.Annotation{
			{Key: "/private/comment", Value: "a"},
			{Key: "/private/comment/x", Value: "b"},
		})
		if err != nil {
			t.Fatal(err)
		}
		all, err := bob.GetAllAnnotations(ctx, path)
		if err != nil || len(all) != 2 || all[0].Key != "/private/comment" {
			t.Errorf("unexpected annotations %+v %v", all, err)
		}
		got, err := bob.GetAnnotationsByKeys(ctx, path, []string{"/private/comment"}, store.DepthZero)
		if err != nil || len(got) != 1 || got[0].Value != "a" {
			t.Errorf("depth zero: %+v %v", got, err)
		}
		got, _ = bob.GetAnnotationsByKeys(ctx, path, []string{"/private/comment"}, store.DepthInfinity)
		if len(got) != 2 {
			t.Errorf("depth infinity: %+v", got)
		}
	})

	t.Run("empty value deletes", func(t *testing.T) {
		if err := bob.UpdateAnnotations(ctx, path, []store.Annotation{{Key: "/private/comment/x"}}); err != nil {
			t.Fatal(err)
		}
		all, _ := bob.GetAllAnnotations(ctx, path)
		if len(all) != 1 {
			t.Errorf("expected 1 annotation, got %+v", all)
		}
	})

	t.Run("count limit is checked before writing", func(t *testing.T) {
		err := bob.UpdateAnnotations(ctx, path, []store.Annotation{
			{Key: "/shared/a", Value: "1"},
			{Key: "/shared/b", Value: "2"},
			{Key: "/shared/c", Value: "3"},
		})
		if !errors.Is(err, ErrAnnotationLimit) {
			t.Fatalf("expected ErrAnnotationLimit, got %v", err)
		}
		if all, _ := bob.GetAllAnnotations(ctx, path); len(all) != 1 {
			t.Errorf("nothing may be written, got %+v", all)
		}
		// Deleting in the same batch makes room.
		err = bob.UpdateAnnotations(ctx, path, []store.Annotation{
			{Key: "/private/comment"},
			{Key: "/shared/a", Value: "1"},
			{Key: "/shared/b", Value: "2"},
			{Key: "/shared/c", Value: "3"},
		})
		if err != nil {
			t.Errorf("expected success, got %v", err)
		}
	})

	t.Run("size limit", func(t *testing.T) {
		err := bob.UpdateAnnotations(ctx, path, []store.Annotation{{Key: "/shared/a", Value: strings.Repeat("x", 9)}})
		if !errors.Is(err, ErrAnnotationLimit) {
			t.Errorf("expected ErrAnnotationLimit, got %v", err)
		}
	})

	t.Run("invalid keys", func(t *testing.T) {
		for _, key := range []string{"", "comment", "/private/*", "/private//x"} {
			err := bob.UpdateAnnotations(ctx, path, []store.Annotation{{Key: key, Value: "v"}})
			if !errors.Is(err, ErrInvalidAnnotation) || !IsValidation(err) {
				t.Errorf("%q: expected ErrInvalidAnnotation, got %v", key, err)
			}
		}
		if _, err := bob.GetAnnotationsByKeys(ctx, path, []string{"bad"}, store.DepthZero); !errors.Is(err, ErrInvalidAnnotation) {
			t.Errorf("expected ErrInvalidAnnotation, got %v", err)
		}
	})

	t.Run("rights", func(t *testing.T) {
		if err := bob.ApplyRightsCommand(ctx, path, acl.Grant(acl.UserKey("alice"), acl.MustParseRights("lr"))); err != nil {
			t.Fatal(err)
		}
		alice := env.svc.Client("alice")
		if _, err := alice.GetAllAnnotations(ctx, path); err != nil {
			t.Errorf("r allows reading: %v", err)
		}
		var re *RightsError
		err := alice.UpdateAnnotations(ctx, path, []store.Annotation{{Key: "/shared/a", Value: "v"}})
		if !errors.As(err, &re) || re.Right != acl.Write {
			t.Errorf("expected RightsError on w, got %v", err)
		}
	})
}

func TestSubscriptions(t *testing.T) {
	ctx := context.Background()
	env := setupTestService(t)
	bob := env.svc.Client("bob")

	// The mailbox need not exist.
	if err := bob.Subscribe(ctx, "later"); err != nil {
		t.Fatal(err)
	}
	if err := bob.Subscribe(ctx, "later"); err != nil {
		t.Fatalf("subscribing twice is fine: %v", err)
	}
	if err := bob.Subscribe(ctx, "news"); err != nil {
		t.Fatal(err)
	}
	subs, err := bob.Subscriptions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	slices.Sort(subs)
	if !slices.Equal(subs, []string{"later", "news"}) {
		t.Errorf("unexpected subscriptions %v", subs)
	}
	if subs, _ := env.svc.Client("alice").Subscriptions(ctx); len(subs) != 0 {
		t.Errorf("subscriptions are per user, got %v", subs)
	}

	if err := bob.Unsubscribe(ctx, "later"); err != nil {
		t.Fatal(err)
	}
	subs, _ = bob.Subscriptions(ctx)
	if !slices.Equal(subs, []string{"news"}) {
		t.Errorf("unexpected subscriptions %v", subs)
	}

	if err := bob.Subscribe(ctx, ""); !errors.Is(err, ErrInvalidPath) {
		t.Errorf("expected ErrInvalidPath, got %v", err)
	}
}
