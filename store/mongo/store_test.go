package mongo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rbaliyan/mailstore/store"
)

func TestOptions(t *testing.T) {
	o := newOptions(WithDatabase(""), WithTimeout(-time.Second), WithLogger(nil))
	if o.database != DefaultDatabase {
		t.Errorf("database = %q, want default", o.database)
	}
	if o.timeout != DefaultTimeout {
		t.Errorf("timeout = %v, want default", o.timeout)
	}
	if o.logger == nil {
		t.Error("logger is nil")
	}

	o = newOptions(WithDatabase("mx"), WithCollectionPrefix("a_"), WithTimeout(time.Second))
	if o.database != "mx" || o.prefix != "a_" || o.timeout != time.Second {
		t.Errorf("got %+v", o)
	}
}

func TestNotConnected(t *testing.T) {
	ctx := context.Background()
	s := New(nil)

	if err := s.Connect(ctx); err == nil {
		t.Fatal("Connect without client should fail")
	}
	if err := s.Threads().InsertSome(ctx, "bob", []int32{1}, "m1", "t1", nil); !errors.Is(err, store.ErrNotConnected) {
		t.Errorf("InsertSome = %v, want ErrNotConnected", err)
	}
	if _, err := s.ThreadLookup().SelectOne(ctx, "t1", "m1"); !errors.Is(err, store.ErrNotConnected) {
		t.Errorf("SelectOne = %v, want ErrNotConnected", err)
	}
	if _, err := s.Annotations().Count(ctx, "m1"); !errors.Is(err, store.ErrNotConnected) {
		t.Errorf("Count = %v, want ErrNotConnected", err)
	}
	if _, err := s.Subscriptions().List(ctx, "bob"); !errors.Is(err, store.ErrNotConnected) {
		t.Errorf("List = %v, want ErrNotConnected", err)
	}
	if rows, err := s.Threads().SelectSome(ctx, "bob", nil); err != nil || rows != nil {
		t.Errorf("SelectSome(empty) = %v, %v", rows, err)
	}
}

func TestComposeOverrides(t *testing.T) {
	m := New(nil)
	st := store.Compose(nil, store.Overrides{
		Threads:       m.Threads(),
		ThreadLookup:  m.ThreadLookup(),
		Annotations:   m.Annotations(),
		Subscriptions: m.Subscriptions(),
	})
	if _, ok := st.Threads().(*threadDAO); !ok {
		t.Errorf("Threads = %T", st.Threads())
	}
	if _, ok := st.Subscriptions().(*subscriptionMapper); !ok {
		t.Errorf("Subscriptions = %T", st.Subscriptions())
	}
}
