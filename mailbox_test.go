package mailstore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/rbaliyan/mailstore/events"
	"github.com/rbaliyan/mailstore/store"
	"github.com/rbaliyan/mailstore/store/memory"
)

// testEnv is a connected service over in-memory backends.
type testEnv struct {
	svc      Service
	store    *memory.Store
	blobs    *memory.BlobStore
	recorder *events.Recorder
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupTestService(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	env := &testEnv{
		store:    memory.New(),
		blobs:    memory.NewBlobStore(),
		recorder: events.NewRecorder(),
	}
	base := []Option{
		WithStore(env.store),
		WithBlobStore(env.blobs),
		WithDispatcher(env.recorder),
		WithLogger(discardLogger()),
	}
	svc, err := NewService(append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	if err := svc.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { svc.Close(context.Background()) })
	env.svc = svc
	return env
}

// mustCreate creates name for user and fails the test on error.
func (e *testEnv) mustCreate(t *testing.T, user, name string) store.MailboxID {
	t.Helper()
	id, created, err := e.svc.Client(user).CreateMailbox(context.Background(), store.NewPath(user, name))
	if err != nil {
		t.Fatalf("CreateMailbox(%s, %s): %v", user, name, err)
	}
	if !created {
		t.Fatalf("CreateMailbox(%s, %s): not created", user, name)
	}
	return id
}

// kindListener records the events of the kinds it handles.
type kindListener struct {
	kinds []events.Kind
	err   error

	mu   sync.Mutex
	seen []events.Event
}

func (l *kindListener) Name() string { return "test" }

func (l *kindListener) IsHandling(ev events.Event) bool {
	return len(l.kinds) == 0 || slices.Contains(l.kinds, ev.Kind())
}

func (l *kindListener) OnEvent(_ context.Context, ev events.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seen = append(l.seen, ev)
	return l.err
}

func (l *kindListener) events() []events.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.seen)
}

// dispatcherFunc is a Dispatcher that accepts no listeners.
type dispatcherFunc func(ctx context.Context, ev events.Event) error

func (f dispatcherFunc) Dispatch(ctx context.Context, ev events.Event) error { return f(ctx, ev) }

func TestNewService(t *testing.T) {
	t.Run("requires store", func(t *testing.T) {
		_, err := NewService()
		if !errors.Is(err, ErrStoreRequired) {
			t.Errorf("expected ErrStoreRequired, got %v", err)
		}
	})

	t.Run("creates service with store", func(t *testing.T) {
		svc, err := NewService(WithStore(memory.New()))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if svc == nil {
			t.Fatal("expected non-nil service")
		}
		if svc.IsConnected() {
			t.Error("service should not be connected before Connect")
		}
	})
}

func TestServiceLifecycle(t *testing.T) {
	t.Run("connect and close", func(t *testing.T) {
		svc, err := NewService(WithStore(memory.New()), WithDispatcher(events.NewRecorder()))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		ctx := context.Background()

		if err := svc.Connect(ctx); err != nil {
			t.Fatalf("connect failed: %v", err)
		}
		if !svc.IsConnected() {
			t.Fatal("expected connected service")
		}

		// Double connect should fail
		if err := svc.Connect(ctx); !errors.Is(err, ErrAlreadyConnected) {
			t.Errorf("expected ErrAlreadyConnected, got %v", err)
		}

		if err := svc.Close(ctx); err != nil {
			t.Fatalf("close failed: %v", err)
		}

		// Double close should be safe
		if err := svc.Close(ctx); err != nil {
			t.Errorf("second close should not error, got %v", err)
		}
	})

	t.Run("listeners need a registrar", func(t *testing.T) {
		ctx := context.Background()
		st := memory.New()
		noop := dispatcherFunc(func(context.Context, events.Event) error { return nil })
		svc, err := NewService(WithStore(st), WithDispatcher(noop), WithListener(&kindListener{}), WithLogger(discardLogger()))
		if err != nil {
			t.Fatal(err)
		}
		if err := svc.Connect(ctx); err == nil {
			t.Fatal("expected Connect to fail")
		}
		if svc.IsConnected() {
			t.Fatal("failed Connect must leave the service disconnected")
		}
		// The store was closed again, so it can be reconnected.
		if err := st.Connect(ctx); err != nil {
			t.Fatalf("store left connected: %v", err)
		}
	})
}

func TestClient(t *testing.T) {
	ctx := context.Background()
	env := setupTestService(t)

	t.Run("User returns the user", func(t *testing.T) {
		if got := env.svc.Client("bob").User(); got != "bob" {
			t.Errorf("expected bob, got %s", got)
		}
	})

	t.Run("invalid user", func(t *testing.T) {
		for _, user := range []string{"", "a:b", "a b", "50%", "x*"} {
			_, _, err := env.svc.Client(user).CreateMailbox(ctx, store.NewPath(user, "box"))
			if !errors.Is(err, ErrInvalidUser) {
				t.Errorf("user %q: expected ErrInvalidUser, got %v", user, err)
			}
		}
	})

	t.Run("not connected", func(t *testing.T) {
		svc, err := NewService(WithStore(memory.New()))
		if err != nil {
			t.Fatal(err)
		}
		c := svc.Client("bob")
		if _, _, err := c.CreateMailbox(ctx, store.NewPath("bob", "a")); !errors.Is(err, ErrNotConnected) {
			t.Errorf("CreateMailbox: expected ErrNotConnected, got %v", err)
		}
		if _, err := c.GetMailbox(ctx, store.InboxPath("bob")); !errors.Is(err, ErrNotConnected) {
			t.Errorf("GetMailbox: expected ErrNotConnected, got %v", err)
		}
		if _, err := svc.List(ctx); !errors.Is(err, ErrNotConnected) {
			t.Errorf("List: expected ErrNotConnected, got %v", err)
		}
	})
}

func TestServiceList(t *testing.T) {
	ctx := context.Background()
	env := setupTestService(t)
	env.mustCreate(t, "bob", "INBOX")
	env.mustCreate(t, "alice", "work")

	paths, err := env.svc.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) != 2 {
		t.Fatalf("expected 2 paths, got %v", paths)
	}
}

func TestEventErrors(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("transport down")
	failing := dispatcherFunc(func(context.Context, events.Event) error { return boom })

	t.Run("fatal by default", func(t *testing.T) {
		env := setupTestService(t, WithDispatcher(failing))
		id, created, err := env.svc.Client("bob").CreateMailbox(ctx, store.NewPath("bob", "box"))
		pubErr, ok := IsEventPublishError(err)
		if !ok {
			t.Fatalf("expected EventPublishError, got %v", err)
		}
		if pubErr.Event != string(events.KindMailboxAdded) || !errors.Is(err, boom) {
			t.Errorf("unexpected publish error %+v", pubErr)
		}
		if !created || id == "" {
			t.Error("the mailbox is created even though the event failed")
		}
	})

	t.Run("reported when not fatal", func(t *testing.T) {
		var (
			mu    sync.Mutex
			kinds []events.Kind
		)
		env := setupTestService(t,
			WithDispatcher(failing),
			WithEventErrorsFatal(false),
			WithEventPublishFailureHandler(func(kind events.Kind, err error) {
				mu.Lock()
				defer mu.Unlock()
				kinds = append(kinds, kind)
			}),
		)
		if _, _, err := env.svc.Client("bob").CreateMailbox(ctx, store.NewPath("bob", "box")); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		mu.Lock()
		defer mu.Unlock()
		if len(kinds) != 1 || kinds[0] != events.KindMailboxAdded {
			t.Errorf("handler saw %v", kinds)
		}
	})

	t.Run("handler panic is recovered", func(t *testing.T) {
		env := setupTestService(t,
			WithDispatcher(failing),
			WithEventErrorsFatal(false),
			WithEventPublishFailureHandler(func(events.Kind, error) { panic("handler bug") }),
		)
		if _, _, err := env.svc.Client("bob").CreateMailbox(ctx, store.NewPath("bob", "box")); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})
}

func TestGracefulShutdown(t *testing.T) {
	ctx := context.Background()
	env := setupTestService(t)
	c := env.svc.Client("bob")
	env.mustCreate(t, "bob", "INBOX")

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.AppendMessage(ctx, store.InboxPath("bob"), AppendRequest{Message: strings.NewReader(rawMessage("hi", "", ""))})
		}()
	}
	wg.Wait()

	if err := env.svc.Close(ctx); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if _, err := c.AppendMessage(ctx, store.InboxPath("bob"), AppendRequest{Message: strings.NewReader(rawMessage("late", "", ""))}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected after Close, got %v", err)
	}
}
