package mailstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/rbaliyan/mailstore/acl"
	"github.com/rbaliyan/mailstore/events"
	"github.com/rbaliyan/mailstore/lock"
	lockmemory "github.com/rbaliyan/mailstore/lock/memory"
	"github.com/rbaliyan/mailstore/store"
	"github.com/rbaliyan/mailstore/thread"
	"golang.org/x/sync/semaphore"
)

// Type aliases for commonly used store types.
// These allow users to work with the mailstore package without importing store directly.
type (
	MailboxPath     = store.MailboxPath
	MailboxID       = store.MailboxID
	MessageID       = store.MessageID
	ThreadID        = store.ThreadID
	UIDRange        = store.UIDRange
	MailboxQuery    = store.MailboxQuery
	MessageQuery    = store.MessageQuery
	MessageMetadata = store.MessageMetadata
	Annotation      = store.Annotation
)

// ServiceHealth provides health and state information about the service.
type ServiceHealth interface {
	// IsConnected returns true if the service is connected and ready.
	IsConnected() bool
}

// Service manages the mailbox storage engine (server-side).
// It handles connections to storage and creates per-user clients.
type Service interface {
	ServiceHealth

	// Connect establishes connections to storage backends, the event bus
	// and plugins, and registers listeners.
	Connect(ctx context.Context) error
	// Close closes all connections.
	Close(ctx context.Context) error
	// Client returns a client acting as user.
	// The returned client shares the service's connections.
	Client(user string) Client
	// List returns the path of every mailbox. It is administrative and
	// checks no rights.
	List(ctx context.Context) ([]store.MailboxPath, error)
	// Events returns the dispatcher events are published on.
	Events() events.Dispatcher
}

// MailboxManager creates, deletes and renames mailboxes.
type MailboxManager interface {
	// CreateMailbox creates the mailbox and any missing parent. It returns
	// the id of the leaf and whether this call created it.
	CreateMailbox(ctx context.Context, path store.MailboxPath, opts ...CreateOption) (store.MailboxID, bool, error)
	DeleteMailbox(ctx context.Context, path store.MailboxPath) (*store.Mailbox, error)
	DeleteMailboxByID(ctx context.Context, id store.MailboxID) (*store.Mailbox, error)
	RenameMailbox(ctx context.Context, from, to store.MailboxPath, opts ...RenameOption) ([]RenameResult, error)
	RenameMailboxByID(ctx context.Context, id store.MailboxID, to store.MailboxPath, opts ...RenameOption) ([]RenameResult, error)
}

// MailboxFinder looks mailboxes up.
type MailboxFinder interface {
	GetMailbox(ctx context.Context, path store.MailboxPath) (*store.Mailbox, error)
	GetMailboxByID(ctx context.Context, id store.MailboxID) (*store.Mailbox, error)
	SearchMailboxes(ctx context.Context, q store.MailboxQuery, fetch FetchType) ([]MailboxMetadata, error)
	MailboxExists(ctx context.Context, path store.MailboxPath) (bool, error)
	HasChildren(ctx context.Context, path store.MailboxPath) (bool, error)
}

// MessageManager stores and edits the messages of a mailbox.
type MessageManager interface {
	AppendMessage(ctx context.Context, path store.MailboxPath, req AppendRequest) (*AppendResult, error)
	SetFlags(ctx context.Context, path store.MailboxPath, r store.UIDRange, change FlagChange) ([]store.MessageMetadata, error)
	Expunge(ctx context.Context, path store.MailboxPath, r store.UIDRange) ([]store.MessageMetadata, error)
	CopyMessages(ctx context.Context, r store.UIDRange, from, to store.MailboxPath) ([]store.UIDRange, error)
	MoveMessages(ctx context.Context, r store.UIDRange, from, to store.MailboxPath) ([]store.UIDRange, error)
	ReadMessage(ctx context.Context, path store.MailboxPath, uid store.UID) (io.ReadCloser, error)
	Status(ctx context.Context, path store.MailboxPath) (*store.MailboxStatus, error)
}

// MessageSearcher searches messages and threads.
type MessageSearcher interface {
	SearchMessages(ctx context.Context, q store.MessageQuery, limit int) ([]store.MessageMetadata, error)
	GetThread(ctx context.Context, tid store.ThreadID) ([]store.MessageID, error)
	GetLatestInThread(ctx context.Context, tid store.ThreadID, limit int) ([]store.MessageID, error)
}

// RightsManager reads and edits mailbox ACLs.
type RightsManager interface {
	HasRight(ctx context.Context, path store.MailboxPath, right acl.Right) (bool, error)
	MyRights(ctx context.Context, path store.MailboxPath) (acl.Rights, error)
	MyRightsByID(ctx context.Context, id store.MailboxID) (acl.Rights, error)
	ListRights(ctx context.Context, path store.MailboxPath, key acl.EntryKey) ([]acl.Rights, error)
	ListACL(ctx context.Context, path store.MailboxPath) (acl.ACL, error)
	ApplyRightsCommand(ctx context.Context, path store.MailboxPath, cmd acl.Command) error
	ApplyRightsCommandByID(ctx context.Context, id store.MailboxID, cmd acl.Command) error
	SetRights(ctx context.Context, path store.MailboxPath, a acl.ACL) error
	SetRightsByID(ctx context.Context, id store.MailboxID, a acl.ACL) error
}

// AnnotationManager reads and edits mailbox annotations (RFC 5464).
type AnnotationManager interface {
	GetAllAnnotations(ctx context.Context, path store.MailboxPath) ([]store.Annotation, error)
	GetAnnotationsByKeys(ctx context.Context, path store.MailboxPath, keys []string, depth store.AnnotationDepth) ([]store.Annotation, error)
	UpdateAnnotations(ctx context.Context, path store.MailboxPath, annotations []store.Annotation) error
}

// SubscriptionManager manages the user's subscriptions.
type SubscriptionManager interface {
	Subscribe(ctx context.Context, name string) error
	Unsubscribe(ctx context.Context, name string) error
	Subscriptions(ctx context.Context) ([]string, error)
}

// Client is the mailbox API of one user.
//
// Composed of focused interfaces:
//   - MailboxManager: create, delete and rename
//   - MailboxFinder: lookups and mailbox search
//   - MessageManager: append, flags, expunge, copy and move
//   - MessageSearcher: message and thread search
//   - RightsManager: ACLs
//   - AnnotationManager: annotations
//   - SubscriptionManager: subscriptions
type Client interface {
	User() string
	MailboxManager
	MailboxFinder
	MessageManager
	MessageSearcher
	RightsManager
	AnnotationManager
	SubscriptionManager
}

// Connection states for the service.
const (
	stateDisconnected int32 = 0
	stateConnecting   int32 = 1
	stateConnected    int32 = 2
)

// listenerRegistrar is a dispatcher listeners can be registered with.
type listenerRegistrar interface {
	Register(ctx context.Context, l events.Listener) error
}

// service is the default implementation of Service.
type service struct {
	store      store.Store
	blobs      store.BlobStore
	locker     lock.Locker
	resolver   *acl.Resolver
	index      SearchIndex
	threads    *thread.Index
	logger     *slog.Logger
	opts       *options
	state      int32 // stateDisconnected, stateConnecting, or stateConnected
	plugins    *pluginRegistry
	otel       *otelInstrumentation
	opsSem     *semaphore.Weighted // Limits concurrent mutations; Close drains it
	bus        *events.Bus         // Event bus created by Connect, nil with a custom dispatcher
	dispatcher events.Dispatcher
}

// NewService creates a new mailstore service.
// Call Connect() to establish connections to backends.
func NewService(opts ...Option) (Service, error) {
	o := newOptions(opts...)

	if o.store == nil {
		return nil, ErrStoreRequired
	}

	plugins := newPluginRegistry(o.logger)
	for _, p := range o.plugins {
		plugins.register(p)
	}

	otelInstr, err := newOtelInstrumentation(o)
	if err != nil {
		return nil, fmt.Errorf("init otel: %w", err)
	}

	locker := o.locker
	if locker == nil {
		locker = lockmemory.New()
	}

	return &service{
		store:      o.store,
		blobs:      o.blobs,
		locker:     locker,
		resolver:   o.resolver,
		index:      o.index,
		logger:     o.logger,
		opts:       o,
		plugins:    plugins,
		otel:       otelInstr,
		opsSem:     semaphore.NewWeighted(int64(o.maxConcurrentOps)),
		dispatcher: events.Discard,
	}, nil
}

// Events returns the dispatcher events are published on.
func (s *service) Events() events.Dispatcher {
	return s.dispatcher
}

// IsConnected returns true if the service is connected and ready.
func (s *service) IsConnected() bool {
	return atomic.LoadInt32(&s.state) == stateConnected
}

// Connect establishes connections to storage backends.
func (s *service) Connect(ctx context.Context) error {
	// stateDisconnected -> stateConnecting -> stateConnected
	if !atomic.CompareAndSwapInt32(&s.state, stateDisconnected, stateConnecting) {
		return ErrAlreadyConnected
	}

	success := false
	defer func() {
		if success {
			atomic.StoreInt32(&s.state, stateConnected)
		} else {
			atomic.StoreInt32(&s.state, stateDisconnected)
		}
	}()

	if err := s.store.Connect(ctx); err != nil {
		return fmt.Errorf("connect store: %w", err)
	}

	var threadOpts []thread.Option
	if s.opts.threadingDisabled {
		threadOpts = append(threadOpts, thread.WithThreadingDisabled())
	}
	s.threads = thread.New(s.store.Threads(), s.store.ThreadLookup(), append(threadOpts, thread.WithLogger(s.logger))...)
	if s.index == nil {
		s.index = &scanIndex{messages: s.store.Messages()}
	}

	if err := s.initEvents(ctx); err != nil {
		s.store.Close(ctx)
		return fmt.Errorf("init events: %w", err)
	}

	if err := s.plugins.initAll(ctx); err != nil {
		s.closeBus(ctx)
		s.store.Close(ctx)
		return fmt.Errorf("init plugins: %w", err)
	}

	success = true
	s.logger.Info("mailstore service connected")
	return nil
}

// initEvents sets up the dispatcher and registers listeners with it.
func (s *service) initEvents(ctx context.Context) error {
	if s.opts.dispatcher != nil {
		s.dispatcher = s.opts.dispatcher
	} else {
		bus, err := events.NewBus(ctx,
			events.WithName(s.opts.serviceName),
			events.WithTransport(s.opts.eventTransport),
			events.WithRedisClient(s.opts.redisClient),
			events.WithBusLogger(s.logger),
		)
		if err != nil {
			return err
		}
		s.bus = bus
		s.dispatcher = bus
	}

	if len(s.opts.listeners) == 0 {
		return nil
	}
	reg, ok := s.dispatcher.(listenerRegistrar)
	if !ok {
		s.closeBus(ctx)
		return fmt.Errorf("dispatcher %T does not accept listeners", s.dispatcher)
	}
	for _, l := range s.opts.listeners {
		if err := reg.Register(ctx, l); err != nil {
			s.closeBus(ctx)
			return err
		}
		s.logger.Debug("listener registered", "listener", l.Name())
	}
	return nil
}

func (s *service) closeBus(ctx context.Context) error {
	if s.bus == nil {
		return nil
	}
	err := s.bus.Close(ctx)
	s.bus = nil
	s.dispatcher = events.Discard
	return err
}

// Close closes connections to storage backends.
func (s *service) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.state, stateConnected, stateDisconnected) {
		return nil
	}

	var errs []error

	// Wait for in-flight mutations to complete. After the state change no new
	// one can start because checkAccess fails.
	s.logger.Info("waiting for in-flight operations to complete...", "timeout", s.opts.shutdownTimeout)
	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, s.opts.shutdownTimeout)
	defer shutdownCancel()
	if err := s.opsSem.Acquire(shutdownCtx, int64(s.opts.maxConcurrentOps)); err != nil {
		s.logger.Warn("timeout waiting for in-flight operations, proceeding with shutdown",
			"error", err)
		errs = append(errs, fmt.Errorf("graceful shutdown timeout: %w", err))
	} else {
		s.opsSem.Release(int64(s.opts.maxConcurrentOps))
		s.logger.Info("all in-flight operations completed")
	}

	if err := s.plugins.closeAll(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close plugins: %w", err))
	}

	if err := s.closeBus(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close event bus: %w", err))
	}

	if err := s.store.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}

	return errors.Join(errs...)
}

// Client returns a client acting as user.
func (s *service) Client(user string) Client {
	return &userClient{
		user:      user,
		service:   s,
		validUser: isValidUser(user),
	}
}

// List returns every mailbox path.
func (s *service) List(ctx context.Context) ([]store.MailboxPath, error) {
	if !s.IsConnected() {
		return nil, ErrNotConnected
	}
	boxes, err := s.store.Mailboxes().List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list mailboxes: %w", err)
	}
	out := make([]store.MailboxPath, 0, len(boxes))
	for _, mb := range boxes {
		out = append(out, mb.Path)
	}
	return out, nil
}

// userClient is the default implementation of Client.
type userClient struct {
	user      string
	service   *service
	validUser bool // set by Client() after validation
}

// User returns the user this client acts as.
func (c *userClient) User() string {
	return c.user
}

// checkAccess verifies the client is ready for operations.
// Returns ErrNotConnected if service isn't connected,
// or ErrInvalidUser if the user failed validation.
func (c *userClient) checkAccess() error {
	if !c.service.IsConnected() {
		return ErrNotConnected
	}
	if !c.validUser {
		return ErrInvalidUser
	}
	return nil
}

// beginMutation checks access and holds an operation slot until the
// returned function is called.
func (c *userClient) beginMutation(ctx context.Context) (func(), error) {
	if err := c.checkAccess(); err != nil {
		return nil, err
	}
	if err := c.service.opsSem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	if !c.service.IsConnected() {
		c.service.opsSem.Release(1)
		return nil, ErrNotConnected
	}
	return func() { c.service.opsSem.Release(1) }, nil
}

// dispatch publishes ev. With fatal event errors the failure is returned as
// an *EventPublishError, otherwise it is reported to the failure handler.
func (c *userClient) dispatch(ctx context.Context, ev events.Event) error {
	err := c.service.dispatcher.Dispatch(ctx, ev)
	if err == nil {
		return nil
	}
	if c.service.opts.eventErrorsFatal {
		return &EventPublishError{Event: string(ev.Kind()), MailboxID: ev.EventHeader().MailboxID, Err: err}
	}
	c.service.opts.safeEventPublishFailure(ev.Kind(), err)
	return nil
}

func (c *userClient) logger() *slog.Logger {
	return c.service.logger
}

func (c *userClient) delim() rune {
	return c.service.opts.delimiter
}
