package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/rbaliyan/event/v3"
	"github.com/rbaliyan/event/v3/transport"
	"github.com/rbaliyan/event/v3/transport/noop"
	eventredis "github.com/rbaliyan/event/v3/transport/redis"
	"github.com/redis/go-redis/v9"
)

// ErrUnknownEvent is returned when dispatching an event type the bus does
// not carry.
var ErrUnknownEvent = errors.New("events: unknown event type")

type busOptions struct {
	name        string
	transport   transport.Transport
	redisClient redis.UniversalClient
	logger      *slog.Logger
}

// BusOption configures a Bus.
type BusOption func(*busOptions)

// WithName sets the bus name prefix. Default "mailstore".
func WithName(name string) BusOption {
	return func(o *busOptions) {
		if name != "" {
			o.name = name
		}
	}
}

// WithTransport sets a custom event transport. It takes precedence over
// WithRedisClient.
func WithTransport(t transport.Transport) BusOption {
	return func(o *busOptions) {
		if t != nil {
			o.transport = t
		}
	}
}

// WithRedisClient routes events through Redis. Without a transport or a
// Redis client the bus drops events (noop transport).
func WithRedisClient(client redis.UniversalClient) BusOption {
	return func(o *busOptions) {
		if client != nil {
			o.redisClient = client
		}
	}
}

// WithBusLogger sets the logger.
func WithBusLogger(l *slog.Logger) BusOption {
	return func(o *busOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// busCounter generates unique suffixes for bus names.
var busCounter int64

// Bus dispatches events over an rbaliyan/event bus, one typed event per kind.
type Bus struct {
	bus    *event.Bus
	name   string
	logger *slog.Logger

	mailboxAdded    event.Event[MailboxAdded]
	mailboxDeletion event.Event[MailboxDeletion]
	mailboxRenamed  event.Event[MailboxRenamed]
	added           event.Event[Added]
	expunged        event.Event[Expunged]
	flagsUpdated    event.Event[FlagsUpdated]
	aclUpdated      event.Event[ACLUpdated]
}

var _ Dispatcher = (*Bus)(nil)

// NewBus creates a bus and registers every event kind with it.
func NewBus(ctx context.Context, opts ...BusOption) (*Bus, error) {
	o := &busOptions{name: "mailstore", logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}
	// Each bus needs a unique name, so append a counter suffix. Event names
	// keep the plain prefix so publishers and consumers in other processes
	// agree on them.
	busName := fmt.Sprintf("%s-%d", o.name, atomic.AddInt64(&busCounter, 1))

	var bus *event.Bus
	var err error
	switch {
	case o.transport != nil:
		o.logger.Info("initializing event bus with custom transport", "bus", busName)
		bus, err = event.NewBus(busName, event.WithTransport(o.transport))
	case o.redisClient != nil:
		o.logger.Info("initializing event bus with Redis transport", "bus", busName)
		t, transportErr := eventredis.New(o.redisClient)
		if transportErr != nil {
			return nil, fmt.Errorf("events: create redis transport: %w", transportErr)
		}
		bus, err = event.NewBus(busName, event.WithTransport(t))
	default:
		o.logger.Debug("initializing event bus with noop transport", "bus", busName)
		bus, err = event.NewBus(busName, event.WithTransport(noop.New()))
	}
	if err != nil {
		return nil, fmt.Errorf("events: create bus: %w", err)
	}

	b := &Bus{
		bus:             bus,
		name:            busName,
		logger:          o.logger,
		mailboxAdded:    event.New[MailboxAdded](eventName(o.name, KindMailboxAdded)),
		mailboxDeletion: event.New[MailboxDeletion](eventName(o.name, KindMailboxDeletion)),
		mailboxRenamed:  event.New[MailboxRenamed](eventName(o.name, KindMailboxRenamed)),
		added:           event.New[Added](eventName(o.name, KindAdded)),
		expunged:        event.New[Expunged](eventName(o.name, KindExpunged)),
		flagsUpdated:    event.New[FlagsUpdated](eventName(o.name, KindFlagsUpdated)),
		aclUpdated:      event.New[ACLUpdated](eventName(o.name, KindACLUpdated)),
	}
	if err := b.register(ctx); err != nil {
		bus.Close(ctx)
		return nil, err
	}
	return b, nil
}

func eventName(busName string, k Kind) string {
	return busName + "." + string(k)
}

func (b *Bus) register(ctx context.Context) error {
	errs := []error{
		registerKind(ctx, b.bus, b.mailboxAdded, KindMailboxAdded),
		registerKind(ctx, b.bus, b.mailboxDeletion, KindMailboxDeletion),
		registerKind(ctx, b.bus, b.mailboxRenamed, KindMailboxRenamed),
		registerKind(ctx, b.bus, b.added, KindAdded),
		registerKind(ctx, b.bus, b.expunged, KindExpunged),
		registerKind(ctx, b.bus, b.flagsUpdated, KindFlagsUpdated),
		registerKind(ctx, b.bus, b.aclUpdated, KindACLUpdated),
	}
	return errors.Join(errs...)
}

func registerKind[T any](ctx context.Context, bus *event.Bus, ev event.Event[T], k Kind) error {
	if err := event.Register(ctx, bus, ev); err != nil && !errors.Is(err, event.ErrAlreadyBound) {
		return fmt.Errorf("events: register %s: %w", k, err)
	}
	return nil
}

// Name returns the unique bus name.
func (b *Bus) Name() string { return b.name }

// Dispatch publishes ev on the event of its kind.
func (b *Bus) Dispatch(ctx context.Context, ev Event) error {
	var err error
	switch e := ev.(type) {
	case MailboxAdded:
		err = b.mailboxAdded.Publish(ctx, e)
	case MailboxDeletion:
		err = b.mailboxDeletion.Publish(ctx, e)
	case MailboxRenamed:
		err = b.mailboxRenamed.Publish(ctx, e)
	case Added:
		err = b.added.Publish(ctx, e)
	case Expunged:
		err = b.expunged.Publish(ctx, e)
	case FlagsUpdated:
		err = b.flagsUpdated.Publish(ctx, e)
	case ACLUpdated:
		err = b.aclUpdated.Publish(ctx, e)
	default:
		return fmt.Errorf("%w: %T", ErrUnknownEvent, ev)
	}
	if err != nil {
		return fmt.Errorf("events: publish %s: %w", ev.Kind(), err)
	}
	return nil
}

// Register subscribes l to every event kind. The error returned by
// l.OnEvent is handed back to the transport, which decides on redelivery.
func (b *Bus) Register(ctx context.Context, l Listener) error {
	errs := []error{
		subscribe(ctx, b.mailboxAdded, l),
		subscribe(ctx, b.mailboxDeletion, l),
		subscribe(ctx, b.mailboxRenamed, l),
		subscribe(ctx, b.added, l),
		subscribe(ctx, b.expunged, l),
		subscribe(ctx, b.flagsUpdated, l),
		subscribe(ctx, b.aclUpdated, l),
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("events: register listener %s: %w", l.Name(), err)
	}
	b.logger.Debug("listener registered", "listener", l.Name(), "bus", b.name)
	return nil
}

func subscribe[T Event](ctx context.Context, ev event.Event[T], l Listener) error {
	return ev.Subscribe(ctx, func(ctx context.Context, _ event.Event[T], data T) error {
		if !l.IsHandling(data) {
			return nil
		}
		return l.OnEvent(ctx, data)
	})
}

// Close closes the underlying bus and its transport.
func (b *Bus) Close(ctx context.Context) error {
	return b.bus.Close(ctx)
}
