package mailstore

import (
	"log/slog"
	"time"

	"github.com/rbaliyan/event/v3/transport"
	"github.com/rbaliyan/mailstore/acl"
	"github.com/rbaliyan/mailstore/events"
	"github.com/rbaliyan/mailstore/lock"
	"github.com/rbaliyan/mailstore/retry"
	"github.com/rbaliyan/mailstore/store"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Default configuration values.
const (
	DefaultShutdownTimeout = 30 * time.Second // default graceful shutdown timeout
	MinShutdownTimeout     = 1 * time.Second  // minimum shutdown timeout

	// Concurrency limits
	DefaultRenameConcurrency = 2  // sub-mailboxes renamed at once
	DefaultMaxConcurrentOps  = 64 // mutating operations in flight per service

	// Annotation limits (RFC 5464)
	DefaultMaxAnnotations    = 10   // per mailbox
	DefaultMaxAnnotationSize = 1024 // bytes per value

	// Search limits
	DefaultSearchLimit    = 100
	DefaultMaxSearchLimit = 1000

	DefaultPathDelimiter = store.DefaultDelimiter
	defaultServiceName   = "mailstore"
)

// Retry policies of the structural operations.
var (
	// DefaultCreateRetry is used per hierarchy level of CreateMailbox.
	DefaultCreateRetry = retry.Config{MaxRetries: 5, InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second, Multiplier: 2, Jitter: 0.5}
	// DefaultDeleteRetry is used by DeleteMailbox.
	DefaultDeleteRetry = retry.Config{MaxRetries: 3, InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second, Multiplier: 2, Jitter: 0.5}
	// DefaultRenameRetry is used per sub-mailbox of RenameMailbox.
	DefaultRenameRetry = retry.Config{MaxRetries: 5, InitialBackoff: 10 * time.Millisecond, MaxBackoff: time.Second, Multiplier: 2, Jitter: 0.5}
)

// options holds service configuration.
type options struct {
	store     store.Store
	blobs     store.BlobStore
	locker    lock.Locker
	resolver  *acl.Resolver
	quotaRoot QuotaRootResolver
	index     SearchIndex
	logger    *slog.Logger

	plugins []Plugin

	delimiter          rune
	threadingDisabled  bool
	maxAnnotations     int
	maxAnnotationSize  int
	defaultSearchLimit int
	maxSearchLimit     int

	// Concurrency limits
	renameConcurrency int
	maxConcurrentOps  int

	// Retry
	createRetry retry.Config
	deleteRetry retry.Config
	renameRetry retry.Config

	// Shutdown
	shutdownTimeout time.Duration

	// OpenTelemetry
	tracingEnabled bool
	metricsEnabled bool
	serviceName    string
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider

	// Event handling
	eventErrorsFatal      bool                    // If true, event publishing failures cause operation to fail
	dispatcher            events.Dispatcher       // Custom dispatcher (optional)
	listeners             []events.Listener       // Registered on Connect
	eventTransport        transport.Transport     // Event transport (optional, uses noop if nil)
	redisClient           redis.UniversalClient   // Redis client for event transport (optional, uses noop if nil)
	onEventPublishFailure EventPublishFailureFunc // Callback for event publish failures (always set)
}

// EventPublishFailureFunc is called when an event fails to publish and
// event errors are not fatal.
type EventPublishFailureFunc func(kind events.Kind, err error)

// safeEventPublishFailure calls the event failure callback with panic recovery.
func (o *options) safeEventPublishFailure(kind events.Kind, err error) {
	if o.onEventPublishFailure == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("panic in event publish failure handler",
				"event", kind,
				"original_error", err,
				"panic", r,
			)
		}
	}()
	o.onEventPublishFailure(kind, err)
}

// newOptions creates options with defaults and applies provided options.
func newOptions(opts ...Option) *options {
	o := &options{
		logger:             slog.Default(),
		delimiter:          DefaultPathDelimiter,
		maxAnnotations:     DefaultMaxAnnotations,
		maxAnnotationSize:  DefaultMaxAnnotationSize,
		defaultSearchLimit: DefaultSearchLimit,
		maxSearchLimit:     DefaultMaxSearchLimit,
		renameConcurrency:  DefaultRenameConcurrency,
		maxConcurrentOps:   DefaultMaxConcurrentOps,
		createRetry:        DefaultCreateRetry,
		deleteRetry:        DefaultDeleteRetry,
		renameRetry:        DefaultRenameRetry,
		shutdownTimeout:    DefaultShutdownTimeout,
		serviceName:        defaultServiceName,
		eventErrorsFatal:   true,
	}
	for _, opt := range opts {
		opt(o)
	}

	if o.defaultSearchLimit > o.maxSearchLimit {
		o.defaultSearchLimit = o.maxSearchLimit
	}
	if o.resolver == nil {
		o.resolver = acl.NewResolver()
	}
	if o.quotaRoot == nil {
		o.quotaRoot = UserQuotaRoot{}
	}

	// Ensure event failure callback is always set
	if o.onEventPublishFailure == nil {
		o.onEventPublishFailure = func(kind events.Kind, err error) {
			o.logger.Error("failed to publish event", "event", kind, "error", err)
		}
	}

	return o
}

// Option configures the service.
type Option func(*options)

// --- Core Options ---

// WithStore sets the storage backend (required).
func WithStore(s store.Store) Option {
	return func(o *options) {
		if s != nil {
			o.store = s
		}
	}
}

// WithBlobStore sets where message and attachment content is kept. Required
// by AppendMessage.
func WithBlobStore(b store.BlobStore) Option {
	return func(o *options) {
		if b != nil {
			o.blobs = b
		}
	}
}

// WithLocker sets the path lock backend. Default is an in-process locker,
// which only serializes operations of this process.
func WithLocker(l lock.Locker) Option {
	return func(o *options) {
		if l != nil {
			o.locker = l
		}
	}
}

// WithRightsResolver sets the rights resolver.
func WithRightsResolver(r *acl.Resolver) Option {
	return func(o *options) {
		if r != nil {
			o.resolver = r
		}
	}
}

// WithQuotaRootResolver sets how the quota root of a mailbox is found.
// Default is "#private&<user>".
func WithQuotaRootResolver(q QuotaRootResolver) Option {
	return func(o *options) {
		if q != nil {
			o.quotaRoot = q
		}
	}
}

// WithSearchIndex sets the index SearchMessages delegates to. Default scans
// association rows.
func WithSearchIndex(idx SearchIndex) Option {
	return func(o *options) {
		if idx != nil {
			o.index = idx
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithPathDelimiter sets the hierarchy delimiter. Default is '.'.
func WithPathDelimiter(d rune) Option {
	return func(o *options) {
		if d != 0 {
			o.delimiter = d
		}
	}
}

// WithThreadingDisabled assigns every message to its own thread.
func WithThreadingDisabled() Option {
	return func(o *options) {
		o.threadingDisabled = true
	}
}

// --- Plugin/Extension Options ---

// WithPlugin registers a plugin with the service.
// Multiple plugins can be registered by calling this option multiple times.
func WithPlugin(p Plugin) Option {
	return func(o *options) {
		if p != nil {
			o.plugins = append(o.plugins, p)
		}
	}
}

// WithPlugins registers multiple plugins at once.
func WithPlugins(plugins ...Plugin) Option {
	return func(o *options) {
		for _, p := range plugins {
			if p != nil {
				o.plugins = append(o.plugins, p)
			}
		}
	}
}

// --- Limit Options ---

// WithMaxAnnotations sets the maximum number of annotations per mailbox.
// Default is 10.
func WithMaxAnnotations(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxAnnotations = n
		}
	}
}

// WithMaxAnnotationSize sets the maximum annotation value size in bytes.
// Default is 1024.
func WithMaxAnnotationSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxAnnotationSize = n
		}
	}
}

// WithMaxSearchLimit caps the number of messages SearchMessages returns.
// Default is 1000.
func WithMaxSearchLimit(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxSearchLimit = n
		}
	}
}

// WithDefaultSearchLimit sets the limit used when SearchMessages is called
// without one. Default is 100.
func WithDefaultSearchLimit(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.defaultSearchLimit = n
		}
	}
}

// --- Concurrency Options ---

// WithRenameConcurrency sets how many sub-mailboxes are renamed at once.
// Default is 2.
func WithRenameConcurrency(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.renameConcurrency = n
		}
	}
}

// WithMaxConcurrentOps sets the maximum number of mutating operations in
// flight. Close waits for them to finish. Default is 64.
func WithMaxConcurrentOps(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxConcurrentOps = n
		}
	}
}

// WithShutdownTimeout sets the maximum time to wait for in-flight operations
// during graceful shutdown. Default is 30 seconds. Minimum is 1 second.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *options) {
		if d >= MinShutdownTimeout {
			o.shutdownTimeout = d
		}
	}
}

// --- Retry Options ---

// WithCreateRetry sets the retry policy of each CreateMailbox level.
func WithCreateRetry(cfg retry.Config) Option {
	return func(o *options) {
		o.createRetry = cfg
	}
}

// WithDeleteRetry sets the retry policy of DeleteMailbox.
func WithDeleteRetry(cfg retry.Config) Option {
	return func(o *options) {
		o.deleteRetry = cfg
	}
}

// WithRenameRetry sets the retry policy of each sub-mailbox rename.
func WithRenameRetry(cfg retry.Config) Option {
	return func(o *options) {
		o.renameRetry = cfg
	}
}

// --- OTel Options ---

// WithTracing enables or disables OpenTelemetry tracing.
// Default is disabled.
func WithTracing(enabled bool) Option {
	return func(o *options) {
		o.tracingEnabled = enabled
	}
}

// WithMetrics enables or disables OpenTelemetry metrics.
// Default is disabled.
func WithMetrics(enabled bool) Option {
	return func(o *options) {
		o.metricsEnabled = enabled
	}
}

// WithOTel enables both OpenTelemetry tracing and metrics.
func WithOTel(enabled bool) Option {
	return func(o *options) {
		o.tracingEnabled = enabled
		o.metricsEnabled = enabled
	}
}

// WithServiceName sets the service name for telemetry and the event bus.
// Default is "mailstore".
func WithServiceName(name string) Option {
	return func(o *options) {
		if name != "" {
			o.serviceName = name
		}
	}
}

// WithTracerProvider sets a custom OpenTelemetry tracer provider.
// Default uses the global tracer provider from otel.GetTracerProvider().
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		if tp != nil {
			o.tracerProvider = tp
		}
	}
}

// WithMeterProvider sets a custom OpenTelemetry meter provider.
// Default uses the global meter provider from otel.GetMeterProvider().
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) {
		if mp != nil {
			o.meterProvider = mp
		}
	}
}

// --- Event Options ---

// WithEventErrorsFatal configures whether event publishing failures fail
// the operation. Default is true: the deletion listener depends on the
// events, so a lost event leaks storage.
func WithEventErrorsFatal(fatal bool) Option {
	return func(o *options) {
		o.eventErrorsFatal = fatal
	}
}

// WithDispatcher sets a custom dispatcher, e.g. an events.Recorder. It takes
// precedence over WithEventTransport and WithRedisClient.
func WithDispatcher(d events.Dispatcher) Option {
	return func(o *options) {
		if d != nil {
			o.dispatcher = d
		}
	}
}

// WithListener registers a listener on Connect.
func WithListener(l events.Listener) Option {
	return func(o *options) {
		if l != nil {
			o.listeners = append(o.listeners, l)
		}
	}
}

// WithEventTransport sets the event transport for publishing and subscribing.
// If not provided, a noop transport is used (events are silently dropped).
func WithEventTransport(t transport.Transport) Option {
	return func(o *options) {
		if t != nil {
			o.eventTransport = t
		}
	}
}

// WithRedisClient routes events through Redis Streams.
//
// Compatible with *redis.Client, *redis.ClusterClient, and redis.UniversalClient.
func WithRedisClient(client redis.UniversalClient) Option {
	return func(o *options) {
		if client != nil {
			o.redisClient = client
		}
	}
}

// WithEventPublishFailureHandler sets a callback for event publishing failures.
// It is invoked when an event fails to publish and event errors are not fatal.
func WithEventPublishFailureHandler(fn EventPublishFailureFunc) Option {
	return func(o *options) {
		if fn != nil {
			o.onEventPublishFailure = fn
		}
	}
}
