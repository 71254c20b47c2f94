package mailstore

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName = "github.com/rbaliyan/mailstore"
)

// Instrumented operations. Each gets a duration histogram and count and
// error counters named "mailstore.<op>.duration|count|errors".
const (
	opCreate     = "create"
	opDelete     = "delete"
	opRename     = "rename"
	opCopy       = "copy"
	opMove       = "move"
	opSearch     = "search"
	opAppend     = "append"
	opExpunge    = "expunge"
	opSetFlags   = "set_flags"
	opSetRights  = "set_rights"
	opAnnotation = "annotation"
)

var instrumentedOps = []string{
	opCreate, opDelete, opRename, opCopy, opMove, opSearch,
	opAppend, opExpunge, opSetFlags, opSetRights, opAnnotation,
}

type opInstruments struct {
	latency metric.Float64Histogram
	count   metric.Int64Counter
	errors  metric.Int64Counter
}

// otelInstrumentation holds OpenTelemetry instrumentation for the service.
type otelInstrumentation struct {
	enabled bool

	// Tracing
	tracingEnabled bool
	tracer         trace.Tracer

	// Metrics
	metricsEnabled bool
	ops            map[string]opInstruments
}

// newOtelInstrumentation creates new OTel instrumentation from options.
func newOtelInstrumentation(opts *options) (*otelInstrumentation, error) {
	o := &otelInstrumentation{
		enabled:        opts.tracingEnabled || opts.metricsEnabled,
		tracingEnabled: opts.tracingEnabled,
		metricsEnabled: opts.metricsEnabled,
	}

	if !o.enabled {
		return o, nil
	}

	if opts.tracingEnabled {
		tp := opts.tracerProvider
		if tp == nil {
			tp = otel.GetTracerProvider()
		}
		o.tracer = tp.Tracer(instrumentationName)
	}

	if opts.metricsEnabled {
		mp := opts.meterProvider
		if mp == nil {
			mp = otel.GetMeterProvider()
		}
		if err := o.initMetrics(mp, opts.serviceName); err != nil {
			return nil, err
		}
	}

	return o, nil
}

// initMetrics initializes all metric instruments.
func (o *otelInstrumentation) initMetrics(mp metric.MeterProvider, serviceName string) error {
	meter := mp.Meter(instrumentationName)
	o.ops = make(map[string]opInstruments, len(instrumentedOps))
	for _, op := range instrumentedOps {
		prefix := serviceName + "." + op
		var in opInstruments
		var err error
		in.latency, err = meter.Float64Histogram(prefix+".duration",
			metric.WithDescription("Duration of "+op+" operations"),
			metric.WithUnit("s"),
		)
		if err != nil {
			return err
		}
		in.count, err = meter.Int64Counter(prefix+".count",
			metric.WithDescription("Number of "+op+" operations"),
		)
		if err != nil {
			return err
		}
		in.errors, err = meter.Int64Counter(prefix+".errors",
			metric.WithDescription("Number of "+op+" errors"),
		)
		if err != nil {
			return err
		}
		o.ops[op] = in
	}
	return nil
}

// startSpan starts a span. The returned function ends it, recording err.
func (o *otelInstrumentation) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	if !o.tracingEnabled || o.tracer == nil {
		return ctx, func(error) {}
	}
	ctx, span := o.tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
}

// record records the metrics of one operation.
func (o *otelInstrumentation) record(ctx context.Context, op string, duration time.Duration, err error, attrs ...attribute.KeyValue) {
	if !o.metricsEnabled {
		return
	}
	in, ok := o.ops[op]
	if !ok {
		return
	}
	set := metric.WithAttributes(attrs...)
	in.latency.Record(ctx, duration.Seconds(), set)
	in.count.Add(ctx, 1, set)
	if err != nil {
		in.errors.Add(ctx, 1, set)
	}
}

// instrument starts a span for op and returns a function recording the
// span status and the metrics once the operation ends.
func (o *otelInstrumentation) instrument(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	if !o.enabled {
		return ctx, func(error) {}
	}
	start := time.Now()
	ctx, end := o.startSpan(ctx, "mailstore."+op, attrs...)
	return ctx, func(err error) {
		end(err)
		o.record(ctx, op, time.Since(start), err)
	}
}
