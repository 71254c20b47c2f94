// Package otel provides OpenTelemetry instrumentation for blob stores.
package otel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rbaliyan/mailstore/store"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/rbaliyan/mailstore/store/blob/otel"

// opMetrics are the instruments of one operation.
type opMetrics struct {
	latency metric.Float64Histogram
	count   metric.Int64Counter
	errors  metric.Int64Counter
	bytes   metric.Int64Counter // nil for delete
}

// Store wraps a BlobStore with OpenTelemetry instrumentation.
type Store struct {
	backend store.BlobStore
	opts    *options
	tracer  trace.Tracer

	save   opMetrics
	read   opMetrics
	delete opMetrics
}

var _ store.BlobStore = (*Store)(nil)

// New creates a new OTel-instrumented blob store wrapping the given backend.
func New(backend store.BlobStore, opts ...Option) (*Store, error) {
	o := newOptions(opts...)

	s := &Store{backend: backend, opts: o}
	if o.tracing {
		s.tracer = o.tracerProvider.Tracer(instrumentationName)
	}
	if o.metrics {
		if err := s.initMetrics(o.meterProvider); err != nil {
			return nil, fmt.Errorf("init metrics: %w", err)
		}
	}
	return s, nil
}

func (s *Store) initMetrics(mp metric.MeterProvider) error {
	meter := mp.Meter(instrumentationName)
	var err error
	if s.save, err = newOpMetrics(meter, "save", true); err != nil {
		return err
	}
	if s.read, err = newOpMetrics(meter, "read", true); err != nil {
		return err
	}
	s.delete, err = newOpMetrics(meter, "delete", false)
	return err
}

func newOpMetrics(meter metric.Meter, op string, withBytes bool) (opMetrics, error) {
	var m opMetrics
	var err error
	m.latency, err = meter.Float64Histogram(
		"blob."+op+".duration",
		metric.WithDescription("Duration of blob "+op+" operations"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return m, err
	}
	m.count, err = meter.Int64Counter(
		"blob."+op+".count",
		metric.WithDescription("Number of blob "+op+" operations"),
	)
	if err != nil {
		return m, err
	}
	m.errors, err = meter.Int64Counter(
		"blob."+op+".errors",
		metric.WithDescription("Number of blob "+op+" errors"),
	)
	if err != nil {
		return m, err
	}
	if withBytes {
		m.bytes, err = meter.Int64Counter(
			"blob."+op+".bytes",
			metric.WithDescription("Total bytes of blob "+op+" operations"),
			metric.WithUnit("By"),
		)
	}
	return m, err
}

func (s *Store) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, nil
	}
	return s.tracer.Start(ctx, name, trace.WithAttributes(attrs...), trace.WithSpanKind(trace.SpanKindClient))
}

func (s *Store) record(ctx context.Context, m opMetrics, start time.Time, err error, attrs []attribute.KeyValue) {
	if !s.opts.metrics {
		return
	}
	set := metric.WithAttributes(attrs...)
	m.latency.Record(ctx, time.Since(start).Seconds(), set)
	m.count.Add(ctx, 1, set)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		m.errors.Add(ctx, 1, set)
	}
}

func endSpan(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func (s *Store) attrs(bucket string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("blob.bucket", bucket),
		attribute.String("service.name", s.opts.serviceName),
	}
}

// Save stores content with tracing and metrics.
func (s *Store) Save(ctx context.Context, bucket, contentType string, content io.Reader) (store.BlobID, error) {
	attrs := s.attrs(bucket)
	ctx, span := s.startSpan(ctx, "blob.save", append(attrs, attribute.String("blob.content_type", contentType))...)
	start := time.Now()

	cr := &countingReader{reader: content}
	id, err := s.backend.Save(ctx, bucket, contentType, cr)

	s.record(ctx, s.save, start, err, attrs)
	if s.opts.metrics {
		s.save.bytes.Add(ctx, cr.bytes, metric.WithAttributes(attrs...))
	}
	if span != nil && err == nil {
		span.SetAttributes(attribute.String("blob.id", string(id)), attribute.Int64("blob.bytes", cr.bytes))
	}
	endSpan(span, err)
	return id, err
}

// Read returns the content. The span ends when the reader is closed.
func (s *Store) Read(ctx context.Context, bucket string, id store.BlobID) (io.ReadCloser, error) {
	attrs := s.attrs(bucket)
	ctx, span := s.startSpan(ctx, "blob.read", append(attrs, attribute.String("blob.id", string(id)))...)
	start := time.Now()

	reader, err := s.backend.Read(ctx, bucket, id)
	s.record(ctx, s.read, start, err, attrs)
	if err != nil {
		endSpan(span, err)
		return nil, err
	}
	return &instrumentedReader{reader: reader, span: span, store: s, ctx: ctx, attrs: attrs}, nil
}

// Delete removes the content with tracing and metrics.
func (s *Store) Delete(ctx context.Context, bucket string, id store.BlobID) error {
	attrs := s.attrs(bucket)
	ctx, span := s.startSpan(ctx, "blob.delete", append(attrs, attribute.String("blob.id", string(id)))...)
	start := time.Now()

	err := s.backend.Delete(ctx, bucket, id)

	s.record(ctx, s.delete, start, err, attrs)
	endSpan(span, err)
	return err
}

type countingReader struct {
	reader io.Reader
	bytes  int64
}

func (r *countingReader) Read(p []byte) (n int, err error) {
	n, err = r.reader.Read(p)
	r.bytes += int64(n)
	return n, err
}

type instrumentedReader struct {
	reader io.ReadCloser
	span   trace.Span
	store  *Store
	ctx    context.Context
	attrs  []attribute.KeyValue
	bytes  int64
	closed bool
}

func (r *instrumentedReader) Read(p []byte) (n int, err error) {
	n, err = r.reader.Read(p)
	r.bytes += int64(n)
	return n, err
}

func (r *instrumentedReader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true

	err := r.reader.Close()
	if r.store.opts.metrics {
		r.store.read.bytes.Add(r.ctx, r.bytes, metric.WithAttributes(r.attrs...))
	}
	if r.span != nil {
		r.span.SetAttributes(attribute.Int64("blob.bytes", r.bytes))
	}
	endSpan(r.span, err)
	return err
}
