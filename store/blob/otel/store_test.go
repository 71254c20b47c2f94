package otel

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/rbaliyan/mailstore/store"
	"github.com/rbaliyan/mailstore/store/memory"
)

func newInstrumented(t *testing.T, opts ...Option) (*Store, *tracetest.SpanRecorder, *sdkmetric.ManualReader) {
	t.Helper()
	spans := tracetest.NewSpanRecorder()
	reader := sdkmetric.NewManualReader()
	opts = append([]Option{
		WithTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))),
		WithMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))),
		WithServiceName("blob-test"),
	}, opts...)
	s, err := New(memory.NewBlobStore(), opts...)
	require.NoError(t, err)
	return s, spans, reader
}

func TestSaveReadDeleteSpans(t *testing.T) {
	ctx := context.Background()
	s, spans, _ := newInstrumented(t)

	id, err := s.Save(ctx, store.BucketMessages, "message/rfc822", strings.NewReader("Subject: hi\r\n\r\nbody"))
	require.NoError(t, err)

	r, err := s.Read(ctx, store.BucketMessages, id)
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.Equal(t, "Subject: hi\r\n\r\nbody", string(data))

	require.NoError(t, s.Delete(ctx, store.BucketMessages, id))

	ended := spans.Ended()
	require.Len(t, ended, 3)
	assert.Equal(t, "blob.save", ended[0].Name())
	assert.Equal(t, "blob.read", ended[1].Name())
	assert.Equal(t, "blob.delete", ended[2].Name())
	assert.Contains(t, ended[1].Attributes(), attribute.Int64("blob.bytes", int64(len(data))))
	assert.Contains(t, ended[0].Attributes(), attribute.String("service.name", "blob-test"))
}

func TestReadMissingRecordsError(t *testing.T) {
	ctx := context.Background()
	s, spans, _ := newInstrumented(t)

	_, err := s.Read(ctx, store.BucketAttachments, "absent")
	require.True(t, errors.Is(err, store.ErrNotFound))

	ended := spans.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, codes.Error, ended[0].Status().Code)
}

func TestMetricsRecorded(t *testing.T) {
	ctx := context.Background()
	s, _, reader := newInstrumented(t, WithTracing(false))

	_, err := s.Save(ctx, store.BucketMessages, "text/plain", strings.NewReader("12345"))
	require.NoError(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	names := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			names[m.Name] = true
		}
	}
	assert.NotEmpty(t, names)
	for name := range names {
		assert.True(t, strings.HasPrefix(name, "blob."), "metric %q", name)
	}
}

func TestDisabled(t *testing.T) {
	ctx := context.Background()
	s, spans, _ := newInstrumented(t, WithTracing(false), WithMetrics(false))

	id, err := s.Save(ctx, store.BucketMessages, "text/plain", strings.NewReader("x"))
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, store.BucketMessages, id))
	assert.Empty(t, spans.Ended())
}
