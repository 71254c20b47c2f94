package mailstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rbaliyan/mailstore/events"
	"github.com/rbaliyan/mailstore/retry"
	"github.com/rbaliyan/mailstore/store"
)

func TestNewOptionsDefaults(t *testing.T) {
	o := newOptions()

	if o.delimiter != DefaultPathDelimiter {
		t.Errorf("delimiter = %q", o.delimiter)
	}
	if o.maxAnnotations != DefaultMaxAnnotations || o.maxAnnotationSize != DefaultMaxAnnotationSize {
		t.Errorf("annotation limits = %d/%d", o.maxAnnotations, o.maxAnnotationSize)
	}
	if o.defaultSearchLimit != DefaultSearchLimit || o.maxSearchLimit != DefaultMaxSearchLimit {
		t.Errorf("search limits = %d/%d", o.defaultSearchLimit, o.maxSearchLimit)
	}
	if o.renameConcurrency != DefaultRenameConcurrency || o.maxConcurrentOps != DefaultMaxConcurrentOps {
		t.Errorf("concurrency = %d/%d", o.renameConcurrency, o.maxConcurrentOps)
	}
	if o.shutdownTimeout != DefaultShutdownTimeout {
		t.Errorf("shutdownTimeout = %v", o.shutdownTimeout)
	}
	if !o.eventErrorsFatal {
		t.Error("event errors should be fatal by default")
	}
	if o.resolver == nil || o.quotaRoot == nil || o.onEventPublishFailure == nil || o.logger == nil {
		t.Error("expected resolver, quota root, failure handler and logger to be set")
	}
	if o.serviceName != "mailstore" {
		t.Errorf("serviceName = %q", o.serviceName)
	}
}

func TestOptionsIgnoreZeroValues(t *testing.T) {
	o := newOptions(
		WithStore(nil),
		WithBlobStore(nil),
		WithLogger(nil),
		WithPathDelimiter(0),
		WithPlugin(nil),
		WithPlugins(nil, nil),
		WithMaxAnnotations(0),
		WithMaxAnnotationSize(-1),
		WithMaxSearchLimit(0),
		WithDefaultSearchLimit(0),
		WithRenameConcurrency(0),
		WithMaxConcurrentOps(-3),
		WithShutdownTimeout(10*time.Millisecond),
		WithServiceName(""),
	)

	if o.store != nil || o.blobs != nil || len(o.plugins) != 0 {
		t.Error("nil values must be ignored")
	}
	if o.delimiter != DefaultPathDelimiter || o.maxAnnotations != DefaultMaxAnnotations ||
		o.maxAnnotationSize != DefaultMaxAnnotationSize || o.maxSearchLimit != DefaultMaxSearchLimit ||
		o.defaultSearchLimit != DefaultSearchLimit || o.renameConcurrency != DefaultRenameConcurrency ||
		o.maxConcurrentOps != DefaultMaxConcurrentOps {
		t.Errorf("zero values must keep defaults: %+v", o)
	}
	if o.shutdownTimeout != DefaultShutdownTimeout {
		t.Errorf("timeouts below %v must be ignored, got %v", MinShutdownTimeout, o.shutdownTimeout)
	}
	if o.serviceName != "mailstore" {
		t.Errorf("serviceName = %q", o.serviceName)
	}
}

func TestOptionsApply(t *testing.T) {
	var failures int
	cfg := retry.Config{MaxRetries: 1}
	o := newOptions(
		WithPathDelimiter('/'),
		WithThreadingDisabled(),
		WithPlugins(&hookPlugin{}, &hookPlugin{}),
		WithShutdownTimeout(5*time.Second),
		WithCreateRetry(cfg),
		WithDeleteRetry(cfg),
		WithRenameRetry(cfg),
		WithOTel(true),
		WithServiceName("mail"),
		WithEventErrorsFatal(false),
		WithEventPublishFailureHandler(func(events.Kind, error) { failures++ }),
	)

	if o.delimiter != '/' || !o.threadingDisabled || len(o.plugins) != 2 {
		t.Errorf("unexpected options %+v", o)
	}
	if o.shutdownTimeout != 5*time.Second {
		t.Errorf("shutdownTimeout = %v", o.shutdownTimeout)
	}
	if o.createRetry.MaxRetries != 1 || o.deleteRetry.MaxRetries != 1 || o.renameRetry.MaxRetries != 1 {
		t.Error("retry policies not applied")
	}
	if !o.tracingEnabled || !o.metricsEnabled || o.serviceName != "mail" {
		t.Error("otel options not applied")
	}
	if o.eventErrorsFatal {
		t.Error("event errors should not be fatal")
	}
	o.safeEventPublishFailure(events.KindAdded, errors.New("boom"))
	if failures != 1 {
		t.Errorf("handler called %d times", failures)
	}
}

func TestDefaultSearchLimitClamped(t *testing.T) {
	o := newOptions(WithDefaultSearchLimit(500), WithMaxSearchLimit(50))
	if o.defaultSearchLimit != 50 {
		t.Errorf("defaultSearchLimit = %d, want 50", o.defaultSearchLimit)
	}
}

func TestQuotaRoot(t *testing.T) {
	ctx := context.Background()
	root, err := UserQuotaRoot{}.QuotaRoot(ctx, store.NewPath("bob", "work"))
	if err != nil || root != "#private&bob" {
		t.Errorf("root = %q, %v", root, err)
	}

	fn := QuotaRootFunc(func(_ context.Context, p store.MailboxPath) (string, error) {
		return "shared", nil
	})
	if root, _ := fn.QuotaRoot(ctx, store.NewPath("bob", "work")); root != "shared" {
		t.Errorf("root = %q", root)
	}
}
