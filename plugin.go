package mailstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/rbaliyan/mailstore/store"
)

// Plugin is an extension started with the service. Plugins that also
// implement PreDeletionHook can veto message removal, for example to
// enforce a legal hold. Other operations are observed through events.
type Plugin interface {
	Name() string
	// Init runs during Connect.
	Init(ctx context.Context) error
	// Close runs during Close, in reverse registration order.
	Close(ctx context.Context) error
}

// DeletionKind says why messages are about to be removed.
type DeletionKind string

const (
	DeletionMailbox DeletionKind = "mailbox" // the whole mailbox is deleted
	DeletionExpunge DeletionKind = "expunge" // messages flagged \Deleted are expunged
)

// DeletionRequest describes messages about to leave a mailbox.
type DeletionRequest struct {
	Kind     DeletionKind
	User     string
	Mailbox  *store.Mailbox
	Messages []store.MessageMetadata
}

// PreDeletionHook runs before messages are removed. Any error aborts the
// removal.
type PreDeletionHook interface {
	Plugin
	BeforeDeletion(ctx context.Context, req DeletionRequest) error
}

// PluginError wraps a failure returned by a plugin.
type PluginError struct {
	Plugin string
	Op     string
	Err    error
}

func (e *PluginError) Error() string {
	return fmt.Sprintf("plugin %s %s: %v", e.Plugin, e.Op, e.Err)
}

func (e *PluginError) Unwrap() error {
	return e.Err
}

type pluginRegistry struct {
	plugins []Plugin
	hooks   []PreDeletionHook
	logger  *slog.Logger
}

func newPluginRegistry(logger *slog.Logger) *pluginRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &pluginRegistry{logger: logger}
}

func (r *pluginRegistry) register(p Plugin) {
	r.plugins = append(r.plugins, p)
	if h, ok := p.(PreDeletionHook); ok {
		r.hooks = append(r.hooks, h)
	}
}

// initAll starts plugins in order. If one fails the ones already started
// are closed again.
func (r *pluginRegistry) initAll(ctx context.Context) error {
	for i, p := range r.plugins {
		err := p.Init(ctx)
		if err == nil {
			continue
		}
		r.closeFirst(ctx, i)
		return &PluginError{Plugin: p.Name(), Op: "init", Err: err}
	}
	return nil
}

func (r *pluginRegistry) closeFirst(ctx context.Context, n int) {
	for _, p := range r.plugins[:n] {
		if err := p.Close(ctx); err != nil {
			r.logger.Error("plugin close after failed init", "plugin", p.Name(), "error", err)
		}
	}
}

func (r *pluginRegistry) closeAll(ctx context.Context) error {
	var errs []error
	for i := len(r.plugins) - 1; i >= 0; i-- {
		p := r.plugins[i]
		if err := p.Close(ctx); err != nil {
			errs = append(errs, &PluginError{Plugin: p.Name(), Op: "close", Err: err})
		}
	}
	return errors.Join(errs...)
}

// beforeDeletion runs every hook, even after a failure, and joins the errors.
func (r *pluginRegistry) beforeDeletion(ctx context.Context, req DeletionRequest) error {
	var errs []error
	for _, h := range r.hooks {
		if err := h.BeforeDeletion(ctx, req); err != nil {
			errs = append(errs, &PluginError{Plugin: h.Name(), Op: "BeforeDeletion", Err: err})
		}
	}
	return errors.Join(errs...)
}
