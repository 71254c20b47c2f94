// Command mailstored runs the mailbox store: it connects the configured
// backends, serves the cascading deletion listener on the event bus and
// shuts down cleanly on SIGINT or SIGTERM.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/rbaliyan/event/v3/transport/channel"

	"github.com/rbaliyan/mailstore"
	"github.com/rbaliyan/mailstore/acl"
	"github.com/rbaliyan/mailstore/internal/config"
	"github.com/rbaliyan/mailstore/listener"
	"github.com/rbaliyan/mailstore/resolver"
)

func main() {
	configFile := flag.String("config", "", "optional YAML configuration file")
	flag.Parse()

	if err := run(*configFile); err != nil {
		fmt.Fprintln(os.Stderr, "mailstored:", err)
		os.Exit(1)
	}
}

func run(configFile string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}

	logger, logCloser, err := newLogger(cfg.Log)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, c, err := build(ctx, cfg, logger)
	if err != nil {
		if cerr := c.run(context.Background()); cerr != nil {
			logger.Error("cleanup failed", "error", cerr)
		}
		return err
	}

	if err := svc.Connect(ctx); err != nil {
		return errors.Join(fmt.Errorf("connect: %w", err), c.run(context.Background()))
	}
	logger.InfoContext(ctx, "mailstored started",
		"store", cfg.Store.Backend,
		"blobs", cfg.Blob.Backend,
		"lock", cfg.Lock.Backend,
		"events", cfg.Events.Transport,
	)

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownTimeout)
	defer cancel()
	return errors.Join(svc.Close(shutdownCtx), c.run(shutdownCtx))
}

// build wires every backend into a service. The returned cleanup is valid
// even when err is non-nil.
func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (mailstore.Service, *cleanup, error) {
	c := &cleanup{}
	rc := &redisClient{cfg: cfg.Redis}

	st, err := buildStore(ctx, cfg.Store, logger, c)
	if err != nil {
		return nil, c, err
	}
	blobs, err := buildBlobs(ctx, cfg, logger, c)
	if err != nil {
		return nil, c, err
	}
	locker, err := buildLocker(ctx, cfg, rc, logger, c)
	if err != nil {
		return nil, c, err
	}

	cascade := listener.New(st, blobs,
		listener.WithConcurrency(cfg.Listener.Concurrency),
		listener.WithStrongWriteConsistency(cfg.Listener.Strong),
		listener.WithLogger(logger),
	)

	opts := []mailstore.Option{
		mailstore.WithStore(st),
		mailstore.WithBlobStore(blobs),
		mailstore.WithLocker(locker),
		mailstore.WithRightsResolver(acl.NewResolver(acl.WithGroupResolver(resolver.NewStatic(cfg.Service.Groups)))),
		mailstore.WithLogger(logger),
		mailstore.WithPathDelimiter(cfg.Delimiter()),
		mailstore.WithShutdownTimeout(cfg.Service.ShutdownTimeout),
		mailstore.WithRenameConcurrency(cfg.Service.RenameConcurrency),
		mailstore.WithMaxAnnotations(cfg.Service.MaxAnnotations),
		mailstore.WithMaxAnnotationSize(cfg.Service.MaxAnnotationSize),
		mailstore.WithEventErrorsFatal(cfg.Events.ErrorsFatal),
		mailstore.WithListener(cascade),
		mailstore.WithOTel(cfg.OTel.Enabled),
		mailstore.WithServiceName(cfg.OTel.ServiceName),
	}
	if cfg.Service.ThreadingDisabled {
		opts = append(opts, mailstore.WithThreadingDisabled())
	}
	switch cfg.Events.Transport {
	case config.BackendChannel:
		opts = append(opts, mailstore.WithEventTransport(channel.New()))
	case config.BackendRedis:
		opts = append(opts, mailstore.WithRedisClient(rc.get(c)))
	}

	svc, err := mailstore.NewService(opts...)
	if err != nil {
		return nil, c, err
	}
	return svc, c, nil
}
