package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lkcomu/lkcomu/pkg/config"
	"github.com/lkcomu/lkcomu/pkg/controller"
	"github.com/lkcomu/lkcomu/pkg/hass"
	"github.com/lkcomu/lkcomu/pkg/log"
	"github.com/lkcomu/lkcomu/pkg/poller"
	"github.com/lkcomu/lkcomu/pkg/server"
	"github.com/lkcomu/lkcomu/pkg/storage"

	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"
	"golang.org/x/sync/errgroup"
)

const setupRetryInterval = 30 * time.Second

func main() {
	// init packages
	loader := config.Configured()
	s := storage.Configured()
	n := hass.Configured()
	p := poller.Configured(loader, s)
	c := controller.NewController(p, s, n)

	// init server
	srv := server.Configured(p, c, s)

	// parse flags
	lflag.Configure()

	var level slog.Level
	// lflag automatically sets llog's level, but we need to set the slog level
	switch llog.GetLevel() {
	case llog.DebugLevel:
		level = slog.LevelDebug
	case llog.InfoLevel:
		level = slog.LevelInfo
	case llog.WarnLevel:
		level = slog.LevelWarn
	case llog.ErrorLevel:
		level = slog.LevelError
	default:
		panic(fmt.Errorf("unknown log level: %s", llog.GetLevel().String()))
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	slog.Debug("logger configured", slog.String("level", level.String()))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	defer func() {
		if err := s.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", slog.Any("error", err))
		}
	}()
	defer func() {
		if err := n.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close home assistant connection", slog.Any("error", err))
		}
	}()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(ctx)
	})
	g.Go(func() error {
		if !setup(ctx, p) {
			return nil
		}
		if err := loader.Watch(ctx, func(cfg *config.Config) {
			if err := p.ApplyConfig(ctx, cfg); err != nil {
				log.Ctx(ctx).ErrorContext(ctx, "failed to apply config", slog.Any("error", err))
			}
		}); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "config live reload disabled", slog.Any("error", err))
		}
		p.Run(ctx)
		return nil
	})

	err := g.Wait()

	// ctx is done by now
	teardownCtx, teardownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer teardownCancel()
	if err := p.Teardown(teardownCtx); err != nil {
		log.Ctx(teardownCtx).WarnContext(teardownCtx, "failed to tear down poller", slog.Any("error", err))
	}

	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "server failed", slog.Any("error", err))
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "server exited cleanly")
}

// setup logs in and runs the first refresh. A failed login is retried until
// ctx is done, in which case false is returned.
func setup(ctx context.Context, p *poller.Poller) bool {
	for {
		_, err := p.Setup(ctx)
		if err == nil {
			break
		}
		log.Ctx(ctx).ErrorContext(ctx, "failed to set up poller, retrying", slog.Any("error", err), slog.Duration("in", setupRetryInterval))
		select {
		case <-ctx.Done():
			return false
		case <-time.After(setupRetryInterval):
		}
	}
	if err := p.RefreshAll(ctx); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "initial refresh incomplete", slog.Any("error", err))
	}
	return true
}
