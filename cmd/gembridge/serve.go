package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/gembridge/gembridge/internal/dump"
	"github.com/gembridge/gembridge/internal/log"
	"github.com/gembridge/gembridge/internal/pool"
	"github.com/gembridge/gembridge/internal/relay"
	"github.com/gembridge/gembridge/internal/server"
	"github.com/gembridge/gembridge/internal/watch"
	"github.com/gembridge/gembridge/internal/worker"
)

func doServe(cmd *cobra.Command, args []string) error {
	if err := config.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctx = log.ContextAttrs(ctx, slog.Group("gembridge",
		slog.String("cmd", "serve"),
		slog.Int("pid", os.Getpid()),
	))

	p, err := pool.New(ctx, config.Pool.Size, worker.Config{
		Path:      config.CLI.Path,
		Args:      config.CLI.Args,
		Echo:      config.CLI.Echo,
		StopGrace: config.Pool.StopGrace,
	})
	if err != nil {
		return err
	}

	var sink *dump.Sink
	if config.Dump.Enabled {
		sink, err = dump.NewSink(config.Dump.Dir)
		if err != nil {
			return err
		}
		defer func() {
			_ = sink.Close()
		}()
	}

	sweeper, err := watch.New(config.Watch, p, config.CLI.Stats, config.Pool.StatsTimeout)
	if err != nil {
		return err
	}
	sweeper.Start()

	r := relay.New(p, config)
	srv := &http.Server{
		Addr:    config.Listen,
		Handler: server.New(r, p, sink, config.CLI.Model).Handler(),
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.InfoContext(ctx, "listening", "addr", config.Listen)
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		_ = p.Shutdown(context.Background())
		return err
	case <-ctx.Done():
	}

	slog.InfoContext(ctx, "shutting down")
	graceCtx, cancel := context.WithTimeout(context.Background(), config.Pool.StopGrace)
	defer cancel()

	var errs []error
	if err := srv.Shutdown(graceCtx); err != nil {
		errs = append(errs, err)
	}
	if err := sweeper.Shutdown(); err != nil {
		errs = append(errs, err)
	}
	if err := p.Shutdown(graceCtx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
