// Command beacon-sink stores telemetry sent by beacon clients in SQLite and
// serves it back to their reports.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"

	"github.com/Tap30/beacon-go/adapters"
	"github.com/Tap30/beacon-go/internal/config"
	"github.com/Tap30/beacon-go/internal/sinkserver"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "beacon-sink: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.LoadServer(args)
	if err != nil {
		return err
	}
	logger, err := cfg.Logger()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sink, err := adapters.OpenSQLiteSink(cfg.Database)
	if err != nil {
		return xerrors.Errorf("open sink: %w", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			logger.Error(context.Background(), "failed to close sink", slog.Error(err))
		}
	}()

	server := sinkserver.New(sinkserver.Options{
		Sink:       sink,
		Logger:     logger.Named("server"),
		APIKey:     cfg.APIKey,
		RateLimit:  cfg.RateLimit,
		RateWindow: cfg.RateWindow,
	})

	listener, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		return xerrors.Errorf("listen on %s: %w", cfg.Address, err)
	}
	httpServer := &http.Server{
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info(ctx, "beacon sink listening",
		slog.F("address", listener.Addr().String()),
		slog.F("database", cfg.Database),
		slog.F("api_key_required", cfg.APIKey != ""),
	)

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		if err := httpServer.Serve(listener); !xerrors.Is(err, http.ErrServerClosed) {
			return xerrors.Errorf("serve: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		<-egCtx.Done()
		logger.Info(context.Background(), "shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return eg.Wait()
}
