// Command beacon-demo is an interactive beacon client. It tracks visits and
// interactions, runs the presence heartbeat and prints reports against a
// beacon-sink server or a local SQLite database.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/afero"
	"golang.org/x/time/rate"
	"golang.org/x/xerrors"

	"github.com/Tap30/beacon-go"
	"github.com/Tap30/beacon-go/adapters"
	"github.com/Tap30/beacon-go/internal/config"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "beacon-demo: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.LoadClient(args)
	if err != nil {
		return err
	}
	logger, err := cfg.Logger()
	if err != nil {
		return err
	}

	sink, closeSink, err := openSink(cfg)
	if err != nil {
		return err
	}
	defer closeSink()

	client, err := beacon.NewClient(beacon.Config{
		Sink:          sink,
		Storage:       adapters.NewFileKeyValueStore(afero.NewOsFs(), cfg.StoragePath),
		FlushInterval: cfg.FlushInterval,
		MaxQueueSize:  cfg.MaxQueueSize,
		PingInterval:  cfg.PingInterval,
	}, beacon.WithLogger(logger))
	if err != nil {
		return xerrors.Errorf("create client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// Registered before Init so it runs after the final flush.
	client.ExitHook().Register("demo", cancel)

	if err := client.Init(ctx); err != nil {
		return xerrors.Errorf("init client: %w", err)
	}
	defer client.Dispose()

	// Ctrl-C runs the same teardown as quitting from the menu.
	stopSignals := client.ExitHook().NotifyOnSignal(context.Background())
	defer stopSignals()

	fmt.Println("🎯 Beacon Interactive Client")
	if cfg.Database != "" {
		fmt.Printf("Writing to: %s\n", cfg.Database)
	} else {
		fmt.Printf("Connected to: %s\n", cfg.SinkURL)
	}
	fmt.Printf("Device: %s\n\n", client.DeviceID())

	return newDemo(client, os.Stdin, os.Stdout).run(ctx)
}

func openSink(cfg *config.Client) (adapters.Sink, func(), error) {
	if cfg.Database != "" {
		sink, err := adapters.OpenSQLiteSink(cfg.Database)
		if err != nil {
			return nil, nil, xerrors.Errorf("open database: %w", err)
		}
		return sink, func() { _ = sink.Close() }, nil
	}

	opts := []adapters.HTTPSinkOption{
		adapters.WithBeaconTimeout(adapters.DefaultBeaconTimeout),
	}
	if cfg.HTTPTimeout > 0 {
		opts = append(opts, adapters.WithHTTPClient(&http.Client{Timeout: cfg.HTTPTimeout}))
	}
	if cfg.APIKey != "" {
		opts = append(opts, adapters.WithAPIKey("", cfg.APIKey))
	}
	if cfg.RateLimit > 0 {
		opts = append(opts, adapters.WithRateLimit(rate.Limit(cfg.RateLimit), 1))
	}
	return adapters.NewHTTPSink(cfg.SinkURL, opts...), func() {}, nil
}
