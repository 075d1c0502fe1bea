// Command eebusd hosts one local SPINE device and admits SHIP connections
// for it, the way the teacher's cmd/ployzd hosts one machine reconciler.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"eebus/config"
	"eebus/internal/logging"
	"eebus/service"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "eebusd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	logLevel := flag.String("log-level", logging.LevelInfo, "debug, info, warn, or error")
	flag.Parse()

	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	defer func() {
		_ = tp.Shutdown(context.Background())
	}()

	if err := logging.Configure(*logLevel); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load device config: %w", err)
	}
	if cfg.Vendor == "" || cfg.Model == "" || cfg.Serial == "" {
		return fmt.Errorf("no device identity configured; populate %s", config.Path())
	}

	svc := service.New(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Accepting real peers requires a concrete ship.Transport (mutually
	// authenticated TLS/WebSocket, mDNS-derived dial targets) which is out
	// of this module's scope; an embedder wires one in and feeds accepted
	// transports to svc.Accept. Here the accept loop simply idles until
	// shutdown.
	return svc.Run(ctx, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
}
