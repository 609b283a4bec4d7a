package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/touka-aoi/rendezvous/application/registry"
	"github.com/touka-aoi/rendezvous/application/rendezvous"
	"github.com/touka-aoi/rendezvous/core/engine"
	"github.com/touka-aoi/rendezvous/middleware"
	"github.com/touka-aoi/rendezvous/server"
)

func main() {
	// Parse flags
	var (
		host           = flag.String("host", "0.0.0.0", "Host to listen on")
		port           = flag.Int("port", 9118, "Port to listen on")
		engineKind     = flag.String("engine", engine.EngineNet, "Network engine (net|uring)")
		backlog        = flag.Int("backlog", 1024, "Listen backlog")
		drainTimeout   = flag.Duration("drain-timeout", 10*time.Second, "How long to wait for connections to close on shutdown")
		closeUnhandled = flag.Bool("close-unhandled", false, "Close connections that send an unknown command")
		debug          = flag.Bool("debug", false, "Enable debug logging")
	)
	flag.Parse()

	// Setup logging
	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	netEngine, err := engine.New(*engineKind)
	if err != nil {
		slog.Error("Failed to create engine", "engine", *engineKind, "error", err)
		os.Exit(1)
	}
	defer netEngine.Close()

	pipeline := middleware.NewPipeline().
		Use(middleware.AccessLogMiddleware).
		Use(middleware.CommandParserMiddleware)

	networkServer := server.NewNetworkServer(netEngine, server.NetworkServerConfig{
		Protocol:         "tcp",
		Address:          *host,
		Port:             *port,
		Backlog:          *backlog,
		DrainTimeout:     *drainTimeout,
		CloseOnUnhandled: *closeUnhandled,
	}, pipeline)

	handler := rendezvous.NewHandler(registry.New(), networkServer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := networkServer.Listen(ctx); err != nil {
		slog.Error("Failed to listen", "host", *host, "port", *port, "error", err)
		os.Exit(1)
	}

	// Handle shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received")
		cancel()
	}()

	slog.Info("Central point starting", "address", networkServer.Addr(), "engine", *engineKind)
	if err := networkServer.Serve(ctx, handler); err != nil {
		slog.Error("Server stopped with error", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped")
}
