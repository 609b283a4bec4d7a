package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/touka-aoi/rendezvous/client"
)

func main() {
	var (
		address = flag.String("server", "127.0.0.1:9118", "Central point address")
		timeout = flag.Duration("timeout", 10*time.Second, "Request timeout")
		debug   = flag.Bool("debug", false, "Enable debug logging")
	)
	flag.Parse()

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	c, err := client.New(client.WithDialTimeout(*timeout))
	if err != nil {
		slog.Error("Failed to create client", "error", err)
		os.Exit(1)
	}

	roster, err := c.FetchRoster(ctx, *address)
	if err != nil {
		slog.Error("Failed to fetch peers", "server", *address, "error", err)
		os.Exit(1)
	}
	slog.Debug("Fetched peers", "server", *address, "count", len(roster))

	for _, addr := range roster {
		fmt.Println(addr)
	}
}
