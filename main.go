package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"haven/server/internal/auth"
	"haven/server/internal/core"
	"haven/server/internal/httpapi"
	"haven/server/internal/relay"
	"haven/server/internal/store"
)

// Version is injected at build time with -ldflags.
var Version = "0.1.0-dev"

func main() {
	addr := flag.String("addr", ":8080", "HTTP listen address")
	dbPath := flag.String("db", "haven.db", "SQLite database path")
	metricsEvery := flag.Duration("metrics-interval", time.Minute, "Hub stats logging interval (0 disables)")
	noPreviews := flag.Bool("no-link-previews", false, "Disable outbound link preview fetching")
	debug := flag.Bool("debug", false, "Enable debug logging (auto-enabled for dev builds)")
	flag.Parse()

	// Auto-enable debug logging for dev builds; override with -debug flag.
	level := slog.LevelInfo
	if *debug || strings.Contains(Version, "dev") {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if RunCLI(flag.Args(), *dbPath) {
		return
	}

	authCfg, err := auth.LoadConfigFromEnv()
	if err != nil {
		slog.Error("load auth config", "err", err)
		os.Exit(1)
	}

	slog.Info("starting server", "version", Version, "addr", *addr, "db", *dbPath)

	sqliteStore, err := store.Open(*dbPath)
	if err != nil {
		slog.Error("open sqlite store", "err", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := sqliteStore.Close(); closeErr != nil {
			slog.Error("close sqlite store", "err", closeErr)
		}
	}()

	hub := core.NewHub()
	svc := relay.NewService(sqliteStore, hub)
	if *noPreviews {
		svc.DisablePreviews()
	}

	server := httpapi.New(hub, sqliteStore, svc, authCfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		slog.Info("received interrupt, shutting down")
		cancel()
	}()

	if *metricsEvery > 0 {
		go RunMetrics(ctx, hub, *metricsEvery)
	}

	slog.Info("listening", "addr", *addr)
	if err := server.Run(ctx, *addr); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}
