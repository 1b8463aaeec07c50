// Package main provides the Lifestream outbox forwarder.
//
// The forwarder is the only bridge between the event ledger and the bus: it
// polls unforwarded events and publishes them to the events topic in
// received order, marking batches forwarded only after a full publish
// succeeds. Duplicates from partial failures are absorbed downstream.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/lifestream-io/lifestream/internal/bus"
	"github.com/lifestream-io/lifestream/internal/config"
	"github.com/lifestream-io/lifestream/internal/outbox"
	"github.com/lifestream-io/lifestream/internal/storage"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "forwarder"
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	// Optional .env for local runs; variables already set take precedence.
	if err := godotenv.Load(); err == nil {
		log.Printf("loaded environment from .env")
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
	}))

	logger.Info("Starting Lifestream outbox forwarder",
		slog.String("service", name),
		slog.String("version", version),
	)

	forwarderConfig := outbox.LoadConfig()

	logger.Info("Loaded forwarder configuration",
		slog.Duration("poll_interval", forwarderConfig.PollInterval),
		slog.Int("batch_size", forwarderConfig.BatchSize),
		slog.Int("max_failures", forwarderConfig.MaxFailures),
	)

	busConfig := bus.LoadConfig()

	logger.Info("Loaded bus configuration", slog.String("bus", busConfig.String()))

	storageConfig := storage.LoadConfig()

	dbConn, err := storage.NewConnection(storageConfig)
	if err != nil {
		logger.Error("Failed to connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}

	defer func() {
		_ = dbConn.Close() // Ensure connection closes on normal shutdown
	}()

	ledger, err := storage.NewLedger(dbConn)
	if err != nil {
		logger.Error("Failed to create event ledger", slog.String("error", err.Error()))

		_ = dbConn.Close()
		//nolint:gocritic // Explicit cleanup before os.Exit is intentional (defer won't run)
		os.Exit(1)
	}

	busAdmin, err := bus.NewAdmin(busConfig)
	if err != nil {
		logger.Error("Failed to create bus admin client", slog.String("error", err.Error()))

		_ = dbConn.Close()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := busAdmin.EnsureTopics(ctx); err != nil {
		logger.Error("Failed to provision topics", slog.String("error", err.Error()))

		_ = dbConn.Close()
		os.Exit(1)
	}

	publisher, err := bus.NewPublisher(busConfig)
	if err != nil {
		logger.Error("Failed to create bus publisher", slog.String("error", err.Error()))

		_ = dbConn.Close()
		os.Exit(1)
	}

	defer func() {
		_ = publisher.Close() // Flush buffered messages on normal shutdown
	}()

	forwarder, err := outbox.NewForwarder(forwarderConfig, ledger, publisher)
	if err != nil {
		logger.Error("Failed to create forwarder", slog.String("error", err.Error()))

		_ = publisher.Close()
		_ = dbConn.Close()
		os.Exit(1)
	}

	if err := forwarder.Run(ctx); err != nil {
		logger.Error("Forwarder stopped with error", slog.String("error", err.Error()))

		_ = publisher.Close()
		_ = dbConn.Close()
		os.Exit(1)
	}

	logger.Info("Lifestream outbox forwarder stopped")
}
