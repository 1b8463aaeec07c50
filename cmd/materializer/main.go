// Package main provides the Lifestream projection materializer.
//
// The materializer owns a set of events-topic partitions and folds their
// messages into the Postgres read model, one strictly sequential loop per
// partition. Consumer progress lives in Postgres, not in a bus group, so
// restarts and bus resets reconcile against recorded offsets.
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
	"github.com/lifestream-io/lifestream/internal/materializer"
	"github.com/lifestream-io/lifestream/internal/storage"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "materializer"
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

	logger.Info("Starting Lifestream materializer",
		slog.String("service", name),
		slog.String("version", version),
	)

	partitions, err := materializer.PartitionsFromEnv()
	if err != nil {
		logger.Error("Failed to parse partition binding", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if len(partitions) > 0 {
		logger.Info("Bound to explicit partitions", slog.Any("partitions", partitions))
	}

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

	store, err := storage.NewProjectionStore(dbConn)
	if err != nil {
		logger.Error("Failed to create projection store", slog.String("error", err.Error()))

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

	readers := func(partition int) materializer.Reader {
		return bus.NewPartitionReader(busConfig, bus.TopicEvents, partition)
	}

	m, err := materializer.NewMaterializer(store, busAdmin, readers, materializer.Options{
		Partitions: partitions,
	})
	if err != nil {
		logger.Error("Failed to create materializer", slog.String("error", err.Error()))

		_ = dbConn.Close()
		os.Exit(1)
	}

	if err := m.Run(ctx); err != nil {
		logger.Error("Materializer stopped with error", slog.String("error", err.Error()))

		_ = dbConn.Close()
		os.Exit(1)
	}

	logger.Info("Lifestream materializer stopped")
}
