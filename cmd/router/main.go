// Package main provides the Lifestream work router.
//
// The router consumes the events topic through a consumer group and decides
// what work each event implies: fetch for new links, enrichment for fetched
// content, publication for enriched links, retries or dead letters for
// failures. It holds no state beyond its group offset.
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
	"github.com/lifestream-io/lifestream/internal/policy"
	"github.com/lifestream-io/lifestream/internal/router"
	"github.com/lifestream-io/lifestream/internal/storage"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "router"
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

	logger.Info("Starting Lifestream work router",
		slog.String("service", name),
		slog.String("version", version),
	)

	policyConfig, err := policy.LoadConfigFromEnv()
	if err != nil {
		logger.Error("Failed to load pipeline tuning", slog.String("error", err.Error()))
		os.Exit(1)
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

	checks, err := storage.NewProjectionStore(dbConn)
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

	publisher, err := bus.NewPublisher(busConfig)
	if err != nil {
		logger.Error("Failed to create bus publisher", slog.String("error", err.Error()))

		_ = dbConn.Close()
		os.Exit(1)
	}

	defer func() {
		_ = publisher.Close() // Flush buffered messages on normal shutdown
	}()

	reader := bus.NewGroupReader(busConfig, router.GroupID, bus.TopicEvents)

	defer func() {
		_ = reader.Close()
	}()

	workRouter, err := router.NewRouter(reader, checks, publisher, policyConfig)
	if err != nil {
		logger.Error("Failed to create router", slog.String("error", err.Error()))

		_ = reader.Close()
		_ = publisher.Close()
		_ = dbConn.Close()
		os.Exit(1)
	}

	if err := workRouter.Run(ctx); err != nil {
		logger.Error("Router stopped with error", slog.String("error", err.Error()))

		_ = reader.Close()
		_ = publisher.Close()
		_ = dbConn.Close()
		os.Exit(1)
	}

	logger.Info("Lifestream work router stopped")
}
