// Package main provides the Lifestream stage worker.
//
// One process serves exactly one pipeline stage, selected with -stage. All
// workers of a stage share a consumer group over that stage's work topic, so
// running more instances spreads partitions across them.
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
	openai "github.com/sashabaranov/go-openai"

	"github.com/lifestream-io/lifestream/internal/bus"
	"github.com/lifestream-io/lifestream/internal/config"
	"github.com/lifestream-io/lifestream/internal/event"
	"github.com/lifestream-io/lifestream/internal/policy"
	"github.com/lifestream-io/lifestream/internal/storage"
	"github.com/lifestream-io/lifestream/internal/worker"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "worker"
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	stageFlag := flag.String("stage", "", "pipeline stage to serve (fetch, enrich, or publish)")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	var workType event.WorkType

	switch *stageFlag {
	case "fetch":
		workType = event.WorkFetchLink
	case "enrich":
		workType = event.WorkEnrichLink
	case "publish":
		workType = event.WorkPublishLink
	default:
		log.Printf("missing or unknown -stage %q (want fetch, enrich, or publish)", *stageFlag)
		os.Exit(1)
	}

	// Optional .env for local runs; variables already set take precedence.
	if err := godotenv.Load(); err == nil {
		log.Printf("loaded environment from .env")
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
	}))

	logger.Info("Starting Lifestream stage worker",
		slog.String("service", name),
		slog.String("version", version),
		slog.String("stage", workType.String()),
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

	var stage worker.Stage

	switch workType {
	case event.WorkFetchLink:
		fetcher := worker.NewFetcher(worker.FetcherOptions{
			HostInterval: policyConfig.Fetch.HostInterval.Duration(),
		})

		defer fetcher.Close()

		stage = worker.FetchStage(fetcher, policyConfig.Fetch.Timeout.Duration())

		logger.Info("Fetch stage configured",
			slog.Duration("host_interval", policyConfig.Fetch.HostInterval.Duration()),
			slog.Duration("timeout", policyConfig.Fetch.Timeout.Duration()),
		)

	case event.WorkEnrichLink:
		apiKey := config.GetEnvStr("OPENAI_API_KEY", "")
		if apiKey == "" {
			logger.Error("OPENAI_API_KEY is not set; the enrich stage cannot run")

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

		catalog := worker.NewTagCatalog()

		snapshotReader := bus.NewPartitionReader(busConfig, bus.TopicTagCatalog, 0)

		defer func() {
			_ = snapshotReader.Close()
		}()

		// A dead seed loop only shrinks the vocabulary offered to the
		// model; the enricher keeps running.
		go func() {
			if err := catalog.Seed(ctx, snapshotReader); err != nil {
				logger.Warn("tag catalog seeding stopped", slog.String("error", err.Error()))
			}
		}()

		model := config.GetEnvStr("LIFESTREAM_ENRICH_MODEL", worker.DefaultEnrichModel)

		enricher, err := worker.NewEnricher(worker.EnricherOptions{
			Client:         openai.NewClient(apiKey),
			Model:          model,
			TextBudget:     policyConfig.Enrich.TextBudget,
			KnownTagsLimit: policyConfig.Enrich.KnownTagsLimit,
			Catalog:        catalog,
			Snapshots:      publisher,
		})
		if err != nil {
			logger.Error("Failed to create enricher", slog.String("error", err.Error()))

			_ = publisher.Close()
			_ = dbConn.Close()
			os.Exit(1)
		}

		stage = worker.EnrichStage(enricher, policyConfig.Enrich.Timeout.Duration())

		logger.Info("Enrich stage configured",
			slog.String("model", model),
			slog.Int("text_budget", policyConfig.Enrich.TextBudget),
			slog.Int("known_tags_limit", policyConfig.Enrich.KnownTagsLimit),
			slog.Duration("timeout", policyConfig.Enrich.Timeout.Duration()),
		)

	case event.WorkPublishLink:
		stage = worker.PublishStage(worker.NewPublisher(), worker.DefaultPublishTimeout)

		logger.Info("Publish stage configured",
			slog.Duration("timeout", worker.DefaultPublishTimeout),
		)
	}

	reader := bus.NewGroupReader(busConfig, worker.GroupID(workType), bus.WorkTopic(workType))

	defer func() {
		_ = reader.Close()
	}()

	runner, err := worker.NewRunner(stage, reader, ledger)
	if err != nil {
		logger.Error("Failed to create stage runner", slog.String("error", err.Error()))

		_ = reader.Close()
		_ = dbConn.Close()
		os.Exit(1)
	}

	if err := runner.Run(ctx); err != nil {
		logger.Error("Stage worker stopped with error",
			slog.String("stage", workType.String()),
			slog.String("error", err.Error()),
		)

		_ = reader.Close()
		_ = dbConn.Close()
		os.Exit(1)
	}

	logger.Info("Lifestream stage worker stopped", slog.String("stage", workType.String()))
}
