// Package main runs the graphloom ingestion pipeline: per-source processing
// loops draining imports into the graph, a scheduled mapping resolver sweep,
// and HTTP pollers for sources with an http adapter.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/graphloom-io/graphloom/internal/config"
	"github.com/graphloom-io/graphloom/internal/credentials"
	"github.com/graphloom-io/graphloom/internal/events"
	"github.com/graphloom-io/graphloom/internal/poller"
	"github.com/graphloom-io/graphloom/internal/processing"
	"github.com/graphloom-io/graphloom/internal/staging"
	"github.com/graphloom-io/graphloom/internal/storage"
	"github.com/graphloom-io/graphloom/migrations"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "graphloom"
)

const supervisorRefreshEnv = "GRAPHLOOM_SUPERVISOR_REFRESH"

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("GRAPHLOOM_LOG_LEVEL", slog.LevelInfo),
	}))

	logger.Info("Starting graphloom pipeline",
		slog.String("service", name),
		slog.String("version", version),
	)

	cfg := config.LoadServiceFromEnv()

	logger.Info("Loaded service configuration",
		slog.Duration("process_interval", cfg.ProcessInterval),
		slog.Duration("poll_interval", cfg.PollInterval),
		slog.Int("batch_size", cfg.BatchSize),
		slog.Duration("http_timeout", cfg.HTTPTimeout),
		slog.String("resolver_schedule", cfg.ResolverSchedule),
		slog.String("event_topic", cfg.EventTopic),
	)

	storageConfig := storage.LoadConfig()

	conn, err := storage.Open(storageConfig)
	if err != nil {
		logger.Error("Failed to connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}

	defer func() {
		_ = conn.Close()
	}()

	logger.Info("Database connected",
		slog.String("database_url", storageConfig.MaskDatabaseURL()),
	)

	if err := migrations.Up(conn.DB); err != nil {
		logger.Error("Failed to run database migrations", slog.String("error", err.Error()))
		_ = conn.Close()
		os.Exit(1)
	}

	sources, err := storage.NewPersistentDataSourceStore(conn)
	if err != nil {
		exitOnStoreError(logger, conn, "data source store", err)
	}

	imports, err := storage.NewPersistentImportStore(conn)
	if err != nil {
		exitOnStoreError(logger, conn, "import store", err)
	}

	records, err := storage.NewPersistentRecordStore(conn)
	if err != nil {
		exitOnStoreError(logger, conn, "staging record store", err)
	}

	mappings, err := storage.NewPersistentMappingStore(conn)
	if err != nil {
		exitOnStoreError(logger, conn, "mapping store", err)
	}

	graphStore, err := storage.NewPersistentGraphStore(conn)
	if err != nil {
		exitOnStoreError(logger, conn, "graph store", err)
	}

	var emitter events.Emitter = events.NopEmitter{}

	if len(cfg.KafkaBrokers) > 0 {
		emitter = events.NewKafkaEmitter(cfg.KafkaBrokers, cfg.EventTopic, logger)

		logger.Info("Event emission enabled",
			slog.Any("brokers", cfg.KafkaBrokers),
			slog.String("topic", cfg.EventTopic),
		)
	} else {
		logger.Warn("Event emission disabled, no kafka brokers configured")
	}

	defer func() {
		_ = emitter.Close()
	}()

	var decryptor credentials.Decryptor = credentials.Plaintext{}

	if cfg.PrivateKeyPath != "" {
		decryptor, err = credentials.LoadRSADecryptor(cfg.PrivateKeyPath)
		if err != nil {
			logger.Error("Failed to load credential private key", slog.String("error", err.Error()))
			_ = conn.Close()
			os.Exit(1)
		}
	} else {
		logger.Warn("Credential decryption disabled, data source credentials are used as stored",
			slog.String("note", "set GRAPHLOOM_PRIVATE_KEY_PATH to enable RSA credential decryption"))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	processor := processing.NewProcessor(
		sources, imports, records, mappings, graphStore,
		emitter, logger, cfg.BatchSize, cfg.ProcessInterval)

	sourcePoller := poller.NewPoller(
		sources, imports, records, mappings,
		decryptor, emitter, logger, cfg.PollInterval, cfg.HTTPTimeout)

	resolver := processing.NewMappingResolver(
		sources, records, mappings, emitter, logger, cfg.BatchSize)

	if err := resolver.Start(ctx, cfg.ResolverSchedule); err != nil {
		logger.Error("Failed to start mapping resolver", slog.String("error", err.Error()))
		_ = conn.Close()
		os.Exit(1)
	}

	defer resolver.Stop()

	factory := func(source *staging.DataSource) []processing.Runner {
		id := source.ID

		runners := []processing.Runner{
			processing.RunnerFunc(func(ctx context.Context) {
				processor.Run(ctx, id)
			}),
		}

		if source.AdapterType == staging.AdapterHTTP {
			src := source

			runners = append(runners, processing.RunnerFunc(func(ctx context.Context) {
				sourcePoller.Run(ctx, src)
			}))
		}

		return runners
	}

	refresh := config.GetEnvDuration(supervisorRefreshEnv, cfg.ProcessInterval)
	supervisor := processing.NewSupervisor(sources, factory, logger, refresh)

	supervisor.Run(ctx)

	logger.Info("graphloom pipeline stopped")
}

func exitOnStoreError(logger *slog.Logger, conn *storage.Connection, store string, err error) {
	logger.Error("Failed to initialize store",
		slog.String("store", store),
		slog.String("error", err.Error()),
	)

	_ = conn.Close()
	os.Exit(1)
}
