package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/Capitan-Parrot/distributed-video-system/analytics/internal/analytics/heatmap"
	"github.com/Capitan-Parrot/distributed-video-system/analytics/internal/analytics/queue"
	"github.com/Capitan-Parrot/distributed-video-system/analytics/internal/analytics/shelf"
	"github.com/Capitan-Parrot/distributed-video-system/analytics/internal/config"
	"github.com/Capitan-Parrot/distributed-video-system/analytics/internal/database"
	apihttp "github.com/Capitan-Parrot/distributed-video-system/analytics/internal/http"
	"github.com/Capitan-Parrot/distributed-video-system/analytics/internal/kafka"
	"github.com/Capitan-Parrot/distributed-video-system/analytics/internal/models"
	"github.com/Capitan-Parrot/distributed-video-system/analytics/internal/outbox"
	"github.com/Capitan-Parrot/distributed-video-system/analytics/internal/pipeline"
	"github.com/Capitan-Parrot/distributed-video-system/analytics/internal/rollover"
	"github.com/Capitan-Parrot/distributed-video-system/analytics/internal/runner"
	"github.com/Capitan-Parrot/distributed-video-system/analytics/internal/s3"
	"github.com/Capitan-Parrot/distributed-video-system/analytics/internal/services/detection"
)

const retryBackoff = 200 * time.Millisecond

func main() {
	configPath := flag.String("config", "", "path to the YAML config")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		bootLog := zerolog.New(os.Stderr)
		bootLog.Fatal().Err(err).Msg("failed to load config")
	}

	logger := newLogger(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.New(ctx, cfg.Postgres.DSN, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to PostgreSQL")
	}
	defer db.Close()
	if err := db.Init(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to init database")
	}

	s3Client, err := s3.NewMinioClient(cfg.Minio.Endpoint, cfg.Minio.AccessKey, cfg.Minio.SecretKey, cfg.Minio.Secure)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to MinIO")
	}
	if err := s3Client.EnsureBucket(ctx, cfg.Minio.ExportsBucket); err != nil {
		logger.Fatal().Err(err).Msg("failed to prepare exports bucket")
	}

	producer, err := kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.AlertTopic, cfg.Kafka.ResultTopic)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create Kafka producer")
	}
	defer producer.Close()

	consumer, err := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.GroupID, cfg.Kafka.FrameTopic, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create Kafka consumer")
	}
	defer consumer.Close()

	detector := detection.NewClient(detection.Config{
		Endpoint:        cfg.Detection.Endpoint,
		Timeout:         cfg.Detection.Timeout,
		ConfidenceFloor: cfg.Detection.ConfidenceFloor,
		IoUThreshold:    cfg.Detection.IoUThreshold,
	}, logger)

	pipe := pipeline.New(
		detection.WithRetries(detector, cfg.Runner.Retries, retryBackoff, logger),
		shelf.New(shelf.Config{
			CoverageThreshold: cfg.Shelf.CoverageThreshold,
			MinConfidence:     cfg.Shelf.MinConfidence,
			ProductClasses: lo.Map(cfg.Shelf.ProductClasses, func(c string, _ int) models.ClassLabel {
				return models.ClassLabel(c)
			}),
		}, cfg.ShelfRegions()),
		queue.New(queue.Config{
			Threshold: cfg.Queue.AlertThreshold,
			Margin:    cfg.Queue.HysteresisMargin,
			Window:    cfg.Queue.Window,
			Debounce:  cfg.Queue.Debounce,
		}, cfg.QueueRegions()),
		heatmap.New(heatmap.Config{
			Cols:   cfg.Heatmap.GridCols,
			Rows:   cfg.Heatmap.GridRows,
			MaxGap: cfg.Heatmap.MaxGap,
		}, cfg.Zones()),
		logger,
	)

	r := runner.New(pipe, db, s3Client, producer, runner.Config{
		FrameTimeout:  cfg.Runner.FrameTimeout,
		ExportsBucket: cfg.Minio.ExportsBucket,
	}, logger)

	handler := apihttp.NewHandler(r, pipe, db, detector, logger)
	router := apihttp.NewRouter(handler, logger)

	g, gctx := errgroup.WithContext(ctx)

	consumer.StartListening(gctx)
	g.Go(func() error {
		r.ListenAndRun(gctx, consumer.Messages())
		return nil
	})

	dispatcher := outbox.NewDispatcher(db, producer, cfg.Kafka.OutboxInterval, logger)
	g.Go(func() error {
		dispatcher.Start(gctx)
		return nil
	})

	if cfg.Rollover.Enabled {
		hour, minute, _ := cfg.RolloverClock()
		ro := rollover.New(r, hour, minute, logger)
		g.Go(func() error {
			ro.Start(gctx)
			return nil
		})
	}

	g.Go(func() error {
		return apihttp.Serve(gctx, cfg.API.Port, router, logger)
	})

	logger.Info().Int("cameras", len(cfg.Cameras)).Msg("retail analytics started")

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("service stopped with error")
	}
	logger.Info().Msg("shutting down")
}

func newLogger(level, format string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if format == "console" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stdout)
	}
	return logger.Level(lvl).With().Timestamp().Str("service", "retail-analytics").Logger()
}
