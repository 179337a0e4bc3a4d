package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"enrollmentPipeline/cache"
	"enrollmentPipeline/config"
	"enrollmentPipeline/converter"
	"enrollmentPipeline/coordinator"
	"enrollmentPipeline/importer"
	"enrollmentPipeline/kafka"
	"enrollmentPipeline/models"
	"enrollmentPipeline/pool"
	"enrollmentPipeline/repository"
	"enrollmentPipeline/retry"
	"enrollmentPipeline/storage"
)

func main() {
	cfg := config.Load()

	var logger *zap.Logger
	var err error
	if cfg.Env == "production" {
		logger, err = zap.NewProduction()
	} else {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Pipeline exited", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("Photo pipeline starting",
		zap.Strings("kafka_brokers", cfg.KafkaBrokers),
		zap.String("batch_topic", cfg.BatchTopic),
		zap.Int("workers", cfg.WorkerCount),
	)

	policy := retry.NewPolicy(cfg.RetryMaxAttempts, cfg.RetryBaseDelay, cfg.RetryMaxDelay)

	db, err := repository.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer db.Close()
	repo := repository.NewPostgresRepo(db)

	redisClient, err := cache.Connect(cfg.RedisAddr)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer redisClient.Close()
	photoCache := cache.NewPhotoCache(redisClient, cfg.CacheTTL, logger)

	gateway, err := storage.NewGateway(ctx, storage.Config{
		Endpoint:        cfg.S3Endpoint,
		AccessKeyID:     cfg.S3AccessKeyID,
		SecretAccessKey: cfg.S3SecretAccessKey,
		Region:          cfg.S3Region,
		Bucket:          cfg.S3Bucket,
	}, policy, logger)
	if err != nil {
		return fmt.Errorf("init storage gateway: %w", err)
	}

	publisher, err := kafka.NewPublisher(cfg.KafkaBrokers, cfg.EventsTopic, policy, logger)
	if err != nil {
		return fmt.Errorf("init publisher: %w", err)
	}
	defer publisher.Close()

	consumer, err := kafka.NewConsumer(cfg.KafkaBrokers, cfg.KafkaGroupID, logger)
	if err != nil {
		return fmt.Errorf("init consumer: %w", err)
	}
	defer consumer.Close()

	proc := converter.NewConverter(cfg.ThumbnailWidth, cfg.ThumbnailHeight, cfg.MinImageDim, logger)
	workers := pool.NewWorkerPool(cfg.WorkerCount, cfg.QueueDepth)
	workers.Start(ctx)
	defer workers.Stop()

	coord := coordinator.NewCoordinator(repo, gateway, photoCache, publisher, proc, workers, logger)

	// Resume anything a previous run left mid-flight before taking new work.
	if err := coord.Reconcile(ctx); err != nil {
		return fmt.Errorf("startup reconciliation: %w", err)
	}

	handler := batchHandler(gateway, importer.NewImporter(logger), coord, logger)

	logger.Info("Consuming batch submissions", zap.String("topic", cfg.BatchTopic))
	if err := consumer.Consume(ctx, cfg.BatchTopic, handler); err != nil && ctx.Err() == nil {
		return err
	}

	logger.Info("Shutting down")
	return nil
}

// batchSource fetches the staged batch object; satisfied by the storage
// gateway.
type batchSource interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

// batchRunner drives one parsed batch to its summary; satisfied by the
// coordinator.
type batchRunner interface {
	RunBatch(ctx context.Context, traceID string, batch *importer.Batch) (*models.BatchSummary, error)
}

// batchHandler builds the consumer callback for batch submissions.
// Deterministic failures (missing object, unparseable CSV) are logged and
// dropped; transient ones are returned so the message is redelivered.
func batchHandler(source batchSource, im *importer.Importer, runner batchRunner, logger *zap.Logger) kafka.BatchHandler {
	return func(ctx context.Context, msg *models.BatchMessage) error {
		log := logger.With(
			zap.String("batch_id", msg.BatchID),
			zap.String("trace_id", msg.TraceID),
		)

		raw, err := source.Get(ctx, msg.ObjectKey)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				// The object will not appear on redelivery either.
				log.Error("Batch object missing, dropping", zap.Error(err))
				return nil
			}
			log.Error("Failed to fetch batch object", zap.Error(err))
			return err
		}

		batch, err := im.Parse(msg.BatchID, bytes.NewReader(raw))
		if err != nil {
			// A batch that cannot even be parsed will not parse on
			// redelivery either; drop it.
			log.Error("Unparseable batch dropped", zap.Error(err))
			return nil
		}

		summary, err := runner.RunBatch(ctx, msg.TraceID, batch)
		if err != nil {
			return err
		}
		log.Info("Batch summary",
			zap.Int("completed", summary.Completed),
			zap.Int("skipped", summary.Skipped),
			zap.Int("failed", summary.Failed),
			zap.Int("row_errors", summary.RowErrors),
		)
		return nil
	}
}
