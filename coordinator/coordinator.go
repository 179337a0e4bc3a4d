// Package coordinator drives each per-student job through its state machine:
// Pending → Processing → Uploading → Publishing → Completed, with Failed
// terminal from any step and Reconciling for jobs interrupted by a crash.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"enrollmentPipeline/converter"
	"enrollmentPipeline/importer"
	"enrollmentPipeline/kafka"
	"enrollmentPipeline/models"
	"enrollmentPipeline/pool"
	"enrollmentPipeline/repository"
	"enrollmentPipeline/storage"
)

// Storage is the slice of the storage gateway the coordinator uses.
type Storage interface {
	Put(ctx context.Context, key string, data []byte) error
	Exists(ctx context.Context, key string) (bool, error)
}

// Cache is the best-effort photo cache; all methods swallow failures.
type Cache interface {
	Set(ctx context.Context, studentID string, entry models.CacheEntry)
	Invalidate(ctx context.Context, studentID string)
}

// Processor turns source photo bytes into a thumbnail, deterministically.
type Processor interface {
	Thumbnail(src []byte) (*converter.Result, error)
}

type outcome int

const (
	outcomeCompleted outcome = iota
	outcomeSkipped
	outcomeFailed
)

type jobResult struct {
	jobID   string
	outcome outcome
}

// Coordinator owns all ordering, retry escalation and consistency decisions
// of the pipeline. Per-student mutual exclusion comes from a singleflight
// group keyed by student id: a concurrent duplicate coalesces to the
// in-flight execution instead of racing it.
type Coordinator struct {
	repo      repository.Repository
	storage   Storage
	cache     Cache
	publisher kafka.Publisher
	processor Processor
	workers   *pool.WorkerPool
	flight    singleflight.Group
	logger    *zap.Logger
}

func NewCoordinator(
	repo repository.Repository,
	store Storage,
	photoCache Cache,
	publisher kafka.Publisher,
	processor Processor,
	workers *pool.WorkerPool,
	logger *zap.Logger,
) *Coordinator {
	return &Coordinator{
		repo:      repo,
		storage:   store,
		cache:     photoCache,
		publisher: publisher,
		processor: processor,
		workers:   workers,
		logger:    logger,
	}
}

// RunBatch schedules every valid row of the batch onto the worker pool and
// waits for the batch to settle. Row-level failures never abort the batch;
// only a record-store failure during scheduling does. The returned summary
// is the multi-verdict batch result.
func (c *Coordinator) RunBatch(ctx context.Context, traceID string, batch *importer.Batch) (*models.BatchSummary, error) {
	summary := &models.BatchSummary{BatchID: batch.ID}
	var mu sync.Mutex
	var wg sync.WaitGroup

	log := c.logger.With(
		zap.String("batch_id", batch.ID),
		zap.String("trace_id", traceID),
	)
	log.Info("Batch started", zap.Int("rows", batch.Len()))

	for row, rowErr := range batch.Rows() {
		if ctx.Err() != nil {
			// Cancellation stops further submission; in-flight jobs
			// run to their next checkpoint on their own.
			break
		}

		if rowErr != nil {
			mu.Lock()
			summary.RowErrors++
			summary.Failed++
			mu.Unlock()
			continue
		}

		job := &models.ProcessingJob{
			ID:        models.JobID(batch.ID, row.StudentID),
			StudentID: row.StudentID,
			BatchID:   batch.ID,
			State:     models.StatePending,
			CreatedAt: time.Now().UTC(),
		}

		student := &models.StudentRecord{
			ID:        row.StudentID,
			FirstName: row.FirstName,
			LastName:  row.LastName,
			Email:     row.Email,
		}
		if err := c.repo.UpsertStudent(ctx, student); err != nil {
			wg.Wait()
			return summary, fmt.Errorf("record store lost, aborting batch: %w", err)
		}

		created, err := c.repo.CreateJob(ctx, job)
		if err != nil {
			wg.Wait()
			return summary, fmt.Errorf("record store lost, aborting batch: %w", err)
		}
		if !created {
			mu.Lock()
			summary.Duplicates++
			mu.Unlock()
			if existing, err := c.repo.GetJob(ctx, job.ID); err == nil && existing.State.Terminal() {
				// Re-submission of an already settled batch: the
				// final state is already whatever the first run
				// produced.
				mu.Lock()
				summary.Skipped++
				mu.Unlock()
			}
			continue
		}

		row := row
		wg.Add(1)
		err = c.workers.Submit(ctx, func(taskCtx context.Context) {
			defer wg.Done()
			result := c.execute(taskCtx, job, row)
			mu.Lock()
			switch result {
			case outcomeCompleted:
				summary.Completed++
			case outcomeSkipped:
				summary.Skipped++
			case outcomeFailed:
				summary.Failed++
			}
			mu.Unlock()
		})
		if err != nil {
			wg.Done()
			break
		}
	}

	wg.Wait()

	log.Info("Batch settled",
		zap.Int("completed", summary.Completed),
		zap.Int("skipped", summary.Skipped),
		zap.Int("failed", summary.Failed),
		zap.Int("row_errors", summary.RowErrors),
		zap.Int("duplicates", summary.Duplicates),
	)
	return summary, nil
}

// execute runs the job's state machine under the per-student guard. A
// duplicate submission for a student with a job already in flight coalesces:
// it observes the in-flight result and completes without side effects.
func (c *Coordinator) execute(ctx context.Context, job *models.ProcessingJob, row *importer.Row) outcome {
	v, _, _ := c.flight.Do(job.StudentID, func() (interface{}, error) {
		return &jobResult{jobID: job.ID, outcome: c.runJob(ctx, job, row)}, nil
	})
	result := v.(*jobResult)

	if result.jobID != job.ID {
		if err := c.repo.UpdateJobState(ctx, job.ID, models.StateCompleted, 0, ""); err != nil {
			c.logger.Warn("Failed to settle superseded job",
				zap.String("job_id", job.ID),
				zap.Error(err),
			)
		}
		return outcomeSkipped
	}
	return result.outcome
}

func (c *Coordinator) runJob(ctx context.Context, job *models.ProcessingJob, row *importer.Row) outcome {
	if err := ctx.Err(); err != nil {
		// Shutdown reached this job before its first step ran.
		return c.fail(ctx, job, fmt.Errorf("shutdown before processing started: %w", err))
	}

	job.Attempts++
	log := c.logger.With(
		zap.String("job_id", job.ID),
		zap.String("student_id", job.StudentID),
	)

	// Processing
	if err := c.setState(ctx, job, models.StateProcessing); err != nil {
		return c.fail(ctx, job, err)
	}
	result, err := c.processor.Thumbnail(row.Photo)
	if err != nil {
		// Unsupported format and undersized images are permanent for
		// this input; no retry will change the outcome.
		log.Warn("Processing failed permanently", zap.Error(err))
		return c.fail(ctx, job, err)
	}

	contentHash := storage.Hash(row.Photo)
	originalKey := storage.KeyFor("originals", row.Photo)
	thumbnailKey := storage.KeyFor("thumbnails", result.Thumbnail)
	if err := c.repo.SaveDerived(ctx, job.ID, contentHash, originalKey, thumbnailKey, result.Width, result.Height); err != nil {
		return c.fail(ctx, job, err)
	}
	job.ContentHash = contentHash
	job.OriginalKey = originalKey
	job.ThumbnailKey = thumbnailKey
	job.Width = result.Width
	job.Height = result.Height

	// Uploading
	if err := c.setState(ctx, job, models.StateUploading); err != nil {
		return c.fail(ctx, job, err)
	}
	if err := c.storage.Put(ctx, originalKey, row.Photo); err != nil {
		return c.fail(ctx, job, err)
	}
	if err := c.storage.Put(ctx, thumbnailKey, result.Thumbnail); err != nil {
		return c.fail(ctx, job, err)
	}

	applied, err := c.applyAsset(ctx, job)
	if err != nil {
		return c.fail(ctx, job, err)
	}
	if !applied {
		// The record already points at a newer asset: an expected
		// race, not an error. Nothing changed, so no event either.
		log.Info("Asset superseded by newer, skipping")
		if err := c.setState(ctx, job, models.StateCompleted); err != nil {
			return c.fail(ctx, job, err)
		}
		return outcomeSkipped
	}

	// Publishing
	if err := c.setState(ctx, job, models.StatePublishing); err != nil {
		return c.fail(ctx, job, err)
	}
	if err := c.publishProcessed(ctx, job); err != nil {
		return c.fail(ctx, job, err)
	}

	if err := c.setState(ctx, job, models.StateCompleted); err != nil {
		return c.fail(ctx, job, err)
	}
	log.Info("Job completed")
	return outcomeCompleted
}

// applyAsset conditionally moves the student record to the job's asset and
// keeps the cache in step: invalidate happens-after the record update, and a
// fresh entry is only written once the keys are durably stored.
func (c *Coordinator) applyAsset(ctx context.Context, job *models.ProcessingJob) (bool, error) {
	asset := models.ImageAsset{
		ContentHash:  job.ContentHash,
		OriginalKey:  job.OriginalKey,
		ThumbnailKey: job.ThumbnailKey,
		Width:        job.Width,
		Height:       job.Height,
		// The job's creation time, not now: retries of the same job
		// must produce the same asset timestamp.
		CreatedAt: job.CreatedAt,
	}

	applied, err := c.repo.UpdateAsset(ctx, job.StudentID, asset)
	if err != nil {
		return false, err
	}
	if applied {
		c.cache.Invalidate(ctx, job.StudentID)
		c.cache.Set(ctx, job.StudentID, models.CacheEntry{
			ThumbnailKey: job.ThumbnailKey,
			ContentHash:  job.ContentHash,
		})
	}
	return applied, nil
}

func (c *Coordinator) publishProcessed(ctx context.Context, job *models.ProcessingJob) error {
	event := &models.StudentEvent{
		EventType: models.EventPhotoProcessed,
		StudentID: job.StudentID,
		JobID:     job.ID,
		AssetKey:  job.ThumbnailKey,
		Timestamp: time.Now().UTC(),
	}
	if err := c.publisher.Publish(ctx, event); err != nil {
		return err
	}
	return c.repo.MarkPublished(ctx, job.ID, event.EventType)
}

func (c *Coordinator) setState(ctx context.Context, job *models.ProcessingJob, state models.JobState) error {
	job.State = state
	return c.repo.UpdateJobState(ctx, job.ID, state, job.Attempts, "")
}

// fail moves the job to its terminal Failed state with the last error
// retained for operator inspection, and announces the failure best-effort.
// Failed jobs are never retried automatically; a fresh import re-triggers.
func (c *Coordinator) fail(ctx context.Context, job *models.ProcessingJob, cause error) outcome {
	job.State = models.StateFailed
	// The terminal write must outlive the caller's cancellation, or a job
	// failed during shutdown would lose its last error.
	writeCtx := context.WithoutCancel(ctx)
	if err := c.repo.UpdateJobState(writeCtx, job.ID, models.StateFailed, job.Attempts, cause.Error()); err != nil {
		c.logger.Error("Failed to record job failure",
			zap.String("job_id", job.ID),
			zap.NamedError("cause", cause),
			zap.Error(err),
		)
	}

	event := &models.StudentEvent{
		EventType: models.EventPhotoFailed,
		StudentID: job.StudentID,
		JobID:     job.ID,
		Timestamp: time.Now().UTC(),
	}
	if err := c.publisher.Publish(ctx, event); err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Warn("Failure event dropped",
			zap.String("job_id", job.ID),
			zap.Error(err),
		)
	}

	c.logger.Error("Job failed",
		zap.String("job_id", job.ID),
		zap.String("student_id", job.StudentID),
		zap.NamedError("cause", cause),
	)
	return outcomeFailed
}
