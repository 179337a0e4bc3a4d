package coordinator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"enrollmentPipeline/models"
)

// Reconcile inspects every job left in a non-terminal state by a crash and
// resumes each from its first unconfirmed step. Called once at startup,
// before the batch consumer starts.
func (c *Coordinator) Reconcile(ctx context.Context) error {
	jobs, err := c.repo.ListUnfinished(ctx)
	if err != nil {
		return fmt.Errorf("list unfinished jobs: %w", err)
	}
	if len(jobs) == 0 {
		return nil
	}

	c.logger.Info("Reconciling interrupted jobs", zap.Int("count", len(jobs)))
	for i := range jobs {
		job := jobs[i]
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.flight.Do(job.StudentID, func() (interface{}, error) {
			return &jobResult{jobID: job.ID, outcome: c.reconcileJob(ctx, &job)}, nil
		})
	}
	return nil
}

// reconcileJob re-derives the correct next step by checking what already
// durably landed: the thumbnail in storage, the record's asset reference,
// and the published-events log. It never re-runs the image processor; the
// source bytes died with the crashed process.
func (c *Coordinator) reconcileJob(ctx context.Context, job *models.ProcessingJob) outcome {
	log := c.logger.With(
		zap.String("job_id", job.ID),
		zap.String("student_id", job.StudentID),
		zap.String("interrupted_in", string(job.State)),
	)

	job.Attempts++
	if err := c.setState(ctx, job, models.StateReconciling); err != nil {
		return c.fail(ctx, job, err)
	}

	if job.ThumbnailKey == "" {
		// Crashed before the derived keys were durably recorded. The
		// source bytes are gone, so only a fresh import can finish
		// this student.
		return c.fail(ctx, job, fmt.Errorf("interrupted before processing completed; resubmit the batch"))
	}

	stored, err := c.storage.Exists(ctx, job.ThumbnailKey)
	if err != nil {
		return c.fail(ctx, job, err)
	}
	if !stored {
		return c.fail(ctx, job, fmt.Errorf("thumbnail %s never reached storage; resubmit the batch", job.ThumbnailKey))
	}

	// The asset is durable; re-apply the record update. A no-op here just
	// means the crash happened after the update, or a newer asset has
	// landed since. Either way the record is right.
	applied, err := c.applyAsset(ctx, job)
	if err != nil {
		return c.fail(ctx, job, err)
	}
	if !applied {
		// Re-prime the cache for the asset the record actually holds.
		if student, err := c.repo.GetStudent(ctx, job.StudentID); err == nil && student.Asset != nil {
			c.cache.Set(ctx, job.StudentID, models.CacheEntry{
				ThumbnailKey: student.Asset.ThumbnailKey,
				ContentHash:  student.Asset.ContentHash,
			})
		}
	}

	published, err := c.repo.WasPublished(ctx, job.ID)
	if err != nil {
		return c.fail(ctx, job, err)
	}
	if !published {
		event := &models.StudentEvent{
			EventType: models.EventPhotoProcessed,
			StudentID: job.StudentID,
			JobID:     job.ID,
			AssetKey:  job.ThumbnailKey,
			Timestamp: time.Now().UTC(),
		}
		if err := c.publisher.Publish(ctx, event); err != nil {
			return c.fail(ctx, job, err)
		}
		if err := c.repo.MarkPublished(ctx, job.ID, event.EventType); err != nil {
			return c.fail(ctx, job, err)
		}
	}

	if err := c.setState(ctx, job, models.StateCompleted); err != nil {
		return c.fail(ctx, job, err)
	}
	log.Info("Job reconciled")
	return outcomeCompleted
}
