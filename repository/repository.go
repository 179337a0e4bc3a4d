package repository

import (
	"context"
	"errors"

	"enrollmentPipeline/models"
)

var (
	ErrStudentNotFound = errors.New("student not found")
	ErrJobNotFound     = errors.New("job not found")
)

// Repository is the record store: canonical student records, durable per-job
// state, and the published-events log reconciliation checks against.
type Repository interface {
	// UpsertStudent inserts or updates the profile fields for a student.
	// The asset reference is never touched here; only UpdateAsset moves it.
	UpsertStudent(ctx context.Context, student *models.StudentRecord) error
	GetStudent(ctx context.Context, studentID string) (*models.StudentRecord, error)
	// UpdateAsset conditionally points the record at asset. The write
	// applies only when the record has no asset yet or its asset is older
	// than the new one; the return value reports whether it applied.
	UpdateAsset(ctx context.Context, studentID string, asset models.ImageAsset) (bool, error)

	// CreateJob inserts a job if its deterministic id is unseen. Returns
	// false when the job already exists (idempotent re-submission).
	CreateJob(ctx context.Context, job *models.ProcessingJob) (bool, error)
	GetJob(ctx context.Context, jobID string) (*models.ProcessingJob, error)
	UpdateJobState(ctx context.Context, jobID string, state models.JobState, attempts int, lastError string) error
	// SaveDerived persists the processor's output keys on the job so a
	// crash after this point never re-runs the image processor.
	SaveDerived(ctx context.Context, jobID, contentHash, originalKey, thumbnailKey string, width, height int) error
	// ListUnfinished returns jobs left in a non-terminal, non-pending
	// state, i.e. the candidates for reconciliation after a restart.
	ListUnfinished(ctx context.Context) ([]models.ProcessingJob, error)

	MarkPublished(ctx context.Context, jobID, eventType string) error
	WasPublished(ctx context.Context, jobID string) (bool, error)
}
