package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"enrollmentPipeline/models"
)

// PostgresRepo implements Repository over three tables: students,
// processing_jobs and published_events. Schema migrations live with the
// deployment, not here.
type PostgresRepo struct {
	db *pgxpool.Pool
}

func NewPostgresRepo(db *pgxpool.Pool) *PostgresRepo {
	return &PostgresRepo{db: db}
}

func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

func (r *PostgresRepo) UpsertStudent(ctx context.Context, student *models.StudentRecord) error {
	query := `
		INSERT INTO students (id, first_name, last_name, email)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET first_name = EXCLUDED.first_name,
		    last_name  = EXCLUDED.last_name,
		    email      = EXCLUDED.email,
		    updated_at = NOW()
		RETURNING created_at, updated_at
	`

	err := r.db.QueryRow(ctx, query,
		student.ID,
		student.FirstName,
		student.LastName,
		student.Email,
	).Scan(&student.CreatedAt, &student.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert student %s: %w", student.ID, err)
	}

	return nil
}

func (r *PostgresRepo) GetStudent(ctx context.Context, studentID string) (*models.StudentRecord, error) {
	query := `
		SELECT id, first_name, last_name, email,
		       asset_hash, asset_original_key, asset_thumbnail_key,
		       asset_width, asset_height, asset_created_at,
		       created_at, updated_at
		FROM students
		WHERE id = $1
	`

	var student models.StudentRecord
	var hash, originalKey, thumbnailKey *string
	var width, height *int
	var assetCreatedAt *time.Time

	err := r.db.QueryRow(ctx, query, studentID).Scan(
		&student.ID,
		&student.FirstName,
		&student.LastName,
		&student.Email,
		&hash,
		&originalKey,
		&thumbnailKey,
		&width,
		&height,
		&assetCreatedAt,
		&student.CreatedAt,
		&student.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrStudentNotFound
		}
		return nil, fmt.Errorf("get student %s: %w", studentID, err)
	}

	if hash != nil {
		student.Asset = &models.ImageAsset{
			ContentHash:  *hash,
			OriginalKey:  *originalKey,
			ThumbnailKey: *thumbnailKey,
			Width:        *width,
			Height:       *height,
			CreatedAt:    *assetCreatedAt,
		}
	}

	return &student, nil
}

// UpdateAsset is the monotonicity check: the strict comparison means a stale
// retry or an older batch can never roll the record back, and an equal
// timestamp resolves to the first arrival.
func (r *PostgresRepo) UpdateAsset(ctx context.Context, studentID string, asset models.ImageAsset) (bool, error) {
	query := `
		UPDATE students
		SET asset_hash = $2,
		    asset_original_key = $3,
		    asset_thumbnail_key = $4,
		    asset_width = $5,
		    asset_height = $6,
		    asset_created_at = $7,
		    updated_at = NOW()
		WHERE id = $1
		  AND (asset_created_at IS NULL OR asset_created_at < $7)
	`

	result, err := r.db.Exec(ctx, query,
		studentID,
		asset.ContentHash,
		asset.OriginalKey,
		asset.ThumbnailKey,
		asset.Width,
		asset.Height,
		asset.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("update asset for %s: %w", studentID, err)
	}

	return result.RowsAffected() > 0, nil
}

func (r *PostgresRepo) CreateJob(ctx context.Context, job *models.ProcessingJob) (bool, error) {
	query := `
		INSERT INTO processing_jobs (id, student_id, batch_id, state, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
	`

	result, err := r.db.Exec(ctx, query,
		job.ID,
		job.StudentID,
		job.BatchID,
		job.State,
		job.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("create job %s: %w", job.ID, err)
	}

	return result.RowsAffected() > 0, nil
}

func (r *PostgresRepo) GetJob(ctx context.Context, jobID string) (*models.ProcessingJob, error) {
	query := `
		SELECT id, student_id, batch_id, state, attempts, last_error,
		       COALESCE(content_hash, ''), COALESCE(original_key, ''), COALESCE(thumbnail_key, ''),
		       COALESCE(width, 0), COALESCE(height, 0),
		       created_at, last_attempt_at, completed_at
		FROM processing_jobs
		WHERE id = $1
	`

	var job models.ProcessingJob
	err := r.db.QueryRow(ctx, query, jobID).Scan(
		&job.ID,
		&job.StudentID,
		&job.BatchID,
		&job.State,
		&job.Attempts,
		&job.LastError,
		&job.ContentHash,
		&job.OriginalKey,
		&job.ThumbnailKey,
		&job.Width,
		&job.Height,
		&job.CreatedAt,
		&job.LastAttemptAt,
		&job.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("get job %s: %w", jobID, err)
	}

	return &job, nil
}

func (r *PostgresRepo) UpdateJobState(ctx context.Context, jobID string, state models.JobState, attempts int, lastError string) error {
	query := `
		UPDATE processing_jobs
		SET state = $2, attempts = $3, last_error = $4, last_attempt_at = NOW()
	`
	if state.Terminal() {
		query += `, completed_at = NOW()`
	}
	query += ` WHERE id = $1`

	result, err := r.db.Exec(ctx, query, jobID, state, attempts, lastError)
	if err != nil {
		return fmt.Errorf("update job %s: %w", jobID, err)
	}
	if result.RowsAffected() == 0 {
		return ErrJobNotFound
	}

	return nil
}

func (r *PostgresRepo) SaveDerived(ctx context.Context, jobID, contentHash, originalKey, thumbnailKey string, width, height int) error {
	query := `
		UPDATE processing_jobs
		SET content_hash = $2, original_key = $3, thumbnail_key = $4,
		    width = $5, height = $6
		WHERE id = $1
	`

	result, err := r.db.Exec(ctx, query, jobID, contentHash, originalKey, thumbnailKey, width, height)
	if err != nil {
		return fmt.Errorf("save derived keys for job %s: %w", jobID, err)
	}
	if result.RowsAffected() == 0 {
		return ErrJobNotFound
	}

	return nil
}

func (r *PostgresRepo) ListUnfinished(ctx context.Context) ([]models.ProcessingJob, error) {
	query := `
		SELECT id, student_id, batch_id, state, attempts, last_error,
		       COALESCE(content_hash, ''), COALESCE(original_key, ''), COALESCE(thumbnail_key, ''),
		       COALESCE(width, 0), COALESCE(height, 0),
		       created_at, last_attempt_at, completed_at
		FROM processing_jobs
		WHERE state IN ('processing', 'uploading', 'publishing', 'reconciling')
		ORDER BY created_at
	`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list unfinished jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.ProcessingJob
	for rows.Next() {
		var job models.ProcessingJob
		err := rows.Scan(
			&job.ID,
			&job.StudentID,
			&job.BatchID,
			&job.State,
			&job.Attempts,
			&job.LastError,
			&job.ContentHash,
			&job.OriginalKey,
			&job.ThumbnailKey,
			&job.Width,
			&job.Height,
			&job.CreatedAt,
			&job.LastAttemptAt,
			&job.CompletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan unfinished job: %w", err)
		}
		jobs = append(jobs, job)
	}

	return jobs, rows.Err()
}

func (r *PostgresRepo) MarkPublished(ctx context.Context, jobID, eventType string) error {
	query := `
		INSERT INTO published_events (job_id, event_type, published_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (job_id) DO NOTHING
	`

	if _, err := r.db.Exec(ctx, query, jobID, eventType); err != nil {
		return fmt.Errorf("mark published %s: %w", jobID, err)
	}

	return nil
}

func (r *PostgresRepo) WasPublished(ctx context.Context, jobID string) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM published_events WHERE job_id = $1)`

	var published bool
	if err := r.db.QueryRow(ctx, query, jobID).Scan(&published); err != nil {
		return false, fmt.Errorf("check published %s: %w", jobID, err)
	}

	return published, nil
}
