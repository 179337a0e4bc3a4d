package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"enrollmentPipeline/models"
)

const photoKeyPrefix = "student:photo:"

// PhotoCache keeps TTL'd pointers to processed thumbnails, keyed by student
// id. It is best-effort only: correctness never depends on it, so write
// failures are logged and swallowed and a miss simply means "recompute from
// the record store".
type PhotoCache struct {
	client Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewPhotoCache(client Client, ttl time.Duration, logger *zap.Logger) *PhotoCache {
	return &PhotoCache{client: client, ttl: ttl, logger: logger}
}

// Get returns the cached entry for studentID. The second return value is
// false on a miss; a miss is never an error.
func (pc *PhotoCache) Get(ctx context.Context, studentID string) (*models.CacheEntry, bool) {
	data, err := pc.client.Get(ctx, photoKeyPrefix+studentID)
	if err != nil {
		if !errors.Is(err, ErrMiss) {
			pc.logger.Warn("Cache read failed",
				zap.String("student_id", studentID),
				zap.Error(err),
			)
		}
		return nil, false
	}

	var entry models.CacheEntry
	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		pc.logger.Warn("Cache entry corrupt, dropping",
			zap.String("student_id", studentID),
			zap.Error(err),
		)
		pc.Invalidate(ctx, studentID)
		return nil, false
	}

	return &entry, true
}

// Set stores entry under the configured TTL. Must only be called after the
// referenced keys are durably committed to object storage.
func (pc *PhotoCache) Set(ctx context.Context, studentID string, entry models.CacheEntry) {
	data, err := json.Marshal(entry)
	if err != nil {
		pc.logger.Warn("Cache entry marshal failed",
			zap.String("student_id", studentID),
			zap.Error(err),
		)
		return
	}

	if err := pc.client.Set(ctx, photoKeyPrefix+studentID, data, pc.ttl); err != nil {
		pc.logger.Warn("Cache write failed",
			zap.String("student_id", studentID),
			zap.Error(err),
		)
	}
}

// Invalidate drops the entry for studentID. Called synchronously whenever the
// record's asset reference changes; a failed delete leaves a stale entry that
// the TTL bounds.
func (pc *PhotoCache) Invalidate(ctx context.Context, studentID string) {
	if err := pc.client.Del(ctx, photoKeyPrefix+studentID); err != nil {
		pc.logger.Warn("Cache invalidate failed",
			zap.String("student_id", studentID),
			zap.Error(err),
		)
	}
}
