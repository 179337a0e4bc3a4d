package models

import (
	"time"

	"github.com/google/uuid"
)

type JobState string

const (
	StatePending     JobState = "pending"
	StateProcessing  JobState = "processing"
	StateUploading   JobState = "uploading"
	StatePublishing  JobState = "publishing"
	StateCompleted   JobState = "completed"
	StateFailed      JobState = "failed"
	StateReconciling JobState = "reconciling"
)

// Terminal reports whether a job in this state will never move again.
func (s JobState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// jobNamespace salts deterministic job ids so they cannot collide with
// ids minted elsewhere.
var jobNamespace = uuid.MustParse("9f2c1f6e-5a8d-4b1a-9a37-3d2e8c7b4f10")

// JobID derives the deterministic id for a (batch, student) pair. Submitting
// the same batch twice yields the same id, which is what makes job creation
// idempotent at the database level.
func JobID(batchID, studentID string) string {
	return uuid.NewSHA1(jobNamespace, []byte(batchID+"/"+studentID)).String()
}

// ProcessingJob is the durable per-job state the coordinator drives through
// the state machine. Derived keys are persisted as soon as processing
// succeeds so that crash recovery never has to re-run the image processor.
type ProcessingJob struct {
	ID            string
	StudentID     string
	BatchID       string
	State         JobState
	Attempts      int
	LastError     string
	ContentHash   string
	OriginalKey   string
	ThumbnailKey  string
	Width         int
	Height        int
	CreatedAt     time.Time
	LastAttemptAt *time.Time
	CompletedAt   *time.Time
}

// BatchMessage announces an uploaded batch on the submissions topic. The
// object key points at the raw CSV in object storage.
type BatchMessage struct {
	BatchID   string `json:"batch_id"`
	TraceID   string `json:"trace_id"`
	ObjectKey string `json:"object_key"`
}

// BatchSummary is the multi-verdict result of one batch run: a batch never
// reduces to a single pass/fail.
type BatchSummary struct {
	BatchID    string
	Completed  int
	Skipped    int
	Failed     int
	RowErrors  int
	Duplicates int
}
