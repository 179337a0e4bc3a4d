package models

import "time"

const (
	EventPhotoProcessed = "student.photo.processed"
	EventPhotoFailed    = "student.photo.failed"
)

// StudentEvent is the lifecycle event emitted on the events topic. Delivery
// is at-least-once; JobID doubles as the consumer-side deduplication key.
type StudentEvent struct {
	EventType string    `json:"event_type"`
	StudentID string    `json:"student_id"`
	JobID     string    `json:"job_id"`
	AssetKey  string    `json:"asset_key,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
