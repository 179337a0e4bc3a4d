package models

import (
	"time"
)

// StudentRecord is the canonical record owned by the repository. Its asset
// reference is only ever moved forward to a newer ImageAsset.
type StudentRecord struct {
	ID        string
	FirstName string
	LastName  string
	Email     string
	Asset     *ImageAsset
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ImageAsset is immutable once created. Keys are content-addressed, so two
// assets built from the same source bytes share the same keys.
type ImageAsset struct {
	ContentHash  string
	OriginalKey  string
	ThumbnailKey string
	Width        int
	Height       int
	CreatedAt    time.Time
}

// CacheEntry is the derived pointer kept in Redis per student id. It is
// always reconstructible from the repository and object storage.
type CacheEntry struct {
	ThumbnailKey string `json:"thumbnail_key"`
	ContentHash  string `json:"content_hash"`
}
