package cache

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"enrollmentPipeline/models"
)

type fakeClient struct {
	values   map[string]string
	failSet  bool
	failGet  bool
	setCalls int
	delCalls int
}

func newFakeClient() *fakeClient {
	return &fakeClient{values: make(map[string]string)}
}

var errDown = errors.New("connection refused")

func (f *fakeClient) Get(ctx context.Context, key string) (string, error) {
	if f.failGet {
		return "", errDown
	}
	v, ok := f.values[key]
	if !ok {
		return "", ErrMiss
	}
	return v, nil
}

func (f *fakeClient) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	f.setCalls++
	if f.failSet {
		return errDown
	}
	f.values[key] = string(value.([]byte))
	return nil
}

func (f *fakeClient) Del(ctx context.Context, keys ...string) error {
	f.delCalls++
	for _, key := range keys {
		delete(f.values, key)
	}
	return nil
}

func (f *fakeClient) Close() error { return nil }

func TestPhotoCache_SetGetRoundTrip(t *testing.T) {
	client := newFakeClient()
	pc := NewPhotoCache(client, time.Minute, zaptest.NewLogger(t))
	ctx := context.Background()

	entry := models.CacheEntry{ThumbnailKey: "thumbnails/abc.jpg", ContentHash: "abc"}
	pc.Set(ctx, "s1", entry)

	got, ok := pc.Get(ctx, "s1")
	if !ok {
		t.Fatal("Expected cache hit")
	}
	if got.ThumbnailKey != entry.ThumbnailKey || got.ContentHash != entry.ContentHash {
		t.Errorf("Entry mismatch: %+v", got)
	}
}

func TestPhotoCache_MissIsNotAnError(t *testing.T) {
	pc := NewPhotoCache(newFakeClient(), time.Minute, zaptest.NewLogger(t))

	entry, ok := pc.Get(context.Background(), "unknown")
	if ok || entry != nil {
		t.Errorf("Expected clean miss, got %+v", entry)
	}
}

func TestPhotoCache_SetFailureSwallowed(t *testing.T) {
	client := newFakeClient()
	client.failSet = true
	pc := NewPhotoCache(client, time.Minute, zaptest.NewLogger(t))

	// Must not panic or surface the failure to the caller.
	pc.Set(context.Background(), "s1", models.CacheEntry{ThumbnailKey: "k", ContentHash: "h"})

	if client.setCalls != 1 {
		t.Errorf("Expected one set attempt, got %d", client.setCalls)
	}
}

func TestPhotoCache_GetFailureIsMiss(t *testing.T) {
	client := newFakeClient()
	client.failGet = true
	pc := NewPhotoCache(client, time.Minute, zaptest.NewLogger(t))

	_, ok := pc.Get(context.Background(), "s1")
	if ok {
		t.Error("Expected miss when the cache store is down")
	}
}

func TestPhotoCache_CorruptEntryDropped(t *testing.T) {
	client := newFakeClient()
	client.values["student:photo:s1"] = "{not json"
	pc := NewPhotoCache(client, time.Minute, zaptest.NewLogger(t))

	_, ok := pc.Get(context.Background(), "s1")
	if ok {
		t.Error("Expected corrupt entry to read as a miss")
	}
	if client.delCalls != 1 {
		t.Errorf("Expected corrupt entry to be invalidated, got %d deletes", client.delCalls)
	}
}

func TestPhotoCache_Invalidate(t *testing.T) {
	client := newFakeClient()
	pc := NewPhotoCache(client, time.Minute, zaptest.NewLogger(t))
	ctx := context.Background()

	pc.Set(ctx, "s1", models.CacheEntry{ThumbnailKey: "k", ContentHash: "h"})
	pc.Invalidate(ctx, "s1")

	if _, ok := pc.Get(ctx, "s1"); ok {
		t.Error("Expected miss after invalidate")
	}
}

func TestPhotoCache_EntryEncoding(t *testing.T) {
	client := newFakeClient()
	pc := NewPhotoCache(client, time.Minute, zaptest.NewLogger(t))

	pc.Set(context.Background(), "s1", models.CacheEntry{ThumbnailKey: "thumbnails/x.jpg", ContentHash: "x"})

	raw, ok := client.values["student:photo:s1"]
	if !ok {
		t.Fatal("Expected entry under student:photo: prefix")
	}
	var decoded models.CacheEntry
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		t.Fatalf("Entry is not valid JSON: %v", err)
	}
}
