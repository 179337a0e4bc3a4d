package coordinator

import (
	"context"
	"errors"
	"sync"
	"time"

	"enrollmentPipeline/converter"
	"enrollmentPipeline/models"
	"enrollmentPipeline/repository"
)

type fakeRepo struct {
	mu          sync.Mutex
	students    map[string]*models.StudentRecord
	jobs        map[string]*models.ProcessingJob
	published   map[string]string
	failUpsert  bool
	failCreate  bool
	assetWrites int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		students:  make(map[string]*models.StudentRecord),
		jobs:      make(map[string]*models.ProcessingJob),
		published: make(map[string]string),
	}
}

var errStoreDown = errors.New("record store down")

func (r *fakeRepo) UpsertStudent(ctx context.Context, student *models.StudentRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failUpsert {
		return errStoreDown
	}
	if existing, ok := r.students[student.ID]; ok {
		existing.FirstName = student.FirstName
		existing.LastName = student.LastName
		existing.Email = student.Email
		return nil
	}
	clone := *student
	r.students[student.ID] = &clone
	return nil
}

func (r *fakeRepo) GetStudent(ctx context.Context, studentID string) (*models.StudentRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	student, ok := r.students[studentID]
	if !ok {
		return nil, repository.ErrStudentNotFound
	}
	clone := *student
	if student.Asset != nil {
		asset := *student.Asset
		clone.Asset = &asset
	}
	return &clone, nil
}

func (r *fakeRepo) UpdateAsset(ctx context.Context, studentID string, asset models.ImageAsset) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	student, ok := r.students[studentID]
	if !ok {
		return false, repository.ErrStudentNotFound
	}
	if student.Asset != nil && !student.Asset.CreatedAt.Before(asset.CreatedAt) {
		return false, nil
	}
	student.Asset = &asset
	r.assetWrites++
	return true, nil
}

func (r *fakeRepo) CreateJob(ctx context.Context, job *models.ProcessingJob) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failCreate {
		return false, errStoreDown
	}
	if _, ok := r.jobs[job.ID]; ok {
		return false, nil
	}
	clone := *job
	r.jobs[job.ID] = &clone
	return true, nil
}

func (r *fakeRepo) GetJob(ctx context.Context, jobID string) (*models.ProcessingJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobID]
	if !ok {
		return nil, repository.ErrJobNotFound
	}
	clone := *job
	return &clone, nil
}

func (r *fakeRepo) UpdateJobState(ctx context.Context, jobID string, state models.JobState, attempts int, lastError string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobID]
	if !ok {
		return repository.ErrJobNotFound
	}
	job.State = state
	job.Attempts = attempts
	job.LastError = lastError
	now := time.Now().UTC()
	job.LastAttemptAt = &now
	if state.Terminal() {
		job.CompletedAt = &now
	}
	return nil
}

func (r *fakeRepo) SaveDerived(ctx context.Context, jobID, contentHash, originalKey, thumbnailKey string, width, height int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[jobID]
	if !ok {
		return repository.ErrJobNotFound
	}
	job.ContentHash = contentHash
	job.OriginalKey = originalKey
	job.ThumbnailKey = thumbnailKey
	job.Width = width
	job.Height = height
	return nil
}

func (r *fakeRepo) ListUnfinished(ctx context.Context) ([]models.ProcessingJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var jobs []models.ProcessingJob
	for _, job := range r.jobs {
		switch job.State {
		case models.StateProcessing, models.StateUploading, models.StatePublishing, models.StateReconciling:
			jobs = append(jobs, *job)
		}
	}
	return jobs, nil
}

func (r *fakeRepo) MarkPublished(ctx context.Context, jobID, eventType string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.published[jobID] = eventType
	return nil
}

func (r *fakeRepo) WasPublished(ctx context.Context, jobID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.published[jobID]
	return ok, nil
}

func (r *fakeRepo) job(jobID string) *models.ProcessingJob {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.jobs[jobID]
}

func (r *fakeRepo) student(studentID string) *models.StudentRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.students[studentID]
}

type fakeStorage struct {
	mu       sync.Mutex
	objects  map[string][]byte
	putCalls int
	failPut  bool
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{objects: make(map[string][]byte)}
}

var errStorageDown = errors.New("object storage unavailable: put: after 4 attempts: 503")

func (s *fakeStorage) Put(ctx context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[key]; ok {
		return nil // content-addressed: re-put of existing key is a no-op
	}
	s.putCalls++
	if s.failPut {
		return errStorageDown
	}
	s.objects[key] = data
	return nil
}

func (s *fakeStorage) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[key]
	return ok, nil
}

type fakeCache struct {
	mu          sync.Mutex
	entries     map[string]models.CacheEntry
	invalidates []string
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: make(map[string]models.CacheEntry)}
}

func (c *fakeCache) Set(ctx context.Context, studentID string, entry models.CacheEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[studentID] = entry
}

func (c *fakeCache) Invalidate(ctx context.Context, studentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, studentID)
	c.invalidates = append(c.invalidates, studentID)
}

func (c *fakeCache) entry(studentID string) (models.CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[studentID]
	return entry, ok
}

type fakePublisher struct {
	mu          sync.Mutex
	events      []models.StudentEvent
	failPublish bool
}

var errBusDown = errors.New("broker not available")

func (p *fakePublisher) Publish(ctx context.Context, event *models.StudentEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failPublish {
		return errBusDown
	}
	p.events = append(p.events, *event)
	return nil
}

func (p *fakePublisher) Close() error { return nil }

func (p *fakePublisher) byType(eventType string) []models.StudentEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []models.StudentEvent
	for _, e := range p.events {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

// countingProcessor wraps a Processor to count invocations, optionally
// holding each call open to force overlap between concurrent submissions.
type countingProcessor struct {
	inner Processor
	mu    sync.Mutex
	calls int
	delay time.Duration
}

func (p *countingProcessor) Thumbnail(src []byte) (*converter.Result, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	return p.inner.Thumbnail(src)
}

func (p *countingProcessor) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}
