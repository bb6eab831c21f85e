package repository

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/noah-isme/sma-adp-enrollment/internal/models"
	appErrors "github.com/noah-isme/sma-adp-enrollment/pkg/errors"
)

// JobStatusMemoryRepository is the single-process job status store. Live jobs
// never expire; terminal ones are evicted after the retention window.
type JobStatusMemoryRepository struct {
	mu        sync.Mutex
	jobs      *ttlcache.Cache[string, models.EnrollmentJob]
	keys      *ttlcache.Cache[string, string]
	retention time.Duration
	seq       int64
}

// NewJobStatusMemoryRepository constructs the store. Call Start to run the
// expiry loop and Stop to end it.
func NewJobStatusMemoryRepository(retention time.Duration) *JobStatusMemoryRepository {
	if retention <= 0 {
		retention = 15 * time.Minute
	}
	return &JobStatusMemoryRepository{
		jobs: ttlcache.New(
			ttlcache.WithTTL[string, models.EnrollmentJob](ttlcache.NoTTL),
			ttlcache.WithDisableTouchOnHit[string, models.EnrollmentJob](),
		),
		keys: ttlcache.New(
			ttlcache.WithTTL[string, string](ttlcache.NoTTL),
			ttlcache.WithDisableTouchOnHit[string, string](),
		),
		retention: retention,
	}
}

// Start runs the eviction loops until Stop is called.
func (r *JobStatusMemoryRepository) Start() {
	go r.jobs.Start()
	go r.keys.Start()
}

// Stop ends the eviction loops.
func (r *JobStatusMemoryRepository) Stop() {
	r.jobs.Stop()
	r.keys.Stop()
}

// NextSequence hands out the monotonically increasing submission sequence.
func (r *JobStatusMemoryRepository) NextSequence(_ context.Context) (int64, error) {
	return atomic.AddInt64(&r.seq, 1), nil
}

// Create stores job unless its idempotency key already maps to a live job.
func (r *JobStatusMemoryRepository) Create(_ context.Context, job *models.EnrollmentJob) (*models.EnrollmentJob, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if item := r.keys.Get(job.IdempotencyKey); item != nil {
		if existing := r.jobs.Get(item.Value()); existing != nil {
			found := existing.Value()
			return &found, false, nil
		}
	}

	r.keys.Set(job.IdempotencyKey, job.ID, ttlcache.NoTTL)
	r.jobs.Set(job.ID, *job, ttlcache.NoTTL)
	return job, true, nil
}

// Get loads a job; expired or unknown ids yield ErrJobNotFound.
func (r *JobStatusMemoryRepository) Get(_ context.Context, id string) (*models.EnrollmentJob, error) {
	item := r.jobs.Get(id)
	if item == nil {
		return nil, appErrors.ErrJobNotFound
	}
	job := item.Value()
	return &job, nil
}

// Update overwrites the stored job, applying retention to terminal states.
func (r *JobStatusMemoryRepository) Update(_ context.Context, job *models.EnrollmentJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch job.State {
	case models.JobStateFailed:
		r.jobs.Set(job.ID, *job, r.retention)
		if item := r.keys.Get(job.IdempotencyKey); item != nil && item.Value() == job.ID {
			r.keys.Delete(job.IdempotencyKey)
		}
	case models.JobStateSucceeded:
		r.jobs.Set(job.ID, *job, r.retention)
		if item := r.keys.Get(job.IdempotencyKey); item != nil && item.Value() == job.ID {
			r.keys.Set(job.IdempotencyKey, job.ID, r.retention)
		}
	default:
		r.jobs.Set(job.ID, *job, ttlcache.NoTTL)
	}
	return nil
}

// ListQueued returns up to limit QUEUED jobs ordered by submission sequence.
func (r *JobStatusMemoryRepository) ListQueued(_ context.Context, limit int) ([]models.EnrollmentJob, error) {
	if limit <= 0 {
		limit = 100
	}
	var queued []models.EnrollmentJob
	for _, item := range r.jobs.Items() {
		if job := item.Value(); job.State == models.JobStateQueued {
			queued = append(queued, job)
		}
	}
	sort.Slice(queued, func(i, j int) bool { return queued[i].Sequence < queued[j].Sequence })
	if len(queued) > limit {
		queued = queued[:limit]
	}
	return queued, nil
}

// Ping always succeeds for the in-process store.
func (r *JobStatusMemoryRepository) Ping(context.Context) error {
	return nil
}
