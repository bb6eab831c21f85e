package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-adp-enrollment/internal/models"
	"github.com/noah-isme/sma-adp-enrollment/internal/repository"
	appErrors "github.com/noah-isme/sma-adp-enrollment/pkg/errors"
	"github.com/noah-isme/sma-adp-enrollment/pkg/jobs"
)

type stubAdmission struct {
	mu        sync.Mutex
	decisions int
	dropRes   *DropResult
	err       error
}

func (s *stubAdmission) Decide(_ context.Context, req AdmissionRequest) (*models.Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisions++
	if s.err != nil {
		return nil, s.err
	}
	return &models.Enrollment{ID: "enr-1", RequesterID: req.RequesterID, CourseID: req.CourseID, Status: models.EnrollmentStatusConfirmed}, nil
}

func (s *stubAdmission) Drop(context.Context, DropRequest) (*DropResult, error) {
	return s.dropRes, s.err
}

func (s *stubAdmission) ChangeCapacity(context.Context, string, int) (*CapacityResult, error) {
	return nil, s.err
}

func (s *stubAdmission) PromoteWaiting(context.Context, string) ([]models.Enrollment, error) {
	return nil, s.err
}

// flakyJobStore fails the next failUpdates status writes.
type flakyJobStore struct {
	*repository.JobStatusMemoryRepository
	mu          sync.Mutex
	failUpdates int
}

func (f *flakyJobStore) Update(ctx context.Context, job *models.EnrollmentJob) error {
	f.mu.Lock()
	if f.failUpdates > 0 && job.State.Terminal() {
		f.failUpdates--
		f.mu.Unlock()
		return appErrors.ErrStorageUnavailable
	}
	f.mu.Unlock()
	return f.JobStatusMemoryRepository.Update(ctx, job)
}

type stubDispatcher struct {
	mu       sync.Mutex
	enqueued []jobs.Job
	err      error
}

func (d *stubDispatcher) Enqueue(job jobs.Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.enqueued = append(d.enqueued, job)
	return nil
}

func (d *stubDispatcher) Cancel(string, string) bool { return false }

func (d *stubDispatcher) Position(string, string) int { return 0 }

func storedJob(t *testing.T, store enrollmentJobStore, action models.EnrollmentAction, submittedAt time.Time) *models.EnrollmentJob {
	t.Helper()
	job := &models.EnrollmentJob{
		ID:             "job-" + string(action),
		IdempotencyKey: models.IdempotencyKey("stu-x", "cs101", action, "0"),
		Action:         action,
		RequesterID:    "stu-x",
		CourseID:       "cs101",
		EnrollmentID:   "enr-1",
		State:          models.JobStateQueued,
		Sequence:       1,
		SubmittedAt:    submittedAt,
	}
	_, created, err := store.Create(context.Background(), job)
	require.NoError(t, err)
	require.True(t, created)
	return job
}

func TestWorkerExpiresJobsPastQueueTimeout(t *testing.T) {
	store := repository.NewJobStatusMemoryRepository(time.Minute)
	admission := &stubAdmission{}
	worker := NewEnrollmentWorker(store, admission, nil, nil, EnrollmentWorkerConfig{QueueTimeout: time.Second})

	job := storedJob(t, store, models.ActionEnroll, time.Now().UTC().Add(-time.Minute))
	require.NoError(t, worker.Handle(context.Background(), jobs.Job{ID: job.ID, Lane: job.CourseID}))

	got, err := store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateFailed, got.State)
	assert.Equal(t, appErrors.ErrQueueTimeout.Code, got.Error.Code)
	assert.Zero(t, admission.decisions)
}

func TestWorkerDoesNotDecideTwiceWhenStatusWriteFails(t *testing.T) {
	store := &flakyJobStore{JobStatusMemoryRepository: repository.NewJobStatusMemoryRepository(time.Minute), failUpdates: 1}
	admission := &stubAdmission{}
	worker := NewEnrollmentWorker(store, admission, nil, nil, EnrollmentWorkerConfig{})

	job := storedJob(t, store, models.ActionEnroll, time.Now().UTC())
	err := worker.Handle(context.Background(), jobs.Job{ID: job.ID, Lane: job.CourseID})
	require.Error(t, err)
	assert.True(t, appErrors.IsRetryable(err))

	require.NoError(t, worker.Handle(context.Background(), jobs.Job{ID: job.ID, Lane: job.CourseID, Attempt: 1}))
	assert.Equal(t, 1, admission.decisions)

	got, err := store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateSucceeded, got.State)
	assert.Equal(t, 2, got.Attempts)
	require.NotNil(t, got.Result)
	assert.Equal(t, "enr-1", got.Result.ID)
}

func TestWorkerSkipsTerminalAndUnknownJobs(t *testing.T) {
	store := repository.NewJobStatusMemoryRepository(time.Minute)
	admission := &stubAdmission{}
	worker := NewEnrollmentWorker(store, admission, nil, nil, EnrollmentWorkerConfig{})

	require.NoError(t, worker.Handle(context.Background(), jobs.Job{ID: "missing", Lane: "cs101"}))

	job := storedJob(t, store, models.ActionEnroll, time.Now().UTC())
	job.Fail(jobErrorFrom(appErrors.ErrCancelled), time.Now().UTC())
	require.NoError(t, store.Update(context.Background(), job))
	require.NoError(t, worker.Handle(context.Background(), jobs.Job{ID: job.ID, Lane: job.CourseID}))
	assert.Zero(t, admission.decisions)
}

func TestWorkerOnFailureRequeuesInterruptedJobs(t *testing.T) {
	store := repository.NewJobStatusMemoryRepository(time.Minute)
	worker := NewEnrollmentWorker(store, &stubAdmission{}, nil, nil, EnrollmentWorkerConfig{})
	ctx := context.Background()

	job := storedJob(t, store, models.ActionEnroll, time.Now().UTC())
	job.Start(time.Now().UTC(), 0)
	require.NoError(t, store.Update(ctx, job))

	worker.OnFailure(ctx, jobs.Job{ID: job.ID}, context.Canceled)
	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateQueued, got.State)
	assert.Nil(t, got.StartedAt)

	queued, err := store.ListQueued(ctx, 10)
	require.NoError(t, err)
	require.Len(t, queued, 1)

	worker.OnFailure(ctx, jobs.Job{ID: job.ID}, errors.New("boom"))
	got, err = store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateFailed, got.State)
	assert.Equal(t, appErrors.ErrInternal.Code, got.Error.Code)
	assert.False(t, got.Error.Retryable)
}

func TestWorkerSchedulesPromotionWhenDropLeavesSeatPending(t *testing.T) {
	store := repository.NewJobStatusMemoryRepository(time.Minute)
	admission := &stubAdmission{dropRes: &DropResult{
		Enrollment:       &models.Enrollment{ID: "enr-1", Status: models.EnrollmentStatusWithdrawn},
		PromotionPending: true,
	}}
	dispatcher := &stubDispatcher{}
	worker := NewEnrollmentWorker(store, admission, nil, nil, EnrollmentWorkerConfig{})
	worker.Bind(dispatcher)

	job := storedJob(t, store, models.ActionDrop, time.Now().UTC())
	require.NoError(t, worker.Handle(context.Background(), jobs.Job{ID: job.ID, Lane: job.CourseID}))

	require.Len(t, dispatcher.enqueued, 1)
	promote := dispatcher.enqueued[0]
	assert.Equal(t, string(models.ActionPromote), promote.Type)
	assert.Equal(t, "cs101", promote.Lane)

	record, err := store.Get(context.Background(), promote.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStateQueued, record.State)
	assert.Equal(t, systemRequester, record.RequesterID)
}

func TestSubmitJobMarksFailedWhenEnqueueFails(t *testing.T) {
	store := repository.NewJobStatusMemoryRepository(time.Minute)
	dispatcher := &stubDispatcher{err: jobs.ErrQueueStopped}

	job := &models.EnrollmentJob{
		ID:             "job-1",
		IdempotencyKey: models.IdempotencyKey("stu-x", "cs101", models.ActionEnroll, "0"),
		Action:         models.ActionEnroll,
		RequesterID:    "stu-x",
		CourseID:       "cs101",
	}
	_, err := submitJob(context.Background(), store, dispatcher, job, time.Now().UTC())
	require.Error(t, err)
	assert.ErrorIs(t, err, appErrors.ErrStorageUnavailable)

	got, err := store.Get(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStateFailed, got.State)
	assert.True(t, got.Error.Retryable)
}
