package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-adp-enrollment/internal/models"
	appErrors "github.com/noah-isme/sma-adp-enrollment/pkg/errors"
)

func newQueuedJob(id, key string, seq int64) *models.EnrollmentJob {
	return &models.EnrollmentJob{
		ID:             id,
		IdempotencyKey: key,
		Action:         models.ActionEnroll,
		RequesterID:    "stu-1",
		CourseID:       "cs101",
		State:          models.JobStateQueued,
		Sequence:       seq,
		SubmittedAt:    time.Date(2026, 9, 1, 8, 0, 0, 0, time.UTC),
	}
}

func newRedisJobStore(t *testing.T) (*JobStatusRedisRepository, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewJobStatusRedisRepository(client, time.Minute, nil), srv
}

func TestJobStatusRedisCreateIsIdempotent(t *testing.T) {
	store, _ := newRedisJobStore(t)
	ctx := context.Background()

	job, created, err := store.Create(ctx, newQueuedJob("job-1", "stu-1:cs101:ENROLL:0", 1))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "job-1", job.ID)

	again, created, err := store.Create(ctx, newQueuedJob("job-2", "stu-1:cs101:ENROLL:0", 2))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "job-1", again.ID)

	_, err = store.Get(ctx, "job-2")
	assert.ErrorIs(t, err, appErrors.ErrJobNotFound)
}

func TestJobStatusRedisFailedReleasesKey(t *testing.T) {
	store, srv := newRedisJobStore(t)
	ctx := context.Background()
	key := "stu-1:cs101:ENROLL:0"

	job, _, err := store.Create(ctx, newQueuedJob("job-1", key, 1))
	require.NoError(t, err)
	job.Fail(models.JobError{Code: "SCHEDULE_CONFLICT", Reason: "schedule conflict"}, time.Now())
	require.NoError(t, store.Update(ctx, job))

	assert.False(t, srv.Exists("enrollment:idem:"+key))
	assert.Equal(t, time.Minute, srv.TTL("enrollment:job:job-1"))

	next, created, err := store.Create(ctx, newQueuedJob("job-2", key, 2))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "job-2", next.ID)
}

func TestJobStatusRedisSucceededExpires(t *testing.T) {
	store, srv := newRedisJobStore(t)
	ctx := context.Background()
	key := "stu-1:cs101:ENROLL:0"

	job, _, err := store.Create(ctx, newQueuedJob("job-1", key, 1))
	require.NoError(t, err)
	job.Start(time.Now(), 0)
	require.NoError(t, store.Update(ctx, job))
	job.Succeed(&models.Enrollment{ID: "enr-1", Status: models.EnrollmentStatusConfirmed}, time.Now())
	require.NoError(t, store.Update(ctx, job))

	got, err := store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStateSucceeded, got.State)
	require.NotNil(t, got.Result)
	assert.Equal(t, "enr-1", got.Result.ID)

	srv.FastForward(2 * time.Minute)

	_, err = store.Get(ctx, "job-1")
	assert.ErrorIs(t, err, appErrors.ErrJobNotFound)
	_, created, err := store.Create(ctx, newQueuedJob("job-3", key, 3))
	require.NoError(t, err)
	assert.True(t, created)
}

func TestJobStatusRedisListQueuedOrdersBySequence(t *testing.T) {
	store, _ := newRedisJobStore(t)
	ctx := context.Background()

	for _, job := range []*models.EnrollmentJob{
		newQueuedJob("job-c", "k3", 30),
		newQueuedJob("job-a", "k1", 10),
		newQueuedJob("job-b", "k2", 20),
	} {
		_, _, err := store.Create(ctx, job)
		require.NoError(t, err)
	}

	started, err := store.Get(ctx, "job-b")
	require.NoError(t, err)
	started.Start(time.Now(), 0)
	require.NoError(t, store.Update(ctx, started))

	queued, err := store.ListQueued(ctx, 10)
	require.NoError(t, err)
	require.Len(t, queued, 2)
	assert.Equal(t, "job-a", queued[0].ID)
	assert.Equal(t, "job-c", queued[1].ID)
}

func TestJobStatusRedisRequeueRestoresQueuedIndex(t *testing.T) {
	store, _ := newRedisJobStore(t)
	ctx := context.Background()

	job, _, err := store.Create(ctx, newQueuedJob("job-1", "k1", 7))
	require.NoError(t, err)
	job.Start(time.Now(), 0)
	require.NoError(t, store.Update(ctx, job))

	queued, err := store.ListQueued(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, queued)

	job.Requeue()
	require.NoError(t, store.Update(ctx, job))

	got, err := store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStateQueued, got.State)

	queued, err = store.ListQueued(ctx, 10)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, "job-1", queued[0].ID)
	assert.Equal(t, int64(7), queued[0].Sequence)
}

func TestJobStatusRedisNextSequence(t *testing.T) {
	store, _ := newRedisJobStore(t)
	first, err := store.NextSequence(context.Background())
	require.NoError(t, err)
	second, err := store.NextSequence(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first+1, second)
}

func TestJobStatusRedisClassifiesOutage(t *testing.T) {
	client, mock := redismock.NewClientMock()
	store := NewJobStatusRedisRepository(client, time.Minute, nil)

	mock.ExpectGet("enrollment:job:job-1").SetErr(errors.New("connection refused"))
	_, err := store.Get(context.Background(), "job-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, appErrors.ErrStorageUnavailable)
	assert.True(t, appErrors.IsRetryable(err))

	mock.ExpectIncr("enrollment:seq").SetErr(errors.New("connection refused"))
	_, err = store.NextSequence(context.Background())
	assert.ErrorIs(t, err, appErrors.ErrStorageUnavailable)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestJobStatusMemoryCreateIsIdempotent(t *testing.T) {
	store := NewJobStatusMemoryRepository(time.Minute)
	ctx := context.Background()

	_, created, err := store.Create(ctx, newQueuedJob("job-1", "k", 1))
	require.NoError(t, err)
	assert.True(t, created)

	existing, created, err := store.Create(ctx, newQueuedJob("job-2", "k", 2))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "job-1", existing.ID)
}

func TestJobStatusMemoryRetention(t *testing.T) {
	store := NewJobStatusMemoryRepository(30 * time.Millisecond)
	ctx := context.Background()

	job, _, err := store.Create(ctx, newQueuedJob("job-1", "k", 1))
	require.NoError(t, err)
	job.Fail(models.JobError{Code: "INELIGIBLE"}, time.Now())
	require.NoError(t, store.Update(ctx, job))

	_, created, err := store.Create(ctx, newQueuedJob("job-2", "k", 2))
	require.NoError(t, err)
	assert.True(t, created, "failed job must release its idempotency key")

	got, err := store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStateFailed, got.State)

	assert.Eventually(t, func() bool {
		_, err := store.Get(ctx, "job-1")
		return errors.Is(err, appErrors.ErrJobNotFound)
	}, time.Second, 10*time.Millisecond)

	_, err = store.Get(ctx, "job-2")
	assert.NoError(t, err)
}

func TestJobStatusMemoryRequeueIsListed(t *testing.T) {
	store := NewJobStatusMemoryRepository(time.Minute)
	ctx := context.Background()

	job, _, err := store.Create(ctx, newQueuedJob("job-1", "k1", 1))
	require.NoError(t, err)
	job.Start(time.Now(), 0)
	require.NoError(t, store.Update(ctx, job))
	job.Requeue()
	require.NoError(t, store.Update(ctx, job))

	queued, err := store.ListQueued(ctx, 10)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, "job-1", queued[0].ID)
}

func TestJobStatusMemoryListQueued(t *testing.T) {
	store := NewJobStatusMemoryRepository(time.Minute)
	ctx := context.Background()
	for _, job := range []*models.EnrollmentJob{newQueuedJob("b", "k2", 2), newQueuedJob("a", "k1", 1), newQueuedJob("c", "k3", 3)} {
		_, _, err := store.Create(ctx, job)
		require.NoError(t, err)
	}

	queued, err := store.ListQueued(ctx, 2)
	require.NoError(t, err)
	require.Len(t, queued, 2)
	assert.Equal(t, "a", queued[0].ID)
	assert.Equal(t, "b", queued[1].ID)
}
