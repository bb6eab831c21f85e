package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-adp-enrollment/internal/models"
	appErrors "github.com/noah-isme/sma-adp-enrollment/pkg/errors"
)

// createJobScript stores a new job unless the idempotency key already points at
// a live job, in which case that job's body is returned instead.
var createJobScript = redis.NewScript(`
local existing = redis.call("GET", KEYS[1])
if existing then
	local body = redis.call("GET", ARGV[4] .. existing)
	if body then
		return body
	end
end
redis.call("SET", KEYS[1], ARGV[1])
redis.call("SET", KEYS[2], ARGV[2])
redis.call("ZADD", KEYS[3], ARGV[3], ARGV[1])
return false`)

// JobStatusRedisRepository keeps enrollment job handles in Redis so any API
// replica can answer status polls.
type JobStatusRedisRepository struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
	logger    *zap.Logger
}

// NewJobStatusRedisRepository constructs the Redis backed job status store.
func NewJobStatusRedisRepository(client *redis.Client, retention time.Duration, logger *zap.Logger) *JobStatusRedisRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	if retention <= 0 {
		retention = 15 * time.Minute
	}
	return &JobStatusRedisRepository{client: client, prefix: "enrollment:", retention: retention, logger: logger}
}

func (r *JobStatusRedisRepository) jobKey(id string) string {
	return r.prefix + "job:" + id
}

func (r *JobStatusRedisRepository) idemKey(key string) string {
	return r.prefix + "idem:" + key
}

func (r *JobStatusRedisRepository) queuedKey() string {
	return r.prefix + "jobs:queued"
}

func (r *JobStatusRedisRepository) sequenceKey() string {
	return r.prefix + "seq"
}

// NextSequence hands out the monotonically increasing submission sequence.
func (r *JobStatusRedisRepository) NextSequence(ctx context.Context) (int64, error) {
	seq, err := r.client.Incr(ctx, r.sequenceKey()).Result()
	if err != nil {
		return 0, redisUnavailable(err, "incr sequence")
	}
	return seq, nil
}

// Create persists job unless its idempotency key is already bound to a live
// job. The returned bool reports whether job was stored; when false the
// existing job is returned.
func (r *JobStatusRedisRepository) Create(ctx context.Context, job *models.EnrollmentJob) (*models.EnrollmentJob, bool, error) {
	payload, err := json.Marshal(job)
	if err != nil {
		return nil, false, fmt.Errorf("marshal job %s: %w", job.ID, err)
	}

	keys := []string{r.idemKey(job.IdempotencyKey), r.jobKey(job.ID), r.queuedKey()}
	body, err := createJobScript.Run(ctx, r.client, keys, job.ID, payload, job.Sequence, r.prefix+"job:").Text()
	if errors.Is(err, redis.Nil) {
		return job, true, nil
	}
	if err != nil {
		return nil, false, redisUnavailable(err, "create job")
	}

	var existing models.EnrollmentJob
	if err := json.Unmarshal([]byte(body), &existing); err != nil {
		return nil, false, fmt.Errorf("unmarshal job for key %s: %w", job.IdempotencyKey, err)
	}
	return &existing, false, nil
}

// Get loads a job; expired or unknown ids yield ErrJobNotFound.
func (r *JobStatusRedisRepository) Get(ctx context.Context, id string) (*models.EnrollmentJob, error) {
	raw, err := r.client.Get(ctx, r.jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, appErrors.ErrJobNotFound
	}
	if err != nil {
		return nil, redisUnavailable(err, "get job")
	}
	var job models.EnrollmentJob
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("unmarshal job %s: %w", id, err)
	}
	return &job, nil
}

// Update overwrites the job body and keeps the queued index in step with its
// state. Terminal jobs start their retention clock; FAILED jobs also release
// their idempotency key so the caller may resubmit.
func (r *JobStatusRedisRepository) Update(ctx context.Context, job *models.EnrollmentJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", job.ID, err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		switch {
		case job.State == models.JobStateFailed:
			pipe.Set(ctx, r.jobKey(job.ID), payload, r.retention)
			pipe.ZRem(ctx, r.queuedKey(), job.ID)
			pipe.Del(ctx, r.idemKey(job.IdempotencyKey))
		case job.State == models.JobStateSucceeded:
			pipe.Set(ctx, r.jobKey(job.ID), payload, r.retention)
			pipe.ZRem(ctx, r.queuedKey(), job.ID)
			pipe.Expire(ctx, r.idemKey(job.IdempotencyKey), r.retention)
		case job.State == models.JobStateQueued:
			pipe.Set(ctx, r.jobKey(job.ID), payload, 0)
			pipe.ZAdd(ctx, r.queuedKey(), redis.Z{Score: float64(job.Sequence), Member: job.ID})
		default:
			pipe.Set(ctx, r.jobKey(job.ID), payload, 0)
			pipe.ZRem(ctx, r.queuedKey(), job.ID)
		}
		return nil
	})
	if err != nil {
		return redisUnavailable(err, "update job")
	}
	return nil
}

// ListQueued returns up to limit QUEUED jobs ordered by submission sequence.
func (r *JobStatusRedisRepository) ListQueued(ctx context.Context, limit int) ([]models.EnrollmentJob, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := r.client.ZRange(ctx, r.queuedKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, redisUnavailable(err, "list queued jobs")
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.jobKey(id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, redisUnavailable(err, "load queued jobs")
	}

	result := make([]models.EnrollmentJob, 0, len(values))
	for i, value := range values {
		raw, ok := value.(string)
		if !ok {
			if err := r.client.ZRem(ctx, r.queuedKey(), ids[i]).Err(); err != nil {
				r.logger.Sugar().Warnw("failed to drop stale queued job", "job_id", ids[i], "error", err)
			}
			continue
		}
		var job models.EnrollmentJob
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			r.logger.Sugar().Warnw("skipping unreadable queued job", "job_id", ids[i], "error", err)
			continue
		}
		if job.State == models.JobStateQueued {
			result = append(result, job)
		}
	}
	return result, nil
}

// Ping checks Redis connectivity for readiness probes.
func (r *JobStatusRedisRepository) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return redisUnavailable(err, "ping")
	}
	return nil
}

func redisUnavailable(err error, op string) error {
	return appErrors.WrapAs(err, appErrors.ErrStorageUnavailable, "job store "+op)
}
