package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-adp-enrollment/internal/models"
	appErrors "github.com/noah-isme/sma-adp-enrollment/pkg/errors"
	"github.com/noah-isme/sma-adp-enrollment/pkg/jobs"
	"github.com/noah-isme/sma-adp-enrollment/pkg/logger"
	"github.com/noah-isme/sma-adp-enrollment/pkg/middleware/requestid"
)

// systemRequester owns jobs the engine schedules for itself.
const systemRequester = "system"

type enrollmentJobStore interface {
	NextSequence(ctx context.Context) (int64, error)
	Create(ctx context.Context, job *models.EnrollmentJob) (*models.EnrollmentJob, bool, error)
	Get(ctx context.Context, id string) (*models.EnrollmentJob, error)
	Update(ctx context.Context, job *models.EnrollmentJob) error
	ListQueued(ctx context.Context, limit int) ([]models.EnrollmentJob, error)
}

type laneDispatcher interface {
	Enqueue(job jobs.Job) error
	Cancel(lane, jobID string) bool
	Position(lane, jobID string) int
}

type admissionRunner interface {
	Decide(ctx context.Context, req AdmissionRequest) (*models.Enrollment, error)
	Drop(ctx context.Context, req DropRequest) (*DropResult, error)
	ChangeCapacity(ctx context.Context, courseID string, capacity int) (*CapacityResult, error)
	PromoteWaiting(ctx context.Context, courseID string) ([]models.Enrollment, error)
}

type jobObserver interface {
	ObserveJob(action models.EnrollmentAction, state models.JobState, wait, run time.Duration)
}

// EnrollmentWorkerConfig tunes the worker.
type EnrollmentWorkerConfig struct {
	QueueTimeout time.Duration
	Now          func() time.Time
}

// outcome is a decision that has been committed but not yet recorded in the
// job store. It survives store retries so a decision is never taken twice.
type outcome struct {
	enrollment *models.Enrollment
	course     *models.Course
	promoted   []models.Enrollment
}

// EnrollmentWorker bridges course lane jobs to the admission controller.
type EnrollmentWorker struct {
	store        enrollmentJobStore
	admission    admissionRunner
	observer     jobObserver
	logger       *zap.Logger
	queueTimeout time.Duration
	now          func() time.Time

	mu         sync.Mutex
	dispatcher laneDispatcher
	settled    map[string]outcome
}

// NewEnrollmentWorker constructs a worker. Bind must be called before the
// queue starts so follow-up promotions can be scheduled.
func NewEnrollmentWorker(store enrollmentJobStore, admission admissionRunner, observer jobObserver, logger *zap.Logger, cfg EnrollmentWorkerConfig) *EnrollmentWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &EnrollmentWorker{
		store:        store,
		admission:    admission,
		observer:     observer,
		logger:       logger,
		queueTimeout: cfg.QueueTimeout,
		now:          cfg.Now,
		settled:      make(map[string]outcome),
	}
}

// Bind attaches the queue that runs this worker.
func (w *EnrollmentWorker) Bind(dispatcher laneDispatcher) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.dispatcher = dispatcher
}

// Handle processes one queue job. Errors are classified by the queue: transient
// ones are retried in place, everything else reaches OnFailure.
func (w *EnrollmentWorker) Handle(ctx context.Context, job jobs.Job) error {
	record, err := w.store.Get(ctx, job.ID)
	if err != nil {
		if errors.Is(err, appErrors.ErrJobNotFound) {
			w.logger.Sugar().Warnw("dropping job without status record", "job_id", job.ID)
			return nil
		}
		return err
	}
	if record.State.Terminal() {
		return nil
	}

	now := w.now()
	if record.State == models.JobStateQueued && w.queueTimeout > 0 && now.Sub(record.SubmittedAt) > w.queueTimeout {
		w.finish(ctx, record, appErrors.ErrQueueTimeout)
		return nil
	}

	log := logger.ForJob(w.logger, record.ID, job.Lane, record.RequestID, job.Attempt)
	record.Start(now, job.Attempt)
	if err := w.store.Update(ctx, record); err != nil {
		return err
	}
	log.Debug("lane job started", zap.String("action", string(record.Action)))

	result, ok := w.settledOutcome(record.ID)
	if !ok {
		result, err = w.run(ctx, record)
		if err != nil {
			return err
		}
		w.settle(record.ID, result)
	}

	record.Succeed(result.enrollment, w.now())
	record.Course = result.course
	record.Promoted = result.promoted
	if err := w.store.Update(ctx, record); err != nil {
		return err
	}
	w.forget(record.ID)
	w.observe(record)
	log.Debug("lane job succeeded", zap.Int("promoted", len(record.Promoted)))
	return nil
}

// OnFailure records the terminal failure of a job. Jobs interrupted by
// shutdown go back to QUEUED so the next start replays them.
func (w *EnrollmentWorker) OnFailure(ctx context.Context, job jobs.Job, cause error) {
	w.forget(job.ID)
	record, err := w.store.Get(ctx, job.ID)
	if err != nil {
		w.logger.Sugar().Warnw("failed to load job for failure", "job_id", job.ID, "error", err)
		return
	}
	if record.State.Terminal() {
		return
	}

	if errors.Is(cause, context.Canceled) {
		log := logger.ForJob(w.logger, record.ID, job.Lane, record.RequestID, job.Attempt)
		record.Requeue()
		if err := w.store.Update(ctx, record); err != nil {
			log.Warn("failed to requeue interrupted job", zap.Error(err))
			return
		}
		log.Info("interrupted job left queued for recovery")
		return
	}
	w.finish(ctx, record, cause)
}

func (w *EnrollmentWorker) run(ctx context.Context, record *models.EnrollmentJob) (outcome, error) {
	switch record.Action {
	case models.ActionEnroll:
		enrollment, err := w.admission.Decide(ctx, AdmissionRequest{
			RequesterID: record.RequesterID,
			CourseID:    record.CourseID,
			SubmittedAt: record.SubmittedAt,
			Sequence:    record.Sequence,
		})
		if err != nil {
			return outcome{}, err
		}
		return outcome{enrollment: enrollment}, nil

	case models.ActionDrop:
		res, err := w.admission.Drop(ctx, DropRequest{
			RequesterID:  record.RequesterID,
			CourseID:     record.CourseID,
			EnrollmentID: record.EnrollmentID,
		})
		if err != nil {
			return outcome{}, err
		}
		if res.PromotionPending {
			w.schedulePromotion(ctx, record.CourseID, record.RequestID)
		}
		return outcome{enrollment: res.Enrollment, promoted: res.Promoted}, nil

	case models.ActionCapacity:
		res, err := w.admission.ChangeCapacity(ctx, record.CourseID, record.Capacity)
		if err != nil {
			return outcome{}, err
		}
		if res.PromotionPending {
			w.schedulePromotion(ctx, record.CourseID, record.RequestID)
		}
		return outcome{course: res.Course, promoted: res.Promoted}, nil

	case models.ActionPromote:
		promoted, err := w.admission.PromoteWaiting(ctx, record.CourseID)
		if err != nil {
			return outcome{}, err
		}
		return outcome{promoted: promoted}, nil
	}
	return outcome{}, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unsupported action %q", record.Action))
}

// schedulePromotion queues a PROMOTE job behind the current one on the same lane.
func (w *EnrollmentWorker) schedulePromotion(ctx context.Context, courseID, requestID string) {
	w.mu.Lock()
	dispatcher := w.dispatcher
	w.mu.Unlock()
	if dispatcher == nil {
		w.logger.Sugar().Warnw("no dispatcher bound, promotion left pending", "course_id", courseID)
		return
	}

	job := &models.EnrollmentJob{
		ID:             uuid.NewString(),
		IdempotencyKey: models.IdempotencyKey(systemRequester, courseID, models.ActionPromote, uuid.NewString()),
		Action:         models.ActionPromote,
		RequesterID:    systemRequester,
		CourseID:       courseID,
		RequestID:      requestID,
	}
	if _, err := submitJob(ctx, w.store, dispatcher, job, w.now()); err != nil {
		w.logger.Sugar().Warnw("failed to schedule promotion", "course_id", courseID, "error", err)
	}
}

func (w *EnrollmentWorker) finish(ctx context.Context, record *models.EnrollmentJob, cause error) {
	record.Fail(jobErrorFrom(cause), w.now())
	if err := w.store.Update(ctx, record); err != nil {
		w.logger.Sugar().Warnw("failed to mark job failed", "job_id", record.ID, "error", err)
		return
	}
	w.observe(record)
}

func (w *EnrollmentWorker) observe(record *models.EnrollmentJob) {
	if w.observer == nil || record.FinishedAt == nil {
		return
	}
	var wait, run time.Duration
	if record.StartedAt != nil {
		wait = record.StartedAt.Sub(record.SubmittedAt)
		run = record.FinishedAt.Sub(*record.StartedAt)
	} else {
		wait = record.FinishedAt.Sub(record.SubmittedAt)
	}
	w.observer.ObserveJob(record.Action, record.State, wait, run)
}

func (w *EnrollmentWorker) settledOutcome(id string) (outcome, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	result, ok := w.settled[id]
	return result, ok
}

func (w *EnrollmentWorker) settle(id string, result outcome) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.settled[id] = result
}

func (w *EnrollmentWorker) forget(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.settled, id)
}

// jobErrorFrom turns a handler error into the machine readable job failure.
func jobErrorFrom(err error) models.JobError {
	appErr := appErrors.FromError(err)
	return models.JobError{
		Code:      appErr.Code,
		Reason:    appErr.Message,
		Retryable: appErrors.IsRetryable(err),
	}
}

// submitJob stores a new QUEUED job and hands it to its course lane. When the
// idempotency key is already bound the existing job is returned untouched.
func submitJob(ctx context.Context, store enrollmentJobStore, dispatcher laneDispatcher, job *models.EnrollmentJob, now time.Time) (*models.EnrollmentJob, error) {
	seq, err := store.NextSequence(ctx)
	if err != nil {
		return nil, err
	}
	job.State = models.JobStateQueued
	job.Sequence = seq
	job.SubmittedAt = now
	if job.RequestID == "" {
		job.RequestID = requestid.FromContext(ctx)
	}

	stored, created, err := store.Create(ctx, job)
	if err != nil {
		return nil, err
	}
	if !created {
		return stored, nil
	}

	if err := dispatcher.Enqueue(laneJob(job)); err != nil {
		job.Fail(models.JobError{Code: appErrors.ErrStorageUnavailable.Code, Reason: "failed to enqueue job", Retryable: true}, now)
		if updateErr := store.Update(ctx, job); updateErr != nil {
			return nil, fmt.Errorf("enqueue job %s: %v (mark failed: %w)", job.ID, err, updateErr)
		}
		return nil, appErrors.WrapAs(err, appErrors.ErrStorageUnavailable, "failed to enqueue job")
	}
	return job, nil
}
