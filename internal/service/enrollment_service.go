package service

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-adp-enrollment/internal/models"
	appErrors "github.com/noah-isme/sma-adp-enrollment/pkg/errors"
	"github.com/noah-isme/sma-adp-enrollment/pkg/jobs"
)

type enrollmentReader interface {
	FindByID(ctx context.Context, id string) (*models.Enrollment, error)
	CountWithdrawn(ctx context.Context, requesterID, courseID string) (int, error)
	ListByRequester(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, int, error)
	ListWaitlist(ctx context.Context, courseID string) ([]models.WaitlistEntry, error)
}

type courseReader interface {
	FindCourse(ctx context.Context, id string) (*models.Course, error)
}

// SubmitEnrollmentRequest is the payload of an ENROLL submission.
type SubmitEnrollmentRequest struct {
	RequesterID string `json:"-" validate:"required,max=64"`
	CourseID    string `json:"course_id" validate:"required,max=64"`
}

// ChangeCapacityRequest is the payload of an administrative capacity change.
type ChangeCapacityRequest struct {
	CourseID string `json:"-" validate:"required,max=64"`
	Capacity int    `json:"capacity" validate:"required,gt=0"`
}

// EnrollmentServiceConfig governs waiting, recovery and sweeping.
type EnrollmentServiceConfig struct {
	QueueTimeout  time.Duration
	DropWait      time.Duration
	PollInterval  time.Duration
	SweepSchedule string
	RecoverLimit  int
	Now           func() time.Time
}

// EnrollmentService is the entry point for enrollment submissions. Every
// mutation is handed to the course lane; reads go straight to storage.
type EnrollmentService struct {
	jobs       enrollmentJobStore
	dispatcher laneDispatcher
	reader     enrollmentReader
	courses    courseReader
	validator  *validator.Validate
	logger     *zap.Logger
	cfg        EnrollmentServiceConfig

	// submitMu keeps sequence numbers in lane order within this process.
	submitMu sync.Mutex
}

// NewEnrollmentService constructs EnrollmentService.
func NewEnrollmentService(jobStore enrollmentJobStore, dispatcher laneDispatcher, reader enrollmentReader, courses courseReader, validate *validator.Validate, logger *zap.Logger, cfg EnrollmentServiceConfig) *EnrollmentService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DropWait <= 0 {
		cfg.DropWait = 5 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 20 * time.Millisecond
	}
	if cfg.RecoverLimit <= 0 {
		cfg.RecoverLimit = 500
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &EnrollmentService{
		jobs:       jobStore,
		dispatcher: dispatcher,
		reader:     reader,
		courses:    courses,
		validator:  validate,
		logger:     logger,
		cfg:        cfg,
	}
}

// SubmitEnroll queues an ENROLL request and returns its job immediately. A
// request identical to one still in flight or recently completed returns the
// existing job.
func (s *EnrollmentService) SubmitEnroll(ctx context.Context, req SubmitEnrollmentRequest) (*models.EnrollmentJob, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid enrollment payload")
	}
	withdrawn, err := s.reader.CountWithdrawn(ctx, req.RequesterID, req.CourseID)
	if err != nil {
		return nil, storageError(err, "failed to load enrollment history")
	}

	job := &models.EnrollmentJob{
		ID:             uuid.NewString(),
		IdempotencyKey: models.IdempotencyKey(req.RequesterID, req.CourseID, models.ActionEnroll, strconv.Itoa(withdrawn)),
		Action:         models.ActionEnroll,
		RequesterID:    req.RequesterID,
		CourseID:       req.CourseID,
	}
	return s.submit(ctx, job)
}

// SubmitDrop queues a DROP of enrollmentID. Enrollments the requester does
// not own are reported as not found.
func (s *EnrollmentService) SubmitDrop(ctx context.Context, requesterID, enrollmentID string) (*models.EnrollmentJob, error) {
	if requesterID == "" || enrollmentID == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "enrollment id is required")
	}
	enrollment, err := s.reader.FindByID(ctx, enrollmentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrEnrollmentNotFound
		}
		return nil, storageError(err, "failed to load enrollment")
	}
	if enrollment.RequesterID != requesterID {
		return nil, appErrors.ErrEnrollmentNotFound
	}

	job := &models.EnrollmentJob{
		ID:             uuid.NewString(),
		IdempotencyKey: models.IdempotencyKey(requesterID, enrollment.CourseID, models.ActionDrop, enrollment.ID),
		Action:         models.ActionDrop,
		RequesterID:    requesterID,
		CourseID:       enrollment.CourseID,
		EnrollmentID:   enrollment.ID,
	}
	return s.submit(ctx, job)
}

// Drop submits a DROP and waits up to DropWait for it to finish. The returned
// job may still be QUEUED or PROCESSING when the wait ran out.
func (s *EnrollmentService) Drop(ctx context.Context, requesterID, enrollmentID string) (*models.EnrollmentJob, error) {
	job, err := s.SubmitDrop(ctx, requesterID, enrollmentID)
	if err != nil {
		return nil, err
	}
	return s.await(ctx, job)
}

// ChangeCapacity routes an administrative capacity change through the course
// lane and waits up to DropWait for the outcome.
func (s *EnrollmentService) ChangeCapacity(ctx context.Context, actorID string, req ChangeCapacityRequest) (*models.EnrollmentJob, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid capacity payload")
	}
	if _, err := s.Course(ctx, req.CourseID); err != nil {
		return nil, err
	}

	job := &models.EnrollmentJob{
		ID:             uuid.NewString(),
		IdempotencyKey: models.IdempotencyKey(actorID, req.CourseID, models.ActionCapacity, uuid.NewString()),
		Action:         models.ActionCapacity,
		RequesterID:    actorID,
		CourseID:       req.CourseID,
		Capacity:       req.Capacity,
	}
	submitted, err := s.submit(ctx, job)
	if err != nil {
		return nil, err
	}
	return s.await(ctx, submitted)
}

// Status returns a job visible to the actor. Jobs of other requesters are
// reported as not found unless the actor is an administrator.
func (s *EnrollmentService) Status(ctx context.Context, jobID, actorID string, role models.UserRole) (*models.EnrollmentJob, error) {
	job, err := s.load(ctx, jobID, actorID, role)
	if err != nil {
		return nil, err
	}
	if job.State == models.JobStateQueued {
		job.QueuePosition = s.dispatcher.Position(job.CourseID, job.ID)
	}
	return job, nil
}

// Cancel fails a job that is still waiting in its lane.
func (s *EnrollmentService) Cancel(ctx context.Context, jobID, actorID string, role models.UserRole) (*models.EnrollmentJob, error) {
	job, err := s.load(ctx, jobID, actorID, role)
	if err != nil {
		return nil, err
	}
	if job.State != models.JobStateQueued || !s.dispatcher.Cancel(job.CourseID, job.ID) {
		return nil, appErrors.ErrJobNotCancellable
	}
	job.Fail(jobErrorFrom(appErrors.ErrCancelled), s.cfg.Now())
	if err := s.jobs.Update(ctx, job); err != nil {
		return nil, storageError(err, "failed to record cancellation")
	}
	return job, nil
}

// Course returns a course with its meeting slots and seat counts.
func (s *EnrollmentService) Course(ctx context.Context, courseID string) (*models.Course, error) {
	course, err := s.courses.FindCourse(ctx, courseID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrCourseNotFound
		}
		return nil, storageError(err, "failed to load course")
	}
	return course, nil
}

// Waitlist returns a snapshot of the course waitlist in position order.
func (s *EnrollmentService) Waitlist(ctx context.Context, courseID string) ([]models.WaitlistEntry, error) {
	if _, err := s.Course(ctx, courseID); err != nil {
		return nil, err
	}
	entries, err := s.reader.ListWaitlist(ctx, courseID)
	if err != nil {
		return nil, storageError(err, "failed to load waitlist")
	}
	return entries, nil
}

// MyCourses lists the requester's enrollments with pagination metadata.
func (s *EnrollmentService) MyCourses(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, *models.Pagination, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, nil, appErrors.Clone(appErrors.ErrValidation, "unknown enrollment status")
	}
	items, total, err := s.reader.ListByRequester(ctx, filter)
	if err != nil {
		return nil, nil, storageError(err, "failed to list enrollments")
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 {
		size = 20
	}
	if size > 100 {
		size = 100
	}
	return items, &models.Pagination{Page: page, PageSize: size, TotalCount: total}, nil
}

// RecoverPendingJobs replays QUEUED jobs in submission order, e.g. after a restart.
func (s *EnrollmentService) RecoverPendingJobs(ctx context.Context) int {
	pending, err := s.jobs.ListQueued(ctx, s.cfg.RecoverLimit)
	if err != nil {
		s.logger.Sugar().Warnw("failed to recover queued enrollment jobs", "error", err)
		return 0
	}
	recovered := 0
	for _, job := range pending {
		if err := s.dispatcher.Enqueue(laneJob(&job)); err != nil {
			s.logger.Sugar().Warnw("failed to requeue pending job", "job_id", job.ID, "error", err)
			continue
		}
		recovered++
	}
	if recovered > 0 {
		s.logger.Sugar().Infow("recovered queued enrollment jobs", "count", recovered)
	}
	return recovered
}

// SweepExpired fails jobs that have waited in their lane longer than
// QueueTimeout. It returns the number of jobs failed.
func (s *EnrollmentService) SweepExpired(ctx context.Context) int {
	if s.cfg.QueueTimeout <= 0 {
		return 0
	}
	pending, err := s.jobs.ListQueued(ctx, s.cfg.RecoverLimit)
	if err != nil {
		s.logger.Sugar().Warnw("queue sweep failed", "error", err)
		return 0
	}
	now := s.cfg.Now()
	expired := 0
	for i := range pending {
		job := &pending[i]
		if now.Sub(job.SubmittedAt) <= s.cfg.QueueTimeout {
			continue
		}
		if !s.dispatcher.Cancel(job.CourseID, job.ID) {
			continue
		}
		job.Fail(jobErrorFrom(appErrors.ErrQueueTimeout), now)
		if err := s.jobs.Update(ctx, job); err != nil {
			s.logger.Sugar().Warnw("failed to expire queued job", "job_id", job.ID, "error", err)
			continue
		}
		expired++
	}
	if expired > 0 {
		s.logger.Sugar().Infow("expired queued enrollment jobs", "count", expired)
	}
	return expired
}

// StartSweeper runs SweepExpired on SweepSchedule until the returned cron is stopped.
func (s *EnrollmentService) StartSweeper() (*cron.Cron, error) {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	if s.cfg.SweepSchedule == "" || s.cfg.QueueTimeout <= 0 {
		return c, nil
	}
	_, err := c.AddFunc(s.cfg.SweepSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		s.SweepExpired(ctx)
	})
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "invalid sweep schedule")
	}
	c.Start()
	return c, nil
}

func (s *EnrollmentService) submit(ctx context.Context, job *models.EnrollmentJob) (*models.EnrollmentJob, error) {
	s.submitMu.Lock()
	stored, err := submitJob(ctx, s.jobs, s.dispatcher, job, s.cfg.Now())
	s.submitMu.Unlock()
	if err != nil {
		return nil, storageError(err, "failed to queue enrollment job")
	}
	if stored.ID != job.ID {
		s.logger.Sugar().Debugw("duplicate submission joined existing job", "job_id", stored.ID, "idempotency_key", job.IdempotencyKey)
	}
	if stored.State == models.JobStateQueued {
		stored.QueuePosition = s.dispatcher.Position(stored.CourseID, stored.ID)
	}
	return stored, nil
}

func (s *EnrollmentService) load(ctx context.Context, jobID, actorID string, role models.UserRole) (*models.EnrollmentJob, error) {
	job, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		if errors.Is(err, appErrors.ErrJobNotFound) {
			return nil, appErrors.ErrJobNotFound
		}
		return nil, storageError(err, "failed to load job")
	}
	if job.RequesterID != actorID && !role.IsAdmin() {
		return nil, appErrors.ErrJobNotFound
	}
	return job, nil
}

// await polls the job store until job is terminal, DropWait passes or ctx ends.
func (s *EnrollmentService) await(ctx context.Context, job *models.EnrollmentJob) (*models.EnrollmentJob, error) {
	if job.State.Terminal() {
		return job, nil
	}
	waitCtx, cancel := context.WithTimeout(ctx, s.cfg.DropWait)
	defer cancel()
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	latest := job
	for {
		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if latest.State == models.JobStateQueued {
				latest.QueuePosition = s.dispatcher.Position(latest.CourseID, latest.ID)
			}
			return latest, nil
		case <-ticker.C:
			current, err := s.jobs.Get(waitCtx, job.ID)
			if err != nil {
				if errors.Is(err, appErrors.ErrJobNotFound) {
					return nil, appErrors.ErrJobNotFound
				}
				continue
			}
			if current.State.Terminal() {
				return current, nil
			}
			latest = current
		}
	}
}

func laneJob(job *models.EnrollmentJob) jobs.Job {
	return jobs.Job{ID: job.ID, Type: string(job.Action), Lane: job.CourseID, Enqueued: job.SubmittedAt}
}

// storageError keeps typed errors and wraps everything else as an internal failure.
func storageError(err error, message string) error {
	var appErr *appErrors.Error
	if errors.As(err, &appErr) {
		return err
	}
	return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, message)
}
