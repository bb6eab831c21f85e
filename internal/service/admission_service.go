package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-adp-enrollment/internal/models"
	"github.com/noah-isme/sma-adp-enrollment/internal/repository"
	appErrors "github.com/noah-isme/sma-adp-enrollment/pkg/errors"
	"github.com/noah-isme/sma-adp-enrollment/pkg/lock"
)

type admissionStore interface {
	WithinTx(ctx context.Context, fn func(repository.AdmissionTx) error) error
}

type eligibilityChecker interface {
	CheckEligibility(ctx context.Context, requesterID string, course *models.Course) error
}

type promotionNotifier interface {
	NotifyPromoted(ctx context.Context, event models.PromotionEvent)
}

type admissionObserver interface {
	ObserveDecision(action models.EnrollmentAction, outcome string)
	ObservePromotions(count int)
}

// AdmissionRequest is one ENROLL decision as dequeued from a course lane.
type AdmissionRequest struct {
	RequesterID string
	CourseID    string
	SubmittedAt time.Time
	Sequence    int64
}

// DropRequest withdraws an enrollment owned by RequesterID.
type DropRequest struct {
	RequesterID  string
	CourseID     string
	EnrollmentID string
}

// DropResult reports the withdrawn enrollment and any promotions it triggered.
// PromotionPending is set when a freed seat could not be re-offered and a
// follow-up promotion has to be scheduled.
type DropResult struct {
	Enrollment       *models.Enrollment
	Promoted         []models.Enrollment
	PromotionPending bool
}

// CapacityResult reports the course after an administrative capacity change.
type CapacityResult struct {
	Course           *models.Course
	Promoted         []models.Enrollment
	PromotionPending bool
}

// AdmissionConfig tunes the controller.
type AdmissionConfig struct {
	LockTimeout time.Duration
	Now         func() time.Time
}

// AdmissionController owns every write to confirmed counts and waitlist
// positions. Each operation holds the course lock and runs in one transaction.
type AdmissionController struct {
	store       admissionStore
	locks       lock.Locker
	eligibility eligibilityChecker
	notifier    promotionNotifier
	observer    admissionObserver
	logger      *zap.Logger
	lockTimeout time.Duration
	now         func() time.Time
}

// NewAdmissionController wires the controller. eligibility, notifier and
// observer are optional.
func NewAdmissionController(store admissionStore, locks lock.Locker, eligibility eligibilityChecker, notifier promotionNotifier, observer admissionObserver, logger *zap.Logger, cfg AdmissionConfig) *AdmissionController {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 5 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &AdmissionController{
		store:       store,
		locks:       locks,
		eligibility: eligibility,
		notifier:    notifier,
		observer:    observer,
		logger:      logger,
		lockTimeout: cfg.LockTimeout,
		now:         cfg.Now,
	}
}

func courseLockKey(courseID string) string {
	return "course:" + courseID
}

func requesterLockKey(requesterID string) string {
	return "requester:" + requesterID
}

// Decide admits req as CONFIRMED when a seat is free and WAITLISTED otherwise.
// Rejections are returned as validation errors and leave no state behind.
func (c *AdmissionController) Decide(ctx context.Context, req AdmissionRequest) (*models.Enrollment, error) {
	release, err := c.acquire(ctx, courseLockKey(req.CourseID), requesterLockKey(req.RequesterID))
	if err != nil {
		return nil, err
	}
	defer release()

	var decided *models.Enrollment
	err = c.store.WithinTx(ctx, func(tx repository.AdmissionTx) error {
		course, err := c.lockCourse(ctx, tx, req.CourseID)
		if err != nil {
			return err
		}
		if !course.CapacitySane() {
			return appErrors.Clone(appErrors.ErrCapacityMisconfigured, fmt.Sprintf("course %s has capacity %d with %d confirmed", course.ID, course.Capacity, course.ConfirmedCount))
		}

		active, err := tx.FindActiveEnrollment(ctx, req.RequesterID, req.CourseID)
		if err != nil {
			return err
		}
		if active != nil {
			return appErrors.ErrAlreadyEnrolled
		}

		held, err := tx.ListRequesterSlots(ctx, req.RequesterID, course.TermID, course.ID)
		if err != nil {
			return err
		}
		if conflicts := FindSlotConflicts(course.Slots, held); len(conflicts) > 0 {
			c.logger.Sugar().Debugw("schedule conflict", "requester_id", req.RequesterID, "course_id", course.ID, "candidate", conflicts[0].Candidate.String(), "existing", conflicts[0].Existing.String())
			return appErrors.ErrScheduleConflict
		}

		if c.eligibility != nil {
			if err := c.eligibility.CheckEligibility(ctx, req.RequesterID, course); err != nil {
				return err
			}
		}

		now := c.now()
		enrollment := &models.Enrollment{
			ID:          uuid.NewString(),
			RequesterID: req.RequesterID,
			CourseID:    course.ID,
			TermID:      course.TermID,
			SubmittedAt: req.SubmittedAt,
			Sequence:    req.Sequence,
			CreatedAt:   now,
			UpdatedAt:   now,
		}

		if course.HasFreeSeat() {
			enrollment.Status = models.EnrollmentStatusConfirmed
			if err := tx.CreateEnrollment(ctx, enrollment); err != nil {
				return err
			}
			if err := tx.SetConfirmedCount(ctx, course.ID, course.ConfirmedCount+1); err != nil {
				return err
			}
		} else {
			last, err := tx.MaxWaitlistPosition(ctx, course.ID)
			if err != nil {
				return err
			}
			enrollment.Status = models.EnrollmentStatusWaitlisted
			if err := tx.CreateEnrollment(ctx, enrollment); err != nil {
				return err
			}
			entry := &models.WaitlistEntry{
				CourseID:     course.ID,
				EnrollmentID: enrollment.ID,
				RequesterID:  enrollment.RequesterID,
				Position:     last + 1,
				SubmittedAt:  enrollment.SubmittedAt,
				Sequence:     enrollment.Sequence,
			}
			if err := tx.InsertWaitlistEntry(ctx, entry); err != nil {
				return err
			}
			enrollment.Position = entry.Position
		}
		decided = enrollment
		return nil
	})
	if err != nil {
		c.observeDecision(models.ActionEnroll, outcomeOf(err))
		return nil, err
	}

	c.observeDecision(models.ActionEnroll, string(decided.Status))
	return decided, nil
}

// Drop withdraws an enrollment. A confirmed seat is re-offered to the head of
// the waitlist before the course lock is released.
func (c *AdmissionController) Drop(ctx context.Context, req DropRequest) (*DropResult, error) {
	release, err := c.acquire(ctx, courseLockKey(req.CourseID))
	if err != nil {
		return nil, err
	}
	defer release()

	var result DropResult
	err = c.store.WithinTx(ctx, func(tx repository.AdmissionTx) error {
		result = DropResult{}
		course, err := tx.LockCourse(ctx, req.CourseID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return appErrors.ErrEnrollmentNotFound
			}
			return err
		}

		enrollment, err := tx.FindEnrollment(ctx, req.EnrollmentID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return appErrors.ErrEnrollmentNotFound
			}
			return err
		}
		if enrollment.RequesterID != req.RequesterID || enrollment.CourseID != course.ID {
			return appErrors.ErrEnrollmentNotFound
		}

		previous := enrollment.Status
		if previous == models.EnrollmentStatusWithdrawn {
			result.Enrollment = enrollment
			return nil
		}

		now := c.now()
		if err := tx.UpdateEnrollmentStatus(ctx, enrollment.ID, models.EnrollmentStatusWithdrawn, now); err != nil {
			return err
		}
		enrollment.Status = models.EnrollmentStatusWithdrawn
		enrollment.UpdatedAt = now
		enrollment.WithdrawnAt = &now
		result.Enrollment = enrollment

		switch previous {
		case models.EnrollmentStatusWaitlisted:
			return tx.RemoveWaitlistEntry(ctx, course.ID, enrollment.ID)
		case models.EnrollmentStatusConfirmed:
			if err := tx.SetConfirmedCount(ctx, course.ID, course.ConfirmedCount-1); err != nil {
				return err
			}
			course.ConfirmedCount--
			promoted, pending, err := c.fillSeats(ctx, tx, course, false)
			if err != nil {
				return err
			}
			result.Promoted = promoted
			result.PromotionPending = pending
		}
		return nil
	})
	if err != nil {
		c.observeDecision(models.ActionDrop, outcomeOf(err))
		return nil, err
	}

	c.observeDecision(models.ActionDrop, string(models.EnrollmentStatusWithdrawn))
	c.announce(ctx, result.Promoted)
	return &result, nil
}

// ChangeCapacity applies an administrative capacity change. Raising capacity
// fills the new seats from the waitlist in position order.
func (c *AdmissionController) ChangeCapacity(ctx context.Context, courseID string, capacity int) (*CapacityResult, error) {
	if capacity <= 0 {
		return nil, appErrors.Clone(appErrors.ErrCapacityMisconfigured, "capacity must be positive")
	}
	release, err := c.acquire(ctx, courseLockKey(courseID))
	if err != nil {
		return nil, err
	}
	defer release()

	var result CapacityResult
	err = c.store.WithinTx(ctx, func(tx repository.AdmissionTx) error {
		result = CapacityResult{}
		course, err := c.lockCourse(ctx, tx, courseID)
		if err != nil {
			return err
		}
		if capacity < course.ConfirmedCount {
			return appErrors.Clone(appErrors.ErrCapacityMisconfigured, fmt.Sprintf("capacity %d is below %d confirmed seats", capacity, course.ConfirmedCount))
		}
		if err := tx.SetCapacity(ctx, course.ID, capacity); err != nil {
			return err
		}
		course.Capacity = capacity
		course.UpdatedAt = c.now()

		promoted, pending, err := c.fillSeats(ctx, tx, course, false)
		if err != nil {
			return err
		}
		result = CapacityResult{Course: course, Promoted: promoted, PromotionPending: pending}
		return nil
	})
	if err != nil {
		c.observeDecision(models.ActionCapacity, outcomeOf(err))
		return nil, err
	}

	c.observeDecision(models.ActionCapacity, "APPLIED")
	c.announce(ctx, result.Promoted)
	return &result, nil
}

// PromoteWaiting fills every free seat of courseID from its waitlist. Unlike
// the drop path a failed promotion is returned as a transient error so the
// lane retries it.
func (c *AdmissionController) PromoteWaiting(ctx context.Context, courseID string) ([]models.Enrollment, error) {
	release, err := c.acquire(ctx, courseLockKey(courseID))
	if err != nil {
		return nil, err
	}
	defer release()

	var promoted []models.Enrollment
	err = c.store.WithinTx(ctx, func(tx repository.AdmissionTx) error {
		course, err := c.lockCourse(ctx, tx, courseID)
		if err != nil {
			return err
		}
		promoted, _, err = c.fillSeats(ctx, tx, course, true)
		return err
	})
	if err != nil {
		c.observeDecision(models.ActionPromote, outcomeOf(err))
		return nil, err
	}

	c.observeDecision(models.ActionPromote, "APPLIED")
	c.announce(ctx, promoted)
	return promoted, nil
}

func (c *AdmissionController) lockCourse(ctx context.Context, tx repository.AdmissionTx, courseID string) (*models.Course, error) {
	course, err := tx.LockCourse(ctx, courseID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrCourseNotFound
		}
		return nil, err
	}
	return course, nil
}

// acquire takes keys in the given order and returns a Release that frees them
// in reverse. Callers always pass the course key first.
func (c *AdmissionController) acquire(ctx context.Context, keys ...string) (lock.Release, error) {
	lockCtx, cancel := context.WithTimeout(ctx, c.lockTimeout)
	defer cancel()

	held := make([]lock.Release, 0, len(keys))
	releaseAll := func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i]()
		}
	}
	for _, key := range keys {
		release, err := c.locks.Acquire(lockCtx, key)
		if err != nil {
			releaseAll()
			switch {
			case errors.Is(err, lock.ErrTimeout):
				return nil, appErrors.WrapAs(err, appErrors.ErrLockTimeout, "timed out acquiring "+key)
			case ctx.Err() != nil:
				return nil, ctx.Err()
			default:
				return nil, appErrors.WrapAs(err, appErrors.ErrStorageUnavailable, "lock backend unavailable")
			}
		}
		held = append(held, release)
	}
	return releaseAll, nil
}

func (c *AdmissionController) announce(ctx context.Context, promoted []models.Enrollment) {
	if len(promoted) == 0 {
		return
	}
	if c.observer != nil {
		c.observer.ObservePromotions(len(promoted))
	}
	if c.notifier == nil {
		return
	}
	for _, enrollment := range promoted {
		c.notifier.NotifyPromoted(ctx, models.PromotionEvent{
			EnrollmentID: enrollment.ID,
			RequesterID:  enrollment.RequesterID,
			CourseID:     enrollment.CourseID,
			PromotedAt:   enrollment.UpdatedAt,
		})
	}
}

func (c *AdmissionController) observeDecision(action models.EnrollmentAction, outcome string) {
	if c.observer != nil {
		c.observer.ObserveDecision(action, outcome)
	}
}

// outcomeOf maps an error onto the metric label used for rejected decisions.
func outcomeOf(err error) string {
	var appErr *appErrors.Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	if errors.Is(err, context.Canceled) {
		return "CANCELLED"
	}
	return appErrors.ErrInternal.Code
}

// PrerequisiteEligibility rejects requesters who have not completed every
// prerequisite of the course.
type PrerequisiteEligibility struct {
	reader prerequisiteReader
}

type prerequisiteReader interface {
	MissingPrerequisites(ctx context.Context, requesterID, courseID string) ([]string, error)
}

// NewPrerequisiteEligibility constructs the checker.
func NewPrerequisiteEligibility(reader prerequisiteReader) *PrerequisiteEligibility {
	return &PrerequisiteEligibility{reader: reader}
}

// CheckEligibility implements the admission eligibility hook.
func (e *PrerequisiteEligibility) CheckEligibility(ctx context.Context, requesterID string, course *models.Course) error {
	missing, err := e.reader.MissingPrerequisites(ctx, requesterID, course.ID)
	if err != nil {
		if appErrors.IsRetryable(err) {
			return err
		}
		return appErrors.WrapAs(err, appErrors.ErrStorageUnavailable, "prerequisite lookup failed")
	}
	if len(missing) > 0 {
		return appErrors.Clone(appErrors.ErrIneligible, "missing prerequisites: "+strings.Join(missing, ", "))
	}
	return nil
}
