package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/noah-isme/sma-adp-enrollment/internal/models"
	"github.com/noah-isme/sma-adp-enrollment/internal/repository"
	appErrors "github.com/noah-isme/sma-adp-enrollment/pkg/errors"
)

const promoteSavepoint = "promote_waitlist_head"

// promotionError reports a promotion that was rolled back to its savepoint.
// The surrounding transaction is still usable.
type promotionError struct {
	courseID     string
	enrollmentID string
	err          error
}

func (e *promotionError) Error() string {
	return fmt.Sprintf("promote %s in course %s: %v", e.enrollmentID, e.courseID, e.err)
}

func (e *promotionError) Unwrap() error {
	return e.err
}

// fillSeats promotes waitlist heads while course has a free seat. course must
// be locked by tx and is updated in place. With strict unset a rolled back
// promotion stops the loop and is reported as pending instead of failing tx.
func (c *AdmissionController) fillSeats(ctx context.Context, tx repository.AdmissionTx, course *models.Course, strict bool) ([]models.Enrollment, bool, error) {
	var promoted []models.Enrollment
	for course.HasFreeSeat() {
		enrollment, err := c.promote(ctx, tx, course)
		if err != nil {
			var pe *promotionError
			if !errors.As(err, &pe) {
				return promoted, false, err
			}
			if !strict {
				c.logger.Sugar().Warnw("waitlist promotion rolled back", "course_id", pe.courseID, "enrollment_id", pe.enrollmentID, "error", pe.err)
				return promoted, true, nil
			}
			if appErrors.IsRetryable(pe.err) {
				return promoted, false, err
			}
			return promoted, false, appErrors.WrapAs(err, appErrors.ErrStorageUnavailable, "waitlist promotion failed")
		}
		if enrollment == nil {
			break
		}
		promoted = append(promoted, *enrollment)
	}
	return promoted, false, nil
}

// promote confirms the waitlist head of course. It returns nil when the
// waitlist is empty. The moves happen under a savepoint so a failure leaves
// the seat free and the waitlist untouched.
func (c *AdmissionController) promote(ctx context.Context, tx repository.AdmissionTx, course *models.Course) (*models.Enrollment, error) {
	head, err := tx.HeadWaitlistEntry(ctx, course.ID)
	if err != nil {
		return nil, err
	}
	if head == nil {
		return nil, nil
	}

	if err := tx.Savepoint(ctx, promoteSavepoint); err != nil {
		return nil, err
	}
	enrollment, err := c.applyPromotion(ctx, tx, course, head)
	if err != nil {
		if rbErr := tx.RollbackToSavepoint(ctx, promoteSavepoint); rbErr != nil {
			return nil, fmt.Errorf("rollback promotion of %s: %v: %w", head.EnrollmentID, err, rbErr)
		}
		return nil, &promotionError{courseID: course.ID, enrollmentID: head.EnrollmentID, err: err}
	}
	if err := tx.ReleaseSavepoint(ctx, promoteSavepoint); err != nil {
		return nil, err
	}

	course.ConfirmedCount++
	return enrollment, nil
}

func (c *AdmissionController) applyPromotion(ctx context.Context, tx repository.AdmissionTx, course *models.Course, head *models.WaitlistEntry) (*models.Enrollment, error) {
	if err := tx.RemoveWaitlistEntry(ctx, course.ID, head.EnrollmentID); err != nil {
		return nil, err
	}
	now := c.now()
	if err := tx.UpdateEnrollmentStatus(ctx, head.EnrollmentID, models.EnrollmentStatusConfirmed, now); err != nil {
		return nil, err
	}
	if err := tx.SetConfirmedCount(ctx, course.ID, course.ConfirmedCount+1); err != nil {
		return nil, err
	}
	enrollment, err := tx.FindEnrollment(ctx, head.EnrollmentID)
	if err != nil {
		return nil, err
	}
	enrollment.Status = models.EnrollmentStatusConfirmed
	enrollment.UpdatedAt = now
	return enrollment, nil
}
