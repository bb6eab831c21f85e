package repository

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"net"
	"time"

	"github.com/lib/pq"

	"github.com/noah-isme/sma-adp-enrollment/internal/models"
	appErrors "github.com/noah-isme/sma-adp-enrollment/pkg/errors"
)

// AdmissionTx is the transactional view used by the admission controller.
// Lookups that find nothing return sql.ErrNoRows (single rows) or a nil value
// (optional rows such as an active enrollment or the waitlist head).
type AdmissionTx interface {
	LockCourse(ctx context.Context, courseID string) (*models.Course, error)
	FindActiveEnrollment(ctx context.Context, requesterID, courseID string) (*models.Enrollment, error)
	ListRequesterSlots(ctx context.Context, requesterID, termID, excludeCourseID string) ([]models.MeetingSlot, error)
	FindEnrollment(ctx context.Context, id string) (*models.Enrollment, error)
	CreateEnrollment(ctx context.Context, enrollment *models.Enrollment) error
	UpdateEnrollmentStatus(ctx context.Context, id string, status models.EnrollmentStatus, at time.Time) error
	SetConfirmedCount(ctx context.Context, courseID string, count int) error
	SetCapacity(ctx context.Context, courseID string, capacity int) error
	MaxWaitlistPosition(ctx context.Context, courseID string) (int, error)
	InsertWaitlistEntry(ctx context.Context, entry *models.WaitlistEntry) error
	HeadWaitlistEntry(ctx context.Context, courseID string) (*models.WaitlistEntry, error)
	RemoveWaitlistEntry(ctx context.Context, courseID, enrollmentID string) error
	Savepoint(ctx context.Context, name string) error
	RollbackToSavepoint(ctx context.Context, name string) error
	ReleaseSavepoint(ctx context.Context, name string) error
}

// pq error codes treated as transient.
const (
	pqLockNotAvailable     = "55P03"
	pqDeadlockDetected     = "40P01"
	pqSerializationFailure = "40001"
	pqQueryCanceled        = "57014"
	pqAdminShutdown        = "57P01"
	pqCannotConnectNow     = "57P03"
)

// classify maps driver failures onto the transient error family so the course
// lane retries them. Anything else is returned unchanged.
func classify(err error, op string) error {
	if err == nil || errors.Is(err, sql.ErrNoRows) {
		return err
	}
	var appErr *appErrors.Error
	if errors.As(err, &appErr) {
		return err
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case pqLockNotAvailable, pqQueryCanceled:
			return appErrors.WrapAs(err, appErrors.ErrLockTimeout, op+": lock not available")
		case pqDeadlockDetected, pqSerializationFailure:
			return appErrors.WrapAs(err, appErrors.ErrStorageUnavailable, op+": transaction aborted")
		case pqAdminShutdown, pqCannotConnectNow:
			return appErrors.WrapAs(err, appErrors.ErrStorageUnavailable, op+": database unavailable")
		}
		if pqErr.Code.Class() == "08" {
			return appErrors.WrapAs(err, appErrors.ErrStorageUnavailable, op+": connection failure")
		}
		return err
	}

	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) || errors.As(err, &netErr) {
		return appErrors.WrapAs(err, appErrors.ErrStorageUnavailable, op+": connection failure")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return appErrors.WrapAs(err, appErrors.ErrStorageUnavailable, op+": timed out")
	}
	return err
}
