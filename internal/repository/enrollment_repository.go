package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/sma-adp-enrollment/internal/models"
	appErrors "github.com/noah-isme/sma-adp-enrollment/pkg/errors"
)

const (
	enrollmentColumns = "id, requester_id, course_id, term_id, status, submitted_at, sequence, created_at, updated_at, withdrawn_at"
	courseColumns     = "id, code, name, term_id, capacity, confirmed_count, created_at, updated_at"
	slotColumns       = "course_id, day_of_week, start_time, end_time, location"
	waitlistColumns   = "course_id, enrollment_id, requester_id, position, submitted_at, sequence"

	pqUniqueViolation = "23505"
)

// EnrollmentRepository persists enrollments, waitlists and course counters in PostgreSQL.
type EnrollmentRepository struct {
	db          *sqlx.DB
	sb          sq.StatementBuilderType
	lockTimeout time.Duration
}

// NewEnrollmentRepository constructs the repository. lockTimeout bounds how long
// a transaction waits on a row lock before Postgres aborts it.
func NewEnrollmentRepository(db *sqlx.DB, lockTimeout time.Duration) *EnrollmentRepository {
	return &EnrollmentRepository{
		db:          db,
		sb:          sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
		lockTimeout: lockTimeout,
	}
}

// WithinTx runs fn inside one transaction. The transaction commits only when fn returns nil.
func (r *EnrollmentRepository) WithinTx(ctx context.Context, fn func(AdmissionTx) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return classify(err, "begin transaction")
	}
	if r.lockTimeout > 0 {
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", r.lockTimeout.Milliseconds())
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			_ = tx.Rollback()
			return classify(err, "set lock timeout")
		}
	}
	if err := fn(&pgAdmissionTx{tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return classify(err, "commit transaction")
	}
	return nil
}

// FindByID returns a single enrollment.
func (r *EnrollmentRepository) FindByID(ctx context.Context, id string) (*models.Enrollment, error) {
	var enrollment models.Enrollment
	query := "SELECT " + enrollmentColumns + " FROM enrollments WHERE id = $1"
	if err := r.db.GetContext(ctx, &enrollment, query, id); err != nil {
		return nil, classify(err, "find enrollment")
	}
	return &enrollment, nil
}

// CountWithdrawn returns how many times requesterID has withdrawn from courseID.
func (r *EnrollmentRepository) CountWithdrawn(ctx context.Context, requesterID, courseID string) (int, error) {
	var count int
	query := "SELECT COUNT(*) FROM enrollments WHERE requester_id = $1 AND course_id = $2 AND status = 'WITHDRAWN'"
	if err := r.db.GetContext(ctx, &count, query, requesterID, courseID); err != nil {
		return 0, classify(err, "count withdrawn enrollments")
	}
	return count, nil
}

// ListByRequester returns the requester's enrollments with course info and waitlist position.
func (r *EnrollmentRepository) ListByRequester(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, int, error) {
	where := sq.And{sq.Eq{"e.requester_id": filter.RequesterID}}
	if filter.TermID != "" {
		where = append(where, sq.Eq{"e.term_id": filter.TermID})
	}
	if filter.Status != "" {
		where = append(where, sq.Eq{"e.status": filter.Status})
	}

	countSQL, countArgs, err := r.sb.Select("COUNT(*)").From("enrollments e").Where(where).ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("build count enrollments query: %w", err)
	}
	var total int
	if err := r.db.GetContext(ctx, &total, countSQL, countArgs...); err != nil {
		return nil, 0, classify(err, "count enrollments")
	}

	page, size := normalizePage(filter.Page, filter.PageSize)
	query, args, err := r.sb.Select(
		"e.id", "e.requester_id", "e.course_id", "e.term_id", "e.status", "e.submitted_at", "e.sequence",
		"e.created_at", "e.updated_at", "e.withdrawn_at",
		"COALESCE(c.code, '') AS course_code", "COALESCE(c.name, '') AS course_name", "w.position",
	).
		From("enrollments e").
		LeftJoin("courses c ON c.id = e.course_id").
		LeftJoin("waitlist_entries w ON w.enrollment_id = e.id").
		Where(where).
		OrderBy("e.submitted_at DESC", "e.sequence DESC").
		Limit(uint64(size)).
		Offset(uint64((page - 1) * size)).
		ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("build list enrollments query: %w", err)
	}

	var items []models.EnrollmentDetail
	if err := r.db.SelectContext(ctx, &items, query, args...); err != nil {
		return nil, 0, classify(err, "list enrollments")
	}
	return items, total, nil
}

// ListWaitlist returns the course waitlist ordered by position. It takes no locks.
func (r *EnrollmentRepository) ListWaitlist(ctx context.Context, courseID string) ([]models.WaitlistEntry, error) {
	query, args, err := r.sb.Select(waitlistColumns).
		From("waitlist_entries").
		Where(sq.Eq{"course_id": courseID}).
		OrderBy("position ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build waitlist query: %w", err)
	}
	var entries []models.WaitlistEntry
	if err := r.db.SelectContext(ctx, &entries, query, args...); err != nil {
		return nil, classify(err, "list waitlist")
	}
	return entries, nil
}

// Ping reports whether the database answers.
func (r *EnrollmentRepository) Ping(ctx context.Context) error {
	return classify(r.db.PingContext(ctx), "ping")
}

func normalizePage(page, size int) (int, int) {
	if page < 1 {
		page = 1
	}
	if size <= 0 || size > 100 {
		size = 20
	}
	return page, size
}

type pgAdmissionTx struct {
	tx *sqlx.Tx
}

func (t *pgAdmissionTx) LockCourse(ctx context.Context, courseID string) (*models.Course, error) {
	var course models.Course
	query := "SELECT " + courseColumns + " FROM courses WHERE id = $1 FOR UPDATE"
	if err := t.tx.GetContext(ctx, &course, query, courseID); err != nil {
		return nil, classify(err, "lock course")
	}
	slots := []models.MeetingSlot{}
	slotQuery := "SELECT " + slotColumns + " FROM course_meeting_slots WHERE course_id = $1 ORDER BY day_of_week, start_time"
	if err := t.tx.SelectContext(ctx, &slots, slotQuery, courseID); err != nil {
		return nil, classify(err, "load course slots")
	}
	course.Slots = slots
	return &course, nil
}

func (t *pgAdmissionTx) FindActiveEnrollment(ctx context.Context, requesterID, courseID string) (*models.Enrollment, error) {
	var enrollment models.Enrollment
	query := "SELECT " + enrollmentColumns + " FROM enrollments WHERE requester_id = $1 AND course_id = $2 AND status IN ('CONFIRMED', 'WAITLISTED') LIMIT 1"
	if err := t.tx.GetContext(ctx, &enrollment, query, requesterID, courseID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, classify(err, "find active enrollment")
	}
	return &enrollment, nil
}

func (t *pgAdmissionTx) ListRequesterSlots(ctx context.Context, requesterID, termID, excludeCourseID string) ([]models.MeetingSlot, error) {
	query := `SELECT s.course_id, s.day_of_week, s.start_time, s.end_time, s.location
FROM course_meeting_slots s
JOIN enrollments e ON e.course_id = s.course_id
WHERE e.requester_id = $1 AND e.term_id = $2 AND e.course_id <> $3 AND e.status IN ('CONFIRMED', 'WAITLISTED')
ORDER BY s.day_of_week, s.start_time`
	var slots []models.MeetingSlot
	if err := t.tx.SelectContext(ctx, &slots, query, requesterID, termID, excludeCourseID); err != nil {
		return nil, classify(err, "list requester slots")
	}
	return slots, nil
}

func (t *pgAdmissionTx) FindEnrollment(ctx context.Context, id string) (*models.Enrollment, error) {
	var enrollment models.Enrollment
	query := "SELECT " + enrollmentColumns + " FROM enrollments WHERE id = $1"
	if err := t.tx.GetContext(ctx, &enrollment, query, id); err != nil {
		return nil, classify(err, "find enrollment")
	}
	return &enrollment, nil
}

func (t *pgAdmissionTx) CreateEnrollment(ctx context.Context, enrollment *models.Enrollment) error {
	if enrollment.ID == "" {
		enrollment.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if enrollment.CreatedAt.IsZero() {
		enrollment.CreatedAt = now
	}
	enrollment.UpdatedAt = enrollment.CreatedAt
	query := `INSERT INTO enrollments (` + enrollmentColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := t.tx.ExecContext(ctx, query,
		enrollment.ID,
		enrollment.RequesterID,
		enrollment.CourseID,
		enrollment.TermID,
		enrollment.Status,
		enrollment.SubmittedAt,
		enrollment.Sequence,
		enrollment.CreatedAt,
		enrollment.UpdatedAt,
		enrollment.WithdrawnAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
			return appErrors.WrapAs(err, appErrors.ErrAlreadyEnrolled, "")
		}
		return classify(err, "create enrollment")
	}
	return nil
}

func (t *pgAdmissionTx) UpdateEnrollmentStatus(ctx context.Context, id string, status models.EnrollmentStatus, at time.Time) error {
	var withdrawnAt *time.Time
	if status == models.EnrollmentStatusWithdrawn {
		withdrawnAt = &at
	}
	res, err := t.tx.ExecContext(ctx,
		"UPDATE enrollments SET status = $1, updated_at = $2, withdrawn_at = COALESCE($3, withdrawn_at) WHERE id = $4",
		status, at, withdrawnAt, id)
	if err != nil {
		return classify(err, "update enrollment status")
	}
	return expectAffected(res)
}

func (t *pgAdmissionTx) SetConfirmedCount(ctx context.Context, courseID string, count int) error {
	res, err := t.tx.ExecContext(ctx, "UPDATE courses SET confirmed_count = $1, updated_at = NOW() WHERE id = $2", count, courseID)
	if err != nil {
		return classify(err, "update confirmed count")
	}
	return expectAffected(res)
}

func (t *pgAdmissionTx) SetCapacity(ctx context.Context, courseID string, capacity int) error {
	res, err := t.tx.ExecContext(ctx, "UPDATE courses SET capacity = $1, updated_at = NOW() WHERE id = $2", capacity, courseID)
	if err != nil {
		return classify(err, "update capacity")
	}
	return expectAffected(res)
}

func (t *pgAdmissionTx) MaxWaitlistPosition(ctx context.Context, courseID string) (int, error) {
	var last int
	if err := t.tx.GetContext(ctx, &last, "SELECT COALESCE(MAX(position), 0) FROM waitlist_entries WHERE course_id = $1", courseID); err != nil {
		return 0, classify(err, "max waitlist position")
	}
	return last, nil
}

func (t *pgAdmissionTx) InsertWaitlistEntry(ctx context.Context, entry *models.WaitlistEntry) error {
	query := `INSERT INTO waitlist_entries (` + waitlistColumns + `) VALUES ($1, $2, $3, $4, $5, $6)`
	if _, err := t.tx.ExecContext(ctx, query, entry.CourseID, entry.EnrollmentID, entry.RequesterID, entry.Position, entry.SubmittedAt, entry.Sequence); err != nil {
		return classify(err, "insert waitlist entry")
	}
	return nil
}

func (t *pgAdmissionTx) HeadWaitlistEntry(ctx context.Context, courseID string) (*models.WaitlistEntry, error) {
	var entry models.WaitlistEntry
	query := "SELECT " + waitlistColumns + " FROM waitlist_entries WHERE course_id = $1 ORDER BY position ASC LIMIT 1"
	if err := t.tx.GetContext(ctx, &entry, query, courseID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, classify(err, "waitlist head")
	}
	return &entry, nil
}

func (t *pgAdmissionTx) RemoveWaitlistEntry(ctx context.Context, courseID, enrollmentID string) error {
	var position int
	err := t.tx.GetContext(ctx, &position,
		"DELETE FROM waitlist_entries WHERE course_id = $1 AND enrollment_id = $2 RETURNING position",
		courseID, enrollmentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return classify(err, "remove waitlist entry")
	}
	if _, err := t.tx.ExecContext(ctx,
		"UPDATE waitlist_entries SET position = position - 1 WHERE course_id = $1 AND position > $2",
		courseID, position); err != nil {
		return classify(err, "compact waitlist")
	}
	return nil
}

func (t *pgAdmissionTx) Savepoint(ctx context.Context, name string) error {
	_, err := t.tx.ExecContext(ctx, "SAVEPOINT "+pq.QuoteIdentifier(name))
	return classify(err, "savepoint")
}

func (t *pgAdmissionTx) RollbackToSavepoint(ctx context.Context, name string) error {
	_, err := t.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+pq.QuoteIdentifier(name))
	return classify(err, "rollback to savepoint")
}

func (t *pgAdmissionTx) ReleaseSavepoint(ctx context.Context, name string) error {
	_, err := t.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+pq.QuoteIdentifier(name))
	return classify(err, "release savepoint")
}

func expectAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}
