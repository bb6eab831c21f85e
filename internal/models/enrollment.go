package models

import "time"

// EnrollmentStatus represents the lifecycle of an enrollment.
type EnrollmentStatus string

// Possible enrollment statuses.
const (
	EnrollmentStatusPending    EnrollmentStatus = "PENDING"
	EnrollmentStatusConfirmed  EnrollmentStatus = "CONFIRMED"
	EnrollmentStatusWaitlisted EnrollmentStatus = "WAITLISTED"
	EnrollmentStatusWithdrawn  EnrollmentStatus = "WITHDRAWN"
)

// Active reports whether the status holds a seat or a waitlist position.
func (s EnrollmentStatus) Active() bool {
	return s == EnrollmentStatusConfirmed || s == EnrollmentStatusWaitlisted
}

// Valid reports whether s is a known status.
func (s EnrollmentStatus) Valid() bool {
	switch s {
	case EnrollmentStatusPending, EnrollmentStatusConfirmed, EnrollmentStatusWaitlisted, EnrollmentStatusWithdrawn:
		return true
	}
	return false
}

// Enrollment captures a requester's admission outcome for a course.
type Enrollment struct {
	ID          string           `db:"id" json:"id" yaml:"id"`
	RequesterID string           `db:"requester_id" json:"requester_id" yaml:"requester_id"`
	CourseID    string           `db:"course_id" json:"course_id" yaml:"course_id"`
	TermID      string           `db:"term_id" json:"term_id" yaml:"term_id"`
	Status      EnrollmentStatus `db:"status" json:"status" yaml:"status"`
	SubmittedAt time.Time        `db:"submitted_at" json:"submitted_at" yaml:"submitted_at"`
	Sequence    int64            `db:"sequence" json:"sequence" yaml:"sequence"`
	CreatedAt   time.Time        `db:"created_at" json:"created_at" yaml:"-"`
	UpdatedAt   time.Time        `db:"updated_at" json:"updated_at" yaml:"-"`
	WithdrawnAt *time.Time       `db:"withdrawn_at" json:"withdrawn_at,omitempty" yaml:"-"`

	// Position is filled for WAITLISTED results only.
	Position int `db:"-" json:"waitlist_position,omitempty" yaml:"-"`
}

// EnrollmentDetail enriches Enrollment with course info for the requester's listing.
type EnrollmentDetail struct {
	Enrollment
	CourseCode string `db:"course_code" json:"course_code"`
	CourseName string `db:"course_name" json:"course_name"`
	Position   *int   `db:"position" json:"waitlist_position,omitempty"`
}

// EnrollmentFilter provides filters for listing a requester's enrollments.
type EnrollmentFilter struct {
	RequesterID string
	TermID      string
	Status      EnrollmentStatus
	Page        int
	PageSize    int
}

// WaitlistEntry is the queue position of a WAITLISTED enrollment.
type WaitlistEntry struct {
	CourseID     string    `db:"course_id" json:"course_id"`
	EnrollmentID string    `db:"enrollment_id" json:"enrollment_id"`
	RequesterID  string    `db:"requester_id" json:"requester_id"`
	Position     int       `db:"position" json:"position"`
	SubmittedAt  time.Time `db:"submitted_at" json:"submitted_at"`
	Sequence     int64     `db:"sequence" json:"sequence"`
}
