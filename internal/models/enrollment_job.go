package models

import (
	"fmt"
	"time"
)

// EnrollmentAction enumerates the work a course lane can run.
type EnrollmentAction string

const (
	ActionEnroll   EnrollmentAction = "ENROLL"
	ActionDrop     EnrollmentAction = "DROP"
	ActionCapacity EnrollmentAction = "CAPACITY"
	ActionPromote  EnrollmentAction = "PROMOTE"
)

// JobState captures background job lifecycle states.
type JobState string

const (
	JobStateQueued     JobState = "QUEUED"
	JobStateProcessing JobState = "PROCESSING"
	JobStateSucceeded  JobState = "SUCCEEDED"
	JobStateFailed     JobState = "FAILED"
)

// Terminal reports whether no further transition is possible.
func (s JobState) Terminal() bool {
	return s == JobStateSucceeded || s == JobStateFailed
}

// JobError is the machine readable failure reason of a FAILED job.
type JobError struct {
	Code      string `json:"code"`
	Reason    string `json:"reason"`
	Retryable bool   `json:"retryable"`
}

// EnrollmentJob is the asynchronous handle returned to callers. A SUCCEEDED
// ENROLL or DROP job carries Result, a FAILED job carries Error, never both.
// CAPACITY and PROMOTE jobs report Course and Promoted instead of Result.
type EnrollmentJob struct {
	ID             string           `json:"id"`
	IdempotencyKey string           `json:"idempotency_key"`
	Action         EnrollmentAction `json:"action"`
	RequesterID    string           `json:"requester_id"`
	CourseID       string           `json:"course_id"`
	EnrollmentID   string           `json:"enrollment_id,omitempty"`
	Capacity       int              `json:"capacity,omitempty"`
	State          JobState         `json:"state"`
	Sequence       int64            `json:"sequence"`
	RequestID      string           `json:"request_id,omitempty"`
	SubmittedAt    time.Time        `json:"submitted_at"`
	StartedAt      *time.Time       `json:"started_at,omitempty"`
	FinishedAt     *time.Time       `json:"finished_at,omitempty"`
	Attempts       int              `json:"attempts"`
	Result         *Enrollment      `json:"result,omitempty"`
	Course         *Course          `json:"course,omitempty"`
	Promoted       []Enrollment     `json:"promoted,omitempty"`
	Error          *JobError        `json:"error,omitempty"`
	QueuePosition  int              `json:"queue_position,omitempty"`
}

// Requeue puts an interrupted job back into QUEUED so it can be replayed.
func (j *EnrollmentJob) Requeue() {
	j.State = JobStateQueued
	j.StartedAt = nil
}

// Start moves a queued job into PROCESSING.
func (j *EnrollmentJob) Start(at time.Time, attempt int) {
	j.State = JobStateProcessing
	j.StartedAt = &at
	j.Attempts = attempt + 1
}

// Succeed records the final enrollment outcome.
func (j *EnrollmentJob) Succeed(result *Enrollment, at time.Time) {
	j.State = JobStateSucceeded
	j.Result = result
	j.Error = nil
	j.FinishedAt = &at
}

// Fail records a terminal failure.
func (j *EnrollmentJob) Fail(jobErr JobError, at time.Time) {
	j.State = JobStateFailed
	j.Result = nil
	j.Course = nil
	j.Promoted = nil
	j.Error = &jobErr
	j.FinishedAt = &at
}

// IdempotencyKey builds the (requester, course, action-epoch) key used to deduplicate submissions.
func IdempotencyKey(requesterID, courseID string, action EnrollmentAction, epoch string) string {
	return fmt.Sprintf("%s:%s:%s:%s", requesterID, courseID, action, epoch)
}

// PromotionEvent is published after a waitlisted enrollment has been confirmed.
type PromotionEvent struct {
	EnrollmentID string    `json:"enrollment_id"`
	RequesterID  string    `json:"requester_id"`
	CourseID     string    `json:"course_id"`
	PromotedAt   time.Time `json:"promoted_at"`
}
