package dto

import (
	"time"

	"github.com/noah-isme/sma-adp-enrollment/internal/models"
)

// EnrollRequest captures POST /enrollments payload.
type EnrollRequest struct {
	CourseID string `json:"course_id" binding:"required"`
}

// CapacityRequest captures PUT /courses/{courseId}/capacity payload.
type CapacityRequest struct {
	Capacity int `json:"capacity" binding:"required,gt=0"`
}

// JobAcceptedResponse is returned when a request was queued.
type JobAcceptedResponse struct {
	JobID         string          `json:"job_id"`
	State         models.JobState `json:"state"`
	QueuePosition int             `json:"queue_position,omitempty"`
	StatusURL     string          `json:"status_url"`
}

// JobStatusResponse is the caller-facing view of an enrollment job.
type JobStatusResponse struct {
	JobID         string                  `json:"job_id"`
	Action        models.EnrollmentAction `json:"action"`
	CourseID      string                  `json:"course_id"`
	State         models.JobState         `json:"state"`
	QueuePosition int                     `json:"queue_position,omitempty"`
	Attempts      int                     `json:"attempts"`
	SubmittedAt   time.Time               `json:"submitted_at"`
	StartedAt     *time.Time              `json:"started_at,omitempty"`
	FinishedAt    *time.Time              `json:"finished_at,omitempty"`
	Result        *models.Enrollment      `json:"result,omitempty"`
	Course        *models.Course          `json:"course,omitempty"`
	Promoted      []models.Enrollment     `json:"promoted,omitempty"`
	Error         *models.JobError        `json:"error,omitempty"`
}

// NewJobStatusResponse maps a job onto its response view.
func NewJobStatusResponse(job *models.EnrollmentJob) JobStatusResponse {
	return JobStatusResponse{
		JobID:         job.ID,
		Action:        job.Action,
		CourseID:      job.CourseID,
		State:         job.State,
		QueuePosition: job.QueuePosition,
		Attempts:      job.Attempts,
		SubmittedAt:   job.SubmittedAt,
		StartedAt:     job.StartedAt,
		FinishedAt:    job.FinishedAt,
		Result:        job.Result,
		Course:        job.Course,
		Promoted:      job.Promoted,
		Error:         job.Error,
	}
}

// WaitlistResponse lists a course waitlist in position order.
type WaitlistResponse struct {
	CourseID string                 `json:"course_id"`
	Entries  []models.WaitlistEntry `json:"entries"`
}
