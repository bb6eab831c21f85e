package handler

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sma-adp-enrollment/internal/dto"
	"github.com/noah-isme/sma-adp-enrollment/internal/models"
	"github.com/noah-isme/sma-adp-enrollment/internal/service"
	appErrors "github.com/noah-isme/sma-adp-enrollment/pkg/errors"
	"github.com/noah-isme/sma-adp-enrollment/pkg/logger"
	"github.com/noah-isme/sma-adp-enrollment/pkg/response"
)

type enrollmentService interface {
	SubmitEnroll(ctx context.Context, req service.SubmitEnrollmentRequest) (*models.EnrollmentJob, error)
	Drop(ctx context.Context, requesterID, enrollmentID string) (*models.EnrollmentJob, error)
	Status(ctx context.Context, jobID, actorID string, role models.UserRole) (*models.EnrollmentJob, error)
	Cancel(ctx context.Context, jobID, actorID string, role models.UserRole) (*models.EnrollmentJob, error)
	Waitlist(ctx context.Context, courseID string) ([]models.WaitlistEntry, error)
	MyCourses(ctx context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, *models.Pagination, error)
}

type rosterExporter interface {
	WaitlistRoster(ctx context.Context, courseID, format string) (*service.ExportResult, error)
}

// EnrollmentHandler exposes enrollment endpoints.
type EnrollmentHandler struct {
	enrollments enrollmentService
	exports     rosterExporter
	statusPath  string
}

// NewEnrollmentHandler constructs EnrollmentHandler. apiPrefix is used to
// build status links, e.g. "/api/v1".
func NewEnrollmentHandler(enrollments enrollmentService, exports rosterExporter, apiPrefix string) *EnrollmentHandler {
	return &EnrollmentHandler{
		enrollments: enrollments,
		exports:     exports,
		statusPath:  strings.TrimRight(apiPrefix, "/") + "/enrollments/status/",
	}
}

// Submit godoc
// @Summary Request a seat in a course
// @Description Queues the request on the course lane and returns a job handle immediately.
// @Tags Enrollments
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param payload body dto.EnrollRequest true "Enrollment payload"
// @Success 202 {object} response.Envelope{data=dto.JobAcceptedResponse}
// @Failure 400 {object} response.Envelope
// @Failure 503 {object} response.Envelope
// @Router /enrollments [post]
func (h *EnrollmentHandler) Submit(c *gin.Context) {
	claims, ok := requireClaims(c)
	if !ok {
		return
	}
	var req dto.EnrollRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}

	job, err := h.enrollments.SubmitEnroll(c.Request.Context(), service.SubmitEnrollmentRequest{RequesterID: claims.UserID, CourseID: req.CourseID})
	if err != nil {
		response.Error(c, err)
		return
	}
	logger.TagJob(c, job.ID, job.CourseID)
	location := h.statusPath + job.ID
	response.Accepted(c, dto.JobAcceptedResponse{
		JobID:         job.ID,
		State:         job.State,
		QueuePosition: job.QueuePosition,
		StatusURL:     location,
	}, location)
}

// Status godoc
// @Summary Poll an enrollment job
// @Tags Enrollments
// @Produce json
// @Security BearerAuth
// @Param jobId path string true "Job ID"
// @Success 200 {object} response.Envelope{data=dto.JobStatusResponse}
// @Failure 404 {object} response.Envelope
// @Router /enrollments/status/{jobId} [get]
func (h *EnrollmentHandler) Status(c *gin.Context) {
	claims, ok := requireClaims(c)
	if !ok {
		return
	}
	job, err := h.enrollments.Status(c.Request.Context(), c.Param("jobId"), claims.UserID, claims.Role)
	if err != nil {
		response.Error(c, err)
		return
	}
	logger.TagJob(c, job.ID, job.CourseID)
	response.JSON(c, http.StatusOK, dto.NewJobStatusResponse(job), nil)
}

// Cancel godoc
// @Summary Cancel a queued enrollment job
// @Tags Enrollments
// @Produce json
// @Security BearerAuth
// @Param jobId path string true "Job ID"
// @Success 200 {object} response.Envelope{data=dto.JobStatusResponse}
// @Failure 404 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /enrollments/status/{jobId} [delete]
func (h *EnrollmentHandler) Cancel(c *gin.Context) {
	claims, ok := requireClaims(c)
	if !ok {
		return
	}
	job, err := h.enrollments.Cancel(c.Request.Context(), c.Param("jobId"), claims.UserID, claims.Role)
	if err != nil {
		response.Error(c, err)
		return
	}
	logger.TagJob(c, job.ID, job.CourseID)
	response.JSON(c, http.StatusOK, dto.NewJobStatusResponse(job), nil)
}

// Drop godoc
// @Summary Withdraw an enrollment
// @Description Runs through the course lane. Answers 202 with the job when it has not finished in time.
// @Tags Enrollments
// @Produce json
// @Security BearerAuth
// @Param enrollmentId path string true "Enrollment ID"
// @Success 200 {object} response.Envelope{data=dto.JobStatusResponse}
// @Success 202 {object} response.Envelope{data=dto.JobStatusResponse}
// @Failure 400 {object} response.Envelope
// @Router /enrollments/{enrollmentId} [delete]
func (h *EnrollmentHandler) Drop(c *gin.Context) {
	claims, ok := requireClaims(c)
	if !ok {
		return
	}
	job, err := h.enrollments.Drop(c.Request.Context(), claims.UserID, c.Param("enrollmentId"))
	if err != nil {
		response.Error(c, err)
		return
	}
	respondWithJob(c, job, h.statusPath+job.ID)
}

// Waitlist godoc
// @Summary Course waitlist snapshot
// @Tags Enrollments
// @Produce json
// @Security BearerAuth
// @Param courseId path string true "Course ID"
// @Success 200 {object} response.Envelope{data=dto.WaitlistResponse}
// @Failure 404 {object} response.Envelope
// @Router /enrollments/waitlist/{courseId} [get]
func (h *EnrollmentHandler) Waitlist(c *gin.Context) {
	courseID := c.Param("courseId")
	entries, err := h.enrollments.Waitlist(c.Request.Context(), courseID)
	if err != nil {
		response.Error(c, err)
		return
	}
	if entries == nil {
		entries = []models.WaitlistEntry{}
	}
	response.JSON(c, http.StatusOK, dto.WaitlistResponse{CourseID: courseID, Entries: entries}, nil)
}

// ExportWaitlist godoc
// @Summary Download the course waitlist roster
// @Tags Enrollments
// @Produce text/csv
// @Produce application/pdf
// @Security BearerAuth
// @Param courseId path string true "Course ID"
// @Param format query string false "csv or pdf" default(csv)
// @Success 200 {file} file
// @Failure 400 {object} response.Envelope
// @Router /enrollments/waitlist/{courseId}/export [get]
func (h *EnrollmentHandler) ExportWaitlist(c *gin.Context) {
	if h.exports == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrPreconditionFailed, "roster export disabled"))
		return
	}
	result, err := h.exports.WaitlistRoster(c.Request.Context(), c.Param("courseId"), c.DefaultQuery("format", "csv"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.File(c, result.Filename, result.ContentType, result.Body)
}

// MyCourses godoc
// @Summary List the caller's enrollments
// @Tags Enrollments
// @Produce json
// @Security BearerAuth
// @Param status query string false "CONFIRMED, WAITLISTED or WITHDRAWN"
// @Param termId query string false "Filter by term"
// @Param page query int false "Page"
// @Param limit query int false "Page size"
// @Success 200 {object} response.Envelope{data=[]models.EnrollmentDetail}
// @Router /enrollments/my-courses [get]
func (h *EnrollmentHandler) MyCourses(c *gin.Context) {
	claims, ok := requireClaims(c)
	if !ok {
		return
	}
	filter := models.EnrollmentFilter{
		RequesterID: claims.UserID,
		TermID:      c.Query("termId"),
		Status:      models.EnrollmentStatus(strings.ToUpper(c.Query("status"))),
	}
	if page, err := strconv.Atoi(c.DefaultQuery("page", "1")); err == nil {
		filter.Page = page
	}
	if size, err := strconv.Atoi(c.DefaultQuery("limit", "20")); err == nil {
		filter.PageSize = size
	}

	items, pagination, err := h.enrollments.MyCourses(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, items, pagination)
}

// respondWithJob renders a job the caller waited on: 200 on success, the
// job's own error when it failed and 202 while it is still pending.
func respondWithJob(c *gin.Context, job *models.EnrollmentJob, location string) {
	logger.TagJob(c, job.ID, job.CourseID)
	switch job.State {
	case models.JobStateSucceeded:
		response.JSON(c, http.StatusOK, dto.NewJobStatusResponse(job), nil)
	case models.JobStateFailed:
		if job.Error == nil {
			response.Error(c, appErrors.ErrInternal)
			return
		}
		response.Error(c, appErrors.ByCode(job.Error.Code, job.Error.Reason, job.Error.Retryable))
	default:
		response.Accepted(c, dto.NewJobStatusResponse(job), location)
	}
}
