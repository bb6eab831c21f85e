package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sma-adp-enrollment/internal/dto"
	"github.com/noah-isme/sma-adp-enrollment/internal/models"
	"github.com/noah-isme/sma-adp-enrollment/internal/service"
	appErrors "github.com/noah-isme/sma-adp-enrollment/pkg/errors"
	"github.com/noah-isme/sma-adp-enrollment/pkg/response"
)

type courseService interface {
	Course(ctx context.Context, courseID string) (*models.Course, error)
	ChangeCapacity(ctx context.Context, actorID string, req service.ChangeCapacityRequest) (*models.EnrollmentJob, error)
}

// CourseHandler exposes course reads and administrative capacity changes.
type CourseHandler struct {
	courses    courseService
	statusPath string
}

// NewCourseHandler constructs CourseHandler.
func NewCourseHandler(courses courseService, apiPrefix string) *CourseHandler {
	return &CourseHandler{courses: courses, statusPath: strings.TrimRight(apiPrefix, "/") + "/enrollments/status/"}
}

// Get godoc
// @Summary Course detail with seat counts
// @Tags Courses
// @Produce json
// @Security BearerAuth
// @Param courseId path string true "Course ID"
// @Success 200 {object} response.Envelope{data=models.Course}
// @Failure 404 {object} response.Envelope
// @Router /courses/{courseId} [get]
func (h *CourseHandler) Get(c *gin.Context) {
	course, err := h.courses.Course(c.Request.Context(), c.Param("courseId"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, course, nil)
}

// UpdateCapacity godoc
// @Summary Change course capacity
// @Description Routed through the course lane. Raising capacity promotes waitlisted requesters in order.
// @Tags Courses
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param courseId path string true "Course ID"
// @Param payload body dto.CapacityRequest true "Capacity payload"
// @Success 200 {object} response.Envelope{data=dto.JobStatusResponse}
// @Success 202 {object} response.Envelope{data=dto.JobStatusResponse}
// @Failure 400 {object} response.Envelope
// @Failure 422 {object} response.Envelope
// @Router /courses/{courseId}/capacity [put]
func (h *CourseHandler) UpdateCapacity(c *gin.Context) {
	claims, ok := requireClaims(c)
	if !ok {
		return
	}
	var req dto.CapacityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	job, err := h.courses.ChangeCapacity(c.Request.Context(), claims.UserID, service.ChangeCapacityRequest{
		CourseID: c.Param("courseId"),
		Capacity: req.Capacity,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	respondWithJob(c, job, h.statusPath+job.ID)
}
