package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-adp-enrollment/internal/dto"
	"github.com/noah-isme/sma-adp-enrollment/internal/middleware"
	"github.com/noah-isme/sma-adp-enrollment/internal/models"
	"github.com/noah-isme/sma-adp-enrollment/internal/service"
	appErrors "github.com/noah-isme/sma-adp-enrollment/pkg/errors"
)

type enrollmentServiceMock struct {
	submitReq  service.SubmitEnrollmentRequest
	job        *models.EnrollmentJob
	err        error
	entries    []models.WaitlistEntry
	items      []models.EnrollmentDetail
	filter     models.EnrollmentFilter
	statusRole models.UserRole
}

func (m *enrollmentServiceMock) SubmitEnroll(_ context.Context, req service.SubmitEnrollmentRequest) (*models.EnrollmentJob, error) {
	m.submitReq = req
	return m.job, m.err
}

func (m *enrollmentServiceMock) Drop(context.Context, string, string) (*models.EnrollmentJob, error) {
	return m.job, m.err
}

func (m *enrollmentServiceMock) Status(_ context.Context, _, _ string, role models.UserRole) (*models.EnrollmentJob, error) {
	m.statusRole = role
	return m.job, m.err
}

func (m *enrollmentServiceMock) Cancel(context.Context, string, string, models.UserRole) (*models.EnrollmentJob, error) {
	return m.job, m.err
}

func (m *enrollmentServiceMock) Waitlist(context.Context, string) ([]models.WaitlistEntry, error) {
	return m.entries, m.err
}

func (m *enrollmentServiceMock) MyCourses(_ context.Context, filter models.EnrollmentFilter) ([]models.EnrollmentDetail, *models.Pagination, error) {
	m.filter = filter
	return m.items, &models.Pagination{Page: 1, PageSize: 20, TotalCount: len(m.items)}, m.err
}

type rosterMock struct {
	result *service.ExportResult
	err    error
}

func (m rosterMock) WaitlistRoster(context.Context, string, string) (*service.ExportResult, error) {
	return m.result, m.err
}

func newGinContext(method, path string, body []byte) (*gin.Context, *httptest.ResponseRecorder) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req, _ := http.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	c.Request = req
	return c, w
}

func asStudent(c *gin.Context) {
	c.Set(middleware.ContextUserKey, &models.JWTClaims{UserID: "stu-x", Role: models.RoleStudent})
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		Retryable bool   `json:"retryable"`
	} `json:"error"`
}

func decode(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	return env
}

func TestEnrollmentHandlerSubmitReturnsAccepted(t *testing.T) {
	mock := &enrollmentServiceMock{job: &models.EnrollmentJob{ID: "job-1", State: models.JobStateQueued, QueuePosition: 2}}
	h := NewEnrollmentHandler(mock, nil, "/api/v1")

	c, w := newGinContext(http.MethodPost, "/api/v1/enrollments", []byte(`{"course_id":"cs101"}`))
	asStudent(c)
	h.Submit(c)

	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "/api/v1/enrollments/status/job-1", w.Header().Get("Location"))
	assert.Equal(t, "stu-x", mock.submitReq.RequesterID)
	assert.Equal(t, "cs101", mock.submitReq.CourseID)

	var accepted dto.JobAcceptedResponse
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &accepted))
	assert.Equal(t, "job-1", accepted.JobID)
	assert.Equal(t, models.JobStateQueued, accepted.State)
	assert.Equal(t, 2, accepted.QueuePosition)
}

func TestEnrollmentHandlerSubmitRejectsMalformedPayload(t *testing.T) {
	h := NewEnrollmentHandler(&enrollmentServiceMock{}, nil, "/api/v1")

	c, w := newGinContext(http.MethodPost, "/api/v1/enrollments", []byte(`{"course_id":`))
	asStudent(c)
	h.Submit(c)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, appErrors.ErrValidation.Code, decode(t, w).Error.Code)

	c, w = newGinContext(http.MethodPost, "/api/v1/enrollments", []byte(`{}`))
	asStudent(c)
	h.Submit(c)
	require.Equal(t, http.StatusBadRequest, w.Code)

	c, w = newGinContext(http.MethodPost, "/api/v1/enrollments", []byte(`{"course_id":"cs101"}`))
	h.Submit(c)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestEnrollmentHandlerStatus(t *testing.T) {
	finished := time.Now().UTC()
	mock := &enrollmentServiceMock{job: &models.EnrollmentJob{
		ID:         "job-1",
		Action:     models.ActionEnroll,
		State:      models.JobStateFailed,
		FinishedAt: &finished,
		Error:      &models.JobError{Code: "SCHEDULE_CONFLICT", Reason: "schedule conflict"},
	}}
	h := NewEnrollmentHandler(mock, nil, "/api/v1")

	c, w := newGinContext(http.MethodGet, "/api/v1/enrollments/status/job-1", nil)
	c.Params = gin.Params{{Key: "jobId", Value: "job-1"}}
	asStudent(c)
	h.Status(c)

	require.Equal(t, http.StatusOK, w.Code)
	var view dto.JobStatusResponse
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &view))
	assert.Equal(t, models.JobStateFailed, view.State)
	require.NotNil(t, view.Error)
	assert.Equal(t, "schedule conflict", view.Error.Reason)
	assert.Nil(t, view.Result)
	assert.Equal(t, models.RoleStudent, mock.statusRole)
}

func TestEnrollmentHandlerStatusNotFound(t *testing.T) {
	h := NewEnrollmentHandler(&enrollmentServiceMock{err: appErrors.ErrJobNotFound}, nil, "/api/v1")
	c, w := newGinContext(http.MethodGet, "/api/v1/enrollments/status/nope", nil)
	c.Params = gin.Params{{Key: "jobId", Value: "nope"}}
	asStudent(c)
	h.Status(c)

	require.Equal(t, http.StatusNotFound, w.Code)
	env := decode(t, w)
	assert.Equal(t, "JOB_NOT_FOUND", env.Error.Code)
	assert.Equal(t, "job not found or expired", env.Error.Message)
}

func TestEnrollmentHandlerCancelConflict(t *testing.T) {
	h := NewEnrollmentHandler(&enrollmentServiceMock{err: appErrors.ErrJobNotCancellable}, nil, "/api/v1")
	c, w := newGinContext(http.MethodDelete, "/api/v1/enrollments/status/job-1", nil)
	c.Params = gin.Params{{Key: "jobId", Value: "job-1"}}
	asStudent(c)
	h.Cancel(c)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestEnrollmentHandlerDropOutcomes(t *testing.T) {
	cases := []struct {
		name   string
		mock   *enrollmentServiceMock
		status int
	}{
		{"withdrawn", &enrollmentServiceMock{job: &models.EnrollmentJob{ID: "job-1", State: models.JobStateSucceeded, Result: &models.Enrollment{ID: "enr-1", Status: models.EnrollmentStatusWithdrawn}}}, http.StatusOK},
		{"still queued", &enrollmentServiceMock{job: &models.EnrollmentJob{ID: "job-1", State: models.JobStateQueued}}, http.StatusAccepted},
		{"foreign", &enrollmentServiceMock{err: appErrors.ErrEnrollmentNotFound}, http.StatusBadRequest},
		{"failed in lane", &enrollmentServiceMock{job: &models.EnrollmentJob{ID: "job-1", State: models.JobStateFailed, Error: &models.JobError{Code: "LOCK_TIMEOUT", Reason: "timed out", Retryable: true}}}, http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := NewEnrollmentHandler(tc.mock, nil, "/api/v1")
			c, w := newGinContext(http.MethodDelete, "/api/v1/enrollments/enr-1", nil)
			c.Params = gin.Params{{Key: "enrollmentId", Value: "enr-1"}}
			asStudent(c)
			h.Drop(c)
			assert.Equal(t, tc.status, w.Code)
		})
	}
}

func TestEnrollmentHandlerWaitlist(t *testing.T) {
	mock := &enrollmentServiceMock{entries: []models.WaitlistEntry{
		{CourseID: "cs101", EnrollmentID: "enr-2", RequesterID: "stu-b", Position: 1},
		{CourseID: "cs101", EnrollmentID: "enr-3", RequesterID: "stu-c", Position: 2},
	}}
	h := NewEnrollmentHandler(mock, nil, "/api/v1")
	c, w := newGinContext(http.MethodGet, "/api/v1/enrollments/waitlist/cs101", nil)
	c.Params = gin.Params{{Key: "courseId", Value: "cs101"}}
	h.Waitlist(c)

	require.Equal(t, http.StatusOK, w.Code)
	var res dto.WaitlistResponse
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &res))
	require.Len(t, res.Entries, 2)
	assert.Equal(t, 1, res.Entries[0].Position)
	assert.Equal(t, "enr-3", res.Entries[1].EnrollmentID)
}

func TestEnrollmentHandlerMyCoursesParsesFilter(t *testing.T) {
	mock := &enrollmentServiceMock{items: []models.EnrollmentDetail{{Enrollment: models.Enrollment{ID: "enr-1"}}}}
	h := NewEnrollmentHandler(mock, nil, "/api/v1")
	c, w := newGinContext(http.MethodGet, "/api/v1/enrollments/my-courses?status=waitlisted&page=2&limit=5", nil)
	asStudent(c)
	h.MyCourses(c)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "stu-x", mock.filter.RequesterID)
	assert.Equal(t, models.EnrollmentStatusWaitlisted, mock.filter.Status)
	assert.Equal(t, 2, mock.filter.Page)
	assert.Equal(t, 5, mock.filter.PageSize)
}

func TestEnrollmentHandlerExportWaitlist(t *testing.T) {
	exports := rosterMock{result: &service.ExportResult{Filename: "waitlist_cs101.csv", ContentType: "text/csv; charset=utf-8", Body: []byte("Position\n1\n")}}
	h := NewEnrollmentHandler(&enrollmentServiceMock{}, exports, "/api/v1")

	c, w := newGinContext(http.MethodGet, "/api/v1/enrollments/waitlist/cs101/export?format=csv", nil)
	c.Params = gin.Params{{Key: "courseId", Value: "cs101"}}
	h.ExportWaitlist(c)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, `attachment; filename="waitlist_cs101.csv"`, w.Header().Get("Content-Disposition"))
	assert.Equal(t, "Position\n1\n", w.Body.String())

	disabled := NewEnrollmentHandler(&enrollmentServiceMock{}, nil, "/api/v1")
	c, w = newGinContext(http.MethodGet, "/api/v1/enrollments/waitlist/cs101/export", nil)
	disabled.ExportWaitlist(c)
	assert.Equal(t, http.StatusPreconditionFailed, w.Code)
}

type courseServiceMock struct {
	course *models.Course
	job    *models.EnrollmentJob
	req    service.ChangeCapacityRequest
	err    error
}

func (m *courseServiceMock) Course(context.Context, string) (*models.Course, error) {
	return m.course, m.err
}

func (m *courseServiceMock) ChangeCapacity(_ context.Context, _ string, req service.ChangeCapacityRequest) (*models.EnrollmentJob, error) {
	m.req = req
	return m.job, m.err
}

func TestCourseHandlerUpdateCapacity(t *testing.T) {
	mock := &courseServiceMock{job: &models.EnrollmentJob{ID: "job-9", State: models.JobStateSucceeded, Course: &models.Course{ID: "cs101", Capacity: 40}}}
	h := NewCourseHandler(mock, "/api/v1")

	c, w := newGinContext(http.MethodPut, "/api/v1/courses/cs101/capacity", []byte(`{"capacity":40}`))
	c.Params = gin.Params{{Key: "courseId", Value: "cs101"}}
	c.Set(middleware.ContextUserKey, &models.JWTClaims{UserID: "registrar", Role: models.RoleAdmin})
	h.UpdateCapacity(c)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, service.ChangeCapacityRequest{CourseID: "cs101", Capacity: 40}, mock.req)

	c, w = newGinContext(http.MethodPut, "/api/v1/courses/cs101/capacity", []byte(`{"capacity":0}`))
	c.Set(middleware.ContextUserKey, &models.JWTClaims{UserID: "registrar", Role: models.RoleAdmin})
	h.UpdateCapacity(c)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCourseHandlerCapacityRejectedInLane(t *testing.T) {
	mock := &courseServiceMock{job: &models.EnrollmentJob{ID: "job-9", State: models.JobStateFailed, Error: &models.JobError{Code: "CAPACITY_MISCONFIGURED", Reason: "capacity 1 is below 2 confirmed seats"}}}
	h := NewCourseHandler(mock, "/api/v1")

	c, w := newGinContext(http.MethodPut, "/api/v1/courses/cs101/capacity", []byte(`{"capacity":1}`))
	c.Params = gin.Params{{Key: "courseId", Value: "cs101"}}
	c.Set(middleware.ContextUserKey, &models.JWTClaims{UserID: "registrar", Role: models.RoleAdmin})
	h.UpdateCapacity(c)

	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "capacity 1 is below 2 confirmed seats", decode(t, w).Error.Message)
}

func TestCourseHandlerGet(t *testing.T) {
	h := NewCourseHandler(&courseServiceMock{err: appErrors.ErrCourseNotFound}, "/api/v1")
	c, w := newGinContext(http.MethodGet, "/api/v1/courses/nope", nil)
	c.Params = gin.Params{{Key: "courseId", Value: "nope"}}
	h.Get(c)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMetricsHandlerReady(t *testing.T) {
	h := NewMetricsHandler(nil, map[string]ReadinessCheck{
		"enrollment_store": func(context.Context) error { return nil },
		"job_store":        func(context.Context) error { return errors.New("redis: connection refused") },
	})
	c, w := newGinContext(http.MethodGet, "/ready", nil)
	h.Ready(c)

	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "unavailable", body.Status)
	assert.Equal(t, "ok", body.Checks["enrollment_store"])

	healthy := NewMetricsHandler(nil, nil)
	c, w = newGinContext(http.MethodGet, "/ready", nil)
	healthy.Ready(c)
	assert.Equal(t, http.StatusOK, w.Code)

	c, w = newGinContext(http.MethodGet, "/metrics", nil)
	healthy.Prometheus(c)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
