package service

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/sma-adp-enrollment/internal/models"
	appErrors "github.com/noah-isme/sma-adp-enrollment/pkg/errors"
	"github.com/noah-isme/sma-adp-enrollment/pkg/export"
)

type waitlistSource interface {
	Waitlist(ctx context.Context, courseID string) ([]models.WaitlistEntry, error)
}

// ExportResult is a rendered roster ready to be served as an attachment.
type ExportResult struct {
	Filename    string
	ContentType string
	Body        []byte
}

// ExportService renders waitlist snapshots for registrars.
type ExportService struct {
	waitlists waitlistSource
	courses   courseReader
	logger    *zap.Logger
	now       func() time.Time
}

// NewExportService constructs ExportService.
func NewExportService(waitlists waitlistSource, courses courseReader, logger *zap.Logger) *ExportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExportService{waitlists: waitlists, courses: courses, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// WaitlistRoster renders the current waitlist of courseID in position order.
func (s *ExportService) WaitlistRoster(ctx context.Context, courseID, rawFormat string) (*ExportResult, error) {
	format, err := export.ParseFormat(rawFormat)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, err.Error())
	}
	entries, err := s.waitlists.Waitlist(ctx, courseID)
	if err != nil {
		return nil, err
	}
	course, err := s.courses.FindCourse(ctx, courseID)
	if err != nil {
		return nil, storageError(err, "failed to load course")
	}

	generatedAt := s.now()
	data := export.Dataset{
		Title:    fmt.Sprintf("%s %s waitlist", course.Code, course.Name),
		Subtitle: fmt.Sprintf("%d/%d seats confirmed, %d waiting, generated %s", course.ConfirmedCount, course.Capacity, len(entries), generatedAt.Format(time.RFC3339)),
		Headers:  []string{"Position", "Requester", "Enrollment", "Submitted At", "Sequence"},
		Rows:     make([][]string, 0, len(entries)),
	}
	for _, entry := range entries {
		data.Rows = append(data.Rows, []string{
			strconv.Itoa(entry.Position),
			entry.RequesterID,
			entry.EnrollmentID,
			entry.SubmittedAt.UTC().Format(time.RFC3339),
			strconv.FormatInt(entry.Sequence, 10),
		})
	}

	body, err := export.Render(format, data)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render roster")
	}
	s.logger.Sugar().Infow("waitlist roster exported", "course_id", courseID, "format", format, "entries", len(entries))
	return &ExportResult{
		Filename:    fmt.Sprintf("waitlist_%s_%s.%s", sanitizeFilename(course.Code), generatedAt.Format("20060102T150405"), format),
		ContentType: format.ContentType(),
		Body:        body,
	}, nil
}

func sanitizeFilename(raw string) string {
	raw = strings.TrimSpace(strings.ToLower(raw))
	if raw == "" {
		return "course"
	}
	var b strings.Builder
	for _, r := range raw {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
