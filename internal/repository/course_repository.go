package repository

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sma-adp-enrollment/internal/models"
)

// CourseRepository reads course definitions and meeting slots. It never writes
// capacity counters; those belong to the admission transaction.
type CourseRepository struct {
	db *sqlx.DB
	sb sq.StatementBuilderType
}

// NewCourseRepository constructs CourseRepository.
func NewCourseRepository(db *sqlx.DB) *CourseRepository {
	return &CourseRepository{db: db, sb: sq.StatementBuilder.PlaceholderFormat(sq.Dollar)}
}

// FindCourse returns the course and its slots without locking.
func (r *CourseRepository) FindCourse(ctx context.Context, id string) (*models.Course, error) {
	var course models.Course
	if err := r.db.GetContext(ctx, &course, "SELECT "+courseColumns+" FROM courses WHERE id = $1", id); err != nil {
		return nil, classify(err, "find course")
	}
	slots, err := r.ListSlots(ctx, id)
	if err != nil {
		return nil, err
	}
	course.Slots = slots
	return &course, nil
}

// ListSlots returns the weekly meetings of one course.
func (r *CourseRepository) ListSlots(ctx context.Context, courseID string) ([]models.MeetingSlot, error) {
	query, args, err := r.sb.Select(slotColumns).
		From("course_meeting_slots").
		Where(sq.Eq{"course_id": courseID}).
		OrderBy("day_of_week", "start_time").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build slots query: %w", err)
	}
	slots := []models.MeetingSlot{}
	if err := r.db.SelectContext(ctx, &slots, query, args...); err != nil {
		return nil, classify(err, "list course slots")
	}
	return slots, nil
}
