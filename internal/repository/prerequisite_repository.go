package repository

import (
	"context"

	"github.com/jmoiron/sqlx"
)

// PrerequisiteRepository answers eligibility questions from course_prerequisites
// and completed_courses.
type PrerequisiteRepository struct {
	db *sqlx.DB
}

// NewPrerequisiteRepository constructs PrerequisiteRepository.
func NewPrerequisiteRepository(db *sqlx.DB) *PrerequisiteRepository {
	return &PrerequisiteRepository{db: db}
}

// MissingPrerequisites returns prerequisite course ids requesterID has not completed.
func (r *PrerequisiteRepository) MissingPrerequisites(ctx context.Context, requesterID, courseID string) ([]string, error) {
	const query = `SELECT p.prerequisite_course_id
FROM course_prerequisites p
WHERE p.course_id = $1
  AND NOT EXISTS (
    SELECT 1 FROM completed_courses c
    WHERE c.requester_id = $2 AND c.course_id = p.prerequisite_course_id
  )
ORDER BY p.prerequisite_course_id`
	var missing []string
	if err := r.db.SelectContext(ctx, &missing, query, courseID, requesterID); err != nil {
		return nil, classify(err, "check prerequisites")
	}
	return missing, nil
}
