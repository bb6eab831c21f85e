package repository

import (
	"context"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/noah-isme/sma-adp-enrollment/pkg/errors"
)

func TestPrerequisiteRepositoryMissing(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewPrerequisiteRepository(db)

	mock.ExpectQuery("SELECT p.prerequisite_course_id\\s+FROM course_prerequisites p").
		WithArgs("cs201", "student-1").
		WillReturnRows(sqlmock.NewRows([]string{"prerequisite_course_id"}).AddRow("cs101").AddRow("ma110"))

	missing, err := repo.MissingPrerequisites(context.Background(), "student-1", "cs201")
	require.NoError(t, err)
	assert.Equal(t, []string{"cs101", "ma110"}, missing)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPrerequisiteRepositoryConnectionFailureIsTransient(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewPrerequisiteRepository(db)

	mock.ExpectQuery("FROM course_prerequisites").
		WillReturnError(&pq.Error{Code: "08006"})

	_, err := repo.MissingPrerequisites(context.Background(), "student-1", "cs201")
	require.Error(t, err)
	assert.True(t, appErrors.IsRetryable(err))
}
