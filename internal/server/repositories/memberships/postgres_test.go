package memberships

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRepoWithMock(t *testing.T) (*PostgresRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresRepository(db), mock
}

func TestAdd(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	mock.ExpectExec(`(?s)INSERT INTO memberships.+ON CONFLICT DO NOTHING`).
		WithArgs("h1", "u1").WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, repo.Add(context.Background(), "h1", "u1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIsMember(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	mock.ExpectQuery(`SELECT EXISTS`).WithArgs("h1", "u1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery(`SELECT EXISTS`).WithArgs("h1", "u2").
		WillReturnError(errors.New("down"))

	ok, err := repo.IsMember(context.Background(), "h1", "u1")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = repo.IsMember(context.Background(), "h1", "u2")
	require.ErrorContains(t, err, "db error: down")
}

func TestHouseholds(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	mock.ExpectQuery(`SELECT household_id FROM memberships WHERE user_id = \$1`).WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"household_id"}).AddRow("h1").AddRow("h2"))

	ids, err := repo.Households(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"h1", "h2"}, ids)
}
