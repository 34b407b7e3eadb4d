package entities

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/dmitrijs2005/roomies/internal/common"
	"github.com/dmitrijs2005/roomies/internal/dbx"
	"github.com/dmitrijs2005/roomies/internal/domain"
	"github.com/dmitrijs2005/roomies/internal/server/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var cols = []string{"id", "kind", "room_id", "version", "payload", "deleted_at", "last_mutation_key", "updated_at"}

func newRepoWithMock(t *testing.T) (*PostgresRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresRepository(db), mock
}

func TestNextVersion(t *testing.T) {
	t.Run("bumps counter row", func(t *testing.T) {
		repo, mock := newRepoWithMock(t)
		mock.ExpectQuery(`UPDATE entity_version SET value = value \+ 1 RETURNING value`).
			WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow(int64(42)))

		v, err := repo.NextVersion(context.Background())
		require.NoError(t, err)
		assert.Equal(t, int64(42), v)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing counter row", func(t *testing.T) {
		repo, mock := newRepoWithMock(t)
		mock.ExpectQuery(`UPDATE entity_version`).
			WillReturnRows(sqlmock.NewRows([]string{"value"}))

		_, err := repo.NextVersion(context.Background())
		require.ErrorContains(t, err, "version counter row is missing")
	})

	t.Run("db error", func(t *testing.T) {
		repo, mock := newRepoWithMock(t)
		mock.ExpectQuery(`UPDATE entity_version`).WillReturnError(errors.New("boom"))

		_, err := repo.NextVersion(context.Background())
		require.ErrorContains(t, err, "db error: boom")
	})
}

// Two writers: the first allocates version 10 and has not committed yet. The
// second writer's allocation is an UPDATE of the same row, so it only gets
// its value after the first commits; version 11 can never be visible while
// 10 is still pending.
func TestNextVersion_AllocatedInsideWriteTransaction(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	now := time.Now().UTC()
	for _, v := range []int64{10, 11} {
		mock.ExpectBegin()
		mock.ExpectQuery(`UPDATE entity_version SET value = value \+ 1 RETURNING value`).
			WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow(v))
		mock.ExpectExec(`(?s)INSERT INTO entities`).
			WithArgs(sqlmock.AnyArg(), "task", "h1", v, sqlmock.AnyArg(), sql.NullTime{}, "", now).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()
	}

	for _, id := range []string{"t1", "t2"} {
		err := dbx.WithTx(context.Background(), db, nil, func(ctx context.Context, tx dbx.DBTX) error {
			repo := NewPostgresRepository(tx)
			v, err := repo.NextVersion(ctx)
			if err != nil {
				return err
			}
			return repo.Insert(ctx, &models.Entity{
				ID: id, Kind: domain.KindTask, RoomID: "h1", Version: v,
				Payload: json.RawMessage(`{}`), UpdatedAt: now,
			})
		})
		require.NoError(t, err)
	}
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGet(t *testing.T) {
	updated := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
	deleted := updated.Add(time.Minute)

	t.Run("tombstone", func(t *testing.T) {
		repo, mock := newRepoWithMock(t)
		mock.ExpectQuery(`(?s)SELECT .+ FROM entities WHERE id = \$1$`).WithArgs("t1").
			WillReturnRows(sqlmock.NewRows(cols).
				AddRow("t1", "task", "h1", int64(7), []byte(`{"title":"x"}`), deleted, "k1", updated))

		e, err := repo.Get(context.Background(), "t1")
		require.NoError(t, err)
		assert.Equal(t, domain.KindTask, e.Kind)
		assert.Equal(t, "h1", e.RoomID)
		assert.Equal(t, int64(7), e.Version)
		assert.JSONEq(t, `{"title":"x"}`, string(e.Payload))
		require.NotNil(t, e.DeletedAt)
		assert.Equal(t, deleted, *e.DeletedAt)
		assert.Equal(t, "k1", e.LastMutationKey)
	})

	t.Run("not found", func(t *testing.T) {
		repo, mock := newRepoWithMock(t)
		mock.ExpectQuery(`FROM entities WHERE id = \$1`).WithArgs("nope").WillReturnError(sql.ErrNoRows)

		_, err := repo.Get(context.Background(), "nope")
		require.ErrorIs(t, err, common.ErrNotFound)
	})

	t.Run("for update locks the row", func(t *testing.T) {
		repo, mock := newRepoWithMock(t)
		mock.ExpectQuery(`WHERE id = \$1 FOR UPDATE$`).WithArgs("t1").
			WillReturnRows(sqlmock.NewRows(cols).AddRow("t1", "task", "h1", int64(1), []byte(`{}`), nil, "", updated))

		e, err := repo.GetForUpdate(context.Background(), "t1")
		require.NoError(t, err)
		assert.Nil(t, e.DeletedAt)
	})
}

func TestInsertAndUpdate(t *testing.T) {
	now := time.Now().UTC()
	e := &models.Entity{
		ID: "t1", Kind: domain.KindTask, RoomID: "h1", Version: 3,
		Payload: json.RawMessage(`{"title":"a"}`), LastMutationKey: "k", UpdatedAt: now,
	}

	t.Run("insert", func(t *testing.T) {
		repo, mock := newRepoWithMock(t)
		mock.ExpectExec(`(?s)INSERT INTO entities`).
			WithArgs("t1", "task", "h1", int64(3), []byte(`{"title":"a"}`), sql.NullTime{}, "k", now).
			WillReturnResult(sqlmock.NewResult(0, 1))
		require.NoError(t, repo.Insert(context.Background(), e))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("update missing row", func(t *testing.T) {
		repo, mock := newRepoWithMock(t)
		mock.ExpectExec(`(?s)UPDATE entities\s+SET version = \$2`).
			WillReturnResult(sqlmock.NewResult(0, 0))
		require.ErrorIs(t, repo.Update(context.Background(), e), common.ErrNotFound)
	})

	t.Run("update db error", func(t *testing.T) {
		repo, mock := newRepoWithMock(t)
		mock.ExpectExec(`UPDATE entities`).WillReturnError(errors.New("boom"))
		require.ErrorContains(t, repo.Update(context.Background(), e), "db error: boom")
	})
}

func TestChanges(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	now := time.Now().UTC()
	mock.ExpectQuery(`(?s)WHERE version > \$1.+room_id = \$2.+user_id = \$3.+ORDER BY version\s+LIMIT \$4`).
		WithArgs(int64(10), "u1", "u1", 2).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("u1", "user", "u1", int64(11), []byte(`{}`), nil, "", now).
			AddRow("t1", "task", "h1", int64(12), []byte(`{}`), nil, "", now))

	list, err := repo.Changes(context.Background(), "u1", 10, 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, int64(12), list[1].Version)
}

func TestRoomChanges(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	mock.ExpectQuery(`(?s)WHERE room_id = \$1 AND version > \$2`).
		WithArgs("h1", int64(0), 50).
		WillReturnRows(sqlmock.NewRows(cols).AddRow("x", "bad", "h1", int64(1), []byte(`{}`), nil, "", time.Now()).
			RowError(0, errors.New("broken row")))

	_, err := repo.RoomChanges(context.Background(), "h1", 0, 50)
	require.Error(t, err)
}

func TestFindHouseholdByInviteCode(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	mock.ExpectQuery(`(?s)kind = 'household' AND payload ->> 'inviteCode' = \$1 AND deleted_at IS NULL`).
		WithArgs("ABC123").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.FindHouseholdByInviteCode(context.Background(), "ABC123")
	require.ErrorIs(t, err, common.ErrNotFound)
}
