package conflicts

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/dmitrijs2005/roomies/internal/client/localdb"
	"github.com/dmitrijs2005/roomies/internal/client/models"
	"github.com/dmitrijs2005/roomies/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertAndList(t *testing.T) {
	ctx := context.Background()
	db, err := localdb.Open(ctx, ":memory:")
	require.NoError(t, err)
	defer db.Close()
	r := NewSQLiteRepository(db)

	first := &models.ConflictEvent{
		EntityID:         "t1",
		Kind:             domain.KindTask,
		Op:               models.OpUpdate,
		IdempotencyKey:   "k1",
		LocalBaseVersion: 3,
		LocalPayload:     json.RawMessage(`{"title":"mine"}`),
		RemoteVersion:    5,
		RemotePayload:    json.RawMessage(`{"title":"theirs"}`),
		Fields: []models.FieldChange{{
			Name: "title", Local: json.RawMessage(`"mine"`), Remote: json.RawMessage(`"theirs"`),
		}},
		Resolution: models.ResolutionRemoteWins,
	}
	require.NoError(t, r.Insert(ctx, first))
	assert.NotZero(t, first.ID)

	second := &models.ConflictEvent{
		EntityID: "t2", Kind: domain.KindTask, Op: models.OpDelete, IdempotencyKey: "k2",
		RemoteVersion: 9, RemoteDeleted: true, Resolution: models.ResolutionRemoteWins,
	}
	require.NoError(t, r.Insert(ctx, second))

	all, err := r.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "t2", all[0].EntityID, "newest first")
	assert.True(t, all[0].RemoteDeleted)
	assert.Empty(t, all[0].Fields)

	got := all[1]
	assert.JSONEq(t, `{"title":"mine"}`, string(got.LocalPayload))
	assert.Equal(t, models.ResolutionRemoteWins, got.Resolution)
	require.Len(t, got.Fields, 1)
	assert.Equal(t, "title", got.Fields[0].Name)
	assert.False(t, got.DetectedAt.IsZero())

	limited, err := r.List(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}
