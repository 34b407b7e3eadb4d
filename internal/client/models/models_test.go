package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/dmitrijs2005/roomies/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEntity_AndDecodeAs(t *testing.T) {
	e, err := NewEntity(&domain.Task{HouseholdID: "h1", Title: "Vacuum", Points: 2})
	require.NoError(t, err)
	require.NotEmpty(t, e.ID)
	assert.Equal(t, domain.KindTask, e.Kind)
	assert.Zero(t, e.Version)
	assert.False(t, e.Deleted())

	task, err := DecodeAs[*domain.Task](e)
	require.NoError(t, err)
	assert.Equal(t, "Vacuum", task.Title)

	_, err = DecodeAs[*domain.Household](e)
	require.Error(t, err)
}

func TestClone_IsDeep(t *testing.T) {
	now := time.Now()
	e := &Entity{ID: "a", Kind: domain.KindHousehold, DeletedAt: &now, Payload: json.RawMessage(`{"name":"x"}`)}
	c := e.Clone()
	c.Payload[2] = 'N'
	*c.DeletedAt = now.Add(time.Hour)

	assert.Equal(t, `{"name":"x"}`, string(e.Payload))
	assert.Equal(t, now, *e.DeletedAt)
}

func TestSession_ExpiresWithin(t *testing.T) {
	now := time.Now()
	s := &Session{ExpiresAt: now.Add(30 * time.Second)}
	assert.True(t, s.ExpiresWithin(now, time.Minute))
	assert.False(t, s.ExpiresWithin(now, 10*time.Second))
}

func TestDiffFields(t *testing.T) {
	local := json.RawMessage(`{"title":"Dishes","points":3,"completed":false}`)
	remote := json.RawMessage(`{"title":"Dishes", "points":5,"assigneeId":"u2","completed":false}`)

	got := DiffFields(local, remote)
	require.Len(t, got, 2)
	assert.Equal(t, "points", got[0].Name)
	assert.JSONEq(t, `3`, string(got[0].Local))
	assert.JSONEq(t, `5`, string(got[0].Remote))
	assert.Equal(t, "assigneeId", got[1].Name)
	assert.Nil(t, got[1].Local)
}

func TestDiffFields_DeletedRemote(t *testing.T) {
	got := DiffFields(json.RawMessage(`{"title":"x"}`), nil)
	require.Len(t, got, 1)
	assert.Equal(t, "title", got[0].Name)
}
