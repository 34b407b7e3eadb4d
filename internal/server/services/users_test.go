package services

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/dmitrijs2005/roomies/internal/common"
	"github.com/dmitrijs2005/roomies/internal/domain"
	"github.com/dmitrijs2005/roomies/internal/logging"
	"github.com/dmitrijs2005/roomies/internal/server/config"
	"github.com/dmitrijs2005/roomies/internal/server/models"
	"github.com/dmitrijs2005/roomies/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newUserService(t *testing.T, db *sql.DB, store *memStore) *UserService {
	t.Helper()
	cfg := &config.Config{
		SecretKey:            "k",
		AccessTokenValidity:  time.Hour,
		RefreshTokenValidity: 2 * time.Hour,
	}
	return NewUserService(db, &memManager{s: store}, cfg, logging.Nop())
}

func signUpReq(email string) wire.SignUpRequest {
	return wire.SignUpRequest{Email: email, Password: "Passw0rdX", DisplayName: "Ann"}
}

func TestSignUp_CommitsAccountProfileAndTokens(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	mock.ExpectBegin()
	mock.ExpectCommit()

	store := newMemStore()
	s := newUserService(t, db, store)

	pair, err := s.SignUp(context.Background(), signUpReq(" Ann@Example.com "))
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	assert.NotEmpty(t, pair.AccessToken)
	assert.Len(t, pair.RefreshToken, 64)
	assert.Contains(t, store.users, "ann@example.com")

	profile := store.entities[pair.UserID]
	require.NotNil(t, profile)
	assert.Equal(t, domain.KindUser, profile.Kind)
	assert.Equal(t, pair.UserID, profile.RoomID)
	assert.Equal(t, int64(1), profile.Version)

	uid, err := s.UserIDFromAccessToken(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, pair.UserID, uid)
}

func TestSignUp_RollsBackOnDuplicate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	mock.ExpectBegin()
	mock.ExpectRollback()

	store := newMemStore()
	store.users["ann@example.com"] = nil
	s := newUserService(t, db, store)

	_, err = s.SignUp(context.Background(), signUpReq("ann@example.com"))
	require.ErrorIs(t, err, common.ErrIdentifierInUse)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSignUp_Validation(t *testing.T) {
	store := newMemStore()
	useMemTx(t, store)
	s := newUserService(t, nil, store)

	tests := []struct {
		name  string
		req   wire.SignUpRequest
		field string
	}{
		{"weak secret", wire.SignUpRequest{Email: "a@b.co", Password: "short", DisplayName: "A"}, "secret"},
		{"bad email", wire.SignUpRequest{Email: "nope", Password: "Passw0rdX", DisplayName: "A"}, "email"},
		{"no name", wire.SignUpRequest{Email: "a@b.co", Password: "Passw0rdX"}, "displayName"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.SignUp(context.Background(), tt.req)
			var ve *common.ValidationError
			require.True(t, errors.As(err, &ve))
			assert.Equal(t, tt.field, ve.Field)
		})
	}
	assert.Empty(t, store.users)
}

func TestSignIn(t *testing.T) {
	store := newMemStore()
	useMemTx(t, store)
	s := newUserService(t, nil, store)
	ctx := context.Background()

	_, err := s.SignUp(ctx, signUpReq("ann@example.com"))
	require.NoError(t, err)

	pair, err := s.SignIn(ctx, "ANN@example.com", "Passw0rdX")
	require.NoError(t, err)
	assert.NotEmpty(t, pair.AccessToken)

	_, err = s.SignIn(ctx, "ann@example.com", "wrong")
	assert.ErrorIs(t, err, common.ErrInvalidCredentials)

	_, err = s.SignIn(ctx, "bob@example.com", "Passw0rdX")
	assert.ErrorIs(t, err, common.ErrInvalidCredentials)
}

func TestRefreshToken_Rotates(t *testing.T) {
	store := newMemStore()
	useMemTx(t, store)
	s := newUserService(t, nil, store)
	ctx := context.Background()

	first, err := s.SignUp(ctx, signUpReq("ann@example.com"))
	require.NoError(t, err)

	second, err := s.RefreshToken(ctx, first.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, first.UserID, second.UserID)
	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)

	_, err = s.RefreshToken(ctx, first.RefreshToken)
	assert.ErrorIs(t, err, common.ErrUnauthorized)
}

func TestRefreshToken_Expired(t *testing.T) {
	store := newMemStore()
	useMemTx(t, store)
	s := newUserService(t, nil, store)
	store.tokens["old"] = &models.RefreshToken{UserID: "u1", Token: "old", Expires: time.Now().Add(-time.Minute)}

	_, err := s.RefreshToken(context.Background(), "old")
	assert.ErrorIs(t, err, common.ErrRefreshTokenExpired)
	assert.NotContains(t, store.tokens, "old")
}

func TestSignOut(t *testing.T) {
	store := newMemStore()
	s := newUserService(t, nil, store)
	store.tokens["t"] = &models.RefreshToken{UserID: "u1", Token: "t"}

	require.NoError(t, s.SignOut(context.Background(), "t"))
	require.NoError(t, s.SignOut(context.Background(), ""))
	assert.Empty(t, store.tokens)
}
