package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dmitrijs2005/roomies/internal/common"
	"github.com/dmitrijs2005/roomies/internal/cryptox"
	"github.com/dmitrijs2005/roomies/internal/dbx"
	"github.com/dmitrijs2005/roomies/internal/domain"
	"github.com/dmitrijs2005/roomies/internal/logging"
	"github.com/dmitrijs2005/roomies/internal/server/auth"
	"github.com/dmitrijs2005/roomies/internal/server/config"
	"github.com/dmitrijs2005/roomies/internal/server/models"
	"github.com/dmitrijs2005/roomies/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/roomies/internal/wire"
	"github.com/google/uuid"
)

// TokenPair bundles a short-lived access token and a long-lived refresh token.
type TokenPair struct {
	UserID       string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// dummyHash keeps sign-in for unknown emails as slow as for known ones.
var dummyHash = cryptox.HashPassword([]byte("roomies-dummy-password"))

// UserService handles sign-up, sign-in, token refresh and sign-out.
type UserService struct {
	db                   *sql.DB
	repomanager          repomanager.RepositoryManager
	jwtSecret            []byte
	accessTokenValidity  time.Duration
	refreshTokenValidity time.Duration
	log                  logging.Logger
	now                  func() time.Time
}

func NewUserService(db *sql.DB, m repomanager.RepositoryManager, cfg *config.Config, log logging.Logger) *UserService {
	return &UserService{
		db:                   db,
		repomanager:          m,
		jwtSecret:            []byte(cfg.SecretKey),
		accessTokenValidity:  cfg.AccessTokenValidity,
		refreshTokenValidity: cfg.RefreshTokenValidity,
		log:                  log.With("component", "users"),
		now:                  time.Now,
	}
}

// SignUp creates the account together with its profile entity and signs
// the user in.
func (s *UserService) SignUp(ctx context.Context, req wire.SignUpRequest) (*TokenPair, error) {
	email := normalizeEmail(req.Email)
	if err := domain.ValidateSecret(req.Password); err != nil {
		return nil, err
	}
	profile := &domain.User{DisplayName: strings.TrimSpace(req.DisplayName), Email: email, AvatarColor: req.AvatarColor}
	if err := profile.Validate(); err != nil {
		return nil, err
	}
	payload, err := domain.EncodePayload(profile)
	if err != nil {
		return nil, err
	}

	user := &models.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: cryptox.HashPassword([]byte(req.Password)),
	}

	var pair *TokenPair
	err = withTx(ctx, s.db, func(ctx context.Context, tx dbx.DBTX) error {
		if err := s.repomanager.Users(tx).Create(ctx, user); err != nil {
			return err
		}
		ents := s.repomanager.Entities(tx)
		v, err := ents.NextVersion(ctx)
		if err != nil {
			return err
		}
		if err := ents.Insert(ctx, &models.Entity{
			ID:        user.ID,
			Kind:      domain.KindUser,
			RoomID:    user.ID,
			Version:   v,
			Payload:   payload,
			UpdatedAt: s.now().UTC(),
		}); err != nil {
			return err
		}
		pair, err = s.generateTokenPair(ctx, user.ID, tx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("sign up: %w", err)
	}
	s.log.Info(ctx, "user signed up", "user_id", user.ID)
	return pair, nil
}

// SignIn verifies the password and returns a new TokenPair. Unknown email
// and wrong password are indistinguishable.
func (s *UserService) SignIn(ctx context.Context, email, password string) (*TokenPair, error) {
	user, err := s.repomanager.Users(s.db).GetByEmail(ctx, normalizeEmail(email))
	if errors.Is(err, common.ErrNotFound) {
		_, _ = cryptox.VerifyPassword(dummyHash, []byte(password))
		return nil, common.ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("sign in: %w", err)
	}

	ok, err := cryptox.VerifyPassword(user.PasswordHash, []byte(password))
	if err != nil {
		return nil, fmt.Errorf("sign in: %w", err)
	}
	if !ok {
		return nil, common.ErrInvalidCredentials
	}
	return s.generateTokenPair(ctx, user.ID, s.db)
}

// RefreshToken validates a refresh token, rotates it transactionally, and
// returns a fresh TokenPair. Expired tokens yield ErrRefreshTokenExpired,
// unknown ones ErrUnauthorized.
func (s *UserService) RefreshToken(ctx context.Context, refreshToken string) (*TokenPair, error) {
	repo := s.repomanager.RefreshTokens(s.db)

	token, err := repo.Find(ctx, refreshToken)
	if errors.Is(err, common.ErrNotFound) {
		return nil, common.ErrUnauthorized
	}
	if err != nil {
		return nil, fmt.Errorf("error searching refresh token: %w", err)
	}
	if token.Expires.Before(s.now()) {
		_ = repo.Delete(ctx, refreshToken)
		return nil, common.ErrRefreshTokenExpired
	}

	var pair *TokenPair
	if err := withTx(ctx, s.db, func(ctx context.Context, tx dbx.DBTX) error {
		if err := s.repomanager.RefreshTokens(tx).Delete(ctx, refreshToken); err != nil {
			return fmt.Errorf("error deleting refresh token: %w", err)
		}
		var genErr error
		pair, genErr = s.generateTokenPair(ctx, token.UserID, tx)
		return genErr
	}); err != nil {
		return nil, err
	}
	return pair, nil
}

// SignOut revokes refreshToken. Unknown tokens are ignored.
func (s *UserService) SignOut(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	return s.repomanager.RefreshTokens(s.db).Delete(ctx, refreshToken)
}

// UserIDFromAccessToken verifies an access token.
func (s *UserService) UserIDFromAccessToken(token string) (string, error) {
	return auth.GetUserIDFromToken(token, s.jwtSecret)
}

func (s *UserService) generateTokenPair(ctx context.Context, userID string, tx dbx.DBTX) (*TokenPair, error) {
	access, expires, err := auth.GenerateToken(userID, s.jwtSecret, s.accessTokenValidity)
	if err != nil {
		return nil, common.ErrInternal
	}
	refresh, err := common.MakeRandHexString(32)
	if err != nil {
		return nil, common.ErrInternal
	}
	if err := s.repomanager.RefreshTokens(tx).Create(ctx, userID, refresh, s.now().Add(s.refreshTokenValidity)); err != nil {
		return nil, err
	}
	return &TokenPair{UserID: userID, AccessToken: access, RefreshToken: refresh, ExpiresAt: expires}, nil
}

func normalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
