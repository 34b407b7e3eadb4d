// Package auth owns the signed-in session: sign-up, sign-in, sign-out,
// restoring a persisted session and keeping the access token fresh.
//
// At most one token refresh is in flight at any time. Concurrent callers that
// need a fresh token share the result of that refresh.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dmitrijs2005/roomies/internal/client/credstore"
	"github.com/dmitrijs2005/roomies/internal/client/models"
	"github.com/dmitrijs2005/roomies/internal/common"
	"github.com/dmitrijs2005/roomies/internal/domain"
	"github.com/dmitrijs2005/roomies/internal/logging"
	"github.com/dmitrijs2005/roomies/internal/metrics"
	"github.com/dmitrijs2005/roomies/internal/wire"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"
)

// API is the unauthenticated auth endpoint set (see netclient.AuthAPI).
type API interface {
	SignUp(ctx context.Context, req wire.SignUpRequest) (*wire.TokenResponse, error)
	SignIn(ctx context.Context, email, password string) (*wire.TokenResponse, error)
	Refresh(ctx context.Context, refreshToken string) (*wire.TokenResponse, error)
	SignOut(ctx context.Context, refreshToken string) error
}

// Profile is the data collected at sign-up besides credentials.
type Profile struct {
	DisplayName string
	AvatarColor string
}

type Options struct {
	// RefreshMargin: refresh when the token expires sooner than this.
	RefreshMargin time.Duration
	// RefreshTimeout bounds the shared refresh call, independent of callers.
	RefreshTimeout time.Duration
	Metrics        *metrics.Sync
	Now            func() time.Time
}

type Manager struct {
	api   API
	store credstore.Store
	log   logging.Logger
	opts  Options

	mu        sync.RWMutex
	session   *models.Session
	state     State
	listeners []func(State)

	group singleflight.Group
	// background token revocations started by SignOut
	revocations sync.WaitGroup
}

func NewManager(api API, store credstore.Store, log logging.Logger, opts Options) *Manager {
	if opts.RefreshMargin <= 0 {
		opts.RefreshMargin = time.Minute
	}
	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = 10 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Manager{api: api, store: store, log: log.With("component", "auth"), opts: opts}
}

func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// OnStateChange registers fn to be called on every state transition.
func (m *Manager) OnStateChange(fn func(State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	if m.state == s {
		m.mu.Unlock()
		return
	}
	m.state = s
	listeners := slices.Clone(m.listeners)
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(s)
	}
}

// CurrentSession returns a copy of the session, or nil. It never blocks on I/O.
func (m *Manager) CurrentSession() *models.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session == nil {
		return nil
	}
	s := *m.session
	return &s
}

// Restore loads a persisted session. It returns common.ErrNotAuthenticated
// when there is none.
func (m *Manager) Restore(ctx context.Context) (*models.Session, error) {
	blob, err := m.store.Load(ctx)
	if errors.Is(err, common.ErrNotFound) {
		return nil, common.ErrNotAuthenticated
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	var s models.Session
	if err := json.Unmarshal(blob, &s); err != nil || s.RefreshToken == "" {
		m.log.Warn(ctx, "discarding unreadable stored session")
		_ = m.store.Clear(ctx)
		return nil, common.ErrNotAuthenticated
	}

	m.mu.Lock()
	m.session = &s
	m.mu.Unlock()
	m.setState(Authenticated)
	m.log.Info(ctx, "session restored", "user_id", s.UserID)
	return m.CurrentSession(), nil
}

func (m *Manager) SignIn(ctx context.Context, identifier, secret string) (*models.Session, error) {
	identifier = strings.TrimSpace(identifier)
	if err := domain.ValidateEmail(identifier); err != nil {
		return nil, err
	}
	if secret == "" {
		return nil, common.NewValidationError("secret", "required")
	}
	return m.authenticate(ctx, func(ctx context.Context) (*wire.TokenResponse, error) {
		return m.api.SignIn(ctx, identifier, secret)
	})
}

func (m *Manager) SignUp(ctx context.Context, identifier, secret string, p Profile) (*models.Session, error) {
	identifier = strings.TrimSpace(identifier)
	if err := domain.ValidateEmail(identifier); err != nil {
		return nil, err
	}
	if err := domain.ValidateSecret(secret); err != nil {
		return nil, err
	}
	if err := domain.ValidateDisplayName(p.DisplayName); err != nil {
		return nil, err
	}
	req := wire.SignUpRequest{
		Email:       identifier,
		Password:    secret,
		DisplayName: strings.TrimSpace(p.DisplayName),
		AvatarColor: p.AvatarColor,
	}
	return m.authenticate(ctx, func(ctx context.Context) (*wire.TokenResponse, error) {
		return m.api.SignUp(ctx, req)
	})
}

func (m *Manager) authenticate(ctx context.Context, call func(context.Context) (*wire.TokenResponse, error)) (*models.Session, error) {
	prev := m.State()
	m.setState(Authenticating)

	tok, err := call(ctx)
	if err == nil {
		var s *models.Session
		if s, err = m.sessionFrom(tok, ""); err == nil {
			if err = m.persist(ctx, s); err == nil {
				m.mu.Lock()
				m.session = s
				m.mu.Unlock()
				m.setState(Authenticated)
				m.log.Info(ctx, "signed in", "user_id", s.UserID)
				return m.CurrentSession(), nil
			}
		}
	}

	if prev == Authenticated && m.CurrentSession() != nil {
		m.setState(Authenticated)
	} else {
		m.setState(Unauthenticated)
	}
	return nil, err
}

// SignOut forgets the session locally right away. The refresh token is
// revoked on the server in the background; failures there are only logged.
func (m *Manager) SignOut(ctx context.Context) error {
	m.mu.Lock()
	s := m.session
	m.session = nil
	m.mu.Unlock()

	err := m.store.Clear(ctx)
	m.setState(Unauthenticated)

	if s != nil && s.RefreshToken != "" {
		m.revocations.Add(1)
		go func(token string) {
			defer m.revocations.Done()
			rctx, cancel := context.WithTimeout(context.Background(), m.opts.RefreshTimeout)
			defer cancel()
			if err := m.api.SignOut(rctx, token); err != nil {
				m.log.Warn(rctx, "refresh token revocation failed", "error", err)
			}
		}(s.RefreshToken)
	}

	if err != nil {
		return fmt.Errorf("clear credentials: %w", err)
	}
	return nil
}

// Wait blocks until background revocations started by SignOut finish.
func (m *Manager) Wait() {
	m.revocations.Wait()
}

// RefreshIfNeeded returns the current session, refreshing it first when the
// access token expires within the refresh margin.
//
// A refresh the server rejects ends the session with
// common.ErrReauthRequired. Any other failure is returned as is and the
// session is kept, so a later call can try again.
func (m *Manager) RefreshIfNeeded(ctx context.Context) (*models.Session, error) {
	s := m.CurrentSession()
	if s == nil {
		return nil, common.ErrNotAuthenticated
	}
	if !m.needsRefresh(s) {
		return s, nil
	}
	return m.refresh(ctx, s.AccessToken)
}

// AccessToken implements netclient.TokenProvider. If a due refresh fails for
// a transient reason the current token is still used while it is valid.
func (m *Manager) AccessToken(ctx context.Context) (string, error) {
	s, err := m.RefreshIfNeeded(ctx)
	if err == nil {
		return s.AccessToken, nil
	}
	if cur := m.CurrentSession(); cur != nil && !errors.Is(err, common.ErrReauthRequired) &&
		(cur.ExpiresAt.IsZero() || cur.ExpiresAt.After(m.opts.Now())) {
		m.log.Debug(ctx, "refresh failed, using current token", "error", err)
		return cur.AccessToken, nil
	}
	return "", err
}

// ForceRefresh implements netclient.TokenProvider. When the session already
// carries a token other than stale, that token is returned without a call.
func (m *Manager) ForceRefresh(ctx context.Context, stale string) (string, error) {
	s := m.CurrentSession()
	if s == nil {
		return "", common.ErrNotAuthenticated
	}
	if s.AccessToken != stale {
		return s.AccessToken, nil
	}
	ns, err := m.refresh(ctx, stale)
	if err != nil {
		return "", err
	}
	return ns.AccessToken, nil
}

func (m *Manager) needsRefresh(s *models.Session) bool {
	if s.ExpiresAt.IsZero() {
		return false
	}
	return s.ExpiresWithin(m.opts.Now(), m.opts.RefreshMargin)
}

// refresh joins the in-flight refresh or starts one. The shared call runs on
// a context detached from ctx, so one caller giving up does not fail the
// others; ctx only bounds how long this caller waits.
func (m *Manager) refresh(ctx context.Context, stale string) (*models.Session, error) {
	ch := m.group.DoChan("refresh", func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.RefreshTimeout)
		defer cancel()
		return m.doRefresh(rctx, stale)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		s := *res.Val.(*models.Session)
		return &s, nil
	}
}

func (m *Manager) doRefresh(ctx context.Context, stale string) (*models.Session, error) {
	cur := m.CurrentSession()
	if cur == nil {
		return nil, common.ErrNotAuthenticated
	}
	if cur.AccessToken != stale {
		// rotated by a refresh that finished just before this one started
		return cur, nil
	}

	m.setState(Refreshing)
	tok, err := m.api.Refresh(ctx, cur.RefreshToken)
	if err != nil {
		if refreshRejected(err) {
			m.opts.Metrics.Refresh("rejected")
			m.log.Warn(ctx, "refresh rejected, session ended", "error", err)
			m.endSession(ctx, cur.RefreshToken)
			return nil, fmt.Errorf("%w: %w", common.ErrReauthRequired, err)
		}
		m.opts.Metrics.Refresh("failed")
		m.log.Warn(ctx, "refresh failed", "error", err)
		m.restoreState()
		return nil, err
	}

	s, err := m.sessionFrom(tok, cur.RefreshToken)
	if err != nil {
		m.restoreState()
		return nil, err
	}

	m.mu.Lock()
	if m.session == nil || m.session.RefreshToken != cur.RefreshToken {
		// signed out or signed in again meanwhile
		m.mu.Unlock()
		m.restoreState()
		return nil, common.ErrNotAuthenticated
	}
	m.session = s
	m.mu.Unlock()

	if err := m.persist(ctx, s); err != nil {
		m.log.Error(ctx, "persist refreshed session", "error", err)
	}
	m.setState(Authenticated)
	m.opts.Metrics.Refresh("ok")
	m.log.Debug(ctx, "access token refreshed", "expires_at", s.ExpiresAt)

	out := *s
	return &out, nil
}

func (m *Manager) restoreState() {
	if m.CurrentSession() != nil {
		m.setState(Authenticated)
		return
	}
	m.setState(Unauthenticated)
}

// endSession drops the session if it is still the one identified by
// refreshToken.
func (m *Manager) endSession(ctx context.Context, refreshToken string) {
	m.mu.Lock()
	if m.session != nil && m.session.RefreshToken == refreshToken {
		m.session = nil
	}
	m.mu.Unlock()
	if err := m.store.Clear(ctx); err != nil {
		m.log.Error(ctx, "clear credentials", "error", err)
	}
	m.setState(Unauthenticated)
}

func refreshRejected(err error) bool {
	if errors.Is(err, common.ErrUnauthorized) || errors.Is(err, common.ErrRefreshTokenExpired) ||
		errors.Is(err, common.ErrInvalidCredentials) || errors.Is(err, common.ErrForbidden) ||
		errors.Is(err, common.ErrInvalidToken) {
		return true
	}
	var serr *common.ServerError
	return errors.As(err, &serr) && serr.Status >= http.StatusBadRequest && !serr.Retryable()
}

func (m *Manager) persist(ctx context.Context, s *models.Session) error {
	blob, err := json.Marshal(s)
	if err != nil {
		return err
	}
	if err := m.store.Save(ctx, blob); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// sessionFrom builds a session from a token response. The expiry comes from
// expires_in, falling back to the exp claim of the access token.
func (m *Manager) sessionFrom(tok *wire.TokenResponse, prevRefresh string) (*models.Session, error) {
	if tok == nil || tok.AccessToken == "" {
		return nil, &common.DecodingError{Err: errors.New("token response without access token")}
	}
	s := &models.Session{
		UserID:       tok.UserID,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
	}
	if s.RefreshToken == "" {
		s.RefreshToken = prevRefresh
	}

	claims := jwt.MapClaims{}
	_, _, perr := jwt.NewParser().ParseUnverified(tok.AccessToken, claims)

	switch {
	case tok.ExpiresIn > 0:
		s.ExpiresAt = m.opts.Now().Add(time.Duration(tok.ExpiresIn) * time.Second).UTC()
	case perr == nil:
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			s.ExpiresAt = exp.Time.UTC()
		}
	}
	if s.UserID == "" && perr == nil {
		s.UserID, _ = claims.GetSubject()
	}
	return s, nil
}
