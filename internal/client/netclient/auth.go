package netclient

import (
	"context"
	"net/http"

	"github.com/dmitrijs2005/roomies/internal/wire"
)

// AuthAPI calls the /v1/auth endpoints. It never attaches a bearer token.
type AuthAPI struct {
	c *Client
}

// NewAuthAPI wraps c. Any token provider on c is ignored.
func NewAuthAPI(c *Client) *AuthAPI {
	return &AuthAPI{c: c.WithTokens(nil)}
}

func (a *AuthAPI) SignUp(ctx context.Context, req wire.SignUpRequest) (*wire.TokenResponse, error) {
	return a.token(ctx, "/v1/auth/signup", req)
}

func (a *AuthAPI) SignIn(ctx context.Context, email, password string) (*wire.TokenResponse, error) {
	return a.token(ctx, "/v1/auth/signin", wire.SignInRequest{Email: email, Password: password})
}

func (a *AuthAPI) Refresh(ctx context.Context, refreshToken string) (*wire.TokenResponse, error) {
	return a.token(ctx, "/v1/auth/refresh", wire.RefreshRequest{RefreshToken: refreshToken})
}

// SignOut revokes refreshToken on the server.
func (a *AuthAPI) SignOut(ctx context.Context, refreshToken string) error {
	_, err := a.c.Do(ctx, http.MethodPost, "/v1/auth/signout", wire.RefreshRequest{RefreshToken: refreshToken})
	return err
}

func (a *AuthAPI) token(ctx context.Context, path string, body any) (*wire.TokenResponse, error) {
	resp, err := a.c.Do(ctx, http.MethodPost, path, body)
	if err != nil {
		return nil, err
	}
	var out wire.TokenResponse
	if err := resp.Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}
